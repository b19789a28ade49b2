// Package content renders outbound message text for tasks.
//
// Text comes from weighted-random selection over enabled templates matching
// the task's type and tone, with payload placeholder substitution. DAILY_PUSH
// templates may carry a {TEXT} placeholder filled by the GenAI generator.
package content

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/BTreeMap/ContactPipe/internal/models"
	"github.com/BTreeMap/ContactPipe/internal/store"
)

// ErrNoTemplate indicates no enabled template exists for a task type.
var ErrNoTemplate = errors.New("no enabled template for task type")

// Generator supplies generated text for {TEXT} placeholders.
type Generator interface {
	GenerateDailyText(ctx context.Context, userName string) (string, error)
}

// PickWeighted selects one template by weighted random draw. Templates with
// non-positive weight are treated as weight 1. Pure function of its inputs.
func PickWeighted(templates []models.Template, rng *rand.Rand) (models.Template, error) {
	if len(templates) == 0 {
		return models.Template{}, ErrNoTemplate
	}
	total := 0
	for _, t := range templates {
		total += max(t.Weight, 1)
	}
	r := rng.IntN(total)
	for _, t := range templates {
		r -= max(t.Weight, 1)
		if r < 0 {
			return t, nil
		}
	}
	return templates[len(templates)-1], nil
}

// Renderer produces the outbound text for a task.
type Renderer struct {
	store store.Store
	gen   Generator
	rng   *rand.Rand
}

// NewRenderer creates a Renderer. gen may be nil when no GenAI client is
// configured; DAILY_PUSH tasks then fail to render. A nil rng uses a
// freshly seeded generator.
func NewRenderer(st store.Store, gen Generator, rng *rand.Rand) *Renderer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Renderer{store: st, gen: gen, rng: rng}
}

// Render selects a template for the task and substitutes placeholders.
func (r *Renderer) Render(ctx context.Context, task models.Task, user models.User) (string, error) {
	payload, err := task.Payload()
	if err != nil {
		return "", fmt.Errorf("decode task payload: %w", err)
	}

	tone, _ := payload["tone"].(string)
	templates, err := r.store.Templates(task.Type, tone)
	if err != nil {
		return "", fmt.Errorf("load templates: %w", err)
	}
	if len(templates) == 0 && tone != "" {
		// Fall back to tone-less templates for the type.
		templates, err = r.store.Templates(task.Type, "")
		if err != nil {
			return "", fmt.Errorf("load fallback templates: %w", err)
		}
	}

	tmpl, err := PickWeighted(templates, r.rng)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoTemplate, task.Type)
	}

	text := tmpl.Text
	text = strings.ReplaceAll(text, "{NAME}", user.Name)
	if remaining, ok := payload["remaining"]; ok {
		text = strings.ReplaceAll(text, "{REMAINING}", fmt.Sprintf("%v", remaining))
	}

	if strings.Contains(text, "{TEXT}") {
		if r.gen == nil {
			return "", fmt.Errorf("template for %s requires generated text but no generator is configured", task.Type)
		}
		generated, err := r.gen.GenerateDailyText(ctx, user.Name)
		if err != nil {
			return "", fmt.Errorf("generate daily text: %w", err)
		}
		text = strings.ReplaceAll(text, "{TEXT}", generated)
	}

	return strings.TrimSpace(text), nil
}
