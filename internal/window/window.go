// Package window provides contact-window selection and quiet-hour checks
// shared by the planner and dispatcher.
//
// A contact window is one of a small set of daytime buckets (morning, midday,
// evening). The planner assigns each candidate task a due time inside a
// weighted-random bucket, avoiding the user's quiet hours. Quiet hours are
// expressed as minutes since local midnight and may cross midnight
// (e.g. 22:00-08:00).
package window

import (
	"math/rand/v2"
	"time"

	"github.com/BTreeMap/ContactPipe/internal/models"
)

// Bucket is an allowed contact window within a local day.
type Bucket struct {
	Name      string
	StartHour int
	EndHour   int // exclusive
	Weight    float64
}

// DefaultBuckets mirrors the morning/midday/evening split with morning
// slightly preferred.
var DefaultBuckets = []Bucket{
	{Name: "morning", StartHour: 9, EndHour: 12, Weight: 0.4},
	{Name: "midday", StartHour: 12, EndHour: 17, Weight: 0.3},
	{Name: "evening", StartHour: 17, EndHour: 21, Weight: 0.3},
}

// JitterMinutes is the maximum jitter applied around a chosen slot so
// contacts do not land on exact bucket boundaries.
const JitterMinutes = 15

// InQuietHours reports whether the given minute-of-day falls inside the
// quiet window [startMin, endMin). Windows that cross midnight are handled.
// A zero-length window means quiet hours are disabled.
func InQuietHours(minuteOfDay, startMin, endMin int) bool {
	if startMin == endMin {
		return false
	}
	if startMin < endMin {
		return minuteOfDay >= startMin && minuteOfDay < endMin
	}
	// crosses midnight
	return minuteOfDay >= startMin || minuteOfDay < endMin
}

// MinuteOfDay returns minutes since local midnight for t.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// NextOutsideQuietHours returns t unchanged when it falls outside the user's
// quiet hours, otherwise the end of the quiet window in the user's timezone.
func NextOutsideQuietHours(t time.Time, prefs models.Preferences) time.Time {
	if prefs.QuietStartMinutes == prefs.QuietEndMinutes {
		return t
	}
	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil || prefs.Timezone == "" {
		loc = time.UTC
	}
	local := t.In(loc)
	if !InQuietHours(MinuteOfDay(local), prefs.QuietStartMinutes, prefs.QuietEndMinutes) {
		return t
	}
	end := time.Date(local.Year(), local.Month(), local.Day(),
		prefs.QuietEndMinutes/60, prefs.QuietEndMinutes%60, 0, 0, loc)
	if !end.After(local) {
		end = end.Add(24 * time.Hour)
	}
	return end.UTC()
}

// Assigner picks due times inside allowed contact windows.
type Assigner struct {
	buckets []Bucket
	rng     *rand.Rand
}

// NewAssigner creates an Assigner over the given buckets. A nil rng uses a
// freshly seeded generator; tests pass a fixed-seed source.
func NewAssigner(buckets []Bucket, rng *rand.Rand) *Assigner {
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Assigner{buckets: buckets, rng: rng}
}

// DueTime selects a due time later today for a contact to the user described
// by prefs. It returns false when no bucket remains available today outside
// quiet hours; the caller drops the candidate rather than deferring it.
func (a *Assigner) DueTime(now time.Time, prefs models.Preferences) (time.Time, bool) {
	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil || prefs.Timezone == "" {
		loc = time.UTC
	}
	local := now.In(loc)

	// Buckets that still have room today.
	var open []Bucket
	for _, b := range a.buckets {
		end := time.Date(local.Year(), local.Month(), local.Day(), b.EndHour, 0, 0, 0, loc)
		if end.After(local) {
			open = append(open, b)
		}
	}

	for len(open) > 0 {
		i := a.pickWeighted(open)
		b := open[i]
		open = append(open[:i], open[i+1:]...)

		slot, ok := a.slotInBucket(local, b, loc)
		if !ok {
			continue
		}
		if InQuietHours(MinuteOfDay(slot), prefs.QuietStartMinutes, prefs.QuietEndMinutes) {
			continue
		}
		return slot.UTC(), true
	}
	return time.Time{}, false
}

// pickWeighted returns the index of a weighted-random bucket.
func (a *Assigner) pickWeighted(buckets []Bucket) int {
	total := 0.0
	for _, b := range buckets {
		total += b.Weight
	}
	if total <= 0 {
		return a.rng.IntN(len(buckets))
	}
	r := a.rng.Float64() * total
	for i, b := range buckets {
		r -= b.Weight
		if r < 0 {
			return i
		}
	}
	return len(buckets) - 1
}

// slotInBucket picks a random minute inside the bucket, applies jitter, and
// ensures the result is still in the future. Returns false when the bucket
// has effectively elapsed.
func (a *Assigner) slotInBucket(local time.Time, b Bucket, loc *time.Location) (time.Time, bool) {
	start := time.Date(local.Year(), local.Month(), local.Day(), b.StartHour, 0, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), b.EndHour, 0, 0, 0, loc)
	if start.Before(local) {
		start = local
	}
	remaining := int(end.Sub(start).Minutes())
	if remaining <= 0 {
		return time.Time{}, false
	}

	slot := start.Add(time.Duration(a.rng.IntN(remaining)) * time.Minute)

	// Jitter within the bucket only; a jittered slot that escapes the bucket
	// or lands in the past reverts to the unjittered choice.
	jitter := time.Duration(a.rng.IntN(2*JitterMinutes+1)-JitterMinutes) * time.Minute
	jittered := slot.Add(jitter)
	if jittered.After(local) && !jittered.Before(start) && jittered.Before(end) {
		slot = jittered
	}
	if !slot.After(local) {
		return time.Time{}, false
	}
	return slot, true
}
