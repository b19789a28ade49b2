package messaging

import (
	"context"
	"sync"
)

// SentMessage records one delivery made through the MockService.
type SentMessage struct {
	To   string
	Body string
}

// MockService is an in-memory Service implementation for tests. Errors can
// be scripted per recipient to exercise the delivery taxonomy.
type MockService struct {
	mu       sync.Mutex
	Sent     []SentMessage
	failWith map[string]error
}

// Compile-time check that MockService implements Service.
var _ Service = (*MockService)(nil)

// NewMockService creates an empty mock delivery channel.
func NewMockService() *MockService {
	return &MockService{failWith: make(map[string]error)}
}

// FailWith scripts an error for every send to the given recipient.
func (m *MockService) FailWith(to string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith[to] = err
}

// ValidateAndCanonicalizeRecipient applies standard phone canonicalization.
func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// SendMessage records the message, or returns the scripted error for the
// recipient.
func (m *MockService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failWith[to]; ok && err != nil {
		return err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

// SentTo returns the messages delivered to the given recipient.
func (m *MockService) SentTo(to string) []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SentMessage
	for _, s := range m.Sent {
		if s.To == to {
			out = append(out, s)
		}
	}
	return out
}
