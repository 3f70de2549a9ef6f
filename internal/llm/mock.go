package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mock is a deterministic Generator for offline runs and tests. It answers
// with a reply echoing the first line of the system prompt and the user
// content, unless Reply or Err is set.
type Mock struct {
	// Reply, when set, produces the response text
	Reply func(systemPrompt, userContent string) string
	// Err, when set, is returned instead of a response
	Err error
	// Delay is waited before answering; a context ending first yields a timeout
	Delay time.Duration

	mu    sync.Mutex
	calls int
}

// Generate implements Generator
func (m *Mock) Generate(ctx context.Context, systemPrompt, userContent string, cfg Sampling) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", &GenerationError{Kind: ErrorTimeout, Err: ctx.Err()}
		}
	}
	if m.Err != nil {
		return "", m.Err
	}
	if m.Reply != nil {
		return m.Reply(systemPrompt, userContent), nil
	}

	role := systemPrompt
	if i := strings.IndexByte(role, '\n'); i >= 0 {
		role = role[:i]
	}
	return fmt.Sprintf("[%s] I understand you said: %q. Let me help you with that.", strings.TrimSpace(role), userContent), nil
}

// Calls returns how many times Generate was invoked
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
