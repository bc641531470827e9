package pipeline

import (
	"context"
	"sync"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

// Roles recorded in a conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Runner executes a single turn.
type Runner interface {
	Run(ctx context.Context, utterance string) (domain.SafeguardedResult, error)
}

// Message is one entry of the visible history.
type Message struct {
	Role    string
	Content string
	Result  *domain.SafeguardedResult
}

// Conversation keeps the visible history for a presentation layer. Every turn
// still runs under its own thread.
type Conversation struct {
	runner   Runner
	mu       sync.Mutex
	messages []Message
}

// NewConversation starts an empty conversation.
func NewConversation(runner Runner) *Conversation {
	return &Conversation{runner: runner}
}

// Ask runs one turn and records both sides of the exchange.
func (c *Conversation) Ask(ctx context.Context, utterance string) (domain.SafeguardedResult, error) {
	result, err := c.runner.Run(ctx, utterance)
	if err != nil {
		return result, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages,
		Message{Role: RoleUser, Content: utterance},
		Message{Role: RoleAssistant, Content: result.Content(), Result: &result},
	)
	return result, nil
}

// History returns a copy of the recorded messages.
func (c *Conversation) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// Reset discards all recorded turns.
func (c *Conversation) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
}
