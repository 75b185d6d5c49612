// Package session holds per-conversation state for the shopping
// assistant. A conversation is identified by (user, thread); everything
// the agent remembers between turns lives here, namely the bounded
// message history and the products it has put into carts so far.
//
// Sessions carry no internal locking. The busy gate admits at most one
// run per user at a time, so a session is only ever touched by one
// goroutine.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/maddness/vkusvill-mcp-bot/services/llm"
)

// DefaultMaxHistory bounds the message history per conversation.
const DefaultMaxHistory = 20

// Key identifies one conversation.
type Key struct {
	UserID   int64 `json:"user_id"`
	ThreadID int64 `json:"thread_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.UserID, k.ThreadID)
}

// Session is the state of one conversation.
type Session struct {
	ID  string `json:"id"`
	Key Key    `json:"key"`

	// Messages is the conversation history, oldest first, capped at
	// MaxHistory entries.
	Messages   []llm.Message `json:"messages"`
	MaxHistory int           `json:"max_history"`

	// CartState maps product names the agent has added to a cart to
	// their catalog ids. It survives history trimming, so the agent can
	// rebuild a cart even after the original search scrolled away.
	CartState map[string]int64 `json:"cart_state"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates an empty session for key.
func New(key Key, maxHistory int) *Session {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	now := time.Now()
	return &Session{
		ID:         uuid.NewString(),
		Key:        key,
		MaxHistory: maxHistory,
		CartState:  make(map[string]int64),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Append adds a message and trims the oldest entries past MaxHistory.
func (s *Session) Append(m llm.Message) {
	s.Messages = append(s.Messages, m)
	if excess := len(s.Messages) - s.MaxHistory; excess > 0 {
		s.Messages = s.Messages[excess:]
	}
	s.UpdatedAt = time.Now()
}

// RememberProduct records that the named product went into a cart.
func (s *Session) RememberProduct(name string, id int64) {
	if s.CartState == nil {
		s.CartState = make(map[string]int64)
	}
	s.CartState[name] = id
	s.UpdatedAt = time.Now()
}
