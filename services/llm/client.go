// Package llm talks to the model provider through an OpenAI-compatible
// chat-completions endpoint. Production runs behind a LiteLLM proxy, so
// both the base URL and the model name are configurable.
//
// Two call shapes are exposed: RunAgent, a tool-using loop bounded by a
// step cap, and StreamCompletion, a raw token stream used only to drive
// incremental display updates.
package llm

import "context"

// Role tags a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ImagePart is an inline base64 image attached to a user turn.
type ImagePart struct {
	Base64 string
	MIME   string
}

// ContentPart is one typed piece of a multimodal turn. Exactly one of
// Text or Image is set.
type ContentPart struct {
	Text  string
	Image *ImagePart
}

// Message is one turn of conversation history. Plain turns use Content;
// multimodal turns use Parts and leave Content empty.
type Message struct {
	Role    Role
	Content string
	Parts   []ContentPart
}

// HasImage reports whether the message carries an image part.
func (m Message) HasImage() bool {
	for _, p := range m.Parts {
		if p.Image != nil {
			return true
		}
	}
	return false
}

// Tool is a callable operation offered to the model. Execute receives
// the raw JSON arguments emitted by the model and always returns a
// string; failures are encoded as sentinel text so the model can
// recover conversationally instead of aborting the run.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Execute     func(ctx context.Context, arguments string) string
}

// ToolCallEvent is emitted once per tool invocation during RunAgent.
type ToolCallEvent struct {
	Name      string
	Arguments string
}

// Usage aggregates token accounting over one agent run.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CachedTokens     int
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.CachedTokens += other.CachedTokens
}

// AgentRequest describes one bounded agent run.
type AgentRequest struct {
	// SystemPrompt is prepended as the system turn.
	SystemPrompt string

	// Messages is the trimmed conversation history, oldest first.
	Messages []Message

	// Tools are the operations bound to this run's session.
	Tools []Tool

	// MaxTurns caps model round trips. Exhausting the cap is not an
	// error; whatever text accumulated so far is returned.
	MaxTurns int

	// OnEvent, when non-nil, observes every tool invocation.
	OnEvent func(ToolCallEvent)
}

// AgentResult is the outcome of one agent run.
type AgentResult struct {
	FinalText string
	Usage     Usage
	Steps     int

	// TurnsExhausted is set when the run stopped at MaxTurns rather
	// than at a final answer.
	TurnsExhausted bool
}

// Client is the model-provider contract consumed by the orchestrator.
type Client interface {
	// RunAgent executes the tool-using loop and returns the final text.
	RunAgent(ctx context.Context, req AgentRequest) (*AgentResult, error)

	// StreamCompletion re-issues the conversation as a plain streaming
	// completion, feeding each text delta to fn.
	StreamCompletion(ctx context.Context, systemPrompt string, messages []Message, fn func(delta string)) error
}
