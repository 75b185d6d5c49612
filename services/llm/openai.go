package llm

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/maddness/vkusvill-mcp-bot/pkg/logging"
)

// OpenAIClient implements Client against any OpenAI-compatible endpoint.
type OpenAIClient struct {
	model string
	log   *logging.Logger

	// Seams for tests; production values are bound to *openai.Client.
	complete   func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	openStream func(ctx context.Context, req openai.ChatCompletionRequest) (completionStream, error)
}

// completionStream is the subset of *openai.ChatCompletionStream used
// by StreamCompletion.
type completionStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithOpenAILogger sets the logger. Default: logging.Nop().
func WithOpenAILogger(log *logging.Logger) OpenAIOption {
	return func(c *OpenAIClient) {
		c.log = log
	}
}

// NewOpenAIClient creates a client for the given endpoint. baseURL may
// be empty, in which case the provider default is used.
func NewOpenAIClient(apiKey, baseURL, model string, opts ...OpenAIOption) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	api := openai.NewClientWithConfig(cfg)

	c := &OpenAIClient{
		model: model,
		log:   logging.Nop(),
		complete: func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
			return api.CreateChatCompletion(ctx, req)
		},
		openStream: func(ctx context.Context, req openai.ChatCompletionRequest) (completionStream, error) {
			return api.CreateChatCompletionStream(ctx, req)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAgent drives the tool loop: send the conversation, execute any
// tool calls the model requests, append the results and repeat until
// the model answers in plain text or the turn cap is hit.
func (c *OpenAIClient) RunAgent(ctx context.Context, req AgentRequest) (*AgentResult, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toChatMessage(m))
	}

	tools := make([]openai.Tool, 0, len(req.Tools))
	byName := make(map[string]Tool, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
		byName[t.Name] = t
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 10
	}

	result := &AgentResult{}
	lastText := ""

	for turn := 0; turn < maxTurns; turn++ {
		resp, err := c.complete(ctx, openai.ChatCompletionRequest{
			Model:    c.model,
			Messages: msgs,
			Tools:    tools,
		})
		if err != nil {
			return nil, fmt.Errorf("chat completion: %w", err)
		}
		result.Steps++
		result.Usage.Add(usageFrom(resp.Usage))

		if len(resp.Choices) == 0 {
			return nil, errors.New("chat completion: no choices returned")
		}
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			lastText = choice.Message.Content
		}

		if len(choice.Message.ToolCalls) == 0 {
			result.FinalText = lastText
			return result, nil
		}

		msgs = append(msgs, choice.Message)
		for _, call := range choice.Message.ToolCalls {
			if req.OnEvent != nil {
				req.OnEvent(ToolCallEvent{Name: call.Function.Name, Arguments: call.Function.Arguments})
			}
			c.log.Debug("tool call", "tool", call.Function.Name, "turn", turn)

			tool, ok := byName[call.Function.Name]
			var output string
			if !ok {
				output = fmt.Sprintf("unknown tool: %s", call.Function.Name)
			} else {
				output = tool.Execute(ctx, call.Function.Arguments)
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}

	c.log.Warn("turn cap reached", "max_turns", maxTurns)
	result.FinalText = lastText
	result.TurnsExhausted = true
	return result, nil
}

// StreamCompletion issues a plain streaming completion over the given
// conversation and feeds every unescaped text delta to fn.
func (c *OpenAIClient) StreamCompletion(ctx context.Context, systemPrompt string, messages []Message, fn func(delta string)) error {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	for _, m := range messages {
		msgs = append(msgs, toChatMessage(m))
	}

	stream, err := c.openStream(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream recv: %w", err)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				fn(html.UnescapeString(choice.Delta.Content))
			}
		}
	}
}

func toChatMessage(m Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: string(m.Role)}
	if len(m.Parts) == 0 {
		msg.Content = m.Content
		return msg
	}
	for _, p := range m.Parts {
		if p.Image != nil {
			msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", p.Image.MIME, p.Image.Base64),
				},
			})
			continue
		}
		msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: p.Text,
		})
	}
	return msg
}

func usageFrom(u openai.Usage) Usage {
	out := Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}
