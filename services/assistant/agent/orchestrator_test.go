package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maddness/vkusvill-mcp-bot/services/assistant/session"
	"github.com/maddness/vkusvill-mcp-bot/services/assistant/tools"
	"github.com/maddness/vkusvill-mcp-bot/services/llm"
	"github.com/maddness/vkusvill-mcp-bot/services/mcp"
)

type fakeLLM struct {
	runFn    func(ctx context.Context, req llm.AgentRequest) (*llm.AgentResult, error)
	streamFn func(ctx context.Context, systemPrompt string, messages []llm.Message, fn func(string)) error
}

func (f *fakeLLM) RunAgent(ctx context.Context, req llm.AgentRequest) (*llm.AgentResult, error) {
	return f.runFn(ctx, req)
}

func (f *fakeLLM) StreamCompletion(ctx context.Context, systemPrompt string, messages []llm.Message, fn func(string)) error {
	if f.streamFn == nil {
		return errors.New("no stream scripted")
	}
	return f.streamFn(ctx, systemPrompt, messages, fn)
}

// scriptedServer stands in for the tool server in end-to-end runs.
type scriptedServer struct {
	searches map[string]string
	cartLink string
	methods  []string
}

func (s *scriptedServer) Call(_ context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	s.methods = append(s.methods, name)
	text := ""
	switch name {
	case "vkusvill_products_search":
		text = s.searches[args["q"].(string)]
	case "vkusvill_cart_link_create":
		text = s.cartLink
	}
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}, nil
}

func searchPayload(id int64, name string) string {
	return fmt.Sprintf(`{"data":{"items":[{"xml_id":%d,"name":"%s"}]}}`, id, name)
}

func textResult(text string) *llm.AgentResult {
	return &llm.AgentResult{FinalText: text, Usage: llm.Usage{TotalTokens: 10}, Steps: 1}
}

func newOrchestrator(client llm.Client, caller tools.Caller, opts ...OrchestratorOption) *Orchestrator {
	return NewOrchestrator(client, tools.NewAdapter(caller, nil), session.NewStore(20), opts...)
}

func TestRunFirstTurnUsesTemplate(t *testing.T) {
	var captured []llm.Message
	client := &fakeLLM{runFn: func(_ context.Context, req llm.AgentRequest) (*llm.AgentResult, error) {
		captured = req.Messages
		return textResult("привет"), nil
	}}
	o := newOrchestrator(client, &scriptedServer{})
	o.now = func() time.Time { return time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) }

	_, err := o.Run(context.Background(), Request{UserID: 1, Text: "борщ"})
	require.NoError(t, err)
	require.Len(t, captured, 1)
	assert.Contains(t, captured[0].Content, "31.08.2026")
	assert.Contains(t, captured[0].Content, "борщ")

	// Second turn goes in raw.
	_, err = o.Run(context.Background(), Request{UserID: 1, Text: "и сметану"})
	require.NoError(t, err)
	assert.Equal(t, "и сметану", captured[len(captured)-1].Content)
}

func TestRunAppendsCartContextSuffix(t *testing.T) {
	var captured []llm.Message
	client := &fakeLLM{runFn: func(_ context.Context, req llm.AgentRequest) (*llm.AgentResult, error) {
		captured = req.Messages
		return textResult("ок"), nil
	}}
	store := session.NewStore(20)
	o := NewOrchestrator(client, tools.NewAdapter(&scriptedServer{}, nil), store)

	sess, _ := store.GetOrCreate(session.Key{UserID: 1, ThreadID: 0})
	sess.Append(llm.Message{Role: llm.RoleUser, Content: "борщ"})
	sess.Append(llm.Message{Role: llm.RoleAssistant, Content: "нашёл"})
	sess.RememberProduct("свёкла", 310)
	sess.RememberProduct("капуста", 220)

	_, err := o.Run(context.Background(), Request{UserID: 1, Text: "добавь сметану"})
	require.NoError(t, err)
	last := captured[len(captured)-1].Content
	assert.Contains(t, last, "[Товары уже в корзине: капуста(id:220), свёкла(id:310)]")
}

func TestRunHistoryStaysBounded(t *testing.T) {
	client := &fakeLLM{runFn: func(_ context.Context, _ llm.AgentRequest) (*llm.AgentResult, error) {
		return textResult("ок"), nil
	}}
	store := session.NewStore(6)
	o := NewOrchestrator(client, tools.NewAdapter(&scriptedServer{}, nil), store)

	for i := 0; i < 10; i++ {
		_, err := o.Run(context.Background(), Request{UserID: 1, Text: "ещё"})
		require.NoError(t, err)
	}
	sess, _ := store.GetOrCreate(session.Key{UserID: 1, ThreadID: 0})
	assert.LessOrEqual(t, len(sess.Messages), 6)
}

func TestRunStripsThinking(t *testing.T) {
	client := &fakeLLM{runFn: func(_ context.Context, _ llm.AgentRequest) (*llm.AgentResult, error) {
		return textResult("<think>составляю список</think>Вот корзина"), nil
	}}
	store := session.NewStore(20)
	o := NewOrchestrator(client, tools.NewAdapter(&scriptedServer{}, nil), store)

	res, err := o.Run(context.Background(), Request{UserID: 1, Text: "борщ"})
	require.NoError(t, err)
	assert.Equal(t, "Вот корзина", res.FinalText)

	sess, _ := store.GetOrCreate(session.Key{UserID: 1, ThreadID: 0})
	assert.Equal(t, "Вот корзина", sess.Messages[len(sess.Messages)-1].Content)
}

func TestRunBusyGate(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := &fakeLLM{runFn: func(_ context.Context, _ llm.AgentRequest) (*llm.AgentResult, error) {
		close(started)
		<-release
		return textResult("готово"), nil
	}}
	o := newOrchestrator(client, &scriptedServer{})

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), Request{UserID: 1, Text: "борщ"})
		done <- err
	}()
	<-started

	_, err := o.Run(context.Background(), Request{UserID: 1, Text: "ещё"})
	assert.ErrorIs(t, err, ErrBusy)

	// A different user is unaffected.
	o2 := newOrchestrator(&fakeLLM{runFn: func(_ context.Context, _ llm.AgentRequest) (*llm.AgentResult, error) {
		return textResult("ок"), nil
	}}, &scriptedServer{})
	_, err = o2.Run(context.Background(), Request{UserID: 2, Text: "молоко"})
	assert.NoError(t, err)

	close(release)
	require.NoError(t, <-done)

	// Slot is free again after completion.
	client.runFn = func(_ context.Context, _ llm.AgentRequest) (*llm.AgentResult, error) {
		return textResult("снова"), nil
	}
	_, err = o.Run(context.Background(), Request{UserID: 1, Text: "и ещё"})
	assert.NoError(t, err)
}

func TestRunErrorLeavesNoAssistantTurn(t *testing.T) {
	client := &fakeLLM{runFn: func(_ context.Context, _ llm.AgentRequest) (*llm.AgentResult, error) {
		return nil, errors.New("provider down")
	}}
	store := session.NewStore(20)
	o := NewOrchestrator(client, tools.NewAdapter(&scriptedServer{}, nil), store)

	_, err := o.Run(context.Background(), Request{UserID: 1, Text: "борщ"})
	require.Error(t, err)

	sess, _ := store.GetOrCreate(session.Key{UserID: 1, ThreadID: 0})
	for _, m := range sess.Messages {
		assert.NotEqual(t, llm.RoleAssistant, m.Role)
	}
}

func TestRunStreamingPass(t *testing.T) {
	client := &fakeLLM{
		runFn: func(_ context.Context, _ llm.AgentRequest) (*llm.AgentResult, error) {
			return textResult("Вот ваша корзина, держите ссылку"), nil
		},
		streamFn: func(_ context.Context, _ string, _ []llm.Message, fn func(string)) error {
			for _, chunk := range []string{"Вот ваша ", "корзина, ", "держите ссылку"} {
				fn(chunk)
			}
			return nil
		},
	}
	o := newOrchestrator(client, &scriptedServer{}, WithStreamThresholds(10, time.Hour))

	var updates []string
	_, err := o.Run(context.Background(), Request{
		UserID: 1,
		Text:   "борщ",
		Stream: func(text string) { updates = append(updates, text) },
	})
	require.NoError(t, err)
	require.NotEmpty(t, updates)
	assert.Equal(t, "Вот ваша корзина, держите ссылку", updates[len(updates)-1])
}

func TestRunStreamingFailureFallsBackToFinal(t *testing.T) {
	client := &fakeLLM{
		runFn: func(_ context.Context, _ llm.AgentRequest) (*llm.AgentResult, error) {
			return textResult("итоговый ответ"), nil
		},
		streamFn: func(_ context.Context, _ string, _ []llm.Message, _ func(string)) error {
			return errors.New("stream reset")
		},
	}
	o := newOrchestrator(client, &scriptedServer{})

	var updates []string
	res, err := o.Run(context.Background(), Request{
		UserID: 1,
		Text:   "борщ",
		Stream: func(text string) { updates = append(updates, text) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"итоговый ответ"}, updates)
	assert.Equal(t, "итоговый ответ", res.FinalText)
}

func TestRunStreamingSkippedForImageTurns(t *testing.T) {
	streamed := false
	client := &fakeLLM{
		runFn: func(_ context.Context, _ llm.AgentRequest) (*llm.AgentResult, error) {
			return textResult("на фото борщ"), nil
		},
		streamFn: func(_ context.Context, _ string, _ []llm.Message, _ func(string)) error {
			streamed = true
			return nil
		},
	}
	o := newOrchestrator(client, &scriptedServer{})

	var updates []string
	_, err := o.Run(context.Background(), Request{
		UserID: 1,
		Text:   "что на фото?",
		Image:  &llm.ImagePart{Base64: "aGk=", MIME: "image/jpeg"},
		Stream: func(text string) { updates = append(updates, text) },
	})
	require.NoError(t, err)
	assert.False(t, streamed)
	assert.Equal(t, []string{"на фото борщ"}, updates)
}

func TestRunProgressNotifications(t *testing.T) {
	client := &fakeLLM{runFn: func(_ context.Context, req llm.AgentRequest) (*llm.AgentResult, error) {
		req.OnEvent(llm.ToolCallEvent{Name: "search_products"})
		req.OnEvent(llm.ToolCallEvent{Name: "create_cart"})
		return textResult("готово"), nil
	}}
	o := newOrchestrator(client, &scriptedServer{})

	var notices []string
	res, err := o.Run(context.Background(), Request{
		UserID:   1,
		Text:     "борщ",
		Progress: func(text string) { notices = append(notices, text) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"🔍 Ищу товары...", "🛒 Собираю корзину..."}, notices)
	assert.Equal(t, []string{"search_products", "create_cart"}, res.ToolsUsed)
}

func TestRunArchiveRoundTrip(t *testing.T) {
	archive, err := session.OpenArchiveInMemory()
	require.NoError(t, err)
	defer archive.Close()

	client := &fakeLLM{runFn: func(_ context.Context, req llm.AgentRequest) (*llm.AgentResult, error) {
		return textResult("запомнил"), nil
	}}

	o := newOrchestrator(client, &scriptedServer{}, WithArchive(archive))
	_, err = o.Run(context.Background(), Request{UserID: 1, Text: "борщ"})
	require.NoError(t, err)

	// A fresh store simulates a restart; history comes back from the
	// archive on first contact.
	var captured []llm.Message
	client2 := &fakeLLM{runFn: func(_ context.Context, req llm.AgentRequest) (*llm.AgentResult, error) {
		captured = req.Messages
		return textResult("помню"), nil
	}}
	o2 := NewOrchestrator(client2, tools.NewAdapter(&scriptedServer{}, nil), session.NewStore(20), WithArchive(archive))

	_, err = o2.Run(context.Background(), Request{UserID: 1, Text: "что я просил?"})
	require.NoError(t, err)
	require.Len(t, captured, 3)
	assert.Contains(t, captured[0].Content, "борщ")
	assert.Equal(t, "запомнил", captured[1].Content)
}

func TestResetDropsSessionAndArchive(t *testing.T) {
	archive, err := session.OpenArchiveInMemory()
	require.NoError(t, err)
	defer archive.Close()

	store := session.NewStore(20)
	client := &fakeLLM{runFn: func(_ context.Context, _ llm.AgentRequest) (*llm.AgentResult, error) {
		return textResult("ок"), nil
	}}
	o := NewOrchestrator(client, tools.NewAdapter(&scriptedServer{}, nil), store, WithArchive(archive))

	_, err = o.Run(context.Background(), Request{UserID: 1, Text: "борщ"})
	require.NoError(t, err)

	o.Reset(1, 0)
	assert.Equal(t, 0, store.Len())
	_, ok, err := archive.Load(session.Key{UserID: 1, ThreadID: 0})
	require.NoError(t, err)
	assert.False(t, ok)
}

// agentScript simulates a model that searches each ingredient it does
// not already have, then builds a cart from everything it knows.
func agentScript(ingredients []string) func(ctx context.Context, req llm.AgentRequest) (*llm.AgentResult, error) {
	return func(ctx context.Context, req llm.AgentRequest) (*llm.AgentResult, error) {
		byName := map[string]llm.Tool{}
		for _, tool := range req.Tools {
			byName[tool.Name] = tool
		}
		lastUser := req.Messages[len(req.Messages)-1].Content

		ids := map[string]int64{}
		// Known picks arrive via the bracketed cart context.
		if start := strings.Index(lastUser, "[Товары уже в корзине: "); start >= 0 {
			for _, entry := range strings.Split(strings.TrimSuffix(lastUser[start+len("[Товары уже в корзине: "):], "]"), ", ") {
				if open := strings.Index(entry, "(id:"); open > 0 {
					var id int64
					fmt.Sscanf(entry[open:], "(id:%d)", &id)
					ids[entry[:open]] = id
				}
			}
		}

		for _, ing := range ingredients {
			if _, known := ids[ing]; known {
				continue
			}
			search := byName["search_products"]
			req.OnEvent(llm.ToolCallEvent{Name: search.Name})
			out := search.Execute(ctx, fmt.Sprintf(`{"query":"%s"}`, ing))
			var found []struct {
				ExternalID int64 `json:"external_id"`
			}
			if err := json.Unmarshal([]byte(out), &found); err == nil && len(found) > 0 {
				ids[ing] = found[0].ExternalID
			}
		}

		products := make([]string, 0, len(ids))
		for _, id := range ids {
			products = append(products, fmt.Sprintf(`{\"external_id\":%d,\"quantity\":1}`, id))
		}
		cart := byName["create_cart"]
		req.OnEvent(llm.ToolCallEvent{Name: cart.Name})
		cartOut := cart.Execute(ctx, fmt.Sprintf(`{"products_json":"[%s]"}`, strings.Join(products, ",")))

		return &llm.AgentResult{
			FinalText: "Корзина готова: " + cartOut,
			Usage:     llm.Usage{TotalTokens: 100},
			Steps:     len(ids) + 1,
		}, nil
	}
}

func TestBorschScenario(t *testing.T) {
	server := &scriptedServer{
		searches: map[string]string{
			"свёкла":    searchPayload(310, "Свёкла мытая, 500 г"),
			"капуста":   searchPayload(220, "Капуста белокочанная, 1 кг"),
			"картофель": searchPayload(130, "Картофель мытый, 900 г"),
		},
		cartLink: "https://vkusvill.ru/cart/borsch",
	}
	client := &fakeLLM{runFn: agentScript([]string{"свёкла", "капуста", "картофель"})}
	store := session.NewStore(20)
	o := NewOrchestrator(client, tools.NewAdapter(server, nil), store)

	res, err := o.Run(context.Background(), Request{UserID: 1, Text: "борщ"})
	require.NoError(t, err)

	assert.Contains(t, res.FinalText, "https://vkusvill.ru/cart/borsch")
	searchCalls := 0
	for _, m := range server.methods {
		if m == "vkusvill_products_search" {
			searchCalls++
		}
	}
	assert.Equal(t, 3, searchCalls)
	assert.Contains(t, server.methods, "vkusvill_cart_link_create")

	sess, _ := store.GetOrCreate(session.Key{UserID: 1, ThreadID: 0})
	assert.Len(t, sess.CartState, 3)
	assert.Equal(t, int64(310), sess.CartState["свёкла мытая"])
}

func TestAddIngredientSearchesOnlyNewOne(t *testing.T) {
	server := &scriptedServer{
		searches: map[string]string{
			"свёкла":  searchPayload(310, "Свёкла мытая, 500 г"),
			"капуста": searchPayload(220, "Капуста белокочанная, 1 кг"),
			"сметана": searchPayload(455, "Сметана 20%, 315 г"),
		},
		cartLink: "https://vkusvill.ru/cart/v2",
	}
	store := session.NewStore(20)

	first := &fakeLLM{runFn: agentScript([]string{"свёкла", "капуста"})}
	o := NewOrchestrator(first, tools.NewAdapter(server, nil), store)
	_, err := o.Run(context.Background(), Request{UserID: 1, Text: "борщ"})
	require.NoError(t, err)

	sess, _ := store.GetOrCreate(session.Key{UserID: 1, ThreadID: 0})
	require.Len(t, sess.CartState, 2)
	server.methods = nil

	// The second turn asks for one more ingredient; the script only
	// searches what the cart context does not already cover.
	second := &fakeLLM{runFn: agentScript([]string{"свёкла мытая", "капуста белокочанная", "сметана"})}
	o2 := NewOrchestrator(second, tools.NewAdapter(server, nil), store)
	_, err = o2.Run(context.Background(), Request{UserID: 1, Text: "добавь сметану"})
	require.NoError(t, err)

	searchCalls := 0
	for _, m := range server.methods {
		if m == "vkusvill_products_search" {
			searchCalls++
		}
	}
	assert.Equal(t, 1, searchCalls)
	assert.Len(t, sess.CartState, 3)
	assert.Equal(t, int64(455), sess.CartState["сметана 20%"])
}
