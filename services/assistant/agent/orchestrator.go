// Package agent orchestrates one conversational turn of the shopping
// assistant: admission through the per-user gate, prompt assembly,
// the bounded tool-using model run, reasoning-span cleanup and the
// optional display streaming pass.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maddness/vkusvill-mcp-bot/pkg/logging"
	"github.com/maddness/vkusvill-mcp-bot/services/assistant/session"
	"github.com/maddness/vkusvill-mcp-bot/services/assistant/tools"
	"github.com/maddness/vkusvill-mcp-bot/services/llm"
)

// ErrBusy reports that the user already has a run in flight. The front
// end should answer with BusyText instead of queueing.
var ErrBusy = errors.New("previous request still in progress")

// BusyText is the canned reply for ErrBusy.
const BusyText = "⏳ Подожди, обрабатываю предыдущий запрос..."

// Progress notices emitted while the model works.
const (
	progressSearching = "🔍 Ищу товары..."
	progressBuilding  = "🛒 Собираю корзину..."
)

const (
	defaultMaxTurns       = 10
	defaultStreamMinChars = 100
	defaultStreamInterval = time.Second
)

// Request is one inbound user turn.
type Request struct {
	UserID   int64
	ThreadID int64
	Text     string

	// Image, when set, attaches a photo to the turn.
	Image *llm.ImagePart

	// Progress receives coarse status notices ("searching...").
	Progress func(text string)

	// Stream, when set, receives the growing visible answer text for
	// incremental display.
	Stream func(text string)
}

// RunResult is the per-run record returned to the caller. Run-scoped
// observability lives here rather than on the session.
type RunResult struct {
	SessionID string
	FinalText string
	ToolsUsed []string
	Usage     llm.Usage
	Steps     int

	TurnsExhausted bool
}

// Orchestrator drives agent runs over shared collaborators. It is safe
// for concurrent use; per-user ordering comes from the gate.
type Orchestrator struct {
	llm     llm.Client
	adapter *tools.Adapter
	store   *session.Store
	gate    *session.Gate
	prompts *Prompts
	archive *session.Archive
	log     *logging.Logger

	maxTurns       int
	streamMinChars int
	streamInterval time.Duration

	now func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxTurns caps model round trips per run. Default: 10.
func WithMaxTurns(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxTurns = n
		}
	}
}

// WithStreamThresholds tunes the display update batching.
func WithStreamThresholds(minChars int, interval time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if minChars > 0 {
			o.streamMinChars = minChars
		}
		if interval > 0 {
			o.streamInterval = interval
		}
	}
}

// WithArchive enables session persistence. Snapshots are saved after
// every successful run and restored on first contact after a restart.
func WithArchive(a *session.Archive) OrchestratorOption {
	return func(o *Orchestrator) {
		o.archive = a
	}
}

// WithPrompts overrides the built-in prompts.
func WithPrompts(p *Prompts) OrchestratorOption {
	return func(o *Orchestrator) {
		o.prompts = p
	}
}

// WithLogger sets the logger. Default: logging.Nop().
func WithLogger(log *logging.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// NewOrchestrator wires an orchestrator over its collaborators.
func NewOrchestrator(client llm.Client, adapter *tools.Adapter, store *session.Store, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		llm:            client,
		adapter:        adapter,
		store:          store,
		gate:           session.NewGate(),
		prompts:        DefaultPrompts(),
		log:            logging.Nop(),
		maxTurns:       defaultMaxTurns,
		streamMinChars: defaultStreamMinChars,
		streamInterval: defaultStreamInterval,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run processes one user turn end to end. It returns ErrBusy without
// blocking when the user's previous turn is still running. Provider
// and transport failures propagate to the caller; in that case no
// assistant turn is appended to the session.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*RunResult, error) {
	if !o.gate.TryAcquire(req.UserID) {
		busyRejections.Inc()
		return nil, ErrBusy
	}
	defer o.gate.Release(req.UserID)

	key := session.Key{UserID: req.UserID, ThreadID: req.ThreadID}
	sess, created := o.store.GetOrCreate(key)
	if created {
		o.restore(sess)
	}

	sess.Append(o.buildUserMessage(sess, req))

	runsTotal.Inc()
	log := o.log.With("session", sess.ID, "user", req.UserID)
	log.Info("run started", "first_turn", len(sess.Messages) == 1)

	var toolsUsed []string
	result, err := o.llm.RunAgent(ctx, llm.AgentRequest{
		SystemPrompt: o.prompts.System(),
		Messages:     sess.Messages,
		Tools:        o.adapter.ForSession(sess),
		MaxTurns:     o.maxTurns,
		OnEvent: func(e llm.ToolCallEvent) {
			toolsUsed = append(toolsUsed, e.Name)
			o.notifyProgress(req.Progress, e.Name)
		},
	})
	if err != nil {
		runErrors.Inc()
		log.Error("run failed", "error", err)
		return nil, err
	}

	final := result.FinalText
	if reasoning := ExtractThinking(final); reasoning != "" {
		log.Debug("reasoning span stripped", "chars", len(reasoning))
		final = StripThinking(final)
	}

	if req.Stream != nil && final != "" {
		o.streamForDisplay(ctx, sess, final, req.Stream, log)
	}

	sess.Append(llm.Message{Role: llm.RoleAssistant, Content: final})
	o.recordUsage(result.Usage)
	o.save(sess, log)

	log.Info("run finished",
		"tools", len(toolsUsed),
		"steps", result.Steps,
		"tokens", result.Usage.TotalTokens,
		"chars", len(final))

	return &RunResult{
		SessionID:      sess.ID,
		FinalText:      final,
		ToolsUsed:      toolsUsed,
		Usage:          result.Usage,
		Steps:          result.Steps,
		TurnsExhausted: result.TurnsExhausted,
	}, nil
}

// Reset drops the conversation for (userID, threadID), including its
// archived snapshot.
func (o *Orchestrator) Reset(userID, threadID int64) {
	key := session.Key{UserID: userID, ThreadID: threadID}
	o.store.Reset(key)
	if o.archive != nil {
		if err := o.archive.Delete(key); err != nil {
			o.log.Warn("archive delete failed", "key", key.String(), "error", err)
		}
	}
}

// buildUserMessage assembles the user turn: the first turn of a session
// is wrapped in the date+task template, and a cart context suffix is
// appended whenever earlier turns already picked products.
func (o *Orchestrator) buildUserMessage(sess *session.Session, req Request) llm.Message {
	text := req.Text
	if len(sess.Messages) == 0 {
		text = o.prompts.FirstTurn(o.now().Format("02.01.2006"), req.Text)
	}
	if suffix := cartContext(sess.CartState); suffix != "" {
		text += "\n\n" + suffix
	}

	if req.Image == nil {
		return llm.Message{Role: llm.RoleUser, Content: text}
	}
	return llm.Message{
		Role: llm.RoleUser,
		Parts: []llm.ContentPart{
			{Text: text},
			{Image: req.Image},
		},
	}
}

// cartContext renders the known cart picks as a bracketed suffix so the
// model can reference earlier finds without re-searching.
func cartContext(cart map[string]int64) string {
	if len(cart) == 0 {
		return ""
	}
	names := make([]string, 0, len(cart))
	for name := range cart {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]string, 0, len(names))
	for _, name := range names {
		entries = append(entries, fmt.Sprintf("%s(id:%d)", name, cart[name]))
	}
	return "[Товары уже в корзине: " + strings.Join(entries, ", ") + "]"
}

func (o *Orchestrator) notifyProgress(progress func(string), toolName string) {
	if progress == nil {
		return
	}
	switch {
	case strings.Contains(toolName, "search"):
		progress(progressSearching)
	case strings.Contains(toolName, "cart"):
		progress(progressBuilding)
	}
}

// streamForDisplay re-issues the conversation as a raw completion to
// get token-level deltas for the UI. The tool-using loop cannot stream
// its final answer, so this second pass exists purely for display
// smoothness. Conversations with image turns skip it, and any failure
// falls back silently to one emission of the final text.
func (o *Orchestrator) streamForDisplay(ctx context.Context, sess *session.Session, final string, stream func(string), log *logging.Logger) {
	for _, m := range sess.Messages {
		if m.HasImage() {
			stream(final)
			return
		}
	}

	agg := NewStreamAggregator(o.streamMinChars, o.streamInterval, stream)
	err := o.llm.StreamCompletion(ctx, o.prompts.System(), sess.Messages, agg.Add)
	if err != nil {
		streamFallbacks.Inc()
		log.Warn("display stream failed, falling back to final text", "error", err)
		stream(final)
		return
	}
	agg.Flush()
}

// restore seeds a freshly created session from the archive, if any.
func (o *Orchestrator) restore(sess *session.Session) {
	if o.archive == nil {
		return
	}
	saved, ok, err := o.archive.Load(sess.Key)
	if err != nil {
		o.log.Warn("archive load failed", "key", sess.Key.String(), "error", err)
		return
	}
	if !ok {
		return
	}
	sess.ID = saved.ID
	sess.Messages = saved.Messages
	sess.CartState = saved.CartState
	sess.CreatedAt = saved.CreatedAt
	o.log.Info("session restored", "key", sess.Key.String(), "messages", len(saved.Messages))
}

func (o *Orchestrator) save(sess *session.Session, log *logging.Logger) {
	if o.archive == nil {
		return
	}
	if err := o.archive.Save(sess); err != nil {
		log.Warn("archive save failed", "error", err)
	}
}

func (o *Orchestrator) recordUsage(u llm.Usage) {
	tokensTotal.WithLabelValues("prompt").Add(float64(u.PromptTokens))
	tokensTotal.WithLabelValues("completion").Add(float64(u.CompletionTokens))
	tokensTotal.WithLabelValues("cached").Add(float64(u.CachedTokens))
}
