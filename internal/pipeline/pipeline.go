// Package pipeline runs one decision cycle per flushed batch: decide, validate,
// retry or fall back, skip satisfied states, dispatch tools, persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/StateFlow/internal/agent"
	"github.com/BTreeMap/StateFlow/internal/decision"
	"github.com/BTreeMap/StateFlow/internal/history"
	"github.com/BTreeMap/StateFlow/internal/metrics"
	"github.com/BTreeMap/StateFlow/internal/models"
	"github.com/BTreeMap/StateFlow/internal/skip"
	"github.com/BTreeMap/StateFlow/internal/store"
	"github.com/BTreeMap/StateFlow/internal/tools"
	"github.com/BTreeMap/StateFlow/internal/validation"
)

// Turn is the input of one cycle.
type Turn struct {
	ConversationID string
	State          string
	Data           map[string]any
	Batch          []models.BufferedMessage
	History        models.TransitionHistory
	Repeats        int
}

// Outcome is what a cycle hands back for persistence and reply.
type Outcome struct {
	State       string                  `json:"state"`
	Data        map[string]any          `json:"data"`
	Decision    models.Decision         `json:"decision"`
	Validation  models.ValidationResult `json:"validation"`
	Trace       []string                `json:"trace"`
	Skipped     []string                `json:"skipped,omitempty"`
	ToolResults []models.ToolResult     `json:"tool_results,omitempty"`
	Reply       string                  `json:"reply"`
	Retried     bool                    `json:"retried"`
	Fallback    bool                    `json:"fallback"`
}

// OutcomeHook receives every outcome after it has been persisted.
type OutcomeHook func(ctx context.Context, conversationID string, out Outcome)

// Pipeline wires the decision components to the conversation store.
type Pipeline struct {
	graph        *agent.Graph
	engine       *decision.Engine
	validator    *validation.Validator
	store        store.Store
	tracker      history.Tracker
	dispatcher   *tools.Dispatcher
	metrics      *metrics.Metrics
	hook         OutcomeHook
	maxSkipDepth int
	now          func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore sets the conversation store. The default is in-memory.
func WithStore(s store.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithTracker sets the transition tracker. The default is in-memory.
func WithTracker(t history.Tracker) Option {
	return func(p *Pipeline) { p.tracker = t }
}

// WithDispatcher enables tool execution.
func WithDispatcher(d *tools.Dispatcher) Option {
	return func(p *Pipeline) { p.dispatcher = d }
}

// WithMetrics sets the metrics the pipeline records into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithOutcomeHook registers a callback run after each persisted cycle.
func WithOutcomeHook(h OutcomeHook) Option {
	return func(p *Pipeline) { p.hook = h }
}

// WithMaxSkipDepth bounds the skip walk. Values below one are ignored.
func WithMaxSkipDepth(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxSkipDepth = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline over graph.
func New(graph *agent.Graph, engine *decision.Engine, validator *validation.Validator, opts ...Option) *Pipeline {
	p := &Pipeline{
		graph:        graph,
		engine:       engine,
		validator:    validator,
		maxSkipDepth: skip.DefaultMaxDepth,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.store == nil {
		p.store = store.NewInMemoryStore()
	}
	if p.tracker == nil {
		p.tracker = history.NewMemoryTracker(history.DefaultWindow)
	}
	if p.validator == nil {
		p.validator = validation.New()
	}
	p.metrics = metrics.OrNew(p.metrics)
	return p
}

// HandleBatch is the buffer handler. It loads or creates the conversation,
// runs a cycle and persists the new state, data, reply and transition.
func (p *Pipeline) HandleBatch(ctx context.Context, conversationID string, batch []models.BufferedMessage) error {
	if len(batch) == 0 {
		return nil
	}
	start := p.now()
	defer func() { p.metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	conv, err := p.load(ctx, conversationID)
	if err != nil {
		return err
	}

	userMsgs := make([]models.Message, len(batch))
	for i, m := range batch {
		userMsgs[i] = models.Message{Role: models.RoleUser, Text: m.Text, Timestamp: m.ReceivedAt}
	}
	if err := p.store.AppendMessages(ctx, conversationID, userMsgs...); err != nil {
		return fmt.Errorf("failed to append batch: %w", err)
	}

	hist, err := p.tracker.History(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load transition history: %w", err)
	}
	repeats, err := p.tracker.Repeats(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load repeat counter: %w", err)
	}

	out := p.Cycle(ctx, Turn{
		ConversationID: conversationID,
		State:          conv.State,
		Data:           conv.Data,
		Batch:          batch,
		History:        hist,
		Repeats:        repeats,
	})

	conv.State = out.State
	conv.Data = out.Data
	if err := p.store.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	if out.Reply != "" {
		reply := models.Message{Role: models.RoleAssistant, Text: out.Reply, Timestamp: p.now()}
		if err := p.store.AppendMessages(ctx, conversationID, reply); err != nil {
			return fmt.Errorf("failed to append reply: %w", err)
		}
	}
	if _, err := p.tracker.Record(ctx, conversationID, out.State, p.now()); err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	slog.Info("Pipeline HandleBatch completed", "conversationID", conversationID,
		"state", out.State, "verdict", out.Decision.Verdict, "skipped", out.Skipped, "fallback", out.Fallback)
	if p.hook != nil {
		p.hook(ctx, conversationID, out)
	}
	return nil
}

// load returns the stored conversation, creating it in the initial state on
// first contact. A state missing from the graph restarts the conversation.
func (p *Pipeline) load(ctx context.Context, conversationID string) (models.Conversation, error) {
	conv, err := p.store.GetConversation(ctx, conversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		conv = models.Conversation{ID: conversationID, State: p.graph.Initial, Data: map[string]any{}}
		slog.Info("Pipeline new conversation", "conversationID", conversationID, "state", conv.State)
	case err != nil:
		return models.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	default:
		if _, ok := p.graph.State(conv.State); ok {
			return conv, nil
		}
		slog.Warn("Pipeline conversation state not in graph, restarting", "conversationID", conversationID, "state", conv.State)
		conv.State = p.graph.Initial
		if err := p.tracker.Reset(ctx, conversationID); err != nil {
			return models.Conversation{}, fmt.Errorf("failed to reset transitions: %w", err)
		}
	}
	if conv.Data == nil {
		conv.Data = map[string]any{}
	}
	if err := p.store.SaveConversation(ctx, conv); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	// the entry into the initial state counts as its first visit
	if _, err := p.tracker.Record(ctx, conversationID, conv.State, p.now()); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to seed transitions: %w", err)
	}
	return conv, nil
}

// Cycle runs one decision cycle. It never fails: errors end in a fallback
// outcome that keeps the conversation going.
func (p *Pipeline) Cycle(ctx context.Context, t Turn) Outcome {
	out := Outcome{State: t.State, Data: maps.Clone(t.Data)}
	if out.Data == nil {
		out.Data = map[string]any{}
	}

	st, ok := p.graph.State(t.State)
	if !ok {
		out.Decision = models.Decision{Verdict: models.VerdictError, Reasoning: []string{"unknown state " + t.State}}
		out.Fallback = true
		out.Trace = append(out.Trace, "error: unknown state "+t.State)
		return out
	}

	in := decision.Input{State: st, Data: t.Data, Batch: t.Batch, History: t.History, Repeats: t.Repeats}
	ev := validation.Evidence{State: st, Data: t.Data, Message: in.Evidence(), Repeats: t.Repeats}

	d, vr := p.decideAndValidate(ctx, in, ev, &out)
	if !vr.Approved && vr.Retryable && d.Verdict != models.VerdictError {
		in.Extra = append(in.Extra, vr.Justification)
		out.Retried = true
		out.Trace = append(out.Trace, "retry: "+vr.Justification)
		d, vr = p.decideAndValidate(ctx, in, ev, &out)
	}
	out.Decision, out.Validation = d, vr

	if !vr.Approved {
		return p.fallback(ctx, t, st, out)
	}

	maps.Copy(out.Data, d.Extracted)
	landing := d.NextState
	if d.Verdict == models.VerdictSuccess {
		var skipped []string
		landing, skipped = skip.Resolve(landing, p.graph, out.Data, p.maxSkipDepth)
		if len(skipped) > 0 {
			out.Skipped = skipped
			p.metrics.SkippedStates.Add(float64(len(skipped)))
			out.Trace = append(out.Trace, "skipped: "+strings.Join(skipped, ", "))
		}
	}
	out.State = landing

	dest, _ := p.graph.State(landing)
	if landing != t.State {
		out.ToolResults = p.runTools(ctx, t.ConversationID, dest, out.Data)
		for _, r := range out.ToolResults {
			if !r.Success {
				out.Trace = append(out.Trace, fmt.Sprintf("tool %s failed: %s", r.Tool, r.Error))
			}
		}
	}
	out.Reply = composeReply(dest.Prompt, out.ToolResults)
	out.Trace = append(out.Trace, fmt.Sprintf("%s -> %s", t.State, landing))
	return out
}

func (p *Pipeline) decideAndValidate(ctx context.Context, in decision.Input, ev validation.Evidence, out *Outcome) (models.Decision, models.ValidationResult) {
	d := p.engine.Decide(ctx, in)
	p.metrics.Decisions.WithLabelValues(string(d.Verdict), string(d.Route)).Inc()
	out.Trace = append(out.Trace, d.Reasoning...)

	vr := p.validator.Validate(ctx, ev, d)
	p.metrics.Validations.WithLabelValues(strconv.FormatBool(vr.Approved), strconv.FormatBool(vr.Retryable)).Inc()
	for _, alert := range vr.Alerts {
		check, _, _ := strings.Cut(alert, ":")
		p.metrics.Rejections.WithLabelValues(check).Inc()
	}
	if vr.Approved {
		out.Trace = append(out.Trace, fmt.Sprintf("approved (%.2f): %s", vr.Confidence, vr.Justification))
	} else {
		out.Trace = append(out.Trace, fmt.Sprintf("rejected (%.2f): %s", vr.Confidence, vr.Justification))
	}
	return d, vr
}

// fallback moves to the validator's suggested state when it exists, otherwise
// stays. The reply is the prompt of where the conversation ends up and never
// carries diagnostics.
func (p *Pipeline) fallback(ctx context.Context, t Turn, current models.State, out Outcome) Outcome {
	out.Fallback = true
	target := current
	if s := out.Validation.SuggestedState; s != "" && s != current.Name {
		if st, ok := p.graph.State(s); ok {
			target = st
		}
	}
	out.State = target.Name
	out.Trace = append(out.Trace, fmt.Sprintf("fallback: %s -> %s", current.Name, target.Name))
	slog.Warn("Pipeline fallback", "conversationID", t.ConversationID, "from", current.Name, "to", target.Name,
		"verdict", out.Decision.Verdict, "justification", out.Validation.Justification)
	if target.Name != current.Name {
		out.ToolResults = p.runTools(ctx, t.ConversationID, target, out.Data)
	}
	out.Reply = composeReply(target.Prompt, out.ToolResults)
	return out
}

// runTools executes the state's tools with arguments taken from collected data.
func (p *Pipeline) runTools(ctx context.Context, conversationID string, st models.State, data map[string]any) []models.ToolResult {
	if p.dispatcher == nil || len(st.Tools) == 0 {
		return nil
	}
	args := make(map[string]any, len(st.ToolArgs))
	for arg, key := range st.ToolArgs {
		if v, ok := data[key]; ok {
			args[arg] = v
		}
	}
	results := make([]models.ToolResult, 0, len(st.Tools))
	for _, name := range st.Tools {
		results = append(results, p.dispatcher.Execute(ctx, name, args, tools.Context{LeadID: conversationID}))
	}
	return results
}

// composeReply puts tool messages first. The state prompt follows only when
// every tool succeeded.
func composeReply(prompt string, results []models.ToolResult) string {
	var parts []string
	ok := true
	for _, r := range results {
		if r.Message != "" {
			parts = append(parts, r.Message)
		}
		if !r.Success {
			ok = false
		}
	}
	if ok && prompt != "" {
		parts = append(parts, prompt)
	}
	return strings.Join(parts, "\n")
}
