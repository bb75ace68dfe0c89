// Package decision decides, for one conversation turn, whether to stay in the
// current state, advance or escape.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/StateFlow/internal/models"
	"github.com/BTreeMap/StateFlow/internal/textutil"
)

// DefaultRetryCeiling is the number of attempts on a state before a failure
// routes to escape.
const DefaultRetryCeiling = 3

// DoubtMarker is the reasoning entry added when the turn reads as a question.
const DoubtMarker = "doubt_detected"

// Input is the evidence for one decision.
type Input struct {
	State   models.State
	Data    map[string]any
	Batch   []models.BufferedMessage
	History models.TransitionHistory
	// Repeats counts consecutive turns that stayed in State before this one.
	Repeats int
	// Extra carries validator feedback when the decision is being retried.
	Extra []string
}

// Evidence returns the batch text in arrival order.
func (in Input) Evidence() string {
	return models.JoinBatch(in.Batch)
}

// Engine produces Decisions.
type Engine struct {
	reasoner     Reasoner
	retryCeiling int
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryCeiling sets how many attempts on a state are allowed before a
// failure escapes. Values below one are ignored.
func WithRetryCeiling(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.retryCeiling = n
		}
	}
}

// NewEngine creates an Engine backed by reasoner.
func NewEngine(reasoner Reasoner, opts ...Option) *Engine {
	e := &Engine{reasoner: reasoner, retryCeiling: DefaultRetryCeiling}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide returns the decision for one turn. It never returns an error: failures
// of the reasoning call or its output become an error verdict.
func (e *Engine) Decide(ctx context.Context, in Input) models.Decision {
	st := in.State
	slog.Debug("Engine Decide", "state", st.Name, "dataKey", st.DataKey, "repeats", in.Repeats, "retry", len(in.Extra) > 0)

	if st.Routes.Empty() {
		return errorDecision("state %s: %v", st.Name, models.ErrEmptyRouteTable)
	}
	return checked(st, e.decide(ctx, in))
}

func (e *Engine) decide(ctx context.Context, in Input) models.Decision {
	st := in.State
	if !st.RequiresData() {
		return e.classify(ctx, in)
	}
	if st.Satisfied(in.Data) {
		return e.advance(st, in.Evidence(), in.Data[st.DataKey], nil,
			fmt.Sprintf("data key %q already collected", st.DataKey))
	}
	return e.extract(ctx, in)
}

// checked turns a malformed decision, or one whose destination is not in the
// state's route table, into an error verdict.
func checked(st models.State, d models.Decision) models.Decision {
	if err := d.Validate(); err != nil {
		slog.Error("Engine produced malformed decision", "error", err, "state", st.Name)
		return errorDecision("malformed decision for state %s: %v", st.Name, err)
	}
	if d.Verdict == models.VerdictError {
		return d
	}
	if _, ok := findRoute(st.Routes.Class(d.Route), d.NextState); !ok {
		return errorDecision("state %s has no %s route to %s", st.Name, d.Route, d.NextState)
	}
	return d
}

func (e *Engine) extract(ctx context.Context, in Input) models.Decision {
	st := in.State
	a, errDecision := e.assess(ctx, in, TaskExtract)
	if errDecision != nil {
		return *errDecision
	}

	if a.Doubt {
		class := models.RoutePersist
		if len(st.Routes.Persist) == 0 {
			class = models.RouteEscape
		}
		d := e.choose(models.VerdictPending, class, st, in.Evidence(), append([]string{DoubtMarker}, a.Reasoning...))
		d.Doubt = d.Verdict == models.VerdictPending
		return d
	}

	if a.Answered && st.DataType.Accepts(a.Extracted) {
		value := normalize(st.DataType, a.Extracted)
		return e.advance(st, in.Evidence(), value, map[string]any{st.DataKey: value}, a.Reasoning...)
	}

	attempt := in.Repeats + 1
	class := models.RoutePersist
	reason := fmt.Sprintf("data key %q not supplied (attempt %d of %d)", st.DataKey, attempt, e.retryCeiling)
	if len(st.Routes.Persist) == 0 || attempt >= e.retryCeiling {
		if len(st.Routes.Escape) > 0 {
			class = models.RouteEscape
			reason += "; escaping"
		}
	}
	return e.choose(models.VerdictFailure, class, st, in.Evidence(), append([]string{reason}, a.Reasoning...))
}

func (e *Engine) classify(ctx context.Context, in Input) models.Decision {
	st := in.State
	evidence := in.Evidence()
	a, errDecision := e.assess(ctx, in, TaskClassify)
	if errDecision != nil {
		return *errDecision
	}

	if a.IntentState == "" {
		if a.Doubt && len(st.Routes.Persist) > 0 {
			d := e.choose(models.VerdictPending, models.RoutePersist, st, evidence, append([]string{DoubtMarker}, a.Reasoning...))
			d.Doubt = true
			return d
		}
		return errorDecision("no route intent of state %s matches the message", st.Name)
	}
	class, route, ok := matchIntentState(st.Routes, a.IntentState)
	if !ok {
		slog.Warn("Engine reasoner named unknown route", "state", st.Name, "intentState", a.IntentState)
		return errorDecision("reasoner named %q, which is not a route of state %s", a.IntentState, st.Name)
	}

	verdict := models.VerdictFailure
	if class == models.RouteSuccess {
		verdict = models.VerdictSuccess
	}
	reasoning := append([]string{fmt.Sprintf("intent matches %s route to %s (%s)", class, route.State, route.Intent)}, a.Reasoning...)
	d := models.Decision{Verdict: verdict, Route: class, NextState: route.State, Reasoning: reasoning, Doubt: a.Doubt}
	slog.Debug("Engine classified intent", "state", st.Name, "route", class, "next", route.State)
	return d
}

// assess calls the reasoner and decodes its output. A non-nil decision means
// the turn ends with that error verdict.
func (e *Engine) assess(ctx context.Context, in Input, task Task) (Assessment, *models.Decision) {
	if e.reasoner == nil {
		d := errorDecision("no reasoner configured")
		return Assessment{}, &d
	}
	raw, err := e.reasoner.Invoke(ctx, PromptContext{
		Task:     task,
		State:    in.State,
		Data:     in.Data,
		Evidence: in.Evidence(),
		History:  in.History,
		Extra:    in.Extra,
	})
	if err != nil {
		slog.Error("Engine reasoning call failed", "error", err, "state", in.State.Name)
		d := errorDecision("reasoning call failed: %v", err)
		return Assessment{}, &d
	}
	a, err := ParseAssessment(task, raw)
	if err != nil {
		slog.Error("Engine reasoning output unparseable", "error", err, "state", in.State.Name)
		d := errorDecision("unparseable reasoning output: %v", err)
		return Assessment{}, &d
	}
	return a, nil
}

// advance builds a success decision. Only the success class is eligible.
func (e *Engine) advance(st models.State, evidence string, value any, extracted map[string]any, reasoning ...string) models.Decision {
	if len(st.Routes.Success) == 0 {
		return errorDecision("state %s has no success route", st.Name)
	}
	d := e.choose(models.VerdictSuccess, models.RouteSuccess, st, evidence+" "+fmt.Sprint(value), reasoning)
	d.Extracted = extracted
	return d
}

// choose picks the best route of class. A class with no routes yields an error
// verdict.
func (e *Engine) choose(verdict models.Verdict, class models.RouteClass, st models.State, evidence string, reasoning []string) models.Decision {
	route, ok := pickRoute(st.Routes.Class(class), evidence)
	if !ok {
		return errorDecision("state %s has no %s route", st.Name, class)
	}
	if len(reasoning) == 0 {
		reasoning = []string{fmt.Sprintf("%s via %s route", verdict, class)}
	}
	return models.Decision{
		Verdict:   verdict,
		Route:     class,
		NextState: route.State,
		Reasoning: reasoning,
	}
}

// pickRoute returns the route whose intent overlaps the evidence most; the first
// listed route wins ties. It reports false for an empty class.
func pickRoute(routes []models.Route, evidence string) (models.Route, bool) {
	if len(routes) == 0 {
		return models.Route{}, false
	}
	best, bestScore := routes[0], textutil.Overlap(routes[0].Intent, evidence)
	for _, r := range routes[1:] {
		if s := textutil.Overlap(r.Intent, evidence); s > bestScore {
			best, bestScore = r, s
		}
	}
	return best, true
}

func findRoute(routes []models.Route, state string) (models.Route, bool) {
	for _, r := range routes {
		if r.State == state {
			return r, true
		}
	}
	return models.Route{}, false
}

func matchIntentState(rt models.RouteTable, state string) (models.RouteClass, models.Route, bool) {
	state = strings.TrimSpace(state)
	if state == "" {
		return "", models.Route{}, false
	}
	for _, c := range models.RouteClasses {
		for _, r := range rt.Class(c) {
			if strings.EqualFold(r.State, state) {
				return c, r, true
			}
		}
	}
	return "", models.Route{}, false
}

func normalize(t models.DataType, v any) any {
	switch t {
	case models.DataTypeNumber:
		n, _ := models.AsNumber(v)
		return n
	case models.DataTypeString:
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return v
}

func errorDecision(format string, args ...any) models.Decision {
	return models.Decision{
		Verdict:   models.VerdictError,
		Reasoning: []string{fmt.Sprintf(format, args...)},
	}
}
