// Package validation audits decisions before the pipeline acts on them.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"

	"github.com/BTreeMap/StateFlow/internal/models"
	"github.com/BTreeMap/StateFlow/internal/textutil"
)

// Defaults for the validator tunables.
const (
	DefaultMaxRepeats         = 2
	DefaultApprovalConfidence = 0.9
)

// Check names, used in alerts and metrics.
const (
	CheckHallucination = "hallucination"
	CheckFlow          = "flow_consistency"
	CheckLoop          = "loop"
	CheckCoherence     = "semantic_coherence"
	CheckAudit         = "audit"
)

// Evidence is what the decision was made from.
type Evidence struct {
	State   models.State
	Data    map[string]any // data collected before the turn
	Message string
	// Repeats counts consecutive turns that already stayed in State.
	Repeats int
}

// Validator runs the deterministic checks and an optional audit call.
type Validator struct {
	maxRepeats         int
	approvalConfidence float64
	auditor            Auditor
}

// Option configures a Validator.
type Option func(*Validator)

// WithMaxRepeats sets how many consecutive stays in one state are tolerated.
func WithMaxRepeats(n int) Option {
	return func(v *Validator) {
		if n >= 0 {
			v.maxRepeats = n
		}
	}
}

// WithApprovalConfidence sets the confidence reported on approval.
func WithApprovalConfidence(c float64) Option {
	return func(v *Validator) {
		if c >= 0.5 && c <= 1 {
			v.approvalConfidence = c
		}
	}
}

// WithAuditor adds a second-opinion call that runs after the deterministic checks pass.
func WithAuditor(a Auditor) Option {
	return func(v *Validator) { v.auditor = a }
}

// New creates a Validator.
func New(opts ...Option) *Validator {
	v := &Validator{maxRepeats: DefaultMaxRepeats, approvalConfidence: DefaultApprovalConfidence}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// failure is one failed check.
type failure struct {
	check      string
	reason     string
	retryable  bool
	confidence float64
	suggested  string
}

// Validate audits d against the evidence and the repeat counter. It never
// mutates d.
func (v *Validator) Validate(ctx context.Context, ev Evidence, d models.Decision) models.ValidationResult {
	if d.Verdict == models.VerdictError {
		return models.ValidationResult{
			Confidence:    0,
			Justification: "error verdicts cannot be approved",
			Alerts:        []string{CheckFlow + ": error verdict"},
		}
	}

	var failures []failure
	for _, check := range []func(Evidence, models.Decision) *failure{
		v.checkHallucination,
		v.checkFlow,
		v.checkLoop,
		v.checkCoherence,
	} {
		if f := check(ev, d); f != nil {
			failures = append(failures, *f)
		}
	}
	if len(failures) > 0 {
		return reject(failures)
	}

	result := models.ValidationResult{
		Approved:      true,
		Confidence:    v.approvalConfidence,
		Justification: "all checks passed",
	}
	if v.auditor != nil {
		audit := v.auditor.Audit(ctx, ev, d)
		if !audit.Approved {
			return reject([]failure{{
				check:      CheckAudit,
				reason:     audit.Justification,
				retryable:  true,
				confidence: audit.Confidence,
			}})
		}
		if audit.Confidence >= 0.8 && audit.Confidence < result.Confidence {
			result.Confidence = audit.Confidence
		}
		if audit.Justification != "" {
			result.Justification = audit.Justification
		}
	}
	slog.Debug("Validator approved decision", "state", ev.State.Name, "next", d.NextState, "confidence", result.Confidence)
	return result
}

func reject(failures []failure) models.ValidationResult {
	res := models.ValidationResult{Retryable: true, Confidence: 0.49}
	reasons := make([]string, 0, len(failures))
	for _, f := range failures {
		res.Alerts = append(res.Alerts, f.check+": "+f.reason)
		reasons = append(reasons, f.reason)
		if !f.retryable {
			res.Retryable = false
		}
		if f.confidence < res.Confidence {
			res.Confidence = f.confidence
		}
		if res.SuggestedState == "" {
			res.SuggestedState = f.suggested
		}
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	res.Justification = strings.Join(reasons, "; ")
	slog.Info("Validator rejected decision", "alerts", res.Alerts, "retryable", res.Retryable)
	return res
}

// checkHallucination rejects extracted values that the evidence does not contain.
func (v *Validator) checkHallucination(ev Evidence, d models.Decision) *failure {
	for key, val := range d.Extracted {
		if present(ev.Message, val) {
			continue
		}
		if prev, ok := ev.Data[key]; ok && fmt.Sprint(prev) == fmt.Sprint(val) {
			continue
		}
		return &failure{
			check:      CheckHallucination,
			reason:     fmt.Sprintf("extracted %s=%v does not appear in the message", key, val),
			retryable:  true,
			confidence: 0.3,
		}
	}
	return nil
}

// checkFlow enforces route-class exclusivity and destination membership.
func (v *Validator) checkFlow(ev Evidence, d models.Decision) *failure {
	fail := func(reason string) *failure {
		return &failure{check: CheckFlow, reason: reason, retryable: true, confidence: 0.2}
	}
	switch d.Verdict {
	case models.VerdictSuccess:
		if d.Route != models.RouteSuccess {
			return fail(fmt.Sprintf("success verdict paired with %s route", d.Route))
		}
	case models.VerdictFailure, models.VerdictPending:
		if d.Route != models.RoutePersist && d.Route != models.RouteEscape {
			return fail(fmt.Sprintf("%s verdict paired with %s route", d.Verdict, d.Route))
		}
	default:
		return fail(fmt.Sprintf("unknown verdict %q", d.Verdict))
	}
	if !ev.State.Routes.Contains(d.Route, d.NextState) {
		if _, ok := ev.State.Routes.Find(d.NextState); ok {
			return fail(fmt.Sprintf("state %s is not a %s route of %s", d.NextState, d.Route, ev.State.Name))
		}
		return fail(fmt.Sprintf("state %s is not a route of %s", d.NextState, ev.State.Name))
	}
	return nil
}

// checkLoop rejects staying in the same state more than maxRepeats times in a
// row, unless the latest turn is a question.
func (v *Validator) checkLoop(ev Evidence, d models.Decision) *failure {
	if d.NextState != ev.State.Name {
		return nil
	}
	if d.Doubt || textutil.IsDoubt(ev.Message) {
		return nil
	}
	repeat := ev.Repeats + 1
	if repeat <= v.maxRepeats {
		return nil
	}
	f := &failure{
		check:      CheckLoop,
		reason:     fmt.Sprintf("state %s would repeat %d times in a row", ev.State.Name, repeat),
		retryable:  false,
		confidence: 0.1,
	}
	if len(ev.State.Routes.Escape) > 0 {
		f.suggested = ev.State.Routes.Escape[0].State
	}
	return f
}

// checkCoherence rejects a positive advance forced out of an explicit refusal.
// Values derived from a negative ("can't pay" -> "delinquent") are accepted.
func (v *Validator) checkCoherence(ev Evidence, d models.Decision) *failure {
	if d.Verdict != models.VerdictSuccess || !textutil.IsNegative(ev.Message) || textutil.IsAffirmative(ev.Message) {
		return nil
	}
	for key, val := range d.Extracted {
		positive := false
		switch x := val.(type) {
		case bool:
			positive = x
		case string:
			positive = textutil.IsAffirmative(x)
		}
		if positive {
			return coherenceFailure(fmt.Sprintf("negative message cannot yield %s=%v", key, val))
		}
	}
	if len(d.Extracted) > 0 {
		return nil
	}
	// no data collected: the route intent itself must not be what the message refuses
	var route models.Route
	for _, r := range ev.State.Routes.Class(d.Route) {
		if r.State == d.NextState {
			route = r
		}
	}
	negated := textutil.Negated(ev.Message)
	if textutil.Overlap(route.Intent, negated) > 0 && textutil.Overlap(route.Intent, textutil.StripNegated(ev.Message)) == 0 {
		return coherenceFailure(fmt.Sprintf("message refuses %q, the intent of route %s", negated, route.State))
	}
	return nil
}

func coherenceFailure(reason string) *failure {
	return &failure{check: CheckCoherence, reason: reason, retryable: false, confidence: 0.25}
}

// present reports whether an extracted value is supported by the message.
func present(message string, val any) bool {
	switch x := val.(type) {
	case nil:
		return true
	case bool:
		return textutil.IsAffirmative(message) || textutil.IsNegative(message)
	case string:
		return textutil.Contains(message, x)
	default:
		n, ok := models.AsNumber(x)
		if !ok {
			return textutil.Contains(message, fmt.Sprint(x))
		}
		for _, tok := range strings.FieldsFunc(message, func(r rune) bool {
			return !unicode.IsDigit(r) && r != '.' && r != ','
		}) {
			if m, ok := models.AsNumber(strings.Trim(tok, ".,")); ok && m == n {
				return true
			}
		}
		return strings.Contains(message, strconv.FormatFloat(n, 'f', -1, 64))
	}
}
