package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/StateFlow/internal/models"
	"github.com/BTreeMap/StateFlow/internal/textutil"
)

// HeuristicReasoner answers with deterministic keyword rules for pt-BR and
// English. It runs when no language model is configured.
type HeuristicReasoner struct{}

// NewHeuristicReasoner creates a HeuristicReasoner.
func NewHeuristicReasoner() *HeuristicReasoner {
	return &HeuristicReasoner{}
}

// Invoke implements Reasoner.
func (h *HeuristicReasoner) Invoke(ctx context.Context, pc PromptContext) (string, error) {
	a := Assessment{Doubt: textutil.IsDoubt(pc.Evidence)}
	switch pc.Task {
	case TaskClassify:
		if r, ok := bestIntent(pc.State.Routes, pc.Evidence); ok {
			a.IntentState = r.State
			a.Reasoning = append(a.Reasoning, fmt.Sprintf("message keywords match intent %q", r.Intent))
		} else {
			a.Reasoning = append(a.Reasoning, "no intent keywords found in message")
		}
	default:
		if a.Doubt {
			a.Reasoning = append(a.Reasoning, "message reads as a question")
			break
		}
		if v, ok := extractValue(pc.State.DataType, pc.Evidence); ok {
			a.Answered = true
			a.Extracted = v
			a.Reasoning = append(a.Reasoning, fmt.Sprintf("message supplies %s", pc.State.DataKey))
		} else {
			a.Reasoning = append(a.Reasoning, fmt.Sprintf("message does not supply %s", pc.State.DataKey))
		}
	}
	out, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode assessment: %w", err)
	}
	return string(out), nil
}

// bestIntent scores every route of every class against the evidence. Words
// the message negates do not count, and zero overlap everywhere means no route
// plausibly matches.
func bestIntent(rt models.RouteTable, evidence string) (models.Route, bool) {
	affirmed := textutil.StripNegated(evidence)
	var (
		best      models.Route
		bestScore int
	)
	for _, c := range models.RouteClasses {
		for _, r := range rt.Class(c) {
			if s := textutil.Overlap(r.Intent, affirmed); s > bestScore {
				best, bestScore = r, s
			}
		}
	}
	return best, bestScore > 0
}

// leadIns are folded word sequences that introduce an answer ("meu nome é").
var leadIns = [][]string{
	{"meu", "nome", "e"},
	{"me", "chamo"},
	{"pode", "me", "chamar", "de"},
	{"eu", "sou", "o"},
	{"eu", "sou", "a"},
	{"eu", "sou"},
	{"sou", "o"},
	{"sou", "a"},
	{"my", "name", "is"},
	{"call", "me"},
	{"i", "am"},
	{"i'm"},
	{"aqui", "e"},
	{"e"},
}

var greetings = map[string]struct{}{
	"oi": {}, "ola": {}, "opa": {}, "hello": {}, "hi": {}, "hey": {}, "bom": {}, "boa": {},
	"dia": {}, "tarde": {}, "noite": {},
}

func extractValue(t models.DataType, text string) (any, bool) {
	words := strings.Fields(text)
	switch t {
	case models.DataTypeNumber:
		for _, w := range words {
			if n, ok := models.AsNumber(strings.Trim(w, ".,!?;:")); ok {
				return n, true
			}
		}
		return nil, false
	case models.DataTypeBoolean:
		if textutil.IsNegative(text) {
			return false, true
		}
		if textutil.IsAffirmative(text) {
			return true, true
		}
		return nil, false
	default:
		v := strings.Join(afterLeadIn(words), " ")
		v = strings.Trim(v, " .,!?;:")
		return v, v != ""
	}
}

// afterLeadIn drops leading greetings and everything up to the last lead-in.
func afterLeadIn(words []string) []string {
	folded := make([]string, len(words))
	for i, w := range words {
		folded[i] = textutil.Fold(strings.Trim(w, ".,!?;:"))
	}
	start := 0
	for start < len(folded) {
		if _, ok := greetings[folded[start]]; !ok {
			break
		}
		start++
	}
	for _, li := range leadIns {
		for i := len(folded) - len(li); i >= start; i-- {
			if matchWords(folded[i:i+len(li)], li) {
				return words[i+len(li):]
			}
		}
	}
	return words[start:]
}

func matchWords(a, b []string) bool {
	for i := range b {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
