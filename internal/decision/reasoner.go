package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/StateFlow/internal/models"
)

// Task tells the reasoner what the engine needs from it.
type Task string

const (
	// TaskExtract asks whether the evidence supplies the state's data key.
	TaskExtract Task = "extract"
	// TaskClassify asks which route intent the evidence matches.
	TaskClassify Task = "classify"
)

// PromptContext is everything a reasoner may look at for one turn.
type PromptContext struct {
	Task     Task
	State    models.State
	Data     map[string]any
	Evidence string
	History  models.TransitionHistory
	Extra    []string // validator feedback from a rejected attempt
}

// Reasoner is the external reasoning call. It returns raw JSON that must decode
// into an Assessment; anything else becomes an error verdict.
type Reasoner interface {
	Invoke(ctx context.Context, pc PromptContext) (string, error)
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, pc PromptContext) (string, error)

// Invoke calls f.
func (f ReasonerFunc) Invoke(ctx context.Context, pc PromptContext) (string, error) {
	return f(ctx, pc)
}

// Assessment is the decoded reasoner output. IntentState is empty when a
// classification matched no route.
type Assessment struct {
	Doubt       bool     `json:"doubt"`
	Answered    bool     `json:"answered"`
	Extracted   any      `json:"extracted,omitempty"`
	IntentState string   `json:"intent_state"`
	Reasoning   []string `json:"reasoning"`
}

// wireAssessment tracks which fields the reasoner actually sent.
type wireAssessment struct {
	Doubt       bool     `json:"doubt"`
	Answered    *bool    `json:"answered"`
	Extracted   any      `json:"extracted"`
	IntentState *string  `json:"intent_state"`
	Reasoning   []string `json:"reasoning"`
}

// ErrMalformedAssessment is returned when reasoner output is not an Assessment.
var ErrMalformedAssessment = errors.New("malformed assessment")

// ParseAssessment decodes raw reasoner output for task. Markdown code fences
// around the JSON object are tolerated. The object must carry a non-empty
// reasoning list, "answered" for TaskExtract and "intent_state" for
// TaskClassify.
func ParseAssessment(task Task, raw string) (Assessment, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return Assessment{}, fmt.Errorf("%w: not a JSON object", ErrMalformedAssessment)
	}
	var w wireAssessment
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return Assessment{}, fmt.Errorf("%w: %v", ErrMalformedAssessment, err)
	}

	reasoning := make([]string, 0, len(w.Reasoning))
	for _, r := range w.Reasoning {
		if r = strings.TrimSpace(r); r != "" {
			reasoning = append(reasoning, r)
		}
	}
	if len(reasoning) == 0 {
		return Assessment{}, fmt.Errorf("%w: missing reasoning", ErrMalformedAssessment)
	}
	a := Assessment{Doubt: w.Doubt, Extracted: w.Extracted, Reasoning: reasoning}

	switch task {
	case TaskClassify:
		if w.IntentState == nil {
			return Assessment{}, fmt.Errorf("%w: missing intent_state", ErrMalformedAssessment)
		}
		a.IntentState = strings.TrimSpace(*w.IntentState)
	default:
		if w.Answered == nil {
			return Assessment{}, fmt.Errorf("%w: missing answered", ErrMalformedAssessment)
		}
		a.Answered = *w.Answered
	}
	return a, nil
}
