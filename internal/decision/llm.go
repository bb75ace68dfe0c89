package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BTreeMap/StateFlow/internal/models"
)

// JSONGenerator is the model call the LLM reasoner relies on. genai.Client
// implements it.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// DefaultSystemPrompt frames the reasoning call. Deployments may replace it;
// the engine only depends on the JSON shape.
const DefaultSystemPrompt = `You assess one turn of a guided conversation.
Reply with a single JSON object carrying every one of these fields:
  "doubt": true when the user asks a question or hesitates instead of answering,
  "answered": true when the message supplies the requested data,
  "extracted": the supplied value (string, number or boolean) or null,
  "intent_state": for classification, the name of the route state whose intent matches, else "",
  "reasoning": a list of short reasoning steps.
Never invent data the user did not write.`

// PromptHistory is how many recent states BuildUserPrompt shows.
const PromptHistory = 5

// LLMReasoner asks a language model for the Assessment.
type LLMReasoner struct {
	gen          JSONGenerator
	systemPrompt string
}

// LLMOption configures an LLMReasoner.
type LLMOption func(*LLMReasoner)

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(p string) LLMOption {
	return func(r *LLMReasoner) { r.systemPrompt = p }
}

// NewLLMReasoner creates a reasoner backed by gen.
func NewLLMReasoner(gen JSONGenerator, opts ...LLMOption) *LLMReasoner {
	r := &LLMReasoner{gen: gen, systemPrompt: DefaultSystemPrompt}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke implements Reasoner.
func (r *LLMReasoner) Invoke(ctx context.Context, pc PromptContext) (string, error) {
	system := r.systemPrompt
	if m := strings.TrimSpace(pc.State.Mission); m != "" {
		system += "\n\nState mission: " + m
	}
	if p := strings.TrimSpace(pc.State.Prohibitions); p != "" {
		system += "\nProhibitions: " + p
	}
	out, err := r.gen.GenerateJSON(ctx, system, BuildUserPrompt(pc))
	if err != nil {
		return "", fmt.Errorf("reasoner call failed: %w", err)
	}
	slog.Debug("LLMReasoner Invoke succeeded", "state", pc.State.Name, "task", pc.Task)
	return out, nil
}

// BuildUserPrompt renders the turn evidence for a model.
func BuildUserPrompt(pc PromptContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", pc.Task)
	fmt.Fprintf(&b, "Current state: %s\n", pc.State.Name)
	if pc.State.RequiresData() {
		fmt.Fprintf(&b, "Requested data: %s (%s)\n", pc.State.DataKey, pc.State.DataType)
	}
	if len(pc.Data) > 0 {
		keys := make([]string, 0, len(pc.Data))
		for k := range pc.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Collected data:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, pc.Data[k])
		}
	}
	b.WriteString("Routes:\n")
	for _, c := range models.RouteClasses {
		for _, route := range pc.State.Routes.Class(c) {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", c, route.State, route.Intent)
		}
	}
	if recent := pc.History.Window(PromptHistory); len(recent.Entries) > 0 {
		names := make([]string, len(recent.Entries))
		for i, t := range recent.Entries {
			names[i] = t.State
		}
		fmt.Fprintf(&b, "Recent states: %s\n", strings.Join(names, " -> "))
	}
	for _, x := range pc.Extra {
		fmt.Fprintf(&b, "Reviewer feedback: %s\n", x)
	}
	fmt.Fprintf(&b, "User message:\n%s\n", pc.Evidence)
	return b.String()
}
