package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/StateFlow/internal/models"
)

// Audit is a second opinion on a decision.
type Audit struct {
	Approved      bool    `json:"approved"`
	Confidence    float64 `json:"confidence"`
	Justification string  `json:"justification"`
}

// Auditor reviews a decision that already passed the deterministic checks.
type Auditor interface {
	Audit(ctx context.Context, ev Evidence, d models.Decision) Audit
}

// JSONGenerator is the model call the LLM auditor relies on.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const auditSystemPrompt = `You review a decision taken by a conversation state machine.
Reply with a single JSON object {"approved": bool, "confidence": number between 0 and 1, "justification": string}.
Reject decisions that claim data the user did not give or that contradict the user's message.`

// LLMAuditor asks a language model to review decisions.
type LLMAuditor struct {
	gen JSONGenerator
}

// NewLLMAuditor creates an auditor backed by gen.
func NewLLMAuditor(gen JSONGenerator) *LLMAuditor {
	return &LLMAuditor{gen: gen}
}

// Audit implements Auditor. Call failures and unparseable replies reject.
func (a *LLMAuditor) Audit(ctx context.Context, ev Evidence, d models.Decision) Audit {
	decision, err := json.Marshal(d)
	if err != nil {
		return Audit{Justification: fmt.Sprintf("failed to encode decision: %v", err)}
	}
	user := fmt.Sprintf("State: %s\nMission: %s\nUser message:\n%s\nDecision:\n%s\n",
		ev.State.Name, ev.State.Mission, ev.Message, decision)

	raw, err := a.gen.GenerateJSON(ctx, auditSystemPrompt, user)
	if err != nil {
		slog.Error("LLMAuditor call failed", "error", err, "state", ev.State.Name)
		return Audit{Justification: fmt.Sprintf("audit call failed: %v", err)}
	}
	var out Audit
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		slog.Warn("LLMAuditor reply unparseable", "error", err, "state", ev.State.Name)
		return Audit{Justification: fmt.Sprintf("unparseable audit reply: %v", err)}
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		return Audit{Justification: fmt.Sprintf("audit confidence %v out of range", out.Confidence)}
	}
	return out
}
