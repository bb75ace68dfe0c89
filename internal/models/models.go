// Package models defines the core data structures for StateFlow.
//
// It includes conversations, buffered messages, decisions and validation results,
// which are shared across the decision pipeline.
package models

import (
	"errors"
	"strings"
	"time"
)

// Error variables for better error handling and testability
var (
	ErrEmptyConversationID = errors.New("conversation id cannot be empty")
	ErrEmptyMessage        = errors.New("message text cannot be empty")
	ErrEmptyRouteTable     = errors.New("route table has no non-empty class")
	ErrInvalidVerdict      = errors.New("invalid verdict")
	ErrInvalidRouteClass   = errors.New("invalid route class")
)

// Message is one entry in a conversation's history.
type Message struct {
	Role      MessageRole `json:"role"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

// Conversation is the read view of a conversation handed to the pipeline.
type Conversation struct {
	ID        string         `json:"id"`
	State     string         `json:"state"`
	Data      map[string]any `json:"data,omitempty"`
	Messages  []Message      `json:"messages,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// LastUserMessage returns the text of the most recent user message.
func (c Conversation) LastUserMessage() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleUser {
			return c.Messages[i].Text
		}
	}
	return ""
}

// BufferedMessage is an inbound message waiting in the debounce buffer.
type BufferedMessage struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Text           string        `json:"text"`
	ReceivedAt     time.Time     `json:"received_at"`
	FlushAt        time.Time     `json:"flush_at"`
	Status         MessageStatus `json:"status"`
}

// Validate ensures the buffered message carries the required fields.
func (m BufferedMessage) Validate() error {
	if strings.TrimSpace(m.ConversationID) == "" {
		return ErrEmptyConversationID
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// JoinBatch concatenates the text of a batch in arrival order.
func JoinBatch(batch []BufferedMessage) string {
	parts := make([]string, 0, len(batch))
	for _, m := range batch {
		if t := strings.TrimSpace(m.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// Decision is the structured output of the state decision engine for one turn.
// It is never mutated after creation.
type Decision struct {
	Verdict   Verdict        `json:"verdict"`
	Route     RouteClass     `json:"route,omitempty"`
	NextState string         `json:"next_state,omitempty"`
	Reasoning []string       `json:"reasoning"`
	Extracted map[string]any `json:"extracted,omitempty"` // data the turn claims to have collected
	Doubt     bool           `json:"doubt,omitempty"`
}

// Validate checks the shape of a decision: known verdict and, outside the error
// path, a known route class, a destination and at least one reasoning step.
func (d Decision) Validate() error {
	if !IsValidVerdict(d.Verdict) {
		return ErrInvalidVerdict
	}
	if d.Verdict == VerdictError {
		return nil
	}
	if !IsValidRouteClass(d.Route) {
		return ErrInvalidRouteClass
	}
	if strings.TrimSpace(d.NextState) == "" {
		return errors.New("decision destination state cannot be empty")
	}
	if len(d.Reasoning) == 0 {
		return errors.New("decision reasoning cannot be empty")
	}
	return nil
}

// ValidationResult wraps a decision with the validator's verdict.
type ValidationResult struct {
	Approved       bool     `json:"approved"`
	Confidence     float64  `json:"confidence"`
	Justification  string   `json:"justification"`
	Alerts         []string `json:"alerts,omitempty"`
	Retryable      bool     `json:"retryable"`
	SuggestedState string   `json:"suggested_state,omitempty"`
}

// Terminal reports whether the rejection ends the cycle for this turn.
func (v ValidationResult) Terminal() bool {
	return !v.Approved && !v.Retryable
}
