// Package messaging delivers outgoing notifications to leads.
//
// A Sender talks to a transport (Twilio WhatsApp, a log, a mock). A Notifier is
// what the tool dispatcher calls after a booking; OutboxNotifier queues through
// the store's durable outbox so confirmations survive restarts and transport
// outages, and DirectNotifier sends immediately.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
)

// Sender delivers a text message to a recipient.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Notifier sends a notification to a lead.
type Notifier interface {
	Notify(ctx context.Context, to, body string) error
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

// CanonicalizeRecipient strips everything but digits from a phone number and
// requires at least six digits.
func CanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := nonDigits.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("CanonicalizeRecipient modified recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// DirectNotifier sends notifications immediately through a Sender.
type DirectNotifier struct {
	sender Sender
}

// NewDirectNotifier creates a DirectNotifier.
func NewDirectNotifier(s Sender) *DirectNotifier {
	return &DirectNotifier{sender: s}
}

func (n *DirectNotifier) Notify(ctx context.Context, to, body string) error {
	return n.sender.SendMessage(ctx, to, body)
}
