package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// SentMessage is a message captured by MockSender.
type SentMessage struct {
	To   string
	Body string
}

// MockSender records messages instead of sending them.
type MockSender struct {
	mu   sync.Mutex
	sent []SentMessage
	Err  error
}

// NewMockSender creates an empty MockSender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns the captured messages.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// LogSender writes messages to w. The chat command uses it when Twilio is not configured.
type LogSender struct {
	w io.Writer
}

// NewLogSender creates a LogSender writing to w.
func NewLogSender(w io.Writer) *LogSender {
	return &LogSender{w: w}
}

func (l *LogSender) SendMessage(ctx context.Context, to, body string) error {
	slog.Info("LogSender SendMessage", "to", to)
	_, err := fmt.Fprintf(l.w, "[notificação para %s] %s\n", to, body)
	return err
}
