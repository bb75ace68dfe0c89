package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/StateFlow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var slot = time.Date(2025, 3, 20, 14, 0, 0, 0, time.FixedZone("BRT", -3*60*60))

// backends returns every store available in the test environment.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewInMemoryStore()}

	sqlite, err := NewSQLiteStore(WithDSN(filepath.Join(t.TempDir(), "db", "stateflow.db")))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	out["sqlite"] = sqlite

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := NewPostgresStore(WithDSN(dsn))
		if err != nil {
			t.Logf("Postgres not available: %v", err)
		} else {
			for _, table := range []string{"conversations", "messages", "buffered_messages", "appointments", "outbox_messages"} {
				_, err := pg.db.Exec("DELETE FROM " + table)
				require.NoError(t, err)
			}
			t.Cleanup(func() { pg.Close() })
			out["postgres"] = pg
		}
	}
	return out
}

func TestConversationRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetConversation(ctx, "lead-1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SaveConversation(ctx, models.Conversation{
				ID:    "lead-1",
				State: "ask_name",
			}))
			require.NoError(t, s.AppendMessages(ctx, "lead-1",
				models.Message{Role: models.RoleUser, Text: "oi", Timestamp: slot},
				models.Message{Role: models.RoleAssistant, Text: "Qual seu nome?", Timestamp: slot.Add(time.Second)},
			))
			require.NoError(t, s.SaveConversation(ctx, models.Conversation{
				ID:    "lead-1",
				State: "ask_age",
				Data:  map[string]any{"nome": "João", "idade": 30},
			}))

			conv, err := s.GetConversation(ctx, "lead-1")
			require.NoError(t, err)
			assert.Equal(t, "ask_age", conv.State)
			assert.Equal(t, "João", conv.Data["nome"])
			n, ok := models.AsNumber(conv.Data["idade"])
			assert.True(t, ok)
			assert.Equal(t, 30.0, n)
			require.Len(t, conv.Messages, 2)
			assert.Equal(t, "Qual seu nome?", conv.Messages[1].Text)
			assert.Equal(t, "oi", conv.LastUserMessage())
			assert.False(t, conv.CreatedAt.IsZero())
		})
	}
}

func TestSaveConversationRequiresID(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.SaveConversation(context.Background(), models.Conversation{State: "start"})
			assert.ErrorIs(t, err, models.ErrEmptyConversationID)
		})
	}
}

func TestBufferedMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			msg := models.BufferedMessage{
				ID:             "m1",
				ConversationID: "lead-1",
				Text:           "oi",
				ReceivedAt:     slot,
				FlushAt:        slot.Add(3 * time.Second),
				Status:         models.MessageStatusPending,
			}
			require.NoError(t, s.RecordBufferedMessage(ctx, msg))
			assert.ErrorIs(t, s.RecordBufferedMessage(ctx, models.BufferedMessage{ID: "m2", ConversationID: "lead-1"}), models.ErrEmptyMessage)

			// Pending messages survive a purge.
			n, err := s.PurgeBufferedMessages(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)
			assert.Zero(t, n)

			require.NoError(t, s.UpdateBufferedStatus(ctx, []string{"m1"}, models.MessageStatusCompleted))
			n, err = s.PurgeBufferedMessages(ctx, time.Now().Add(-time.Hour))
			require.NoError(t, err)
			assert.Zero(t, n, "recently settled messages are kept")

			n, err = s.PurgeBufferedMessages(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestAppointmentBook(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			appts, err := s.ListAppointments(ctx, "lead-1")
			require.NoError(t, err)
			assert.Empty(t, appts)

			booked, err := s.Book(ctx, "lead-1", slot, "primeira consulta")
			require.NoError(t, err)
			assert.NotEmpty(t, booked.ID)
			assert.True(t, booked.StartsAt.Equal(slot))

			_, err = s.Book(ctx, "lead-2", slot, "")
			assert.ErrorIs(t, err, models.ErrSlotTaken)

			later := slot.Add(2 * time.Hour)
			_, err = s.Book(ctx, "lead-2", later, "")
			require.NoError(t, err)

			_, err = s.Reschedule(ctx, "lead-1", later)
			assert.ErrorIs(t, err, models.ErrSlotTaken)

			moved, err := s.Reschedule(ctx, "lead-1", slot.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, booked.ID, moved.ID)
			assert.True(t, moved.StartsAt.Equal(slot.Add(time.Hour)))

			appts, err = s.ListAppointments(ctx, "lead-1")
			require.NoError(t, err)
			require.Len(t, appts, 1)
			assert.True(t, appts[0].StartsAt.Equal(slot.Add(time.Hour)))
			assert.Equal(t, "primeira consulta", appts[0].Notes)

			cancelled, err := s.Cancel(ctx, "lead-1")
			require.NoError(t, err)
			assert.Equal(t, models.AppointmentCancelled, cancelled.Status)

			_, err = s.Cancel(ctx, "lead-1")
			assert.ErrorIs(t, err, models.ErrAppointmentNotFound)
			_, err = s.Reschedule(ctx, "lead-1", slot)
			assert.ErrorIs(t, err, models.ErrAppointmentNotFound)

			// The freed slot can be booked again.
			_, err = s.Book(ctx, "lead-3", slot.Add(time.Hour), "")
			assert.NoError(t, err)
		})
	}
}

func TestOutbox(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.EnqueueOutboxMessage(ctx, "+5511999999999", "booking", "Consulta agendada.", "appt-1")
			require.NoError(t, err)
			dup, err := s.EnqueueOutboxMessage(ctx, "+5511999999999", "booking", "Consulta agendada.", "appt-1")
			require.NoError(t, err)
			assert.Equal(t, id, dup)

			now := time.Now()
			msgs, err := s.ClaimDueOutboxMessages(ctx, now, 10)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, OutboxStatusSending, msgs[0].Status)
			assert.Equal(t, "Consulta agendada.", msgs[0].Body)

			again, err := s.ClaimDueOutboxMessages(ctx, now, 10)
			require.NoError(t, err)
			assert.Empty(t, again, "claimed messages are not claimed twice")

			require.NoError(t, s.FailOutboxMessage(ctx, id, "twilio down", now.Add(time.Minute)))
			due, err := s.ClaimDueOutboxMessages(ctx, now, 10)
			require.NoError(t, err)
			assert.Empty(t, due, "retry not due yet")

			due, err = s.ClaimDueOutboxMessages(ctx, now.Add(2*time.Minute), 10)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, 1, due[0].Attempts)
			assert.Equal(t, "twilio down", due[0].LastError)

			n, err := s.RequeueStaleSendingMessages(ctx, now.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			require.NoError(t, s.MarkOutboxMessageSent(ctx, id))
			fresh, err := s.EnqueueOutboxMessage(ctx, "+5511999999999", "booking", "Consulta agendada.", "appt-1")
			require.NoError(t, err)
			assert.NotEqual(t, id, fresh, "sent messages no longer dedupe")
		})
	}
}

func TestOutboxSender(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	_, err := s.EnqueueOutboxMessage(ctx, "+55", "booking", "ok", "")
	require.NoError(t, err)
	_, err = s.EnqueueOutboxMessage(ctx, "+56", "booking", "fails", "")
	require.NoError(t, err)

	var delivered []string
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if msg.Recipient == "+56" {
			return errors.New("undeliverable")
		}
		delivered = append(delivered, msg.Recipient)
		return nil
	}, time.Second)
	sender.Poll(ctx)

	assert.Equal(t, []string{"+55"}, delivered)
	byRecipient := map[string]OutboxMessage{}
	for _, m := range s.OutboxMessages() {
		byRecipient[m.Recipient] = m
	}
	assert.Equal(t, OutboxStatusSent, byRecipient["+55"].Status)
	failed := byRecipient["+56"]
	assert.Equal(t, OutboxStatusQueued, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	require.NotNil(t, failed.NextAttemptAt)
	assert.True(t, failed.NextAttemptAt.After(time.Now()))

	require.NoError(t, sender.RecoverStaleMessages(ctx))
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://user:pw@localhost/db", DriverPostgres},
		{"postgresql://localhost/db", DriverPostgres},
		{"host=localhost dbname=stateflow sslmode=disable", DriverPostgres},
		{"/var/lib/stateflow/state.db", DriverSQLite},
		{"file:test.db?cache=shared", DriverSQLite},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectDSNType(tt.dsn), tt.dsn)
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)

	s, err = Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()
	sqlStore, ok := s.(*SQLStore)
	require.True(t, ok)
	assert.Equal(t, DriverSQLite, sqlStore.Driver())
	assert.NoError(t, sqlStore.Ping(context.Background()))

	_, err = NewSQLiteStore()
	assert.ErrorIs(t, err, ErrMissingDSN)
	_, err = NewPostgresStore()
	assert.ErrorIs(t, err, ErrMissingDSN)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	lite := &SQLStore{driver: DriverSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}
