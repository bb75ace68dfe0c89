package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/StateFlow/internal/models"
	"github.com/google/uuid"
)

// SQLStore is the database/sql backed Store shared by SQLite and Postgres.
// Queries are written with ? placeholders and rebound for Postgres.
// All timestamps are written in UTC.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

var _ Store = (*SQLStore)(nil)

// Driver returns the database/sql driver name backing the store.
func (s *SQLStore) Driver() string {
	return s.driver
}

// rebind converts ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) utcNow() time.Time {
	return s.now().UTC()
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	var data string
	err := s.queryRow(ctx,
		`SELECT id, state, data, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.State, &data, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLStore GetConversation failed", "error", err, "conversationID", id)
		return models.Conversation{}, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(data), &conv.Data); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to decode data of conversation %s: %w", id, err)
	}

	rows, err := s.query(ctx,
		`SELECT role, text, created_at FROM messages WHERE conversation_id = ? ORDER BY id ASC`, id)
	if err != nil {
		slog.Error("SQLStore GetConversation messages query failed", "error", err, "conversationID", id)
		return models.Conversation{}, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Role, &m.Text, &m.Timestamp); err != nil {
			return models.Conversation{}, fmt.Errorf("failed to scan message row: %w", err)
		}
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	slog.Debug("SQLStore GetConversation succeeded", "conversationID", id, "messages", len(conv.Messages))
	return conv, nil
}

func (s *SQLStore) SaveConversation(ctx context.Context, conv models.Conversation) error {
	if conv.ID == "" {
		return models.ErrEmptyConversationID
	}
	data := conv.Data
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode conversation data: %w", err)
	}
	now := s.utcNow()
	createdAt := conv.CreatedAt.UTC()
	if conv.CreatedAt.IsZero() {
		createdAt = now
	}
	_, err = s.exec(ctx,
		`INSERT INTO conversations (id, state, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state, data = excluded.data, updated_at = excluded.updated_at`,
		conv.ID, conv.State, string(raw), createdAt, now)
	if err != nil {
		slog.Error("SQLStore SaveConversation failed", "error", err, "conversationID", conv.ID)
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	slog.Debug("SQLStore SaveConversation succeeded", "conversationID", conv.ID, "state", conv.State)
	return nil
}

func (s *SQLStore) AppendMessages(ctx context.Context, conversationID string, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	stmt := s.rebind(`INSERT INTO messages (conversation_id, role, text, created_at) VALUES (?, ?, ?, ?)`)
	for _, m := range msgs {
		ts := m.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		if _, err := tx.ExecContext(ctx, stmt, conversationID, string(m.Role), m.Text, ts.UTC()); err != nil {
			slog.Error("SQLStore AppendMessages failed", "error", err, "conversationID", conversationID)
			return fmt.Errorf("failed to append message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) RecordBufferedMessage(ctx context.Context, msg models.BufferedMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	status := msg.Status
	if status == "" {
		status = models.MessageStatusPending
	}
	_, err := s.exec(ctx,
		`INSERT INTO buffered_messages (id, conversation_id, text, status, received_at, flush_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, flush_at = excluded.flush_at, updated_at = excluded.updated_at`,
		msg.ID, msg.ConversationID, msg.Text, string(status), msg.ReceivedAt.UTC(), msg.FlushAt.UTC(), s.utcNow())
	if err != nil {
		slog.Error("SQLStore RecordBufferedMessage failed", "error", err, "id", msg.ID)
		return fmt.Errorf("failed to record buffered message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLStore) UpdateBufferedStatus(ctx context.Context, ids []string, status models.MessageStatus) error {
	now := s.utcNow()
	for _, id := range ids {
		if _, err := s.exec(ctx,
			`UPDATE buffered_messages SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id); err != nil {
			slog.Error("SQLStore UpdateBufferedStatus failed", "error", err, "id", id, "status", status)
			return fmt.Errorf("failed to update buffered message %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLStore) PurgeBufferedMessages(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.exec(ctx,
		`DELETE FROM buffered_messages WHERE status IN (?, ?) AND updated_at < ?`,
		string(models.MessageStatusCompleted), string(models.MessageStatusFailed), cutoff.UTC())
	if err != nil {
		slog.Error("SQLStore PurgeBufferedMessages failed", "error", err)
		return 0, fmt.Errorf("failed to purge buffered messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) Book(ctx context.Context, leadID string, at time.Time, notes string) (models.Appointment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Appointment{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if taken, err := s.slotTaken(ctx, tx, at, ""); err != nil {
		return models.Appointment{}, err
	} else if taken {
		return models.Appointment{}, models.ErrSlotTaken
	}
	now := s.utcNow()
	appt := models.Appointment{
		ID:        uuid.NewString(),
		LeadID:    leadID,
		StartsAt:  at.UTC(),
		Notes:     notes,
		Status:    models.AppointmentScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO appointments (id, lead_id, starts_at, notes, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		appt.ID, appt.LeadID, appt.StartsAt, appt.Notes, string(appt.Status), now, now); err != nil {
		slog.Error("SQLStore Book failed", "error", err, "leadID", leadID)
		return models.Appointment{}, fmt.Errorf("failed to insert appointment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Appointment{}, fmt.Errorf("failed to commit appointment: %w", err)
	}
	slog.Debug("SQLStore Book succeeded", "leadID", leadID, "appointmentID", appt.ID)
	return appt, nil
}

func (s *SQLStore) Cancel(ctx context.Context, leadID string) (models.Appointment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Appointment{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	appt, err := s.nextScheduled(ctx, tx, leadID)
	if err != nil {
		return models.Appointment{}, err
	}
	appt.Status = models.AppointmentCancelled
	appt.UpdatedAt = s.utcNow()
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE appointments SET status = ?, updated_at = ? WHERE id = ?`),
		string(appt.Status), appt.UpdatedAt, appt.ID); err != nil {
		return models.Appointment{}, fmt.Errorf("failed to cancel appointment %s: %w", appt.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Appointment{}, fmt.Errorf("failed to commit cancellation: %w", err)
	}
	return appt, nil
}

func (s *SQLStore) Reschedule(ctx context.Context, leadID string, at time.Time) (models.Appointment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Appointment{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	appt, err := s.nextScheduled(ctx, tx, leadID)
	if err != nil {
		return models.Appointment{}, err
	}
	if taken, err := s.slotTaken(ctx, tx, at, appt.ID); err != nil {
		return models.Appointment{}, err
	} else if taken {
		return models.Appointment{}, models.ErrSlotTaken
	}
	appt.StartsAt = at.UTC()
	appt.UpdatedAt = s.utcNow()
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE appointments SET starts_at = ?, updated_at = ? WHERE id = ?`),
		appt.StartsAt, appt.UpdatedAt, appt.ID); err != nil {
		return models.Appointment{}, fmt.Errorf("failed to reschedule appointment %s: %w", appt.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Appointment{}, fmt.Errorf("failed to commit reschedule: %w", err)
	}
	return appt, nil
}

func (s *SQLStore) ListAppointments(ctx context.Context, leadID string) ([]models.Appointment, error) {
	rows, err := s.query(ctx,
		`SELECT id, lead_id, starts_at, notes, status, created_at, updated_at FROM appointments
		 WHERE lead_id = ? AND status = ? ORDER BY starts_at ASC`,
		leadID, string(models.AppointmentScheduled))
	if err != nil {
		slog.Error("SQLStore ListAppointments query failed", "error", err, "leadID", leadID)
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()
	var out []models.Appointment
	for rows.Next() {
		var a models.Appointment
		if err := rows.Scan(&a.ID, &a.LeadID, &a.StartsAt, &a.Notes, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan appointment row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate appointment rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) slotTaken(ctx context.Context, tx *sql.Tx, at time.Time, exceptID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM appointments WHERE status = ? AND starts_at = ? AND id <> ?`),
		string(models.AppointmentScheduled), at.UTC(), exceptID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check slot: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) nextScheduled(ctx context.Context, tx *sql.Tx, leadID string) (models.Appointment, error) {
	var a models.Appointment
	err := tx.QueryRowContext(ctx, s.rebind(
		`SELECT id, lead_id, starts_at, notes, status, created_at, updated_at FROM appointments
		 WHERE lead_id = ? AND status = ? ORDER BY starts_at ASC LIMIT 1`),
		leadID, string(models.AppointmentScheduled),
	).Scan(&a.ID, &a.LeadID, &a.StartsAt, &a.Notes, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Appointment{}, models.ErrAppointmentNotFound
	}
	if err != nil {
		return models.Appointment{}, fmt.Errorf("failed to load appointment: %w", err)
	}
	return a, nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	slog.Debug("SQLStore Close", "driver", s.driver)
	return s.db.Close()
}
