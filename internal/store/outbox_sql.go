package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

func (s *SQLStore) EnqueueOutboxMessage(ctx context.Context, recipient, kind, body, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := s.queryRow(ctx,
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status <> ?`,
			dedupeKey, string(OutboxStatusSent),
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLStore EnqueueOutboxMessage dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := "outbox_" + uuid.NewString()
	now := s.utcNow()
	_, err := s.exec(ctx,
		`INSERT INTO outbox_messages (id, recipient, kind, body, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		id, recipient, kind, body, string(OutboxStatusQueued), nullString(dedupeKey), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("SQLStore EnqueueOutboxMessage", "id", id, "recipient", recipient, "kind", kind)
	return id, nil
}

func (s *SQLStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	rows, err := s.query(ctx,
		`SELECT id, recipient, kind, body, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at
		 FROM outbox_messages WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		string(OutboxStatusQueued), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}

	claimed := msgs[:0]
	for _, m := range msgs {
		res, err := s.exec(ctx,
			`UPDATE outbox_messages SET status = ?, locked_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(OutboxStatusSending), now, now, m.ID, string(OutboxStatusQueued))
		if err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		claimed = append(claimed, m)
	}
	return claimed, nil
}

func (s *SQLStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	if _, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = ?, updated_at = ? WHERE id = ?`,
		string(OutboxStatusSent), s.utcNow(), id); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *SQLStore) FailOutboxMessage(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	if _, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		string(OutboxStatusQueued), errMsg, nextAttemptAt.UTC(), s.utcNow(), id); err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *SQLStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.exec(ctx,
		`UPDATE outbox_messages SET status = ?, locked_at = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`,
		string(OutboxStatusQueued), s.utcNow(), string(OutboxStatusSending), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLStore RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}

func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.Recipient, &m.Kind, &m.Body, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
