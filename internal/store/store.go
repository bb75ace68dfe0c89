// Package store provides storage backends for StateFlow.
//
// It persists conversations, the buffered message log, the appointment book
// used by the scheduling tools and the notification outbox. Backends are
// in-memory, SQLite and PostgreSQL.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/StateFlow/internal/models"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("not found")

// ErrMissingDSN is returned by the SQL constructors when no DSN was given.
var ErrMissingDSN = errors.New("database DSN not set")

// Store is the persistence collaborator of the pipeline.
type Store interface {
	// GetConversation returns the conversation with its message history.
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	// SaveConversation upserts state and collected data.
	SaveConversation(ctx context.Context, conv models.Conversation) error
	// AppendMessages appends to the conversation's message history.
	AppendMessages(ctx context.Context, conversationID string, msgs ...models.Message) error

	// RecordBufferedMessage and UpdateBufferedStatus log the buffer lifecycle.
	RecordBufferedMessage(ctx context.Context, msg models.BufferedMessage) error
	UpdateBufferedStatus(ctx context.Context, ids []string, status models.MessageStatus) error
	// PurgeBufferedMessages deletes completed and failed entries last updated before cutoff.
	PurgeBufferedMessages(ctx context.Context, cutoff time.Time) (int, error)

	// Book, Cancel, Reschedule and ListAppointments are the scheduling backend.
	Book(ctx context.Context, leadID string, at time.Time, notes string) (models.Appointment, error)
	Cancel(ctx context.Context, leadID string) (models.Appointment, error)
	Reschedule(ctx context.Context, leadID string, at time.Time) (models.Appointment, error)
	ListAppointments(ctx context.Context, leadID string) ([]models.Appointment, error)

	OutboxRepo

	Close() error
}

// Opts holds configuration for SQL stores.
type Opts struct {
	DSN string
}

// Option configures a SQL store.
type Option func(*Opts)

// WithDSN sets the database DSN: a file path for SQLite, a connection string for Postgres.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// Driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DetectDSNType returns the database/sql driver name for a DSN.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return DriverPostgres
	}
	return DriverSQLite
}

// Open picks a backend for dsn. An empty DSN gives an in-memory store.
func Open(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == DriverPostgres {
		return NewPostgresStore(WithDSN(dsn))
	}
	return NewSQLiteStore(WithDSN(dsn))
}
