// Package buffer provides a debouncing message buffer that aggregates bursts of
// inbound messages per conversation before handing them to a batch handler.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/StateFlow/internal/metrics"
	"github.com/BTreeMap/StateFlow/internal/models"
	"github.com/google/uuid"
)

// DefaultDelay is the quiet period used when no configuration is supplied.
const DefaultDelay = 3 * time.Second

// ErrNegativeDelay is returned by Enqueue when the configured delay is below zero.
var ErrNegativeDelay = errors.New("buffer delay must be >= 0")

// ErrClosed is returned by Enqueue after Shutdown.
var ErrClosed = errors.New("buffer is shut down")

// Config controls buffering for one enqueue call.
type Config struct {
	Enabled bool
	Delay   time.Duration
}

// DefaultConfig returns buffering enabled with DefaultDelay.
func DefaultConfig() Config {
	return Config{Enabled: true, Delay: DefaultDelay}
}

// Handler processes one aggregated batch for a conversation. Errors and panics
// are recorded as batch failure and never reach the enqueue caller.
type Handler func(ctx context.Context, conversationID string, batch []models.BufferedMessage) error

// StatusRecorder receives buffered message lifecycle updates, e.g. a durable log.
type StatusRecorder interface {
	RecordBufferedMessage(ctx context.Context, msg models.BufferedMessage) error
	UpdateBufferedStatus(ctx context.Context, ids []string, status models.MessageStatus) error
}

// conversation is the per-key actor state. A conversation has at most one
// outstanding timer and at most one batch in flight.
type conversation struct {
	pending []models.BufferedMessage
	timer   *time.Timer
	gen     uint64 // bumped whenever the timer is replaced or cancelled
	busy    bool   // a batch is being processed
	again   bool   // a drain was requested while busy
}

// Buffer debounces inbound messages per conversation.
type Buffer struct {
	handler  Handler
	recorder StatusRecorder
	metrics  *metrics.Metrics
	ctx      context.Context
	now      func() time.Time

	mu     sync.Mutex
	convs  map[string]*conversation
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithStatusRecorder records buffered message lifecycle changes.
func WithStatusRecorder(r StatusRecorder) Option {
	return func(b *Buffer) { b.recorder = r }
}

// WithMetrics sets the metrics the buffer records into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// WithContext sets the base context handed to the batch handler.
func WithContext(ctx context.Context) Option {
	return func(b *Buffer) { b.ctx = ctx }
}

// New creates a Buffer that hands flushed batches to handler.
func New(handler Handler, opts ...Option) *Buffer {
	b := &Buffer{
		handler: handler,
		ctx:     context.Background(),
		now:     time.Now,
		convs:   make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics = metrics.OrNew(b.metrics)
	slog.Debug("Buffer created", "hasRecorder", b.recorder != nil)
	return b
}

// Enqueue appends a message to the conversation's pending batch and resets its
// flush timer to now+Delay. With buffering disabled the batch is handed to the
// handler immediately and asynchronously. Enqueue never blocks on processing.
func (b *Buffer) Enqueue(conversationID, text string, cfg Config) (models.BufferedMessage, error) {
	if cfg.Delay < 0 {
		return models.BufferedMessage{}, ErrNegativeDelay
	}
	now := b.now()
	msg := models.BufferedMessage{
		ID:             uuid.NewString(),
		ConversationID: strings.TrimSpace(conversationID),
		Text:           text,
		ReceivedAt:     now,
		FlushAt:        now,
		Status:         models.MessageStatusPending,
	}
	if cfg.Enabled {
		msg.FlushAt = now.Add(cfg.Delay)
	}
	if err := msg.Validate(); err != nil {
		return models.BufferedMessage{}, err
	}
	id := msg.ConversationID

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return models.BufferedMessage{}, ErrClosed
	}
	b.record(msg)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return models.BufferedMessage{}, ErrClosed
	}
	c := b.convs[id]
	if c == nil {
		c = &conversation{}
		b.convs[id] = c
	}
	c.pending = append(c.pending, msg)
	b.stopTimerLocked(c)
	if cfg.Enabled {
		gen := c.gen
		c.timer = time.AfterFunc(cfg.Delay, func() { b.fire(id, gen) })
	} else {
		b.drainLocked(id, c)
	}
	pending := len(c.pending)
	b.mu.Unlock()

	b.metrics.BufferEnqueued.Inc()
	slog.Debug("Buffer Enqueue succeeded", "conversationID", id, "messageID", msg.ID, "pending", pending, "delay", cfg.Delay, "enabled", cfg.Enabled)
	return msg, nil
}

// Flush cancels any pending timer and drains the batch now, in the caller's
// goroutine. Flushing an empty conversation is a no-op. If a batch is already in
// flight, the pending messages are processed right after it completes.
func (b *Buffer) Flush(conversationID string) {
	b.mu.Lock()
	c := b.convs[conversationID]
	if c == nil {
		b.mu.Unlock()
		slog.Debug("Buffer Flush: nothing buffered", "conversationID", conversationID)
		return
	}
	b.stopTimerLocked(c)
	batch := b.takeLocked(conversationID, c)
	b.mu.Unlock()

	if batch != nil {
		b.run(conversationID, batch)
	}
}

// Clear cancels the conversation's timer and discards its pending batch without
// invoking the handler. A batch already in flight runs to completion.
func (b *Buffer) Clear(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.convs[conversationID]
	if c == nil {
		return
	}
	b.stopTimerLocked(c)
	dropped := len(c.pending)
	c.pending = nil
	c.again = false
	if !c.busy {
		delete(b.convs, conversationID)
	}
	slog.Info("Buffer Clear succeeded", "conversationID", conversationID, "dropped", dropped)
}

// ClearAll cancels every timer before discarding all pending batches so no
// orphaned callback fires after teardown.
func (b *Buffer) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.convs {
		b.stopTimerLocked(c)
	}
	count := len(b.convs)
	for id, c := range b.convs {
		c.pending = nil
		c.again = false
		if !c.busy {
			delete(b.convs, id)
		}
	}
	slog.Info("Buffer ClearAll succeeded", "conversations", count)
}

// Shutdown rejects further enqueues, clears all pending work and waits for
// in-flight batches to finish or ctx to expire.
func (b *Buffer) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.ClearAll()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Buffer shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("buffer shutdown: %w", ctx.Err())
	}
}

// Pending returns the number of messages waiting for the conversation's next flush.
func (b *Buffer) Pending(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.convs[conversationID]; c != nil {
		return len(c.pending)
	}
	return 0
}

// fire is the timer callback. Stale generations belong to replaced timers.
func (b *Buffer) fire(id string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.convs[id]
	if c == nil || c.gen != gen || c.timer == nil {
		slog.Debug("Buffer timer fired for stale generation", "conversationID", id)
		return
	}
	c.timer = nil
	b.drainLocked(id, c)
}

// drainLocked hands the pending batch to a processing goroutine, or marks the
// conversation for a follow-up drain when a batch is already in flight.
func (b *Buffer) drainLocked(id string, c *conversation) {
	batch := b.takeLocked(id, c)
	if batch != nil {
		go b.run(id, batch)
	}
}

// takeLocked claims the pending batch for processing. The caller must run it.
func (b *Buffer) takeLocked(id string, c *conversation) []models.BufferedMessage {
	if c.busy {
		if len(c.pending) > 0 {
			c.again = true
		}
		return nil
	}
	if len(c.pending) == 0 {
		if c.timer == nil {
			delete(b.convs, id)
		}
		return nil
	}
	batch := c.pending
	c.pending = nil
	c.busy = true
	b.wg.Add(1)
	return batch
}

// run processes one batch and then either chains the next drain or retires the
// conversation entry.
func (b *Buffer) run(id string, batch []models.BufferedMessage) {
	defer b.wg.Done()

	b.process(id, batch)

	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.convs[id]
	if c == nil {
		return
	}
	c.busy = false
	if c.again && c.timer == nil {
		c.again = false
		b.drainLocked(id, c)
		return
	}
	c.again = false
	if len(c.pending) == 0 && c.timer == nil {
		delete(b.convs, id)
	}
}

func (b *Buffer) process(id string, batch []models.BufferedMessage) {
	ids := make([]string, len(batch))
	for i := range batch {
		batch[i].Status = models.MessageStatusProcessing
		ids[i] = batch[i].ID
	}
	b.updateStatus(ids, models.MessageStatusProcessing)
	b.metrics.BatchSize.Observe(float64(len(batch)))
	slog.Debug("Buffer flushing batch", "conversationID", id, "size", len(batch))

	err := b.invoke(id, batch)

	status := models.MessageStatusCompleted
	outcome := "completed"
	if err != nil {
		status = models.MessageStatusFailed
		outcome = "failed"
		slog.Error("Buffer batch handler failed", "error", err, "conversationID", id, "size", len(batch))
	} else {
		slog.Debug("Buffer batch handled", "conversationID", id, "size", len(batch))
	}
	for i := range batch {
		batch[i].Status = status
	}
	b.updateStatus(ids, status)
	b.metrics.BufferFlushes.WithLabelValues(outcome).Inc()
}

// invoke calls the handler, converting a panic into an error.
func (b *Buffer) invoke(id string, batch []models.BufferedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch handler panicked: %v", r)
		}
	}()
	if b.handler == nil {
		return errors.New("no batch handler configured")
	}
	return b.handler(b.ctx, id, batch)
}

func (b *Buffer) stopTimerLocked(c *conversation) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

func (b *Buffer) record(msg models.BufferedMessage) {
	if b.recorder == nil {
		return
	}
	if err := b.recorder.RecordBufferedMessage(b.ctx, msg); err != nil {
		slog.Warn("Buffer failed to record message", "error", err, "messageID", msg.ID)
	}
}

func (b *Buffer) updateStatus(ids []string, status models.MessageStatus) {
	if b.recorder == nil {
		return
	}
	if err := b.recorder.UpdateBufferedStatus(b.ctx, ids, status); err != nil {
		slog.Warn("Buffer failed to update message status", "error", err, "status", status, "count", len(ids))
	}
}
