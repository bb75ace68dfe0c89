package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc delivers one outbox message.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and delivers them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
}

// NewOutboxSender creates an OutboxSender. A non-positive interval defaults to 5s.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		now:            time.Now,
	}
}

// RecoverStaleMessages requeues messages left in sending by a crash.
// Call it once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, s.now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender RecoverStaleMessages requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender Run starting", "pollInterval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender Run stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and delivers one round of due messages. Failed sends are
// rescheduled with exponential backoff: 10s, 20s, 40s and so on.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender Poll claim failed", "error", err)
		return
	}
	for _, msg := range msgs {
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender Poll send failed", "id", msg.ID, "recipient", msg.Recipient, "attempts", msg.Attempts, "error", err)
			next := now.Add(backoff(msg.Attempts))
			if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), next); err != nil {
				slog.Error("OutboxSender Poll fail bookkeeping failed", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender Poll mark sent failed", "id", msg.ID, "error", err)
			continue
		}
		slog.Debug("OutboxSender Poll message sent", "id", msg.ID, "recipient", msg.Recipient, "kind", msg.Kind)
	}
}

func backoff(attempts int) time.Duration {
	if attempts > 10 {
		attempts = 10
	}
	return time.Duration(10*(1<<attempts)) * time.Second
}
