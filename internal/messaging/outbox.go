package messaging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/StateFlow/internal/store"
)

// KindNotification is the outbox kind of lead notifications.
const KindNotification = "notification"

// OutboxNotifier queues notifications in the durable outbox. An identical
// notification still waiting to be sent is not queued twice.
type OutboxNotifier struct {
	repo store.OutboxRepo
}

// NewOutboxNotifier creates an OutboxNotifier over repo.
func NewOutboxNotifier(repo store.OutboxRepo) *OutboxNotifier {
	return &OutboxNotifier{repo: repo}
}

func (n *OutboxNotifier) Notify(ctx context.Context, to, body string) error {
	canonical, err := CanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(canonical + "\x00" + body))
	id, err := n.repo.EnqueueOutboxMessage(ctx, canonical, KindNotification, body, hex.EncodeToString(sum[:]))
	if err != nil {
		return fmt.Errorf("failed to queue notification for %s: %w", canonical, err)
	}
	slog.Debug("OutboxNotifier Notify queued", "id", id, "to", canonical)
	return nil
}

// Delivery adapts a Sender to the outbox sender's callback.
func Delivery(s Sender) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		return s.SendMessage(ctx, msg.Recipient, msg.Body)
	}
}
