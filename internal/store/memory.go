package store

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/StateFlow/internal/models"
	"github.com/google/uuid"
)

// InMemoryStore is a Store kept entirely in process memory.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	buffered      map[string]models.BufferedMessage
	bufferedAt    map[string]time.Time
	appointments  []models.Appointment
	outbox        []OutboxMessage
	now           func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		buffered:      make(map[string]models.BufferedMessage),
		bufferedAt:    make(map[string]time.Time),
		now:           time.Now,
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *InMemoryStore) SaveConversation(ctx context.Context, conv models.Conversation) error {
	if conv.ID == "" {
		return models.ErrEmptyConversationID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	existing, ok := s.conversations[conv.ID]
	if ok {
		conv.Messages = existing.Messages
		conv.CreatedAt = existing.CreatedAt
	} else {
		conv.Messages = nil
		if conv.CreatedAt.IsZero() {
			conv.CreatedAt = now
		}
	}
	conv.UpdatedAt = now
	conv.Data = maps.Clone(conv.Data)
	s.conversations[conv.ID] = conv
	slog.Debug("InMemoryStore SaveConversation succeeded", "conversationID", conv.ID, "state", conv.State)
	return nil
}

func (s *InMemoryStore) AppendMessages(ctx context.Context, conversationID string, msgs ...models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.Messages = append(conv.Messages, msgs...)
	s.conversations[conversationID] = conv
	return nil
}

func (s *InMemoryStore) RecordBufferedMessage(ctx context.Context, msg models.BufferedMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered[msg.ID] = msg
	s.bufferedAt[msg.ID] = s.now()
	return nil
}

func (s *InMemoryStore) UpdateBufferedStatus(ctx context.Context, ids []string, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, id := range ids {
		msg, ok := s.buffered[id]
		if !ok {
			continue
		}
		msg.Status = status
		s.buffered[id] = msg
		s.bufferedAt[id] = now
	}
	return nil
}

func (s *InMemoryStore) PurgeBufferedMessages(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, msg := range s.buffered {
		if !isSettled(msg.Status) || !s.bufferedAt[id].Before(cutoff) {
			continue
		}
		delete(s.buffered, id)
		delete(s.bufferedAt, id)
		n++
	}
	return n, nil
}

// BufferedMessages returns the logged messages of a conversation in arrival order.
func (s *InMemoryStore) BufferedMessages(conversationID string) []models.BufferedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.BufferedMessage
	for _, msg := range s.buffered {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

func (s *InMemoryStore) Book(ctx context.Context, leadID string, at time.Time, notes string) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slotTaken(at, "") {
		return models.Appointment{}, models.ErrSlotTaken
	}
	now := s.now().UTC()
	appt := models.Appointment{
		ID:        uuid.NewString(),
		LeadID:    leadID,
		StartsAt:  at.UTC(),
		Notes:     notes,
		Status:    models.AppointmentScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.appointments = append(s.appointments, appt)
	slog.Debug("InMemoryStore Book succeeded", "leadID", leadID, "appointmentID", appt.ID)
	return appt, nil
}

func (s *InMemoryStore) Cancel(ctx context.Context, leadID string) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.nextScheduled(leadID)
	if i < 0 {
		return models.Appointment{}, models.ErrAppointmentNotFound
	}
	s.appointments[i].Status = models.AppointmentCancelled
	s.appointments[i].UpdatedAt = s.now().UTC()
	return s.appointments[i], nil
}

func (s *InMemoryStore) Reschedule(ctx context.Context, leadID string, at time.Time) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.nextScheduled(leadID)
	if i < 0 {
		return models.Appointment{}, models.ErrAppointmentNotFound
	}
	if s.slotTaken(at, s.appointments[i].ID) {
		return models.Appointment{}, models.ErrSlotTaken
	}
	s.appointments[i].StartsAt = at.UTC()
	s.appointments[i].UpdatedAt = s.now().UTC()
	return s.appointments[i], nil
}

func (s *InMemoryStore) ListAppointments(ctx context.Context, leadID string) ([]models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Appointment
	for _, a := range s.appointments {
		if a.LeadID == leadID && a.Status == models.AppointmentScheduled {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	return out, nil
}

func (s *InMemoryStore) slotTaken(at time.Time, exceptID string) bool {
	for _, a := range s.appointments {
		if a.Status == models.AppointmentScheduled && a.ID != exceptID && a.StartsAt.Equal(at) {
			return true
		}
	}
	return false
}

// nextScheduled returns the index of the lead's earliest scheduled appointment, or -1.
func (s *InMemoryStore) nextScheduled(leadID string) int {
	best := -1
	for i, a := range s.appointments {
		if a.LeadID != leadID || a.Status != models.AppointmentScheduled {
			continue
		}
		if best < 0 || a.StartsAt.Before(s.appointments[best].StartsAt) {
			best = i
		}
	}
	return best
}

func (s *InMemoryStore) EnqueueOutboxMessage(ctx context.Context, recipient, kind, body, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent {
				return m.ID, nil
			}
		}
	}
	now := s.now().UTC()
	msg := OutboxMessage{
		ID:        "outbox_" + uuid.NewString(),
		Recipient: recipient,
		Kind:      kind,
		Body:      body,
		Status:    OutboxStatusQueued,
		DedupeKey: dedupeKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.outbox = append(s.outbox, msg)
	return msg.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for i := range s.outbox {
		if len(out) >= limit {
			break
		}
		m := &s.outbox[i]
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.outboxByID(id); m != nil {
		m.Status = OutboxStatusSent
		m.UpdatedAt = s.now().UTC()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.outboxByID(id); m != nil {
		next := nextAttemptAt
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
		m.UpdatedAt = s.now().UTC()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a snapshot of the outbox.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]OutboxMessage(nil), s.outbox...)
}

func (s *InMemoryStore) outboxByID(id string) *OutboxMessage {
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			return &s.outbox[i]
		}
	}
	return nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func cloneConversation(c models.Conversation) models.Conversation {
	c.Data = maps.Clone(c.Data)
	c.Messages = append([]models.Message(nil), c.Messages...)
	return c
}

func isSettled(status models.MessageStatus) bool {
	return status == models.MessageStatusCompleted || status == models.MessageStatusFailed
}
