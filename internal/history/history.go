// Package history keeps the recent transition window and the explicit repeat
// counter of each conversation.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/StateFlow/internal/models"
)

// DefaultWindow is the number of transitions kept per conversation.
const DefaultWindow = 10

// Tracker records the state each turn lands in.
type Tracker interface {
	// History returns the recent window, oldest first.
	History(ctx context.Context, conversationID string) (models.TransitionHistory, error)
	// Record appends a landing state and returns the repeat counter: zero when
	// the state differs from the previous one, otherwise the previous count plus one.
	Record(ctx context.Context, conversationID, state string, at time.Time) (int, error)
	// Repeats returns the current repeat counter.
	Repeats(ctx context.Context, conversationID string) (int, error)
	// Reset forgets the conversation.
	Reset(ctx context.Context, conversationID string) error
}

type memoryEntry struct {
	entries []models.Transition
	repeats int
}

// MemoryTracker is an in-process Tracker.
type MemoryTracker struct {
	mu     sync.RWMutex
	window int
	convs  map[string]*memoryEntry
}

// NewMemoryTracker creates a MemoryTracker keeping window transitions.
func NewMemoryTracker(window int) *MemoryTracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryTracker{window: window, convs: make(map[string]*memoryEntry)}
}

// History implements Tracker.
func (m *MemoryTracker) History(ctx context.Context, conversationID string) (models.TransitionHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.convs[conversationID]
	if e == nil {
		return models.TransitionHistory{}, nil
	}
	out := make([]models.Transition, len(e.entries))
	copy(out, e.entries)
	return models.TransitionHistory{Entries: out}, nil
}

// Record implements Tracker.
func (m *MemoryTracker) Record(ctx context.Context, conversationID, state string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.convs[conversationID]
	if e == nil {
		e = &memoryEntry{}
		m.convs[conversationID] = e
	}
	if n := len(e.entries); n > 0 && e.entries[n-1].State == state {
		e.repeats++
	} else {
		e.repeats = 0
	}
	e.entries = append(e.entries, models.Transition{State: state, At: at})
	if len(e.entries) > m.window {
		e.entries = append([]models.Transition(nil), e.entries[len(e.entries)-m.window:]...)
	}
	return e.repeats, nil
}

// Repeats implements Tracker.
func (m *MemoryTracker) Repeats(ctx context.Context, conversationID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e := m.convs[conversationID]; e != nil {
		return e.repeats, nil
	}
	return 0, nil
}

// Reset implements Tracker.
func (m *MemoryTracker) Reset(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, conversationID)
	return nil
}
