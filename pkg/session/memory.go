package session

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	mu sync.Mutex
	s  Session
}

// MemoryStore keeps sessions for the life of the process. Each caller has
// its own lock; sessions are never evicted.
type MemoryStore struct {
	sessions sync.Map // callerID -> *entry
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) entry(callerID string) *entry {
	if e, ok := m.sessions.Load(callerID); ok {
		return e.(*entry)
	}
	fresh := &entry{s: New(callerID)}
	fresh.s.UpdatedAt = m.now()
	e, _ := m.sessions.LoadOrStore(callerID, fresh)
	return e.(*entry)
}

func (m *MemoryStore) Get(_ context.Context, callerID string) (Session, error) {
	e := m.entry(callerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, nil
}

func (m *MemoryStore) BeginLink(_ context.Context, callerID string) (Session, error) {
	return m.apply(callerID, EventBeginLink, "")
}

func (m *MemoryStore) SubmitAddress(_ context.Context, callerID, text string) (Session, error) {
	return m.apply(callerID, EventSubmit, text)
}

func (m *MemoryStore) CurrentWallet(ctx context.Context, callerID string) (string, bool, error) {
	s, err := m.Get(ctx, callerID)
	if err != nil {
		return "", false, err
	}
	addr, ok := s.CurrentWallet()
	return addr, ok, nil
}

func (m *MemoryStore) apply(callerID string, event Event, text string) (Session, error) {
	e := m.entry(callerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := Next(e.s, event, text)
	if err != nil {
		return e.s, err
	}
	next.UpdatedAt = m.now()
	e.s = next
	return next, nil
}
