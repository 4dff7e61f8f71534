package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zentech/yunzhi/internal/events"
)

var errStoreClosed = errors.New("store closed")

// MemoryStore keeps chat records in process memory. It backs tests and the
// "memory" store backend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ChatRecord
	broker  *events.Broker[SessionSummary]
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*ChatRecord),
		broker:  events.NewBroker[SessionSummary](),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec *ChatRecord) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errStoreClosed
	}
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := s.records[id]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("failed to create chat %s: already exists", id)
	}
	stored := cloneRecord(rec)
	stored.ID = id
	s.records[id] = stored
	summary := stored.Summary()
	s.mu.Unlock()

	s.broker.Publish(events.SessionUpserted, summary, events.WithSessionID(id))
	return id, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*ChatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, messages []StoredMessage, updatedAt time.Time) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	rec.Messages = append([]StoredMessage(nil), messages...)
	rec.UpdatedAt = updatedAt
	summary := rec.Summary()
	s.mu.Unlock()

	s.broker.Publish(events.SessionUpserted, summary, events.WithSessionID(id))
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.records, id)
	summary := rec.Summary()
	s.mu.Unlock()

	s.broker.Publish(events.SessionRemoved, summary, events.WithSessionID(id))
	return nil
}

func (s *MemoryStore) SetPublic(ctx context.Context, id string, public bool) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	rec.IsPublic = public
	summary := rec.Summary()
	s.mu.Unlock()

	s.broker.Publish(events.SessionUpserted, summary, events.WithSessionID(id))
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]SessionSummary, 0, len(s.records))
	for _, rec := range s.records {
		list = append(list, rec.Summary())
	}
	sortSummaries(list)
	return list, nil
}

func (s *MemoryStore) Watch(ctx context.Context) (<-chan ListEvent, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, errStoreClosed
	}
	return watchBroker(ctx, s.broker, s.List), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.broker.Shutdown()
	return nil
}

func cloneRecord(rec *ChatRecord) *ChatRecord {
	out := *rec
	out.Messages = append([]StoredMessage(nil), rec.Messages...)
	return &out
}
