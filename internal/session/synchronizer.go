package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zentech/yunzhi/internal/storage"
)

// Synchronizer mirrors session snapshots into a ChatStore. A single writer
// per session is assumed; the last write wins.
type Synchronizer struct {
	store storage.ChatStore
	now   func() time.Time

	mu        sync.Mutex
	lastWrite map[string]time.Time
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) {
		s.now = now
	}
}

// NewSynchronizer creates a synchronizer over store.
func NewSynchronizer(store storage.ChatStore, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:     store,
		now:       time.Now,
		lastWrite: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOption adjusts the record of a new session.
type CreateOption func(*storage.ChatRecord)

// WithTitleFrom titles the session after the text the user typed rather
// than the stored message content.
func WithTitleFrom(input string) CreateOption {
	return func(rec *storage.ChatRecord) {
		rec.Title = TitleFromInput(input)
	}
}

// CreateSession stores the first snapshot of a new session and returns its id.
func (s *Synchronizer) CreateSession(ctx context.Context, messages []storage.StoredMessage, opts ...CreateOption) (string, error) {
	now := s.now().Truncate(time.Millisecond)
	rec := &storage.ChatRecord{
		Title:     Title(messages),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  messages,
	}
	for _, opt := range opts {
		opt(rec)
	}

	id, err := s.store.Create(ctx, rec)
	if err != nil {
		return "", &StoreWriteError{Op: "create", Err: err}
	}

	s.remember(id, now)
	slog.Debug("session created", "id", id, "title", rec.Title, "messages", len(messages))
	return id, nil
}

// AppendTurn overwrites the stored snapshot and advances updatedAt.
func (s *Synchronizer) AppendTurn(ctx context.Context, id string, messages []storage.StoredMessage) error {
	prev, err := s.previousWrite(ctx, id)
	if err != nil {
		return &StoreWriteError{Op: "update", SessionID: id, Err: err}
	}

	updatedAt := nextUpdatedAt(s.now(), prev)
	if err := s.store.Update(ctx, id, messages, updatedAt); err != nil {
		return &StoreWriteError{Op: "update", SessionID: id, Err: err}
	}

	s.remember(id, updatedAt)
	return nil
}

// LoadSession fetches the stored snapshot of a session.
func (s *Synchronizer) LoadSession(ctx context.Context, id string) ([]storage.StoredMessage, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Messages, nil
}

// Get fetches the full record of a session.
func (s *Synchronizer) Get(ctx context.Context, id string) (*storage.ChatRecord, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	s.remember(id, rec.UpdatedAt)
	return rec, nil
}

// DeleteSession removes the stored record.
func (s *Synchronizer) DeleteSession(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return &StoreWriteError{Op: "delete", SessionID: id, Err: err}
	}

	s.mu.Lock()
	delete(s.lastWrite, id)
	s.mu.Unlock()
	return nil
}

// SetPublic toggles the sharing flag of a session.
func (s *Synchronizer) SetPublic(ctx context.Context, id string, public bool) error {
	if err := s.store.SetPublic(ctx, id, public); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return &StoreWriteError{Op: "share", SessionID: id, Err: err}
	}
	return nil
}

// ListSessions starts a live list fed by the store's watch subscription.
// Close the list to stop it.
func (s *Synchronizer) ListSessions(ctx context.Context, opts ...LiveListOption) *LiveList {
	return newLiveList(ctx, s.store, opts...)
}

func (s *Synchronizer) previousWrite(ctx context.Context, id string) (time.Time, error) {
	s.mu.Lock()
	prev, ok := s.lastWrite[id]
	s.mu.Unlock()
	if ok {
		return prev, nil
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return rec.UpdatedAt, nil
}

func (s *Synchronizer) remember(id string, at time.Time) {
	s.mu.Lock()
	s.lastWrite[id] = at
	s.mu.Unlock()
}

// nextUpdatedAt keeps updatedAt strictly increasing at millisecond
// resolution even when the clock stalls or steps back.
func nextUpdatedAt(now, prev time.Time) time.Time {
	now = now.Truncate(time.Millisecond)
	floor := prev.Truncate(time.Millisecond).Add(time.Millisecond)
	if now.Before(floor) {
		return floor
	}
	return now
}
