package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/zentech/yunzhi/internal/events"
	"github.com/zentech/yunzhi/internal/storage"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// LiveListOption configures a LiveList.
type LiveListOption func(*LiveList)

// WithBackoff sets the resubscribe delay bounds.
func WithBackoff(minDelay, maxDelay time.Duration) LiveListOption {
	return func(l *LiveList) {
		l.minBackoff = minDelay
		l.maxBackoff = maxDelay
	}
}

// LiveList is the session list kept current by a store subscription. On a
// watch failure it keeps the last-known list, records the error and
// resubscribes with exponential backoff.
type LiveList struct {
	store      storage.ChatStore
	minBackoff time.Duration
	maxBackoff time.Duration

	mu       sync.RWMutex
	sessions []storage.SessionSummary
	err      error
	synced   bool

	updates *events.Broker[[]storage.SessionSummary]
	cancel  context.CancelFunc
	done    chan struct{}
}

func newLiveList(ctx context.Context, store storage.ChatStore, opts ...LiveListOption) *LiveList {
	ctx, cancel := context.WithCancel(ctx)
	l := &LiveList{
		store:      store,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		updates:    events.NewBrokerWithBuffer[[]storage.SessionSummary](8),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.run(ctx)
	return l
}

func (l *LiveList) run(ctx context.Context) {
	defer close(l.done)
	defer l.updates.Shutdown()

	backoff := l.minBackoff
	for {
		ch, err := l.store.Watch(ctx)
		if err != nil {
			l.fail(err)
		} else {
			for ev := range ch {
				if ev.Err != nil {
					l.fail(ev.Err)
					continue
				}
				l.apply(ev.Sessions)
				backoff = l.minBackoff
			}
		}

		if ctx.Err() != nil {
			return
		}

		slog.Debug("resubscribing to session list", "delay", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, l.maxBackoff)
	}
}

func (l *LiveList) apply(sessions []storage.SessionSummary) {
	list := append([]storage.SessionSummary(nil), sessions...)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})

	l.mu.Lock()
	l.sessions = list
	l.err = nil
	l.synced = true
	l.mu.Unlock()

	l.updates.Publish(events.SessionListSync, list)
}

func (l *LiveList) fail(err error) {
	slog.Warn("session list subscription failed", "error", err)

	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// Sessions returns the last-known list, newest first.
func (l *LiveList) Sessions() []storage.SessionSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]storage.SessionSummary(nil), l.sessions...)
}

// Err returns the most recent subscription error, cleared by the next
// successful update.
func (l *LiveList) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Synced reports whether at least one list has been received.
func (l *LiveList) Synced() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.synced
}

// Subscribe delivers every new list until ctx is done or the list closes.
func (l *LiveList) Subscribe(ctx context.Context) <-chan events.Event[[]storage.SessionSummary] {
	return l.updates.Subscribe(ctx)
}

// Find ranks the current sessions by fuzzy title match. An empty query
// returns the whole list.
func (l *LiveList) Find(query string) []storage.SessionSummary {
	return Find(l.Sessions(), query)
}

// Close stops the subscription and waits for it to wind down.
func (l *LiveList) Close() {
	l.cancel()
	<-l.done
}

// Find ranks sessions by fuzzy, case-insensitive title match.
func Find(sessions []storage.SessionSummary, query string) []storage.SessionSummary {
	if query == "" {
		return sessions
	}

	titles := make([]string, len(sessions))
	for i, s := range sessions {
		titles[i] = s.Title
	}

	ranks := fuzzy.RankFindNormalizedFold(query, titles)
	sort.Stable(ranks)

	out := make([]storage.SessionSummary, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, sessions[r.OriginalIndex])
	}
	return out
}
