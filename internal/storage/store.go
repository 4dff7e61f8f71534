package storage

import (
	"context"
	"sort"
	"time"

	"github.com/zentech/yunzhi/internal/events"
)

// ChatStore is an append-style document store of chat records.
type ChatStore interface {
	// Create stores a new record and returns its id. An empty rec.ID is
	// assigned by the store.
	Create(ctx context.Context, rec *ChatRecord) (string, error)
	Get(ctx context.Context, id string) (*ChatRecord, error)
	// Update overwrites the message list and updatedAt of an existing record.
	Update(ctx context.Context, id string, messages []StoredMessage, updatedAt time.Time) error
	Delete(ctx context.Context, id string) error
	// SetPublic toggles sharing without touching messages or updatedAt.
	SetPublic(ctx context.Context, id string, public bool) error
	List(ctx context.Context) ([]SessionSummary, error)
	// Watch delivers the current list immediately and again after every change.
	Watch(ctx context.Context) (<-chan ListEvent, error)
	Close() error
}

func sortSummaries(list []SessionSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
}

// watchBroker turns change notifications from a broker into full-list
// events, re-reading the list after each notification.
func watchBroker(ctx context.Context, broker *events.Broker[SessionSummary], list func(context.Context) ([]SessionSummary, error)) <-chan ListEvent {
	changes := broker.Subscribe(ctx)
	out := make(chan ListEvent, 1)

	go func() {
		defer close(out)

		send := func() bool {
			sessions, err := list(ctx)
			select {
			case out <- ListEvent{Sessions: sessions, Err: err}:
			case <-ctx.Done():
				return false
			}
			return err == nil
		}

		if !send() {
			return
		}
		for {
			select {
			case _, ok := <-changes:
				if !ok {
					return
				}
				if !send() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
