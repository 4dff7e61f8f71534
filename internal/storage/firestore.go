package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps chat records as documents of one collection.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a Firestore-backed store. An empty collection
// name selects DefaultCollection.
func NewFirestoreStore(ctx context.Context, projectID, collection string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required for Firestore store")
	}
	if collection == "" {
		collection = DefaultCollection
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) chatsCol() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) chatDoc(id string) *firestore.DocumentRef {
	return s.chatsCol().Doc(id)
}

func (s *FirestoreStore) Create(ctx context.Context, rec *ChatRecord) (string, error) {
	ref := s.chatsCol().NewDoc()
	if rec.ID != "" {
		ref = s.chatDoc(rec.ID)
	}

	doc := *rec
	doc.Messages = nonNil(rec.Messages)
	if _, err := ref.Create(ctx, doc); err != nil {
		return "", fmt.Errorf("failed to create chat: %w", err)
	}
	return ref.ID, nil
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (*ChatRecord, error) {
	snap, err := s.chatDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	var rec ChatRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode chat: %w", err)
	}
	rec.ID = snap.Ref.ID
	return &rec, nil
}

func (s *FirestoreStore) Update(ctx context.Context, id string, messages []StoredMessage, updatedAt time.Time) error {
	_, err := s.chatDoc(id).Update(ctx, []firestore.Update{
		{Path: "messages", Value: nonNil(messages)},
		{Path: "updatedAt", Value: updatedAt},
	})
	return s.mapWriteError("update chat", err)
}

func (s *FirestoreStore) Delete(ctx context.Context, id string) error {
	_, err := s.chatDoc(id).Delete(ctx, firestore.Exists)
	return s.mapWriteError("delete chat", err)
}

func (s *FirestoreStore) SetPublic(ctx context.Context, id string, public bool) error {
	_, err := s.chatDoc(id).Update(ctx, []firestore.Update{
		{Path: "isPublic", Value: public},
	})
	return s.mapWriteError("update chat visibility", err)
}

func (s *FirestoreStore) listQuery() firestore.Query {
	return s.chatsCol().Select("title", "isPublic", "updatedAt").OrderBy("updatedAt", firestore.Desc)
}

func (s *FirestoreStore) List(ctx context.Context) ([]SessionSummary, error) {
	return collectSummaries(s.listQuery().Documents(ctx))
}

// Watch follows the list through a Firestore snapshot listener.
func (s *FirestoreStore) Watch(ctx context.Context) (<-chan ListEvent, error) {
	it := s.listQuery().Snapshots(ctx)
	out := make(chan ListEvent, 1)

	go func() {
		defer close(out)
		defer it.Stop()

		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, iterator.Done) {
					return
				}
				select {
				case out <- ListEvent{Err: fmt.Errorf("failed to watch chats: %w", err)}:
				case <-ctx.Done():
				}
				return
			}

			sessions, err := collectSummaries(snap.Documents)
			select {
			case out <- ListEvent{Sessions: sessions, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	return out, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) mapWriteError(op string, err error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

type summaryDoc struct {
	Title     string    `firestore:"title"`
	IsPublic  bool      `firestore:"isPublic"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func collectSummaries(docs *firestore.DocumentIterator) ([]SessionSummary, error) {
	defer docs.Stop()

	list := make([]SessionSummary, 0)
	for {
		snap, err := docs.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate chats: %w", err)
		}

		var doc summaryDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode chat summary: %w", err)
		}
		list = append(list, SessionSummary{
			ID:        snap.Ref.ID,
			Title:     doc.Title,
			IsPublic:  doc.IsPublic,
			UpdatedAt: doc.UpdatedAt,
		})
	}
	return list, nil
}
