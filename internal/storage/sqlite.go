package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/zentech/yunzhi/internal/events"
)

// SQLiteStore implements ChatStore on a local libsql database. Changes are
// announced through an in-process broker, so Watch only sees writes made
// through this store.
type SQLiteStore struct {
	db     *sql.DB
	broker *events.Broker[SessionSummary]
}

// NewDefaultSQLiteStore opens the chat database in the user directory.
func NewDefaultSQLiteStore() (*SQLiteStore, error) {
	dbPath, err := DefaultPathManager.GetChatDatabasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to get default chat database path: %w", err)
	}
	return NewSQLiteStore(dbPath)
}

// NewSQLiteStore opens (or creates) the chat database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("libsql", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	slog.Debug("chat store initialized", "path", dbPath)
	return &SQLiteStore{db: db, broker: events.NewBroker[SessionSummary]()}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec *ChatRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}

	messagesJSON, err := json.Marshal(nonNil(rec.Messages))
	if err != nil {
		return "", fmt.Errorf("failed to marshal messages: %w", err)
	}

	query := `INSERT INTO chats (id, title, created_at, updated_at, is_public, messages)
	          VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		id, rec.Title, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), boolToInt(rec.IsPublic), string(messagesJSON)); err != nil {
		return "", fmt.Errorf("failed to create chat: %w", err)
	}

	created := *rec
	created.ID = id
	s.broker.Publish(events.SessionUpserted, created.Summary(), events.WithSessionID(id))
	return id, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*ChatRecord, error) {
	query := `SELECT id, title, created_at, updated_at, is_public, messages FROM chats WHERE id = ?`

	var (
		rec                  ChatRecord
		createdAt, updatedAt int64
		isPublic             int
		messagesJSON         string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Title, &createdAt, &updatedAt, &isPublic, &messagesJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &rec.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	rec.IsPublic = isPublic != 0
	return &rec, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, messages []StoredMessage, updatedAt time.Time) error {
	messagesJSON, err := json.Marshal(nonNil(messages))
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE chats SET messages = ?, updated_at = ? WHERE id = ?`,
		string(messagesJSON), updatedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update chat: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	s.publishCurrent(ctx, id)
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	s.broker.Publish(events.SessionRemoved, SessionSummary{ID: id}, events.WithSessionID(id))
	return nil
}

func (s *SQLiteStore) SetPublic(ctx context.Context, id string, public bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET is_public = ? WHERE id = ?`, boolToInt(public), id)
	if err != nil {
		return fmt.Errorf("failed to update chat visibility: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	s.publishCurrent(ctx, id)
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, is_public, updated_at FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	list := make([]SessionSummary, 0)
	for rows.Next() {
		var (
			summary   SessionSummary
			isPublic  int
			updatedAt int64
		)
		if err := rows.Scan(&summary.ID, &summary.Title, &isPublic, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		summary.IsPublic = isPublic != 0
		summary.UpdatedAt = time.UnixMilli(updatedAt)
		list = append(list, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}
	return list, nil
}

func (s *SQLiteStore) Watch(ctx context.Context) (<-chan ListEvent, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to watch chats: %w", err)
	}
	return watchBroker(ctx, s.broker, s.List), nil
}

func (s *SQLiteStore) Close() error {
	s.broker.Shutdown()
	return s.db.Close()
}

func (s *SQLiteStore) publishCurrent(ctx context.Context, id string) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		slog.Warn("failed to reload chat after write", "id", id, "error", err)
		return
	}
	s.broker.Publish(events.SessionUpserted, rec.Summary(), events.WithSessionID(id))
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNil(messages []StoredMessage) []StoredMessage {
	if messages == nil {
		return []StoredMessage{}
	}
	return messages
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT 'Percakapan Baru',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    is_public INTEGER NOT NULL DEFAULT 0,
    messages TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at DESC);
`
