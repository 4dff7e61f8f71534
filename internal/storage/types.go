package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a chat record does not exist.
var ErrNotFound = errors.New("chat not found")

// DefaultCollection is the collection holding chat records.
const DefaultCollection = "chats"

// InlineData is a base64 payload attached to a user turn.
type InlineData struct {
	MimeType string `json:"mimeType" firestore:"mimeType"`
	Data     string `json:"data" firestore:"data"`
}

// StoredMessage is one message of a chat record. Role is "user" or "model".
type StoredMessage struct {
	ID            string      `json:"id" firestore:"id"`
	Role          string      `json:"role" firestore:"role"`
	Content       string      `json:"content" firestore:"content"`
	Timestamp     time.Time   `json:"timestamp" firestore:"timestamp"`
	InlineData    *InlineData `json:"inlineData,omitempty" firestore:"inlineData,omitempty"`
	AttachmentURL string      `json:"attachmentUrl,omitempty" firestore:"attachmentUrl,omitempty"`
}

// ChatRecord is the persisted snapshot of a session.
type ChatRecord struct {
	ID        string          `json:"id" firestore:"-"`
	Title     string          `json:"title" firestore:"title"`
	CreatedAt time.Time       `json:"createdAt" firestore:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt" firestore:"updatedAt"`
	Messages  []StoredMessage `json:"messages" firestore:"messages"`
	IsPublic  bool            `json:"isPublic" firestore:"isPublic"`
}

// Summary projects the record onto its list metadata.
func (r *ChatRecord) Summary() SessionSummary {
	return SessionSummary{
		ID:        r.ID,
		Title:     r.Title,
		IsPublic:  r.IsPublic,
		UpdatedAt: r.UpdatedAt,
	}
}

// SessionSummary provides a lightweight view of a chat record
type SessionSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	IsPublic  bool      `json:"isPublic"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListEvent carries the full session list, newest first, each time it
// changes. A non-nil Err ends the watch; the channel is closed after it.
type ListEvent struct {
	Sessions []SessionSummary
	Err      error
}

// Wire roles of stored messages.
const (
	RoleUser  = "user"
	RoleModel = "model"
)
