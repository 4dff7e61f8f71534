package chat

import (
	"time"

	"github.com/google/uuid"
	"github.com/zentech/yunzhi/internal/llm"
	"github.com/zentech/yunzhi/internal/storage"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Wire returns the role name used by stored records and the provider.
func (r Role) Wire() string {
	if r == RoleAssistant {
		return storage.RoleModel
	}
	return storage.RoleUser
}

func roleFromWire(role string) Role {
	switch role {
	case storage.RoleModel, string(RoleAssistant):
		return RoleAssistant
	default:
		return RoleUser
	}
}

// Message is one entry of the timeline. Content only changes while
// Streaming is set.
type Message struct {
	ID        string               `json:"id"`
	Role      Role                 `json:"role"`
	Content   string               `json:"content"`
	CreatedAt time.Time            `json:"createdAt"`
	Inline    *llm.InlineDataBlock `json:"inlineData,omitempty"`
	Marker    string               `json:"attachment,omitempty"`
	Streaming bool                 `json:"streaming,omitempty"`
	// Untyped marks a user message whose content is the default
	// instruction standing in for empty input.
	Untyped bool `json:"-"`
}

func newMessageID() string {
	return uuid.New().String()
}

// ToStored converts the message into its stored form.
func (m Message) ToStored() storage.StoredMessage {
	out := storage.StoredMessage{
		ID:            m.ID,
		Role:          m.Role.Wire(),
		Content:       m.Content,
		Timestamp:     m.CreatedAt,
		AttachmentURL: m.Marker,
	}
	if m.Inline != nil {
		out.InlineData = &storage.InlineData{MimeType: m.Inline.MimeType, Data: m.Inline.Data}
	}
	return out
}

// FromStored rebuilds a finalized message from its stored form. Records
// written by other clients may lack ids; those get fresh ones.
func FromStored(sm storage.StoredMessage) Message {
	m := Message{
		ID:        sm.ID,
		Role:      roleFromWire(sm.Role),
		Content:   sm.Content,
		CreatedAt: sm.Timestamp,
		Marker:    sm.AttachmentURL,
	}
	if m.ID == "" {
		m.ID = newMessageID()
	}
	if sm.InlineData != nil {
		m.Inline = &llm.InlineDataBlock{MimeType: sm.InlineData.MimeType, Data: sm.InlineData.Data}
	}
	return m
}

// ToLLM converts the message into a provider turn.
func (m Message) ToLLM() llm.Message {
	if m.Role == RoleAssistant {
		return llm.NewAssistantMessage(m.Content)
	}
	return llm.NewUserMessage(m.Content, m.Inline)
}

func toStored(messages []Message) []storage.StoredMessage {
	out := make([]storage.StoredMessage, len(messages))
	for i, m := range messages {
		out[i] = m.ToStored()
	}
	return out
}

func fromStored(messages []storage.StoredMessage) []Message {
	out := make([]Message, 0, len(messages))
	seen := make(map[string]bool, len(messages))
	for _, sm := range messages {
		m := FromStored(sm)
		if seen[m.ID] {
			m.ID = newMessageID()
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}
