package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zentech/yunzhi/internal/attachment"
	"github.com/zentech/yunzhi/internal/chat"
	"github.com/zentech/yunzhi/internal/events"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	SessionID  string          `json:"sessionId,omitempty"`
	Text       string          `json:"text"`
	Attachment *ChatAttachment `json:"attachment,omitempty"`
}

// ChatAttachment carries a base64 file with the turn.
type ChatAttachment struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data"`
}

// FragmentEvent is sent for every streamed piece of the reply.
type FragmentEvent struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
	Content   string `json:"content"`
}

// DoneEvent ends a successful stream.
type DoneEvent struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// ErrorEvent ends a failed stream. Reply is the message shown in place of
// the answer.
type ErrorEvent struct {
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
	Reply     string `json:"reply"`
}

// handleChat submits a turn and streams the reply as Server-Sent Events:
// "fragment" per piece, then one "done" or "error".
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("SSE chat handler panic recovered", "panic", r)
		}
	}()

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	engine, err := s.engines.acquire(r.Context(), req.SessionID)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	if req.Attachment != nil {
		if code, err := s.stage(engine, req.Attachment); err != nil {
			s.register(engine)
			s.writeError(w, err.Error(), code)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		engine.ClearAttachment()
		s.register(engine)
		s.writeError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	subCtx, cancelSub := context.WithCancel(r.Context())
	defer cancelSub()
	updates := engine.Timeline().Subscribe(subCtx, events.FilterByType(events.TimelineUpdated))

	// The turn outlives the request so a disconnecting client still gets
	// its reply persisted.
	turn, err := engine.Start(context.WithoutCancel(r.Context()), req.Text)
	if err != nil {
		if req.Attachment != nil {
			engine.ClearAttachment()
		}
		s.register(engine)
		switch {
		case errors.Is(err, chat.ErrTurnInFlight):
			s.writeError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, chat.ErrEmptyTurn):
			s.writeError(w, err.Error(), http.StatusBadRequest)
		default:
			s.writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sent := ""
	sendFragment := func(ev events.Event[chat.TimelineChange]) error {
		m := ev.Payload.Message
		if m.ID != turn.ReplyID || !strings.HasPrefix(m.Content, sent) || len(m.Content) == len(sent) {
			return nil
		}
		frag := FragmentEvent{MessageID: m.ID, Delta: m.Content[len(sent):], Content: m.Content}
		sent = m.Content
		return s.writeSSEEvent(w, flusher, "fragment", frag)
	}

	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if err := sendFragment(ev); err != nil {
				slog.Debug("failed to write SSE fragment", "error", err)
				return
			}

		case <-turn.Done():
			for drained := false; !drained && updates != nil; {
				select {
				case ev, ok := <-updates:
					if !ok {
						drained = true
						break
					}
					if err := sendFragment(ev); err != nil {
						return
					}
				default:
					drained = true
				}
			}
			s.finishTurn(w, flusher, engine, turn)
			return

		case <-r.Context().Done():
			go s.registerWhenDone(engine, turn)
			return
		}
	}
}

func (s *Server) stage(engine *chat.Engine, in *ChatAttachment) (int, error) {
	data, err := base64.StdEncoding.DecodeString(in.Data)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("%w: invalid base64", attachment.ErrAttachmentRead)
	}
	if int64(len(data)) > s.config.Attachments.MaxBytes {
		return http.StatusRequestEntityTooLarge, fmt.Errorf("%w: %d bytes exceeds %d", attachment.ErrTooLarge, len(data), s.config.Attachments.MaxBytes)
	}

	enc := attachment.EncodeNamed(in.Name, data)
	if in.MimeType != "" && enc.MimeType == "application/octet-stream" {
		enc.MimeType = in.MimeType
	}
	name := in.Name
	if name == "" {
		name = "attachment"
	}
	if _, err := engine.StageAttachment(&attachment.Attachment{Name: name, Size: int64(len(data)), Encoded: enc}); err != nil {
		return http.StatusInternalServerError, err
	}
	return 0, nil
}

func (s *Server) finishTurn(w http.ResponseWriter, flusher http.Flusher, engine *chat.Engine, turn *chat.Turn) {
	s.register(engine)

	if err := turn.Err(); err != nil {
		slog.Warn("chat turn failed", "session", engine.SessionID(), "error", err)
		s.writeSSEEvent(w, flusher, "error", ErrorEvent{
			SessionID: engine.SessionID(),
			Error:     err.Error(),
			Reply:     chat.ErrorReply,
		})
		return
	}

	reply, _ := engine.Timeline().Get(turn.ReplyID)
	s.writeSSEEvent(w, flusher, "done", DoneEvent{
		SessionID: engine.SessionID(),
		MessageID: turn.ReplyID,
		Content:   reply.Content,
	})
}

func (s *Server) registerWhenDone(engine *chat.Engine, turn *chat.Turn) {
	<-turn.Done()
	s.register(engine)
}

// register caches an engine whose first turn created its session. Any
// other engine is released.
func (s *Server) register(engine *chat.Engine) {
	if !s.engines.register(engine) {
		s.engines.release(engine)
	}
}

// writeSSEEvent writes one named event and flushes it.
func (s *Server) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
