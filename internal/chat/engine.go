package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zentech/yunzhi/internal/attachment"
	"github.com/zentech/yunzhi/internal/llm"
	"github.com/zentech/yunzhi/internal/session"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gemini-3-flash-preview"

	// DefaultSystemPrompt is the Yun-Zhi persona.
	DefaultSystemPrompt = "You are Yun-Zhi, an advanced AI assistant developed by M Fariz Alfauzi at Zent Technology Inc. " +
		"You are helpful, creative, and friendly. " +
		"Your responses should be clear, concise, and formatted nicely using Markdown where appropriate."

	// ErrorReply replaces the assistant reply of a failed turn.
	ErrorReply = "Maaf, terjadi kesalahan saat menghubungi AI. Silakan coba lagi."
)

// TurnState is the state of the engine's turn machine.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnInFlight
)

func (s TurnState) String() string {
	if s == TurnInFlight {
		return "in-flight"
	}
	return "idle"
}

// Config holds the engine settings.
type Config struct {
	SystemPrompt       string
	MaxAttachmentBytes int64
	PreviewDir         string
}

// Engine drives the turns of the active session: it appends the user
// message and a streaming placeholder, fills the placeholder from the
// provider stream and persists the snapshot when the turn completes.
type Engine struct {
	syncer   *session.Synchronizer
	timeline *Timeline
	stager   *attachment.Stager
	now      func() time.Time

	mu           sync.Mutex
	handler      llm.ApiHandler
	systemPrompt string
	state        TurnState
	turnSeq      uint64
	sessionID    string
}

// NewEngine creates an engine with an empty timeline and no session.
func NewEngine(handler llm.ApiHandler, syncer *session.Synchronizer, cfg Config) *Engine {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Engine{
		syncer:       syncer,
		timeline:     NewTimeline(),
		stager:       attachment.NewStager(cfg.MaxAttachmentBytes, cfg.PreviewDir),
		now:          time.Now,
		handler:      handler,
		systemPrompt: cfg.SystemPrompt,
	}
}

// Timeline returns the message timeline of the active session.
func (e *Engine) Timeline() *Timeline { return e.timeline }

// Stager returns the attachment stager of the pending turn.
func (e *Engine) Stager() *attachment.Stager { return e.stager }

// SessionID returns the active session id, empty before the first turn.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// State returns the turn state.
func (e *Engine) State() TurnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Model returns the id of the model answering turns.
func (e *Engine) Model() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler.GetModel().ID
}

// SetHandler swaps the completion provider for subsequent turns.
func (e *Engine) SetHandler(handler llm.ApiHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// SetSystemPrompt swaps the system instruction for subsequent turns.
func (e *Engine) SetSystemPrompt(prompt string) {
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.systemPrompt = prompt
}

// Stage reads a file as the attachment of the next turn.
func (e *Engine) Stage(path string) (attachment.Kind, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stager.Stage(path)
}

// StageAttachment stages an attachment received in memory.
func (e *Engine) StageAttachment(att *attachment.Attachment) (attachment.Kind, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stager.StageAttachment(att)
}

// ClearAttachment drops the staged attachment.
func (e *Engine) ClearAttachment() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stager.Clear()
}

// Turn is a submitted turn whose reply is streaming.
type Turn struct {
	// UserID and ReplyID identify the turn's messages in the timeline.
	UserID  string
	ReplyID string

	done chan struct{}
	err  error
}

// Done is closed when the turn has finished.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Err returns the turn result once Done is closed.
func (t *Turn) Err() error {
	<-t.done
	return t.err
}

// Submit sends a turn and waits for its reply to finish streaming.
func (e *Engine) Submit(ctx context.Context, text string) error {
	turn, err := e.Start(ctx, text)
	if err != nil {
		return err
	}
	return turn.Err()
}

// Start sends a turn made of text and the staged attachment. The reply
// streams in a goroutine owned by the returned Turn. While a turn is in
// flight every other Start fails with ErrTurnInFlight and changes nothing.
func (e *Engine) Start(ctx context.Context, text string) (*Turn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == TurnInFlight {
		return nil, ErrTurnInFlight
	}

	att, _ := e.stager.Current()
	text = strings.TrimSpace(text)
	if text == "" && att == nil {
		return nil, ErrEmptyTurn
	}

	var inline *llm.InlineDataBlock
	var marker string
	if att != nil {
		inline = &llm.InlineDataBlock{MimeType: att.MimeType, Data: att.Base64}
		marker = att.Name
	}

	turn, err := e.startLocked(ctx, text, inline, marker)
	if err != nil {
		return nil, err
	}
	e.stager.Take()
	return turn, nil
}

// Retry resends the text and attachment of the last user message as a new
// turn. Failed turns are never retried without this explicit call.
func (e *Engine) Retry(ctx context.Context) (*Turn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == TurnInFlight {
		return nil, ErrTurnInFlight
	}

	messages := e.timeline.Snapshot()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			m := messages[i]
			text := m.Content
			if m.Untyped {
				text = ""
			}
			return e.startLocked(ctx, text, m.Inline, m.Marker)
		}
	}
	return nil, ErrNothingToRetry
}

func (e *Engine) startLocked(ctx context.Context, typed string, inline *llm.InlineDataBlock, marker string) (*Turn, error) {
	text := typed
	if text == "" {
		text = session.DefaultInstruction
	}

	view := e.timeline.At(e.timeline.Generation())
	prior, err := view.Snapshot()
	if err != nil {
		return nil, err
	}

	now := e.now()
	user := Message{
		ID:        newMessageID(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: now,
		Inline:    inline,
		Marker:    marker,
		Untyped:   typed == "",
	}
	reply := Message{
		ID:        newMessageID(),
		Role:      RoleAssistant,
		CreatedAt: now,
		Streaming: true,
	}

	if err := view.Append(user); err != nil {
		return nil, fmt.Errorf("failed to append user message: %w", err)
	}
	if err := view.Append(reply); err != nil {
		return nil, fmt.Errorf("failed to append reply placeholder: %w", err)
	}

	history := make([]llm.Message, 0, len(prior)+1)
	for _, m := range prior {
		history = append(history, m.ToLLM())
	}
	history = append(history, user.ToLLM())

	e.state = TurnInFlight
	e.turnSeq++

	turn := &Turn{UserID: user.ID, ReplyID: reply.ID, done: make(chan struct{})}
	t := &turnRun{
		engine:       e,
		seq:          e.turnSeq,
		view:         view,
		handler:      e.handler,
		systemPrompt: e.systemPrompt,
		sessionID:    e.sessionID,
		history:      history,
		replyID:      reply.ID,
		typed:        typed,
	}

	go func() {
		defer close(turn.done)
		turn.err = t.run(ctx)
	}()

	return turn, nil
}

// turnRun is the streaming half of a turn.
type turnRun struct {
	engine       *Engine
	seq          uint64
	view         GenerationView
	handler      llm.ApiHandler
	systemPrompt string
	sessionID    string
	history      []llm.Message
	replyID      string
	typed        string
}

func (t *turnRun) run(ctx context.Context) error {
	defer t.engine.endTurn(t.seq)

	text, err := t.stream(ctx)
	if errors.Is(err, ErrStaleGeneration) {
		slog.Debug("dropping reply for a replaced timeline", "reply", t.replyID)
		return nil
	}
	if err != nil {
		slog.Warn("turn failed", "error", err)
		if ferr := t.fail(); errors.Is(ferr, ErrStaleGeneration) {
			return nil
		}
		return &TransportError{Err: err}
	}

	snapshot, err := t.view.Finalize(t.replyID)
	if err != nil {
		if errors.Is(err, ErrStaleGeneration) {
			return nil
		}
		return fmt.Errorf("failed to finalize reply: %w", err)
	}
	slog.Debug("turn completed", "reply", t.replyID, "chars", len(text))

	return t.persist(ctx, snapshot)
}

// stream fills the placeholder fragment by fragment.
func (t *turnRun) stream(ctx context.Context) (string, error) {
	stream, err := t.handler.CreateMessage(ctx, t.systemPrompt, t.history)
	if err != nil {
		return "", err
	}

	var acc strings.Builder
	_, err = llm.NewStreamProcessor(ctx).ProcessStreamWithCallback(stream, func(chunk llm.ApiStreamChunk) error {
		tc, ok := chunk.(llm.ApiStreamTextChunk)
		if !ok || tc.Text == "" {
			return nil
		}
		acc.WriteString(tc.Text)
		return t.view.UpdateContent(t.replyID, acc.String())
	})
	if err != nil {
		go drain(stream)
		return "", err
	}
	return acc.String(), nil
}

// fail drops the partial reply and appends the error reply in its place.
func (t *turnRun) fail() error {
	if err := t.view.Discard(t.replyID); err != nil {
		return err
	}
	return t.view.Append(t.engine.errorMessage())
}

// persist stores the snapshot taken at finalization: the first turn creates
// the session, later turns overwrite it. A switch after finalization does not
// stop the write.
func (t *turnRun) persist(ctx context.Context, snapshot []Message) error {
	stored := toStored(snapshot)

	if t.sessionID == "" {
		id, err := t.engine.syncer.CreateSession(ctx, stored, session.WithTitleFrom(t.typed))
		if err != nil {
			return t.persistFailed(err)
		}
		t.engine.adoptSession(t.view, id)
		return nil
	}

	if err := t.engine.syncer.AppendTurn(ctx, t.sessionID, stored); err != nil {
		return t.persistFailed(err)
	}
	return nil
}

func (t *turnRun) persistFailed(err error) error {
	slog.Error("failed to persist session", "session", t.sessionID, "error", err)
	if aerr := t.view.Append(t.engine.errorMessage()); aerr != nil && !errors.Is(aerr, ErrStaleGeneration) {
		slog.Debug("failed to append error reply", "error", aerr)
	}
	return fmt.Errorf("failed to persist turn: %w", err)
}

func (e *Engine) errorMessage() Message {
	return Message{
		ID:        newMessageID(),
		Role:      RoleAssistant,
		Content:   ErrorReply,
		CreatedAt: e.now(),
	}
}

// adoptSession records the id of a session created by a turn, unless the
// timeline moved on in the meantime.
func (e *Engine) adoptSession(view GenerationView, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if view.Current() && e.sessionID == "" {
		e.sessionID = id
	}
}

func (e *Engine) endTurn(seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.turnSeq == seq {
		e.state = TurnIdle
	}
}

func drain(stream llm.ApiStream) {
	for range stream {
	}
}

// NewChat resets the engine to an empty, unsaved conversation.
func (e *Engine) NewChat() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.switchLocked("", nil)
}

// LoadSession replaces the timeline with a stored session.
func (e *Engine) LoadSession(ctx context.Context, id string) error {
	stored, err := e.syncer.LoadSession(ctx, id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.switchLocked(id, fromStored(stored))
	return nil
}

// DeleteSession removes a stored session; deleting the active one resets
// the engine to a new chat.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	if err := e.syncer.DeleteSession(ctx, id); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID == id {
		e.switchLocked("", nil)
	}
	return nil
}

// SetPublic toggles sharing of a stored session.
func (e *Engine) SetPublic(ctx context.Context, id string, public bool) error {
	return e.syncer.SetPublic(ctx, id, public)
}

// switchLocked replaces the timeline, which invalidates any streaming
// turn, and clears the staged attachment and the in-flight marker.
func (e *Engine) switchLocked(id string, messages []Message) {
	e.timeline.Replace(messages)
	e.sessionID = id
	e.stager.Clear()
	e.state = TurnIdle
	e.turnSeq++
}

// LastReply returns the last finalized assistant message.
func (e *Engine) LastReply() (Message, bool) {
	messages := e.timeline.Snapshot()
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == RoleAssistant && !m.Streaming {
			return m, true
		}
	}
	return Message{}, false
}

// Close releases the staged attachment and ends timeline subscriptions.
func (e *Engine) Close() {
	e.stager.Clear()
	e.timeline.Close()
}
