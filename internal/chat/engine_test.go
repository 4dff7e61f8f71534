package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zentech/yunzhi/internal/llm"
	"github.com/zentech/yunzhi/internal/session"
	"github.com/zentech/yunzhi/internal/storage"
)

// fakeHandler replays scripted chunks. When gate is set, the stream waits
// for it to close before sending the final chunk.
type fakeHandler struct {
	mu       sync.Mutex
	chunks   []llm.ApiStreamChunk
	openErr  error
	gate     chan struct{}
	requests [][]llm.Message
	prompts  []string
}

func (f *fakeHandler) CreateMessage(ctx context.Context, systemPrompt string, messages []llm.Message) (llm.ApiStream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, messages)
	f.prompts = append(f.prompts, systemPrompt)
	chunks, gate, openErr := f.chunks, f.gate, f.openErr
	f.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}

	ch := make(chan llm.ApiStreamChunk)
	go func() {
		defer close(ch)
		for i, c := range chunks {
			if gate != nil && i == len(chunks)-1 {
				select {
				case <-gate:
				case <-ctx.Done():
					return
				}
			}
			if !llm.Emit(ctx, ch, c) {
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeHandler) GetModel() llm.ModelResponse { return llm.ModelResponse{ID: DefaultModel} }

func (f *fakeHandler) lastRequest() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func text(s string) llm.ApiStreamChunk { return llm.ApiStreamTextChunk{Text: s} }

func done() llm.ApiStreamChunk { return llm.ApiStreamUsageChunk{InputTokens: 1, OutputTokens: 1} }

type failingStore struct {
	storage.ChatStore
	failCreate bool
}

func (f *failingStore) Create(ctx context.Context, rec *storage.ChatRecord) (string, error) {
	if f.failCreate {
		return "", errors.New("unavailable")
	}
	return f.ChatStore.Create(ctx, rec)
}

// gatedStore holds Create until release is closed.
type gatedStore struct {
	storage.ChatStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Create(ctx context.Context, rec *storage.ChatRecord) (string, error) {
	close(g.entered)
	<-g.release
	return g.ChatStore.Create(ctx, rec)
}

func newTestEngine(t *testing.T, handler llm.ApiHandler) (*Engine, storage.ChatStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return newEngineWithStore(t, handler, store), store
}

func newEngineWithStore(t *testing.T, handler llm.ApiHandler, store storage.ChatStore) *Engine {
	t.Helper()
	e := NewEngine(handler, session.NewSynchronizer(store), Config{PreviewDir: t.TempDir()})
	t.Cleanup(e.Close)
	return e
}

func TestSubmitHello(t *testing.T) {
	handler := &fakeHandler{chunks: []llm.ApiStreamChunk{text("Hi"), text(" there!"), done()}}
	e, store := newTestEngine(t, handler)
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, "Hello"))

	messages := e.Timeline().Snapshot()
	require.Len(t, messages, 2)
	assert.Equal(t, RoleUser, messages[0].Role)
	assert.Equal(t, "Hello", messages[0].Content)
	assert.Equal(t, RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hi there!", messages[1].Content)
	assert.False(t, messages[1].Streaming)
	assert.Equal(t, TurnIdle, e.State())

	require.NotEmpty(t, e.SessionID())
	rec, err := store.Get(ctx, e.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "Hello", rec.Title)
	assert.Len(t, rec.Messages, len(messages))
	assert.Equal(t, "model", rec.Messages[1].Role)

	req := handler.lastRequest()
	require.Len(t, req, 1)
	assert.Equal(t, "Hello", req[0].Text())
	assert.Equal(t, DefaultSystemPrompt, handler.prompts[0])
}

func TestSubmitSendsHistoryAndAdvancesUpdatedAt(t *testing.T) {
	handler := &fakeHandler{chunks: []llm.ApiStreamChunk{text("ok"), done()}}
	e, store := newTestEngine(t, handler)
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, "one"))
	first, err := store.Get(ctx, e.SessionID())
	require.NoError(t, err)

	require.NoError(t, e.Submit(ctx, "two"))
	second, err := store.Get(ctx, e.SessionID())
	require.NoError(t, err)

	assert.Len(t, second.Messages, e.Timeline().Len())
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, "one", second.Title)

	req := handler.lastRequest()
	require.Len(t, req, 3)
	assert.Equal(t, llm.RoleUser, req[0].Role)
	assert.Equal(t, llm.RoleAssistant, req[1].Role)
	assert.Equal(t, "two", req[2].Text())
}

func TestFragmentsConcatenateInOrder(t *testing.T) {
	fragments := []string{"a", "bc", "", "d", "efg", " ", "h"}
	chunks := make([]llm.ApiStreamChunk, 0, len(fragments)+1)
	for _, f := range fragments {
		chunks = append(chunks, text(f))
	}
	chunks = append(chunks, done())

	e, _ := newTestEngine(t, &fakeHandler{chunks: chunks})
	require.NoError(t, e.Submit(context.Background(), "go"))

	reply, ok := e.LastReply()
	require.True(t, ok)
	assert.Equal(t, strings.Join(fragments, ""), reply.Content)
}

func TestSubmitAttachmentOnly(t *testing.T) {
	handler := &fakeHandler{chunks: []llm.ApiStreamChunk{text("A cat."), done()}}
	e, store := newTestEngine(t, handler)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0644))
	_, err := e.Stage(path)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Stager().Live())

	require.NoError(t, e.Submit(ctx, "   "))
	assert.Equal(t, 0, e.Stager().Live(), "preview released on send")

	user := e.Timeline().Snapshot()[0]
	assert.Equal(t, session.DefaultInstruction, user.Content)
	require.NotNil(t, user.Inline)
	assert.True(t, strings.HasPrefix(user.Inline.MimeType, "image/"))
	assert.Equal(t, "cat.png", user.Marker)

	req := handler.lastRequest()
	require.Len(t, req[0].Content, 2)
	assert.Equal(t, "inline_data", req[0].Content[0].Type())
	assert.Equal(t, "text", req[0].Content[1].Type())

	rec, err := store.Get(ctx, e.SessionID())
	require.NoError(t, err)
	assert.Equal(t, session.FallbackTitle, rec.Title)
}

func TestTypedDefaultInstructionKeepsTitle(t *testing.T) {
	e, store := newTestEngine(t, &fakeHandler{chunks: []llm.ApiStreamChunk{text("A cat."), done()}})
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0644))
	_, err := e.Stage(path)
	require.NoError(t, err)

	require.NoError(t, e.Submit(ctx, session.DefaultInstruction))

	rec, err := store.Get(ctx, e.SessionID())
	require.NoError(t, err)
	assert.Equal(t, session.DefaultInstruction, rec.Title)
}

func TestRetryAttachmentOnlyKeepsFallbackTitle(t *testing.T) {
	handler := &fakeHandler{openErr: errors.New("unreachable")}
	e, store := newTestEngine(t, handler)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0644))
	_, err := e.Stage(path)
	require.NoError(t, err)

	var terr *TransportError
	require.ErrorAs(t, e.Submit(ctx, ""), &terr)

	handler.mu.Lock()
	handler.openErr = nil
	handler.chunks = []llm.ApiStreamChunk{text("A cat."), done()}
	handler.mu.Unlock()

	turn, err := e.Retry(ctx)
	require.NoError(t, err)
	require.NoError(t, turn.Err())

	rec, err := store.Get(ctx, e.SessionID())
	require.NoError(t, err)
	assert.Equal(t, session.FallbackTitle, rec.Title)
}

// pngHeader is enough for mime sniffing; the preview falls back to raw bytes.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestSubmitEmpty(t *testing.T) {
	e, _ := newTestEngine(t, &fakeHandler{})
	assert.ErrorIs(t, e.Submit(context.Background(), "  "), ErrEmptyTurn)
	assert.Equal(t, 0, e.Timeline().Len())
}

func TestStreamErrorAfterPartialFragments(t *testing.T) {
	handler := &fakeHandler{chunks: []llm.ApiStreamChunk{
		text("Par"), text("tial"), llm.ApiStreamErrorChunk{Err: errors.New("connection reset")},
	}}
	e, store := newTestEngine(t, handler)
	ctx := context.Background()

	err := e.Submit(ctx, "Hello")
	var te *TransportError
	require.ErrorAs(t, err, &te)

	messages := e.Timeline().Snapshot()
	require.Len(t, messages, 2)
	assert.Equal(t, RoleAssistant, messages[1].Role)
	assert.Equal(t, ErrorReply, messages[1].Content)
	for _, m := range messages {
		assert.NotContains(t, m.Content, "Partial")
	}
	assert.Equal(t, TurnIdle, e.State())
	assert.Empty(t, e.SessionID(), "failed first turn creates no session")

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	handler.mu.Lock()
	calls := len(handler.requests)
	handler.mu.Unlock()
	assert.Equal(t, 1, calls, "no automatic retry")
}

func TestOpenErrorAndIncompleteStream(t *testing.T) {
	t.Run("open error", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeHandler{openErr: errors.New("dial tcp: refused")})
		var te *TransportError
		require.ErrorAs(t, e.Submit(context.Background(), "Hello"), &te)
		assert.Equal(t, ErrorReply, e.Timeline().Snapshot()[1].Content)
	})

	t.Run("stream closed without completion", func(t *testing.T) {
		e, _ := newTestEngine(t, &fakeHandler{chunks: []llm.ApiStreamChunk{text("cut")}})
		err := e.Submit(context.Background(), "Hello")
		require.ErrorIs(t, err, llm.ErrStreamIncomplete)
		messages := e.Timeline().Snapshot()
		require.Len(t, messages, 2)
		assert.Equal(t, ErrorReply, messages[1].Content)
	})
}

func TestSubmitWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	handler := &fakeHandler{chunks: []llm.ApiStreamChunk{text("slow"), done()}, gate: gate}
	e, _ := newTestEngine(t, handler)
	ctx := context.Background()

	turn, err := e.Start(ctx, "first")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m, ok := e.Timeline().Streaming()
		return ok && m.Content == "slow"
	}, time.Second, time.Millisecond)

	before := e.Timeline().Len()
	assert.ErrorIs(t, e.Submit(ctx, "second"), ErrTurnInFlight)
	_, err = e.Retry(ctx)
	assert.ErrorIs(t, err, ErrTurnInFlight)
	assert.Equal(t, before, e.Timeline().Len())
	assert.Equal(t, TurnInFlight, e.State())

	close(gate)
	require.NoError(t, turn.Err())
	assert.Equal(t, TurnIdle, e.State())
}

func TestSessionSwitchDropsStaleStream(t *testing.T) {
	gate := make(chan struct{})
	handler := &fakeHandler{chunks: []llm.ApiStreamChunk{text("old"), text(" reply"), done()}, gate: gate}
	e, store := newTestEngine(t, handler)
	ctx := context.Background()

	existing, err := store.Create(ctx, &storage.ChatRecord{
		Title: "Other", UpdatedAt: time.Now(),
		Messages: []storage.StoredMessage{{ID: "m1", Role: "user", Content: "saved"}},
	})
	require.NoError(t, err)

	turn, err := e.Start(ctx, "question")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m, ok := e.Timeline().Streaming()
		return ok && m.Content != ""
	}, time.Second, time.Millisecond)

	require.NoError(t, e.LoadSession(ctx, existing))
	assert.Equal(t, TurnIdle, e.State(), "switch clears the in-flight marker")

	close(gate)
	require.NoError(t, turn.Err())

	messages := e.Timeline().Snapshot()
	require.Len(t, messages, 1)
	assert.Equal(t, "saved", messages[0].Content)
	assert.Equal(t, existing, e.SessionID())

	rec, err := store.Get(ctx, existing)
	require.NoError(t, err)
	assert.Len(t, rec.Messages, 1, "nothing persisted into the loaded session")
}

func TestSwitchAfterFinalizeStillPersists(t *testing.T) {
	mem := storage.NewMemoryStore()
	t.Cleanup(func() { mem.Close() })
	store := &gatedStore{ChatStore: mem, entered: make(chan struct{}), release: make(chan struct{})}
	e := newEngineWithStore(t, &fakeHandler{chunks: []llm.ApiStreamChunk{text("Hi"), done()}}, store)
	ctx := context.Background()

	turn, err := e.Start(ctx, "Hello")
	require.NoError(t, err)

	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("turn never reached the store")
	}
	e.NewChat()
	close(store.release)
	require.NoError(t, turn.Err())

	assert.Equal(t, 0, e.Timeline().Len())
	assert.Empty(t, e.SessionID(), "the new chat does not adopt the old session")

	list, err := mem.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	rec, err := mem.Get(ctx, list[0].ID)
	require.NoError(t, err)
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, "Hi", rec.Messages[1].Content)
}

func TestDeleteActiveSession(t *testing.T) {
	e, store := newTestEngine(t, &fakeHandler{chunks: []llm.ApiStreamChunk{text("ok"), done()}})
	ctx := context.Background()

	require.NoError(t, e.Submit(ctx, "Hello"))
	id := e.SessionID()
	require.NotEmpty(t, id)

	require.NoError(t, e.DeleteSession(ctx, id))
	assert.Equal(t, 0, e.Timeline().Len())
	assert.Empty(t, e.SessionID())

	_, err := store.Get(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteOtherSessionKeepsTimeline(t *testing.T) {
	e, store := newTestEngine(t, &fakeHandler{chunks: []llm.ApiStreamChunk{text("ok"), done()}})
	ctx := context.Background()

	other, err := store.Create(ctx, &storage.ChatRecord{Title: "Other"})
	require.NoError(t, err)
	require.NoError(t, e.Submit(ctx, "Hello"))

	require.NoError(t, e.DeleteSession(ctx, other))
	assert.Equal(t, 2, e.Timeline().Len())
	assert.NotEmpty(t, e.SessionID())
}

func TestPersistFailure(t *testing.T) {
	store := &failingStore{ChatStore: storage.NewMemoryStore(), failCreate: true}
	e := newEngineWithStore(t, &fakeHandler{chunks: []llm.ApiStreamChunk{text("Hi"), done()}}, store)

	err := e.Submit(context.Background(), "Hello")
	var swe *session.StoreWriteError
	require.ErrorAs(t, err, &swe)

	messages := e.Timeline().Snapshot()
	require.Len(t, messages, 3)
	assert.Equal(t, "Hi", messages[1].Content, "the reply stays visible")
	assert.Equal(t, ErrorReply, messages[2].Content)
	assert.Equal(t, TurnIdle, e.State())
}

func TestRetry(t *testing.T) {
	handler := &fakeHandler{openErr: errors.New("offline")}
	e, _ := newTestEngine(t, handler)
	ctx := context.Background()

	_, err := e.Retry(ctx)
	assert.ErrorIs(t, err, ErrNothingToRetry)

	require.Error(t, e.Submit(ctx, "Hello"))

	handler.mu.Lock()
	handler.openErr = nil
	handler.chunks = []llm.ApiStreamChunk{text("Hi"), done()}
	handler.mu.Unlock()

	turn, err := e.Retry(ctx)
	require.NoError(t, err)
	require.NoError(t, turn.Err())

	messages := e.Timeline().Snapshot()
	require.Len(t, messages, 4)
	assert.Equal(t, "Hello", messages[2].Content)
	assert.Equal(t, "Hi", messages[3].Content)
}

func TestNewChatClearsState(t *testing.T) {
	e, _ := newTestEngine(t, &fakeHandler{chunks: []llm.ApiStreamChunk{text("ok"), done()}})
	ctx := context.Background()
	require.NoError(t, e.Submit(ctx, "Hello"))

	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n"), 0644))
	_, err := e.Stage(path)
	require.NoError(t, err)

	gen := e.Timeline().Generation()
	e.NewChat()
	assert.Equal(t, 0, e.Timeline().Len())
	assert.Empty(t, e.SessionID())
	assert.Equal(t, 0, e.Stager().Live())
	assert.Greater(t, e.Timeline().Generation(), gen)
}

func TestMessageConversion(t *testing.T) {
	m := Message{ID: "1", Role: RoleAssistant, Content: "hi", Marker: "a.png",
		Inline: &llm.InlineDataBlock{MimeType: "image/png", Data: "AAAA"}}

	stored := m.ToStored()
	assert.Equal(t, "model", stored.Role)
	assert.Equal(t, "a.png", stored.AttachmentURL)

	back := FromStored(stored)
	assert.Equal(t, RoleAssistant, back.Role)
	assert.Equal(t, m.Inline, back.Inline)

	loaded := fromStored([]storage.StoredMessage{{Role: "user"}, {ID: "x", Role: "model"}, {ID: "x", Role: "model"}})
	require.Len(t, loaded, 3)
	assert.NotEmpty(t, loaded[0].ID)
	assert.NotEqual(t, loaded[1].ID, loaded[2].ID)
}
