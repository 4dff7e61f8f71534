package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zentech/yunzhi/internal/chat"
	"github.com/zentech/yunzhi/internal/llm"
	"github.com/zentech/yunzhi/internal/session"
	"github.com/zentech/yunzhi/internal/storage"
	"github.com/zentech/yunzhi/internal/tui"
)

type echoHandler struct {
	fail bool
}

func (h *echoHandler) CreateMessage(ctx context.Context, systemPrompt string, messages []llm.Message) (llm.ApiStream, error) {
	if h.fail {
		return nil, errors.New("unavailable")
	}
	last := messages[len(messages)-1]
	var text string
	for _, b := range last.Content {
		if tb, ok := b.(llm.TextBlock); ok {
			text = tb.Text
		}
	}

	ch := make(chan llm.ApiStreamChunk)
	go func() {
		defer close(ch)
		for _, part := range []string{"echo: ", text} {
			if !llm.Emit(ctx, ch, llm.ApiStreamTextChunk{Text: part}) {
				return
			}
		}
		llm.Emit(ctx, ch, llm.ApiStreamUsageChunk{})
	}()
	return ch, nil
}

func (h *echoHandler) GetModel() llm.ModelResponse {
	return llm.ModelResponse{ID: "echo-model"}
}

func newTestEngine(t *testing.T, handler llm.ApiHandler) (*chat.Engine, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	engine := chat.NewEngine(handler, session.NewSynchronizer(store), chat.Config{PreviewDir: t.TempDir()})
	t.Cleanup(func() {
		engine.Close()
		store.Close()
	})
	return engine, store
}

func TestConsoleLoop(t *testing.T) {
	engine, store := newTestEngine(t, &echoHandler{})

	in := strings.NewReader("halo\n\n/copy\n/share\n/unknown\n/quit\nnot read\n")
	var out bytes.Buffer
	require.NoError(t, newConsole(engine, in, &out).loop(context.Background()))

	text := out.String()
	assert.Contains(t, text, "Model: echo-model")
	assert.Contains(t, text, "echo: halo\n")
	assert.Contains(t, text, "OK")
	assert.Contains(t, text, "Unknown command: /unknown")
	assert.Contains(t, text, "Sampai jumpa!")
	assert.NotContains(t, text, "not read")

	list, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsPublic)
	assert.Equal(t, "halo", list[0].Title)
}

func TestConsoleFailedTurn(t *testing.T) {
	handler := &echoHandler{fail: true}
	engine, _ := newTestEngine(t, handler)

	var out bytes.Buffer
	c := newConsole(engine, nil, &out)

	err := c.send(context.Background(), "halo")
	var terr *chat.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, out.String(), chat.ErrorReply)

	handler.fail = false
	out.Reset()
	assert.False(t, c.handleCommand(context.Background(), parse(t, "/retry")))
	assert.Contains(t, out.String(), "echo: halo")
}

func TestConsoleCommandsWithoutSession(t *testing.T) {
	engine, _ := newTestEngine(t, &echoHandler{})

	var out bytes.Buffer
	c := newConsole(engine, nil, &out)
	ctx := context.Background()

	c.handleCommand(ctx, parse(t, "/delete"))
	assert.Contains(t, out.String(), "belum disimpan")

	out.Reset()
	c.handleCommand(ctx, parse(t, "/copy"))
	assert.Contains(t, out.String(), "belum ada balasan")

	out.Reset()
	c.handleCommand(ctx, parse(t, "/speak"))
	assert.Contains(t, out.String(), "speech is not configured")

	out.Reset()
	c.handleCommand(ctx, parse(t, "/attach /does/not/exist.png"))
	assert.Contains(t, out.String(), "❌")
}

func parse(t *testing.T, input string) tui.Command {
	t.Helper()
	cmd, ok := tui.ParseCommand(input)
	require.True(t, ok)
	return cmd
}
