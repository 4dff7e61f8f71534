package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func feed(chunks ...ApiStreamChunk) ApiStream {
	ch := make(chan ApiStreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func TestStreamProcessor(t *testing.T) {
	t.Run("concatenates fragments in order", func(t *testing.T) {
		var seen []string
		collector, err := NewStreamProcessor(context.Background()).ProcessStreamWithCallback(
			feed(ApiStreamTextChunk{Text: "Hi"}, ApiStreamTextChunk{Text: " there!"}, ApiStreamUsageChunk{OutputTokens: 2}),
			func(chunk ApiStreamChunk) error {
				if tc, ok := chunk.(ApiStreamTextChunk); ok {
					seen = append(seen, tc.Text)
				}
				return nil
			},
		)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := collector.GetFullText(); got != "Hi there!" {
			t.Errorf("expected %q, got %q", "Hi there!", got)
		}
		if len(seen) != 2 {
			t.Errorf("callback must see every fragment, saw %v", seen)
		}
		if !collector.Completed() {
			t.Error("stream with usage chunk should be complete")
		}
	})

	t.Run("error chunk stops processing", func(t *testing.T) {
		cause := errors.New("boom")
		collector, err := NewStreamProcessor(context.Background()).ProcessStream(
			feed(ApiStreamTextChunk{Text: "Par"}, ApiStreamTextChunk{Text: "tial"}, ApiStreamErrorChunk{Err: cause}),
		)
		if !errors.Is(err, cause) {
			t.Fatalf("expected wrapped cause, got %v", err)
		}
		if collector.Completed() {
			t.Error("errored stream must not be complete")
		}
	})

	t.Run("closed without usage is incomplete", func(t *testing.T) {
		_, err := NewStreamProcessor(context.Background()).ProcessStream(feed(ApiStreamTextChunk{Text: "a"}))
		if !errors.Is(err, ErrStreamIncomplete) {
			t.Errorf("expected ErrStreamIncomplete, got %v", err)
		}
	})

	t.Run("callback error propagates", func(t *testing.T) {
		stop := errors.New("stop")
		_, err := NewStreamProcessor(context.Background()).ProcessStreamWithCallback(
			feed(ApiStreamTextChunk{Text: "a"}, ApiStreamUsageChunk{}),
			func(ApiStreamChunk) error { return stop },
		)
		if !errors.Is(err, stop) {
			t.Errorf("expected callback error, got %v", err)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewStreamProcessor(ctx).ProcessStream(make(chan ApiStreamChunk))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestEmit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan ApiStreamChunk)

	done := make(chan bool)
	go func() { done <- Emit(ctx, ch, ApiStreamTextChunk{Text: "x"}) }()

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("Emit should report false after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("Emit blocked after cancellation")
	}
}

func TestMessageHelpers(t *testing.T) {
	inline := &InlineDataBlock{MimeType: "image/png", Data: "AAAA"}
	msg := NewUserMessage("look", inline)

	if len(msg.Content) != 2 || msg.Content[0].Type() != "inline_data" {
		t.Fatalf("inline data must precede text: %+v", msg.Content)
	}
	if msg.Text() != "look" {
		t.Errorf("unexpected text %q", msg.Text())
	}
	got, ok := msg.Inline()
	if !ok || !got.IsImage() || got.DataURL() != "data:image/png;base64,AAAA" {
		t.Errorf("unexpected inline block %+v", got)
	}

	doc := InlineDataBlock{MimeType: "application/pdf"}
	if doc.IsImage() {
		t.Error("pdf is not an image")
	}
}
