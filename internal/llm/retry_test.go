package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingHandler struct {
	failures int
	err      error
	calls    int
}

func (h *countingHandler) CreateMessage(ctx context.Context, systemPrompt string, messages []Message) (ApiStream, error) {
	h.calls++
	if h.calls <= h.failures {
		return nil, h.err
	}
	ch := make(chan ApiStreamChunk)
	close(ch)
	return ch, nil
}

func (h *countingHandler) GetModel() ModelResponse { return ModelResponse{ID: "test"} }

func fastRetry() RetryOptions {
	return RetryOptions{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryHandler(t *testing.T) {
	t.Run("retries rate limits", func(t *testing.T) {
		inner := &countingHandler{failures: 2, err: NewRetryableError(errors.New("too many requests"), 429, nil)}
		handler := NewRetryHandler(fastRetry()).WrapHandler(inner)

		if _, err := handler.CreateMessage(context.Background(), "", nil); err != nil {
			t.Fatalf("expected success after retries, got %v", err)
		}
		if inner.calls != 3 {
			t.Errorf("expected 3 calls, got %d", inner.calls)
		}
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		inner := &countingHandler{failures: 5, err: NewRetryableError(errors.New("bad request"), 400, nil)}
		handler := NewRetryHandler(fastRetry()).WrapHandler(inner)

		if _, err := handler.CreateMessage(context.Background(), "", nil); err == nil {
			t.Fatal("expected error")
		}
		if inner.calls != 1 {
			t.Errorf("expected a single call, got %d", inner.calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		inner := &countingHandler{failures: 10, err: NewRetryableError(errors.New("unavailable"), 503, nil)}
		handler := NewRetryHandler(fastRetry()).WrapHandler(inner)

		if _, err := handler.CreateMessage(context.Background(), "", nil); err == nil {
			t.Fatal("expected error")
		}
		if inner.calls != 3 {
			t.Errorf("expected 3 calls, got %d", inner.calls)
		}
	})
}

func TestCalculateDelay(t *testing.T) {
	opts := RetryOptions{BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	if d := calculateDelay(errors.New("x"), 0, opts); d != time.Second {
		t.Errorf("attempt 0: expected 1s, got %v", d)
	}
	if d := calculateDelay(errors.New("x"), 2, opts); d != 4*time.Second {
		t.Errorf("attempt 2: expected 4s, got %v", d)
	}
	if d := calculateDelay(errors.New("x"), 10, opts); d != opts.MaxDelay {
		t.Errorf("delay must be capped, got %v", d)
	}

	withHeader := NewRetryableError(errors.New("slow down"), 429, map[string]string{"retry-after": "3"})
	if d := calculateDelay(withHeader, 0, opts); d != 3*time.Second {
		t.Errorf("retry-after should win, got %v", d)
	}
}

func TestIsRateLimitError(t *testing.T) {
	if !IsRateLimitError(errors.New("RESOURCE_EXHAUSTED: quota")) {
		t.Error("resource exhausted is a rate limit")
	}
	if IsRateLimitError(errors.New("invalid argument")) {
		t.Error("invalid argument is not a rate limit")
	}
}
