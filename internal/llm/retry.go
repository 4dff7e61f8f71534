package llm

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryableError represents an error that can be retried
type RetryableError struct {
	Err        error
	StatusCode int
	Headers    map[string]string
	Retryable  bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error, statusCode int, headers map[string]string) *RetryableError {
	retryable := statusCode == http.StatusTooManyRequests ||
		statusCode >= 500 ||
		statusCode == http.StatusRequestTimeout

	return &RetryableError{
		Err:        err,
		StatusCode: statusCode,
		Headers:    headers,
		Retryable:  retryable,
	}
}

// IsRetryableError checks if an error is retryable
func IsRetryableError(err error) bool {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr.Retryable
	}
	return false
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) && retryErr.StatusCode == http.StatusTooManyRequests {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	for _, pattern := range []string{"rate limit", "too many requests", "quota exceeded", "resource_exhausted", "throttled"} {
		if strings.Contains(errMsg, pattern) {
			return true
		}
	}

	return false
}

// WithRetry wraps a stream opener with retry logic. Only the opening call is
// retried; once a stream is returned its failures belong to the consumer.
func WithRetry(options RetryOptions) func(func(context.Context) (ApiStream, error)) func(context.Context) (ApiStream, error) {
	return func(fn func(context.Context) (ApiStream, error)) func(context.Context) (ApiStream, error) {
		return func(ctx context.Context) (ApiStream, error) {
			var lastErr error

			for attempt := 0; attempt < options.MaxRetries; attempt++ {
				stream, err := fn(ctx)
				if err == nil {
					return stream, nil
				}

				lastErr = err
				if !options.RetryAllErrors && !IsRateLimitError(err) && !IsRetryableError(err) {
					return nil, err
				}
				if attempt == options.MaxRetries-1 {
					return nil, err
				}

				delay := calculateDelay(err, attempt, options)
				slog.Debug("retrying stream open", "attempt", attempt+1, "delay", delay, "error", err)

				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
			}

			return nil, lastErr
		}
	}
}

// calculateDelay honours a retry-after header and otherwise backs off
// exponentially, capped at MaxDelay.
func calculateDelay(err error, attempt int, options RetryOptions) time.Duration {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) && retryErr.Headers != nil {
		if retryAfter, ok := retryErr.Headers["retry-after"]; ok {
			if delay := parseRetryAfter(retryAfter); delay > 0 {
				return min(delay, options.MaxDelay)
			}
		}
	}

	delay := time.Duration(float64(options.BaseDelay) * math.Pow(2, float64(attempt)))
	return min(delay, options.MaxDelay)
}

// parseRetryAfter parses the Retry-After header
func parseRetryAfter(retryAfter string) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}

	return 0
}

// RetryHandler provides a convenient way to add retry logic to handlers
type RetryHandler struct {
	options RetryOptions
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(options RetryOptions) *RetryHandler {
	return &RetryHandler{options: options}
}

// WrapHandler wraps an API handler with retry logic
func (rh *RetryHandler) WrapHandler(handler ApiHandler) ApiHandler {
	return &retryableHandler{
		handler: handler,
		options: rh.options,
	}
}

type retryableHandler struct {
	handler ApiHandler
	options RetryOptions
}

func (rh *retryableHandler) CreateMessage(ctx context.Context, systemPrompt string, messages []Message) (ApiStream, error) {
	wrapped := WithRetry(rh.options)(func(ctx context.Context) (ApiStream, error) {
		return rh.handler.CreateMessage(ctx, systemPrompt, messages)
	})
	return wrapped(ctx)
}

func (rh *retryableHandler) GetModel() ModelResponse {
	return rh.handler.GetModel()
}
