package llm

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ApiStream represents a stream of API response chunks. The producer closes
// the channel after the last chunk.
type ApiStream <-chan ApiStreamChunk

// ApiStreamChunk represents different types of streaming responses
type ApiStreamChunk interface {
	Type() string
}

// ApiStreamTextChunk represents text content in the stream
type ApiStreamTextChunk struct {
	Text string `json:"text"`
}

func (c ApiStreamTextChunk) Type() string { return "text" }

// ApiStreamUsageChunk represents token usage information. Providers send it
// as the final chunk of a successful stream.
type ApiStreamUsageChunk struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func (c ApiStreamUsageChunk) Type() string { return "usage" }

// ApiStreamErrorChunk reports a failure after the stream was opened.
// No chunk follows it.
type ApiStreamErrorChunk struct {
	Err error `json:"-"`
}

func (c ApiStreamErrorChunk) Type() string { return "error" }

func (c ApiStreamErrorChunk) Error() string {
	if c.Err == nil {
		return "stream error"
	}
	return c.Err.Error()
}

func (c ApiStreamErrorChunk) Unwrap() error { return c.Err }

// ErrStreamIncomplete is returned when a stream closes without a usage chunk.
var ErrStreamIncomplete = errors.New("stream closed before completion")

// StreamCollector helps collect and aggregate stream chunks
type StreamCollector struct {
	TextChunks []string
	Usage      *ApiStreamUsageChunk
	Err        error
	StartTime  time.Time
	EndTime    time.Time
}

// NewStreamCollector creates a new stream collector
func NewStreamCollector() *StreamCollector {
	return &StreamCollector{
		TextChunks: make([]string, 0),
		StartTime:  time.Now(),
	}
}

// Collect processes a stream chunk and adds it to the collector
func (sc *StreamCollector) Collect(chunk ApiStreamChunk) {
	switch c := chunk.(type) {
	case ApiStreamTextChunk:
		sc.TextChunks = append(sc.TextChunks, c.Text)
	case ApiStreamUsageChunk:
		sc.Usage = &c
		sc.EndTime = time.Now()
	case ApiStreamErrorChunk:
		sc.Err = c
		sc.EndTime = time.Now()
	}
}

// GetFullText returns the complete text from all text chunks
func (sc *StreamCollector) GetFullText() string {
	return strings.Join(sc.TextChunks, "")
}

// Completed reports whether the stream ended with a usage chunk and no error.
func (sc *StreamCollector) Completed() bool {
	return sc.Usage != nil && sc.Err == nil
}

// GetDuration returns the total duration of the stream
func (sc *StreamCollector) GetDuration() time.Duration {
	if sc.EndTime.IsZero() {
		return time.Since(sc.StartTime)
	}
	return sc.EndTime.Sub(sc.StartTime)
}

// StreamProcessor provides utilities for processing streams
type StreamProcessor struct {
	ctx context.Context
}

// NewStreamProcessor creates a new stream processor
func NewStreamProcessor(ctx context.Context) *StreamProcessor {
	return &StreamProcessor{ctx: ctx}
}

// ProcessStream processes an entire stream and returns the collected result
func (sp *StreamProcessor) ProcessStream(stream ApiStream) (*StreamCollector, error) {
	return sp.ProcessStreamWithCallback(stream, func(ApiStreamChunk) error { return nil })
}

// ProcessStreamWithCallback processes a stream and calls a callback for each
// chunk in receipt order. An error chunk ends processing with that error, and
// a stream that closes without a usage chunk yields ErrStreamIncomplete.
func (sp *StreamProcessor) ProcessStreamWithCallback(
	stream ApiStream,
	callback func(ApiStreamChunk) error,
) (*StreamCollector, error) {
	collector := NewStreamCollector()

	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				if collector.Usage == nil {
					return collector, ErrStreamIncomplete
				}
				return collector, nil
			}
			collector.Collect(chunk)
			if errChunk, isErr := chunk.(ApiStreamErrorChunk); isErr {
				return collector, errChunk
			}
			if err := callback(chunk); err != nil {
				return collector, err
			}
		case <-sp.ctx.Done():
			return collector, sp.ctx.Err()
		}
	}
}

// Emit sends a chunk unless ctx is done. Providers use it so a consumer that
// walked away never blocks the producer goroutine.
func Emit(ctx context.Context, ch chan<- ApiStreamChunk, chunk ApiStreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
