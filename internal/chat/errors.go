package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrTurnInFlight rejects a submit while another turn is streaming.
	ErrTurnInFlight = errors.New("a turn is already in flight")
	// ErrEmptyTurn rejects a submit with neither text nor attachment.
	ErrEmptyTurn = errors.New("nothing to send")
	// ErrNothingToRetry is returned by Retry when no user turn exists.
	ErrNothingToRetry = errors.New("no previous turn to retry")

	ErrMessageNotFound  = errors.New("message not found")
	ErrMessageFinalized = errors.New("message is finalized")
	ErrNotAppendOnly    = errors.New("streaming content may only grow")
	ErrDuplicateID      = errors.New("duplicate message id")
	ErrAlreadyStreaming = errors.New("another message is streaming")
	// ErrStaleGeneration reports a write from before the last Replace.
	ErrStaleGeneration = errors.New("timeline was replaced")
)

// TransportError marks a provider failure during a turn.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to stream response: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
