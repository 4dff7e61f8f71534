package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when the requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// StoreWriteError reports a failed write to the document store.
type StoreWriteError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *StoreWriteError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("failed to %s session: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("failed to %s session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }
