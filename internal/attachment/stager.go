package attachment

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Stager holds the attachment of the turn being composed. It keeps at most
// one attachment and one live preview handle.
type Stager struct {
	maxSize int64
	dir     string

	mu     sync.Mutex
	staged *Attachment
	handle *PreviewHandle
	live   atomic.Int32
}

// NewStager creates a stager. Thumbnails go to dir (the system temp dir
// when empty) and files above maxSize are refused.
func NewStager(maxSize int64, dir string) *Stager {
	if maxSize <= 0 {
		maxSize = DefaultMaxBytes
	}
	return &Stager{maxSize: maxSize, dir: dir}
}

// Stage reads path and replaces the staged attachment. On any error the
// previous staging is left untouched.
func (s *Stager) Stage(path string) (Kind, error) {
	att, err := Read(path, s.maxSize)
	if err != nil {
		return None(), err
	}
	return s.StageAttachment(att)
}

// StageAttachment stages an attachment that is already in memory. The new
// preview is built first and only counted live once the previous handle
// has been released.
func (s *Stager) StageAttachment(att *Attachment) (Kind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, err := NewPreview(att, s.dir)
	if err != nil {
		return None(), err
	}

	s.releaseLocked()
	s.staged = att
	s.handle = handle
	s.live.Add(1)
	return handle.Kind(), nil
}

// Take hands the staged attachment to a turn and releases its preview.
func (s *Stager) Take() (*Attachment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	att := s.staged
	s.staged = nil
	s.releaseLocked()
	return att, att != nil
}

// Clear drops the staged attachment and releases its preview.
func (s *Stager) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.staged = nil
	s.releaseLocked()
}

// Current returns the staged attachment and its kind.
func (s *Stager) Current() (*Attachment, Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle == nil {
		return s.staged, None()
	}
	return s.staged, s.handle.Kind()
}

// Live reports the number of preview handles currently held.
func (s *Stager) Live() int {
	return int(s.live.Load())
}

func (s *Stager) releaseLocked() {
	if s.handle == nil {
		return
	}
	if err := s.handle.Release(); err != nil {
		slog.Debug("preview release failed", "error", err)
	}
	s.handle = nil
	s.live.Add(-1)
}
