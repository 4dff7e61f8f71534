package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zentech/yunzhi/internal/events"
)

// TimelineChange is the payload of timeline events. Message is set for
// single-message changes, Messages for Replace.
type TimelineChange struct {
	Generation uint64    `json:"generation"`
	Message    Message   `json:"message"`
	Messages   []Message `json:"messages,omitempty"`
}

// Timeline is the ordered message list of the active session. At most one
// message streams at a time; streaming content only grows and finalized
// messages never change. Replace swaps the whole list and bumps the
// generation, invalidating writers from before the swap.
type Timeline struct {
	mu          sync.RWMutex
	messages    []Message
	index       map[string]int
	streamingID string
	generation  uint64

	broker *events.Broker[TimelineChange]
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		index:  make(map[string]int),
		broker: events.NewBrokerWithBuffer[TimelineChange](256),
	}
}

// Append adds a message at the end. A message with Streaming set becomes
// the streaming slot.
func (t *Timeline) Append(m Message) error {
	return t.At(t.Generation()).Append(m)
}

// UpdateContent replaces the draft content of the streaming message.
func (t *Timeline) UpdateContent(id, content string) error {
	return t.At(t.Generation()).UpdateContent(id, content)
}

// Finalize marks the streaming message final.
func (t *Timeline) Finalize(id string) error {
	_, err := t.At(t.Generation()).Finalize(id)
	return err
}

// Discard removes the streaming message.
func (t *Timeline) Discard(id string) error {
	return t.At(t.Generation()).Discard(id)
}

// Replace swaps in a new list of finalized messages and returns the new
// generation.
func (t *Timeline) Replace(messages []Message) uint64 {
	t.mu.Lock()
	t.messages = make([]Message, 0, len(messages))
	t.index = make(map[string]int, len(messages))
	for _, m := range messages {
		if _, dup := t.index[m.ID]; dup {
			continue
		}
		m.Streaming = false
		t.index[m.ID] = len(t.messages)
		t.messages = append(t.messages, m)
	}
	t.streamingID = ""
	t.generation++
	gen := t.generation
	snapshot := append([]Message(nil), t.messages...)
	t.mu.Unlock()

	t.broker.Publish(events.TimelineReplaced, TimelineChange{Generation: gen, Messages: snapshot})
	return gen
}

// Generation returns the current generation counter.
func (t *Timeline) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// Snapshot returns a copy of the messages in order.
func (t *Timeline) Snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Message(nil), t.messages...)
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Get returns a message by id.
func (t *Timeline) Get(id string) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[id]
	if !ok {
		return Message{}, false
	}
	return t.messages[i], true
}

// Streaming returns the streaming message, if any.
func (t *Timeline) Streaming() (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.streamingID == "" {
		return Message{}, false
	}
	return t.messages[t.index[t.streamingID]], true
}

// Subscribe delivers timeline changes until ctx is done.
func (t *Timeline) Subscribe(ctx context.Context, filters ...events.EventFilter) <-chan events.Event[TimelineChange] {
	return t.broker.Subscribe(ctx, filters...)
}

// Close ends all subscriptions.
func (t *Timeline) Close() {
	t.broker.Shutdown()
}

// GenerationView performs writes that only apply while the timeline is
// still at the generation it was taken at.
type GenerationView struct {
	t   *Timeline
	gen uint64
}

// At returns a view bound to generation gen.
func (t *Timeline) At(gen uint64) GenerationView {
	return GenerationView{t: t, gen: gen}
}

// Generation returns the generation the view is bound to.
func (v GenerationView) Generation() uint64 { return v.gen }

// Current reports whether the timeline is still at the view's generation.
func (v GenerationView) Current() bool {
	return v.t.Generation() == v.gen
}

// Snapshot returns the messages if the view is current.
func (v GenerationView) Snapshot() ([]Message, error) {
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()
	if v.t.generation != v.gen {
		return nil, ErrStaleGeneration
	}
	return append([]Message(nil), v.t.messages...), nil
}

func (v GenerationView) Append(m Message) error {
	t := v.t
	t.mu.Lock()
	if t.generation != v.gen {
		t.mu.Unlock()
		return ErrStaleGeneration
	}
	if m.ID == "" {
		t.mu.Unlock()
		return fmt.Errorf("failed to append message: empty id")
	}
	if _, dup := t.index[m.ID]; dup {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}
	if m.Streaming && t.streamingID != "" {
		t.mu.Unlock()
		return ErrAlreadyStreaming
	}

	t.index[m.ID] = len(t.messages)
	t.messages = append(t.messages, m)
	if m.Streaming {
		t.streamingID = m.ID
	}
	t.mu.Unlock()

	t.broker.Publish(events.TimelineAppended, TimelineChange{Generation: v.gen, Message: m})
	return nil
}

func (v GenerationView) UpdateContent(id, content string) error {
	t := v.t
	t.mu.Lock()
	i, err := v.streamingLocked(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if !strings.HasPrefix(content, t.messages[i].Content) {
		t.mu.Unlock()
		return ErrNotAppendOnly
	}
	t.messages[i].Content = content
	m := t.messages[i]
	t.mu.Unlock()

	t.broker.Publish(events.TimelineUpdated, TimelineChange{Generation: v.gen, Message: m})
	return nil
}

// Finalize marks the streaming message final and returns the messages as
// they stood at that moment.
func (v GenerationView) Finalize(id string) ([]Message, error) {
	t := v.t
	t.mu.Lock()
	i, err := v.streamingLocked(id)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.messages[i].Streaming = false
	t.streamingID = ""
	m := t.messages[i]
	snapshot := append([]Message(nil), t.messages...)
	t.mu.Unlock()

	t.broker.Publish(events.TimelineFinalized, TimelineChange{Generation: v.gen, Message: m})
	return snapshot, nil
}

func (v GenerationView) Discard(id string) error {
	t := v.t
	t.mu.Lock()
	i, err := v.streamingLocked(id)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	m := t.messages[i]
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	delete(t.index, id)
	for j := i; j < len(t.messages); j++ {
		t.index[t.messages[j].ID] = j
	}
	t.streamingID = ""
	t.mu.Unlock()

	t.broker.Publish(events.TimelineDiscarded, TimelineChange{Generation: v.gen, Message: m})
	return nil
}

// streamingLocked resolves id to the index of the streaming message.
func (v GenerationView) streamingLocked(id string) (int, error) {
	t := v.t
	if t.generation != v.gen {
		return 0, ErrStaleGeneration
	}
	i, ok := t.index[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if t.streamingID != id {
		return 0, fmt.Errorf("%w: %s", ErrMessageFinalized, id)
	}
	return i, nil
}
