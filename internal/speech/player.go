package speech

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zentech/yunzhi/internal/events"
)

// State is the playback state machine position.
type State int

const (
	Idle State = iota
	Requesting
	Decoding
	Playing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case Decoding:
		return "decoding"
	case Playing:
		return "playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PlaybackError records the state a failed playback was in.
type PlaybackError struct {
	State State
	Err   error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback failed while %s: %v", e.State, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// StateChange is published on every transition.
type StateChange struct {
	State     State  `json:"state"`
	MessageID string `json:"messageId,omitempty"`
}

// Player owns the single active playback. Starting a new one stops the
// previous clip before the new request is made.
type Player struct {
	synth Synthesizer
	port  PlaybackPort
	voice string

	broker *events.Broker[StateChange]

	mu     sync.Mutex
	state  State
	active string
	handle Handle
	cancel context.CancelFunc
	seq    uint64
}

// NewPlayer creates an idle player.
func NewPlayer(synth Synthesizer, port PlaybackPort, voice string) *Player {
	return &Player{
		synth:  synth,
		port:   port,
		voice:  voice,
		broker: events.NewBroker[StateChange](),
	}
}

// SetVoice changes the voice used by later requests.
func (p *Player) SetVoice(voice string) {
	p.mu.Lock()
	p.voice = voice
	p.mu.Unlock()
}

// State returns the current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Active returns the id of the message being spoken, or "".
func (p *Player) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Subscribe delivers state changes until ctx is done.
func (p *Player) Subscribe(ctx context.Context) <-chan events.Event[StateChange] {
	return p.broker.Subscribe(ctx)
}

// Play speaks text for messageID. It returns once playback has started or
// failed; the clip keeps playing in the background. A playback superseded by
// a later Play or Stop returns nil.
func (p *Player) Play(ctx context.Context, messageID, text string) error {
	p.mu.Lock()
	p.stopLocked()
	p.seq++
	seq := p.seq
	reqCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.active = messageID
	voice := p.voice
	p.setStateLocked(Requesting)
	p.mu.Unlock()

	audio, err := p.synth.Synthesize(reqCtx, text, voice)
	if err != nil {
		return p.fail(seq, Requesting, err)
	}

	if !p.advance(seq, Decoding) {
		return nil
	}

	var handle Handle
	if rate, ok := ParsePCM(audio.MimeType); ok {
		handle, err = p.port.DecodeAndSchedule(reqCtx, DecodePCM16(audio.Data), rate)
	} else {
		handle, err = p.port.PlayEncoded(reqCtx, audio.Data, audio.MimeType)
	}
	if err != nil {
		return p.fail(seq, Decoding, err)
	}

	p.mu.Lock()
	if p.seq != seq {
		p.mu.Unlock()
		handle.Stop()
		return nil
	}
	p.handle = handle
	p.setStateLocked(Playing)
	p.mu.Unlock()

	go p.watch(seq, handle)
	return nil
}

// Stop ends the active playback, if any.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == "" && p.state == Idle {
		return
	}
	p.seq++
	p.stopLocked()
	p.resetLocked()
}

// Close stops playback and releases subscribers.
func (p *Player) Close() {
	p.Stop()
	p.broker.Shutdown()
}

func (p *Player) watch(seq uint64, handle Handle) {
	<-handle.Done()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seq != seq {
		return
	}
	p.handle = nil
	p.resetLocked()
}

func (p *Player) advance(seq uint64, next State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seq != seq {
		return false
	}
	p.setStateLocked(next)
	return true
}

func (p *Player) fail(seq uint64, at State, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seq != seq {
		return nil
	}
	perr := &PlaybackError{State: at, Err: err}
	slog.Debug("speech playback failed", "message", p.active, "error", perr)
	p.resetLocked()
	return perr
}

func (p *Player) stopLocked() {
	if p.handle != nil {
		if err := p.handle.Stop(); err != nil {
			slog.Debug("failed to stop playback", "error", err)
		}
		p.handle = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Player) resetLocked() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.active = ""
	p.setStateLocked(Idle)
}

func (p *Player) setStateLocked(s State) {
	p.state = s
	p.broker.Publish(events.PlaybackStateChanged, StateChange{State: s, MessageID: p.active})
}
