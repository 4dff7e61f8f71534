package speech

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zentech/yunzhi/internal/events"
)

type fakeSynth struct {
	mu    sync.Mutex
	audio Audio
	err   error
	gate  chan struct{}
	texts []string
}

func (s *fakeSynth) Synthesize(ctx context.Context, text, voice string) (Audio, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	}
	return s.audio, s.err
}

type fakeHandle struct {
	done    chan struct{}
	once    sync.Once
	stopped bool
}

func newFakeHandle() *fakeHandle { return &fakeHandle{done: make(chan struct{})} }

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Stop() error {
	h.once.Do(func() {
		h.stopped = true
		close(h.done)
	})
	return nil
}

func (h *fakeHandle) finish() { h.once.Do(func() { close(h.done) }) }

type fakePort struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	samples  []float32
	rate     int
	encoded  []byte
	mimeType string
	err      error
}

func (p *fakePort) next() (Handle, error) {
	if p.err != nil {
		return nil, p.err
	}
	h := newFakeHandle()
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *fakePort) DecodeAndSchedule(ctx context.Context, samples []float32, sampleRate int) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples, p.rate = samples, sampleRate
	return p.next()
}

func (p *fakePort) PlayEncoded(ctx context.Context, data []byte, mimeType string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.encoded, p.mimeType = data, mimeType
	return p.next()
}

func (p *fakePort) handle(i int) *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[i]
}

func pcmBytes(values ...int16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

func TestParsePCM(t *testing.T) {
	tests := []struct {
		mime string
		rate int
		ok   bool
	}{
		{"audio/L16;codec=pcm;rate=24000", 24000, true},
		{"audio/pcm; rate=16000", 16000, true},
		{"audio/L16", DefaultSampleRate, true},
		{"audio/pcm;rate=bogus", DefaultSampleRate, true},
		{"audio/mpeg", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			rate, ok := ParsePCM(tt.mime)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.rate, rate)
		})
	}
}

func TestDecodePCM16(t *testing.T) {
	samples := DecodePCM16(append(pcmBytes(0, 16384, -32768, 32767), 0x01))
	require.Len(t, samples, 4)
	assert.Equal(t, float32(0), samples[0])
	assert.Equal(t, float32(0.5), samples[1])
	assert.Equal(t, float32(-1), samples[2])
	assert.InDelta(t, 1.0, samples[3], 0.0001)
}

func TestEncodeWAV(t *testing.T) {
	wav := EncodeWAV([]float32{0, 0.5, -1, 1}, 24000)
	require.Len(t, wav, 44+8)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, uint32(24000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(8), binary.LittleEndian.Uint32(wav[40:44]))
	assert.Equal(t, pcmBytes(0, 16384, -32768, 32767), wav[44:])
}

func waitState(t *testing.T, ch <-chan events.Event[StateChange], want State) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "subscription closed before %s", want)
			if ev.Payload.State == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestPlayerPCM(t *testing.T) {
	synth := &fakeSynth{audio: Audio{MimeType: GeminiAudioMime, Data: pcmBytes(0, 16384)}}
	port := &fakePort{}
	player := NewPlayer(synth, port, "Kore")
	defer player.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := player.Subscribe(ctx)

	require.NoError(t, player.Play(ctx, "m1", "halo"))
	assert.Equal(t, Playing, player.State())
	assert.Equal(t, "m1", player.Active())
	assert.Equal(t, 24000, port.rate)
	assert.Equal(t, []float32{0, 0.5}, port.samples)

	waitState(t, states, Requesting)
	waitState(t, states, Decoding)
	waitState(t, states, Playing)

	port.handle(0).finish()
	waitState(t, states, Idle)
	assert.Equal(t, "", player.Active())
}

func TestPlayerEncoded(t *testing.T) {
	synth := &fakeSynth{audio: Audio{MimeType: "audio/mpeg", Data: []byte("ID3")}}
	port := &fakePort{}
	player := NewPlayer(synth, port, "")
	defer player.Close()

	require.NoError(t, player.Play(context.Background(), "m1", "hello"))
	assert.Equal(t, "audio/mpeg", port.mimeType)
	assert.Equal(t, []byte("ID3"), port.encoded)
	assert.Nil(t, port.samples)
}

func TestPlayerStop(t *testing.T) {
	synth := &fakeSynth{audio: Audio{MimeType: "audio/pcm", Data: pcmBytes(1)}}
	port := &fakePort{}
	player := NewPlayer(synth, port, "")
	defer player.Close()

	require.NoError(t, player.Play(context.Background(), "m1", "a"))
	player.Stop()

	assert.Equal(t, Idle, player.State())
	assert.Equal(t, "", player.Active())
	assert.True(t, port.handle(0).stopped)

	player.Stop()
	assert.Equal(t, Idle, player.State())
}

func TestPlayerReplacesActive(t *testing.T) {
	synth := &fakeSynth{audio: Audio{MimeType: "audio/pcm", Data: pcmBytes(1)}}
	port := &fakePort{}
	player := NewPlayer(synth, port, "")
	defer player.Close()

	require.NoError(t, player.Play(context.Background(), "m1", "a"))
	require.NoError(t, player.Play(context.Background(), "m2", "b"))

	assert.True(t, port.handle(0).stopped, "previous clip must be stopped")
	assert.False(t, port.handle(1).stopped)
	assert.Equal(t, "m2", player.Active())
	assert.Equal(t, Playing, player.State())
}

func TestPlayerSupersededRequest(t *testing.T) {
	synth := &fakeSynth{audio: Audio{MimeType: "audio/pcm", Data: pcmBytes(1)}, gate: make(chan struct{})}
	port := &fakePort{}
	player := NewPlayer(synth, port, "")
	defer player.Close()

	errc := make(chan error, 1)
	go func() { errc <- player.Play(context.Background(), "m1", "a") }()

	require.Eventually(t, func() bool { return player.State() == Requesting }, time.Second, 5*time.Millisecond)
	player.Stop()

	select {
	case err := <-errc:
		assert.NoError(t, err, "a cancelled request is not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return")
	}
	assert.Equal(t, Idle, player.State())
	assert.Empty(t, port.handles)
}

func TestPlayerFailures(t *testing.T) {
	t.Run("provider failure", func(t *testing.T) {
		boom := errors.New("quota")
		player := NewPlayer(&fakeSynth{err: boom}, &fakePort{}, "")
		defer player.Close()

		err := player.Play(context.Background(), "m1", "a")
		var perr *PlaybackError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, Requesting, perr.State)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, Idle, player.State())
		assert.Equal(t, "", player.Active())
	})

	t.Run("port failure", func(t *testing.T) {
		player := NewPlayer(&fakeSynth{audio: Audio{MimeType: "audio/pcm"}}, &fakePort{err: ErrNoPlayer}, "")
		defer player.Close()

		err := player.Play(context.Background(), "m1", "a")
		var perr *PlaybackError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, Decoding, perr.State)
		assert.Equal(t, Idle, player.State())
	})
}

func TestExecPort(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no shell available")
	}
	dir := t.TempDir()

	t.Run("natural end removes file", func(t *testing.T) {
		port := NewExecPort("true", dir)
		h, err := port.DecodeAndSchedule(context.Background(), []float32{0}, 8000)
		require.NoError(t, err)

		select {
		case <-h.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("player did not exit")
		}
		entries, _ := filepath.Glob(filepath.Join(dir, "yunzhi-speech-*"))
		assert.Empty(t, entries)
	})

	t.Run("stop kills player", func(t *testing.T) {
		port := NewExecPort("tail -f", dir)
		h, err := port.PlayEncoded(context.Background(), []byte("ID3"), "audio/mpeg")
		require.NoError(t, err)

		entries, _ := filepath.Glob(filepath.Join(dir, "yunzhi-speech-*.mp3"))
		assert.Len(t, entries, 1)

		require.NoError(t, h.Stop())
		<-h.Done()
		entries, _ = filepath.Glob(filepath.Join(dir, "yunzhi-speech-*"))
		assert.Empty(t, entries)
		require.NoError(t, h.Stop())
	})

	t.Run("missing binary", func(t *testing.T) {
		port := NewExecPort("definitely-not-a-player-binary", dir)
		_, err := port.PlayEncoded(context.Background(), []byte("x"), "audio/ogg")
		assert.Error(t, err)
	})
}
