package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// Handle controls one scheduled clip.
type Handle interface {
	// Done is closed when the clip ends, naturally or by Stop.
	Done() <-chan struct{}
	Stop() error
}

// PlaybackPort is the platform audio output.
type PlaybackPort interface {
	DecodeAndSchedule(ctx context.Context, samples []float32, sampleRate int) (Handle, error)
	PlayEncoded(ctx context.Context, data []byte, mimeType string) (Handle, error)
}

// DefaultPlayerCommand plays a file and exits.
const DefaultPlayerCommand = "ffplay -nodisp -autoexit -loglevel quiet"

// ErrNoPlayer is returned when the player command is empty.
var ErrNoPlayer = errors.New("no audio player command configured")

// ExecPort plays clips by handing a temp file to an external player.
type ExecPort struct {
	command []string
	dir     string
}

// NewExecPort parses command the way a shell would split on spaces.
// An empty command uses DefaultPlayerCommand.
func NewExecPort(command, tempDir string) *ExecPort {
	if strings.TrimSpace(command) == "" {
		command = DefaultPlayerCommand
	}
	return &ExecPort{command: strings.Fields(command), dir: tempDir}
}

func (p *ExecPort) DecodeAndSchedule(ctx context.Context, samples []float32, sampleRate int) (Handle, error) {
	return p.start(ctx, EncodeWAV(samples, sampleRate), ".wav")
}

func (p *ExecPort) PlayEncoded(ctx context.Context, data []byte, mimeType string) (Handle, error) {
	return p.start(ctx, data, extensionFor(mimeType, data))
}

func extensionFor(mimeType string, data []byte) string {
	if m := mimetype.Lookup(strings.SplitN(mimeType, ";", 2)[0]); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	if ext := mimetype.Detect(data).Extension(); ext != "" {
		return ext
	}
	return ".bin"
}

func (p *ExecPort) start(ctx context.Context, data []byte, ext string) (Handle, error) {
	if len(p.command) == 0 {
		return nil, ErrNoPlayer
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(p.dir, "yunzhi-speech-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write audio file: %w", err)
	}

	args := append(append([]string{}, p.command[1:]...), path)
	cmd := exec.Command(p.command[0], args...)
	if err := cmd.Start(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to start audio player: %w", err)
	}

	h := &execHandle{cmd: cmd, path: path, done: make(chan struct{})}
	go h.wait()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	path string
	done chan struct{}

	stopOnce sync.Once
}

func (h *execHandle) wait() {
	if err := h.cmd.Wait(); err != nil {
		slog.Debug("audio player exited", "error", err)
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		slog.Debug("failed to remove audio file", "path", h.path, "error", err)
	}
	close(h.done)
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		if killErr := h.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = killErr
		}
		<-h.done
	})
	return err
}
