package markdown

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/x/ansi"
)

// RendererConfig holds configuration for markdown rendering
type RendererConfig struct {
	Width    int
	Style    string
	MaxCache int
}

// ChatConfig returns a configuration suited to chat bubbles
func ChatConfig() *RendererConfig {
	return &RendererConfig{
		Width:    80,
		Style:    "dark",
		MaxCache: 256,
	}
}

// Renderer wraps glamour for assistant replies. Finalized messages are
// rendered once and cached by content.
type Renderer struct {
	mu              sync.Mutex
	glamourRenderer *glamour.TermRenderer
	config          RendererConfig
	cache           map[string]string
	order           []string
}

// NewRenderer creates a new markdown renderer with the given configuration
func NewRenderer(config *RendererConfig) (*Renderer, error) {
	if config == nil {
		config = ChatConfig()
	}

	r := &Renderer{config: *config, cache: make(map[string]string)}
	if err := r.rebuild(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Renderer) rebuild() error {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(r.config.Width)}
	if r.config.Style == "" || r.config.Style == "auto" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(r.config.Style))
	}

	gr, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return fmt.Errorf("failed to create glamour renderer: %w", err)
	}
	r.glamourRenderer = gr
	r.cache = make(map[string]string)
	r.order = r.order[:0]
	return nil
}

// Width returns the wrap width.
func (r *Renderer) Width() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.Width
}

// SetWidth changes the wrap width and drops cached output.
func (r *Renderer) SetWidth(width int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if width <= 0 || width == r.config.Width {
		return nil
	}
	r.config.Width = width
	return r.rebuild()
}

// Render renders markdown content to styled terminal output
func (r *Renderer) Render(markdown string) (string, error) {
	if strings.TrimSpace(markdown) == "" {
		return "", nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if out, ok := r.cache[markdown]; ok {
		return out, nil
	}

	rendered, err := r.glamourRenderer.Render(preprocessMarkdown(markdown))
	if err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	out := postprocessOutput(rendered)
	r.remember(markdown, out)
	return out, nil
}

// RenderOrPlain renders markdown and falls back to wrapped plain text.
func (r *Renderer) RenderOrPlain(markdown string) string {
	out, err := r.Render(markdown)
	if err != nil {
		return ansi.Wordwrap(markdown, r.Width(), " ")
	}
	return out
}

func (r *Renderer) remember(key, value string) {
	if r.config.MaxCache <= 0 {
		return
	}
	if len(r.order) >= r.config.MaxCache {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.cache, oldest)
	}
	r.cache[key] = value
	r.order = append(r.order, key)
}

// Plain strips terminal styling from rendered output.
func Plain(rendered string) string {
	return ansi.Strip(rendered)
}

// preprocessMarkdown trims trailing whitespace outside code fences
func preprocessMarkdown(markdown string) string {
	lines := strings.Split(markdown, "\n")
	processed := make([]string, 0, len(lines))

	inFence := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			processed = append(processed, line)
			continue
		}
		if inFence {
			processed = append(processed, line)
			continue
		}
		processed = append(processed, strings.TrimRight(line, " \t"))
	}

	return strings.Join(processed, "\n")
}

// postprocessOutput collapses runs of blank lines and trims the outer margin
func postprocessOutput(rendered string) string {
	lines := strings.Split(rendered, "\n")
	var result []string
	blankCount := 0

	for _, line := range lines {
		if strings.TrimSpace(ansi.Strip(line)) == "" {
			blankCount++
			if blankCount <= 1 {
				result = append(result, line)
			}
		} else {
			blankCount = 0
			result = append(result, line)
		}
	}

	return strings.Trim(strings.Join(result, "\n"), "\n")
}
