package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/zentech/yunzhi/internal/attachment"
	"github.com/zentech/yunzhi/internal/chat"
	"github.com/zentech/yunzhi/internal/config"
	"github.com/zentech/yunzhi/internal/events"
	"github.com/zentech/yunzhi/internal/markdown"
	"github.com/zentech/yunzhi/internal/session"
	"github.com/zentech/yunzhi/internal/speech"
	"github.com/zentech/yunzhi/internal/storage"
)

const (
	sidebarWidth    = 30
	minSidebarWidth = 80
	editorHeight    = 3
)

type focus int

const (
	focusEditor focus = iota
	focusSidebar
)

type keyMap struct {
	Quit        key.Binding
	Send        key.Binding
	SwitchFocus key.Binding
	NewChat     key.Binding
	StopSpeech  key.Binding
	Up          key.Binding
	Down        key.Binding
	Open        key.Binding
	Share       key.Binding
	Delete      key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("ctrl+c", "quit"),
	),
	Send: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "send"),
	),
	SwitchFocus: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "switch pane"),
	),
	NewChat: key.NewBinding(
		key.WithKeys("ctrl+n"),
		key.WithHelp("ctrl+n", "new chat"),
	),
	StopSpeech: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "stop speech"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
	),
	Open: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "open chat"),
	),
	Share: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "toggle sharing"),
	),
	Delete: key.NewBinding(
		key.WithKeys("x", "delete"),
		key.WithHelp("x", "delete chat"),
	),
}

// Options wires the chat screen to the running client.
type Options struct {
	Engine   *chat.Engine
	Sessions *session.LiveList

	// Optional collaborators.
	Player    *speech.Player
	Renderer  *markdown.Renderer
	State     *config.State
	StatePath string
	Clipboard io.Writer
}

type timelineMsg struct{ change chat.TimelineChange }

type sessionsMsg struct{ sessions []storage.SessionSummary }

type playbackMsg struct{ change speech.StateChange }

type turnDoneMsg struct {
	turn *chat.Turn
	err  error
}

type loadedMsg struct {
	id  string
	err error
}

type deletedMsg struct {
	id  string
	err error
}

type sharedMsg struct {
	id     string
	public bool
	err    error
}

type spokeMsg struct{ err error }

// Model is the bubbletea chat screen.
type Model struct {
	opts  Options
	theme Theme

	ctx    context.Context
	cancel context.CancelFunc

	timelineCh <-chan events.Event[chat.TimelineChange]
	sessionsCh <-chan events.Event[[]storage.SessionSummary]
	playbackCh <-chan events.Event[speech.StateChange]

	sidebar  Sidebar
	viewport viewport.Model
	editor   textarea.Model
	spinner  spinner.Model

	width, height int
	focus         focus
	turn          *chat.Turn
	speaking      string
	playState     speech.State
	status        string
	statusErr     bool
	ready         bool
}

// New creates the chat screen and subscribes to the engine, the live
// list and the player.
func New(opts Options) *Model {
	if opts.Clipboard == nil {
		opts.Clipboard = os.Stdout
	}
	ctx, cancel := context.WithCancel(context.Background())
	theme := NewTheme()

	ta := textarea.New()
	ta.Placeholder = "Ketik pesan... (alt+enter untuk baris baru)"
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(editorHeight)
	ta.KeyMap.InsertNewline.SetKeys("alt+enter", "ctrl+j")
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(theme.Primary)

	vp := viewport.New(80, 20)
	vp.KeyMap = viewport.KeyMap{
		PageDown: key.NewBinding(key.WithKeys("pgdown")),
		PageUp:   key.NewBinding(key.WithKeys("pgup")),
	}

	m := &Model{
		opts:       opts,
		theme:      theme,
		ctx:        ctx,
		cancel:     cancel,
		timelineCh: opts.Engine.Timeline().Subscribe(ctx),
		sidebar:    NewSidebar(theme),
		viewport:   vp,
		editor:     ta,
		spinner:    sp,
	}
	if opts.Sessions != nil {
		m.sessionsCh = opts.Sessions.Subscribe(ctx)
		m.sidebar.SetSessions(opts.Sessions.Sessions(), opts.Sessions.Err())
	}
	if opts.Player != nil {
		m.playbackCh = opts.Player.Subscribe(ctx)
	}
	m.sidebar.SetActive(opts.Engine.SessionID())
	return m
}

// Close ends the subscriptions. The engine and list are owned by the caller.
func (m *Model) Close() {
	m.cancel()
}

func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink, waitTimeline(m.timelineCh)}
	if m.sessionsCh != nil {
		cmds = append(cmds, waitSessions(m.sessionsCh))
	}
	if m.playbackCh != nil {
		cmds = append(cmds, waitPlayback(m.playbackCh))
	}
	if st := m.opts.State; st != nil && st.LastSession != "" && m.opts.Engine.SessionID() == "" {
		cmds = append(cmds, m.loadSession(st.LastSession))
	}
	return tea.Batch(cmds...)
}

func waitTimeline(ch <-chan events.Event[chat.TimelineChange]) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return timelineMsg{change: ev.Payload}
	}
}

func waitSessions(ch <-chan events.Event[[]storage.SessionSummary]) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return sessionsMsg{sessions: ev.Payload}
	}
}

func waitPlayback(ch <-chan events.Event[speech.StateChange]) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return playbackMsg{change: ev.Payload}
	}
}

func waitTurn(turn *chat.Turn) tea.Cmd {
	return func() tea.Msg {
		return turnDoneMsg{turn: turn, err: turn.Err()}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.layout()
		m.ready = true
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case timelineMsg:
		m.sidebar.SetActive(m.opts.Engine.SessionID())
		m.refresh()
		return m, waitTimeline(m.timelineCh)

	case sessionsMsg:
		var err error
		if m.opts.Sessions != nil {
			err = m.opts.Sessions.Err()
		}
		m.sidebar.SetSessions(msg.sessions, err)
		return m, waitSessions(m.sessionsCh)

	case playbackMsg:
		m.playState = msg.change.State
		m.speaking = msg.change.MessageID
		m.refresh()
		return m, waitPlayback(m.playbackCh)

	case turnDoneMsg:
		if msg.turn == m.turn {
			m.turn = nil
		}
		id := m.opts.Engine.SessionID()
		m.sidebar.SetActive(id)
		if msg.err != nil {
			m.reportTurnError(msg.err)
		} else {
			m.setStatus("")
			m.rememberSession(id)
		}
		m.refresh()
		return m, nil

	case loadedMsg:
		if msg.err != nil {
			m.setError(msg.err)
			return m, nil
		}
		m.sidebar.SetActive(msg.id)
		m.rememberSession(msg.id)
		m.setStatus("")
		m.refresh()
		m.viewport.GotoBottom()
		return m, nil

	case deletedMsg:
		if msg.err != nil {
			m.setError(msg.err)
			return m, nil
		}
		m.sidebar.SetActive(m.opts.Engine.SessionID())
		if m.opts.Engine.SessionID() == "" {
			m.rememberSession("")
		}
		m.setStatus("Percakapan dihapus")
		return m, nil

	case sharedMsg:
		if msg.err != nil {
			m.setError(msg.err)
			return m, nil
		}
		if msg.public {
			m.setStatus("Percakapan dibagikan")
		} else {
			m.setStatus("Berbagi dinonaktifkan")
		}
		return m, nil

	case spokeMsg:
		if msg.err != nil {
			slog.Debug("speech playback failed", "error", msg.err)
			m.setError(fmt.Errorf("gagal memutar suara: %w", msg.err))
		}
		return m, nil

	case spinner.TickMsg:
		if m.turn == nil && m.playState != speech.Requesting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if m.focus == focusEditor {
		var cmd tea.Cmd
		m.editor, cmd = m.editor.Update(msg)
		cmds = append(cmds, cmd)
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, keys.Quit):
		return tea.Quit, true

	case key.Matches(msg, keys.SwitchFocus):
		if m.focus == focusEditor {
			m.focus = focusSidebar
			m.editor.Blur()
			return nil, true
		}
		m.focus = focusEditor
		return m.editor.Focus(), true

	case key.Matches(msg, keys.NewChat):
		m.newChat()
		return nil, true

	case key.Matches(msg, keys.StopSpeech):
		if m.opts.Player != nil && m.opts.Player.State() != speech.Idle {
			m.opts.Player.Stop()
			return nil, true
		}
		if m.focus == focusSidebar && m.sidebar.Filter() != "" {
			m.sidebar.SetFilter("")
			return nil, true
		}
		return nil, false
	}

	if m.focus == focusSidebar {
		return m.handleSidebarKey(msg)
	}

	if key.Matches(msg, keys.Send) {
		input := m.editor.Value()
		if cmd, ok := ParseCommand(input); ok {
			m.editor.Reset()
			return m.runCommand(cmd), true
		}
		return m.submit(input), true
	}
	return nil, false
}

func (m *Model) handleSidebarKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, keys.Up):
		m.sidebar.Move(-1)
	case key.Matches(msg, keys.Down):
		m.sidebar.Move(1)
	case key.Matches(msg, keys.Open):
		sel, ok := m.sidebar.Selected()
		if !ok {
			return nil, true
		}
		m.focus = focusEditor
		return tea.Batch(m.editor.Focus(), m.loadSession(sel.ID)), true
	case key.Matches(msg, keys.Share):
		if sel, ok := m.sidebar.Selected(); ok {
			return m.setPublic(sel.ID, !sel.IsPublic), true
		}
	case key.Matches(msg, keys.Delete):
		if sel, ok := m.sidebar.Selected(); ok {
			return m.deleteSession(sel.ID), true
		}
	default:
		return nil, false
	}
	return nil, true
}

func (m *Model) submit(input string) tea.Cmd {
	turn, err := m.opts.Engine.Start(m.ctx, input)
	if err != nil {
		if !errors.Is(err, chat.ErrEmptyTurn) {
			m.setError(err)
		}
		return nil
	}
	m.editor.Reset()
	m.turn = turn
	m.setStatus("")
	m.refresh()
	return tea.Batch(m.spinner.Tick, waitTurn(turn))
}

func (m *Model) runCommand(c Command) tea.Cmd {
	switch c.Name {
	case "new":
		m.newChat()

	case "attach":
		if c.Arg == "" {
			m.setError(errors.New("gunakan /attach <path>"))
			return nil
		}
		kind, err := m.opts.Engine.Stage(expandHome(c.Arg))
		if err != nil {
			m.setError(err)
			return nil
		}
		m.setStatus("Lampiran siap: " + attachmentLabel(kind))

	case "detach":
		m.opts.Engine.ClearAttachment()
		m.setStatus("Lampiran dihapus")

	case "retry":
		turn, err := m.opts.Engine.Retry(m.ctx)
		if err != nil {
			m.setError(err)
			return nil
		}
		m.turn = turn
		m.setStatus("")
		return tea.Batch(m.spinner.Tick, waitTurn(turn))

	case "copy":
		reply, ok := m.opts.Engine.LastReply()
		if !ok {
			m.setError(errors.New("belum ada balasan untuk disalin"))
			return nil
		}
		fmt.Fprint(m.opts.Clipboard, ansi.SetSystemClipboard(reply.Content))
		m.setStatus("Balasan disalin")

	case "share":
		id := m.opts.Engine.SessionID()
		if id == "" {
			m.setError(errors.New("percakapan belum disimpan"))
			return nil
		}
		sum, _ := m.sidebar.Lookup(id)
		return m.setPublic(id, !sum.IsPublic)

	case "delete":
		id := m.opts.Engine.SessionID()
		if id == "" {
			m.setError(errors.New("percakapan belum disimpan"))
			return nil
		}
		return m.deleteSession(id)

	case "speak":
		return m.speak()

	case "stop":
		if m.opts.Player != nil {
			m.opts.Player.Stop()
		}

	case "find":
		m.sidebar.SetFilter(c.Arg)
		if c.Arg != "" {
			m.focus = focusSidebar
			m.editor.Blur()
		}

	case "help":
		m.setStatus(strings.ReplaceAll(HelpText(), "\n", " · "))

	case "quit", "exit":
		return tea.Quit

	default:
		m.setError(fmt.Errorf("perintah tidak dikenal: /%s", c.Name))
	}
	return nil
}

func (m *Model) speak() tea.Cmd {
	if m.opts.Player == nil {
		m.setError(errors.New("suara tidak dikonfigurasi"))
		return nil
	}
	reply, ok := m.opts.Engine.LastReply()
	if !ok || reply.Content == chat.ErrorReply {
		m.setError(errors.New("belum ada balasan untuk dibacakan"))
		return nil
	}
	player, ctx := m.opts.Player, m.ctx
	return tea.Batch(m.spinner.Tick, func() tea.Msg {
		return spokeMsg{err: player.Play(ctx, reply.ID, markdown.Plain(reply.Content))}
	})
}

func (m *Model) newChat() {
	m.opts.Engine.NewChat()
	m.turn = nil
	m.sidebar.SetActive("")
	m.rememberSession("")
	m.setStatus("Chat Baru")
	m.refresh()
}

func (m *Model) loadSession(id string) tea.Cmd {
	engine, ctx := m.opts.Engine, m.ctx
	m.turn = nil
	return func() tea.Msg {
		return loadedMsg{id: id, err: engine.LoadSession(ctx, id)}
	}
}

func (m *Model) deleteSession(id string) tea.Cmd {
	engine, ctx := m.opts.Engine, m.ctx
	return func() tea.Msg {
		return deletedMsg{id: id, err: engine.DeleteSession(ctx, id)}
	}
}

func (m *Model) setPublic(id string, public bool) tea.Cmd {
	engine, ctx := m.opts.Engine, m.ctx
	return func() tea.Msg {
		return sharedMsg{id: id, public: public, err: engine.SetPublic(ctx, id, public)}
	}
}

func (m *Model) reportTurnError(err error) {
	var werr *session.StoreWriteError
	var terr *chat.TransportError
	switch {
	case errors.As(err, &werr):
		m.setError(fmt.Errorf("gagal menyimpan percakapan: %w", werr.Err))
	case errors.As(err, &terr):
		m.setError(errors.New("balasan gagal, ketik /retry untuk mengulang"))
	default:
		m.setError(err)
	}
}

func (m *Model) rememberSession(id string) {
	if m.opts.State == nil || m.opts.StatePath == "" {
		return
	}
	if err := m.opts.State.Remember(m.opts.StatePath, id); err != nil {
		slog.Warn("failed to save state", "error", err)
	}
}

func (m *Model) setStatus(s string) {
	m.status, m.statusErr = s, false
}

func (m *Model) setError(err error) {
	m.status, m.statusErr = err.Error(), true
}

func (m *Model) mainWidth() int {
	if m.width >= minSidebarWidth {
		return m.width - sidebarWidth
	}
	return m.width
}

func (m *Model) layout() {
	main := m.mainWidth()
	m.sidebar.SetSize(sidebarWidth, m.height)
	m.editor.SetWidth(max(main-2, 10))
	m.viewport.Width = main
	m.viewport.Height = max(m.height-editorHeight-2-2, 3)
	if m.opts.Renderer != nil {
		if err := m.opts.Renderer.SetWidth(max(main-4, 20)); err != nil {
			slog.Debug("failed to resize markdown renderer", "error", err)
		}
	}
}

// refresh re-renders the timeline, following the tail when the view was
// already at the bottom.
func (m *Model) refresh() {
	follow := m.viewport.AtBottom() || m.turn != nil
	content := renderMessages(m.theme, m.opts.Renderer, m.opts.Engine.Timeline().Snapshot(), m.viewport.Width-2, m.speaking)
	m.viewport.SetContent(content)
	if follow {
		m.viewport.GotoBottom()
	}
}

func (m *Model) header() string {
	title := m.theme.AssistantLabel.Render("Yun-Zhi")
	model := m.theme.MutedText.Render(m.opts.Engine.Model())
	if _, kind := m.opts.Engine.Stager().Current(); kind.Tag != attachment.KindNone {
		model += m.theme.MutedText.Render("  📎 " + attachmentLabel(kind))
	}
	return title + "  " + model
}

func (m *Model) statusLine() string {
	var left string
	switch {
	case m.turn != nil:
		left = m.spinner.View() + " Yun-Zhi sedang menulis..."
	case m.playState == speech.Requesting || m.playState == speech.Decoding:
		left = m.spinner.View() + " Menyiapkan suara..."
	case m.playState == speech.Playing:
		left = "🔊 Memutar (esc untuk berhenti)"
	case m.statusErr:
		left = m.theme.ErrorText.Render(m.status)
	default:
		left = m.status
	}
	return m.theme.StatusBar.Render(ansi.Truncate(left, max(m.mainWidth()-2, 10), "…"))
}

func (m *Model) View() string {
	if !m.ready {
		return "Memuat..."
	}

	main := lipgloss.JoinVertical(lipgloss.Left,
		m.header(),
		m.viewport.View(),
		m.statusLine(),
		m.theme.Editor.Width(max(m.mainWidth()-2, 10)).Render(m.editor.View()),
	)
	if m.width < minSidebarWidth {
		return main
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, m.sidebar.View(), main)
}

func attachmentLabel(kind attachment.Kind) string {
	switch kind.Tag {
	case attachment.KindImage:
		return "gambar"
	case attachment.KindDocument:
		return kind.Name
	default:
		return ""
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

// Run starts the chat screen in the alternate screen buffer.
func Run(opts Options) error {
	m := New(opts)
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	_, err := p.Run()
	return err
}
