package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/x/ansi"
	"github.com/zentech/yunzhi/internal/session"
	"github.com/zentech/yunzhi/internal/storage"
)

// Sidebar is the session list with a fuzzy filter.
type Sidebar struct {
	theme    Theme
	filter   textinput.Model
	all      []storage.SessionSummary
	visible  []storage.SessionSummary
	cursor   int
	activeID string
	width    int
	height   int
	err      error
}

// NewSidebar creates an empty sidebar.
func NewSidebar(theme Theme) Sidebar {
	ti := textinput.New()
	ti.Placeholder = "cari percakapan"
	ti.Prompt = "/ "
	ti.CharLimit = 64
	return Sidebar{theme: theme, filter: ti}
}

// SetSessions replaces the list, keeping the cursor on the same session.
func (s *Sidebar) SetSessions(sessions []storage.SessionSummary, err error) {
	var selected string
	if sel, ok := s.Selected(); ok {
		selected = sel.ID
	}
	s.all = sessions
	s.err = err
	s.refilter(selected)
}

// SetFilter applies a fuzzy query.
func (s *Sidebar) SetFilter(query string) {
	s.filter.SetValue(query)
	s.refilter("")
}

// Filter returns the current query.
func (s *Sidebar) Filter() string { return s.filter.Value() }

func (s *Sidebar) refilter(keep string) {
	s.visible = session.Find(s.all, s.filter.Value())
	s.cursor = min(s.cursor, max(len(s.visible)-1, 0))
	if keep == "" {
		return
	}
	for i, sum := range s.visible {
		if sum.ID == keep {
			s.cursor = i
			return
		}
	}
}

// SetActive marks the session shown in the chat pane.
func (s *Sidebar) SetActive(id string) { s.activeID = id }

// SetSize sets the outer dimensions.
func (s *Sidebar) SetSize(width, height int) {
	s.width, s.height = width, height
	s.filter.Width = max(width-6, 4)
}

// Move shifts the cursor by delta, clamped to the list.
func (s *Sidebar) Move(delta int) {
	if len(s.visible) == 0 {
		s.cursor = 0
		return
	}
	s.cursor = max(0, min(s.cursor+delta, len(s.visible)-1))
}

// Selected returns the session under the cursor.
func (s *Sidebar) Selected() (storage.SessionSummary, bool) {
	if s.cursor < 0 || s.cursor >= len(s.visible) {
		return storage.SessionSummary{}, false
	}
	return s.visible[s.cursor], true
}

// Lookup returns the listed session with id.
func (s *Sidebar) Lookup(id string) (storage.SessionSummary, bool) {
	for _, sum := range s.all {
		if sum.ID == id {
			return sum, true
		}
	}
	return storage.SessionSummary{}, false
}

// View renders the sidebar.
func (s Sidebar) View() string {
	inner := max(s.width-3, 10)

	var b strings.Builder
	b.WriteString(s.theme.SidebarTitle.Render("Percakapan"))
	b.WriteString("\n")
	b.WriteString(s.filter.View())
	b.WriteString("\n\n")

	if s.err != nil {
		b.WriteString(s.theme.ErrorText.Render(ansi.Truncate("! "+s.err.Error(), inner, "…")))
		b.WriteString("\n")
	}
	if len(s.visible) == 0 {
		b.WriteString(s.theme.MutedText.Render("Belum ada percakapan"))
	}

	rows := max(s.height-5, 1)
	start := 0
	if s.cursor >= rows {
		start = s.cursor - rows + 1
	}
	for i := start; i < len(s.visible) && i < start+rows; i++ {
		sum := s.visible[i]
		prefix := "  "
		if i == s.cursor {
			prefix = s.theme.SessionCursor.Render("› ")
		}
		title := sum.Title
		if sum.IsPublic {
			title = "◆ " + title
		}
		title = ansi.Truncate(title, inner-2, "…")

		style := s.theme.SessionItem
		if sum.ID == s.activeID {
			style = s.theme.SessionActive
		}
		fmt.Fprintf(&b, "%s%s\n", prefix, style.Render(title))
	}

	return s.theme.Sidebar.Width(s.width - 1).Height(s.height).Render(strings.TrimRight(b.String(), "\n"))
}
