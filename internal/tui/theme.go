package tui

import (
	catppuccin "github.com/catppuccin/go"
	"github.com/charmbracelet/lipgloss"
)

// Theme holds the styles of the chat screen.
type Theme struct {
	Primary   lipgloss.AdaptiveColor
	Secondary lipgloss.AdaptiveColor
	Muted     lipgloss.AdaptiveColor
	Error     lipgloss.AdaptiveColor
	Success   lipgloss.AdaptiveColor
	Border    lipgloss.AdaptiveColor
	Text      lipgloss.AdaptiveColor

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	UserBody       lipgloss.Style
	MutedText      lipgloss.Style
	ErrorText      lipgloss.Style
	StatusBar      lipgloss.Style
	Sidebar        lipgloss.Style
	SidebarTitle   lipgloss.Style
	SessionItem    lipgloss.Style
	SessionActive  lipgloss.Style
	SessionCursor  lipgloss.Style
	Editor         lipgloss.Style
}

// adaptive pairs a Latte color for light terminals with its Mocha twin.
func adaptive(pick func(catppuccin.Flavor) catppuccin.Color) lipgloss.AdaptiveColor {
	return lipgloss.AdaptiveColor{
		Light: pick(catppuccin.Latte).Hex,
		Dark:  pick(catppuccin.Mocha).Hex,
	}
}

// NewTheme builds the catppuccin theme.
func NewTheme() Theme {
	t := Theme{
		Primary:   adaptive(catppuccin.Flavor.Mauve),
		Secondary: adaptive(catppuccin.Flavor.Sapphire),
		Muted:     adaptive(catppuccin.Flavor.Overlay1),
		Error:     adaptive(catppuccin.Flavor.Red),
		Success:   adaptive(catppuccin.Flavor.Green),
		Border:    adaptive(catppuccin.Flavor.Surface1),
		Text:      adaptive(catppuccin.Flavor.Text),
	}

	t.UserLabel = lipgloss.NewStyle().Bold(true).Foreground(t.Secondary)
	t.AssistantLabel = lipgloss.NewStyle().Bold(true).Foreground(t.Primary)
	t.UserBody = lipgloss.NewStyle().Foreground(t.Text).PaddingLeft(2)
	t.MutedText = lipgloss.NewStyle().Foreground(t.Muted)
	t.ErrorText = lipgloss.NewStyle().Foreground(t.Error)
	t.StatusBar = lipgloss.NewStyle().Foreground(t.Muted).Padding(0, 1)
	t.Sidebar = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder(), false, true, false, false).
		BorderForeground(t.Border).
		Padding(0, 1)
	t.SidebarTitle = lipgloss.NewStyle().Bold(true).Foreground(t.Primary).MarginBottom(1)
	t.SessionItem = lipgloss.NewStyle().Foreground(t.Text)
	t.SessionActive = lipgloss.NewStyle().Bold(true).Foreground(t.Primary)
	t.SessionCursor = lipgloss.NewStyle().Foreground(t.Secondary)
	t.Editor = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(t.Border)
	return t
}
