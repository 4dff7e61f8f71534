package tui

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/zentech/yunzhi/internal/chat"
	"github.com/zentech/yunzhi/internal/markdown"
)

const (
	userLabel      = "Kamu"
	assistantLabel = "Yun-Zhi"
	streamCursor   = "▌"
)

// renderMessages lays out the timeline for the chat viewport. Finalized
// replies go through the markdown renderer; the streaming reply is shown
// as wrapped text so partial markdown never breaks the layout.
func renderMessages(theme Theme, r *markdown.Renderer, messages []chat.Message, width int, speaking string) string {
	if len(messages) == 0 {
		return theme.MutedText.Render("Mulai percakapan dengan Yun-Zhi. Ketik /help untuk daftar perintah.")
	}

	width = max(width, 20)
	blocks := make([]string, 0, len(messages))
	for _, m := range messages {
		blocks = append(blocks, renderMessage(theme, r, m, width, m.ID == speaking))
	}
	return strings.Join(blocks, "\n\n")
}

func renderMessage(theme Theme, r *markdown.Renderer, m chat.Message, width int, speaking bool) string {
	var b strings.Builder

	if m.Role == chat.RoleUser {
		b.WriteString(theme.UserLabel.Render(userLabel))
		if m.Marker != "" {
			b.WriteString(" ")
			b.WriteString(theme.MutedText.Render("📎 " + m.Marker))
		}
		b.WriteString("\n")
		b.WriteString(theme.UserBody.Render(ansi.Wordwrap(m.Content, width-2, " ")))
		return b.String()
	}

	b.WriteString(theme.AssistantLabel.Render(assistantLabel))
	if speaking {
		b.WriteString(" ")
		b.WriteString(theme.MutedText.Render("🔊"))
	}
	b.WriteString("\n")

	switch {
	case m.Streaming:
		b.WriteString(ansi.Wordwrap(m.Content, width, " "))
		b.WriteString(theme.MutedText.Render(streamCursor))
	case m.Content == chat.ErrorReply:
		b.WriteString(theme.ErrorText.Render(ansi.Wordwrap(m.Content, width, " ")))
	case r != nil && markdown.ContainsMarkdown(m.Content):
		b.WriteString(r.RenderOrPlain(m.Content))
	default:
		b.WriteString(ansi.Wordwrap(m.Content, width, " "))
	}
	return b.String()
}
