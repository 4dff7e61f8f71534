package session

import (
	"strings"

	"github.com/zentech/yunzhi/internal/storage"
	"golang.org/x/text/unicode/norm"
)

const (
	// FallbackTitle names sessions whose first turn carries no typed text.
	FallbackTitle = "Percakapan Baru"
	// DefaultInstruction is sent in place of text on attachment-only turns.
	DefaultInstruction = "Tolong analisis gambar ini."

	titleMaxRunes = 30
)

// Title derives a session title from the text of the first user message.
// Empty conversations get FallbackTitle.
func Title(messages []storage.StoredMessage) string {
	for _, m := range messages {
		if m.Role == storage.RoleUser {
			return TitleFromInput(m.Content)
		}
	}
	return FallbackTitle
}

// TitleFromInput titles a session after what the user typed: NFC-normalized
// and cut to 30 characters. Blank input gets FallbackTitle.
func TitleFromInput(input string) string {
	text := strings.TrimSpace(norm.NFC.String(input))
	if text == "" {
		return FallbackTitle
	}
	return truncateRunes(text, titleMaxRunes)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n]))
}
