package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	r, err := NewRenderer(&RendererConfig{Width: 60, Style: "notty", MaxCache: 2})
	require.NoError(t, err)

	out, err := r.Render("# Judul\n\nHalo **dunia**")
	require.NoError(t, err)
	plain := Plain(out)
	assert.Contains(t, plain, "Judul")
	assert.Contains(t, plain, "dunia")
	assert.NotContains(t, plain, "\n\n\n")

	empty, err := r.Render("   ")
	require.NoError(t, err)
	assert.Empty(t, empty)

	t.Run("cache is bounded", func(t *testing.T) {
		for _, s := range []string{"a", "b", "c"} {
			_, err := r.Render(s)
			require.NoError(t, err)
		}
		assert.LessOrEqual(t, len(r.cache), 2)
		assert.Len(t, r.order, len(r.cache))
	})

	t.Run("width change resets cache", func(t *testing.T) {
		require.NoError(t, r.SetWidth(40))
		assert.Equal(t, 40, r.Width())
		assert.Empty(t, r.cache)
	})
}

func TestPreprocessKeepsFences(t *testing.T) {
	in := "text   \n```go\nx := 1   \n```\nmore\t"
	out := preprocessMarkdown(in)
	assert.Equal(t, "text\n```go\nx := 1   \n```\nmore", out)
}

func TestPostprocessCollapsesBlankLines(t *testing.T) {
	out := postprocessOutput("\n\na\n\n\n\nb\n\n")
	assert.Equal(t, "a\n\nb", out)
}

func TestExtractCodeBlocks(t *testing.T) {
	content := "Contoh:\n```go\nfmt.Println(\"hi\")\n```\nlalu\n```\nplain\n```"
	blocks := ExtractCodeBlocks(content)
	require.Len(t, blocks, 2)
	assert.Equal(t, CodeBlock{Language: "go", Code: `fmt.Println("hi")`}, blocks[0])
	assert.Equal(t, CodeBlock{Language: "", Code: "plain"}, blocks[1])

	assert.Empty(t, ExtractCodeBlocks("no code here"))
}

func TestContainsMarkdown(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"## Heading", true},
		{"some **bold** text", true},
		{"run `go test`", true},
		{"- item", true},
		{"1. first", true},
		{"> quote", true},
		{"[link](http://x)", true},
		{"| a | b |", true},
		{"Halo, apa kabar?", false},
		{strings.Repeat("plain ", 10), false},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			assert.Equal(t, tt.want, ContainsMarkdown(tt.content))
		})
	}
}
