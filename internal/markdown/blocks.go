package markdown

import (
	"regexp"
	"strings"
)

// CodeBlock is one fenced block of a message.
type CodeBlock struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

var codeBlockRegex = regexp.MustCompile("```([\\w+-]*)[^\\n]*\\n([\\s\\S]*?)```")

// ExtractCodeBlocks returns the fenced code blocks of content in order.
func ExtractCodeBlocks(content string) []CodeBlock {
	var blocks []CodeBlock
	for _, match := range codeBlockRegex.FindAllStringSubmatch(content, -1) {
		blocks = append(blocks, CodeBlock{
			Language: match[1],
			Code:     strings.TrimRight(match[2], "\n"),
		})
	}
	return blocks
}

var markdownPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^#{1,6}\s+`),
	regexp.MustCompile(`\*\*.+\*\*`),
	regexp.MustCompile("`[^`]+`"),
	regexp.MustCompile("```"),
	regexp.MustCompile(`(?m)^\s*[-*+]\s+`),
	regexp.MustCompile(`(?m)^\s*\d+\.\s+`),
	regexp.MustCompile(`(?m)^\s*>\s+`),
	regexp.MustCompile(`\[.+\]\(.+\)`),
	regexp.MustCompile(`(?m)^\s*\|.*\|\s*$`),
}

// ContainsMarkdown reports whether content uses markdown syntax.
func ContainsMarkdown(content string) bool {
	for _, re := range markdownPatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}
