package tui

import (
	"strings"
)

// Command is a parsed slash command.
type Command struct {
	Name string
	Arg  string
}

// commandHelp lists the slash commands in display order.
var commandHelp = []struct {
	name string
	help string
}{
	{"/new", "start a new chat"},
	{"/attach <path>", "stage a file for the next message"},
	{"/detach", "drop the staged file"},
	{"/retry", "resend the last message"},
	{"/copy", "copy the last reply"},
	{"/share", "toggle sharing of this chat"},
	{"/delete", "delete this chat"},
	{"/speak", "read the last reply aloud"},
	{"/stop", "stop reading aloud"},
	{"/find <query>", "filter the chat list"},
	{"/help", "show commands"},
	{"/quit", "exit"},
}

// ParseCommand splits input into a slash command and its argument.
// Input that does not start with "/" is not a command.
func ParseCommand(input string) (Command, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") || input == "/" {
		return Command{}, false
	}

	name, arg, _ := strings.Cut(input[1:], " ")
	return Command{Name: strings.ToLower(name), Arg: strings.TrimSpace(arg)}, true
}

// HelpText renders the command list.
func HelpText() string {
	var b strings.Builder
	for _, c := range commandHelp {
		b.WriteString(c.name)
		b.WriteString(strings.Repeat(" ", max(1, 18-len(c.name))))
		b.WriteString(c.help)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
