package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zentech/yunzhi/internal/attachment"
	"github.com/zentech/yunzhi/internal/chat"
	"github.com/zentech/yunzhi/internal/events"
	"github.com/zentech/yunzhi/internal/markdown"
	"github.com/zentech/yunzhi/internal/tui"
)

// console is the line-oriented chat: replies stream to out as plain text.
type console struct {
	engine *chat.Engine
	in     *bufio.Scanner
	out    io.Writer
}

func newConsole(engine *chat.Engine, in io.Reader, out io.Writer) *console {
	c := &console{engine: engine, out: out}
	if in != nil {
		c.in = bufio.NewScanner(in)
		c.in.Buffer(make([]byte, 64*1024), 1024*1024)
	}
	return c
}

func runConsole(ctx context.Context, in io.Reader, out io.Writer) error {
	engine := yunzhiApp.NewEngine()
	defer yunzhiApp.Release(engine)

	return newConsole(engine, in, out).loop(ctx)
}

func (c *console) loop(ctx context.Context) error {
	fmt.Fprintln(c.out, "Yun-Zhi")
	fmt.Fprintf(c.out, "Model: %s\n", c.engine.Model())
	fmt.Fprintln(c.out, "Type /help for commands, /quit to leave.")
	fmt.Fprintln(c.out)

	for {
		fmt.Fprint(c.out, "> ")
		if !c.in.Scan() {
			break
		}

		input := strings.TrimSpace(c.in.Text())
		if input == "" {
			continue
		}

		if cmd, ok := tui.ParseCommand(input); ok {
			if c.handleCommand(ctx, cmd) {
				return nil
			}
			continue
		}

		if err := c.send(ctx, input); err != nil {
			fmt.Fprintf(c.out, "❌ %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	if err := c.in.Err(); err != nil {
		return fmt.Errorf("error reading input: %w", err)
	}
	return nil
}

// send starts a turn and prints the reply as it streams.
func (c *console) send(ctx context.Context, text string) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := c.engine.Timeline().Subscribe(subCtx, events.FilterByType(events.TimelineUpdated))

	turn, err := c.engine.Start(ctx, text)
	if err != nil {
		return err
	}
	return c.stream(updates, turn)
}

func (c *console) stream(updates <-chan events.Event[chat.TimelineChange], turn *chat.Turn) error {
	printed := 0
	emit := func(content string) {
		if len(content) > printed {
			fmt.Fprint(c.out, content[printed:])
			printed = len(content)
		}
	}

	for done := false; !done; {
		select {
		case ev, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if ev.Payload.Message.ID == turn.ReplyID {
				emit(ev.Payload.Message.Content)
			}
		case <-turn.Done():
			done = true
		}
	}

	err := turn.Err()
	if reply, ok := c.engine.Timeline().Get(turn.ReplyID); ok {
		emit(reply.Content)
	}
	if printed > 0 {
		fmt.Fprintln(c.out)
	}

	var terr *chat.TransportError
	if errors.As(err, &terr) {
		fmt.Fprintln(c.out, chat.ErrorReply)
	}
	return err
}

func (c *console) handleCommand(ctx context.Context, cmd tui.Command) bool {
	var err error
	switch cmd.Name {
	case "help":
		fmt.Fprintln(c.out, tui.HelpText())
	case "new":
		c.engine.NewChat()
		fmt.Fprintln(c.out, "Chat Baru")
	case "attach":
		var kind attachment.Kind
		if kind, err = c.engine.Stage(cmd.Arg); err == nil {
			fmt.Fprintf(c.out, "📎 %s\n", kind)
		}
	case "detach":
		c.engine.ClearAttachment()
	case "retry":
		var turn *chat.Turn
		if turn, err = c.engine.Retry(ctx); err == nil {
			subCtx, cancel := context.WithCancel(ctx)
			updates := c.engine.Timeline().Subscribe(subCtx, events.FilterByType(events.TimelineUpdated))
			err = c.stream(updates, turn)
			cancel()
		}
	case "copy":
		if reply, ok := c.engine.LastReply(); ok {
			fmt.Fprintln(c.out, markdown.Plain(reply.Content))
		} else {
			err = errors.New("belum ada balasan")
		}
	case "share", "delete":
		id := c.engine.SessionID()
		if id == "" {
			err = errors.New("percakapan belum disimpan")
			break
		}
		if cmd.Name == "delete" {
			err = c.engine.DeleteSession(ctx, id)
		} else {
			err = c.engine.SetPublic(ctx, id, cmd.Arg != "off")
		}
		if err == nil {
			fmt.Fprintln(c.out, "OK")
		}
	case "speak":
		err = speakLastReply(ctx, c.engine)
	case "stop":
		if yunzhiApp != nil && yunzhiApp.Player != nil {
			yunzhiApp.Player.Stop()
		}
	case "quit", "exit":
		fmt.Fprintln(c.out, "Sampai jumpa!")
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: /%s\nType /help for available commands.\n", cmd.Name)
	}

	if err != nil {
		fmt.Fprintf(c.out, "❌ %v\n", err)
	}
	return false
}

func speakLastReply(ctx context.Context, engine *chat.Engine) error {
	if yunzhiApp == nil || yunzhiApp.Player == nil {
		return errors.New("speech is not configured")
	}
	reply, ok := engine.LastReply()
	if !ok {
		return errors.New("belum ada balasan")
	}
	return yunzhiApp.Player.Play(ctx, reply.ID, markdown.Plain(reply.Content))
}
