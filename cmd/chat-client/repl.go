// ABOUTME: Interactive loop of chat-client: readline input, slash commands and live rendering
// ABOUTME: Prints session updates above the prompt as messages arrive or change status

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/2389/chat-gateway/internal/client"
	"github.com/2389/chat-gateway/internal/session"
	"github.com/2389/chat-gateway/internal/store"
)

var (
	selfColor   = color.New(color.FgCyan, color.Bold)
	peerColor   = color.New(color.FgGreen, color.Bold)
	botColor    = color.New(color.FgMagenta, color.Bold)
	dimColor    = color.New(color.Faint)
	errorColor  = color.New(color.FgRed)
	stateColors = map[session.State]*color.Color{
		session.StateConnected:    color.New(color.FgGreen),
		session.StateConnecting:   color.New(color.FgYellow),
		session.StateDisconnected: color.New(color.FgRed),
	}
)

type repl struct {
	ctx    context.Context
	client *client.Client
	ctrl   *session.Controller
	self   string
	peer   string

	mu  sync.Mutex // serializes writes to out
	out io.Writer
}

// command is a parsed slash command.
type command struct {
	name string
	arg  string
}

// parseCommand splits "/name arg". ok is false for plain message text.
func parseCommand(line string) (command, bool) {
	if !strings.HasPrefix(line, "/") {
		return command{}, false
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

func (r *repl) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}

// formatEntry renders one view entry as a single line.
func formatEntry(e session.Entry, self string) string {
	msg := e.Message
	who := peerColor.Sprint(msg.SenderID)
	switch {
	case msg.Origin == store.OriginAssistant:
		who = botColor.Sprint(msg.SenderID + " (auto)")
	case msg.SenderID == self:
		who = selfColor.Sprint("you")
	}

	line := fmt.Sprintf("%s %s: %s", dimColor.Sprint(msg.SentAt.Local().Format("15:04")), who, msg.Body)
	switch e.Status {
	case session.StatusPending:
		line += dimColor.Sprint(" …")
	case session.StatusFailed:
		reason := "not delivered"
		if e.Err != nil {
			reason = e.Err.Error()
		}
		line += errorColor.Sprintf(" [failed: %s]", reason)
	}
	return line
}

func (r *repl) printOpened(opened *session.Opened) {
	conv := opened.Conversation
	r.println(fmt.Sprintf("Conversation %s with %s (mode: %s)", conv.ID, r.peer, conv.Mode))
	for _, msg := range opened.History {
		r.println(formatEntry(session.Entry{Message: msg, Status: session.StatusConfirmed}, r.self))
	}
	r.println(dimColor.Sprint("Type a message and press Enter. /help for commands."))
}

// render prints updates until the channel closes. Pending entries are
// printed once when sent; later updates of the same message only print on
// a status change to failed, or when they come from someone else.
func (r *repl) render(updates <-chan session.Update) {
	for u := range updates {
		switch u.Kind {
		case session.UpdateState:
			c, ok := stateColors[u.State]
			if !ok {
				continue
			}
			r.println(c.Sprintf("[%s]", u.State))
		case session.UpdateEntry:
			if u.Entry == nil || !shouldPrint(*u.Entry, r.self) {
				continue
			}
			r.println(formatEntry(*u.Entry, r.self))
		}
	}
}

func shouldPrint(e session.Entry, self string) bool {
	if e.Message.SenderID != self {
		return true
	}
	return e.Status != session.StatusConfirmed
}

func (r *repl) printHelp() {
	r.println(strings.Join([]string{
		"Commands:",
		"  /mode human|bot  Switch the response mode (operator only)",
		"  /history         Reprint the conversation",
		"  /status          Show connection state and mode",
		"  /help            Show this help",
		"  /quit            Exit",
	}, "\n"))
}

// handle runs one command. It returns true when the loop should end.
func (r *repl) handle(cmd command) bool {
	switch cmd.name {
	case "quit", "exit", "q":
		return true
	case "help":
		r.printHelp()
	case "history":
		for _, e := range r.ctrl.View() {
			r.println(formatEntry(e, r.self))
		}
	case "status":
		mode := "?"
		if conv := r.ctrl.Conversation(); conv != nil {
			mode = string(conv.Mode)
		}
		r.println(fmt.Sprintf("state: %s, joined: %t, mode: %s", r.ctrl.State(), r.ctrl.Ready(), mode))
	case "mode":
		r.setMode(store.Mode(strings.ToLower(cmd.arg)))
	default:
		r.println(errorColor.Sprintf("unknown command /%s", cmd.name))
	}
	return false
}

func (r *repl) setMode(mode store.Mode) {
	if !mode.Valid() {
		r.println(errorColor.Sprint("usage: /mode human|bot"))
		return
	}
	conv := r.ctrl.Conversation()
	if conv == nil {
		return
	}
	updated, err := r.client.SetMode(r.ctx, conv.ID, mode)
	if err != nil {
		r.println(errorColor.Sprintf("[error] %v", err))
		return
	}
	r.ctrl.SetMode(updated.Mode)
	r.println(fmt.Sprintf("mode is now %s", updated.Mode))
}

func (r *repl) send(body string) {
	if _, err := r.ctrl.Send(r.ctx, body); err != nil {
		r.println(errorColor.Sprintf("[error] %v", err))
	}
}

func (r *repl) loop() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          selfColor.Sprint("> "),
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	r.mu.Lock()
	r.out = rl.Stdout()
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.render(r.ctrl.Updates())
	}()
	go func() {
		<-r.ctx.Done()
		_ = rl.Close()
	}()

	defer func() {
		_ = r.ctrl.Close()
		wg.Wait()
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			if r.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if cmd, ok := parseCommand(line); ok {
			if r.handle(cmd) {
				return nil
			}
			continue
		}
		r.send(line)
	}
}
