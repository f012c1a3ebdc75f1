package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"chatstate/models"
	"chatstate/services"

	"github.com/fatih/color"
)

var (
	userLabel  = color.New(color.FgGreen, color.Bold)
	botLabel   = color.New(color.FgCyan, color.Bold)
	dimText    = color.New(color.FgHiBlack)
	errorLabel = color.New(color.FgRed, color.Bold)
)

const helpText = `commands:
  /list            refresh the agent's conversations
  /open <n|id>     open a conversation from the list
  /delete <n|id>   delete a conversation
  /new             start a new conversation
  /agent <name>    switch agent
  /help            show this help
  /quit            exit
anything else is sent to the agent`

// session interprets REPL input against the store carried by ctx.
type session struct {
	agent string
	out   io.Writer
}

func (s *session) banner() {
	fmt.Fprintf(s.out, "chatting with %s, /help for commands\n", botLabel.Sprint(s.agent))
}

func (s *session) prompt() {
	fmt.Fprint(s.out, userLabel.Sprint("> "))
}

// handle runs one input line and reports whether the user asked to quit.
func (s *session) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	store := services.ConversationStoreFromContext(ctx)

	if !strings.HasPrefix(line, "/") {
		if _, err := store.SendMessage(ctx, s.agent, line); err != nil {
			s.fail(err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(s.out, helpText)
	case "/new":
		store.ResetConversation()
		fmt.Fprintln(s.out, dimText.Sprint("new conversation"))
	case "/list":
		if err := store.LoadAgentConversations(ctx, s.agent); err != nil {
			s.fail(err)
			return false
		}
		s.printConversations(store.Conversations(), store.CurrentConversationID())
	case "/open":
		id, err := resolveConversation(store.Conversations(), arg)
		if err != nil {
			s.fail(err)
			return false
		}
		if err := store.LoadConversation(ctx, id); err != nil && !errors.Is(err, services.ErrStaleLoad) {
			s.fail(err)
		}
	case "/delete":
		id, err := resolveConversation(store.Conversations(), arg)
		if err != nil {
			s.fail(err)
			return false
		}
		if err := store.DeleteConversation(ctx, id); err != nil {
			s.fail(err)
			return false
		}
		fmt.Fprintln(s.out, dimText.Sprintf("deleted %s", id))
	case "/agent":
		if arg == "" {
			s.fail(errors.New("usage: /agent <name>"))
			return false
		}
		s.agent = arg
		store.ResetConversation()
		s.banner()
		return s.handle(ctx, "/list")
	default:
		s.fail(fmt.Errorf("unknown command %s", cmd))
	}
	return false
}

func (s *session) printConversations(convs []models.Conversation, currentID string) {
	if len(convs) == 0 {
		fmt.Fprintln(s.out, dimText.Sprint("no conversations yet"))
		return
	}
	for i, c := range convs {
		marker := " "
		if c.ID == currentID {
			marker = "*"
		}
		fmt.Fprintf(s.out, "%s %2d. %s %s\n", marker, i+1, c.Title,
			dimText.Sprintf("(%d messages, %s)", c.MessageCount, c.UpdatedAt))
	}
}

func (s *session) fail(err error) {
	fmt.Fprintf(s.out, "%s %v\n", errorLabel.Sprint("error:"), err)
}

// resolveConversation accepts a 1-based list index or a conversation id.
func resolveConversation(convs []models.Conversation, arg string) (string, error) {
	if arg == "" {
		return "", errors.New("conversation number or id required")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(convs) {
			return "", fmt.Errorf("no conversation #%d, run /list", n)
		}
		return convs[n-1].ID, nil
	}
	return arg, nil
}

// renderer prints the timeline as the store changes. A timeline that was
// replaced rather than extended is printed again from the start.
type renderer struct {
	mu      sync.Mutex
	out     io.Writer
	printed int
	firstID string
	loading bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) render(snap services.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := snap.Messages
	replaced := len(msgs) < r.printed ||
		(r.printed > 0 && len(msgs) > 0 && msgs[0].ID != r.firstID)
	if replaced {
		r.printed = 0
		if len(msgs) > 0 {
			fmt.Fprintln(r.out, dimText.Sprintf("--- conversation %s ---", snap.CurrentConversationID))
		}
	}

	for _, m := range msgs[r.printed:] {
		label := userLabel.Sprint("you")
		if m.Sender == models.SenderBot {
			label = botLabel.Sprint("bot")
		}
		fmt.Fprintf(r.out, "%s %s %s\n", dimText.Sprint(m.Timestamp.Local().Format("15:04")), label, m.Text)
	}
	r.printed = len(msgs)
	if len(msgs) > 0 {
		r.firstID = msgs[0].ID
	}

	if snap.IsLoading && !r.loading {
		fmt.Fprintln(r.out, dimText.Sprint("..."))
	}
	r.loading = snap.IsLoading
}
