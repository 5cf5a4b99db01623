package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"

	"github.com/MegaGrindStone/gram-ai/internal/chat"
	"github.com/MegaGrindStone/gram-ai/internal/handlers"
	"github.com/MegaGrindStone/gram-ai/internal/identity"
	"github.com/MegaGrindStone/gram-ai/internal/models"
	"github.com/spf13/cobra"
)

const replPrompt = "> "

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: "Start an interactive conversation. Type a question and press enter.\n" +
			"Commands: /clear empties the conversation, /lang <code> switches the reply language, " +
			"/logout ends the session so the next message starts a new one, /quit exits. " +
			"Ctrl-C stops the reply being streamed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := a.coordinator()

			if err := c.Bootstrap(cmd.Context()); err != nil {
				a.logger.Warn("Failed to resolve identity, will retry on send", slog.String("err", err.Error()))
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt)
			defer func() {
				signal.Stop(sigs)
				close(sigs)
			}()
			go func() {
				for range sigs {
					c.Cancel()
				}
			}()

			return runChat(cmd.Context(), c, a.manager, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func (a *app) coordinator() *chat.Coordinator {
	return chat.NewCoordinator(a.cfg.server()+chatPath, a.manager, chat.Options{
		APIKey:      a.cfg.APIKey,
		Tokens:      a.auth,
		Language:    a.cfg.Language,
		ReadTimeout: a.cfg.ReadTimeout,
		HTTPClient:  a.client,
		Logger:      a.logger,
	})
}

type identityClearer interface {
	ClearIdentity(ctx context.Context) error
}

// runChat reads one message per line from in and prints the streamed replies to out until in is
// exhausted or /quit is entered.
func runChat(ctx context.Context, c *chat.Coordinator, ids identityClearer, in io.Reader, out io.Writer) error {
	printer := &replyPrinter{out: out}
	unsubscribe := c.Subscribe(printer.update)
	defer unsubscribe()

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, replPrompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/clear":
			if err := c.ClearTranscript(); err != nil {
				fmt.Fprintf(out, "Unable to clear: %v\n", err)
			} else {
				fmt.Fprintln(out, "Conversation cleared.")
			}
		case line == "/logout":
			if err := ids.ClearIdentity(ctx); err != nil {
				fmt.Fprintf(out, "Unable to sign out: %v\n", err)
				break
			}
			c.ResetIdentity()
			fmt.Fprintln(out, "Signed out. The next message starts a new session.")
		case strings.HasPrefix(line, "/lang"):
			lang := strings.TrimSpace(strings.TrimPrefix(line, "/lang"))
			if !slices.Contains(handlers.Languages, lang) {
				fmt.Fprintf(out, "Unknown language %q, choose one of %s\n", lang, strings.Join(handlers.Languages, ", "))
				break
			}
			c.SetLanguage(lang)
			fmt.Fprintf(out, "Replies will be in %s.\n", lang)
		default:
			err := c.SendMessage(ctx, line)
			switch {
			case err == nil:
			case errors.Is(err, identity.ErrIdentityUnavailable):
				fmt.Fprintln(out, "Could not start a session, check your connection and try again.")
			case errors.Is(err, context.Canceled) && ctx.Err() == nil:
				fmt.Fprintln(out, "(stopped)")
			case ctx.Err() != nil:
				return ctx.Err()
			}
		}

		fmt.Fprint(out, replPrompt)
	}
	fmt.Fprintln(out)

	return scanner.Err()
}

// replyPrinter writes the assistant reply of the running exchange to out as it grows.
type replyPrinter struct {
	out io.Writer

	mu      sync.Mutex
	index   int
	printed int
}

func (p *replyPrinter) update(s chat.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch s.State {
	case models.StateSending:
		// The reply, if any, lands right after the user message of this exchange. A fallback can be
		// appended before the state leaves Sending, so the anchor is not the transcript length.
		p.index = lastUserMessage(s.Messages) + 1
		if p.index == 0 {
			return
		}
	case models.StateIdle:
		if p.printed > 0 {
			fmt.Fprintln(p.out)
			p.printed = 0
		}
		return
	}

	if p.index == 0 || p.index >= len(s.Messages) || s.Messages[p.index].Role != models.RoleAssistant {
		return
	}
	content := s.Messages[p.index].Content
	if len(content) > p.printed {
		fmt.Fprint(p.out, content[p.printed:])
		p.printed = len(content)
	}
}

func lastUserMessage(messages []models.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return i
		}
	}
	return -1
}
