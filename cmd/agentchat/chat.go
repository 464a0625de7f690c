package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MegaGrindStone/agentchat/internal/handlers"
	"github.com/spf13/cobra"
)

var chatFresh bool

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Start an interactive conversation",
	Long: `Open a conversation with the agent runtime.

Without a session id the last active session is resumed; --new starts a new
conversation instead. A session is created when the first message is sent.

Commands inside the conversation:
  /new       start a new conversation
  /session   print the active session id
  /quit      leave`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatFresh, "new", false, "Start a new conversation instead of resuming the last one")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			a.logger.Error("Failed to close store", slog.String("err", err.Error()))
		}
	}()

	p := newPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr())
	convCfg := a.conversationConfig()
	convCfg.OnChange = p.render
	convCfg.Notifier = p

	conv, err := handlers.NewConversation(ctx, convCfg, a.logger)
	if err != nil {
		return err
	}
	defer conv.Close()

	switch {
	case len(args) == 1:
		if err := conv.Open(ctx, args[0]); err != nil {
			return err
		}
	case chatFresh:
		if err := conv.New(ctx); err != nil {
			return err
		}
	default:
		if _, err := conv.Resume(ctx); err != nil {
			return err
		}
	}

	if id := conv.SessionID(); id != "" {
		p.info("Session %s", id)
	} else {
		p.info("New conversation, type a message to start")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, conv, p, line)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, conv *handlers.Conversation, p *printer, line string) (bool, error) {
	switch strings.TrimSpace(line) {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		if err := conv.New(ctx); err != nil {
			return false, fmt.Errorf("failed to start a new conversation: %w", err)
		}
		p.reset()
		p.info("New conversation, type a message to start")
		return false, nil
	case "/session":
		if id := conv.SessionID(); id != "" {
			p.info("Session %s", id)
		} else {
			p.info("No session yet")
		}
		return false, nil
	}

	conv.Flow().SetInput(line)
	// Failures are reported through the notifier and the timeline.
	_ = conv.Flow().Submit(ctx)
	return false, nil
}
