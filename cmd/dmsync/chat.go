package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ecclesia-hub/dmsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id | @user-id>",
	Short: "Open a conversation and chat from the terminal",
	Long: "Open a conversation in a split view. Each line typed is sent as a message.\n" +
		"Commands: /refresh reloads, /quit exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, session, cleanup, err := openStack(ctx, false)
		if err != nil {
			return err
		}
		defer cleanup()

		convID, err := resolveConversation(ctx, session, st.api, st.userID, args[0])
		if err != nil {
			return err
		}

		redraw := make(chan struct{}, 1)
		session.OnChange(func(ch dmsync.Change) {
			if ch.Has(dmsync.ChangeMessages) || ch.Has(dmsync.ChangeConversations) {
				signalRedraw(redraw)
			}
		})
		toasts := make(chan dmsync.Notification, 8)
		session.OnNotification(func(n dmsync.Notification) {
			select {
			case toasts <- n:
			default:
			}
		})

		if err := session.OpenConversation(ctx, convID); err != nil {
			fmt.Println(renderError(err))
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		composer := session.Composer()
		draw := func() {
			conv, _ := session.Conversation(convID)
			fmt.Print("\033[H\033[2J")
			fmt.Println(renderMessages(conv, session.Messages(), st.userID, terminalWidth()))
			fmt.Print(mutedStyle.Render("> "))
		}
		draw()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-redraw:
				draw()
			case n := <-toasts:
				fmt.Println()
				fmt.Println(renderNotification(n))
				if n.Kind == dmsync.NotifySendFailed {
					fmt.Println(mutedStyle.Render("draft restored: " + composer.Draft()))
				}
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				switch strings.TrimSpace(line) {
				case "/quit":
					return nil
				case "/refresh":
					if err := session.Refresh(ctx); err != nil {
						fmt.Println(renderError(err))
					}
					continue
				}
				if err := composer.SetDraft(line); err != nil {
					fmt.Println(renderError(err))
					continue
				}
				if _, err := composer.Submit(ctx); err != nil {
					fmt.Println(renderError(err))
				}
			}
		}
	},
}

// conversationStarter is implemented by sources that can create
// conversations, such as pgsource.Store.
type conversationStarter interface {
	StartConversation(ctx context.Context, others ...string) (string, error)
}

// conversationFinder is the lookup side of dmsync.Session.
type conversationFinder interface {
	FindConversation(ids ...string) (dmsync.Conversation, bool)
	Refresh(ctx context.Context) error
}

// resolveConversation accepts a conversation id, or @user-id for the direct
// conversation with that user. When none exists and the source can create
// one, it is created and the list refreshed.
func resolveConversation(ctx context.Context, session conversationFinder, api dmsync.API, self, arg string) (string, error) {
	other, ok := strings.CutPrefix(arg, "@")
	if !ok {
		return arg, nil
	}
	if other == "" || other == self {
		return "", fmt.Errorf("invalid user %q", arg)
	}
	if conv, found := session.FindConversation(self, other); found {
		return conv.ID, nil
	}
	starter, ok := api.(conversationStarter)
	if !ok {
		return "", fmt.Errorf("no conversation with %s", other)
	}
	id, err := starter.StartConversation(ctx, other)
	if err != nil {
		return "", err
	}
	if err := session.Refresh(ctx); err != nil {
		logger.Warn("refresh after starting conversation failed", "conversation_id", id, "error", err)
	}
	return id, nil
}
