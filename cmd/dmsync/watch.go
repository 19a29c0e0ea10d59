package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ecclesia-hub/dmsync"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show the conversation list and keep it live",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, session, cleanup, err := openStack(ctx, false)
		if err != nil {
			return err
		}
		defer cleanup()

		redraw := make(chan struct{}, 1)
		session.OnChange(func(ch dmsync.Change) {
			if ch.Has(dmsync.ChangeConversations) {
				signalRedraw(redraw)
			}
		})
		session.OnNotification(func(n dmsync.Notification) {
			fmt.Println(renderNotification(n))
		})

		draw := func() {
			fmt.Print("\033[H\033[2J")
			fmt.Println(renderConversations(session.Conversations(), st.userID, "", time.Now(), terminalWidth()))
			if err := session.LastError(); err != nil {
				fmt.Println(renderError(err))
			}
			if !session.FeedActive() {
				fmt.Println(mutedStyle.Render("live updates unavailable, refreshing periodically"))
			}
		}
		draw()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-redraw:
				draw()
			}
		}
	},
}

func signalRedraw(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
