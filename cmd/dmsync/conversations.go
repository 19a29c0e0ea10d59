package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ecclesia-hub/dmsync"
)

var conversationsJSON bool

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		st, err := buildStack(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.close()

		convs, err := st.api.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("fetch conversations: %w", err)
		}
		// Same ordering and deduplication as a live session.
		store := dmsync.NewConversationStore()
		store.ReplaceAll(convs)

		if conversationsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(store.List())
		}
		fmt.Println(renderConversations(store.List(), st.userID, "", time.Now(), terminalWidth()))
		return nil
	},
}

// terminalWidth reads $COLUMNS, defaulting to 80.
func terminalWidth() int {
	var w int
	if _, err := fmt.Sscan(os.Getenv("COLUMNS"), &w); err != nil || w <= 0 {
		return 80
	}
	return w
}
