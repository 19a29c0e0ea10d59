package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ecclesia-hub/dmsync/httpview"
)

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default [serve].addr or :8088)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the browser view (and the webhook endpoint when feed.transport is webhook)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, session, cleanup, err := openStack(ctx, true)
		if err != nil {
			return err
		}
		defer cleanup()

		addr := valueOrDefault(serveAddr, valueOrDefault(st.cfg.Serve.Addr, ":8088"))
		view := httpview.New(session, httpview.Config{
			Addr:    addr,
			Env:     st.cfg.Default.Environment,
			Webhook: st.webhook,
			Logger:  logger,
		})
		srv := view.HTTPServer()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("serving", "addr", addr)
			errCh <- srv.ListenAndServe()
		}()
		fmt.Printf("Serving on %s\n", addr)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
