package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerwrite/internal/api"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the intent API over HTTP",
		Long: `Run the write pipeline behind an HTTP API:

  POST /v1/intents        submit a write intent
  GET  /v1/intents/{id}   journaled trace of an intent
  GET  /health

A request's "Authorization: Bearer <token>" is used as its delegated
signing token.

Examples:
  ledgerwrite serve --config ./ledgerwrite.cue
  ledgerwrite serve --listen 127.0.0.1:9000 --db ./journal.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address, overrides api.listen")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.APIListen = opts.Listen
	}
	s, err := newStack(cfg, journalPath(opts.RootOptions, cfg))
	if err != nil {
		return err
	}
	defer s.Close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Effects outlive the signal so pending activities drain on shutdown.
	fxCtx, stopFx := context.WithCancel(parentCtx)
	defer stopFx()
	go s.effects.Run(fxCtx)

	handler := api.New(s.pipeline, api.BearerAuth(s.authContext("")),
		api.WithJournal(s.journal),
		api.WithReader(s.ledger),
	).Routes()

	ln, err := net.Listen("tcp", cfg.APIListen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", ln.Addr().String(), "journal", journalPath(opts.RootOptions, cfg))
		errCh <- srv.Serve(ln)
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", ln.Addr())

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	if err := s.effects.Drain(shutdownCtx); err != nil {
		slog.Warn("activities not delivered before exit", "pending", s.effects.Pending())
	}
	slog.Info("server stopped")
	return nil
}
