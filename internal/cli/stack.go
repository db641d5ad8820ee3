package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/roach88/ledgerwrite/internal/cache"
	"github.com/roach88/ledgerwrite/internal/config"
	"github.com/roach88/ledgerwrite/internal/dispatch"
	"github.com/roach88/ledgerwrite/internal/effects"
	"github.com/roach88/ledgerwrite/internal/journal"
	"github.com/roach88/ledgerwrite/internal/ledger"
	"github.com/roach88/ledgerwrite/internal/pipeline"
	"github.com/roach88/ledgerwrite/internal/poll"
	"github.com/roach88/ledgerwrite/internal/signer"
)

// stack is the write pipeline assembled from config, shared by submit
// and serve.
type stack struct {
	cfg      config.Config
	ledger   *ledger.Client
	journal  *journal.Journal
	effects  *effects.Pipeline
	pipeline *pipeline.Pipeline
}

// newStack opens the journal at dbPath and wires every provider. The
// extension and remote session providers stay in the chain; without a
// bridge or paired session they report themselves not capable and are
// skipped.
func newStack(cfg config.Config, dbPath string) (*stack, error) {
	client, err := ledger.NewClient(cfg.Nodes)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid ledger nodes", err)
	}
	j, err := journal.Open(dbPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}

	providers := []signer.Provider{
		signer.NewExtensionProvider(signer.WithExtensionTimeout(cfg.Timeouts.Extension)),
		signer.NewRemoteSessionProvider(signer.WithSessionTimeout(cfg.Timeouts.Session)),
		signer.NewTokenProvider(cfg.TokenEndpoint,
			signer.WithTokenTimeout(cfg.Timeouts.Token),
			signer.WithTokenHTTPClient(&http.Client{}),
		),
		signer.NewLocalKeyProvider(cfg.ChainID, client, client,
			signer.WithLocalKeyTimeout(cfg.Timeouts.Broadcast),
			signer.WithTransactionExpiry(cfg.TransactionExpiry),
		),
	}
	d := dispatch.New(providers, client, dispatch.WithObserver(j.Observer()))
	rec := cache.NewReconciler(cache.NewStore())

	var recorder effects.Recorder = effects.RecorderFunc(logActivity)
	if cfg.ActivityEndpoint != "" {
		recorder = &effects.HTTPRecorder{Endpoint: cfg.ActivityEndpoint, Client: &http.Client{}}
	}
	fx := effects.New(recorder)

	p := pipeline.New(d, rec,
		pipeline.WithEffects(fx),
		pipeline.WithJournal(j),
		pipeline.WithPollDefaults(poll.Spec{Interval: cfg.Poll.Interval, MaxAttempts: cfg.Poll.MaxAttempts}),
	)
	return &stack{cfg: cfg, ledger: client, journal: j, effects: fx, pipeline: p}, nil
}

// authContext is the base credential set for username. Keys and token
// are added by the caller.
func (s *stack) authContext(username string) signer.AuthContext {
	return signer.AuthContext{
		ActiveUsername: username,
		FallbackChain:  append(s.cfg.FallbackChain[:0:0], s.cfg.FallbackChain...),
		EnableFallback: s.cfg.EnableFallback,
	}
}

func (s *stack) Close() error {
	s.effects.Close()
	if err := s.journal.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

// logActivity stands in for an activity endpoint when none is configured.
func logActivity(ctx context.Context, activityType string, metadata map[string]any) error {
	slog.Default().With("component", "effects").InfoContext(ctx, "activity", "type", activityType, "metadata", metadata)
	return nil
}
