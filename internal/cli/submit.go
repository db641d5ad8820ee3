package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/roach88/ledgerwrite/internal/builder"
	"github.com/roach88/ledgerwrite/internal/dispatch"
	"github.com/roach88/ledgerwrite/internal/ir"
	"github.com/roach88/ledgerwrite/internal/pipeline"
	"github.com/roach88/ledgerwrite/internal/poll"
	"github.com/roach88/ledgerwrite/internal/signer"
)

// drainTimeout bounds delivery of the activity after a write.
const drainTimeout = 10 * time.Second

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	intentFlags
	Keys       []string // role=WIF
	Token      string
	Chain      []string
	NoFallback bool
	Confirm    bool
	Nonce      string
}

// submitView is the printable outcome of a write.
type submitView struct {
	IntentID     string            `json:"intent_id"`
	Operations   ir.OperationSet   `json:"operations"`
	Result       ir.ProviderResult `json:"result"`
	Confirmation string            `json:"confirmation,omitempty"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <kind>",
		Short: "Sign and broadcast a write intent",
		Long: `Build a write intent and hand it to the provider chain. Each provider
is tried in chain order; with fallback enabled a retryable failure moves
on to the next capable provider. Every attempt is journaled.

From the command line the local key and delegated token providers are
available. Keys are given per role and held in memory for this write only.

Exit codes:
  0 - Broadcast (and confirmed, with --confirm)
  1 - Rejected, failed on every provider, or not confirmed
  2 - Command error (bad flags, config, journal)

Examples:
  ledgerwrite submit vote -u alice -p '{voter: alice, author: bob, permlink: hello, weight: 10000}' --key posting=5J...
  ledgerwrite submit transfer -u alice --payload-file t.yaml --key active=5K... --confirm
  ledgerwrite submit follow -u alice -p '{following: bob}' --token $TOKEN --chain delegated_token`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	opts.intentFlags.register(cmd)
	cmd.Flags().StringArrayVarP(&opts.Keys, "key", "k", nil, "private key as role=WIF (repeatable)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "delegated signing token")
	cmd.Flags().StringSliceVar(&opts.Chain, "chain", nil, "provider chain, overrides config")
	cmd.Flags().BoolVar(&opts.NoFallback, "no-fallback", false, "try only the first capable provider")
	cmd.Flags().BoolVar(&opts.Confirm, "confirm", false, "wait until the write is visible on the ledger")
	cmd.Flags().StringVar(&opts.Nonce, "nonce", "", "intent nonce; reuse to retry the same intent")

	return cmd
}

func runSubmit(opts *SubmitOptions, kind string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	in, err := opts.intent(kind)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	s, err := newStack(cfg, journalPath(opts.RootOptions, cfg))
	if err != nil {
		return err
	}
	defer s.Close()

	ac, err := opts.authContext(s, in.Username)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go s.effects.Run(runCtx)

	subOpts := pipeline.SubmitOptions{Nonce: opts.Nonce}
	if opts.Confirm {
		subOpts.Poll = pipeline.ConfirmWrite(s.ledger, 0, 0)
	}

	out.VerboseLog("submitting %s for %s via %v", kind, in.Username, ac.FallbackChain)
	sub, err := s.pipeline.Submit(ctx, in, ac, subOpts)
	if err != nil {
		return reportSubmitError(out, sub, err)
	}

	view := submitView{IntentID: sub.IntentID, Operations: sub.Operations, Result: sub.Result}
	var confirmErr error
	if sub.Poll != nil {
		out.VerboseLog("waiting for confirmation of %s", sub.Result.Confirmation.TxID)
		outcome, err := sub.Confirm(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "confirmation interrupted", err)
		}
		view.Confirmation = string(outcome)
		if outcome != poll.Confirmed {
			confirmErr = NewExitError(ExitFailure, fmt.Sprintf("write not confirmed: %s", outcome))
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := s.effects.Drain(drainCtx); err != nil {
		out.VerboseLog("activity not delivered: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✓ %s broadcast by %s\n", kind, sub.Result.Provider)
	fmt.Fprintf(&b, "  intent: %s\n", sub.IntentID)
	fmt.Fprintf(&b, "  tx:     %s (block %d)", sub.Result.Confirmation.TxID, sub.Result.Confirmation.BlockNum)
	if view.Confirmation != "" {
		fmt.Fprintf(&b, "\n  confirmation: %s", view.Confirmation)
	}
	if err := out.SuccessFor(sub.IntentID, view, b.String()); err != nil {
		return err
	}
	return confirmErr
}

// authContext merges the config chain with --chain, --no-fallback,
// --key and --token.
func (opts *SubmitOptions) authContext(s *stack, username string) (*signer.AuthContext, error) {
	ac := s.authContext(username)
	if len(opts.Chain) > 0 {
		ac.FallbackChain = ac.FallbackChain[:0]
		for _, name := range opts.Chain {
			id, err := ir.ParseProviderID(strings.TrimSpace(name))
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "invalid --chain", err)
			}
			ac.FallbackChain = append(ac.FallbackChain, id)
		}
	}
	if opts.NoFallback {
		ac.EnableFallback = false
	}

	if len(opts.Keys) > 0 {
		ac.Keys = signer.NewKeyring(username)
		for _, kv := range opts.Keys {
			role, wif, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, NewExitError(ExitCommandError, "invalid --key: expected role=WIF")
			}
			auth, err := ir.ParseAuthority(role)
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "invalid --key", err)
			}
			if err := ac.Keys.AddWIF(auth, wif, signer.SourceMemory); err != nil {
				return nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid %s key", role), err)
			}
		}
	}
	if opts.Token != "" {
		ac.Token = &oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"}
	}
	return &ac, nil
}

// reportSubmitError prints the failure and returns the exit error.
func reportSubmitError(out *OutputFormatter, sub *pipeline.Submission, err error) error {
	var intentID string
	if sub != nil {
		intentID = sub.IntentID
	}

	var be *builder.BuildError
	var np *dispatch.NoProviderError
	var af *dispatch.AllProvidersFailed
	switch {
	case errors.As(err, &be):
		out.ErrorFor(intentID, string(ir.CodeBuild), be.Error(), be)
	case errors.As(err, &np):
		out.ErrorFor(intentID, string(np.Code()), np.Error(), nil)
	case errors.As(err, &af):
		msg := af.Error()
		if last := af.Last(); last != nil {
			msg = fmt.Sprintf("%s: %s", last.Provider, last.Message)
		}
		out.ErrorFor(intentID, string(af.Code()), msg, af.Attempts)
	case errors.Is(err, pipeline.ErrDuplicateInFlight), errors.Is(err, pipeline.ErrAlreadySubmitted):
		out.ErrorFor(intentID, "DUPLICATE_INTENT", err.Error(), nil)
	default:
		return fmt.Errorf("submit: %w", err)
	}
	return WrapExitError(ExitFailure, "write failed", err)
}
