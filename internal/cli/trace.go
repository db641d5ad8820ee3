package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerwrite/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	User  string
	Limit int
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace [intent-id]",
		Short: "Show the journaled history of a write",
		Long: `Show everything the journal holds for one intent: the built
operations, each provider attempt in order, the accepted submission and
the confirmation outcome.

Without an intent id, list recent intents (newest first).

Examples:
  ledgerwrite trace 01J9Z...
  ledgerwrite trace --user alice --limit 5
  ledgerwrite trace 01J9Z... --db ./journal.db --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "list only intents for this account")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum intents to list")

	return cmd
}

func runTrace(opts *TraceOptions, args []string, cmd *cobra.Command) error {
	ctx := context.Background()
	out := opts.formatter(cmd)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	j, err := journal.Open(journalPath(opts.RootOptions, cfg))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	if len(args) == 0 {
		intents, err := j.Intents(ctx, opts.User, opts.Limit)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list intents", err)
		}
		if intents == nil {
			intents = []journal.Intent{}
		}
		return out.Success(intents, intentListText(intents))
	}

	id := args[0]
	tr, err := j.Trace(ctx, id)
	if errors.Is(err, journal.ErrNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("intent not found: %s", id))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}
	return out.SuccessFor(id, tr, traceText(tr))
}

func intentListText(intents []journal.Intent) string {
	if len(intents) == 0 {
		return "No intents journaled."
	}
	var b strings.Builder
	for i, in := range intents {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s  %-14s %-16s %s", in.ID, in.Kind, in.Username, in.Authority)
	}
	return b.String()
}

func traceText(tr journal.Trace) string {
	var b strings.Builder
	in := tr.Intent
	fmt.Fprintf(&b, "Intent: %s\n", in.ID)
	fmt.Fprintf(&b, "  %s for %s (%s authority)\n", in.Kind, in.Username, in.Authority)
	fmt.Fprintf(&b, "  digest: %s\n", in.OpsetDigest)

	fmt.Fprintf(&b, "\nAttempts (%d):\n", len(tr.Attempts))
	for _, a := range tr.Attempts {
		fmt.Fprintf(&b, "  [%d] %-16s %s", a.Index, a.Provider, a.Outcome)
		if a.Code != "" {
			retry := ""
			if a.Retryable {
				retry = ", retryable"
			}
			fmt.Fprintf(&b, " %s%s", a.Code, retry)
		}
		if a.Message != "" {
			fmt.Fprintf(&b, ": %s", a.Message)
		}
		b.WriteString("\n")
	}

	if s := tr.Submission; s != nil {
		fmt.Fprintf(&b, "\nSubmitted by %s: tx %s", s.Provider, s.TxID)
		if s.BlockNum > 0 {
			fmt.Fprintf(&b, " (block %d)", s.BlockNum)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("\nNot submitted.\n")
	}
	if tr.Confirmation != "" {
		fmt.Fprintf(&b, "Confirmation: %s\n", tr.Confirmation)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
