package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerwrite/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // path to a .cue or .yaml config; empty uses defaults
	DB      string // journal path; overrides journal.path from config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ledgerwrite CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerwrite",
		Short: "ledgerwrite - authenticated ledger writes",
		Long: `Build, sign and broadcast ledger operations through a chain of signing
providers, with a local journal of every attempt.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), opts.Verbose))
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (.cue, .yaml)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "journal database path (overrides config)")

	cmd.AddCommand(NewBuildCommand(opts))
	cmd.AddCommand(NewSubmitCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewValidateConfigCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPairCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// newLogger logs text to w: info by default, debug with --verbose.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig returns the --config file, or the defaults when unset.
// A bad file is a command error.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.Config == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// journalPath is --db when set, else the configured path.
func journalPath(opts *RootOptions, cfg config.Config) string {
	if opts.DB != "" {
		return opts.DB
	}
	return cfg.JournalPath
}

func (opts *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
