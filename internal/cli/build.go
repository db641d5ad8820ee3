package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerwrite/internal/builder"
)

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	*RootOptions
	intentFlags
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "build <kind>",
		Short: "Print the operations a write intent builds to",
		Long: `Build a write intent and print its operation set without signing or
broadcasting anything.

Kinds: ` + strings.Join(builder.Default().Kinds(), ", ") + `

Exit codes:
  0 - Intent built
  1 - Intent rejected by the builder
  2 - Command error (bad flags, unreadable payload)

Examples:
  ledgerwrite build vote -u alice -p '{voter: alice, author: bob, permlink: hello, weight: 10000}'
  ledgerwrite build transfer -u alice --payload-file transfer.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(opts, args[0], cmd)
		},
	}
	opts.intentFlags.register(cmd)
	return cmd
}

func runBuild(opts *BuildOptions, kind string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	in, err := opts.intent(kind)
	if err != nil {
		return err
	}
	set, err := builder.Build(in)
	if err != nil {
		var be *builder.BuildError
		if errors.As(err, &be) {
			out.Error("BUILD_ERROR", be.Error(), be)
			return WrapExitError(ExitFailure, "build failed", err)
		}
		return err
	}

	view, err := newOpsView(in, set)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s for %s (%s authority)\n", kind, in.Username, view.Authority)
	fmt.Fprintf(&b, "digest: %s\n", view.Digest)
	for i, name := range set.Names() {
		fmt.Fprintf(&b, "  [%d] %s\n", i, name)
	}
	return out.Success(view, strings.TrimSuffix(b.String(), "\n"))
}
