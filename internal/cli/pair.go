package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerwrite/internal/signer"
)

// PairOptions holds flags for the pair command.
type PairOptions struct {
	*RootOptions
	User string
	Host string
}

type pairView struct {
	Username string `json:"username"`
	UUID     string `json:"uuid"`
	Link     string `json:"link"`
}

// NewPairCommand creates the pair command.
func NewPairCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PairOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Print a pairing link for a remote signer app",
		Long: `Create a remote signing session request and print its deep link.
Open the link (or a QR code of it) in the signer app to approve the
session. The link carries the session key; treat it as a secret.

Examples:
  ledgerwrite pair --user alice
  ledgerwrite pair --user alice --host wss://signer.example --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPair(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.User, "user", "u", "", "account to pair (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().StringVar(&opts.Host, "host", "", "signer relay host")

	return cmd
}

func runPair(opts *PairOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	req, err := signer.NewPairingRequest(opts.User, opts.Host, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create pairing", err)
	}
	link, err := req.DeepLink()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to encode pairing link", err)
	}
	view := pairView{Username: req.Username, UUID: req.UUID, Link: link}
	return out.Success(view, fmt.Sprintf("Pairing %s (%s):\n%s", req.Username, req.UUID, link))
}
