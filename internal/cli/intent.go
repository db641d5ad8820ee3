package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerwrite/internal/ir"
)

// intentFlags are the flags shared by build and submit.
type intentFlags struct {
	User        string
	Payload     string // inline JSON or YAML
	PayloadFile string
	Authority   string
}

func (f *intentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.User, "user", "u", "", "account the write is for (required)")
	cmd.Flags().StringVarP(&f.Payload, "payload", "p", "", "intent payload as JSON or YAML")
	cmd.Flags().StringVar(&f.PayloadFile, "payload-file", "", "read the payload from a JSON or YAML file")
	cmd.Flags().StringVar(&f.Authority, "authority", "", "required authority (posting|active|owner)")
	_ = cmd.MarkFlagRequired("user")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
}

// intent assembles the WriteIntent for kind. Flag problems are command
// errors; payload validation is left to the builders.
func (f *intentFlags) intent(kind string) (ir.WriteIntent, error) {
	in := ir.WriteIntent{Kind: kind, Username: f.User}
	if f.Authority != "" {
		auth, err := ir.ParseAuthority(f.Authority)
		if err != nil {
			return in, WrapExitError(ExitCommandError, "invalid --authority", err)
		}
		in.RequiredAuthority = auth
	}

	data := []byte(f.Payload)
	if f.PayloadFile != "" {
		b, err := os.ReadFile(f.PayloadFile)
		if err != nil {
			return in, WrapExitError(ExitCommandError, "failed to read payload file", err)
		}
		data = b
	}
	if len(data) == 0 {
		return in, nil
	}
	// JSON is a subset of YAML, so one decoder takes both.
	var payload map[string]any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return in, WrapExitError(ExitCommandError, "invalid payload", err)
	}
	if payload == nil {
		return in, NewExitError(ExitCommandError, "invalid payload: expected a mapping")
	}
	in.Payload = payload
	return in, nil
}

// opsView is the printable form of an operation set.
type opsView struct {
	Kind       string          `json:"kind"`
	Username   string          `json:"username"`
	Authority  ir.Authority    `json:"authority"`
	Digest     string          `json:"digest"`
	Operations ir.OperationSet `json:"operations"`
}

func newOpsView(in ir.WriteIntent, set ir.OperationSet) (opsView, error) {
	digest, err := set.Digest()
	if err != nil {
		return opsView{}, fmt.Errorf("digest: %w", err)
	}
	return opsView{
		Kind:       in.Kind,
		Username:   in.Username,
		Authority:  set.Authority(),
		Digest:     digest,
		Operations: set,
	}, nil
}
