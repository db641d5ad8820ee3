// Command ledgerwrite builds, signs and broadcasts ledger writes.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ledgerwrite/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
