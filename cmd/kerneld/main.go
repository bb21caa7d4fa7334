// Command kerneld loads a multi-kernel deployment from a YAML file,
// starts it, and optionally emits one demo event through it — enough
// to exercise config loading, kernel construction, bridge wiring, and
// event dispatch from the command line.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kerneld",
		Short:         "Run and inspect a multi-kernel agent execution deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newValidateCommand())
	return cmd
}
