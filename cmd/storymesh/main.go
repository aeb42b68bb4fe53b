// Command storymesh runs a multi-chapter story pipeline from a YAML
// configuration: it wires worker adapters onto the bus, schedules chapters
// with their dependency edges, and writes finalized chapters to disk.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set via -ldflags at release time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "storymesh",
		Short:         "Chapter pipeline orchestrator",
		Long:          "storymesh drives multi-chapter story generation through a staged worker pipeline.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newRunCmd(), newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the storymesh version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "storymesh", version)
		},
	}
}
