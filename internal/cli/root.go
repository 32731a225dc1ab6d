// Package cli implements the detflow command line.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "v0.1.0"

// NewRootCmd builds the detflow command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "detflow",
		Short:         "Run JavaScript functions one deterministic tick at a time",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	return root
}
