// Package cli implements the celerix-snap command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd returns the root cobra command for the celerix-snap CLI.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "celerix-snap",
		Short:         "Export and import multi-tenant installations as snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	addGlobalFlags(cmd)

	cmd.AddCommand(newVersionCmd(stdout))
	cmd.AddCommand(newSectionsCmd(stdout, stderr))
	cmd.AddCommand(newExportCmd(stdout, stderr))
	cmd.AddCommand(newImportCmd(stdout, stderr))
	cmd.AddCommand(newArchiveCmd(stdout, stderr))
	cmd.AddCommand(newMigrateCmd(stdout, stderr))

	return cmd
}

// Execute runs the CLI with the process stdio.
func Execute() int {
	root := NewRootCmd(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
