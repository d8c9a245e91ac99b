package cli

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(stdout, "celerix-snap %s (snapshot format %d, catalogue %d, %s)\n",
				Version, snapshot.FormatVersion, schema.CatalogueVersion, runtime.Version())
			return nil
		},
	}
}
