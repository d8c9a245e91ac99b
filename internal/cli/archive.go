package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-snapshot/internal/archive"
)

func newArchiveCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Manage archived snapshots",
	}
	cmd.AddCommand(newArchiveListCmd(stdout, stderr))
	cmd.AddCommand(newArchiveDeleteCmd(stdout, stderr))
	return cmd
}

func newArchiveListCmd(stdout, stderr io.Writer) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := archiveOnly(cmd, stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.List(commandContext(cmd))
			if err != nil {
				return err
			}
			switch output {
			case "json":
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			case "table", "":
				tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tFORMAT\tSIZE\tSEALED\tSAVED")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%s\n", e.Name, e.Format, e.Size, e.Sealed, e.SavedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			default:
				return fmt.Errorf("unsupported --output: %s", output)
			}
		},
	}
	cmd.Flags().StringVar(&output, "output", "table", "output format: table or json")
	return cmd
}

func newArchiveDeleteCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an archived snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := archiveOnly(cmd, stderr)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Delete(commandContext(cmd), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(stdout, "deleted", args[0])
			return nil
		},
	}
}

// archiveOnly opens the archive without touching the record store.
func archiveOnly(cmd *cobra.Command, stderr io.Writer) (archive.Archive, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := loggerFor(cfg, stderr)
	if err != nil {
		return nil, err
	}
	return openArchive(cfg, logger)
}
