package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
)

func newSectionsCmd(stdout, stderr io.Writer) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "sections",
		Short: "List exportable sections in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			e, err := openEnv(cmd, stderr, false)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := e.Close(); err == nil {
					err = cerr
				}
			}()

			ctx := commandContext(cmd)
			reg := e.engine.Registry()
			type row struct {
				schema.Section
				Served bool `json:"served"`
			}
			var rows []row
			for _, sec := range reg.Sections() {
				rows = append(rows, row{Section: sec, Served: sec.Scope == schema.ScopeCentral || reg.Served(ctx, sec.Key)})
			}

			switch output {
			case "json":
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			case "table", "":
				tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KEY\tSCOPE\tMODULE\tSERVED\tLABEL")
				for _, r := range rows {
					module := r.Module
					if module == "" {
						module = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", r.Key, r.Scope, module, r.Served, r.Label)
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
