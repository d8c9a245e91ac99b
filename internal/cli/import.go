package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-snapshot/internal/transfer"
	"github.com/celerix-dev/celerix-snapshot/internal/vault"
	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

type importFlags struct {
	sections    []string
	format      string
	dryRun      bool
	dangling    string
	strict      bool
	fromArchive string
	output      string
}

func newImportCmd(stdout, stderr io.Writer) *cobra.Command {
	var fl importFlags
	cmd := &cobra.Command{
		Use:   "import [path|-]",
		Short: "Import a snapshot into the installation",
		Long: "Import a snapshot file, stdin (-) or an archived snapshot (--from-archive).\n" +
			"Central data is committed first, then each tenant in its own transaction.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if (len(args) == 1) == (fl.fromArchive != "") {
				return errors.New("give exactly one of a path or --from-archive")
			}
			e, err := openEnv(cmd, stderr, fl.fromArchive != "")
			if err != nil {
				return err
			}
			defer func() {
				if cerr := e.Close(); err == nil {
					err = cerr
				}
			}()

			dangling := fl.dangling
			if dangling == "" {
				dangling = e.cfg.Dangling
			}
			policy, err := transfer.ParseDanglingPolicy(dangling)
			if err != nil {
				return err
			}

			ctx := commandContext(cmd)
			var data []byte
			var f snapshot.Format
			if fl.fromArchive != "" {
				entry, blob, err := e.archive.Load(ctx, fl.fromArchive)
				if err != nil {
					return err
				}
				data, f = blob, entry.Format
			} else {
				if data, err = readInput(cmd.InOrStdin(), args[0]); err != nil {
					return err
				}
				f = snapshot.FormatFromPath(args[0])
			}
			if fl.format != "" {
				if f, err = snapshot.ParseFormat(fl.format); err != nil {
					return err
				}
			}

			plain, err := vault.Open(data, e.cfg.SealPassphrase)
			if err != nil {
				return err
			}
			snap, err := snapshot.Unmarshal(plain, f)
			if err != nil {
				return err
			}

			report, err := e.engine.Import(ctx, snap, transfer.ImportOptions{
				Sections:       fl.sections,
				DryRun:         fl.dryRun,
				Dangling:       policy,
				StrictSections: fl.strict,
			})
			if report != nil {
				if rerr := printReport(stdout, report, fl.output); rerr != nil && err == nil {
					err = rerr
				}
			}
			return err
		},
	}
	cmd.Flags().StringSliceVarP(&fl.sections, "sections", "s", nil, "sections to import (default all)")
	cmd.Flags().StringVarP(&fl.format, "format", "f", "", "json, yaml or xml (default from the file extension)")
	cmd.Flags().BoolVar(&fl.dryRun, "dry-run", false, "run every step and roll it all back")
	cmd.Flags().StringVar(&fl.dangling, "dangling", "", "unresolved user references: keep, null or drop")
	cmd.Flags().BoolVar(&fl.strict, "strict-sections", false, "fail when no requested section exists")
	cmd.Flags().StringVar(&fl.fromArchive, "from-archive", "", "import the archived snapshot with this name")
	cmd.Flags().StringVar(&fl.output, "output", "table", "report format: table or json")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func printReport(w io.Writer, r *transfer.Report, output string) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "table", "":
	default:
		return fmt.Errorf("unsupported --output: %s", output)
	}

	mode := "import"
	if r.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(w, "%s %s: %d users created, %d matched, %d tenants replayed\n",
		mode, r.SnapshotID, r.Users.Created, r.Users.Matched, len(r.Tenants))
	if len(r.SkippedTenants) > 0 {
		fmt.Fprintf(w, "skipped tenants: %v\n", r.SkippedTenants)
	}
	if len(r.IgnoredSections) > 0 {
		fmt.Fprintf(w, "ignored sections: %v\n", r.IgnoredSections)
	}

	keys := make([]string, 0, len(r.Counts))
	for k := range r.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SECTION\tCREATED\tUPDATED\tSKIPPED\tDANGLING")
	for _, k := range keys {
		c := r.Counts[k]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", k, c.Created, c.Updated, c.Skipped, c.Dangling)
	}
	return tw.Flush()
}
