package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-snapshot/internal/archive"
	"github.com/celerix-dev/celerix-snapshot/internal/vault"
	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

func newExportCmd(stdout, stderr io.Writer) *cobra.Command {
	var (
		sections []string
		format   string
		outPath  string
		saveAs   string
		seal     bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the installation to a snapshot",
		Long: "Export the selected sections of every tenant. The snapshot is written to stdout,\n" +
			"to the file given with -o, or to the archive with --save.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			f, err := resolveFormat(format, outPath)
			if err != nil {
				return err
			}
			save := cmd.Flags().Changed("save")
			e, err := openEnv(cmd, stderr, save)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := e.Close(); err == nil {
					err = cerr
				}
			}()
			seal = seal || e.cfg.SealExports
			if seal && e.cfg.SealPassphrase == "" {
				return errors.New("--seal needs CELERIX_SEAL_PASSPHRASE")
			}

			ctx := commandContext(cmd)
			snap, err := e.engine.Export(ctx, sections)
			if err != nil {
				return err
			}
			data, err := snapshot.Marshal(snap, f)
			if err != nil {
				return err
			}
			if seal {
				if data, err = vault.Seal(data, e.cfg.SealPassphrase); err != nil {
					return err
				}
			}

			switch {
			case save:
				name := saveAs
				if name == "" {
					name = archive.DefaultName(snap.ExportedAt)
				}
				entry, err := e.archive.Save(ctx, name, f, data)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "saved %s (%d bytes, sha256 %s)\n", entry.Name, entry.Size, entry.SHA256)
			case outPath != "" && outPath != "-":
				if err := writeFile(outPath, data); err != nil {
					return err
				}
				fmt.Fprintf(stderr, "wrote %d records to %s\n", snap.RecordCount(), outPath)
			default:
				if _, err := stdout.Write(data); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&sections, "sections", "s", nil, "sections to export (default all)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "json, yaml or xml (default from -o extension, else json)")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "output file, - for stdout")
	cmd.Flags().StringVar(&saveAs, "save", "", "save to the archive under this name (\"\" picks a timestamped name)")
	cmd.Flags().BoolVar(&seal, "seal", false, "encrypt with CELERIX_SEAL_PASSPHRASE")
	return cmd
}

func resolveFormat(name, path string) (snapshot.Format, error) {
	if name != "" {
		return snapshot.ParseFormat(name)
	}
	if path != "" && path != "-" {
		return snapshot.FormatFromPath(path), nil
	}
	return snapshot.FormatJSON, nil
}

func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
