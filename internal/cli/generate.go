package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dygram/dygram-go/diagram"
	"github.com/dygram/dygram-go/machine"
)

func newGenerateCmd() *cobra.Command {
	var (
		formats string
		dest    string
	)
	cmd := &cobra.Command{
		Use:   "generate <file>",
		Short: "Generate diagrams from a machine definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			m, err := machine.Load(data)
			if err != nil {
				return err
			}
			if dest != "" {
				if err := os.MkdirAll(dest, 0o755); err != nil {
					return err
				}
			}
			base := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			for _, format := range strings.Split(formats, ",") {
				format = strings.TrimSpace(format)
				if format == "" {
					continue
				}
				gen, err := diagram.ForFormat(format)
				if err != nil {
					return err
				}
				if dest == "" {
					if err := gen.Generate(m, cmd.OutOrStdout()); err != nil {
						return err
					}
					continue
				}
				path := filepath.Join(dest, base+"."+format)
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				if err := gen.Generate(m, f); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&formats, "formats", "f", "dot", "Comma-separated output formats (dot, mermaid)")
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "Destination directory (stdout when empty)")
	return cmd
}
