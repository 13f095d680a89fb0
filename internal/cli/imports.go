package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dygram/dygram-go/machine"
)

// Machines may pull in other machine files via an @import annotation
// on a node: @import("lib/common.json"). check-imports verifies every
// reference resolves and that the import graph is acyclic; bundle
// inlines the imported nodes and edges into one document.

func newCheckImportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-imports <file>",
		Short: "Verify machine references and imports resolve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			visited := map[string]bool{}
			stack := map[string]bool{}
			if err := checkImports(args[0], visited, stack); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d files checked\n", len(visited))
			return nil
		},
	}
	return cmd
}

func checkImports(path string, visited, stack map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if stack[abs] {
		return fmt.Errorf("circular import involving %s", path)
	}
	if visited[abs] {
		return nil
	}
	visited[abs] = true
	stack[abs] = true
	defer delete(stack, abs)

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m, err := machine.Load(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, imp := range importsOf(m) {
		target := filepath.Join(filepath.Dir(path), imp)
		if err := checkImports(target, visited, stack); err != nil {
			return err
		}
	}
	return nil
}

func importsOf(m *machine.Machine) []string {
	var out []string
	for _, n := range m.Nodes {
		for _, a := range n.Annotations {
			if a.Name == "import" && a.Value != "" {
				out = append(out, a.Value)
			}
		}
	}
	return out
}

func newBundleCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "bundle <file>",
		Short: "Inline a machine's imports into one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundled, err := bundle(args[0], map[string]bool{})
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(bundled, "", "  ")
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (stdout when empty)")
	return cmd
}

// bundle merges imported machines depth-first. Name clashes across
// files are user graph errors.
func bundle(path string, seen map[string]bool) (*machine.Machine, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[abs] {
		return nil, fmt.Errorf("circular import involving %s", path)
	}
	seen[abs] = true
	defer delete(seen, abs)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := machine.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	out := &machine.Machine{Title: m.Title}
	names := map[string]string{}
	appendMachine := func(src *machine.Machine, from string) error {
		for _, n := range src.Nodes {
			if clashes(n.Annotations) {
				continue
			}
			if prev, ok := names[n.Name]; ok {
				return fmt.Errorf("node %s defined in both %s and %s", n.Name, prev, from)
			}
			names[n.Name] = from
			out.Nodes = append(out.Nodes, n)
		}
		out.Edges = append(out.Edges, src.Edges...)
		return nil
	}

	for _, imp := range importsOf(m) {
		sub, err := bundle(filepath.Join(filepath.Dir(path), imp), seen)
		if err != nil {
			return nil, err
		}
		if err := appendMachine(sub, imp); err != nil {
			return nil, err
		}
	}
	if err := appendMachine(m, path); err != nil {
		return nil, err
	}
	return out, nil
}

// clashes filters the import carrier nodes out of the bundle.
func clashes(anns []machine.Annotation) bool {
	for _, a := range anns {
		if a.Name == "import" {
			return true
		}
	}
	return false
}
