// Package diagram renders machine definitions into diagram formats.
// The engine core never depends on this package; it serves the CLI
// generate command.
package diagram

import (
	"fmt"
	"io"

	"github.com/dygram/dygram-go/machine"
)

// Generator renders one output format.
type Generator interface {
	// Format returns the format key used on the command line.
	Format() string

	// Generate writes the rendered machine.
	Generate(m *machine.Machine, w io.Writer) error
}

// ForFormat returns the generator for a format key.
func ForFormat(format string) (Generator, error) {
	switch format {
	case "dot":
		return &DotGenerator{}, nil
	case "mermaid":
		return &MermaidGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown diagram format %q (supported: dot, mermaid)", format)
	}
}
