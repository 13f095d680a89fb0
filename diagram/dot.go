package diagram

import (
	"fmt"
	"io"
	"strings"

	"github.com/dygram/dygram-go/machine"
)

// DotGenerator renders Graphviz DOT. Node shapes encode types: tasks
// are boxes, states ellipses, context nodes cylinders, init nodes
// double circles.
type DotGenerator struct{}

// Format implements Generator.
func (*DotGenerator) Format() string { return "dot" }

// Generate implements Generator.
func (*DotGenerator) Generate(m *machine.Machine, w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", titleOr(m, "machine"))
	b.WriteString("  rankdir=LR;\n")
	for _, n := range m.Nodes {
		if n.EffectiveType() == machine.TypeStyle {
			continue
		}
		attrs := []string{fmt.Sprintf("label=%q", n.Name)}
		switch n.EffectiveType() {
		case machine.TypeTask:
			attrs = append(attrs, "shape=box")
		case machine.TypeState:
			attrs = append(attrs, "shape=ellipse")
		case machine.TypeContext:
			attrs = append(attrs, "shape=cylinder")
		case machine.TypeInit:
			attrs = append(attrs, "shape=doublecircle")
		}
		fmt.Fprintf(&b, "  %q [%s];\n", n.Name, strings.Join(attrs, ", "))
	}
	for _, e := range m.Edges {
		attrs := ""
		var parts []string
		if e.Label != "" {
			parts = append(parts, fmt.Sprintf("label=%q", e.Label))
		}
		for _, a := range e.Annotations {
			parts = append(parts, fmt.Sprintf("taillabel=%q", "@"+a.Name))
			break
		}
		if len(parts) > 0 {
			attrs = " [" + strings.Join(parts, ", ") + "]"
		}
		fmt.Fprintf(&b, "  %q -> %q%s;\n", e.Source, e.Target, attrs)
	}
	b.WriteString("}\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func titleOr(m *machine.Machine, fallback string) string {
	if m.Title != "" {
		return m.Title
	}
	return fallback
}
