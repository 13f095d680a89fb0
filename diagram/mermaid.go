package diagram

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/dygram/dygram-go/machine"
)

// MermaidGenerator renders a mermaid flowchart, suitable for embedding
// in markdown.
type MermaidGenerator struct{}

// Format implements Generator.
func (*MermaidGenerator) Format() string { return "mermaid" }

var mermaidID = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func mermaidName(name string) string {
	return mermaidID.ReplaceAllString(name, "_")
}

// Generate implements Generator.
func (*MermaidGenerator) Generate(m *machine.Machine, w io.Writer) error {
	var b strings.Builder
	b.WriteString("flowchart LR\n")
	for _, n := range m.Nodes {
		if n.EffectiveType() == machine.TypeStyle {
			continue
		}
		id := mermaidName(n.Name)
		switch n.EffectiveType() {
		case machine.TypeState:
			fmt.Fprintf(&b, "  %s([%s])\n", id, n.Name)
		case machine.TypeContext:
			fmt.Fprintf(&b, "  %s[(%s)]\n", id, n.Name)
		default:
			fmt.Fprintf(&b, "  %s[%s]\n", id, n.Name)
		}
	}
	for _, e := range m.Edges {
		src, tgt := mermaidName(e.Source), mermaidName(e.Target)
		if e.Label != "" {
			fmt.Fprintf(&b, "  %s -->|%s| %s\n", src, e.Label, tgt)
		} else {
			fmt.Fprintf(&b, "  %s --> %s\n", src, tgt)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
