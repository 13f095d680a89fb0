package diagram

import (
	"strings"
	"testing"

	"github.com/dygram/dygram-go/machine"
)

func diagramMachine(t *testing.T) *machine.Machine {
	t.Helper()
	m, err := machine.Load([]byte(`{
		"title": "demo",
		"nodes": [
			{"name": "start"},
			{"name": "phase", "type": "state"},
			{"name": "Ctx", "type": "context"},
			{"name": "Theme", "type": "style"}
		],
		"edges": [
			{"source": "start", "target": "phase", "label": "when ready"},
			{"source": "Ctx", "target": "start"}
		]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestDotGenerator(t *testing.T) {
	var b strings.Builder
	if err := (&DotGenerator{}).Generate(diagramMachine(t), &b); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	for _, want := range []string{`digraph "demo"`, `"start" [label="start", shape=box]`, `shape=ellipse`, `shape=cylinder`, `"start" -> "phase"`, `label="when ready"`} {
		if !strings.Contains(out, want) {
			t.Errorf("dot output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Theme") {
		t.Error("style node rendered")
	}
}

func TestMermaidGenerator(t *testing.T) {
	var b strings.Builder
	if err := (&MermaidGenerator{}).Generate(diagramMachine(t), &b); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	for _, want := range []string{"flowchart LR", "start[start]", "phase([phase])", "Ctx[(Ctx)]", "start -->|when ready| phase"} {
		if !strings.Contains(out, want) {
			t.Errorf("mermaid output missing %q:\n%s", want, out)
		}
	}
}

func TestForFormat(t *testing.T) {
	if _, err := ForFormat("dot"); err != nil {
		t.Error(err)
	}
	if _, err := ForFormat("mermaid"); err != nil {
		t.Error(err)
	}
	if _, err := ForFormat("png"); err == nil {
		t.Error("unknown format accepted")
	}
}
