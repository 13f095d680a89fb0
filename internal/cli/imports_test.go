package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckImportsResolvesChain(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lib.json", `{"nodes": [{"name": "helper"}], "edges": []}`)
	main := writeFile(t, dir, "main.json", `{"nodes": [
		{"name": "start"},
		{"name": "libref", "annotations": [{"name": "import", "value": "lib.json"}]}
	], "edges": [{"source": "start", "target": "libref"}]}`)

	visited := map[string]bool{}
	if err := checkImports(main, visited, map[string]bool{}); err != nil {
		t.Fatalf("checkImports: %v", err)
	}
	if len(visited) != 2 {
		t.Errorf("visited %d files, want 2", len(visited))
	}
}

func TestCheckImportsDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{"nodes": [{"name": "a", "annotations": [{"name": "import", "value": "b.json"}]}], "edges": []}`)
	a := filepath.Join(dir, "a.json")
	writeFile(t, dir, "b.json", `{"nodes": [{"name": "b", "annotations": [{"name": "import", "value": "a.json"}]}], "edges": []}`)

	err := checkImports(a, map[string]bool{}, map[string]bool{})
	if err == nil || !strings.Contains(err.Error(), "circular import") {
		t.Errorf("err = %v, want circular import", err)
	}
}

func TestCheckImportsMissingFile(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.json", `{"nodes": [
		{"name": "n", "annotations": [{"name": "import", "value": "ghost.json"}]}
	], "edges": []}`)
	if err := checkImports(main, map[string]bool{}, map[string]bool{}); err == nil {
		t.Error("missing import accepted")
	}
}

func TestBundleInlinesImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lib.json", `{"nodes": [{"name": "helper"}, {"name": "helper2"}], "edges": [{"source": "helper", "target": "helper2"}]}`)
	main := writeFile(t, dir, "main.json", `{"nodes": [
		{"name": "start"},
		{"name": "libref", "annotations": [{"name": "import", "value": "lib.json"}]}
	], "edges": []}`)

	out, err := bundle(main, map[string]bool{})
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, n := range out.Nodes {
		names[n.Name] = true
	}
	if !names["start"] || !names["helper"] || !names["helper2"] {
		t.Errorf("bundled nodes = %v", names)
	}
	if names["libref"] {
		t.Error("import carrier node kept in bundle")
	}
	if len(out.Edges) != 1 {
		t.Errorf("edges = %v", out.Edges)
	}
}

func TestBundleRejectsNameClash(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lib.json", `{"nodes": [{"name": "start"}], "edges": []}`)
	main := writeFile(t, dir, "main.json", `{"nodes": [
		{"name": "start"},
		{"name": "libref", "annotations": [{"name": "import", "value": "lib.json"}]}
	], "edges": []}`)

	if _, err := bundle(main, map[string]bool{}); err == nil {
		t.Error("name clash accepted")
	}
}
