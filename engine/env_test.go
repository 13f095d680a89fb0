package engine

import (
	"testing"
)

const permsMachine = `{"nodes": [
	{"name": "worker", "attributes": [{"name": "role", "value": "\"editor\""}]},
	{"name": "Input", "type": "context", "attributes": [{"name": "x", "value": "1"}, {"name": "note", "value": "hi"}]},
	{"name": "Output", "type": "context", "attributes": [{"name": "done", "value": "false"}]},
	{"name": "Secret", "type": "context", "attributes": [{"name": "key", "value": "k"}]}
], "edges": [
	{"source": "Input", "target": "worker"},
	{"source": "worker", "target": "Output", "label": "writes"},
	{"source": "worker", "target": "Secret", "label": "reads key"}
]}`

func TestContextPermissions(t *testing.T) {
	m := loadMachine(t, permsMachine)
	perms := ContextPermissions(m, "worker")

	if !perms.CanRead("Input") {
		t.Error("edge from context should grant read")
	}
	if perms.CanWrite("Input", "x") {
		t.Error("read edge must not grant write")
	}
	if !perms.CanWrite("Output", "done") {
		t.Error("writes label should grant write")
	}
	if perms.CanWrite("Output", "done") && perms.CanRead("Output") {
		t.Error("writes label alone should not grant read")
	}
	if !perms.CanRead("Secret") {
		t.Error("reads label should grant read")
	}
	if p := perms["Secret"]; !p.Permits("key") || p.Permits("other") {
		t.Errorf("field restriction not applied: %+v", p)
	}
	if perms.CanRead("Missing") {
		t.Error("unrelated context readable")
	}
}

func TestBuildEnv(t *testing.T) {
	m := loadMachine(t, permsMachine)
	s := initialState(t, m, ExecutionLimits{})
	s = UpdateContextState(s, "Input", "x", float64(9))
	p := s.Paths[0]
	node := m.NodeByName("worker")

	env, perms := BuildEnv(s, p, node)

	if env["role"] != "editor" {
		t.Errorf("node attribute missing: %v", env["role"])
	}
	input, ok := env["Input"].(map[string]interface{})
	if !ok {
		t.Fatalf("Input not in env: %v", env["Input"])
	}
	if input["x"] != float64(9) {
		t.Errorf("live context state not overlaid: %v", input["x"])
	}
	if input["note"] != "hi" {
		t.Errorf("initial attribute missing: %v", input["note"])
	}
	// Readable fields bind unqualified too.
	if env["x"] != float64(9) {
		t.Errorf("flattened x = %v", env["x"])
	}
	if env["errorCount"] != 0 {
		t.Errorf("errorCount = %v", env["errorCount"])
	}
	if env["activeState"] != "" {
		t.Errorf("activeState = %v", env["activeState"])
	}
	if !perms.CanWrite("Output", "anything") {
		t.Error("perms not returned")
	}
}

func TestBuildEnvBuiltinsShadowUserNodes(t *testing.T) {
	src := `{"nodes": [
		{"name": "n"},
		{"name": "errorCount", "type": "context", "attributes": [{"name": "v", "value": "1"}]}
	], "edges": [
		{"source": "errorCount", "target": "n"},
		{"source": "n", "target": "n"}
	]}`
	m := loadMachine(t, src)
	s := initialState(t, m, ExecutionLimits{})
	s.Metadata.ErrorCount = 5

	env, _ := BuildEnv(s, s.Paths[0], m.NodeByName("n"))
	if env["errorCount"] != 5 {
		t.Errorf("reserved name not shadowing user node: %v", env["errorCount"])
	}
}

func TestActiveStateTracksLastStateVisit(t *testing.T) {
	src := `{"nodes": [
		{"name": "t1"},
		{"name": "phase", "type": "state"}
	], "edges": [{"source": "t1", "target": "phase"}, {"source": "phase", "target": "t1"}]}`
	m := loadMachine(t, src)
	s := initialState(t, m, ExecutionLimits{})
	s = RecordStateVisit(s, s.Paths[0].ID, "phase", testClock()())

	env, _ := BuildEnv(s, s.Paths[0], m.NodeByName("t1"))
	if env["activeState"] != "phase" {
		t.Errorf("activeState = %v", env["activeState"])
	}
}
