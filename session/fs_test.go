package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dygram/dygram-go/engine"
	"github.com/dygram/dygram-go/machine"
)

func testMachine(t *testing.T) *machine.Machine {
	t.Helper()
	m, err := machine.Load([]byte(`{
		"title": "t",
		"nodes": [{"name": "start"}, {"name": "end1"}],
		"edges": [{"source": "start", "target": "end1"}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testState(t *testing.T, m *machine.Machine) *engine.ExecutionState {
	t.Helper()
	s, err := engine.NewInitialState(m, engine.ExecutionLimits{MaxSteps: 10}, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// Every backend here (fs, memory, sqlite) satisfies the same behavior;
// TestFSLayout checks the filesystem one's on-disk layout.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFSStore(filepath.Join(t.TempDir(), ".dygram", "executions"))
	if err != nil {
		t.Fatal(err)
	}
	sqlite, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"fs":     fs,
		"memory": NewMemStore(),
		"sqlite": sqlite,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := testMachine(t)
			state := testState(t, m)
			id := NewExecutionID(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

			md := &Metadata{ID: id, Source: "demo.json", Status: StatusRunning, Mode: ModeAuto, StepCount: 3}
			if err := store.SaveMetadata(ctx, md); err != nil {
				t.Fatal(err)
			}
			sf := &StateFile{
				Version:     engine.Version,
				MachineHash: m.Hash(),
				State:       state,
				Status:      StatusRunning,
				LastUpdated: time.Now().UTC(),
			}
			if err := store.SaveState(ctx, id, sf); err != nil {
				t.Fatal(err)
			}
			if err := store.SaveMachine(ctx, id, m); err != nil {
				t.Fatal(err)
			}

			gotMD, err := store.LoadMetadata(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if gotMD.Source != "demo.json" || gotMD.StepCount != 3 {
				t.Errorf("metadata = %+v", gotMD)
			}
			gotSF, err := store.LoadState(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if gotSF.Version != engine.Version || gotSF.MachineHash != m.Hash() {
				t.Errorf("state header = %+v", gotSF)
			}
			if len(gotSF.State.Paths) != 1 || gotSF.State.Paths[0].CurrentNode != "start" {
				t.Errorf("restored paths = %+v", gotSF.State.Paths)
			}
			gotM, err := store.LoadMachine(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if gotM.Hash() != m.Hash() {
				t.Error("machine snapshot hash changed through the store")
			}
		})
	}
}

func TestStoreHistoryAppendOnly(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "exec-20250601-120000"
			for i := 1; i <= 3; i++ {
				err := store.AppendTurn(ctx, id, TurnRecord{
					Turn:      i,
					Timestamp: time.Now().UTC(),
					Node:      "hub",
					Tools:     []string{"transition_to_x"},
					Status:    "ok",
				})
				if err != nil {
					t.Fatal(err)
				}
			}
			recs, err := store.LoadHistory(ctx, id)
			if err != nil {
				t.Fatal(err)
			}
			if len(recs) != 3 {
				t.Fatalf("history length = %d", len(recs))
			}
			for i, rec := range recs {
				if rec.Turn != i+1 {
					t.Errorf("record %d turn = %d", i, rec.Turn)
				}
			}
		})
	}
}

func TestStoreLastAliasAndRemove(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Last(ctx); err != ErrNotFound {
				t.Errorf("Last on empty store = %v, want ErrNotFound", err)
			}

			for _, id := range []string{"exec-20250601-010000", "exec-20250601-020000"} {
				if err := store.SaveMetadata(ctx, &Metadata{ID: id, Status: StatusCompleted}); err != nil {
					t.Fatal(err)
				}
				if err := store.SetLast(ctx, id); err != nil {
					t.Fatal(err)
				}
			}
			last, err := store.Last(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if last != "exec-20250601-020000" {
				t.Errorf("last = %s", last)
			}

			list, err := store.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 2 || list[0].ID != "exec-20250601-020000" {
				t.Errorf("list = %v", list)
			}

			if err := store.Remove(ctx, "exec-20250601-010000"); err != nil {
				t.Fatal(err)
			}
			if err := store.Remove(ctx, "exec-20250601-010000"); err != ErrNotFound {
				t.Errorf("second remove = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreClean(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed := []*Metadata{
				{ID: "exec-20250601-010000", Status: StatusCompleted},
				{ID: "exec-20250601-020000", Status: StatusFailed},
				{ID: "exec-20250601-030000", Status: StatusRunning},
			}
			for _, md := range seed {
				if err := store.SaveMetadata(ctx, md); err != nil {
					t.Fatal(err)
				}
			}
			n, err := store.Clean(ctx, false)
			if err != nil {
				t.Fatal(err)
			}
			if n != 2 {
				t.Errorf("cleaned %d, want 2", n)
			}
			list, _ := store.List(ctx)
			if len(list) != 1 || list[0].ID != "exec-20250601-030000" {
				t.Errorf("remaining = %v", list)
			}

			n, err = store.Clean(ctx, true)
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Errorf("clean --all removed %d", n)
			}
		})
	}
}

func TestFSLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), ".dygram", "executions")
	store, err := NewFSStore(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	m := testMachine(t)
	id := "exec-20250601-120000"

	if err := store.SaveMetadata(ctx, &Metadata{ID: id, Status: StatusRunning}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveState(ctx, id, &StateFile{Version: engine.Version, State: testState(t, m)}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveMachine(ctx, id, m); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendTurn(ctx, id, TurnRecord{Turn: 1, Status: "ok"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetLast(ctx, id); err != nil {
		t.Fatal(err)
	}

	for _, file := range []string{"metadata.json", "state.json", "machine.json", "history.jsonl"} {
		if _, err := os.Stat(filepath.Join(root, id, file)); err != nil {
			t.Errorf("missing %s: %v", file, err)
		}
	}
	target, err := os.Readlink(filepath.Join(root, "last"))
	if err != nil {
		t.Fatalf("last is not a symlink: %v", err)
	}
	if filepath.Base(target) != id {
		t.Errorf("last -> %s", target)
	}
	// No leftover temp files from atomic writes.
	entries, _ := os.ReadDir(filepath.Join(root, id))
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" && e.Name() != "history.jsonl" {
			t.Errorf("unexpected file %s", e.Name())
		}
	}
}

func TestResume(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	m := testMachine(t)
	state := testState(t, m)
	id := "exec-20250601-120000"

	if err := store.SaveMetadata(ctx, &Metadata{ID: id, Source: "demo.json", Status: StatusPaused}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveState(ctx, id, &StateFile{
		Version:     engine.Version,
		MachineHash: m.Hash(),
		State:       state,
		Status:      StatusPaused,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := Resume(ctx, store, id, false)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Warning != "" {
		t.Errorf("unexpected warning: %s", res.Warning)
	}
	if len(res.State.Paths) != 1 || res.State.Paths[0].CurrentNode != "start" {
		t.Errorf("restored state = %+v", res.State.Paths)
	}

	// Hash conflict refuses without force.
	changed := state.Clone()
	changed.Machine.Title = "edited"
	if err := store.SaveState(ctx, id, &StateFile{
		Version:     engine.Version,
		MachineHash: m.Hash(),
		State:       changed,
		Status:      StatusPaused,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := Resume(ctx, store, id, false); err == nil {
		t.Fatal("hash mismatch accepted without --force")
	}
	if _, err := Resume(ctx, store, id, true); err != nil {
		t.Errorf("--force resume failed: %v", err)
	}

	// Version mismatch warns but succeeds.
	if err := store.SaveState(ctx, id, &StateFile{
		Version:     "1.0.0",
		MachineHash: state.Machine.Hash(),
		State:       state,
		Status:      StatusPaused,
	}); err != nil {
		t.Fatal(err)
	}
	res, err = Resume(ctx, store, id, false)
	if err != nil {
		t.Fatalf("version mismatch should not fail: %v", err)
	}
	if res.Warning == "" {
		t.Error("version mismatch produced no warning")
	}
}
