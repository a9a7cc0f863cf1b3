package affected

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/strataorch/strata/internal/vcs"
	"github.com/strataorch/strata/internal/workspace"
)

func writeManifest(t *testing.T, dir string, m map[string]interface{}) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// buildGraph creates workspace-a (no deps) and workspace-b (depends on a).
func buildGraph(t *testing.T) *workspace.Graph {
	t.Helper()
	root := t.TempDir()
	writeManifest(t, root, map[string]interface{}{"name": "root", "workspaces": []string{"*"}})
	writeManifest(t, filepath.Join(root, "workspace-a"), map[string]interface{}{"name": "workspace-a"})
	writeManifest(t, filepath.Join(root, "workspace-b"), map[string]interface{}{
		"name":         "workspace-b",
		"dependencies": map[string]string{"workspace-a": "*"},
	})
	g, err := workspace.Load(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

func TestIsAffectedCatchAllPattern(t *testing.T) {
	g := buildGraph(t)
	wsA, _ := g.Get("workspace-a")
	probe := vcs.NewStub()
	probe.Revisions["r1"] = true
	probe.Revisions["r2"] = true
	probe.SetDiff("r1", "r2", wsA.Root, []string{"workspace-a/index.js"})

	r := New(g, probe)
	affected, err := r.IsAffected("workspace-a", "r1", "r2", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !affected {
		t.Fatal("expected workspace-a to be affected")
	}
}

func TestIsAffectedNoDiffsNotAffected(t *testing.T) {
	g := buildGraph(t)
	probe := vcs.NewStub()
	probe.Revisions["r1"] = true
	probe.Revisions["r2"] = true

	r := New(g, probe)
	affected, err := r.IsAffected("workspace-a", "r1", "r2", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if affected {
		t.Fatal("expected workspace-a to not be affected")
	}
}

func TestIsAffectedTopologicalPropagatesFromDependency(t *testing.T) {
	g := buildGraph(t)
	wsA, _ := g.Get("workspace-a")
	probe := vcs.NewStub()
	probe.Revisions["r1"] = true
	probe.Revisions["r2"] = true
	probe.SetDiff("r1", "r2", wsA.Root, []string{"workspace-a/index.js"})

	r := New(g, probe)

	affectedNonTopo, err := r.IsAffected("workspace-b", "r1", "r2", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if affectedNonTopo {
		t.Fatal("expected workspace-b to not be locally affected")
	}

	affectedTopo, err := r.IsAffected("workspace-b", "r1", "r2", nil, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !affectedTopo {
		t.Fatal("expected workspace-b to be affected via its dependency")
	}
}

func TestIsAffectedBadRevisionFails(t *testing.T) {
	g := buildGraph(t)
	probe := vcs.NewStub()
	r := New(g, probe)
	_, err := r.IsAffected("workspace-a", "missing", "", nil, false)
	if err == nil {
		t.Fatal("expected bad revision error")
	}
}
