package targets

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/strataorch/strata/internal/affected"
	"github.com/strataorch/strata/internal/vcs"
	"github.com/strataorch/strata/internal/workspace"
)

func writeFile(t *testing.T, path string, content map[string]interface{}) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(content)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func buildGraph(t *testing.T) *workspace.Graph {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "package.json"), map[string]interface{}{"name": "root", "workspaces": []string{"*"}})
	writeFile(t, filepath.Join(root, "a", "package.json"), map[string]interface{}{"name": "a"})
	writeFile(t, filepath.Join(root, "b", "package.json"), map[string]interface{}{
		"name":         "b",
		"dependencies": map[string]string{"a": "*"},
	})
	writeFile(t, filepath.Join(root, "a", "targets.json"), map[string]interface{}{
		"targets": map[string]interface{}{
			"build": map[string]interface{}{"cmd": "go build ./..."},
		},
	})
	writeFile(t, filepath.Join(root, "b", "targets.json"), map[string]interface{}{
		"targets": map[string]interface{}{
			"build": map[string]interface{}{"cmd": "go build ./..."},
		},
	})
	g, err := workspace.Load(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

func TestResolveParallelEveryWorkspaceOneStep(t *testing.T) {
	g := buildGraph(t)
	r := New(g, affected.New(g, vcs.NewStub()))
	plan, err := r.Resolve("build", RunOptions{Mode: "parallel"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 1 {
		t.Fatalf("expected one step in parallel mode, got %d", len(plan))
	}
	if len(plan[0]) != 2 {
		t.Fatalf("expected 2 resolved targets, got %d", len(plan[0]))
	}
	for _, rt := range plan[0] {
		if !rt.HasCommand || !rt.Affected {
			t.Fatalf("expected has_command and affected=true without affected filter: %+v", rt)
		}
	}
}

func TestResolveTopologicalOrdersDependencyFirst(t *testing.T) {
	g := buildGraph(t)
	r := New(g, affected.New(g, vcs.NewStub()))
	plan, err := r.Resolve("build", RunOptions{Mode: "topological"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan))
	}
	if len(plan[0]) != 1 || plan[0][0].Workspace != "a" {
		t.Fatalf("expected step 0 to contain only a, got %+v", plan[0])
	}
	if len(plan[1]) != 1 || plan[1][0].Workspace != "b" {
		t.Fatalf("expected step 1 to contain only b, got %+v", plan[1])
	}
}

func TestResolveParallelMissingCommandIsSkippable(t *testing.T) {
	g := buildGraph(t)
	r := New(g, affected.New(g, vcs.NewStub()))
	plan, err := r.Resolve("lint", RunOptions{Mode: "parallel"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, rt := range plan[0] {
		if rt.HasCommand {
			t.Fatalf("expected no workspace to have a lint command: %+v", rt)
		}
	}
}
