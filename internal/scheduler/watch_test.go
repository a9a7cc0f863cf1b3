package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strataorch/strata/internal/targets"
	"github.com/strataorch/strata/internal/watch"
	"github.com/strataorch/strata/internal/workspace"
)

// buildSingleWorkspaceGraph is buildGraph's single-workspace variant: one
// workspace, no in-project dependencies, so a watch test can drive its one
// step directly instead of reasoning about a multi-workspace plan.
func buildSingleWorkspaceGraph(t *testing.T, cmd string, src []string) (*workspace.Graph, string) {
	t.Helper()
	root := t.TempDir()
	writeJSON(t, filepath.Join(root, "package.json"), map[string]interface{}{"name": "root", "workspaces": []string{"*"}})
	writeJSON(t, filepath.Join(root, "w", "package.json"), map[string]interface{}{"name": "w"})
	if err := os.WriteFile(filepath.Join(root, "w", "file.txt"), []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeJSON(t, filepath.Join(root, "w", "targets.json"), map[string]interface{}{
		"targets": map[string]interface{}{
			"build": map[string]interface{}{"cmd": cmd, "src": src},
		},
	})
	g, err := workspace.Load(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ws, _ := g.Get("w")
	return g, ws.Root
}

func waitForEvent(t *testing.T, ch <-chan Event, kind EventKind, workspace string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed before seeing %s{%s}", kind, workspace)
			}
			if ev.Kind == kind && (workspace == "" || ev.Workspace == workspace) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s{%s}", kind, workspace)
		}
	}
}

func TestRunCommandWatchEmitsTargetsResolvedThenStopsOnUnwatch(t *testing.T) {
	g := buildGraph(t, "true")
	s := newScheduler(t, g)

	ch, unwatch, err := s.RunCommandWatch(context.Background(), Options{
		Target: "build",
		Run:    targets.RunOptions{Mode: "topological"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := <-ch
	if first.Kind != TargetsResolved {
		t.Fatalf("expected TargetsResolved first, got %v", first.Kind)
	}

	// Drain whatever the initial pass produces, then stop watching.
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	unwatch()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected the event channel to close after unwatch")
	}
}

func TestRunCommandWatchUnknownTargetFails(t *testing.T) {
	g := buildGraph(t, "true")
	s := newScheduler(t, g)

	_, _, err := s.RunCommandWatch(context.Background(), Options{
		Target: "nonexistent",
		Run:    targets.RunOptions{Mode: "parallel"},
	})
	if err == nil {
		t.Fatal("expected an error for an unknown target")
	}
	if _, ok := err.(*UnknownTargetError); !ok {
		t.Fatalf("expected *UnknownTargetError, got %T: %v", err, err)
	}
}

// TestRunCommandWatchKillsAndReschedulesRunningStep is spec 8 scenario 5: a
// source change on a workspace that is still running its current step kills
// that workspace and reschedules a step containing only it, rather than
// waiting for it to finish or ignoring the change.
func TestRunCommandWatchKillsAndReschedulesRunningStep(t *testing.T) {
	g, wsRoot := buildSingleWorkspaceGraph(t, "sleep 2", []string{"**"})
	s := newScheduler(t, g)

	ch, unwatch, err := s.RunCommandWatch(context.Background(), Options{
		Target:          "build",
		Run:             targets.RunOptions{Mode: "parallel"},
		WatchDebounceMs: 30,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unwatch()

	first := <-ch
	if first.Kind != TargetsResolved {
		t.Fatalf("expected TargetsResolved first, got %v", first.Kind)
	}

	waitForEvent(t, ch, NodeStarted, "w", 5*time.Second)

	if err := os.WriteFile(filepath.Join(wsRoot, "file.txt"), []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitForEvent(t, ch, NodeInterrupted, "w", 5*time.Second)
	waitForEvent(t, ch, NodeStarted, "w", 5*time.Second)
	waitForEvent(t, ch, NodeProcessed, "w", 5*time.Second)
}

// TestRunCommandWatchIgnoresUnaffectedChange is spec 8 scenario 6: a
// SourcesChanged on a workspace that was never affected (and so never ran)
// produces only the SourcesChanged event -- no interrupt, no re-execution.
func TestRunCommandWatchIgnoresUnaffectedChange(t *testing.T) {
	// src matches file.txt, so the Watcher keeps watching it, while an
	// empty Stub reports no diffs, leaving "w" unaffected (NodeSkipped,
	// never NodeStarted) while its file is still watched.
	g, wsRoot := buildSingleWorkspaceGraph(t, "true", []string{"*.txt"})
	s := newScheduler(t, g)

	ch, unwatch, err := s.RunCommandWatch(context.Background(), Options{
		Target: "build",
		Run: targets.RunOptions{
			Mode:     "parallel",
			Affected: &targets.AffectedRange{}, // forces a real (empty-diff) affected check instead of the opts.Affected==nil default of true
		},
		WatchDebounceMs: 30,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unwatch()

	first := <-ch
	if first.Kind != TargetsResolved {
		t.Fatalf("expected TargetsResolved first, got %v", first.Kind)
	}
	waitForEvent(t, ch, NodeSkipped, "w", 5*time.Second)

	if err := os.WriteFile(filepath.Join(wsRoot, "file.txt"), []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}

	changed := waitForEvent(t, ch, SourcesChanged, "w", 5*time.Second)
	if changed.FsEventKind != string(watch.Change) {
		t.Fatalf("expected a change event, got %s", changed.FsEventKind)
	}

	select {
	case ev := <-ch:
		t.Fatalf("expected no further events after SourcesChanged on an unaffected workspace, got %v", ev.Kind)
	case <-time.After(300 * time.Millisecond):
	}
}
