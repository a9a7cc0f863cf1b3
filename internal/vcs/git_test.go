package vcs

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "a.txt")
	runGit(t, dir, "commit", "-q", "-m", "initial")
	return dir
}

func TestGitRevisionExists(t *testing.T) {
	dir := initRepo(t)
	g := New(dir)
	if !g.RevisionExists("HEAD") {
		t.Fatal("expected HEAD to exist")
	}
	if g.RevisionExists("not-a-real-rev") {
		t.Fatal("expected unknown revision to not exist")
	}
	if !g.RevisionExists("") {
		t.Fatal("expected empty revision to be vacuously true")
	}
}

func TestGitDiffNames(t *testing.T) {
	dir := initRepo(t)
	g := New(dir)

	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "b.txt")
	runGit(t, dir, "commit", "-q", "-m", "second")

	names, err := g.DiffNames("HEAD~1", "HEAD", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 1 || names[0] != "b.txt" {
		t.Fatalf("expected [b.txt], got %v", names)
	}
}

func TestGitDiffNamesBadRevision(t *testing.T) {
	dir := initRepo(t)
	g := New(dir)
	_, err := g.DiffNames("nope", "HEAD", "")
	if err == nil {
		t.Fatal("expected error for unknown revision")
	}
	if _, ok := errors.Cause(err).(*BadRevisionError); !ok {
		t.Fatalf("expected BadRevisionError, got %T: %v", err, err)
	}
}

func TestGitCreateTagAndList(t *testing.T) {
	dir := initRepo(t)
	g := New(dir)
	if err := g.CreateTag("v1.0.0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tags, err := g.TagList(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tags) != 1 || tags[0] != "v1.0.0" {
		t.Fatalf("expected [v1.0.0], got %v", tags)
	}
}
