package vcs

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Git implements Probe by shelling out to the `git` binary, adapted from
// the teacher's internal/scm/git_go.go.
type Git struct {
	RepoRoot string
}

// New returns a Git probe rooted at repoRoot. It does not verify that
// repoRoot actually contains a `.git` directory; callers that need that
// check can stat `.git` themselves before constructing a Probe, which is
// how WorkspaceGraph loading and AffectedResolver wiring stay decoupled.
func New(repoRoot string) *Git {
	return &Git{RepoRoot: repoRoot}
}

var _ Probe = (*Git)(nil)

func (g *Git) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.RepoRoot
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// runWithRetry retries transient git failures (e.g. a concurrent process
// holding index.lock) with bounded exponential backoff, rather than
// surfacing a spurious error for what is usually a few-hundred-millisecond
// window.
func (g *Git) runWithRetry(args ...string) (string, error) {
	var out string
	operation := func() error {
		var err error
		out, err = g.run(args...)
		if err != nil && strings.Contains(out, "index.lock") {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), context.Background())
	if err := backoff.Retry(operation, b); err != nil {
		return out, err
	}
	return out, nil
}

// RevisionExists implements Probe.
func (g *Git) RevisionExists(rev string) bool {
	if rev == "" {
		return true
	}
	_, err := g.run("cat-file", "-e", rev)
	return err == nil
}

// DiffNames implements Probe.DiffNames per spec 4.2/4.3: if rev2 is empty
// the comparison is against the working tree. Paths are reported as git
// prints them, relative to the repository root.
func (g *Git) DiffNames(rev1, rev2, pathPrefix string) ([]string, error) {
	if rev1 == "" {
		return nil, errors.New("rev1 is required")
	}
	if !g.RevisionExists(rev1) {
		return nil, errors.WithStack(&BadRevisionError{Revision: rev1})
	}
	if rev2 != "" && !g.RevisionExists(rev2) {
		return nil, errors.WithStack(&BadRevisionError{Revision: rev2})
	}

	args := []string{"diff", "--name-only", rev1}
	if rev2 != "" {
		args = append(args, rev2)
	}
	if pathPrefix != "" {
		args = append(args, "--", pathPrefix)
	}

	out, err := g.runWithRetry(args...)
	if err != nil {
		return nil, errors.Wrapf(err, "diffing %s..%s", rev1, rev2)
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		files = append(files, line)
	}
	return files, nil
}

// TagList implements Probe.
func (g *Git) TagList(fetch bool) ([]string, error) {
	if fetch {
		if _, err := g.runWithRetry("fetch", "--tags"); err != nil {
			return nil, errors.Wrap(err, "fetching tags")
		}
	}
	out, err := g.run("tag", "--list")
	if err != nil {
		return nil, errors.Wrap(err, "listing tags")
	}
	var tags []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			tags = append(tags, line)
		}
	}
	return tags, nil
}

// CreateTag implements Probe.
func (g *Git) CreateTag(name string) error {
	if _, err := g.run("tag", name); err != nil {
		return errors.Wrapf(err, "creating tag %s", name)
	}
	return nil
}

// Commit implements Probe.
func (g *Git) Commit(paths []string, message string) error {
	addArgs := append([]string{"add"}, paths...)
	if _, err := g.run(addArgs...); err != nil {
		return errors.Wrap(err, "staging paths")
	}
	if _, err := g.runWithRetry("commit", "-m", message); err != nil {
		return errors.Wrap(err, "committing")
	}
	return nil
}

// PushIncludingTags implements Probe.
func (g *Git) PushIncludingTags() error {
	if _, err := g.runWithRetry("push", "--follow-tags"); err != nil {
		return errors.Wrap(err, "pushing")
	}
	return nil
}

