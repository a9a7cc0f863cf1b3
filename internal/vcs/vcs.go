// Package vcs implements C2, VcsProbe: a thin, stateless-per-call adapter
// over a version-control tool (spec.md section 4.2). Only git is
// implemented, following the teacher's internal/scm package.
package vcs

import (
	"github.com/pkg/errors"
)

// BadRevisionError is VcsError::BadRevision(rev) from spec.md section 7.
type BadRevisionError struct {
	Revision string
}

func (e *BadRevisionError) Error() string {
	return "unknown revision: " + e.Revision
}

// Probe is the VcsProbe interface (spec 4.2). Every method must be safe to
// call concurrently and stateless across calls, so a test double can stand
// in for it.
type Probe interface {
	// RevisionExists reports whether rev resolves to a commit.
	RevisionExists(rev string) bool

	// DiffNames returns paths (relative to the repo root) that differ
	// between rev1 and rev2. If rev2 is empty, the comparison is against
	// the working tree. If pathPrefix is non-empty, the diff is scoped to
	// that subtree.
	DiffNames(rev1, rev2, pathPrefix string) ([]string, error)

	// TagList lists tags, optionally fetching from the remote first.
	TagList(fetch bool) ([]string, error)

	// CreateTag creates a tag at the current HEAD.
	CreateTag(name string) error

	// Commit stages the given paths and commits them with message.
	Commit(paths []string, message string) error

	// PushIncludingTags pushes the current branch and all tags.
	PushIncludingTags() error
}

// ValidateRevisions is a small helper AffectedResolver calls before trusting
// a revision range: both revisions must exist, or the whole call fails with
// a BadRevisionError (spec 4.3 step 1).
func ValidateRevisions(p Probe, rev1, rev2 string) error {
	if rev1 != "" && !p.RevisionExists(rev1) {
		return errors.WithStack(&BadRevisionError{Revision: rev1})
	}
	if rev2 != "" && !p.RevisionExists(rev2) {
		return errors.WithStack(&BadRevisionError{Revision: rev2})
	}
	return nil
}
