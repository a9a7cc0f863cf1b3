package vcs

// Stub is an in-memory Probe implementation for tests, grounded on the
// teacher's internal/scm/stub.go but extended to cover the full Probe
// interface (tags, commit, push) that spec 4.2 lists.
type Stub struct {
	Revisions map[string]bool
	Diffs     map[string][]string // key is rev1+"|"+rev2+"|"+pathPrefix
	Tags      []string

	CommittedPaths []string
	CommitMessages []string
	Pushed         bool
}

var _ Probe = (*Stub)(nil)

// NewStub returns an empty Stub.
func NewStub() *Stub {
	return &Stub{
		Revisions: map[string]bool{},
		Diffs:     map[string][]string{},
	}
}

func diffKey(rev1, rev2, pathPrefix string) string {
	return rev1 + "|" + rev2 + "|" + pathPrefix
}

// SetDiff registers the diff result for a given revision pair/prefix.
func (s *Stub) SetDiff(rev1, rev2, pathPrefix string, files []string) {
	s.Diffs[diffKey(rev1, rev2, pathPrefix)] = files
}

// RevisionExists implements Probe.
func (s *Stub) RevisionExists(rev string) bool {
	if rev == "" {
		return true
	}
	return s.Revisions[rev]
}

// DiffNames implements Probe.
func (s *Stub) DiffNames(rev1, rev2, pathPrefix string) ([]string, error) {
	if !s.RevisionExists(rev1) {
		return nil, &BadRevisionError{Revision: rev1}
	}
	if rev2 != "" && !s.RevisionExists(rev2) {
		return nil, &BadRevisionError{Revision: rev2}
	}
	return s.Diffs[diffKey(rev1, rev2, pathPrefix)], nil
}

// TagList implements Probe.
func (s *Stub) TagList(fetch bool) ([]string, error) {
	return s.Tags, nil
}

// CreateTag implements Probe.
func (s *Stub) CreateTag(name string) error {
	s.Tags = append(s.Tags, name)
	return nil
}

// Commit implements Probe.
func (s *Stub) Commit(paths []string, message string) error {
	s.CommittedPaths = append(s.CommittedPaths, paths...)
	s.CommitMessages = append(s.CommitMessages, message)
	return nil
}

// PushIncludingTags implements Probe.
func (s *Stub) PushIncludingTags() error {
	s.Pushed = true
	return nil
}
