// Package fingerprint implements C4, the Fingerprinter: computing a content
// fingerprint for a target invocation from its source-glob matches plus
// invocation parameters (spec.md section 4.4).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
)

// NoInputsError is CacheError::NoInputs from spec.md section 7: the glob
// expansion for a target's src patterns matched zero files.
type NoInputsError struct {
	WorkspaceRoot string
	Patterns      []string
}

func (e *NoInputsError) Error() string {
	return "no inputs matched for patterns " + strings.Join(e.Patterns, ",") + " under " + e.WorkspaceRoot
}

// Compute builds the fingerprint map for one command invocation: the
// canonical command string, the joined glob patterns, and a
// sha256-of-contents entry for every matched file (spec 4.4).
func Compute(workspaceRoot, cmd string, patterns []string) (map[string]string, error) {
	files, err := expand(workspaceRoot, patterns)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &NoInputsError{WorkspaceRoot: workspaceRoot, Patterns: patterns}
	}

	out := map[string]string{
		"cmd":   cmd,
		"globs": strings.Join(patterns, ","),
	}
	for _, f := range files {
		sum, err := hashFile(f)
		if err != nil {
			return nil, errors.Wrapf(err, "hashing %s", f)
		}
		rel, err := filepath.Rel(workspaceRoot, f)
		if err != nil {
			rel = f
		}
		out[rel] = sum
	}
	return out, nil
}

// expand walks workspaceRoot once and matches every file against every
// pattern, rather than calling filepath.Glob per pattern, so that a
// double-star pattern like "src/**/*.go" behaves consistently regardless of
// the host's glob(3) support.
func expand(workspaceRoot string, patterns []string) ([]string, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.Wrapf(err, "compiling glob %q", p)
		}
		compiled = append(compiled, g)
	}

	var matches []string
	err := godirwalk.Walk(workspaceRoot, &godirwalk.Options{
		Unsorted: true,
		Callback: func(name string, info *godirwalk.Dirent) error {
			isDir, err := info.IsDirOrSymlinkToDir()
			if err != nil {
				return nil
			}
			if isDir {
				// <workspace-root>/.caches holds the cache entries written
				// for this workspace, which are outputs, not inputs.
				if filepath.Base(name) == ".caches" && filepath.Dir(name) == filepath.Clean(workspaceRoot) {
					return godirwalk.SkipThis
				}
				return nil
			}
			rel, err := filepath.Rel(workspaceRoot, name)
			if err != nil {
				return nil
			}
			rel = filepath.ToSlash(rel)
			for _, g := range compiled {
				if g.Match(rel) {
					matches = append(matches, name)
					break
				}
			}
			return nil
		},
		ErrorCallback: func(pathname string, err error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
