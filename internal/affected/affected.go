// Package affected implements C3, the AffectedResolver: given a workspace, a
// revision range, a set of source patterns, and a topology flag, decides
// whether that workspace is "affected" by the changes in the range (spec.md
// section 4.3).
package affected

import (
	"path/filepath"

	mapset "github.com/deckarep/golang-set"

	"github.com/strataorch/strata/internal/vcs"
	"github.com/strataorch/strata/internal/workspace"
)

// Resolver answers affected-workspace queries against a loaded graph and a
// VcsProbe.
type Resolver struct {
	Graph *workspace.Graph
	Probe vcs.Probe
}

// New builds a Resolver over the given graph and probe.
func New(g *workspace.Graph, p vcs.Probe) *Resolver {
	return &Resolver{Graph: g, Probe: p}
}

// IsAffected implements section 4.3 steps 1-4. rev2 may be empty, meaning
// "compare against the working tree".
func (r *Resolver) IsAffected(wsName, rev1, rev2 string, patterns []string, topological bool) (bool, error) {
	if err := vcs.ValidateRevisions(r.Probe, rev1, rev2); err != nil {
		return false, err
	}
	visited := mapset.NewSet()
	return r.isAffected(wsName, rev1, rev2, patterns, topological, visited)
}

func (r *Resolver) isAffected(wsName, rev1, rev2 string, patterns []string, topological bool, visited mapset.Set) (bool, error) {
	if visited.Contains(wsName) {
		return false, nil
	}
	visited.Add(wsName)

	ws, ok := r.Graph.Get(wsName)
	if !ok {
		return false, nil
	}

	local, err := r.isLocallyAffected(ws, rev1, rev2, patterns)
	if err != nil {
		return false, err
	}
	if local {
		return true, nil
	}
	if !topological {
		return false, nil
	}

	for _, dep := range r.Graph.DependenciesOf(wsName) {
		affected, err := r.isAffected(dep, rev1, rev2, patterns, topological, visited)
		if err != nil {
			return false, err
		}
		if affected {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) isLocallyAffected(ws *workspace.Workspace, rev1, rev2 string, patterns []string) (bool, error) {
	diffs, err := r.Probe.DiffNames(rev1, rev2, ws.Root)
	if err != nil {
		return false, err
	}
	if len(diffs) == 0 {
		return false, nil
	}

	if isCatchAll(patterns) {
		return true, nil
	}

	expanded, err := expandUnderRoot(r.Graph.Root(), ws.Root, patterns)
	if err != nil {
		return false, err
	}
	for _, d := range diffs {
		if expanded[d] {
			return true, nil
		}
	}
	return false, nil
}

func isCatchAll(patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	return len(patterns) == 1 && patterns[0] == "**"
}

// expandUnderRoot expands each pattern relative to wsRoot and returns the
// matches made relative to projectRoot, matching how VcsProbe reports diff
// paths.
func expandUnderRoot(projectRoot, wsRoot string, patterns []string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(wsRoot, pattern))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			projRel, err := filepath.Rel(projectRoot, m)
			if err != nil {
				continue
			}
			out[projRel] = true
		}
	}
	return out, nil
}
