// Package workspace implements C1, the WorkspaceGraph: loading every
// workspace under a project root, building the dependency DAG between
// them, and exposing dependency/dependent traversal plus topological
// ordering (spec.md section 4.1).
package workspace

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
	"github.com/pyr-sh/dag"
	"github.com/yookoala/realpath"

	"github.com/strataorch/strata/internal/config"
)

// Workspace is one member package of the monorepo (spec.md section 3).
type Workspace struct {
	Name         string
	Root         string
	Version      *semver.Version
	Private      bool
	Dependencies map[string]string
	Targets      map[string]config.TargetConfig
}

// ProjectLoadError is the fatal, load-time error family from spec.md
// section 7. The Scheduler never observes these -- a failed Load means the
// caller never obtains a Graph to run against.
type ProjectLoadError struct {
	Kind    string
	Detail  string
	Wrapped error
}

func (e *ProjectLoadError) Error() string {
	if e.Wrapped != nil {
		return "project load error (" + e.Kind + "): " + e.Detail + ": " + e.Wrapped.Error()
	}
	return "project load error (" + e.Kind + "): " + e.Detail
}

func (e *ProjectLoadError) Unwrap() error { return e.Wrapped }

func cycleErr(detail string) error {
	return &ProjectLoadError{Kind: "Cycle", Detail: detail}
}

func unreadableManifestErr(detail string, wrapped error) error {
	return &ProjectLoadError{Kind: "UnreadableManifest", Detail: detail, Wrapped: wrapped}
}

func badWorkspaceGlobErr(detail string, wrapped error) error {
	return &ProjectLoadError{Kind: "BadWorkspaceGlob", Detail: detail, Wrapped: wrapped}
}

// Graph is the loaded, acyclic dependency graph over every workspace in the
// project, plus the means to traverse it.
type Graph struct {
	root       string
	workspaces map[string]*Workspace
	dependents map[string]map[string]bool
	deps       *dag.AcyclicGraph
}

// Load discovers every workspace directory under projectRoot (globbed from
// the root manifest's `workspaces` field), parses each workspace manifest,
// and constructs the dependency DAG. Cycles are rejected here, never seen
// by the Scheduler.
func Load(projectRoot string) (*Graph, error) {
	realRoot, err := realpath.Realpath(projectRoot)
	if err != nil {
		return nil, unreadableManifestErr("resolving project root", err)
	}

	rootManifest, err := config.ReadManifest(config.ManifestPath(realRoot))
	if err != nil {
		return nil, unreadableManifestErr(config.ManifestPath(realRoot), err)
	}

	dirs, err := expandWorkspaceGlobs(realRoot, rootManifest.Workspaces)
	if err != nil {
		return nil, badWorkspaceGlobErr("expanding workspaces globs", err)
	}

	g := &Graph{
		root:       realRoot,
		workspaces: make(map[string]*Workspace),
		dependents: make(map[string]map[string]bool),
		deps:       &dag.AcyclicGraph{},
	}

	for _, dir := range dirs {
		manifestPath := config.ManifestPath(dir)
		m, err := config.ReadManifest(manifestPath)
		if err != nil {
			// A directory matching the workspaces glob without a manifest is
			// not itself a workspace (e.g. a stray non-package directory).
			continue
		}

		var version *semver.Version
		if m.Version != "" {
			version, err = semver.NewVersion(m.Version)
			if err != nil {
				return nil, unreadableManifestErr(manifestPath, errors.Wrapf(err, "invalid version %q", m.Version))
			}
		}

		targetFile, err := config.LoadTargetFile(dir)
		if err != nil {
			return nil, unreadableManifestErr(dir, err)
		}

		deps := map[string]string{}
		for name, rng := range m.Dependencies {
			deps[name] = rng
		}
		for name, rng := range m.DevDependencies {
			deps[name] = rng
		}

		ws := &Workspace{
			Name:         m.Name,
			Root:         dir,
			Version:      version,
			Private:      m.Private,
			Dependencies: deps,
			Targets:      targetFile.Targets,
		}
		if _, dup := g.workspaces[ws.Name]; dup {
			return nil, unreadableManifestErr(manifestPath, errors.Errorf("duplicate workspace name %q", ws.Name))
		}
		g.workspaces[ws.Name] = ws
		g.deps.Add(ws.Name)
		g.dependents[ws.Name] = map[string]bool{}
	}

	for _, ws := range g.workspaces {
		for depName := range ws.Dependencies {
			if _, known := g.workspaces[depName]; !known {
				// External packages are ignored for graph purposes (spec 4.1).
				continue
			}
			g.deps.Connect(dag.BasicEdge(ws.Name, depName))
			g.dependents[depName][ws.Name] = true
		}
	}

	if _, err := g.Topological(""); err != nil {
		return nil, err
	}

	return g, nil
}

func expandWorkspaceGlobs(root string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		return []string{root}, nil
	}
	seen := map[string]bool{}
	var dirs []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid workspaces glob %q", pattern)
		}
		for _, m := range matches {
			real, err := realpath.Realpath(m)
			if err != nil {
				continue
			}
			if !seen[real] {
				seen[real] = true
				dirs = append(dirs, real)
			}
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Workspaces returns every loaded workspace, sorted by name for
// deterministic iteration.
func (g *Graph) Workspaces() []*Workspace {
	names := make([]string, 0, len(g.workspaces))
	for name := range g.workspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Workspace, len(names))
	for i, name := range names {
		out[i] = g.workspaces[name]
	}
	return out
}

// Get looks up a workspace by name.
func (g *Graph) Get(name string) (*Workspace, bool) {
	ws, ok := g.workspaces[name]
	return ws, ok
}

// Root returns the resolved project root directory.
func (g *Graph) Root() string {
	return g.root
}

// DependenciesOf returns the direct in-project dependencies of a workspace,
// sorted by name.
func (g *Graph) DependenciesOf(name string) []string {
	set := g.deps.DownEdges(name)
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}

// DependentsOf returns the direct in-project dependents of a workspace,
// sorted by name.
func (g *Graph) DependentsOf(name string) []string {
	set := g.dependents[name]
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Topological performs a depth-first post-order traversal from `to` (or
// from every root workspace if `to` is empty), emitting each workspace
// exactly once. Cycle detection defers entirely to the underlying
// dag.AcyclicGraph's own Cycles() API -- the same API the teacher's
// util.ValidateGraph uses for its own multi-root DAG, in preference to
// AcyclicGraph.Validate() which assumes a single root -- rather than a
// hand-rolled visiting-set check, so a cycle is always reported with the
// library's own notion of what counts as one (spec 4.1).
func (g *Graph) Topological(to string) ([]string, error) {
	if cycles := g.deps.Cycles(); len(cycles) > 0 {
		vertices := make([]string, len(cycles[0]))
		for i, v := range cycles[0] {
			vertices[i] = v.(string)
		}
		return nil, cycleErr("cycle detected among workspaces " + strings.Join(vertices, ", "))
	}

	done := map[string]bool{}
	var order []string

	var visit func(name string)
	visit = func(name string) {
		if done[name] {
			return
		}
		done[name] = true
		for _, dep := range g.DependenciesOf(name) {
			visit(dep)
		}
		order = append(order, name)
	}

	if to != "" {
		if _, ok := g.workspaces[to]; !ok {
			return nil, errors.Errorf("unknown workspace %q", to)
		}
		visit(to)
		return order, nil
	}

	names := make([]string, 0, len(g.workspaces))
	for name := range g.workspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		visit(name)
	}
	return order, nil
}
