// Package targets implements C7, the TargetsResolver: producing an
// OrderedTargets plan (a sequence of steps, each a list of resolved
// targets executable in parallel) from a target name and RunOptions
// (spec.md section 4.6).
package targets

import (
	"sort"

	"github.com/strataorch/strata/internal/affected"
	"github.com/strataorch/strata/internal/workspace"
)

// AffectedRange is the optional (rev1, rev2) pair that turns on affected
// filtering.
type AffectedRange struct {
	Rev1 string
	Rev2 string
}

// RunOptions configures plan resolution (spec 4.6).
type RunOptions struct {
	Mode       string // "parallel" or "topological"
	Force      bool
	Affected   *AffectedRange
	Stdio      string
	To         string   // topological mode: the root workspace to plan to
	Workspaces []string // parallel mode: explicit eligible set
}

// ResolvedTarget is one workspace's placement in the plan.
type ResolvedTarget struct {
	Workspace  string
	Affected   bool
	HasCommand bool
}

// Step is a set of targets that may run concurrently.
type Step []ResolvedTarget

// OrderedTargets is the full execution plan.
type OrderedTargets []Step

// Resolver builds OrderedTargets plans against a loaded workspace graph.
type Resolver struct {
	Graph    *workspace.Graph
	Affected *affected.Resolver
}

// New returns a Resolver over the given graph, backed by the given affected
// resolver (which itself wraps a VcsProbe).
func New(g *workspace.Graph, a *affected.Resolver) *Resolver {
	return &Resolver{Graph: g, Affected: a}
}

// Resolve builds the plan for one target under the given options.
func (r *Resolver) Resolve(target string, opts RunOptions) (OrderedTargets, error) {
	if opts.Mode == "topological" {
		return r.resolveTopological(target, opts)
	}
	return r.resolveParallel(target, opts)
}

func (r *Resolver) resolveParallel(target string, opts RunOptions) (OrderedTargets, error) {
	names := opts.Workspaces
	if len(names) == 0 {
		for _, ws := range r.Graph.Workspaces() {
			names = append(names, ws.Name)
		}
	}
	sort.Strings(names)

	step := make(Step, 0, len(names))
	for _, name := range names {
		rt, err := r.resolveOne(name, target, opts, false)
		if err != nil {
			return nil, err
		}
		step = append(step, rt)
	}
	return OrderedTargets{step}, nil
}

func (r *Resolver) resolveTopological(target string, opts RunOptions) (OrderedTargets, error) {
	eligible, err := r.Graph.Topological(opts.To)
	if err != nil {
		return nil, err
	}
	eligibleSet := map[string]bool{}
	for _, name := range eligible {
		eligibleSet[name] = true
	}

	resolved := make(map[string]ResolvedTarget, len(eligible))
	for _, name := range eligible {
		rt, err := r.resolveOne(name, target, opts, true)
		if err != nil {
			return nil, err
		}
		resolved[name] = rt
	}

	placed := map[string]bool{}
	var plan OrderedTargets
	remaining := append([]string(nil), eligible...)

	for len(remaining) > 0 {
		var step Step
		var next []string
		for _, name := range remaining {
			ready := true
			for _, dep := range r.Graph.DependenciesOf(name) {
				if !eligibleSet[dep] {
					continue
				}
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				step = append(step, resolved[name])
			} else {
				next = append(next, name)
			}
		}
		if len(step) == 0 {
			// WorkspaceGraph.Load already rejects cycles, so this should be
			// unreachable; guard against an infinite loop regardless.
			break
		}
		sort.Slice(step, func(i, j int) bool { return step[i].Workspace < step[j].Workspace })
		for _, rt := range step {
			placed[rt.Workspace] = true
		}
		plan = append(plan, step)
		remaining = next
	}
	return plan, nil
}

func (r *Resolver) resolveOne(wsName, target string, opts RunOptions, topological bool) (ResolvedTarget, error) {
	ws, ok := r.Graph.Get(wsName)
	hasCommand := false
	var patterns []string
	if ok {
		if tc, found := ws.Targets[target]; found {
			hasCommand = true
			patterns = tc.Src
		}
	}

	aff := true
	if opts.Affected != nil {
		var err error
		aff, err = r.Affected.IsAffected(wsName, opts.Affected.Rev1, opts.Affected.Rev2, patterns, topological)
		if err != nil {
			return ResolvedTarget{}, err
		}
	}

	return ResolvedTarget{Workspace: wsName, Affected: aff, HasCommand: hasCommand}, nil
}
