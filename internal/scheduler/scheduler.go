package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/strataorch/strata/internal/cachestore"
	"github.com/strataorch/strata/internal/config"
	"github.com/strataorch/strata/internal/fingerprint"
	"github.com/strataorch/strata/internal/process"
	"github.com/strataorch/strata/internal/targets"
	"github.com/strataorch/strata/internal/tracing"
	"github.com/strataorch/strata/internal/workspace"
)

const defaultConcurrency = 4

// UnknownTargetError is SchedulerError::UnknownTarget from spec.md section
// 7: fatal before plan execution.
type UnknownTargetError struct {
	Target string
}

func (e *UnknownTargetError) Error() string {
	return "unknown target: " + e.Target
}

// Options configures one run_command call (spec 4.7).
type Options struct {
	Target          string
	Run             targets.RunOptions
	Concurrency     int
	Env             map[string]string
	WatchDebounceMs int
}

// Scheduler is C8: it executes an OrderedTargets plan produced by the
// TargetsResolver, driving ProcessRunner and CacheStore per task.
type Scheduler struct {
	Graph   *workspace.Graph
	Targets *targets.Resolver
	Runner  *process.Runner
	Logger  hclog.Logger
}

// New returns a Scheduler wired to the given graph, target resolver, and
// process runner.
func New(g *workspace.Graph, tr *targets.Resolver, pr *process.Runner, logger hclog.Logger) *Scheduler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Scheduler{Graph: g, Targets: tr, Runner: pr, Logger: logger}
}

// RunCommand resolves the plan synchronously (a bad target or bad revision
// fails the call outright, per spec 4.7/7) and then executes it
// asynchronously, streaming events on the returned channel until it closes.
func (s *Scheduler) RunCommand(ctx context.Context, opts Options) (<-chan Event, error) {
	if !s.hasAnyDefinition(opts.Target) {
		return nil, &UnknownTargetError{Target: opts.Target}
	}

	plan, err := s.Targets.Resolve(opts.Target, opts.Run)
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 16)
	go s.execute(ctx, opts, plan, ch)
	return ch, nil
}

func (s *Scheduler) hasAnyDefinition(target string) bool {
	for _, ws := range s.Graph.Workspaces() {
		if _, ok := ws.Targets[target]; ok {
			return true
		}
	}
	return false
}

func (s *Scheduler) execute(ctx context.Context, opts Options, plan targets.OrderedTargets, ch chan<- Event) {
	defer close(ch)
	ch <- Event{Kind: TargetsResolved, Plan: plan}
	if len(plan) == 0 {
		return
	}

	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = defaultConcurrency
	}

	for stepIdx, step := range plan {
		stepSpan := tracing.Span(fmt.Sprintf("step %d", stepIdx))
		errored, rebuilt, stepErr, aborted := s.runStep(ctx, opts, step, ch, concurrency)
		stepSpan.Done()

		if stepErr != nil {
			s.Logger.Error("step had task failures", "step", stepIdx, "error", stepErr)
		}

		for _, w := range errored {
			if !s.invalidate(w, opts.Target, ch) {
				return
			}
		}

		if (len(errored) > 0 || len(rebuilt) > 0) && opts.Run.Mode == "topological" {
			for _, laterStep := range plan[stepIdx+1:] {
				for _, rt := range laterStep {
					if !s.invalidate(rt.Workspace, opts.Target, ch) {
						return
					}
				}
			}
		}

		if aborted {
			return
		}
	}
}

type taskOutcome struct {
	err       error
	results   []cachestore.CommandResult
	fromCache bool
}

// runStep executes every ResolvedTarget in step, capped at concurrency
// simultaneous tasks, and returns the workspaces that errored, the
// workspaces that rebuilt (non-cache-hit), every task error in the step
// aggregated into one value, and whether a topological abort was triggered
// (spec 4.7 step-completion / error-propagation policy).
func (s *Scheduler) runStep(ctx context.Context, opts Options, step targets.Step, ch chan<- Event, concurrency int) (errored, rebuilt []string, stepErr error, aborted bool) {
	var mu sync.Mutex
	var merr *multierror.Error
	var abortFlag int32
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	tasks := make(chan targets.ResolvedTarget)
	go func() {
		defer close(tasks)
		for _, rt := range step {
			if opts.Run.Mode == "topological" && atomic.LoadInt32(&abortFlag) == 1 {
				return
			}
			tasks <- rt
		}
	}()

	for rt := range tasks {
		rt := rt
		if !rt.Affected || !rt.HasCommand {
			ch <- Event{Kind: NodeSkipped, Workspace: rt.Workspace, Affected: rt.Affected, HasCommand: rt.HasCommand}
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			taskSpan := tracing.Span("task " + rt.Workspace)
			defer taskSpan.Done()

			ch <- Event{Kind: NodeStarted, Workspace: rt.Workspace}
			outcome := s.runTask(ctx, opts, rt.Workspace)
			if outcome.err != nil {
				ch <- Event{Kind: NodeErrored, Workspace: rt.Workspace, Err: outcome.err}
				mu.Lock()
				errored = append(errored, rt.Workspace)
				merr = multierror.Append(merr, errors.Wrapf(outcome.err, "workspace %s", rt.Workspace))
				mu.Unlock()
				if opts.Run.Mode == "topological" {
					atomic.StoreInt32(&abortFlag, 1)
				}
				return
			}
			ch <- Event{Kind: NodeProcessed, Workspace: rt.Workspace, Results: outcome.results, FromCache: outcome.fromCache}
			if !outcome.fromCache {
				mu.Lock()
				rebuilt = append(rebuilt, rt.Workspace)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	aborted = atomic.LoadInt32(&abortFlag) == 1
	return errored, rebuilt, merr.ErrorOrNil(), aborted
}

func (s *Scheduler) runTask(ctx context.Context, opts Options, wsName string) taskOutcome {
	ws, ok := s.Graph.Get(wsName)
	if !ok {
		return taskOutcome{err: fmt.Errorf("unknown workspace %q", wsName)}
	}
	tc := ws.Targets[opts.Target]
	store := cachestore.New(ws.Root, opts.Target)
	cmdStr := canonicalCommand(tc)

	fp, fpErr := fingerprint.Compute(ws.Root, cmdStr, tc.Src)
	noInputs := false
	if fpErr != nil {
		if _, ok := fpErr.(*fingerprint.NoInputsError); ok {
			noInputs = true
			s.Logger.Warn("no inputs matched for target, skipping cache", "workspace", wsName, "target", opts.Target)
		} else {
			return taskOutcome{err: fpErr}
		}
	}

	if !opts.Run.Force && !noInputs {
		if results, hit, err := store.Read(fp); err == nil && hit {
			return taskOutcome{results: results, fromCache: true}
		}
	}

	results := make([]cachestore.CommandResult, 0, len(tc.Cmd))
	for _, cmd := range tc.Cmd {
		if cmd.IsDaemon() {
			dr, err := s.Runner.StartDaemon(ctx, wsName, process.CommandSpec{
				Run: cmd.Run, Dir: ws.Root, Env: opts.Env, Stdio: opts.Run.Stdio,
			}, cmd.Daemon.Conditions)
			if err != nil {
				return taskOutcome{err: err, results: results}
			}
			results = append(results, cachestore.CommandResult{Command: cmd.Run, ExitCode: 0, Duration: dr.Took})
			continue
		}

		_, result, err := s.Runner.Run(ctx, wsName, process.CommandSpec{
			Run: cmd.Run, Dir: ws.Root, Env: opts.Env, Stdio: opts.Run.Stdio,
		})
		results = append(results, cachestore.CommandResult{
			Command: result.Command, ExitCode: result.ExitCode,
			Stdout: result.Stdout, Stderr: result.Stderr, Combined: result.Combined,
			Duration: result.Duration,
		})
		if err != nil {
			return taskOutcome{err: err, results: results}
		}
	}

	if noInputs {
		_ = store.Invalidate()
	} else if err := store.Write(fp, results); err != nil {
		return taskOutcome{err: err, results: results}
	}
	return taskOutcome{results: results, fromCache: false}
}

// invalidate performs the CacheStore invalidation for one workspace as part
// of step-completion policy, emitting CacheInvalidated on success or
// ErrorInvalidatingCache (fatal) on failure. Returns false when the run
// should stop.
func (s *Scheduler) invalidate(wsName, target string, ch chan<- Event) bool {
	ws, ok := s.Graph.Get(wsName)
	if !ok {
		return true
	}
	store := cachestore.New(ws.Root, target)
	if err := store.Invalidate(); err != nil {
		ch <- Event{Kind: ErrorInvalidatingCache, Workspace: wsName, Err: err}
		return false
	}
	ch <- Event{Kind: CacheInvalidated, Workspace: wsName}
	return true
}

func canonicalCommand(tc config.TargetConfig) string {
	parts := make([]string, 0, len(tc.Cmd))
	for _, c := range tc.Cmd {
		parts = append(parts, c.Run)
	}
	return strings.Join(parts, " && ")
}
