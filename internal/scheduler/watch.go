package scheduler

import (
	"context"
	"sync"

	"github.com/strataorch/strata/internal/targets"
	"github.com/strataorch/strata/internal/tracing"
	"github.com/strataorch/strata/internal/watch"
)

const defaultWatchDebounceMs = 1000

// watcherState is the Scheduler's mutable watch-mode state (spec 4.8). All
// access is serialised through its mutex; the single reducer goroutine in
// watchLoop is the only writer of current/errored bookkeeping, while
// consumeWatchEvents reacts to SourcesChanged concurrently.
type watcherState struct {
	mu sync.Mutex

	plan   targets.OrderedTargets
	stepOf map[string]int

	current   int
	running   map[string]bool
	processed map[string]bool
	impacted  map[string]bool
	killed    map[string]bool

	rescheduleRequested bool
	rescheduleFrom      int
}

func copySet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		if v {
			out[k] = true
		}
	}
	return out
}

// RunCommandWatch is the watch-mode counterpart to RunCommand (spec 4.8): it
// resolves the plan once, executes it, and thereafter reruns only the
// workspaces impacted by SourcesChanged until the returned unwatch func is
// called or ctx is cancelled.
func (s *Scheduler) RunCommandWatch(ctx context.Context, opts Options) (<-chan Event, func(), error) {
	if !s.hasAnyDefinition(opts.Target) {
		return nil, nil, &UnknownTargetError{Target: opts.Target}
	}
	plan, err := s.Targets.Resolve(opts.Target, opts.Run)
	if err != nil {
		return nil, nil, err
	}

	debounceMs := opts.WatchDebounceMs
	if debounceMs == 0 {
		debounceMs = defaultWatchDebounceMs
	}
	w, err := watch.New(plan, s.Graph, opts.Target, debounceMs)
	if err != nil {
		return nil, nil, err
	}

	stepOf := make(map[string]int, len(plan))
	for i, step := range plan {
		for _, rt := range step {
			stepOf[rt.Workspace] = i
		}
	}

	state := &watcherState{
		plan:      plan,
		stepOf:    stepOf,
		running:   map[string]bool{},
		processed: map[string]bool{},
		impacted:  map[string]bool{},
		killed:    map[string]bool{},
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, 16)

	go s.watchLoop(runCtx, opts, w, state, ch)

	unwatch := func() {
		cancel()
		w.Unwatch()
	}
	return ch, unwatch, nil
}

func (s *Scheduler) watchLoop(ctx context.Context, opts Options, w *watch.Watcher, state *watcherState, ch chan<- Event) {
	defer close(ch)
	defer w.Unwatch()

	ch <- Event{Kind: TargetsResolved, Plan: state.plan}
	if len(state.plan) == 0 {
		<-ctx.Done()
		return
	}

	go s.consumeWatchEvents(ctx, w, state, ch)

	fromStep := 0
	var onlyWorkspaces map[string]bool // nil means every workspace in the step

	for {
		if ctx.Err() != nil {
			return
		}

		if fromStep >= len(state.plan) {
			// The plan has been fully executed; watch mode waits
			// indefinitely for the next SourcesChanged (or unwatch).
			<-ctx.Done()
			return
		}

		state.mu.Lock()
		state.current = fromStep
		state.mu.Unlock()

		step := state.plan[fromStep]
		effective := step
		if onlyWorkspaces != nil {
			reduced := make(targets.Step, 0, len(step))
			for _, rt := range step {
				if onlyWorkspaces[rt.Workspace] {
					reduced = append(reduced, rt)
				}
			}
			effective = reduced
		}

		stepSpan := tracing.Span("watch step")
		errored, rebuilt := s.runWatchStep(ctx, opts, effective, state, ch)
		stepSpan.Done()

		if ctx.Err() != nil {
			return
		}

		for _, wsName := range errored {
			if !s.invalidate(wsName, opts.Target, ch) {
				return
			}
		}

		state.mu.Lock()
		hasReschedule := state.rescheduleRequested
		rescheduleFrom := state.rescheduleFrom
		state.rescheduleRequested = false
		impactedNow := copySet(state.impacted)
		state.impacted = map[string]bool{}
		state.killed = map[string]bool{}
		for wsName := range impactedNow {
			delete(state.processed, wsName)
		}
		state.mu.Unlock()

		if hasReschedule {
			fromStep = rescheduleFrom
			onlyWorkspaces = impactedNow
			if len(onlyWorkspaces) == 0 {
				onlyWorkspaces = nil
			}
			continue
		}

		if len(errored) > 0 || len(rebuilt) > 0 {
			for _, laterStep := range state.plan[fromStep+1:] {
				for _, rt := range laterStep {
					if !s.invalidate(rt.Workspace, opts.Target, ch) {
						return
					}
				}
			}
		}

		fromStep++
		onlyWorkspaces = nil
	}
}

// runWatchStep is runStep's watch-aware counterpart: it tracks running/
// processed membership in state for consumeWatchEvents to consult, and
// swallows the outcome of any workspace recorded in state.killed, emitting
// NodeInterrupted exactly once instead.
func (s *Scheduler) runWatchStep(ctx context.Context, opts Options, step targets.Step, state *watcherState, ch chan<- Event) (errored, rebuilt []string) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = defaultConcurrency
	}
	sem := make(chan struct{}, concurrency)

	for _, rt := range step {
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

			state.mu.Lock()
			state.running[rt.Workspace] = true
			state.mu.Unlock()

			ch <- Event{Kind: NodeStarted, Workspace: rt.Workspace}
			outcome := s.runTask(ctx, opts, rt.Workspace)

			state.mu.Lock()
			delete(state.running, rt.Workspace)
			wasKilled := state.killed[rt.Workspace]
			state.processed[rt.Workspace] = true
			state.mu.Unlock()

			if wasKilled {
				ch <- Event{Kind: NodeInterrupted, Workspace: rt.Workspace}
				return
			}
			if outcome.err != nil {
				ch <- Event{Kind: NodeErrored, Workspace: rt.Workspace, Err: outcome.err}
				mu.Lock()
				errored = append(errored, rt.Workspace)
				mu.Unlock()
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
	return
}

// consumeWatchEvents implements the reaction algorithm of spec 4.8: for
// every batched watch.Event it emits SourcesChanged, then decides whether
// the change requires an immediate abort (an earlier, already-passed step),
// a let-finish-and-abort of the current step, or no action at all.
func (s *Scheduler) consumeWatchEvents(ctx context.Context, w *watch.Watcher, state *watcherState, ch chan<- Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Events():
			if !ok {
				return
			}
			for _, ev := range batch {
				s.handleSourcesChanged(ev, state, ch)
			}
		}
	}
}

func (s *Scheduler) handleSourcesChanged(ev watch.Event, state *watcherState, ch chan<- Event) {
	ch <- Event{Kind: SourcesChanged, Workspace: ev.ResolvedTarget, FsEventKind: string(ev.ChangeKind), Path: ev.Path}

	state.mu.Lock()
	stepIdx, known := state.stepOf[ev.ResolvedTarget]
	current := state.current
	isRunning := state.running[ev.ResolvedTarget]
	isProcessed := state.processed[ev.ResolvedTarget]
	state.mu.Unlock()
	if !known {
		return
	}

	switch {
	case stepIdx < current:
		state.mu.Lock()
		runningNow := copySet(state.running)
		for wsName := range runningNow {
			state.killed[wsName] = true
		}
		state.impacted[ev.ResolvedTarget] = true
		state.rescheduleRequested = true
		state.rescheduleFrom = stepIdx
		state.mu.Unlock()
		for wsName := range runningNow {
			s.Runner.Kill(wsName, nil)
		}

	case stepIdx == current && (isRunning || isProcessed):
		state.mu.Lock()
		state.impacted[ev.ResolvedTarget] = true
		if isRunning {
			state.killed[ev.ResolvedTarget] = true
		}
		state.rescheduleRequested = true
		state.rescheduleFrom = current
		state.mu.Unlock()
		if isRunning {
			s.Runner.Kill(ev.ResolvedTarget, nil)
		}

	default:
		// Not started yet in the current step, or in a later step: the
		// plan will naturally reach it.
	}
}
