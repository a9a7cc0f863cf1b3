package process

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/strataorch/strata/internal/config"
)

// DaemonResult is returned once a daemon's success LogCondition matches
// (spec 4.5).
type DaemonResult struct {
	InvocationID string
	StartedAt    time.Time
	Took         time.Duration
}

// FailureError is DaemonError::Failure(condition).
type FailureError struct {
	Condition config.LogCondition
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("daemon failure condition matched: %s contains %q", e.Condition.Stdio, e.Condition.Value)
}

// TimeoutError is DaemonError::Timeout(condition).
type TimeoutError struct {
	Condition config.LogCondition
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("daemon condition timed out after %dms: %s contains %q", e.Condition.EffectiveTimeoutMs(), e.Condition.Stdio, e.Condition.Value)
}

// CrashedError is DaemonError::Crashed(exit-status): the process exited
// before any condition resolved.
type CrashedError struct {
	ExitCode int
}

func (e *CrashedError) Error() string {
	return fmt.Sprintf("daemon process crashed before any condition resolved (exit %d)", e.ExitCode)
}

// conditionOutcome is what a single LogCondition watcher reports.
type conditionOutcome struct {
	condition config.LogCondition
	matched   bool
	err       error
}

// StartDaemon spawns spec and races every LogCondition against a crash
// watcher: the first condition to match (or the process exiting first)
// resolves the call and every other watcher is cancelled (spec 4.5). A
// failure condition or a condition timeout kills the daemon before
// returning, per spec 4.5/7: DaemonError::{Failure,Timeout} are reported
// only after the process (and anything holding its ports) is gone.
func (r *Runner) StartDaemon(ctx context.Context, target string, spec CommandSpec, conditions []config.LogCondition) (*DaemonResult, error) {
	sp, err := r.spawn(ctx, target, spec)
	if err != nil {
		return nil, err
	}

	watchCtx, cancelWatchers := context.WithCancel(ctx)
	defer cancelWatchers()

	outcomes := make(chan conditionOutcome, len(conditions))
	var wg sync.WaitGroup
	for _, cond := range conditions {
		cond := cond
		wg.Add(1)
		go func() {
			defer wg.Done()
			watchCondition(watchCtx, sp.h, cond, outcomes)
		}()
	}

	exitCh := make(chan error, 1)
	go func() {
		exitCh <- sp.h.cmd.Wait()
	}()

	defer func() {
		go func() {
			wg.Wait()
			close(outcomes)
		}()
	}()

	for {
		select {
		case outcome := <-outcomes:
			if outcome.condition.Type == "success" && outcome.matched {
				return &DaemonResult{InvocationID: sp.invocationID, StartedAt: sp.start, Took: time.Since(sp.start)}, nil
			}
			if outcome.condition.Type == "failure" && outcome.matched {
				r.Kill(target, spec.Releases)
				r.untrack(target, sp.invocationID)
				return nil, &FailureError{Condition: outcome.condition}
			}
			if outcome.err != nil {
				r.Kill(target, spec.Releases)
				r.untrack(target, sp.invocationID)
				return nil, &TimeoutError{Condition: outcome.condition}
			}
		case err := <-exitCh:
			close(sp.h.done)
			r.untrack(target, sp.invocationID)
			exitCode := 0
			if err != nil {
				exitCode = 1
			}
			return nil, &CrashedError{ExitCode: exitCode}
		case <-ctx.Done():
			r.untrack(target, sp.invocationID)
			return nil, ctx.Err()
		}
	}
}

// watchCondition polls the relevant gated buffer for cond.Value until it
// matches, the condition's own timer elapses, or watchCtx is cancelled
// because another condition already resolved the race.
func watchCondition(watchCtx context.Context, h *handle, cond config.LogCondition, outcomes chan<- conditionOutcome) {
	timeout := time.Duration(cond.EffectiveTimeoutMs()) * time.Millisecond
	deadline := time.After(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-watchCtx.Done():
			return
		case <-deadline:
			outcomes <- conditionOutcome{condition: cond, err: &TimeoutError{Condition: cond}}
			return
		case <-ticker.C:
			if matchCondition(h, cond) {
				outcomes <- conditionOutcome{condition: cond, matched: true}
				return
			}
		}
	}
}

// matchCondition applies cond's matcher against the relevant stdio buffer.
// cond.Matcher is validated to "contains" at config-load time
// (config.LogCondition.Validate), so that's the only case handled here.
func matchCondition(h *handle, cond config.LogCondition) bool {
	switch cond.Matcher {
	case "contains":
		return bufferContains(h, cond.Stdio, cond.Value)
	default:
		return false
	}
}

func bufferContains(h *handle, stdio, value string) bool {
	switch stdio {
	case "stdout":
		return h.gatedStdout != nil && strings.Contains(h.gatedStdout.String(), value)
	case "stderr":
		return h.gatedStderr != nil && strings.Contains(h.gatedStderr.String(), value)
	default: // "all"
		stdoutHas := h.gatedStdout != nil && strings.Contains(h.gatedStdout.String(), value)
		stderrHas := h.gatedStderr != nil && strings.Contains(h.gatedStderr.String(), value)
		return stdoutHas || stderrHas
	}
}
