// Package process implements C6, the ProcessRunner: spawning shell commands,
// streaming and capturing output, supervising daemons by log condition, and
// killing process trees (spec.md section 4.5). The child-process lifecycle
// plumbing (process groups, graceful-then-forceful kill) is adapted
// from the teacher's internal/process package, itself adapted from
// hashicorp/consul-template's child manager.
package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/andybalholm/crlf"
	"github.com/google/uuid"
	"github.com/hashicorp/go-gatedio"
	"github.com/hashicorp/go-hclog"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
)

// ExitError is ProcessError::Exit from spec.md section 7.
type ExitError struct {
	Code   int
	Output []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// CommandSpec fully describes one invocation to run.
type CommandSpec struct {
	Run      string
	Dir      string
	Env      map[string]string
	Stdio    string // "capture" (default) or "inherit"
	Releases []int  // ports to probe during the kill protocol
}

// Result is the captured outcome of a non-daemon invocation.
type Result struct {
	Command  string
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Combined []byte
	Duration time.Duration
}

const (
	defaultGraceMs = 500
)

// Runner spawns and supervises commands, tracking every in-flight
// invocation under processes[target][invocation-id] so Kill(target) can stop
// every process for that target (spec 4.5).
type Runner struct {
	mu        sync.Mutex
	processes map[string]map[string]*handle
	logger    hclog.Logger

	// GraceMs is the grace period between the graceful signal and the
	// forceful kill. Defaults to 500ms when zero.
	GraceMs int
}

type handle struct {
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	done    chan struct{}
	killSig os.Signal

	// gatedStdout/gatedStderr are concurrency-safe views over the live
	// output, read by the daemon condition watcher while the process is
	// still writing to them (spec 4.5 daemon supervision).
	gatedStdout *gatedio.ByteBuffer
	gatedStderr *gatedio.ByteBuffer
}

// NewRunner returns a Runner that logs through logger.
func NewRunner(logger hclog.Logger) *Runner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Runner{
		processes: make(map[string]map[string]*handle),
		logger:    logger,
		GraceMs:   defaultGraceMs,
	}
}

func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	env = append(env, "FORCE_COLOR=2")
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// startedProcess bundles everything about a just-started invocation that
// both Run and StartDaemon need: the handle tracked in the registry, plus
// whatever buffers captured its output.
type startedProcess struct {
	invocationID string
	h            *handle
	stdout       *bytes.Buffer
	stderr       *bytes.Buffer
	combined     *bytes.Buffer
	start        time.Time
}

func (r *Runner) spawn(ctx context.Context, target string, spec CommandSpec) (*startedProcess, error) {
	invocationID := uuid.New().String()

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, "sh", "-c", spec.Run)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)
	setSetpgid(cmd, true)

	sp := &startedProcess{invocationID: invocationID, stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}, combined: &bytes.Buffer{}}

	h := &handle{cancel: cancel, done: make(chan struct{}), killSig: os.Interrupt}
	if spec.Stdio == "inherit" {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		// Both streams are normalised to LF line endings before landing in
		// combined. The gated stdout/stderr views that LogCondition
		// matching reads, and the separate stdout/stderr buffers, keep the
		// bytes exactly as the child wrote them.
		normalizedCombined := crlf.NewWriter(sp.combined)
		h.gatedStdout = gatedio.NewByteBuffer()
		h.gatedStderr = gatedio.NewByteBuffer()
		cmd.Stdout = io.MultiWriter(h.gatedStdout, sp.stdout, normalizedCombined)
		cmd.Stderr = io.MultiWriter(h.gatedStderr, sp.stderr, normalizedCombined)
	}

	sp.start = time.Now()
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrap(err, "starting command")
	}
	h.cmd = cmd
	sp.h = h

	r.track(target, invocationID, h)
	return sp, nil
}

// Run spawns spec and blocks until it exits, returning the invocation id it
// was tracked under plus its Result. A non-zero exit is reported as
// *ExitError, not bundled into a nil-error Result.
func (r *Runner) Run(ctx context.Context, target string, spec CommandSpec) (string, Result, error) {
	sp, err := r.spawn(ctx, target, spec)
	if err != nil {
		return "", Result{}, err
	}
	defer r.untrack(target, sp.invocationID)
	defer sp.h.cancel()

	err = sp.h.cmd.Wait()
	close(sp.h.done)
	duration := time.Since(sp.start)

	exitCode := 0
	if err != nil {
		exitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = status.ExitStatus()
			}
		}
	}

	result := Result{
		Command:  spec.Run,
		ExitCode: exitCode,
		Stdout:   sp.stdout.Bytes(),
		Stderr:   sp.stderr.Bytes(),
		Combined: sp.combined.Bytes(),
		Duration: duration,
	}
	if exitCode != 0 {
		return sp.invocationID, result, &ExitError{Code: exitCode, Output: result.Combined}
	}
	return sp.invocationID, result, nil
}

func (r *Runner) track(target, invocationID string, h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processes[target] == nil {
		r.processes[target] = map[string]*handle{}
	}
	r.processes[target][invocationID] = h
}

func (r *Runner) untrack(target, invocationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processes[target], invocationID)
}

// Kill implements the kill protocol from spec 4.5: graceful signal to the
// whole process tree, a grace period, then a port-release probe, then a
// forceful kill of the whole tree if any released port is still bound.
func (r *Runner) Kill(target string, releasePorts []int) {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.processes[target]))
	for _, h := range r.processes[target] {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	grace := r.GraceMs
	if grace == 0 {
		grace = defaultGraceMs
	}

	for _, h := range handles {
		r.killOne(h, time.Duration(grace)*time.Millisecond, releasePorts)
	}
}

func (r *Runner) killOne(h *handle, grace time.Duration, releasePorts []int) {
	if h.cmd.Process == nil {
		return
	}
	pid := h.cmd.Process.Pid
	signalTree(pid, h.killSig)

	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}

	if anyPortBound(releasePorts) {
		signalTree(pid, syscall.SIGKILL)
	}
}

// signalTree signals the process group rooted at pid, which covers every
// descendant started under the same group (setpgid above). If the group
// signal fails -- e.g. the platform doesn't support process groups, or the
// group leader already exited while children linger under a reparented
// shell -- fall back to walking the PID tree via `ps` and signalling each
// descendant individually (spec 4.5, "process-tree kill").
func signalTree(pid int, sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	if err := syscall.Kill(-pid, s); err == nil {
		return
	}
	for _, descendant := range descendantPids(pid) {
		_ = syscall.Kill(descendant, s)
	}
}

// descendantPids walks `ps -o pid,ppid` to find every process transitively
// parented by pid, for platforms/situations where PGID-based signalling
// isn't reliable.
func descendantPids(root int) []int {
	out, err := exec.Command("ps", "-e", "-o", "pid,ppid").Output()
	if err != nil {
		return nil
	}

	parents := map[int][]int{}
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		parents[ppid] = append(parents[ppid], pid)
	}

	var descendants []int
	var walk func(p int)
	walk = func(p int) {
		for _, child := range parents[p] {
			descendants = append(descendants, child)
			walk(child)
		}
	}
	walk(root)
	return descendants
}

func anyPortBound(ports []int) bool {
	for _, port := range ports {
		if portBound(port) {
			return true
		}
	}
	return false
}

func portBound(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// IsTTY mirrors the teacher's stdio-mode default: when stdout is not a
// terminal, commands default to captured output even if the caller didn't
// ask for it explicitly.
var IsTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

// DefaultStdio returns "inherit" when attached to a TTY and "capture"
// otherwise, matching how interactive vs scripted invocations behave.
func DefaultStdio() string {
	if IsTTY {
		return "inherit"
	}
	return "capture"
}
