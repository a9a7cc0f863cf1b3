package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/strataorch/strata/internal/affected"
	"github.com/strataorch/strata/internal/cachestore"
	"github.com/strataorch/strata/internal/config"
	"github.com/strataorch/strata/internal/ipc"
	"github.com/strataorch/strata/internal/process"
	"github.com/strataorch/strata/internal/scheduler"
	"github.com/strataorch/strata/internal/targets"
	"github.com/strataorch/strata/internal/vcs"
	"github.com/strataorch/strata/internal/workspace"
)

type runFlags struct {
	Mode        string
	Force       bool
	To          string
	Workspaces  []string
	Rev1        string
	Rev2        string
	Concurrency int
	Watch       bool
	DebounceMs  int
	StatusSock  string
}

func addRunFlags(f *runFlags, flags *pflag.FlagSet) {
	flags.StringVar(&f.Mode, "mode", "topological", "parallel|topological")
	flags.BoolVar(&f.Force, "force", false, "bypass the cache")
	flags.StringVar(&f.To, "to", "", "topological mode: plan to this workspace")
	flags.StringSliceVar(&f.Workspaces, "workspace", nil, "parallel mode: explicit eligible workspaces")
	flags.StringVar(&f.Rev1, "rev1", "", "affected-range start revision")
	flags.StringVar(&f.Rev2, "rev2", "", "affected-range end revision (defaults to working tree)")
	flags.IntVar(&f.Concurrency, "concurrency", 0, "max simultaneous tasks per step (0 = scheduler default)")
	flags.BoolVar(&f.Watch, "watch", false, "keep running, rescheduling on source changes")
	flags.IntVar(&f.DebounceMs, "debounce-ms", 0, "watch-mode debounce in milliseconds (0 = scheduler default)")
	flags.StringVar(&f.StatusSock, "status-sock", "", "unix socket path to expose a status/control RPC on while watching")
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <target>",
		Short: "resolve and execute a target across the workspace graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), args[0], f)
		},
	}
	addRunFlags(f, cmd.Flags())
	return cmd
}

// jsonEvent is the newline-delimited-JSON projection of a scheduler.Event:
// errors are flattened to their message since error values don't round-trip
// through encoding/json.
type jsonEvent struct {
	Kind        string                       `json:"kind"`
	Workspace   string                       `json:"workspace,omitempty"`
	Plan        targets.OrderedTargets       `json:"plan,omitempty"`
	Results     []cachestore.CommandResult   `json:"results,omitempty"`
	FromCache   bool                         `json:"from_cache,omitempty"`
	Error       string                       `json:"error,omitempty"`
	Affected    bool                         `json:"affected,omitempty"`
	HasCommand  bool                         `json:"has_command,omitempty"`
	FsEventKind string                       `json:"fs_event_kind,omitempty"`
	Path        string                       `json:"path,omitempty"`
}

func toJSON(ev scheduler.Event) jsonEvent {
	out := jsonEvent{
		Kind:        string(ev.Kind),
		Workspace:   ev.Workspace,
		Plan:        ev.Plan,
		Results:     ev.Results,
		FromCache:   ev.FromCache,
		Affected:    ev.Affected,
		HasCommand:  ev.HasCommand,
		FsEventKind: ev.FsEventKind,
		Path:        ev.Path,
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

func runRun(ctx context.Context, target string, f *runFlags) error {
	defaults, err := config.LoadDefaults(global.ProjectRoot)
	if err != nil {
		return err
	}

	graph, err := workspace.Load(global.ProjectRoot)
	if err != nil {
		return err
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "strata",
		Level: hclog.LevelFromString(global.LogLevel),
	})

	probe := vcs.New(graph.Root())
	affectedResolver := affected.New(graph, probe)
	targetsResolver := targets.New(graph, affectedResolver)
	runner := process.NewRunner(logger.Named("process"))
	runner.GraceMs = defaults.KillGraceMs
	sched := scheduler.New(graph, targetsResolver, runner, logger.Named("scheduler"))

	runOpts := targets.RunOptions{
		Mode:       f.Mode,
		Force:      f.Force,
		To:         f.To,
		Workspaces: f.Workspaces,
	}
	if f.Rev1 != "" {
		runOpts.Affected = &targets.AffectedRange{Rev1: f.Rev1, Rev2: f.Rev2}
	}

	concurrency := f.Concurrency
	if concurrency == 0 {
		concurrency = defaults.Concurrency
	}
	debounceMs := f.DebounceMs
	if debounceMs == 0 {
		debounceMs = defaults.WatchDebounceMs
	}

	opts := scheduler.Options{Target: target, Run: runOpts, Concurrency: concurrency, WatchDebounceMs: debounceMs}
	enc := json.NewEncoder(os.Stdout)

	if !f.Watch {
		ch, err := sched.RunCommand(ctx, opts)
		if err != nil {
			return err
		}
		for ev := range ch {
			if err := enc.Encode(toJSON(ev)); err != nil {
				return err
			}
		}
		return nil
	}

	return runWatch(ctx, sched, opts, logger, f.StatusSock, enc)
}

// runWatch drives watch mode, optionally serving a status/control RPC
// alongside the event drain loop; both run under one errgroup so either
// failing (or the Aborted signal firing) tears the other down.
func runWatch(ctx context.Context, sched *scheduler.Scheduler, opts scheduler.Options, logger hclog.Logger, statusSock string, enc *json.Encoder) error {
	ch, unwatch, err := sched.RunCommandWatch(ctx, opts)
	if err != nil {
		return err
	}
	defer unwatch()

	recorder := ipc.NewRecorder()
	group, groupCtx := errgroup.WithContext(ctx)
	drained := make(chan struct{})
	stopServer := func() {}

	if statusSock != "" {
		srv, err := ipc.Listen(statusSock, logger.Named("ipc"), recorder)
		if err != nil {
			return err
		}
		defer srv.GracefulStop()
		stopServer = srv.GracefulStop

		group.Go(func() error { return srv.Serve() })
		group.Go(func() error {
			select {
			case <-recorder.Aborted():
			case <-groupCtx.Done():
			case <-drained:
			}
			unwatch()
			return nil
		})
	}

	group.Go(func() error {
		defer close(drained)
		defer stopServer()
		for ev := range ch {
			recorder.Observe(ev)
			if err := enc.Encode(toJSON(ev)); err != nil {
				return err
			}
		}
		return nil
	})

	return group.Wait()
}
