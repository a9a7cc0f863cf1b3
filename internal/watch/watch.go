// Package watch implements C9, the Watcher: subscribing to the source
// globs of every workspace in a resolved plan and emitting debounced,
// batched WatchEvents (spec.md section 4.9).
package watch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/strataorch/strata/internal/targets"
	"github.com/strataorch/strata/internal/workspace"
)

// ChangeKind is one of the five raw filesystem change kinds named in
// spec 4.9.
type ChangeKind string

const (
	Add       ChangeKind = "add"
	AddDir    ChangeKind = "add_dir"
	Change    ChangeKind = "change"
	Unlink    ChangeKind = "unlink"
	UnlinkDir ChangeKind = "unlink_dir"
)

// Event is one entry of a debounced flush: WatchEvent = { resolved_target,
// change_kind, path }.
type Event struct {
	ResolvedTarget string
	ChangeKind     ChangeKind
	Path           string
}

// defaultIgnore mirrors the directories every workspace in the corpus
// excludes from source globbing regardless of its own .gitignore.
var defaultIgnore = gitignore.CompileIgnoreLines(
	".git", "node_modules", ".caches",
)

// Watcher subscribes to every glob listed in each workspace's TargetConfig
// for one OrderedTargets plan, and flushes the batched events once no new
// event has arrived for one debounce interval.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration

	patterns map[string][]glob.Glob // workspace name -> compiled src globs
	roots    map[string]string      // workspace name -> workspace root
	dirOwner map[string]string      // watched directory -> workspace name

	events chan []Event
	done   chan struct{}
	once   sync.Once
}

// New builds a Watcher over every workspace named in plan that has a
// TargetConfig for target, watching its TargetConfig.Src globs.
func New(plan targets.OrderedTargets, graph *workspace.Graph, target string, debounceMs int) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating filesystem watcher")
	}

	w := &Watcher{
		fsw:      fsw,
		debounce: time.Duration(debounceMs) * time.Millisecond,
		patterns: map[string][]glob.Glob{},
		roots:    map[string]string{},
		dirOwner: map[string]string{},
		events:   make(chan []Event, 8),
		done:     make(chan struct{}),
	}

	for _, step := range plan {
		for _, rt := range step {
			ws, ok := graph.Get(rt.Workspace)
			if !ok {
				continue
			}
			tc, ok := ws.Targets[target]
			if !ok {
				continue
			}
			compiled := make([]glob.Glob, 0, len(tc.Src))
			for _, p := range tc.Src {
				g, err := glob.Compile(p, '/')
				if err != nil {
					fsw.Close()
					return nil, errors.Wrapf(err, "compiling glob %q for workspace %s", p, rt.Workspace)
				}
				compiled = append(compiled, g)
			}
			w.patterns[rt.Workspace] = compiled
			w.roots[rt.Workspace] = ws.Root
			if err := w.watchTree(ws.Root, rt.Workspace); err != nil {
				fsw.Close()
				return nil, err
			}
		}
	}

	go w.loop()
	return w, nil
}

// watchTree adds fsnotify watches for ws.Root and every non-ignored
// subdirectory beneath it, recording ownership for event routing.
func (w *Watcher) watchTree(root, wsName string) error {
	return godirwalk.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(name string, info *godirwalk.Dirent) error {
			isDir, err := info.IsDirOrSymlinkToDir()
			if err != nil || !isDir {
				return nil
			}
			rel, err := filepath.Rel(root, name)
			if err == nil && rel != "." && defaultIgnore.MatchesPath(filepath.ToSlash(rel)) {
				return godirwalk.SkipThis
			}
			if err := w.fsw.Add(name); err != nil {
				return nil
			}
			w.dirOwner[name] = wsName
			return nil
		},
		ErrorCallback: func(pathname string, err error) godirwalk.ErrorAction {
			return godirwalk.SkipNode
		},
	})
}

// Events returns the channel of debounced, batched flushes. It closes when
// Unwatch is called.
func (w *Watcher) Events() <-chan []Event {
	return w.events
}

// Unwatch terminates the event stream and releases every filesystem watch.
func (w *Watcher) Unwatch() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.events)

	pending := make([]Event, 0, 8)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			wsName, kind, matched := w.classify(ev)
			if !matched {
				continue
			}
			pending = append(pending, Event{ResolvedTarget: wsName, ChangeKind: kind, Path: ev.Name})
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timerC:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if len(pending) == 0 {
				continue
			}
			batch := pending
			pending = make([]Event, 0, 8)
			select {
			case w.events <- batch:
			case <-w.done:
				return
			}

		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// classify maps a raw fsnotify event to its owning workspace and change
// kind, matching the path against that workspace's compiled src globs.
// Unmatched or unowned paths are dropped.
func (w *Watcher) classify(ev fsnotify.Event) (wsName string, kind ChangeKind, matched bool) {
	dir := filepath.Dir(ev.Name)
	owner, ok := w.dirOwner[dir]
	if !ok {
		owner, ok = w.dirOwner[ev.Name]
		if !ok {
			return "", "", false
		}
	}

	root := w.roots[owner]
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil {
		return "", "", false
	}
	rel = filepath.ToSlash(rel)
	if defaultIgnore.MatchesPath(rel) {
		return "", "", false
	}

	globMatch := false
	for _, g := range w.patterns[owner] {
		if g.Match(rel) {
			globMatch = true
			break
		}
	}
	if !globMatch {
		return "", "", false
	}

	isDir := false
	if fi, err := os.Stat(ev.Name); err == nil {
		isDir = fi.IsDir()
	}

	switch {
	case ev.Op&fsnotify.Create == fsnotify.Create:
		if isDir {
			// A freshly created directory needs its own watch, and every
			// descendant, to see subsequent changes inside it.
			w.watchTree(ev.Name, owner)
			kind = AddDir
		} else {
			kind = Add
		}
	case ev.Op&fsnotify.Write == fsnotify.Write:
		kind = Change
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		kind = Unlink
	default:
		return "", "", false
	}
	return owner, kind, true
}
