// Package cachestore implements C5, the CacheStore: a per-(workspace,
// target) on-disk store of fingerprints and captured command results, with
// atomic read/write/invalidate semantics (spec.md section 4.4).
package cachestore

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/DataDog/zstd"
	"github.com/cenkalti/backoff/v4"
	"github.com/moby/sys/sequential"
	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"

	"github.com/strataorch/strata/internal/canonjson"
)

const (
	checksumsFileName = "checksums.json"
	outputFileName    = "output.json"
)

// CommandResult is one executed Command's captured outcome.
type CommandResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   []byte        `json:"stdout"`
	Stderr   []byte        `json:"stderr"`
	Combined []byte        `json:"combined"`
	Duration time.Duration `json:"duration"`
}

// InvalidationFailedError is CacheError::InvalidationFailed from spec.md
// section 7: a fatal condition that stops the scheduler.
type InvalidationFailedError struct {
	Path    string
	Wrapped error
}

func (e *InvalidationFailedError) Error() string {
	return "failed to invalidate cache at " + e.Path + ": " + e.Wrapped.Error()
}

func (e *InvalidationFailedError) Unwrap() error { return e.Wrapped }

// Store reads and writes CacheEntry data under
// <workspace-root>/.caches/<target>/.
type Store struct {
	WorkspaceRoot string
	Target        string
}

// New returns a Store scoped to one (workspace, target) pair.
func New(workspaceRoot, target string) *Store {
	return &Store{WorkspaceRoot: workspaceRoot, Target: target}
}

func (s *Store) dir() string {
	return filepath.Join(s.WorkspaceRoot, ".caches", s.Target)
}

func (s *Store) checksumsPath() string { return filepath.Join(s.dir(), checksumsFileName) }
func (s *Store) outputPath() string    { return filepath.Join(s.dir(), outputFileName) }
func (s *Store) lockPath() string      { return filepath.Join(s.dir(), ".lock") }

// Read returns (results, true, nil) on a cache hit and (nil, false, nil)
// otherwise: a missing, unreadable or unparseable cache file, or a
// fingerprint that differs, is reported as a miss, never as an error.
func (s *Store) Read(currentFingerprint map[string]string) ([]CommandResult, bool, error) {
	storedRaw, err := ioutil.ReadFile(s.checksumsPath())
	if err != nil {
		return nil, false, nil
	}
	var stored map[string]string
	if err := json.Unmarshal(storedRaw, &stored); err != nil {
		return nil, false, nil
	}
	if !canonjson.Equal(stored, currentFingerprint) {
		return nil, false, nil
	}

	outRaw, err := readSequential(s.outputPath())
	if err != nil {
		return nil, false, nil
	}
	var encoded []encodedResult
	if err := json.Unmarshal(outRaw, &encoded); err != nil {
		return nil, false, nil
	}

	results := make([]CommandResult, 0, len(encoded))
	for _, e := range encoded {
		r, err := e.decode()
		if err != nil {
			return nil, false, nil
		}
		results = append(results, r)
	}
	return results, true, nil
}

// Write persists fingerprint and results atomically enough for this
// single-writer-per-(workspace,target) invariant: it tries to take an
// advisory cross-process lock for the duration of the write (spec 4.4
// concurrency invariant, belt-and-suspenders against an external process
// touching the same cache directory). If the lock cannot be taken, the
// write goes ahead without it.
func (s *Store) Write(fingerprint map[string]string, results []CommandResult) error {
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return errors.Wrap(err, "creating cache directory")
	}

	lock, err := lockfile.New(s.lockPath())
	if err == nil {
		if lockErr := lock.TryLock(); lockErr == nil {
			defer lock.Unlock()
		}
	}

	checksumBytes := canonjson.Encode(fingerprint)
	if err := retryWrite(func() error { return ioutil.WriteFile(s.checksumsPath(), checksumBytes, 0o644) }); err != nil {
		return errors.Wrap(err, "writing checksums.json")
	}

	encoded := make([]encodedResult, 0, len(results))
	for _, r := range results {
		e, err := newEncodedResult(r)
		if err != nil {
			return errors.Wrap(err, "compressing command output")
		}
		encoded = append(encoded, e)
	}
	outBytes, err := json.Marshal(encoded)
	if err != nil {
		return errors.Wrap(err, "marshalling output.json")
	}
	if err := retryWrite(func() error { return writeSequential(s.outputPath(), outBytes) }); err != nil {
		return errors.Wrap(err, "writing output.json")
	}
	return nil
}

// retryWrite retries fn with bounded exponential backoff when it fails with
// a transient filesystem error (e.g. EMFILE while a project with many
// workspaces writes many cache entries at once), the same
// backoff.Retry/backoff.Permanent idiom internal/vcs uses around shelled-out
// git commands. Any other error is permanent and returned on the first try.
func retryWrite(fn func() error) error {
	operation := func() error {
		if err := fn(); err != nil {
			if !isTransientWriteError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), context.Background())
	return backoff.Retry(operation, b)
}

func isTransientWriteError(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) || errors.Is(err, syscall.ENOSPC)
}

// Invalidate best-effort removes both cache files. A missing file is not an
// error; any other IO error is fatal per spec 4.4.
func (s *Store) Invalidate() error {
	for _, path := range []string{s.checksumsPath(), s.outputPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &InvalidationFailedError{Path: path, Wrapped: err}
		}
	}
	return nil
}

// encodedResult mirrors CommandResult but stores zstd-compressed output
// bytes, keeping output.json small for chatty daemons and verbose builds.
type encodedResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   []byte `json:"stdout"`
	Stderr   []byte `json:"stderr"`
	Combined []byte `json:"combined"`
	Duration int64  `json:"duration_ns"`
}

func newEncodedResult(r CommandResult) (encodedResult, error) {
	stdout, err := zstd.Compress(nil, r.Stdout)
	if err != nil {
		return encodedResult{}, err
	}
	stderr, err := zstd.Compress(nil, r.Stderr)
	if err != nil {
		return encodedResult{}, err
	}
	combined, err := zstd.Compress(nil, r.Combined)
	if err != nil {
		return encodedResult{}, err
	}
	return encodedResult{
		Command:  r.Command,
		ExitCode: r.ExitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Combined: combined,
		Duration: int64(r.Duration),
	}, nil
}

func (e encodedResult) decode() (CommandResult, error) {
	stdout, err := zstd.Decompress(nil, e.Stdout)
	if err != nil {
		return CommandResult{}, err
	}
	stderr, err := zstd.Decompress(nil, e.Stderr)
	if err != nil {
		return CommandResult{}, err
	}
	combined, err := zstd.Decompress(nil, e.Combined)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{
		Command:  e.Command,
		ExitCode: e.ExitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Combined: combined,
		Duration: time.Duration(e.Duration),
	}, nil
}

func readSequential(path string) ([]byte, error) {
	f, err := sequential.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeSequential(path string, data []byte) error {
	f, err := sequential.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}
