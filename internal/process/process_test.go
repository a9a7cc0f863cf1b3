package process

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/strataorch/strata/internal/config"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	r := NewRunner(hclog.NewNullLogger())
	_, result, err := r.Run(context.Background(), "build", CommandSpec{
		Run: "echo hello",
		Dir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", result.ExitCode)
	}
	if string(result.Stdout) != "hello\n" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
}

func TestRunNonZeroExitReturnsExitError(t *testing.T) {
	r := NewRunner(hclog.NewNullLogger())
	_, _, err := r.Run(context.Background(), "build", CommandSpec{
		Run: "exit 3",
		Dir: t.TempDir(),
	})
	exitErr, ok := err.(*ExitError)
	if !ok {
		t.Fatalf("expected *ExitError, got %T (%v)", err, err)
	}
	if exitErr.Code != 3 {
		t.Fatalf("expected code 3, got %d", exitErr.Code)
	}
}

func TestStartDaemonResolvesOnSuccessCondition(t *testing.T) {
	r := NewRunner(hclog.NewNullLogger())
	result, err := r.StartDaemon(context.Background(), "dev", CommandSpec{
		Run: "echo ready && sleep 5",
		Dir: t.TempDir(),
	}, []config.LogCondition{
		{Stdio: "stdout", Matcher: "contains", Value: "ready", Type: "success", TimeoutMs: 2000},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.InvocationID == "" {
		t.Fatal("expected non-empty invocation id")
	}
	r.Kill("dev", nil)
}

func TestStartDaemonTimesOut(t *testing.T) {
	r := NewRunner(hclog.NewNullLogger())
	start := time.Now()
	_, err := r.StartDaemon(context.Background(), "dev", CommandSpec{
		Run: "sleep 5",
		Dir: t.TempDir(),
	}, []config.LogCondition{
		{Stdio: "stdout", Matcher: "contains", Value: "never", Type: "success", TimeoutMs: 100},
	})
	if time.Since(start) > 3*time.Second {
		t.Fatal("expected the configured timeout to apply, not the sleep duration")
	}
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("expected *TimeoutError, got %T (%v)", err, err)
	}
	r.Kill("dev", nil)
}
