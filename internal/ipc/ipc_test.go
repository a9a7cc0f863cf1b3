package ipc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/strataorch/strata/internal/scheduler"
)

func TestRecorderStatusReflectsLastObservedEvent(t *testing.T) {
	r := NewRecorder()
	r.Observe(scheduler.Event{Kind: scheduler.NodeProcessed, Workspace: "a", FromCache: true})

	s, err := r.Status(context.Background(), nil)
	assert.NilError(t, err, "Status")
	assert.Equal(t, s.Fields["last_event"].GetStringValue(), string(scheduler.NodeProcessed))
	assert.Equal(t, s.Fields["workspace"].GetStringValue(), "a")
	assert.Equal(t, s.Fields["from_cache"].GetBoolValue(), true)
}

func TestRecorderInterruptSignalsAborted(t *testing.T) {
	r := NewRecorder()
	_, err := r.Interrupt(context.Background(), nil)
	assert.NilError(t, err, "Interrupt")

	select {
	case <-r.Aborted():
	case <-time.After(time.Second):
		t.Fatal("expected Aborted() to receive after Interrupt")
	}
}

func TestServerServesStatusOverUnixSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "strata.sock")
	recorder := NewRecorder()
	recorder.Observe(scheduler.Event{Kind: scheduler.TargetsResolved})

	srv, err := Listen(sockPath, nil, recorder)
	assert.NilError(t, err, "Listen")
	go srv.Serve()
	defer srv.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, sockPath)
	assert.NilError(t, err, "Dial")
	defer client.Close()

	status, err := client.Status(ctx)
	assert.NilError(t, err, "Status RPC")
	assert.Equal(t, status.Fields["last_event"].GetStringValue(), string(scheduler.TargetsResolved))
}
