package cachestore

import (
	"testing"
	"time"
)

func TestWriteThenReadHit(t *testing.T) {
	root := t.TempDir()
	s := New(root, "build")

	fp := map[string]string{"cmd": "go build", "globs": "*.go"}
	results := []CommandResult{{
		Command:  "go build",
		ExitCode: 0,
		Stdout:   []byte("building\n"),
		Combined: []byte("building\n"),
		Duration: 2 * time.Second,
	}}

	if err := s.Write(fp, results); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, hit, err := s.Read(fp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !hit {
		t.Fatal("expected cache hit")
	}
	if len(got) != 1 || string(got[0].Stdout) != "building\n" {
		t.Fatalf("unexpected results: %+v", got)
	}
}

func TestReadMissWhenFingerprintDiffers(t *testing.T) {
	root := t.TempDir()
	s := New(root, "build")

	if err := s.Write(map[string]string{"cmd": "go build"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, hit, err := s.Read(map[string]string{"cmd": "go test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit {
		t.Fatal("expected cache miss on differing fingerprint")
	}
}

func TestReadMissWhenNoCacheExists(t *testing.T) {
	root := t.TempDir()
	s := New(root, "build")
	_, hit, err := s.Read(map[string]string{"cmd": "go build"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hit {
		t.Fatal("expected cache miss")
	}
}

func TestInvalidateRemovesFilesAndIsIdempotent(t *testing.T) {
	root := t.TempDir()
	s := New(root, "build")
	fp := map[string]string{"cmd": "go build"}
	if err := s.Write(fp, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Invalidate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, hit, _ := s.Read(fp); hit {
		t.Fatal("expected miss after invalidate")
	}
	if err := s.Invalidate(); err != nil {
		t.Fatalf("invalidate should be idempotent, got: %v", err)
	}
}
