package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCommandUnmarshalPlainString(t *testing.T) {
	var c Command
	if err := c.UnmarshalJSON([]byte(`"echo hi"`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Run != "echo hi" || c.Daemon != nil {
		t.Fatalf("unexpected command: %+v", c)
	}
}

func TestCommandUnmarshalDaemon(t *testing.T) {
	var c Command
	raw := `{"run": "dev", "daemon": {"stdio": "stdout", "matcher": "contains", "value": "ready", "type": "success"}}`
	if err := c.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Run != "dev" || !c.IsDaemon() {
		t.Fatalf("expected daemon command, got %+v", c)
	}
	if c.Daemon.Conditions[0].EffectiveTimeoutMs() != DefaultDaemonTimeoutMs {
		t.Fatalf("expected default timeout applied")
	}
}

func TestCommandUnmarshalDaemonRejectsUnknownMatcher(t *testing.T) {
	var c Command
	raw := `{"run": "dev", "daemon": {"stdio": "stdout", "matcher": "regex", "value": "ready", "type": "success"}}`
	err := c.UnmarshalJSON([]byte(raw))
	if err == nil {
		t.Fatalf("expected an error for an unknown matcher")
	}
	if _, ok := err.(*UnknownMatcherError); !ok {
		t.Fatalf("expected *UnknownMatcherError, got %T: %v", err, err)
	}
}

func TestTargetConfigCmdArray(t *testing.T) {
	var tc TargetConfig
	raw := `{"cmd": ["echo one", "echo two"], "src": ["src/**"]}`
	if err := tc.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tc.Cmd) != 2 || tc.Cmd[0].Run != "echo one" {
		t.Fatalf("unexpected commands: %+v", tc.Cmd)
	}
}

func TestLoadTargetFileMissingIsEmpty(t *testing.T) {
	dir := t.TempDir()
	tf, err := LoadTargetFile(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tf.Targets) != 0 {
		t.Fatalf("expected empty target file, got %+v", tf)
	}
}

func TestLoadTargetFileExtendsMerges(t *testing.T) {
	root := t.TempDir()
	parentDir := filepath.Join(root, "parent")
	childDir := filepath.Join(root, "child")
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(childDir, 0o755); err != nil {
		t.Fatal(err)
	}

	parentJSON := `{"targets": {"build": {"cmd": "tsc", "src": ["src/**"]}}}`
	if err := os.WriteFile(filepath.Join(parentDir, TargetFileName), []byte(parentJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	childJSON := `{"extends": "../parent/targets.json", "targets": {"lint": {"cmd": "eslint ."}}}`
	if err := os.WriteFile(filepath.Join(childDir, TargetFileName), []byte(childJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	tf, err := LoadTargetFile(childDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := tf.Targets["build"]; !ok {
		t.Fatalf("expected inherited build target, got %+v", tf.Targets)
	}
	if _, ok := tf.Targets["lint"]; !ok {
		t.Fatalf("expected own lint target, got %+v", tf.Targets)
	}
}

func TestLoadTargetFileRejectsSelfExtension(t *testing.T) {
	dir := t.TempDir()
	selfJSON := `{"extends": "./targets.json", "targets": {}}`
	if err := os.WriteFile(filepath.Join(dir, TargetFileName), []byte(selfJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTargetFile(dir); err == nil {
		t.Fatalf("expected self-extension error")
	}
}
