package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Delegation.MaxRetries != 2 || cfg.Export.Path != "email_result.json" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfig_DefaultFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	os.WriteFile(filepath.Join(dir, "mailagent.toml"), []byte("[delegation]\nmax_retries = 5\n"), 0644)

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Delegation.MaxRetries != 5 {
		t.Errorf("expected max_retries from file, got %d", cfg.Delegation.MaxRetries)
	}
}

func TestLoadConfig_ExplicitMissing(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for a missing explicit config")
	}
}

func TestWorkflow_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())

	w := newWorkflow(&RunCmd{
		Mailbox:          "inbox",
		Output:           "out.json",
		Corpus:           "docs",
		NatsURL:          "nats://localhost:4222",
		Concurrency:      3,
		ResearchCritical: true,
	})
	if err := w.load(); err != nil {
		t.Fatalf("load error: %v", err)
	}
	cfg := w.cfg
	if cfg.Mailbox.Dir != "inbox" || cfg.Export.Path != "out.json" || cfg.Search.CorpusDir != "docs" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Export.NATSURL != "nats://localhost:4222" || cfg.Delegation.Concurrency != 3 || !cfg.Planning.ResearchCritical {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

func TestWorkflow_InvalidOverride(t *testing.T) {
	t.Chdir(t.TempDir())

	w := newWorkflow(&RunCmd{Concurrency: -1})
	if err := w.load(); err == nil || !strings.Contains(err.Error(), "concurrency") {
		t.Errorf("expected concurrency error, got %v", err)
	}
}

func TestWorkflow_WaitNeedsMailbox(t *testing.T) {
	t.Chdir(t.TempDir())

	if err := newWorkflow(&RunCmd{Wait: true}).load(); err == nil {
		t.Error("expected error without a mailbox directory")
	}
	if err := newWorkflow(&RunCmd{Wait: true, Email: "a.md"}).load(); err == nil {
		t.Error("expected error for --wait with --email")
	}
	if err := newWorkflow(&RunCmd{Wait: true, Mailbox: "inbox"}).load(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
