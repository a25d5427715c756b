package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveRuns(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	for i, name := range []string{"c.jsonl", "a.jsonl", "b.jsonl"} {
		path := filepath.Join(dir, name)
		os.WriteFile(path, []byte("{}\n"), 0644)
		mod := now.Add(time.Duration(i) * time.Minute)
		os.Chtimes(path, mod, mod)
	}

	paths, err := resolveRuns([]string{filepath.Join(dir, "*.jsonl")}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 3 || filepath.Base(paths[0]) != "c.jsonl" || filepath.Base(paths[2]) != "b.jsonl" {
		t.Errorf("expected oldest first, got %v", paths)
	}

	paths, _ = resolveRuns([]string{filepath.Join(dir, "*.jsonl"), filepath.Join(dir, "a.jsonl")}, 2)
	if len(paths) != 2 || filepath.Base(paths[0]) != "a.jsonl" || filepath.Base(paths[1]) != "b.jsonl" {
		t.Errorf("expected the two newest without duplicates, got %v", paths)
	}
}

func TestResolveRuns_NoMatches(t *testing.T) {
	dir := t.TempDir()

	paths, err := resolveRuns([]string{filepath.Join(dir, "*.jsonl")}, 0)
	if err != nil || len(paths) != 0 {
		t.Errorf("expected no runs, got %v %v", paths, err)
	}

	missing := filepath.Join(dir, "missing.jsonl")
	paths, _ = resolveRuns([]string{missing}, 0)
	if len(paths) != 1 || paths[0] != missing {
		t.Errorf("plain paths should pass through, got %v", paths)
	}
}

func TestInspectRuns_MissingLog(t *testing.T) {
	if code := inspectRuns(&InspectCmd{Runs: []string{filepath.Join(t.TempDir(), "missing.jsonl")}}); code != 1 {
		t.Errorf("expected exit 1, got %d", code)
	}
}
