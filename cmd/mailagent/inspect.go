package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/khzouhair/deep-agent-email-assistant/internal/replay"
)

// inspectRuns replays the selected run logs.
func inspectRuns(cmd *InspectCmd) int {
	patterns := cmd.Runs
	if len(patterns) == 0 {
		cfg, err := loadConfig(cmd.Config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
			return 1
		}
		if cfg.LogDir() == "" {
			fmt.Fprintln(os.Stderr, "error: storage.log_dir is not set; pass run log files instead")
			return 1
		}
		patterns = []string{filepath.Join(cfg.LogDir(), "*.jsonl")}
	}

	paths, err := resolveRuns(patterns, cmd.Last)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "no run logs found")
		return 1
	}

	if err := replay.New(os.Stdout, cmd.Verbose).ReplayFiles(paths); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// resolveRuns expands glob patterns and keeps the last n files by
// modification time. n <= 0 keeps everything.
func resolveRuns(patterns []string, n int) ([]string, error) {
	type run struct {
		path string
		mod  int64
	}
	seen := make(map[string]bool)
	var runs []run
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if matches == nil && !strings.ContainsAny(pattern, "*?[") {
			// Plain path: let the loader report a missing file.
			matches = []string{pattern}
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			var mod int64
			if fi, err := os.Stat(m); err == nil {
				mod = fi.ModTime().UnixNano()
			}
			runs = append(runs, run{path: m, mod: mod})
		}
	}

	sort.SliceStable(runs, func(i, j int) bool { return runs[i].mod < runs[j].mod })
	if n > 0 && len(runs) > n {
		runs = runs[len(runs)-n:]
	}
	paths := make([]string, len(runs))
	for i, r := range runs {
		paths[i] = r.path
	}
	return paths, nil
}
