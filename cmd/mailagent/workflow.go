// Package main provides run configuration loading.
package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/khzouhair/deep-agent-email-assistant/internal/config"
)

// workflow handles the configuration phase of a run.
type workflow struct {
	// Parsed from CLI (populated by kong via RunCmd)
	configPath       string
	mailboxDir       string
	emailPath        string
	outputPath       string
	corpusDir        string
	natsURL          string
	concurrency      int
	wait             bool
	researchCritical bool
	debug            bool

	// Loaded artifacts
	cfg *config.Config
}

// newWorkflow copies the run flags.
func newWorkflow(cmd *RunCmd) *workflow {
	return &workflow{
		configPath:       cmd.Config,
		mailboxDir:       cmd.Mailbox,
		emailPath:        cmd.Email,
		outputPath:       cmd.Output,
		corpusDir:        cmd.Corpus,
		natsURL:          cmd.NatsURL,
		concurrency:      cmd.Concurrency,
		wait:             cmd.Wait,
		researchCritical: cmd.ResearchCritical,
		debug:            cmd.Debug,
	}
}

// load loads config and applies CLI overrides.
func (w *workflow) load() error {
	if w.emailPath != "" && w.wait {
		return errors.New("--wait needs a mailbox directory, not --email")
	}
	if err := w.loadConfig(); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if w.wait && w.cfg.Mailbox.Dir == "" {
		return errors.New("--wait needs a mailbox directory (--mailbox or mailbox.dir)")
	}
	return nil
}

// loadConfig loads and applies configuration.
func (w *workflow) loadConfig() error {
	var err error
	w.cfg, err = loadConfig(w.configPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides
	if w.mailboxDir != "" {
		w.cfg.Mailbox.Dir = w.mailboxDir
	}
	if w.outputPath != "" {
		w.cfg.Export.Path = w.outputPath
	}
	if w.corpusDir != "" {
		w.cfg.Search.CorpusDir = w.corpusDir
	}
	if w.natsURL != "" {
		w.cfg.Export.NATSURL = w.natsURL
	}
	if w.concurrency != 0 {
		w.cfg.Delegation.Concurrency = w.concurrency
	}
	if w.researchCritical {
		w.cfg.Planning.ResearchCritical = true
	}
	return w.cfg.Validate()
}

// loadConfig reads path, or mailagent.toml when present, or the defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.LoadFile(config.DefaultFile)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}
