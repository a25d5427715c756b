// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" default:"withargs" help:"Process the latest email"`
	Validate ValidateCmd `cmd:"" help:"Validate a config file"`
	Inspect  InspectCmd  `cmd:"" help:"Show the timeline of recorded runs"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// RunCmd processes one email. No flag is required.
type RunCmd struct {
	Config           string `help:"Config file path (default: ./mailagent.toml if present)"`
	Mailbox          string `short:"m" help:"Mailbox directory (overrides config)"`
	Email            string `short:"e" help:"Process this email file instead of the mailbox"`
	Wait             bool   `short:"w" help:"Wait for an email to arrive in the mailbox"`
	Output           string `short:"o" help:"Result JSON path (overrides config)"`
	Corpus           string `help:"Search corpus directory (overrides config)"`
	NatsURL          string `name:"nats-url" help:"Also publish the result to this NATS server"`
	Concurrency      int    `short:"c" help:"TODOs dispatched at once (overrides config)"`
	ResearchCritical bool   `help:"Fail the run when research cannot complete"`
	Debug            bool   `help:"Print delegation details while running"`
}

// ValidateCmd checks a config file.
type ValidateCmd struct {
	Config string `arg:"" optional:"" default:"mailagent.toml" help:"Config file path"`
}

// InspectCmd replays run logs.
type InspectCmd struct {
	Runs    []string `arg:"" optional:"" help:"Run log file(s) (supports glob patterns; default: every run in the log dir)"`
	Config  string   `help:"Config file path used to locate the log dir"`
	Last    int      `short:"n" default:"0" help:"Only show the N most recent runs"`
	Verbose int      `short:"v" type:"counter" help:"Verbosity level (-v)"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
