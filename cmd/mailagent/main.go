// Package main is the entry point for the mailagent CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/vinayprograms/agentkit/credentials"

	"github.com/khzouhair/deep-agent-email-assistant/internal/config"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// globalCreds holds loaded credentials (file > env fallback happens in GetAPIKey)
var globalCreds *credentials.Credentials

func init() {
	if creds, _, err := credentials.Load(); err == nil && creds != nil {
		globalCreds = creds
	}

	// Load .env for any additional env vars
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("mailagent"),
		kong.Description("Reads the latest email, researches what it asks, and drafts a reply."),
		kong.UsageOnError(),
		kongVars(),
	)
	os.Exit(dispatch(kctx.Command(), &cli))
}

// dispatch runs the selected command and returns the exit code.
func dispatch(command string, cli *CLI) int {
	name := command
	if i := strings.IndexByte(command, ' '); i >= 0 {
		name = command[:i]
	}
	switch name {
	case "run":
		return runEmail(&cli.Run)
	case "validate":
		return validateConfig(cli.Validate.Config)
	case "inspect":
		return inspectRuns(&cli.Inspect)
	case "version":
		fmt.Printf("mailagent version %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		return 1
	}
}

// runEmail processes one email end to end.
func runEmail(cmd *RunCmd) int {
	w := newWorkflow(cmd)
	if err := w.load(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	rt := newRuntime(w, globalCreds)
	defer rt.cleanup()
	if err := rt.setup(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return rt.run(context.Background())
}

// validateConfig loads a config file and reports problems.
func validateConfig(path string) int {
	if _, err := config.LoadFile(path); err != nil {
		fmt.Fprintf(os.Stderr, "✗ %s: %v\n", path, err)
		return 1
	}
	fmt.Printf("✓ %s is valid\n", path)
	return 0
}
