// Package main provides runtime execution for runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vinayprograms/agentkit/credentials"
	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/khzouhair/deep-agent-email-assistant/internal/agents"
	"github.com/khzouhair/deep-agent-email-assistant/internal/config"
	"github.com/khzouhair/deep-agent-email-assistant/internal/coordinator"
	"github.com/khzouhair/deep-agent-email-assistant/internal/export"
	"github.com/khzouhair/deep-agent-email-assistant/internal/mail"
	"github.com/khzouhair/deep-agent-email-assistant/internal/router"
	"github.com/khzouhair/deep-agent-email-assistant/internal/search"
	"github.com/khzouhair/deep-agent-email-assistant/internal/session"
	"github.com/khzouhair/deep-agent-email-assistant/internal/state"
)

// exportTimeout bounds sinks once the run is over.
const exportTimeout = 10 * time.Second

// runtime handles the execution phase of a run.
type runtime struct {
	cfg   *config.Config
	creds *credentials.Credentials
	wait  bool
	email string
	debug bool

	// Components
	provider llm.Provider // nil = template replies
	searcher search.Searcher
	mailbox  mail.Mailbox
	registry *agents.Registry
	router   *router.Router
	coord    *coordinator.Coordinator
	telem    telemetry.Exporter
	store    *session.FileStore // nil = run logs are not kept
	exporter export.Exporter
	targets  []string

	// Cleanup
	closers []func()
}

// newRuntime creates a runtime from loaded configuration.
func newRuntime(w *workflow, creds *credentials.Credentials) *runtime {
	return &runtime{
		cfg:   w.cfg,
		creds: creds,
		wait:  w.wait,
		email: w.emailPath,
		debug: w.debug,
	}
}

// setup initializes all runtime components. Returns error on failure.
func (rt *runtime) setup() error {
	if err := rt.createProvider(); err != nil {
		return err
	}
	if err := rt.setupTelemetry(); err != nil {
		return err
	}
	if err := rt.setupSearch(); err != nil {
		return err
	}
	rt.setupMailbox()
	if err := rt.setupRouter(); err != nil {
		return err
	}
	rt.createCoordinator()
	if err := rt.setupStore(); err != nil {
		return err
	}
	if err := rt.setupExport(); err != nil {
		return err
	}
	rt.setupCallbacks()
	return nil
}

// createProvider creates the LLM provider when a model is configured.
func (rt *runtime) createProvider() error {
	if rt.cfg.LLM.Model == "" && rt.cfg.LLM.Provider == "" {
		fmt.Fprintln(os.Stderr, "LLM: not configured (template replies)")
		return nil
	}
	llmProvider := rt.cfg.LLM.Provider
	if llmProvider == "" {
		llmProvider = llm.InferProviderFromModel(rt.cfg.LLM.Model)
	}
	if rt.cfg.LLM.Model == "" {
		return fmt.Errorf("LLM model not configured for provider %q", llmProvider)
	}

	var err error
	rt.provider, err = llm.NewProvider(llm.ProviderConfig{
		Provider:    llmProvider,
		Model:       rt.cfg.LLM.Model,
		APIKey:      rt.apiKey(llmProvider),
		MaxTokens:   rt.cfg.LLM.MaxTokens,
		BaseURL:     rt.cfg.LLM.BaseURL,
		Thinking:    llm.ThinkingConfig{Level: llm.ThinkingLevel(rt.cfg.LLM.Thinking)},
		RetryConfig: parseRetryConfig(rt.cfg.LLM.MaxRetries, rt.cfg.LLM.RetryBackoff),
	})
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}
	fmt.Fprintf(os.Stderr, "LLM: %s (%s)\n", rt.cfg.LLM.Model, llmProvider)
	return nil
}

// apiKey prefers the credentials file, then the configured env var.
func (rt *runtime) apiKey(provider string) string {
	if rt.creds != nil {
		if key := rt.creds.GetAPIKey(provider); key != "" {
			return key
		}
	}
	return rt.cfg.GetAPIKey()
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	if rt.cfg.Telemetry.Enabled {
		var err error
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	rt.addCloser(func() { rt.telem.Close() })
	return nil
}

// setupSearch indexes the corpus, or falls back to canned results.
func (rt *runtime) setupSearch() error {
	dir := config.ExpandHome(rt.cfg.Search.CorpusDir)
	if dir == "" {
		rt.searcher = search.Static{}
		return nil
	}
	idx, err := search.NewIndex()
	if err != nil {
		return fmt.Errorf("creating search index: %w", err)
	}
	rt.addCloser(func() { idx.Close() })

	n, err := idx.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("indexing %s: %w", dir, err)
	}
	if n == 0 {
		fmt.Fprintf(os.Stderr, "warning: no documents found in %s\n", dir)
	}
	fmt.Fprintf(os.Stderr, "Search: %d documents from %s\n", n, dir)
	rt.searcher = idx
	return nil
}

// setupMailbox picks the email source: a file, a directory, or the samples.
func (rt *runtime) setupMailbox() {
	switch {
	case rt.email != "":
		rt.mailbox = mail.NewFileMailbox(rt.email)
	case rt.cfg.Mailbox.Dir != "":
		rt.mailbox = mail.NewDirMailbox(config.ExpandHome(rt.cfg.Mailbox.Dir))
	default:
		rt.mailbox = mail.NewSampleMailbox()
	}
}

// setupRouter registers the sub-agents and maps categories onto them.
func (rt *runtime) setupRouter() error {
	rt.registry = agents.NewRegistry(
		agents.NewResearchAgent(rt.searcher, rt.provider, rt.cfg.Search.MaxResults),
		agents.NewResponseAgent(rt.provider, rt.cfg.Agent.Signature),
	)

	routes := make(map[string]agents.Capability, len(rt.cfg.Routing.Table))
	for category, name := range rt.cfg.Routing.Table {
		c := agents.Capability(name)
		if _, ok := rt.registry.Get(c); !ok {
			return fmt.Errorf("routing.table: %s maps to unknown agent %q", category, name)
		}
		routes[category] = c
	}
	opts := []router.Option{router.WithRoutes(routes)}
	if fb := rt.cfg.Routing.Fallback; fb != "" {
		if _, ok := rt.registry.Get(agents.Capability(fb)); !ok {
			return fmt.Errorf("routing.fallback: unknown agent %q", fb)
		}
		opts = append(opts, router.WithFallback(agents.Capability(fb)))
	}

	// Validate already checked these.
	timeout, _ := rt.cfg.DelegationTimeout()
	backoff, _ := rt.cfg.RetryBackoff()
	opts = append(opts, router.WithTimeout(timeout), router.WithBackoff(backoff))

	rt.router = router.New(rt.registry, opts...)
	if rt.debug {
		printAgents(os.Stderr, rt.registry, rt.router)
	}
	return nil
}

// createCoordinator creates the coordinator from planning and delegation settings.
func (rt *runtime) createCoordinator() {
	opts := []coordinator.Option{
		coordinator.WithPlanOptions(coordinator.PlanOptions{
			ResearchCritical: rt.cfg.Planning.ResearchCritical,
			ResearchPriority: rt.cfg.Planning.ResearchPriority,
			ResponsePriority: rt.cfg.Planning.ResponsePriority,
		}),
		coordinator.WithMaxRetries(rt.cfg.Delegation.MaxRetries),
		coordinator.WithConcurrency(rt.cfg.Delegation.Concurrency),
	}
	if rt.provider != nil {
		opts = append(opts, coordinator.WithAnalyzer(coordinator.NewLLMAnalyzer(rt.provider)))
	}
	rt.coord = coordinator.New(rt.router, opts...)
}

// setupStore opens the run log directory.
func (rt *runtime) setupStore() error {
	dir := rt.cfg.LogDir()
	if dir == "" {
		return nil
	}
	var err error
	rt.store, err = session.NewFileStore(dir)
	if err != nil {
		return fmt.Errorf("creating run log directory: %w", err)
	}
	return nil
}

// setupExport builds the result sinks. Without any, the document goes to stdout.
func (rt *runtime) setupExport() error {
	var sinks export.Multi
	if path := config.ExpandHome(rt.cfg.Export.Path); path != "" {
		sinks = append(sinks, export.FileExporter{Path: path})
		rt.targets = append(rt.targets, path)
	}
	if url := rt.cfg.Export.NATSURL; url != "" {
		nx, err := export.NewNATSExporter(url, rt.cfg.Export.NATSSubject)
		if err != nil {
			return err
		}
		rt.addCloser(func() { nx.Close() })
		sinks = append(sinks, nx)
		rt.targets = append(rt.targets, "nats:"+rt.cfg.Export.NATSSubject)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, export.WriterExporter{W: os.Stdout})
		rt.targets = append(rt.targets, "stdout")
	}
	rt.exporter = sinks
	return nil
}

// setupCallbacks wires up telemetry and progress callbacks.
func (rt *runtime) setupCallbacks() {
	rt.coord.OnPhase = func(st *state.AgentState, phase state.Phase) {
		fmt.Fprintf(os.Stderr, "▶ %s\n", phase)
		rt.telem.LogEvent("phase", map[string]interface{}{"run": st.ID, "phase": string(phase)})
	}
	rt.coord.OnDelegation = func(st *state.AgentState, rec state.DelegationRecord, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "  ✗ %s → %s: %v\n", rec.TodoID, rec.Agent, err)
		} else {
			fmt.Fprintf(os.Stderr, "  ✓ %s → %s (%s)\n", rec.TodoID, rec.Agent, rec.Duration().Round(time.Millisecond))
		}
		if rt.debug {
			fmt.Fprintf(os.Stderr, "    attempts=%d outputs=%v\n", rec.Attempts, rec.Outputs)
		}
		attrs := map[string]interface{}{
			"run":      st.ID,
			"todo":     rec.TodoID,
			"agent":    rec.Agent,
			"outcome":  string(rec.Outcome),
			"attempts": rec.Attempts,
		}
		if err != nil {
			attrs["error"] = err.Error()
		}
		rt.telem.LogEvent("delegation", attrs)
	}
	rt.router.OnAttempt = func(todoID string, agent agents.Capability, attempt int, err error) {
		if err == nil {
			return
		}
		fmt.Fprintf(os.Stderr, "  ↻ %s attempt %d failed: %v\n", todoID, attempt, err)
		rt.telem.LogEvent("delegation_attempt_failed", map[string]interface{}{
			"todo":    todoID,
			"agent":   string(agent),
			"attempt": attempt,
			"error":   err.Error(),
		})
	}
}

// fetchEmail reads the email to process, waiting for one if asked to.
func (rt *runtime) fetchEmail(ctx context.Context) (*mail.Email, error) {
	if dm, ok := rt.mailbox.(*mail.DirMailbox); ok && rt.wait {
		fmt.Fprintf(os.Stderr, "Waiting for email in %s ...\n", dm.Dir)
		return dm.Wait(ctx)
	}
	return rt.mailbox.Latest(ctx)
}

// run processes one email and returns the exit code.
func (rt *runtime) run(ctx context.Context) int {
	waitCtx, stopWaiting := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	email, err := rt.fetchEmail(waitCtx)
	stopWaiting()
	if err != nil {
		printFetchError(os.Stderr, err)
		return 1
	}

	sess := session.New("", email.ID, email.Subject)
	ctx = session.NewContext(ctx, sess)
	st, err := rt.coord.NewRun(ctx, email)
	if err != nil {
		printFetchError(os.Stderr, err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Processing: %s (run: %s)\n\n", email.Subject, st.ID)

	ctx, stop := rt.cancelOnSignal(ctx, st)
	runErr := rt.coord.Drive(ctx, st)
	stop()
	if rt.debug {
		printExcerpts(os.Stderr, st.Files)
	}

	doc, buildErr := export.Build(st)
	if buildErr != nil {
		// Only reachable when the run did not reach a terminal phase.
		fmt.Fprintf(os.Stderr, "\nerror: %v\n", buildErr)
		rt.saveSession(sess)
		return 1
	}

	var exportErr error
	if runErr == nil || doc.Done() > 0 {
		exportErr = rt.export(ctx, sess, doc)
	} else {
		fmt.Fprintln(os.Stderr, "\nNothing completed; no partial result exported.")
	}
	rt.saveSession(sess)

	if runErr != nil {
		printFailure(os.Stderr, doc)
		return 1
	}
	printSuccess(os.Stderr, doc, rt.targets)
	if exportErr != nil {
		return 1
	}
	return 0
}

// cancelOnSignal cancels the run cooperatively on the first interrupt and
// aborts in-flight delegations on the second.
func (rt *runtime) cancelOnSignal(ctx context.Context, st *state.AgentState) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigs:
			fmt.Fprintln(os.Stderr, "\ninterrupt: cancelling after the current delegation (again to abort)")
			rt.coord.Cancel(st, "interrupted")
		case <-done:
			return
		}
		select {
		case <-sigs:
			cancel()
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

// export hands the document to every sink and journals the outcome.
func (rt *runtime) export(ctx context.Context, sess *session.Session, doc *export.Document) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exportTimeout)
	defer cancel()

	err := rt.exporter.Export(ctx, doc)
	for _, target := range rt.targets {
		ev := session.Event{
			Type:    session.EventExport,
			Path:    target,
			Success: session.Bool(err == nil),
			Meta:    map[string]string{"status": doc.Status},
		}
		if err != nil {
			ev.Error = err.Error()
		}
		sess.AddEvent(ev)
	}

	attrs := map[string]interface{}{"run": doc.RunID, "status": doc.Status, "targets": rt.targets}
	if err != nil {
		attrs["error"] = err.Error()
		fmt.Fprintf(os.Stderr, "\nerror: export failed: %v\n", err)
	}
	rt.telem.LogEvent("export", attrs)
	return err
}

// saveSession persists the run log when a log directory is configured.
func (rt *runtime) saveSession(sess *session.Session) {
	if rt.store == nil {
		return
	}
	if err := rt.store.Save(sess); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to save run log: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "Run log: %s (%d events)\n", rt.store.Path(sess.ID), sess.CurrentSeqID())
}

// cleanup runs all registered cleanup functions.
func (rt *runtime) cleanup() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// addCloser registers a cleanup function.
func (rt *runtime) addCloser(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// errorReason turns a mailbox or validation error into a one-line reason.
func errorReason(err error) string {
	switch {
	case errors.Is(err, mail.ErrNoEmail):
		return "no email to process"
	case errors.Is(err, mail.ErrInvalidEmail):
		return "email rejected: " + err.Error()
	case errors.Is(err, context.Canceled):
		return "interrupted"
	default:
		return err.Error()
	}
}
