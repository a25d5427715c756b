// Package coordinator drives a run through its lifecycle: analyze the
// email, plan TODOs, delegate them to sub-agents, and aggregate the reply.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/khzouhair/deep-agent-email-assistant/internal/aggregator"
	"github.com/khzouhair/deep-agent-email-assistant/internal/mail"
	"github.com/khzouhair/deep-agent-email-assistant/internal/planner"
	"github.com/khzouhair/deep-agent-email-assistant/internal/router"
	"github.com/khzouhair/deep-agent-email-assistant/internal/session"
	"github.com/khzouhair/deep-agent-email-assistant/internal/state"
)

var (
	ErrInvalidPhase = errors.New("invalid phase")
	ErrCancelled    = errors.New("run cancelled")
	// ErrStalled means open TODOs remain but none can ever run.
	ErrStalled = errors.New("run stalled")
)

var allowedPhases = map[state.Phase][]state.Phase{
	state.PhaseReceived:    {state.PhaseAnalyzing, state.PhaseFailed},
	state.PhaseAnalyzing:   {state.PhasePlanning, state.PhaseFailed},
	state.PhasePlanning:    {state.PhaseDelegating, state.PhaseFailed},
	state.PhaseDelegating:  {state.PhaseAggregating, state.PhaseFailed},
	state.PhaseAggregating: {state.PhaseCompleted, state.PhaseFailed},
}

// CanTransition reports whether the lifecycle allows moving from one phase to another.
func CanTransition(from, to state.Phase) bool {
	for _, p := range allowedPhases[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Coordinator owns the lifecycle of runs. It keeps no per-run state of its
// own, so one Coordinator can drive runs one after another.
type Coordinator struct {
	router      *router.Router
	analyzer    Analyzer
	plan        PlanOptions
	maxRetries  int
	concurrency int
	logger      *logging.Logger

	// OnPhase is called after every phase change.
	OnPhase func(st *state.AgentState, phase state.Phase)
	// OnDelegation is called once per dispatched TODO.
	OnDelegation func(st *state.AgentState, rec state.DelegationRecord, err error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAnalyzer replaces the keyword analyzer.
func WithAnalyzer(a Analyzer) Option {
	return func(c *Coordinator) { c.analyzer = a }
}

// WithPlanOptions sets how TODO graphs are built.
func WithPlanOptions(o PlanOptions) Option {
	return func(c *Coordinator) { c.plan = o }
}

// WithMaxRetries sets the per-TODO retry cap for new runs.
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) { c.maxRetries = n }
}

// WithConcurrency sets how many TODOs Run dispatches at once.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// New creates a coordinator that delegates through r.
func New(r *router.Router, opts ...Option) *Coordinator {
	c := &Coordinator{
		router:      r,
		analyzer:    KeywordAnalyzer{},
		plan:        DefaultPlanOptions(),
		maxRetries:  planner.DefaultMaxRetries,
		concurrency: 1,
		logger:      logging.New().WithComponent("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRun validates email and creates the state for a run in the received
// phase. A session carried by ctx lends the run its ID.
func (c *Coordinator) NewRun(ctx context.Context, email *mail.Email) (*state.AgentState, error) {
	if err := email.Validate(); err != nil {
		return nil, err
	}
	st := state.New(email, c.maxRetries)
	if sess := session.FromContext(ctx); sess != nil {
		st.ID = sess.ID
	}
	return st, nil
}

// Run processes one email end to end. The returned state is non-nil
// whenever the email was valid, including failed runs, so partial results
// can be exported. The error is non-nil exactly when the run failed.
func (c *Coordinator) Run(ctx context.Context, email *mail.Email) (*state.AgentState, error) {
	st, err := c.NewRun(ctx, email)
	if err != nil {
		return nil, err
	}
	return st, c.Drive(ctx, st)
}

// Drive runs st from its current phase to a terminal one.
func (c *Coordinator) Drive(ctx context.Context, st *state.AgentState) error {
	journal := session.FromContext(ctx)
	ctx, span := startRunSpan(ctx, st)
	st.StartedAt = time.Now()
	journal.AddEvent(session.Event{
		Type:    session.EventRunStart,
		Content: st.Email.Subject,
		Meta:    map[string]string{"run_id": st.ID, "email_id": st.Email.ID, "from": st.Email.From},
	})
	c.logger.Info("run started", map[string]interface{}{
		"run":         st.ID,
		"email":       st.Email.ID,
		"subject":     st.Email.Subject,
		"max_retries": st.Planner.MaxRetries(),
	})

	err := c.drive(ctx, st)
	if err != nil && !st.Phase().Terminal() {
		c.fail(ctx, st, err.Error())
	}
	if err == nil && st.Phase() == state.PhaseFailed {
		err = errors.New(st.FailureReason())
	}

	end := session.Event{
		Type:       session.EventRunEnd,
		Phase:      string(st.Phase()),
		Success:    session.Bool(err == nil),
		DurationMs: time.Since(st.StartedAt).Milliseconds(),
	}
	if err != nil {
		end.Error = st.FailureReason()
		journal.Finish(session.StatusFailed, st.FailureReason())
	} else {
		journal.Finish(session.StatusCompleted, "")
	}
	journal.AddEvent(end)
	endRunSpan(span, st, err)

	c.logger.Info("run finished", map[string]interface{}{
		"run":      st.ID,
		"phase":    st.Phase(),
		"duration": time.Since(st.StartedAt).String(),
	})
	return err
}

func (c *Coordinator) drive(ctx context.Context, st *state.AgentState) error {
	if st.Phase() == state.PhaseReceived {
		if err := c.Analyze(ctx, st); err != nil {
			return err
		}
	}
	if st.Phase() == state.PhasePlanning {
		if err := c.Plan(ctx, st); err != nil {
			return err
		}
	}
	for st.Phase() == state.PhaseDelegating {
		var err error
		if c.concurrency > 1 {
			_, err = c.StepConcurrent(ctx, st, c.concurrency)
		} else {
			_, err = c.Step(ctx, st)
		}
		if err != nil {
			return err
		}
	}
	if st.Phase() == state.PhaseAggregating {
		return c.Aggregate(ctx, st)
	}
	return nil
}

// Analyze classifies the email and moves the run to planning.
func (c *Coordinator) Analyze(ctx context.Context, st *state.AgentState) error {
	if err := c.transition(ctx, st, state.PhaseAnalyzing); err != nil {
		return err
	}
	ctx, span := startPhaseSpan(ctx, state.PhaseAnalyzing, st)
	a, err := c.analyzer.Analyze(ctx, st.Email)
	endPhaseSpan(span, map[string]string{"analysis.intent": string(a.Intent)}, err)
	if err != nil {
		c.fail(ctx, st, fmt.Sprintf("analysis failed: %v", err))
		return fmt.Errorf("analyze: %w", err)
	}

	st.SetAnalysis(a)
	session.FromContext(ctx).AddEvent(session.Event{
		Type:    session.EventAnalysis,
		Content: a.Notes,
		Meta: map[string]string{
			"intent":         string(a.Intent),
			"needs_research": fmt.Sprint(a.NeedsResearch),
			"queries":        fmt.Sprint(len(a.Queries)),
			"questions":      fmt.Sprint(len(a.Questions)),
		},
	})
	c.logger.Info("email analyzed", map[string]interface{}{
		"run":            st.ID,
		"intent":         a.Intent,
		"needs_research": a.NeedsResearch,
		"queries":        len(a.Queries),
	})
	return c.transition(ctx, st, state.PhasePlanning)
}

// Aggregate composes the final response and completes the run.
func (c *Coordinator) Aggregate(ctx context.Context, st *state.AgentState) error {
	if phase := st.Phase(); phase != state.PhaseAggregating {
		return fmt.Errorf("%w: aggregate called in %s", ErrInvalidPhase, phase)
	}
	_, span := startPhaseSpan(ctx, state.PhaseAggregating, st)
	final, err := aggregator.Aggregate(st)
	if err != nil {
		endPhaseSpan(span, nil, err)
		c.fail(ctx, st, err.Error())
		return err
	}
	st.SetFinal(*final)
	endPhaseSpan(span, map[string]string{"final.status": final.Status, "final.files": fmt.Sprint(len(final.Files))}, nil)
	return c.transition(ctx, st, state.PhaseCompleted)
}

// Cancel requests cooperative cancellation of st. It takes effect at the
// next dispatch boundary; running delegations are not interrupted.
func (c *Coordinator) Cancel(st *state.AgentState, reason string) {
	st.Cancel(reason)
}

// transition moves st to phase, or returns ErrInvalidPhase leaving st unchanged.
func (c *Coordinator) transition(ctx context.Context, st *state.AgentState, to state.Phase) error {
	from := st.Phase()
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPhase, from, to)
	}
	st.SetPhase(to)
	c.phaseChanged(ctx, st, from, to)
	return nil
}

// fail forces st into Failed from any non-terminal phase.
func (c *Coordinator) fail(ctx context.Context, st *state.AgentState, reason string) {
	from := st.Phase()
	if from.Terminal() {
		return
	}
	st.Fail(reason)
	c.logger.Error("run failed", map[string]interface{}{
		"run":    st.ID,
		"phase":  from,
		"reason": st.FailureReason(),
	})
	c.phaseChanged(ctx, st, from, state.PhaseFailed)
}

func (c *Coordinator) phaseChanged(ctx context.Context, st *state.AgentState, from, to state.Phase) {
	session.FromContext(ctx).AddEvent(session.Event{
		Type:  session.EventPhase,
		Phase: string(to),
		Meta:  map[string]string{"from": string(from)},
	})
	c.logger.Debug("phase transition", map[string]interface{}{
		"run":  st.ID,
		"from": from,
		"to":   to,
	})
	if c.OnPhase != nil {
		c.OnPhase(st, to)
	}
}
