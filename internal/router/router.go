// Package router maps TODO categories to sub-agent capabilities and runs
// delegations with per-call timeouts and bounded retries.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/khzouhair/deep-agent-email-assistant/internal/agents"
	"github.com/khzouhair/deep-agent-email-assistant/internal/planner"
	"github.com/khzouhair/deep-agent-email-assistant/internal/session"
	"github.com/khzouhair/deep-agent-email-assistant/internal/state"
	"github.com/khzouhair/deep-agent-email-assistant/internal/vfs"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrUnroutable        = errors.New("unroutable task")
	ErrDelegationTimeout = errors.New("delegation timed out")
	ErrDelegationFailed  = errors.New("delegation failed")
)

// DelegationFailedError is returned once a TODO has used up its attempts.
// It matches ErrDelegationFailed and unwraps to the last attempt's cause.
type DelegationFailedError struct {
	TodoID   string
	Agent    agents.Capability
	Attempts int
	Err      error
}

func (e *DelegationFailedError) Error() string {
	return fmt.Sprintf("delegation failed: %s via %s after %d attempt(s): %v", e.TodoID, e.Agent, e.Attempts, e.Err)
}

func (e *DelegationFailedError) Is(target error) bool { return target == ErrDelegationFailed }

func (e *DelegationFailedError) Unwrap() error { return e.Err }

// Router dispatches TODOs to registered sub-agents.
type Router struct {
	routes   map[string]agents.Capability
	fallback agents.Capability
	registry *agents.Registry
	timeout  time.Duration
	backoff  time.Duration
	logger   *logging.Logger

	// OnAttempt is called after every attempt with its 1-based number and error.
	OnAttempt func(todoID string, agent agents.Capability, attempt int, err error)
}

// Option configures a Router.
type Option func(*Router)

// WithRoutes adds category to capability mappings.
func WithRoutes(routes map[string]agents.Capability) Option {
	return func(r *Router) {
		for category, capability := range routes {
			r.routes[category] = capability
		}
	}
}

// WithFallback sets the capability used for unmapped categories.
func WithFallback(c agents.Capability) Option {
	return func(r *Router) { r.fallback = c }
}

// WithTimeout sets the per-attempt timeout. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithBackoff sets the pause between attempts.
func WithBackoff(d time.Duration) Option {
	return func(r *Router) { r.backoff = d }
}

// DefaultRoutes maps the built-in categories to their capabilities.
func DefaultRoutes() map[string]agents.Capability {
	return map[string]agents.Capability{
		"research": agents.CapabilityResearch,
		"respond":  agents.CapabilityResponse,
		"response": agents.CapabilityResponse,
	}
}

// New creates a router over the given registry.
func New(registry *agents.Registry, opts ...Option) *Router {
	r := &Router{
		routes:   make(map[string]agents.Capability),
		registry: registry,
		timeout:  DefaultTimeout,
		logger:   logging.New().WithComponent("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Routes returns the configured categories in sorted order.
func (r *Router) Routes() []string {
	out := make([]string, 0, len(r.routes))
	for category := range r.routes {
		out = append(out, category)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the executor for a category.
func (r *Router) Resolve(category string) (agents.Executor, error) {
	capability, ok := r.routes[category]
	if !ok {
		if r.fallback == "" {
			return nil, fmt.Errorf("%w: no route for category %q", ErrUnroutable, category)
		}
		capability = r.fallback
	}
	exec, ok := r.registry.Get(capability)
	if !ok {
		return nil, fmt.Errorf("%w: capability %q for category %q is not registered", ErrUnroutable, capability, category)
	}
	return exec, nil
}

// Owner is the vfs owner name used for a TODO's writes.
func Owner(c agents.Capability, todoID string) string {
	return string(c) + "/" + todoID
}

// Dispatch runs one claimed (in-progress) TODO to completion. On success
// the TODO is Done and its outputs are in the file store under
// Owner(capability, id); the caller releases that claim. On failure the
// TODO is left Failed. Exactly one DelegationRecord is appended to st.
func (r *Router) Dispatch(ctx context.Context, st *state.AgentState, item planner.Item) (state.DelegationRecord, error) {
	rec := state.DelegationRecord{
		TodoID:       item.ID,
		Instructions: item.Instructions,
		StartedAt:    time.Now(),
	}

	journal := session.FromContext(ctx)
	corr := journal.StartCorrelation()

	exec, err := r.Resolve(item.Category)
	if err != nil {
		_ = st.Planner.MarkFailed(item.ID, err.Error())
		journal.AddEvent(session.Event{
			Type:          session.EventDelegationEnd,
			CorrelationID: corr,
			Todo:          item.ID,
			Success:       session.Bool(false),
			Error:         err.Error(),
		})
		return r.finish(st, rec, err), err
	}
	capability := exec.Capability()
	rec.Agent = string(capability)
	_ = st.Planner.Assign(item.ID, string(capability))

	snapshot := st.Files.Snapshot(item.Inputs...)
	for _, f := range snapshot {
		rec.Inputs = append(rec.Inputs, f.Path)
	}
	task := agents.Task{
		TodoID:       item.ID,
		Category:     item.Category,
		Instructions: item.Instructions,
		Files:        snapshot,
	}

	ctx, span := startDelegationSpan(ctx, capability, item)

	r.logger.Info("delegation started", map[string]interface{}{
		"todo":   item.ID,
		"agent":  capability,
		"inputs": len(snapshot),
	})
	journal.AddEvent(session.Event{
		Type:          session.EventDelegationStart,
		CorrelationID: corr,
		Todo:          item.ID,
		Agent:         string(capability),
		Content:       item.Instructions,
		Meta:          map[string]string{"inputs": strings.Join(rec.Inputs, ",")},
	})

	var lastErr error
	for {
		rec.Attempts++
		res, err := r.attempt(ctx, exec, task)
		if err == nil {
			err = r.commit(st, capability, item.ID, res)
			if err == nil {
				for _, o := range res.Outputs {
					rec.Outputs = append(rec.Outputs, o.Path)
				}
				rec.Summary = res.Summary
				if r.OnAttempt != nil {
					r.OnAttempt(item.ID, capability, rec.Attempts, nil)
				}
				rec.Outcome = state.OutcomeSuccess
				rec = r.finish(st, rec, nil)
				endDelegationSpan(span, rec, nil)
				r.journalSuccess(journal, corr, rec)
				r.logger.Info("delegation completed", map[string]interface{}{
					"todo":     item.ID,
					"agent":    capability,
					"attempts": rec.Attempts,
					"outputs":  len(rec.Outputs),
					"duration": rec.Duration().String(),
				})
				return rec, nil
			}
		}

		lastErr = err
		if r.OnAttempt != nil {
			r.OnAttempt(item.ID, capability, rec.Attempts, err)
		}
		journal.AddEvent(session.Event{
			Type:          session.EventDelegationAttempt,
			CorrelationID: corr,
			Todo:          item.ID,
			Agent:         string(capability),
			Attempt:       rec.Attempts,
			Success:       session.Bool(false),
			Error:         err.Error(),
		})
		_ = st.Planner.MarkFailed(item.ID, err.Error())
		r.logger.Warn("delegation attempt failed", map[string]interface{}{
			"todo":    item.ID,
			"agent":   capability,
			"attempt": rec.Attempts,
			"error":   err.Error(),
		})

		// Write conflicts and cancellation are not retried.
		if errors.Is(err, vfs.ErrPathConflict) || ctx.Err() != nil {
			break
		}
		if !r.wait(ctx) {
			break
		}
		if err := st.Planner.Retry(item.ID, string(capability)); err != nil {
			break
		}
		rec.Retries++
	}

	failure := &DelegationFailedError{TodoID: item.ID, Agent: capability, Attempts: rec.Attempts, Err: lastErr}
	rec = r.finish(st, rec, failure)
	endDelegationSpan(span, rec, failure)
	journal.AddEvent(session.Event{
		Type:          session.EventDelegationEnd,
		CorrelationID: corr,
		Todo:          item.ID,
		Agent:         string(capability),
		Attempt:       rec.Attempts,
		Success:       session.Bool(false),
		Error:         failure.Error(),
		DurationMs:    rec.Duration().Milliseconds(),
	})
	r.logger.Error("delegation failed", map[string]interface{}{
		"todo":     item.ID,
		"agent":    capability,
		"attempts": rec.Attempts,
		"error":    lastErr.Error(),
	})
	return rec, failure
}

// attempt runs the executor once under the per-call timeout.
func (r *Router) attempt(ctx context.Context, exec agents.Executor, task agents.Task) (*agents.Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type outcome struct {
		res *agents.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("%s panicked: %v", exec.Capability(), p)}
			}
		}()
		res, err := exec.Execute(ctx, task)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrDelegationTimeout, r.timeout, o.err)
		}
		if o.err == nil && o.res == nil {
			return nil, fmt.Errorf("%s returned no result", exec.Capability())
		}
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrDelegationTimeout, r.timeout)
		}
		return nil, ctx.Err()
	}
}

// commit writes the outputs and completes the TODO.
func (r *Router) commit(st *state.AgentState, c agents.Capability, todoID string, res *agents.Result) error {
	entries := make([]vfs.Entry, 0, len(res.Outputs))
	for _, o := range res.Outputs {
		entries = append(entries, vfs.Entry{Path: o.Path, Content: o.Content})
	}
	if err := st.Files.WriteAll(Owner(c, todoID), entries); err != nil {
		return err
	}
	return st.Planner.MarkDone(todoID, res.Primary())
}

func (r *Router) journalSuccess(journal *session.Session, corr string, rec state.DelegationRecord) {
	for _, p := range rec.Outputs {
		journal.AddEvent(session.Event{
			Type:          session.EventFileWrite,
			CorrelationID: corr,
			Todo:          rec.TodoID,
			Agent:         rec.Agent,
			Path:          p,
		})
	}
	journal.AddEvent(session.Event{
		Type:          session.EventDelegationEnd,
		CorrelationID: corr,
		Todo:          rec.TodoID,
		Agent:         rec.Agent,
		Attempt:       rec.Attempts,
		Success:       session.Bool(true),
		Content:       rec.Summary,
		DurationMs:    rec.Duration().Milliseconds(),
		Meta:          map[string]string{"outputs": strings.Join(rec.Outputs, ",")},
	})
}

func (r *Router) wait(ctx context.Context) bool {
	if r.backoff <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(r.backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Router) finish(st *state.AgentState, rec state.DelegationRecord, err error) state.DelegationRecord {
	rec.FinishedAt = time.Now()
	if err != nil {
		rec.Outcome = state.OutcomeFailure
		rec.Error = err.Error()
	}
	st.Record(rec)
	return rec
}
