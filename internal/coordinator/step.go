package coordinator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/khzouhair/deep-agent-email-assistant/internal/agents"
	"github.com/khzouhair/deep-agent-email-assistant/internal/planner"
	"github.com/khzouhair/deep-agent-email-assistant/internal/router"
	"github.com/khzouhair/deep-agent-email-assistant/internal/session"
	"github.com/khzouhair/deep-agent-email-assistant/internal/state"
)

// StepResult describes what one step did.
type StepResult struct {
	// Records of the TODOs dispatched in this step, in claim order.
	Records []state.DelegationRecord
	// Skipped TODO ids, in the order they were skipped.
	Skipped []string
	// Phase after the step.
	Phase state.Phase
}

// Step dispatches the next ready TODO. When nothing is ready it resolves
// TODOs that can never run and, once nothing is open, moves the run to
// aggregating. A failed critical TODO fails the run; a failed optional one
// is skipped.
func (c *Coordinator) Step(ctx context.Context, st *state.AgentState) (StepResult, error) {
	return c.step(ctx, st, 1)
}

// StepConcurrent claims up to limit ready TODOs and dispatches them in
// parallel. Outcomes are applied in claim order once all have finished.
func (c *Coordinator) StepConcurrent(ctx context.Context, st *state.AgentState, limit int) (StepResult, error) {
	if limit < 1 {
		limit = 1
	}
	return c.step(ctx, st, limit)
}

type dispatched struct {
	item planner.Item
	rec  state.DelegationRecord
	err  error
}

func (c *Coordinator) step(ctx context.Context, st *state.AgentState, limit int) (StepResult, error) {
	var res StepResult
	if phase := st.Phase(); phase != state.PhaseDelegating {
		return res, fmt.Errorf("%w: step called in %s", ErrInvalidPhase, phase)
	}
	if err := c.checkCancelled(ctx, st, &res); err != nil {
		return res, err
	}

	items := st.Planner.ClaimN(coordinatorWriter, limit)
	if len(items) == 0 {
		err := c.settle(ctx, st, &res)
		res.Phase = st.Phase()
		return res, err
	}

	results := make([]dispatched, len(items))
	if len(items) == 1 {
		rec, err := c.router.Dispatch(ctx, st, items[0])
		results[0] = dispatched{items[0], rec, err}
	} else {
		var g errgroup.Group
		for i, item := range items {
			g.Go(func() error {
				rec, err := c.router.Dispatch(ctx, st, item)
				results[i] = dispatched{item, rec, err}
				return nil
			})
		}
		_ = g.Wait()
	}

	// Claims are held for the whole batch so that concurrent writers to
	// one path conflict.
	for _, d := range results {
		st.Files.Release(router.Owner(agents.Capability(d.rec.Agent), d.item.ID))
	}

	for _, d := range results {
		res.Records = append(res.Records, d.rec)
		if c.OnDelegation != nil {
			c.OnDelegation(st, d.rec, d.err)
		}
	}
	// A delegation cut short by cancellation is not a failure of its own.
	if err := c.checkCancelled(ctx, st, &res); err != nil {
		return res, err
	}
	// Optional failures are skipped before a critical one fails the run.
	var critical *dispatched
	for i, d := range results {
		if d.err == nil {
			continue
		}
		if d.item.Critical {
			if critical == nil {
				critical = &results[i]
			}
			continue
		}
		c.applyFailure(ctx, st, d, &res)
	}
	if critical != nil {
		err := c.applyFailure(ctx, st, *critical, &res)
		res.Phase = st.Phase()
		return res, err
	}

	err := c.settle(ctx, st, &res)
	res.Phase = st.Phase()
	return res, err
}

// applyFailure handles a TODO whose delegation failed for good.
func (c *Coordinator) applyFailure(ctx context.Context, st *state.AgentState, d dispatched, res *StepResult) error {
	if d.item.Critical {
		reason := fmt.Sprintf("critical TODO %s failed: %v", d.item.ID, d.err)
		c.fail(ctx, st, reason)
		return fmt.Errorf("critical TODO %s: %w", d.item.ID, d.err)
	}
	c.logger.Warn("optional todo failed", map[string]interface{}{
		"run":   st.ID,
		"todo":  d.item.ID,
		"error": d.err.Error(),
	})
	c.skip(ctx, st, d.item.ID, planner.SkipOptionalFailed, res)
	return nil
}

// settle skips TODOs that can never run and moves to aggregating when
// nothing is open. Only called when no TODO is in progress.
func (c *Coordinator) settle(ctx context.Context, st *state.AgentState, res *StepResult) error {
	for _, it := range st.Planner.Blocked() {
		if it.Critical {
			reason := fmt.Sprintf("critical TODO %s can never run: a dependency did not complete", it.ID)
			c.fail(ctx, st, reason)
			return fmt.Errorf("%w: %s", ErrStalled, reason)
		}
		c.skip(ctx, st, it.ID, planner.SkipUpstreamUnavailable, res)
	}

	if !st.Planner.HasOpen() {
		return c.transition(ctx, st, state.PhaseAggregating)
	}
	if _, ok := st.Planner.NextReady(); ok {
		return nil
	}
	c.fail(ctx, st, "open TODOs remain but none is ready")
	return fmt.Errorf("%w: open TODOs remain but none is ready", ErrStalled)
}

// checkCancelled ends the run when cancellation was requested, skipping
// every TODO that has not finished.
func (c *Coordinator) checkCancelled(ctx context.Context, st *state.AgentState, res *StepResult) error {
	cancelled, reason := st.Cancelled()
	if !cancelled {
		if err := ctx.Err(); err != nil {
			cancelled, reason = true, err.Error()
		}
	}
	if !cancelled {
		return nil
	}

	for _, it := range st.Planner.List() {
		switch it.Status {
		case planner.StatusPending, planner.StatusReady, planner.StatusFailed:
			c.skip(ctx, st, it.ID, planner.SkipCancelled, res)
		}
	}
	session.FromContext(ctx).AddEvent(session.Event{Type: session.EventCancel, Content: reason})
	c.fail(ctx, st, "cancelled: "+reason)
	res.Phase = st.Phase()
	return fmt.Errorf("%w: %s", ErrCancelled, reason)
}

func (c *Coordinator) skip(ctx context.Context, st *state.AgentState, id, reason string, res *StepResult) {
	if err := st.Planner.Skip(id, reason); err != nil {
		if !errors.Is(err, planner.ErrInvalidTransition) {
			c.logger.Warn("failed to skip todo", map[string]interface{}{"todo": id, "error": err.Error()})
		}
		return
	}
	res.Skipped = append(res.Skipped, id)
	session.FromContext(ctx).AddEvent(session.Event{
		Type: session.EventTodoSkipped,
		Todo: id,
		Meta: map[string]string{"reason": reason},
	})
	c.logger.Info("todo skipped", map[string]interface{}{
		"run":    st.ID,
		"todo":   id,
		"reason": reason,
	})
}
