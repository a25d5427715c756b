// Package aggregator turns a finished run into its final response.
package aggregator

import (
	"errors"
	"fmt"

	"github.com/khzouhair/deep-agent-email-assistant/internal/agents"
	"github.com/khzouhair/deep-agent-email-assistant/internal/planner"
	"github.com/khzouhair/deep-agent-email-assistant/internal/state"
)

var ErrIncompleteState = errors.New("incomplete state")

const (
	StatusComplete = "complete"
	// StatusPartial means the reply was produced but optional work was skipped.
	StatusPartial = "partial"
)

// Aggregate builds the final response from a run in the aggregating phase.
// The final-output TODO must be Done and every critical TODO must be Done
// or skipped for an allowed reason.
func Aggregate(st *state.AgentState) (*state.FinalResponse, error) {
	if phase := st.Phase(); phase != state.PhaseAggregating {
		return nil, fmt.Errorf("%w: phase is %s", ErrIncompleteState, phase)
	}

	items := st.Planner.List()
	byID := make(map[string]planner.Item, len(items))
	var final *planner.Item
	skipped := false
	for i, it := range items {
		byID[it.ID] = it
		switch it.Status {
		case planner.StatusDone:
		case planner.StatusSkipped:
			if !planner.IsAllowedSkipReason(it.SkipReason) {
				return nil, fmt.Errorf("%w: %s skipped without an allowed reason", ErrIncompleteState, it.ID)
			}
			skipped = true
		default:
			if it.Critical {
				return nil, fmt.Errorf("%w: critical TODO %s is %s", ErrIncompleteState, it.ID, it.Status)
			}
			if !it.Status.Terminal() {
				return nil, fmt.Errorf("%w: TODO %s is still %s", ErrIncompleteState, it.ID, it.Status)
			}
		}
		if it.Final {
			final = &items[i]
		}
	}
	if final == nil {
		return nil, fmt.Errorf("%w: no final-output TODO", ErrIncompleteState)
	}
	if final.Status != planner.StatusDone || final.ResultRef == "" {
		return nil, fmt.Errorf("%w: final TODO %s is %s", ErrIncompleteState, final.ID, final.Status)
	}

	content, err := st.Files.Read(final.ResultRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncompleteState, err)
	}
	body := content
	if draft, err := agents.ParseDraft(content); err == nil {
		body = draft.Body
	}

	status := StatusComplete
	if skipped {
		status = StatusPartial
	}
	return &state.FinalResponse{
		Body:      body,
		DraftPath: final.ResultRef,
		Files:     provenance(st, byID, final.ID),
		Status:    status,
	}, nil
}

// provenance lists, in write order, the inputs and outputs of every
// successful delegation for the final TODO and everything upstream of it.
func provenance(st *state.AgentState, items map[string]planner.Item, finalID string) []string {
	feeding := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		if feeding[id] {
			return
		}
		feeding[id] = true
		it := items[id]
		for _, dep := range it.DependsOn {
			walk(dep)
		}
		for _, dep := range it.After {
			walk(dep)
		}
	}
	walk(finalID)

	var paths []string
	for _, rec := range st.History() {
		if rec.Outcome != state.OutcomeSuccess || !feeding[rec.TodoID] {
			continue
		}
		paths = append(paths, rec.Inputs...)
		paths = append(paths, rec.Outputs...)
	}
	if len(paths) == 0 {
		return nil
	}

	files := st.Files.Snapshot(paths...)
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}
