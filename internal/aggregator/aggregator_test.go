package aggregator

import (
	"errors"
	"reflect"
	"testing"

	"github.com/khzouhair/deep-agent-email-assistant/internal/agents"
	"github.com/khzouhair/deep-agent-email-assistant/internal/mail"
	"github.com/khzouhair/deep-agent-email-assistant/internal/planner"
	"github.com/khzouhair/deep-agent-email-assistant/internal/state"
)

func newRun(t *testing.T, researchCritical bool) *state.AgentState {
	t.Helper()
	email := mail.SampleEmails()[1]
	st := state.New(&email, 2)
	if err := st.Files.WriteAs("coordinator", agents.EmailPath, "email"); err != nil {
		t.Fatal(err)
	}
	err := st.Planner.AddAll(
		planner.Item{ID: "research", Description: "Research", Category: "research", Priority: 10, Critical: researchCritical, Inputs: []string{agents.EmailPath}},
		planner.Item{ID: "respond", Description: "Respond", Category: "response", Critical: true, Final: true, After: []string{"research"},
			Inputs: []string{agents.EmailPrefix, agents.ResearchPrefix}},
	)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

// complete runs a claimed TODO to Done with the given outputs.
func complete(t *testing.T, st *state.AgentState, id string, inputs []string, outputs map[string]string, order []string) {
	t.Helper()
	item, ok := st.Planner.Claim("test")
	if !ok || item.ID != id {
		t.Fatalf("expected to claim %s, got %+v", id, item)
	}
	for _, p := range order {
		if err := st.Files.WriteAs(id, p, outputs[p]); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Planner.MarkDone(id, order[0]); err != nil {
		t.Fatal(err)
	}
	st.Record(state.DelegationRecord{TodoID: id, Outcome: state.OutcomeSuccess, Inputs: inputs, Outputs: order})
}

const draft = "To: sarah.smith@startup.io\nSubject: Re: Research Collaboration Inquiry\n\nHi Sarah,\n\nThanks.\n\n---\nThis draft is ready for review and sending.\n"

func TestAggregate_Complete(t *testing.T) {
	st := newRun(t, false)
	complete(t, st, "research", []string{agents.EmailPath},
		map[string]string{agents.SummaryPath: "summary", "research/search_x_1.md": "hit"},
		[]string{agents.SummaryPath, "research/search_x_1.md"})
	complete(t, st, "respond", []string{agents.EmailPath, agents.SummaryPath, "research/search_x_1.md"},
		map[string]string{agents.DraftPath: draft}, []string{agents.DraftPath})
	st.SetPhase(state.PhaseAggregating)

	final, err := Aggregate(st)
	if err != nil {
		t.Fatalf("aggregate error: %v", err)
	}
	if final.Body != "Hi Sarah,\n\nThanks." {
		t.Errorf("unexpected body %q", final.Body)
	}
	if final.Status != StatusComplete || final.DraftPath != agents.DraftPath {
		t.Errorf("unexpected final %+v", final)
	}
	want := []string{agents.EmailPath, agents.SummaryPath, "research/search_x_1.md", agents.DraftPath}
	if !reflect.DeepEqual(final.Files, want) {
		t.Errorf("provenance = %v, want %v", final.Files, want)
	}
}

func TestAggregate_OptionalSkipped(t *testing.T) {
	st := newRun(t, false)
	if _, ok := st.Planner.Claim("test"); !ok {
		t.Fatal("claim failed")
	}
	st.Planner.MarkFailed("research", "search down")
	if err := st.Planner.Skip("research", planner.SkipOptionalFailed); err != nil {
		t.Fatal(err)
	}
	complete(t, st, "respond", []string{agents.EmailPath}, map[string]string{agents.DraftPath: draft}, []string{agents.DraftPath})
	st.SetPhase(state.PhaseAggregating)

	final, err := Aggregate(st)
	if err != nil {
		t.Fatalf("aggregate error: %v", err)
	}
	if final.Status != StatusPartial {
		t.Errorf("expected partial status, got %s", final.Status)
	}
	if !reflect.DeepEqual(final.Files, []string{agents.EmailPath, agents.DraftPath}) {
		t.Errorf("unexpected provenance %v", final.Files)
	}
}

func TestAggregate_Incomplete(t *testing.T) {
	t.Run("wrong phase", func(t *testing.T) {
		st := newRun(t, false)
		if _, err := Aggregate(st); !errors.Is(err, ErrIncompleteState) {
			t.Errorf("expected ErrIncompleteState, got %v", err)
		}
	})

	t.Run("open TODOs", func(t *testing.T) {
		st := newRun(t, false)
		st.SetPhase(state.PhaseAggregating)
		if _, err := Aggregate(st); !errors.Is(err, ErrIncompleteState) {
			t.Errorf("expected ErrIncompleteState, got %v", err)
		}
	})

	t.Run("critical failed", func(t *testing.T) {
		st := newRun(t, true)
		st.Planner.Claim("test")
		st.Planner.MarkFailed("research", "down")
		st.Planner.Skip("respond", planner.SkipUpstreamUnavailable)
		st.SetPhase(state.PhaseAggregating)
		if _, err := Aggregate(st); !errors.Is(err, ErrIncompleteState) {
			t.Errorf("expected ErrIncompleteState, got %v", err)
		}
	})

	t.Run("final skipped", func(t *testing.T) {
		st := newRun(t, false)
		complete(t, st, "research", nil, map[string]string{agents.SummaryPath: "s"}, []string{agents.SummaryPath})
		st.Planner.Skip("respond", planner.SkipNotNeeded)
		st.SetPhase(state.PhaseAggregating)
		if _, err := Aggregate(st); !errors.Is(err, ErrIncompleteState) {
			t.Errorf("expected ErrIncompleteState, got %v", err)
		}
	})
}
