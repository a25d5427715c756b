// Package export renders a finished run as a structured document and hands
// it to one or more sinks.
package export

import (
	"errors"
	"fmt"
	"time"

	"github.com/khzouhair/deep-agent-email-assistant/internal/agents"
	"github.com/khzouhair/deep-agent-email-assistant/internal/planner"
	"github.com/khzouhair/deep-agent-email-assistant/internal/state"
)

// ErrExport is returned when a document cannot be built or delivered.
var ErrExport = errors.New("export error")

// Document status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Document is the exported view of one run.
type Document struct {
	Status          string       `json:"status"`
	RunID           string       `json:"run_id"`
	EmailID         string       `json:"email_id"`
	EmailSubject    string       `json:"email_subject"`
	EmailFrom       string       `json:"email_from"`
	Todos           []Todo       `json:"todos"`
	ResponseBody    *string      `json:"response_body"`
	ResponseStatus  string       `json:"response_status,omitempty"` // complete or partial
	ResearchSummary *string      `json:"research_summary,omitempty"`
	Files           []string     `json:"files"`
	Delegations     []Delegation `json:"delegations"`
	FailureReason   string       `json:"failure_reason,omitempty"`
	Timestamps      Timestamps   `json:"timestamps"`
}

// Todo is the exported view of a TODO.
type Todo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Agent       string `json:"agent,omitempty"`
	ResultRef   string `json:"result_ref,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
	Reason      string `json:"reason,omitempty"` // skip or failure reason
}

// Delegation summarizes one dispatch.
type Delegation struct {
	TodoID     string `json:"todo_id"`
	Agent      string `json:"agent"`
	Outcome    string `json:"outcome"`
	Attempts   int    `json:"attempts"`
	Retries    int    `json:"retries"`
	Error      string `json:"error,omitempty"`
	Summary    string `json:"summary,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Timestamps of the run. Started and finished are omitted when unset.
type Timestamps struct {
	Received time.Time  `json:"received"`
	Started  *time.Time `json:"started,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
	Exported time.Time  `json:"exported"`
}

// Build renders st. The run must have finished. A completed run always
// carries a response body; a failed one never does.
func Build(st *state.AgentState) (*Document, error) {
	if st == nil || st.Email == nil {
		return nil, fmt.Errorf("%w: no run", ErrExport)
	}
	phase := st.Phase()
	if !phase.Terminal() {
		return nil, fmt.Errorf("%w: run %s is still %s", ErrExport, st.ID, phase)
	}

	doc := &Document{
		RunID:        st.ID,
		EmailID:      st.Email.ID,
		EmailSubject: st.Email.Subject,
		EmailFrom:    st.Email.From,
		Todos:        todos(st.Planner.List()),
		Files:        []string{},
		Delegations:  delegations(st.History()),
		Timestamps: Timestamps{
			Received: st.Email.ReceivedAt,
			Started:  timePtr(st.StartedAt),
			Finished: timePtr(st.FinishedAt),
			Exported: time.Now(),
		},
	}
	if summary, err := st.Files.Read(agents.SummaryPath); err == nil {
		doc.ResearchSummary = &summary
	}

	switch phase {
	case state.PhaseCompleted:
		final := st.Final()
		if final == nil || final.Body == "" {
			return nil, fmt.Errorf("%w: completed run %s has no response", ErrExport, st.ID)
		}
		doc.Status = StatusCompleted
		doc.ResponseBody = &final.Body
		doc.ResponseStatus = final.Status
		doc.Files = append(doc.Files, final.Files...)
	default:
		doc.Status = StatusFailed
		doc.FailureReason = st.FailureReason()
		for _, f := range st.Files.All() {
			doc.Files = append(doc.Files, f.Path)
		}
	}
	return doc, nil
}

// Done returns how many TODOs finished successfully.
func (d *Document) Done() int {
	n := 0
	for _, t := range d.Todos {
		if t.Status == string(planner.StatusDone) {
			n++
		}
	}
	return n
}

func todos(items []planner.Item) []Todo {
	out := make([]Todo, 0, len(items))
	for _, it := range items {
		t := Todo{
			ID:          it.ID,
			Description: it.Description,
			Status:      string(it.Status),
			Agent:       it.AssignedAgent,
			ResultRef:   it.ResultRef,
			Attempts:    it.Attempts,
		}
		switch it.Status {
		case planner.StatusSkipped:
			t.Reason = it.SkipReason
		case planner.StatusFailed:
			t.Reason = it.FailureReason
		}
		out = append(out, t)
	}
	return out
}

func delegations(history []state.DelegationRecord) []Delegation {
	out := make([]Delegation, 0, len(history))
	for _, rec := range history {
		out = append(out, Delegation{
			TodoID:     rec.TodoID,
			Agent:      rec.Agent,
			Outcome:    string(rec.Outcome),
			Attempts:   rec.Attempts,
			Retries:    rec.Retries,
			Error:      rec.Error,
			Summary:    rec.Summary,
			DurationMs: rec.Duration().Milliseconds(),
		})
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
