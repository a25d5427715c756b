// Package state holds the per-run state shared by the coordinator and its workers.
package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/khzouhair/deep-agent-email-assistant/internal/mail"
	"github.com/khzouhair/deep-agent-email-assistant/internal/planner"
	"github.com/khzouhair/deep-agent-email-assistant/internal/vfs"
)

// Phase is a coordinator lifecycle state.
type Phase string

const (
	PhaseReceived    Phase = "received"
	PhaseAnalyzing   Phase = "analyzing"
	PhasePlanning    Phase = "planning"
	PhaseDelegating  Phase = "delegating"
	PhaseAggregating Phase = "aggregating"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Intent is the kind of reply an email calls for.
type Intent string

const (
	IntentReply       Intent = "reply"
	IntentInquiry     Intent = "inquiry"
	IntentSchedule    Intent = "schedule"
	IntentAcknowledge Intent = "acknowledge"
)

// Analysis is what the coordinator learned about the email before planning.
type Analysis struct {
	Intent        Intent   `json:"intent"`
	NeedsResearch bool     `json:"needs_research"`
	Queries       []string `json:"queries,omitempty"`
	Questions     []string `json:"questions,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// Outcome of a delegation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// DelegationRecord is the audit entry for one dispatch of a TODO to a worker.
// A single record covers every attempt of that dispatch.
type DelegationRecord struct {
	TodoID       string    `json:"todo_id"`
	Agent        string    `json:"agent"`
	Inputs       []string  `json:"inputs,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	Attempts     int       `json:"attempts"`
	Retries      int       `json:"retries"`
	Error        string    `json:"error,omitempty"`
	Outputs      []string  `json:"outputs,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Duration returns how long the delegation took.
func (r DelegationRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// FinalResponse is the reply assembled at the end of a successful run.
type FinalResponse struct {
	Body      string   `json:"body"`
	DraftPath string   `json:"draft_path"`
	Files     []string `json:"files"`
	Status    string   `json:"status"`
}

// AgentState is everything a single run owns.
type AgentState struct {
	ID      string
	Email   *mail.Email
	Planner *planner.Planner
	Files   *vfs.Store

	mu            sync.Mutex
	phase         Phase
	history       []DelegationRecord
	analysis      *Analysis
	final         *FinalResponse
	failureReason string

	StartedAt  time.Time
	FinishedAt time.Time

	cancelled    atomic.Bool
	cancelReason atomic.Value
}

// New creates the state for a run over email.
func New(email *mail.Email, maxRetries int) *AgentState {
	return &AgentState{
		ID:      uuid.New().String(),
		Email:   email,
		Planner: planner.New(maxRetries),
		Files:   vfs.New(),
		phase:   PhaseReceived,
	}
}

// Phase returns the current phase.
func (s *AgentState) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// SetPhase updates the phase. Transition rules are enforced by the coordinator.
func (s *AgentState) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
	if p.Terminal() && s.FinishedAt.IsZero() {
		s.FinishedAt = time.Now()
	}
}

// Fail moves the run to Failed, keeping the first reason recorded.
func (s *AgentState) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failureReason == "" {
		s.failureReason = reason
	}
	s.phase = PhaseFailed
	if s.FinishedAt.IsZero() {
		s.FinishedAt = time.Now()
	}
}

// FailureReason returns why the run failed, if it did.
func (s *AgentState) FailureReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureReason
}

// Record appends a delegation record.
func (s *AgentState) Record(rec DelegationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
}

// History returns a copy of the delegation records.
func (s *AgentState) History() []DelegationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DelegationRecord(nil), s.history...)
}

// SetAnalysis stores the analysis result.
func (s *AgentState) SetAnalysis(a Analysis) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysis = &a
}

// Analysis returns the analysis result or nil.
func (s *AgentState) Analysis() *Analysis {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.analysis == nil {
		return nil
	}
	a := *s.analysis
	return &a
}

// SetFinal stores the final response.
func (s *AgentState) SetFinal(f FinalResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final = &f
}

// Final returns the final response or nil.
func (s *AgentState) Final() *FinalResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final == nil {
		return nil
	}
	f := *s.final
	return &f
}

// Cancel requests cooperative cancellation. It takes effect at the next
// dispatch boundary. Only the first reason is kept.
func (s *AgentState) Cancel(reason string) {
	if s.cancelled.CompareAndSwap(false, true) {
		if reason == "" {
			reason = "cancelled"
		}
		s.cancelReason.Store(reason)
	}
}

// Cancelled reports whether cancellation was requested and why.
func (s *AgentState) Cancelled() (bool, string) {
	if !s.cancelled.Load() {
		return false, ""
	}
	reason, _ := s.cancelReason.Load().(string)
	if reason == "" {
		reason = "cancelled"
	}
	return true, reason
}
