package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/vinayprograms/agentkit/llm"

	"github.com/khzouhair/deep-agent-email-assistant/internal/agents"
	"github.com/khzouhair/deep-agent-email-assistant/internal/aggregator"
	"github.com/khzouhair/deep-agent-email-assistant/internal/mail"
	"github.com/khzouhair/deep-agent-email-assistant/internal/planner"
	"github.com/khzouhair/deep-agent-email-assistant/internal/router"
	"github.com/khzouhair/deep-agent-email-assistant/internal/search"
	"github.com/khzouhair/deep-agent-email-assistant/internal/session"
	"github.com/khzouhair/deep-agent-email-assistant/internal/state"
)

type failingSearcher struct{}

func (failingSearcher) Search(context.Context, string, int) ([]search.Result, error) {
	return nil, errors.New("search backend unavailable")
}

type fakeExecutor struct {
	capability agents.Capability
	calls      atomic.Int32
	run        func(ctx context.Context, task agents.Task) (*agents.Result, error)
}

func (f *fakeExecutor) Capability() agents.Capability { return f.capability }
func (f *fakeExecutor) Describe() string              { return "fake" }

func (f *fakeExecutor) Execute(ctx context.Context, task agents.Task) (*agents.Result, error) {
	f.calls.Add(1)
	return f.run(ctx, task)
}

func sample(i int) *mail.Email {
	e := mail.SampleEmails()[i]
	return &e
}

func newCoordinator(s search.Searcher, opts ...Option) *Coordinator {
	reg := agents.NewRegistry(
		agents.NewResearchAgent(s, nil, 2),
		agents.NewResponseAgent(nil, "Best regards"),
	)
	return New(router.New(reg, router.WithRoutes(router.DefaultRoutes())), opts...)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to state.Phase
		want     bool
	}{
		{state.PhaseReceived, state.PhaseAnalyzing, true},
		{state.PhaseAnalyzing, state.PhasePlanning, true},
		{state.PhasePlanning, state.PhaseDelegating, true},
		{state.PhaseDelegating, state.PhaseAggregating, true},
		{state.PhaseAggregating, state.PhaseCompleted, true},
		{state.PhaseDelegating, state.PhaseFailed, true},
		{state.PhaseReceived, state.PhaseDelegating, false},
		{state.PhaseAggregating, state.PhaseDelegating, false},
		{state.PhaseCompleted, state.PhaseFailed, false},
		{state.PhaseFailed, state.PhaseReceived, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestInvalidPhaseLeavesStateUnchanged(t *testing.T) {
	c := newCoordinator(search.Static{})
	st, err := c.NewRun(context.Background(), sample(1))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Step(context.Background(), st); !errors.Is(err, ErrInvalidPhase) {
		t.Errorf("expected ErrInvalidPhase from Step, got %v", err)
	}
	if err := c.Aggregate(context.Background(), st); !errors.Is(err, ErrInvalidPhase) {
		t.Errorf("expected ErrInvalidPhase from Aggregate, got %v", err)
	}
	if err := c.Plan(context.Background(), st); !errors.Is(err, ErrInvalidPhase) {
		t.Errorf("expected ErrInvalidPhase from Plan, got %v", err)
	}
	if st.Phase() != state.PhaseReceived {
		t.Errorf("phase changed to %s", st.Phase())
	}
}

func TestNewRun_InvalidEmail(t *testing.T) {
	c := newCoordinator(search.Static{})
	if _, err := c.Run(context.Background(), &mail.Email{ID: "x"}); !errors.Is(err, mail.ErrInvalidEmail) {
		t.Errorf("expected ErrInvalidEmail, got %v", err)
	}
}

func TestKeywordAnalyzer(t *testing.T) {
	tests := []struct {
		name     string
		email    *mail.Email
		intent   state.Intent
		research bool
	}{
		{"partnership", sample(0), state.IntentInquiry, true},
		{"collaboration", sample(1), state.IntentSchedule, true},
		{"thanks", &mail.Email{ID: "e", From: "a@b.c", Subject: "Thanks", Body: "Thanks for the help yesterday."}, state.IntentAcknowledge, false},
		{"question", &mail.Email{ID: "e", From: "a@b.c", Subject: "Quick one", Body: "Did you get my notes?"}, state.IntentReply, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := KeywordAnalyzer{}.Analyze(context.Background(), tt.email)
			if err != nil {
				t.Fatal(err)
			}
			if a.Intent != tt.intent || a.NeedsResearch != tt.research {
				t.Errorf("got intent=%s research=%v", a.Intent, a.NeedsResearch)
			}
			if a.NeedsResearch && (len(a.Queries) == 0 || a.Queries[0] != tt.email.Subject) {
				t.Errorf("expected subject as first query, got %v", a.Queries)
			}
			if !a.NeedsResearch && len(a.Queries) != 0 {
				t.Errorf("unexpected queries %v", a.Queries)
			}
		})
	}
}

func TestQuestions(t *testing.T) {
	got := Questions("Hi. Are you free Monday? Also, what is the price?\nThanks!")
	want := []string{"Are you free Monday?", "Also, what is the price?"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Questions = %q, want %q", got, want)
	}
}

func TestLLMAnalyzer(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse("```json\n{\"intent\": \"Inquiry\", \"needs_research\": true, \"queries\": [\"a\", \"b\", \"c\", \"d\"], \"questions\": [\"When?\"]}\n```")
	a := NewLLMAnalyzer(provider)

	got, err := a.Analyze(context.Background(), sample(0))
	if err != nil {
		t.Fatal(err)
	}
	if got.Intent != state.IntentInquiry || !got.NeedsResearch || len(got.Queries) != maxQueries {
		t.Errorf("unexpected analysis %+v", got)
	}
	if !strings.Contains(provider.LastRequest().Messages[1].Content, "Partnership Proposal") {
		t.Error("email not sent to the model")
	}
}

func TestLLMAnalyzer_FallsBackOnProse(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetResponse("I think this needs a reply.")
	a := NewLLMAnalyzer(provider)

	got, err := a.Analyze(context.Background(), sample(1))
	if err != nil {
		t.Fatal(err)
	}
	want, _ := KeywordAnalyzer{}.Analyze(context.Background(), sample(1))
	if got.Intent != want.Intent || got.NeedsResearch != want.NeedsResearch {
		t.Errorf("expected keyword fallback %+v, got %+v", want, got)
	}
}

func TestLLMAnalyzer_FallsBackOnProviderError(t *testing.T) {
	provider := llm.NewMockProvider()
	provider.SetError(errors.New("API rate limit exceeded"))
	a := NewLLMAnalyzer(provider)

	got, err := a.Analyze(context.Background(), sample(0))
	if err != nil {
		t.Fatalf("provider errors should fall back, got %v", err)
	}
	want, _ := KeywordAnalyzer{}.Analyze(context.Background(), sample(0))
	if got.Intent != want.Intent || got.NeedsResearch != want.NeedsResearch {
		t.Errorf("expected keyword fallback %+v, got %+v", want, got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Analyze(ctx, sample(0)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation to surface, got %v", err)
	}
}

func TestBuildPlan(t *testing.T) {
	research := state.Analysis{Intent: state.IntentInquiry, NeedsResearch: true, Queries: []string{"pricing"}, Questions: []string{"How much?"}}

	t.Run("optional research", func(t *testing.T) {
		items := BuildPlan(research, DefaultPlanOptions())
		if len(items) != 2 || items[0].ID != ResearchTodo || items[1].ID != RespondTodo {
			t.Fatalf("unexpected plan %+v", items)
		}
		if items[0].Critical || items[0].Instructions != "- pricing" || items[0].Priority != 10 {
			t.Errorf("unexpected research TODO %+v", items[0])
		}
		respond := items[1]
		if !respond.Critical || !respond.Final || len(respond.DependsOn) != 0 || respond.After[0] != ResearchTodo {
			t.Errorf("unexpected respond TODO %+v", respond)
		}
		if respond.Instructions != "intent: inquiry\nquestion: How much?" {
			t.Errorf("unexpected directives %q", respond.Instructions)
		}
	})

	t.Run("critical research", func(t *testing.T) {
		items := BuildPlan(research, PlanOptions{ResearchCritical: true})
		if !items[0].Critical || items[1].DependsOn[0] != ResearchTodo || len(items[1].After) != 0 {
			t.Errorf("unexpected plan %+v", items)
		}
	})

	t.Run("no research", func(t *testing.T) {
		items := BuildPlan(state.Analysis{Intent: state.IntentAcknowledge}, DefaultPlanOptions())
		if len(items) != 1 || items[0].ID != RespondTodo {
			t.Errorf("unexpected plan %+v", items)
		}
	})
}

func TestRun_Completed(t *testing.T) {
	c := newCoordinator(search.Static{})
	var phases []state.Phase
	c.OnPhase = func(_ *state.AgentState, p state.Phase) { phases = append(phases, p) }
	journal := session.New("", "email_002", "")
	ctx := session.NewContext(context.Background(), journal)

	st, err := c.Run(ctx, sample(1))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if st.ID != journal.ID {
		t.Errorf("run should adopt the session ID")
	}
	want := []state.Phase{state.PhaseAnalyzing, state.PhasePlanning, state.PhaseDelegating, state.PhaseAggregating, state.PhaseCompleted}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phases = %v, want %v", phases, want)
			break
		}
	}

	for _, it := range st.Planner.List() {
		if it.Status != planner.StatusDone {
			t.Errorf("TODO %s is %s", it.ID, it.Status)
		}
	}
	final := st.Final()
	if final == nil || final.Status != aggregator.StatusComplete {
		t.Fatalf("unexpected final %+v", final)
	}
	if !strings.Contains(final.Body, "Hi Sarah") {
		t.Errorf("unexpected body:\n%s", final.Body)
	}
	if final.Files[0] != agents.EmailPath || final.Files[len(final.Files)-1] != agents.DraftPath {
		t.Errorf("unexpected provenance %v", final.Files)
	}
	if h := st.History(); len(h) != 2 || h[0].TodoID != ResearchTodo || h[1].TodoID != RespondTodo {
		t.Errorf("unexpected history %+v", h)
	}
	if journal.Status != session.StatusCompleted {
		t.Errorf("journal status = %s", journal.Status)
	}

	var counts = make(map[string]int)
	for _, e := range journal.Snapshot() {
		counts[e.Type]++
	}
	if counts[session.EventRunStart] != 1 || counts[session.EventRunEnd] != 1 ||
		counts[session.EventTodoAdded] != 2 || counts[session.EventDelegationEnd] != 2 ||
		counts[session.EventPhase] != 5 {
		t.Errorf("unexpected event counts %v", counts)
	}
}

func TestRun_OptionalResearchFailure(t *testing.T) {
	c := newCoordinator(failingSearcher{})

	st, err := c.Run(context.Background(), sample(0))
	if err != nil {
		t.Fatalf("optional failure should not fail the run: %v", err)
	}
	research, _ := st.Planner.Get(ResearchTodo)
	if research.Status != planner.StatusSkipped || research.SkipReason != planner.SkipOptionalFailed {
		t.Errorf("unexpected research TODO %+v", research)
	}
	if research.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", research.Attempts)
	}
	final := st.Final()
	if final == nil || final.Status != aggregator.StatusPartial {
		t.Fatalf("unexpected final %+v", final)
	}
	if _, err := st.Files.Read(agents.SummaryPath); err == nil {
		t.Error("failed research should leave no summary")
	}
}

func TestRun_CriticalResearchFailure(t *testing.T) {
	c := newCoordinator(failingSearcher{}, WithPlanOptions(PlanOptions{ResearchCritical: true}), WithMaxRetries(0))

	st, err := c.Run(context.Background(), sample(0))
	if err == nil {
		t.Fatal("expected run error")
	}
	if !errors.Is(err, router.ErrDelegationFailed) {
		t.Errorf("expected delegation failure, got %v", err)
	}
	if st.Phase() != state.PhaseFailed || st.FinishedAt.IsZero() {
		t.Errorf("expected failed run, got %s", st.Phase())
	}
	if !strings.Contains(st.FailureReason(), "research") {
		t.Errorf("unexpected reason %q", st.FailureReason())
	}
	if st.Final() != nil {
		t.Error("failed run should have no final response")
	}
	respond, _ := st.Planner.Get(RespondTodo)
	if respond.Status != planner.StatusPending {
		t.Errorf("respond should never have run, got %s", respond.Status)
	}
}

func TestStep_UpstreamUnavailable(t *testing.T) {
	exec := &fakeExecutor{capability: agents.CapabilityResearch, run: func(context.Context, agents.Task) (*agents.Result, error) {
		return nil, errors.New("down")
	}}
	c := New(router.New(agents.NewRegistry(exec), router.WithRoutes(router.DefaultRoutes())), WithMaxRetries(0))
	st := delegating(t, c,
		planner.Item{ID: "a", Description: "a", Category: "research"},
		planner.Item{ID: "b", Description: "b", Category: "research", DependsOn: []string{"a"}},
	)

	res, err := c.Step(context.Background(), st)
	if err != nil {
		t.Fatalf("step error: %v", err)
	}
	if strings.Join(res.Skipped, ",") != "a,b" {
		t.Errorf("skipped = %v", res.Skipped)
	}
	b, _ := st.Planner.Get("b")
	if b.SkipReason != planner.SkipUpstreamUnavailable {
		t.Errorf("unexpected skip reason %q", b.SkipReason)
	}
	if res.Phase != state.PhaseAggregating {
		t.Errorf("expected aggregating, got %s", res.Phase)
	}
}

func TestCancel(t *testing.T) {
	c := newCoordinator(search.Static{})
	journal := session.New("", "", "")
	ctx := session.NewContext(context.Background(), journal)
	st, _ := c.NewRun(ctx, sample(1))
	if err := c.Analyze(ctx, st); err != nil {
		t.Fatal(err)
	}
	if err := c.Plan(ctx, st); err != nil {
		t.Fatal(err)
	}

	c.Cancel(st, "operator request")
	res, err := c.Step(ctx, st)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if res.Phase != state.PhaseFailed || !strings.Contains(st.FailureReason(), "operator request") {
		t.Errorf("unexpected phase %s reason %q", res.Phase, st.FailureReason())
	}
	for _, it := range st.Planner.List() {
		if it.Status != planner.StatusSkipped || it.SkipReason != planner.SkipCancelled {
			t.Errorf("TODO %s: %s/%s", it.ID, it.Status, it.SkipReason)
		}
	}
	if len(st.History()) != 0 {
		t.Error("nothing should be dispatched after cancellation")
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	c := newCoordinator(search.Static{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := c.Run(ctx, sample(1))
	if err == nil || st.Phase() != state.PhaseFailed {
		t.Fatalf("expected failed run, got %v in %s", err, st.Phase())
	}
}

// delegating returns a run in the delegating phase with the given TODOs.
func delegating(t *testing.T, c *Coordinator, items ...planner.Item) *state.AgentState {
	t.Helper()
	st, err := c.NewRun(context.Background(), sample(1))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Planner.AddAll(items...); err != nil {
		t.Fatal(err)
	}
	st.SetPhase(state.PhaseDelegating)
	return st
}

func writer(c agents.Capability, path string) *fakeExecutor {
	return &fakeExecutor{capability: c, run: func(context.Context, agents.Task) (*agents.Result, error) {
		return &agents.Result{Outputs: []agents.Output{{Path: path, Content: string(c)}}}, nil
	}}
}

func TestStepConcurrent_SamePathConflicts(t *testing.T) {
	reg := agents.NewRegistry(
		writer(agents.CapabilityResearch, "research/shared.md"),
		writer(agents.CapabilityResponse, "research/shared.md"),
	)
	c := New(router.New(reg, router.WithRoutes(router.DefaultRoutes())))
	st := delegating(t, c,
		planner.Item{ID: "a", Description: "a", Category: "research"},
		planner.Item{ID: "b", Description: "b", Category: "response"},
	)

	res, err := c.StepConcurrent(context.Background(), st, 2)
	if err != nil {
		t.Fatalf("step error: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	var succeeded int
	for _, rec := range res.Records {
		if rec.Outcome == state.OutcomeSuccess {
			succeeded++
		} else if !strings.Contains(rec.Error, "path conflict") {
			t.Errorf("unexpected failure %q", rec.Error)
		}
	}
	if succeeded != 1 || len(res.Skipped) != 1 {
		t.Errorf("expected one winner and one skipped loser, got %d/%v", succeeded, res.Skipped)
	}
	if st.Files.Len() != 1 {
		t.Errorf("expected one file, got %d", st.Files.Len())
	}
}

func TestStep_SequentialSamePath(t *testing.T) {
	reg := agents.NewRegistry(
		writer(agents.CapabilityResearch, "research/shared.md"),
		writer(agents.CapabilityResponse, "research/shared.md"),
	)
	c := New(router.New(reg, router.WithRoutes(router.DefaultRoutes())))
	st := delegating(t, c,
		planner.Item{ID: "a", Description: "a", Category: "research", Priority: 1},
		planner.Item{ID: "b", Description: "b", Category: "response"},
	)

	for st.Phase() == state.PhaseDelegating {
		if _, err := c.Step(context.Background(), st); err != nil {
			t.Fatalf("step error: %v", err)
		}
	}
	for _, id := range []string{"a", "b"} {
		if it, _ := st.Planner.Get(id); it.Status != planner.StatusDone {
			t.Errorf("TODO %s is %s", id, it.Status)
		}
	}
	if got, _ := st.Files.Read("research/shared.md"); got != "response" {
		t.Errorf("last writer should win, got %q", got)
	}
}

func TestStepConcurrent_OptionalSkippedBeforeCriticalFailure(t *testing.T) {
	failing := func(c agents.Capability) *fakeExecutor {
		return &fakeExecutor{capability: c, run: func(context.Context, agents.Task) (*agents.Result, error) {
			return nil, errors.New(string(c) + " down")
		}}
	}
	reg := agents.NewRegistry(failing(agents.CapabilityResponse), failing(agents.CapabilityResearch))
	c := New(router.New(reg, router.WithRoutes(router.DefaultRoutes())), WithMaxRetries(0))
	st := delegating(t, c,
		planner.Item{ID: "a", Description: "a", Category: "response", Critical: true, Priority: 5},
		planner.Item{ID: "b", Description: "b", Category: "research"},
	)

	res, err := c.StepConcurrent(context.Background(), st, 2)
	if err == nil || st.Phase() != state.PhaseFailed {
		t.Fatalf("expected the run to fail, got %v in %s", err, st.Phase())
	}
	b, _ := st.Planner.Get("b")
	if b.Status != planner.StatusSkipped || b.SkipReason != planner.SkipOptionalFailed {
		t.Errorf("optional TODO should be skipped as optional_failed, got %s/%s", b.Status, b.SkipReason)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "b" {
		t.Errorf("unexpected skipped %v", res.Skipped)
	}
}
