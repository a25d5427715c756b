package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/khzouhair/deep-agent-email-assistant/internal/agents"
	"github.com/khzouhair/deep-agent-email-assistant/internal/mail"
	"github.com/khzouhair/deep-agent-email-assistant/internal/planner"
	"github.com/khzouhair/deep-agent-email-assistant/internal/session"
	"github.com/khzouhair/deep-agent-email-assistant/internal/state"
)

// TODO ids of the built-in plan.
const (
	ResearchTodo = "research"
	RespondTodo  = "respond"
)

// Writer identity used for files the coordinator itself offloads.
const coordinatorWriter = "coordinator"

// AnalysisPath holds the coordinator's notes for the response agent.
const AnalysisPath = agents.ContextPrefix + "analysis.md"

// PlanOptions shapes the TODO graph.
type PlanOptions struct {
	// ResearchCritical makes research mandatory: the reply waits for it and
	// the run fails without it.
	ResearchCritical bool
	ResearchPriority int
	ResponsePriority int
}

// DefaultPlanOptions returns optional research ahead of the reply.
func DefaultPlanOptions() PlanOptions {
	return PlanOptions{ResearchPriority: 10}
}

// BuildPlan returns the TODOs for an analysed email.
func BuildPlan(a state.Analysis, opts PlanOptions) []planner.Item {
	var items []planner.Item
	research := a.NeedsResearch && len(a.Queries) > 0
	if research {
		var sb strings.Builder
		for _, q := range a.Queries {
			fmt.Fprintf(&sb, "- %s\n", q)
		}
		items = append(items, planner.Item{
			ID:           ResearchTodo,
			Description:  "Research background needed for the reply",
			Category:     string(agents.CapabilityResearch),
			Inputs:       []string{agents.EmailPath},
			Instructions: strings.TrimSpace(sb.String()),
			Priority:     opts.ResearchPriority,
			Critical:     opts.ResearchCritical,
		})
	}

	respond := planner.Item{
		ID:           RespondTodo,
		Description:  "Draft a reply to the email",
		Category:     string(agents.CapabilityResponse),
		Inputs:       []string{agents.EmailPrefix, agents.ResearchPrefix, agents.ContextPrefix},
		Instructions: directives(a),
		Priority:     opts.ResponsePriority,
		Critical:     true,
		Final:        true,
	}
	if research {
		if opts.ResearchCritical {
			respond.DependsOn = []string{ResearchTodo}
		} else {
			respond.After = []string{ResearchTodo}
		}
	}
	return append(items, respond)
}

func directives(a state.Analysis) string {
	var sb strings.Builder
	intent := a.Intent
	if intent == "" {
		intent = state.IntentReply
	}
	fmt.Fprintf(&sb, "intent: %s\n", intent)
	for _, q := range a.Questions {
		fmt.Fprintf(&sb, "question: %s\n", q)
	}
	return strings.TrimSpace(sb.String())
}

func analysisNotes(email *mail.Email, a state.Analysis) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Analysis: %s\n\n", email.Subject)
	fmt.Fprintf(&sb, "- Intent: %s\n", a.Intent)
	fmt.Fprintf(&sb, "- Needs research: %t\n", a.NeedsResearch)
	if a.Notes != "" {
		fmt.Fprintf(&sb, "- Notes: %s\n", a.Notes)
	}
	if len(a.Questions) > 0 {
		sb.WriteString("\n## Questions to answer\n\n")
		for _, q := range a.Questions {
			fmt.Fprintf(&sb, "- %s\n", q)
		}
	}
	return sb.String()
}

// Plan offloads the email into the file store, builds the TODO graph, and
// moves the run to delegating.
func (c *Coordinator) Plan(ctx context.Context, st *state.AgentState) error {
	if phase := st.Phase(); phase != state.PhasePlanning {
		return fmt.Errorf("%w: plan called in %s", ErrInvalidPhase, phase)
	}
	ctx, span := startPhaseSpan(ctx, state.PhasePlanning, st)
	items, err := c.plan.apply(ctx, st)
	if err != nil {
		endPhaseSpan(span, nil, err)
		c.fail(ctx, st, fmt.Sprintf("planning failed: %v", err))
		return fmt.Errorf("plan: %w", err)
	}
	endPhaseSpan(span, map[string]string{"plan.todos": fmt.Sprint(len(items))}, nil)

	journal := session.FromContext(ctx)
	for _, it := range items {
		journal.AddEvent(session.Event{
			Type:    session.EventTodoAdded,
			Todo:    it.ID,
			Agent:   it.Category,
			Content: it.Description,
			Meta: map[string]string{
				"critical":   fmt.Sprint(it.Critical),
				"priority":   fmt.Sprint(it.Priority),
				"depends_on": strings.Join(it.DependsOn, ","),
				"after":      strings.Join(it.After, ","),
			},
		})
	}
	c.logger.Info("plan ready", map[string]interface{}{
		"run":   st.ID,
		"todos": len(items),
	})
	return c.transition(ctx, st, state.PhaseDelegating)
}

func (o PlanOptions) apply(ctx context.Context, st *state.AgentState) ([]planner.Item, error) {
	content, err := mail.Render(st.Email)
	if err != nil {
		return nil, err
	}
	journal := session.FromContext(ctx)
	if err := st.Files.WriteAs(coordinatorWriter, agents.EmailPath, content); err != nil {
		return nil, err
	}
	journal.AddEvent(session.Event{Type: session.EventFileWrite, Agent: coordinatorWriter, Path: agents.EmailPath})

	var a state.Analysis
	if p := st.Analysis(); p != nil {
		a = *p
	}
	if err := st.Files.WriteAs(coordinatorWriter, AnalysisPath, analysisNotes(st.Email, a)); err != nil {
		return nil, err
	}
	journal.AddEvent(session.Event{Type: session.EventFileWrite, Agent: coordinatorWriter, Path: AnalysisPath})

	items := BuildPlan(a, o)
	if err := st.Planner.AddAll(items...); err != nil {
		return nil, err
	}
	return items, nil
}
