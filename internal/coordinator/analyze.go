package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/khzouhair/deep-agent-email-assistant/internal/mail"
	"github.com/khzouhair/deep-agent-email-assistant/internal/state"
)

// Analyzer decides what an email needs before any work is planned.
type Analyzer interface {
	Analyze(ctx context.Context, email *mail.Email) (state.Analysis, error)
}

// maxQueries bounds the research queries derived from one email.
const maxQueries = 3

var (
	researchKeywords = []string{
		"research", "pricing", "price", "cost", "compare", "comparison", "versus", " vs ",
		"benchmark", "statistics", "facts", "latest", "market", "study", "paper", "findings",
	}
	scheduleKeywords = []string{
		"call", "meeting", "meet", "discussion", "discuss", "available", "availability",
		"schedule", "time to talk", "next week",
	}
	inquiryKeywords = []string{"pricing", "price", "cost", "timeline", "details", "how much", "quote"}

	sentenceEnd = regexp.MustCompile(`[^.!?\n]+[.!?]?`)
)

// KeywordAnalyzer classifies emails with keyword rules. It needs no model.
type KeywordAnalyzer struct{}

// Analyze implements Analyzer.
func (KeywordAnalyzer) Analyze(_ context.Context, email *mail.Email) (state.Analysis, error) {
	text := strings.ToLower(email.Subject + "\n" + email.Body)
	questions := Questions(email.Body)

	a := state.Analysis{
		Intent:        classify(text, questions),
		NeedsResearch: containsAny(text, researchKeywords),
		Questions:     questions,
	}
	if a.NeedsResearch {
		a.Queries = queries(email.Subject, questions)
		a.Notes = "external information requested"
	}
	return a, nil
}

func classify(text string, questions []string) state.Intent {
	switch {
	case containsAny(text, inquiryKeywords):
		return state.IntentInquiry
	case containsAny(text, scheduleKeywords):
		return state.IntentSchedule
	case len(questions) > 0:
		return state.IntentReply
	default:
		return state.IntentAcknowledge
	}
}

// queries uses the subject plus any question that touches an external topic.
func queries(subject string, questions []string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(q string) {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] || len(out) >= maxQueries {
			return
		}
		seen[key] = true
		out = append(out, q)
	}
	add(strings.TrimPrefix(subject, "Re: "))
	for _, q := range questions {
		if containsAny(strings.ToLower(q), researchKeywords) {
			add(strings.TrimSuffix(q, "?"))
		}
	}
	return out
}

// Questions returns the sentences of body that end with a question mark.
func Questions(body string) []string {
	var out []string
	for _, s := range sentenceEnd.FindAllString(body, -1) {
		s = strings.TrimSpace(s)
		if strings.HasSuffix(s, "?") {
			out = append(out, s)
		}
	}
	return out
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// LLMAnalyzer asks a model for the analysis. Provider errors and output it
// cannot parse fall back to the keyword rules; only cancellation is returned.
type LLMAnalyzer struct {
	Provider llm.Provider
	Fallback Analyzer

	logger *logging.Logger
}

// NewLLMAnalyzer creates an analyzer backed by provider.
func NewLLMAnalyzer(provider llm.Provider) *LLMAnalyzer {
	return &LLMAnalyzer{
		Provider: provider,
		Fallback: KeywordAnalyzer{},
		logger:   logging.New().WithComponent("analyzer"),
	}
}

type llmAnalysis struct {
	Intent        string   `json:"intent"`
	NeedsResearch bool     `json:"needs_research"`
	Queries       []string `json:"queries"`
	Questions     []string `json:"questions"`
	Notes         string   `json:"notes"`
}

// Analyze implements Analyzer.
func (a *LLMAnalyzer) Analyze(ctx context.Context, email *mail.Email) (state.Analysis, error) {
	resp, err := a.Provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: analysisPrompt},
			{Role: "user", Content: fmt.Sprintf("From: %s\nSubject: %s\n\n%s", email.From, email.Subject, email.Body)},
		},
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return state.Analysis{}, fmt.Errorf("analysis LLM error: %w", ctxErr)
		}
		a.logger.Warn("analysis LLM error, using keywords", map[string]interface{}{
			"error": err.Error(),
		})
		return a.Fallback.Analyze(ctx, email)
	}

	var parsed llmAnalysis
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		a.logger.Warn("analysis unparseable, using keywords", map[string]interface{}{
			"error": err.Error(),
		})
		return a.Fallback.Analyze(ctx, email)
	}

	intent := state.Intent(strings.ToLower(strings.TrimSpace(parsed.Intent)))
	switch intent {
	case state.IntentReply, state.IntentInquiry, state.IntentSchedule, state.IntentAcknowledge:
	default:
		intent = state.IntentReply
	}
	out := state.Analysis{
		Intent:        intent,
		NeedsResearch: parsed.NeedsResearch,
		Questions:     parsed.Questions,
		Notes:         parsed.Notes,
	}
	if out.NeedsResearch {
		out.Queries = parsed.Queries
		if len(out.Queries) > maxQueries {
			out.Queries = out.Queries[:maxQueries]
		}
		if len(out.Queries) == 0 {
			out.Queries = []string{email.Subject}
		}
	}
	return out, nil
}

// extractJSON strips a markdown code fence around a JSON object, if any.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

const analysisPrompt = `You are an email response coordinator. Read the email and decide how to handle it.

Reply with a single JSON object and nothing else:
{"intent": "reply|inquiry|schedule|acknowledge", "needs_research": true|false, "queries": ["..."], "questions": ["..."], "notes": "..."}

- needs_research is true only when answering requires external information.
- queries are at most 3 short web search queries; empty when no research is needed.
- questions are the sender's questions that the reply must answer.`
