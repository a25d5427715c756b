package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/khzouhair/deep-agent-email-assistant/internal/mail"
	"github.com/khzouhair/deep-agent-email-assistant/internal/search"
)

// ErrNoResearch is returned when every search for a task failed.
var ErrNoResearch = errors.New("research produced no results")

const (
	defaultMaxResults = 2
	maxSlugLength     = 30
)

var unsafeSlug = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ResearchAgent runs searches and writes one file per hit plus a summary.
type ResearchAgent struct {
	Searcher   search.Searcher
	Provider   llm.Provider // optional; summaries fall back to a digest
	MaxResults int
	Now        func() time.Time

	logger *logging.Logger
}

// NewResearchAgent creates a research agent.
func NewResearchAgent(s search.Searcher, provider llm.Provider, maxResults int) *ResearchAgent {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &ResearchAgent{
		Searcher:   s,
		Provider:   provider,
		MaxResults: maxResults,
		Now:        time.Now,
		logger:     logging.New().WithComponent("research-agent"),
	}
}

func (a *ResearchAgent) Capability() Capability { return CapabilityResearch }

func (a *ResearchAgent) Describe() string {
	return "Gather and summarize information from the web"
}

type finding struct {
	query  string
	path   string
	result search.Result
}

// Execute runs one search per instruction line. When the instructions hold
// no queries, the email subject is searched instead.
func (a *ResearchAgent) Execute(ctx context.Context, task Task) (*Result, error) {
	queries := ParseQueries(task.Instructions)
	if len(queries) == 0 {
		if f, ok := task.File(EmailPath); ok {
			if e, err := mail.Parse(f.Content); err == nil && e.Subject != "" {
				queries = []string{e.Subject}
			}
		}
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("%w: no research queries", ErrMissingInput)
	}

	var (
		findings []finding
		failures []error
		outputs  []Output
		used     = make(map[string]bool)
	)
	for _, q := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hits, err := a.Searcher.Search(ctx, q, a.MaxResults)
		if err != nil {
			a.logger.Warn("search failed", map[string]interface{}{"query": q, "error": err.Error()})
			failures = append(failures, fmt.Errorf("%s: %w", q, err))
			continue
		}
		for i, hit := range hits {
			path := uniquePath(ResearchPrefix+fmt.Sprintf("search_%s_%d.md", Slug(q), i+1), used)
			findings = append(findings, finding{query: q, path: path, result: hit})
			outputs = append(outputs, Output{Path: path, Content: a.renderFinding(q, hit)})
		}
	}
	if len(failures) == len(queries) {
		return nil, fmt.Errorf("%w: %w", ErrNoResearch, errors.Join(failures...))
	}

	summary, err := a.summarize(ctx, queries, findings)
	if err != nil {
		return nil, err
	}

	// Summary first: it is the primary result.
	outputs = append([]Output{{Path: SummaryPath, Content: summary}}, outputs...)
	return &Result{
		Outputs: outputs,
		Summary: fmt.Sprintf("%d result(s) for %d quer(ies)", len(findings), len(queries)),
	}, nil
}

// ParseQueries returns the non-empty lines of instructions, stripped of list markers.
func ParseQueries(instructions string) []string {
	var out []string
	for _, line := range strings.Split(instructions, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Slug converts a query into a short file-name fragment.
func Slug(q string) string {
	s := unsafeSlug.ReplaceAllString(strings.ReplaceAll(strings.TrimSpace(q), " ", "_"), "")
	if len(s) > maxSlugLength {
		s = s[:maxSlugLength]
	}
	if s == "" {
		s = "query"
	}
	return s
}

func uniquePath(path string, used map[string]bool) string {
	candidate := path
	for n := 2; used[candidate]; n++ {
		candidate = fmt.Sprintf("%s_%d.md", strings.TrimSuffix(path, ".md"), n)
	}
	used[candidate] = true
	return candidate
}

func (a *ResearchAgent) renderFinding(query string, r search.Result) string {
	return fmt.Sprintf(`# Search Result: %s

**URL:** %s
**Query:** %s
**Date:** %s
**Relevance Score:** %.2f

## Content
%s

---
*This information can be used to inform email responses.*
`, r.Title, r.URL, query, a.Now().Format("Mon Jan 02, 2006"), r.Score, r.Snippet)
}

func (a *ResearchAgent) summarize(ctx context.Context, queries []string, findings []finding) (string, error) {
	digest := digestFindings(queries, findings)
	if a.Provider == nil || len(findings) == 0 {
		return digest, nil
	}

	resp, err := a.Provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: researchPrompt(a.Now())},
			{Role: "user", Content: "Summarize these search results for the email reply.\n\n" + digest},
		},
	})
	if err != nil {
		return "", fmt.Errorf("research summary LLM error: %w", err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return digest, nil
	}
	return "# Research Summary\n\n" + content + "\n\n## Sources\n" + sourceList(findings), nil
}

func digestFindings(queries []string, findings []finding) string {
	var sb strings.Builder
	sb.WriteString("# Research Summary\n\n")
	if len(findings) == 0 {
		fmt.Fprintf(&sb, "No results found for: %s\n", strings.Join(queries, "; "))
		return sb.String()
	}
	for _, q := range queries {
		fmt.Fprintf(&sb, "## %s\n", q)
		n := 0
		for _, f := range findings {
			if f.query != q {
				continue
			}
			fmt.Fprintf(&sb, "- **%s**: %s\n", f.result.Title, f.result.Snippet)
			n++
		}
		if n == 0 {
			sb.WriteString("- no results\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("## Sources\n")
	sb.WriteString(sourceList(findings))
	return sb.String()
}

func sourceList(findings []finding) string {
	var sb strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&sb, "- %s (%s) -> %s\n", f.result.Title, f.result.URL, f.path)
	}
	return sb.String()
}
