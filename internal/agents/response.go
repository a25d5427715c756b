package agents

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/khzouhair/deep-agent-email-assistant/internal/mail"
	"github.com/khzouhair/deep-agent-email-assistant/internal/vfs"
)

// ResponseAgent composes the reply draft. It works with or without research.
type ResponseAgent struct {
	Provider  llm.Provider // optional; falls back to a template
	Signature string
	Now       func() time.Time

	logger *logging.Logger
}

// NewResponseAgent creates a response agent.
func NewResponseAgent(provider llm.Provider, signature string) *ResponseAgent {
	if signature == "" {
		signature = "Best regards"
	}
	return &ResponseAgent{
		Provider:  provider,
		Signature: signature,
		Now:       time.Now,
		logger:    logging.New().WithComponent("response-agent"),
	}
}

func (a *ResponseAgent) Capability() Capability { return CapabilityResponse }

func (a *ResponseAgent) Describe() string {
	return "Compose professional email responses"
}

// Directives are the key: value lines a coordinator puts in instructions.
type Directives struct {
	Intent    string
	Questions []string
	Notes     []string
}

// ParseDirectives reads "intent:" and "question:" lines; other lines are notes.
func ParseDirectives(instructions string) Directives {
	var d Directives
	for _, line := range strings.Split(instructions, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		switch {
		case found && strings.EqualFold(strings.TrimSpace(key), "intent"):
			d.Intent = strings.TrimSpace(value)
		case found && strings.EqualFold(strings.TrimSpace(key), "question"):
			d.Questions = append(d.Questions, strings.TrimSpace(value))
		default:
			d.Notes = append(d.Notes, line)
		}
	}
	return d
}

// Execute drafts a reply to the email in the task snapshot.
func (a *ResponseAgent) Execute(ctx context.Context, task Task) (*Result, error) {
	f, ok := task.File(EmailPath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, EmailPath)
	}
	email, err := mail.Parse(f.Content)
	if err != nil {
		return nil, err
	}

	var related []vfs.File
	for _, file := range task.Files {
		if file.Path == EmailPath || strings.HasPrefix(file.Path, DraftsPrefix) {
			continue
		}
		related = append(related, file)
	}
	directives := ParseDirectives(task.Instructions)

	var body string
	if a.Provider != nil {
		body, err = a.compose(ctx, email, directives, related)
		if err != nil {
			return nil, err
		}
	} else {
		body = a.template(email, directives, related)
	}

	draft := FormatDraft(Draft{
		To:      email.From,
		Subject: ReplySubject(email.Subject),
		Body:    body,
	})
	a.logger.Debug("draft composed", map[string]interface{}{
		"to":            email.From,
		"context_files": len(related),
		"llm":           a.Provider != nil,
	})
	return &Result{
		Outputs: []Output{{Path: DraftPath, Content: draft}},
		Summary: fmt.Sprintf("draft reply to %s using %d context file(s)", email.From, len(related)),
	}, nil
}

func (a *ResponseAgent) compose(ctx context.Context, email *mail.Email, d Directives, files []vfs.File) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Email from %s\nSubject: %s\n\n%s\n", email.From, email.Subject, email.Body)
	if d.Intent != "" {
		fmt.Fprintf(&sb, "\nIntent: %s\n", d.Intent)
	}
	for _, q := range d.Questions {
		fmt.Fprintf(&sb, "Question to answer: %s\n", q)
	}
	for _, n := range d.Notes {
		fmt.Fprintf(&sb, "Note: %s\n", n)
	}
	for _, f := range files {
		fmt.Fprintf(&sb, "\n<file path=%q>\n%s\n</file>\n", f.Path, f.Content)
	}

	resp, err := a.Provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: responsePrompt(a.Now())},
			{Role: "user", Content: sb.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("response LLM error: %w", err)
	}
	body := strings.TrimSpace(resp.Content)
	if body == "" {
		return "", fmt.Errorf("response LLM returned an empty draft")
	}
	return body, nil
}

func (a *ResponseAgent) template(email *mail.Email, d Directives, files []vfs.File) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Hi %s,\n\n", FirstName(email.From))

	topic := email.Subject
	if topic == "" {
		topic = "your message"
	} else {
		topic = fmt.Sprintf("%q", topic)
	}
	fmt.Fprintf(&sb, "Thank you for your email regarding %s.", topic)

	var sources []string
	for _, f := range files {
		if f.Path == SummaryPath || !strings.HasPrefix(f.Path, ResearchPrefix) {
			continue
		}
		if title := heading(f.Content); title != "" {
			sources = append(sources, title)
		}
	}
	if len(sources) > 0 {
		sb.WriteString(" I looked into this and found some relevant background:\n\n")
		for _, s := range sources {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	} else {
		sb.WriteString("\n")
	}

	switch d.Intent {
	case "schedule":
		sb.WriteString("\nI'd be glad to find a time to talk. Could you share a few slots that work for you next week?\n")
	case "inquiry":
		sb.WriteString("\nI'll follow up shortly with the specific details you asked about.\n")
	case "acknowledge":
		sb.WriteString("\nI've noted this and will keep it in mind.\n")
	default:
		sb.WriteString("\nI'll review this carefully and get back to you soon.\n")
	}

	fmt.Fprintf(&sb, "\n%s", a.Signature)
	return sb.String()
}

// FirstName guesses a greeting name from an email address.
func FirstName(addr string) string {
	if i := strings.Index(addr, "<"); i >= 0 {
		if name := strings.TrimSpace(strings.Trim(addr[:i], `" `)); name != "" {
			return strings.Fields(name)[0]
		}
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	local, _, _ := strings.Cut(strings.TrimSpace(addr), "@")
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	if len(parts) == 0 {
		return "there"
	}
	runes := []rune(parts[0])
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// heading returns the text of the first markdown heading.
func heading(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			title := strings.TrimSpace(strings.TrimLeft(line, "#"))
			return strings.TrimPrefix(title, "Search Result: ")
		}
	}
	return ""
}
