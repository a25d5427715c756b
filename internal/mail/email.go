// Package mail provides the email type, its file codec, and mailbox sources.
package mail

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidEmail is returned when an email is missing required fields.
var ErrInvalidEmail = errors.New("invalid email")

// Content types understood by the codec.
const (
	ContentTypeText = "text/plain"
	ContentTypeHTML = "text/html"
)

// Email is an incoming message. It is not modified after loading.
type Email struct {
	ID          string    `yaml:"id" json:"id"`
	From        string    `yaml:"from" json:"from"`
	Subject     string    `yaml:"subject" json:"subject"`
	ReceivedAt  time.Time `yaml:"received_at" json:"received_at"`
	ContentType string    `yaml:"content_type,omitempty" json:"content_type,omitempty"`
	Body        string    `yaml:"-" json:"body"`
}

// Validate checks that the email can be processed.
func (e *Email) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil email", ErrInvalidEmail)
	}
	if strings.TrimSpace(e.From) == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidEmail)
	}
	if strings.TrimSpace(e.Subject) == "" && strings.TrimSpace(e.Body) == "" {
		return fmt.Errorf("%w: subject and body are both empty", ErrInvalidEmail)
	}
	if e.ReceivedAt.IsZero() {
		return fmt.Errorf("%w: missing received_at", ErrInvalidEmail)
	}
	return nil
}

// Parse decodes an email from markdown with YAML frontmatter:
//
//	---
//	id: email_002
//	from: sarah.smith@startup.io
//	subject: Research Collaboration Inquiry
//	received_at: 2026-01-14T14:15:00Z
//	---
//	Body text...
//
// HTML bodies are converted to plain text.
func Parse(content string) (*Email, error) {
	frontmatter, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}

	e := &Email{}
	if err := yaml.Unmarshal([]byte(frontmatter), e); err != nil {
		return nil, fmt.Errorf("%w: invalid frontmatter: %v", ErrInvalidEmail, err)
	}

	body = strings.TrimSpace(body)
	if strings.EqualFold(e.ContentType, ContentTypeHTML) {
		body, err = HTMLToText(body)
		if err != nil {
			return nil, fmt.Errorf("%w: html body: %v", ErrInvalidEmail, err)
		}
		e.ContentType = ContentTypeText
	}
	e.Body = body

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Render encodes the email in the format Parse reads.
func Render(e *Email) (string, error) {
	fm, err := yaml.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal frontmatter: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(fm)
	sb.WriteString("---\n")
	sb.WriteString(e.Body)
	sb.WriteString("\n")
	return sb.String(), nil
}

// splitFrontmatter extracts YAML frontmatter from markdown.
func splitFrontmatter(content string) (frontmatter, body string, err error) {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), nil
		}
	}
	return "", "", fmt.Errorf("unterminated frontmatter")
}
