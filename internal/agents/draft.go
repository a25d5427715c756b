package agents

import (
	"fmt"
	"strings"
)

const draftFooter = "---\nThis draft is ready for review and sending."

// Draft is a reply ready for review.
type Draft struct {
	To      string
	Subject string
	Body    string
}

// ReplySubject prefixes subject with "Re: " unless it already has one.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// FormatDraft renders a draft with its headers and review footer.
func FormatDraft(d Draft) string {
	return fmt.Sprintf("To: %s\nSubject: %s\n\n%s\n\n%s\n", d.To, d.Subject, strings.TrimSpace(d.Body), draftFooter)
}

// ParseDraft reverses FormatDraft.
func ParseDraft(content string) (Draft, error) {
	head, body, ok := strings.Cut(content, "\n\n")
	if !ok {
		return Draft{}, fmt.Errorf("malformed draft: missing header separator")
	}

	var d Draft
	for _, line := range strings.Split(head, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "To":
			d.To = strings.TrimSpace(value)
		case "Subject":
			d.Subject = strings.TrimSpace(value)
		}
	}
	if d.To == "" {
		return Draft{}, fmt.Errorf("malformed draft: missing To header")
	}

	body = strings.TrimSpace(body)
	body = strings.TrimSpace(strings.TrimSuffix(body, draftFooter))
	d.Body = body
	return d, nil
}
