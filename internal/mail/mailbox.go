package mail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNoEmail is returned when a mailbox has nothing to process.
var ErrNoEmail = errors.New("mailbox is empty")

// Mailbox supplies the email a run works on.
type Mailbox interface {
	Latest(ctx context.Context) (*Email, error)
}

// StaticMailbox serves a fixed set of emails.
type StaticMailbox struct {
	Emails []Email
}

// NewSampleMailbox returns a mailbox preloaded with two sample messages.
func NewSampleMailbox() *StaticMailbox {
	return &StaticMailbox{Emails: SampleEmails()}
}

// Latest returns the most recently received email.
func (m *StaticMailbox) Latest(ctx context.Context) (*Email, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.Emails) == 0 {
		return nil, ErrNoEmail
	}
	latest := m.Emails[0]
	for _, e := range m.Emails[1:] {
		if e.ReceivedAt.After(latest.ReceivedAt) {
			latest = e
		}
	}
	if err := latest.Validate(); err != nil {
		return nil, err
	}
	return &latest, nil
}

// SampleEmails returns the built-in demo messages.
func SampleEmails() []Email {
	return []Email{
		{
			ID:         "email_001",
			From:       "john.doe@techcorp.com",
			Subject:    "Partnership Proposal - AI Integration",
			ReceivedAt: time.Date(2026, 1, 14, 9, 30, 0, 0, time.UTC),
			Body: `Hi there,

I hope this email finds you well. I'm reaching out from TechCorp regarding a potential partnership opportunity.

We're looking to integrate advanced AI capabilities into our customer service platform, and we've been impressed by your company's work in the field. We currently handle about 50,000 customer inquiries per month and are looking for solutions that can:

1. Automate routine responses
2. Provide intelligent routing
3. Maintain high customer satisfaction

Would you be available for a call next week to discuss this further? We're particularly interested in understanding your pricing models and implementation timelines.

Looking forward to hearing from you.

Best regards,
John Doe
Director of Technology
TechCorp Inc.
john.doe@techcorp.com`,
		},
		{
			ID:         "email_002",
			From:       "sarah.smith@startup.io",
			Subject:    "Research Collaboration Inquiry",
			ReceivedAt: time.Date(2026, 1, 14, 14, 15, 0, 0, time.UTC),
			Body: `Hello,

I'm a PhD student at Stanford researching multi-agent systems and I came across your recent work on context isolation in agent architectures.

I'm wondering if you'd be interested in collaborating on a research paper exploring scalability challenges in production LLM agent deployments. I have some interesting findings from our lab that complement your approach.

Would you be open to a brief discussion about this?

Thanks,
Sarah Smith
PhD Candidate, Computer Science
Stanford University`,
		},
	}
}

// DirMailbox reads email files (markdown with YAML frontmatter) from a directory.
type DirMailbox struct {
	Dir string
}

// NewDirMailbox creates a mailbox over dir.
func NewDirMailbox(dir string) *DirMailbox {
	return &DirMailbox{Dir: dir}
}

// isEmailFile reports whether name looks like an email file.
func isEmailFile(name string) bool {
	return strings.HasSuffix(name, ".md") || strings.HasSuffix(name, ".eml")
}

// Latest parses every email file and returns the most recently received.
// Files that fail to parse are reported together if no valid email remains.
func (m *DirMailbox) Latest(ctx context.Context) (*Email, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read mailbox: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isEmailFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var (
		latest  *Email
		invalid []error
	)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(m.Dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		e, err := Parse(string(data))
		if err != nil {
			invalid = append(invalid, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if e.ID == "" {
			e.ID = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if latest == nil || e.ReceivedAt.After(latest.ReceivedAt) {
			latest = e
		}
	}

	if latest == nil {
		if len(invalid) > 0 {
			return nil, errors.Join(invalid...)
		}
		return nil, ErrNoEmail
	}
	return latest, nil
}

// Wait blocks until the mailbox holds a valid email or ctx is done.
func (m *DirMailbox) Wait(ctx context.Context) (*Email, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.Dir); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", m.Dir, err)
	}

	// Picks up files created before the watch started.
	if e, err := m.Latest(ctx); err == nil {
		return e, nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil, ErrNoEmail
			}
			if !isEmailFile(event.Name) || event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			e, err := m.Latest(ctx)
			if err == nil {
				return e, nil
			}
			// Partially written files fail to parse; keep waiting.
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil, ErrNoEmail
			}
			return nil, fmt.Errorf("watch error: %w", err)
		}
	}
}

// FileMailbox serves a single email file.
type FileMailbox struct {
	Path string
}

// NewFileMailbox creates a mailbox over one file.
func NewFileMailbox(path string) *FileMailbox {
	return &FileMailbox{Path: path}
}

// Latest parses the file. The file name stands in for a missing id.
func (m *FileMailbox) Latest(ctx context.Context) (*Email, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read email: %w", err)
	}
	e, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(m.Path), err)
	}
	if e.ID == "" {
		name := filepath.Base(m.Path)
		e.ID = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return e, nil
}
