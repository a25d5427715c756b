package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/khzouhair/deep-agent-email-assistant/internal/agents"
	"github.com/khzouhair/deep-agent-email-assistant/internal/export"
	"github.com/khzouhair/deep-agent-email-assistant/internal/mail"
	"github.com/khzouhair/deep-agent-email-assistant/internal/router"
	"github.com/khzouhair/deep-agent-email-assistant/internal/vfs"
)

func failedDocument() *export.Document {
	return &export.Document{
		Status:        export.StatusFailed,
		RunID:         "run-7",
		EmailSubject:  "Research Collaboration Inquiry",
		EmailFrom:     "sarah.smith@startup.io",
		FailureReason: "critical TODO research failed: search backend down",
		Todos: []export.Todo{
			{ID: "research", Description: "Research background", Status: "failed", Reason: "search backend down"},
			{ID: "respond", Description: "Draft a reply", Status: "pending"},
		},
		Files: []string{"email/original.md"},
	}
}

func TestPrintFailure(t *testing.T) {
	var buf bytes.Buffer
	printFailure(&buf, failedDocument())

	out := buf.String()
	for _, want := range []string{
		"Run failed",
		"run-7",
		"sarah.smith@startup.io",
		"critical TODO research failed",
		"research",
		"email/original.md",
		"0 of 2 TODOs done",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPrintSuccess(t *testing.T) {
	body := "Hi Sarah,\n\nThanks for reaching out.\n\nBest regards"
	doc := &export.Document{
		Status:       export.StatusCompleted,
		RunID:        "run-8",
		EmailSubject: "Research Collaboration Inquiry",
		ResponseBody: &body,
		Todos:        []export.Todo{{ID: "respond", Description: "Draft a reply", Status: "done"}},
		Files:        []string{"drafts/reply.md"},
	}

	var buf bytes.Buffer
	printSuccess(&buf, doc, []string{"email_result.json"})
	out := buf.String()
	for _, want := range []string{"Run completed", "Composed response", "Thanks for reaching out.", "drafts/reply.md", "email_result.json"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestPrintAgents(t *testing.T) {
	registry := agents.NewRegistry(agents.NewResponseAgent(nil, ""))
	r := router.New(registry, router.WithRoutes(router.DefaultRoutes()))

	var buf bytes.Buffer
	printAgents(&buf, registry, r)
	out := buf.String()
	for _, want := range []string{"- response: Compose professional email responses", "research, respond, response"} {
		if !strings.Contains(out, want) {
			t.Errorf("agents missing %q:\n%s", want, out)
		}
	}
}

func TestPrintExcerpts(t *testing.T) {
	files := vfs.New()
	var long []string
	for i := 1; i <= excerptLines+3; i++ {
		long = append(long, fmt.Sprintf("line %d", i))
	}
	if err := files.Write("drafts/reply.md", strings.Join(long, "\n")); err != nil {
		t.Fatal(err)
	}
	if err := files.Write("email/original.md", "From: sarah"); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	printExcerpts(&buf, files)
	out := buf.String()
	for _, want := range []string{"File excerpts", "drafts/reply.md", "line 5", "email/original.md", "From: sarah"} {
		if !strings.Contains(out, want) {
			t.Errorf("excerpts missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "line 6") {
		t.Errorf("excerpt not limited to %d lines:\n%s", excerptLines, out)
	}

	buf.Reset()
	printExcerpts(&buf, vfs.New())
	if buf.Len() != 0 {
		t.Errorf("expected no output for an empty store, got %q", buf.String())
	}
}

func TestErrorReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{mail.ErrNoEmail, "no email to process"},
		{fmt.Errorf("%w: missing sender", mail.ErrInvalidEmail), "email rejected"},
		{context.Canceled, "interrupted"},
		{errors.New("disk full"), "disk full"},
	}
	for _, tt := range tests {
		if got := errorReason(tt.err); !strings.Contains(got, tt.want) {
			t.Errorf("errorReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
