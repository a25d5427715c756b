package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/khzouhair/deep-agent-email-assistant/internal/agents"
	"github.com/khzouhair/deep-agent-email-assistant/internal/export"
	"github.com/khzouhair/deep-agent-email-assistant/internal/planner"
	"github.com/khzouhair/deep-agent-email-assistant/internal/router"
	"github.com/khzouhair/deep-agent-email-assistant/internal/vfs"
)

const (
	summaryWidth = 76
	excerptLines = 5
)

var (
	headStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	keyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	skipStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	rule      = keyStyle.Render(strings.Repeat("─", summaryWidth))
)

// printSuccess prints the processed email, the reply, the TODOs and the files.
func printSuccess(w io.Writer, doc *export.Document, targets []string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, okStyle.Render("✓ Run completed"))
	printEmail(w, doc)

	if doc.ResponseBody != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headStyle.Render("Composed response"))
		fmt.Fprintln(w, block(*doc.ResponseBody))
	}
	printTodos(w, doc)
	printFiles(w, doc)
	if len(targets) > 0 {
		fmt.Fprintf(w, "\n%s %s\n", keyStyle.Render("Exported to:"), strings.Join(targets, ", "))
	}
	fmt.Fprintln(w, rule)
}

// printFailure prints a structured failure report instead of the raw error.
func printFailure(w io.Writer, doc *export.Document) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, badStyle.Render("✗ Run failed"))
	printEmail(w, doc)
	fmt.Fprintf(w, "%s\n%s\n", keyStyle.Render("Reason:"), block(doc.FailureReason))
	printTodos(w, doc)
	printFiles(w, doc)
	fmt.Fprintf(w, "\n%s %d of %d TODOs done\n", keyStyle.Render("Partial result:"), doc.Done(), len(doc.Todos))
	fmt.Fprintln(w, rule)
}

// printFetchError reports a run that never started.
func printFetchError(w io.Writer, err error) {
	fmt.Fprintln(w, badStyle.Render("✗ Run failed"))
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Reason:"), errorReason(err))
}

func printEmail(w io.Writer, doc *export.Document) {
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Run:    "), doc.RunID)
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("From:   "), doc.EmailFrom)
	fmt.Fprintf(w, "%s %s\n", keyStyle.Render("Subject:"), doc.EmailSubject)
}

func printTodos(w io.Writer, doc *export.Document) {
	if len(doc.Todos) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, headStyle.Render("TODOs"))
	for _, t := range doc.Todos {
		line := fmt.Sprintf("  %s %-10s %s", todoMark(t.Status), t.ID, t.Description)
		if t.Reason != "" {
			line += keyStyle.Render(" (" + t.Reason + ")")
		}
		fmt.Fprintln(w, line)
	}
}

func printFiles(w io.Writer, doc *export.Document) {
	if len(doc.Files) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, headStyle.Render("Files"))
	for _, f := range doc.Files {
		fmt.Fprintf(w, "  %s\n", f)
	}
}

// printAgents lists the registered agents and the categories routed to them.
func printAgents(w io.Writer, registry *agents.Registry, r *router.Router) {
	fmt.Fprintln(w, headStyle.Render("Agents"))
	fmt.Fprint(w, indent.String(registry.Describe(), 2))
	fmt.Fprintf(w, "%s %s\n\n", keyStyle.Render("Routes:"), strings.Join(r.Routes(), ", "))
}

// printExcerpts shows the first lines of every file the run wrote.
func printExcerpts(w io.Writer, files *vfs.Store) {
	paths := files.List("")
	if len(paths) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, headStyle.Render("File excerpts"))
	for _, p := range paths {
		excerpt, err := files.ReadLines(p, 0, excerptLines)
		if err != nil || excerpt == "" {
			continue
		}
		fmt.Fprintf(w, "  %s\n%s\n", keyStyle.Render(p), indent.String(excerpt, 2))
	}
}

func todoMark(status string) string {
	switch planner.Status(status) {
	case planner.StatusDone:
		return okStyle.Render("✓")
	case planner.StatusFailed:
		return badStyle.Render("✗")
	case planner.StatusSkipped:
		return skipStyle.Render("–")
	default:
		return keyStyle.Render("·")
	}
}

// block wraps and indents free text.
func block(s string) string {
	return indent.String(wordwrap.String(strings.TrimSpace(s), summaryWidth-2), 2)
}
