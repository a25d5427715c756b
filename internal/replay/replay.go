package replay

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/khzouhair/deep-agent-email-assistant/internal/session"
)

// Replayer reads and formats run logs.
type Replayer struct {
	output    io.Writer
	verbosity int // 0=normal, 1=verbose (-v)
	width     int // wrap width for content blocks
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithWidth sets the wrap width for event content.
func WithWidth(width int) ReplayerOption {
	return func(r *Replayer) {
		if width > 20 {
			r.width = width
		}
	}
}

// New creates a new Replayer.
func New(output io.Writer, verbosity int, opts ...ReplayerOption) *Replayer {
	r := &Replayer{
		output:    output,
		verbosity: verbosity,
		width:     80,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReplayFile loads and replays a run log.
func (r *Replayer) ReplayFile(path string) error {
	sess, err := session.LoadFile(path)
	if err != nil {
		return err
	}
	return r.Replay(sess)
}

// ReplayFiles replays several run logs, oldest first.
func (r *Replayer) ReplayFiles(paths []string) error {
	var sessions []*session.Session
	for _, p := range paths {
		sess, err := session.LoadFile(p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		sessions = append(sessions, sess)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	for _, sess := range sessions {
		if err := r.Replay(sess); err != nil {
			return err
		}
	}
	return nil
}

// Replay outputs a formatted timeline of run events.
func (r *Replayer) Replay(sess *session.Session) error {
	r.printHeader(sess)
	r.printTimeline(sess)
	r.printSummary(sess)
	return nil
}

func (r *Replayer) printHeader(sess *session.Session) {
	fmt.Fprintln(r.output)
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("RUN"), valueStyle.Render(sess.ID))
	fmt.Fprintln(r.output, divider)
	if sess.EmailSubject != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Subject:"), valueStyle.Render(sess.EmailSubject))
	}
	if sess.EmailID != "" {
		fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Email:  "), valueStyle.Render(sess.EmailID))
	}
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Status: "), statusStyle(sess.Status).Render(sess.Status))
	fmt.Fprintf(r.output, "%s %s\n", labelStyle.Render("Created:"), valueStyle.Render(sess.CreatedAt.Format(time.RFC3339)))
	fmt.Fprintln(r.output)
}

func (r *Replayer) printTimeline(sess *session.Session) {
	events := sess.Snapshot()
	fmt.Fprintf(r.output, "%s %s\n", titleStyle.Render("TIMELINE"), dimStyle.Render(fmt.Sprintf("(%d events)", len(events))))
	fmt.Fprintln(r.output, divider)
	for i := range events {
		r.formatEvent(&events[i])
	}
}

func (r *Replayer) printSummary(sess *session.Session) {
	fmt.Fprintln(r.output)
	fmt.Fprintln(r.output, divider)

	switch sess.Status {
	case session.StatusCompleted:
		fmt.Fprintln(r.output, successStyle.Render("COMPLETED"))
	case session.StatusFailed:
		fmt.Fprintf(r.output, "%s %s\n", errorStyle.Render("FAILED:"), valueStyle.Render(sess.Error))
	default:
		fmt.Fprintln(r.output, warnStyle.Render("RUNNING"))
	}
	PrintStats(r.output, ComputeStats(sess))
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case session.StatusCompleted:
		return successStyle
	case session.StatusFailed:
		return errorStyle
	default:
		return warnStyle
	}
}

func outcome(success *bool) string {
	switch {
	case success == nil:
		return ""
	case *success:
		return successStyle.Render("✓")
	default:
		return errorStyle.Render("✗")
	}
}

// formatEvent formats a single event for display.
func (r *Replayer) formatEvent(event *session.Event) {
	ts := timeStyle.Render(event.Timestamp.Format("15:04:05"))
	seq := seqStyle.Render(fmt.Sprintf("%d", event.SeqID))
	line := func(format string, args ...interface{}) {
		fmt.Fprintf(r.output, "%s │ %s │ %s\n", seq, ts, fmt.Sprintf(format, args...))
	}

	switch event.Type {
	case session.EventRunStart:
		line("%s %s", flowStyle.Render("RUN START"), valueStyle.Render(event.Content))

	case session.EventRunEnd:
		line("%s %s %s", flowStyle.Render("RUN END"), outcome(event.Success),
			dimStyle.Render(fmt.Sprintf("(%s, %s)", event.Phase, formatDuration(event.DurationMs))))
		if event.Error != "" {
			r.printError(event.Error)
		}

	case session.EventPhase:
		from := ""
		if event.Meta != nil && event.Meta["from"] != "" {
			from = dimStyle.Render(event.Meta["from"]) + " → "
		}
		line("%s %s%s", flowStyle.Render("PHASE"), from, valueStyle.Render(event.Phase))

	case session.EventAnalysis:
		line("%s intent=%s research=%s", planStyle.Render("ANALYSIS"),
			valueStyle.Render(event.Meta["intent"]), valueStyle.Render(event.Meta["needs_research"]))
		if r.verbosity >= 1 && event.Content != "" {
			r.printContent(event.Content)
		}

	case session.EventTodoAdded:
		flags := []string{"priority " + event.Meta["priority"]}
		if event.Meta["critical"] == "true" {
			flags = append(flags, "critical")
		}
		if deps := event.Meta["depends_on"]; deps != "" {
			flags = append(flags, "depends on "+deps)
		}
		if after := event.Meta["after"]; after != "" {
			flags = append(flags, "after "+after)
		}
		line("%s %s %s", planStyle.Render("TODO"), valueStyle.Render(event.Todo),
			dimStyle.Render("["+strings.Join(flags, ", ")+"]"))
		if r.verbosity >= 1 && event.Content != "" {
			r.printContent(event.Content)
		}

	case session.EventTodoSkipped:
		line("%s %s %s", warnStyle.Render("SKIP"), valueStyle.Render(event.Todo), dimStyle.Render(event.Meta["reason"]))

	case session.EventDelegationStart:
		line("%s %s → %s", delegationStyle.Render("DELEGATE"), valueStyle.Render(event.Todo), delegationStyle.Render(event.Agent))
		if r.verbosity >= 1 && event.Content != "" {
			r.printContent(event.Content)
		}

	case session.EventDelegationAttempt:
		line("%s #%d %s %s", delegationStyle.Render("  attempt"), event.Attempt, outcome(event.Success),
			dimStyle.Render(formatDuration(event.DurationMs)))
		if event.Error != "" {
			r.printError(event.Error)
		}

	case session.EventDelegationEnd:
		line("%s %s %s %s", delegationStyle.Render("DONE"), valueStyle.Render(event.Todo), outcome(event.Success),
			dimStyle.Render(formatDuration(event.DurationMs)))
		if r.verbosity >= 1 && event.Content != "" {
			r.printContent(event.Content)
		}
		if event.Error != "" {
			r.printError(event.Error)
		}

	case session.EventFileWrite:
		line("%s %s %s", fileStyle.Render("WRITE"), valueStyle.Render(event.Path), dimStyle.Render(event.Agent))

	case session.EventCancel:
		line("%s %s", warnStyle.Render("CANCEL"), valueStyle.Render(event.Content))

	case session.EventExport:
		line("%s %s %s", flowStyle.Render("EXPORT"), valueStyle.Render(event.Path), outcome(event.Success))
		if event.Error != "" {
			r.printError(event.Error)
		}

	default:
		line("%s", dimStyle.Render(event.Type))
	}
}

// printContent prints verbose content wrapped under the timeline.
func (r *Replayer) printContent(content string) {
	wrapped := wordwrap.String(content, r.width)
	for _, l := range strings.Split(strings.TrimRight(wrapped, "\n"), "\n") {
		fmt.Fprintf(r.output, "      │          │   %s\n", dimStyle.Render(l))
	}
}

// printError prints an error.
func (r *Replayer) printError(err string) {
	for _, l := range strings.Split(wordwrap.String(err, r.width), "\n") {
		fmt.Fprintf(r.output, "      │          │   %s\n", errorStyle.Render(l))
	}
}
