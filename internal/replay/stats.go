package replay

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/khzouhair/deep-agent-email-assistant/internal/session"
)

// Stats holds aggregate statistics for a run.
type Stats struct {
	TotalDurationMs int64

	// Per-TODO delegation durations
	TodoDurations map[string]int64

	Delegations  int
	Failed       int
	Attempts     int
	Retries      int
	Skipped      int
	FilesWritten int
}

// ComputeStats calculates aggregate statistics from run events.
func ComputeStats(sess *session.Session) *Stats {
	stats := &Stats{
		TodoDurations: make(map[string]int64),
	}

	var firstEvent, lastEvent time.Time
	attemptsByCorr := make(map[string]int)

	for _, event := range sess.Snapshot() {
		if firstEvent.IsZero() || event.Timestamp.Before(firstEvent) {
			firstEvent = event.Timestamp
		}
		if lastEvent.IsZero() || event.Timestamp.After(lastEvent) {
			lastEvent = event.Timestamp
		}

		switch event.Type {
		case session.EventRunEnd:
			if event.DurationMs > 0 {
				stats.TotalDurationMs = event.DurationMs
			}
		case session.EventDelegationAttempt:
			stats.Attempts++
			attemptsByCorr[event.CorrelationID]++
		case session.EventDelegationEnd:
			stats.Delegations++
			if event.Success != nil && !*event.Success {
				stats.Failed++
			}
			if event.Todo != "" {
				stats.TodoDurations[event.Todo] += event.DurationMs
			}
		case session.EventTodoSkipped:
			stats.Skipped++
		case session.EventFileWrite:
			stats.FilesWritten++
		}
	}

	for _, n := range attemptsByCorr {
		if n > 1 {
			stats.Retries += n - 1
		}
	}
	if stats.TotalDurationMs == 0 && !firstEvent.IsZero() {
		stats.TotalDurationMs = lastEvent.Sub(firstEvent).Milliseconds()
	}
	return stats
}

// PrintStats prints statistics in a formatted way.
func PrintStats(w io.Writer, stats *Stats) {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Total Duration:"), valueStyle.Render(formatDuration(stats.TotalDurationMs)))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Delegations:   "),
		valueStyle.Render(fmt.Sprintf("%d (%d failed, %d attempts, %d retries)", stats.Delegations, stats.Failed, stats.Attempts, stats.Retries)))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Skipped TODOs: "), valueStyle.Render(fmt.Sprintf("%d", stats.Skipped)))
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("Files written: "), valueStyle.Render(fmt.Sprintf("%d", stats.FilesWritten)))

	if len(stats.TodoDurations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, headerStyle.Render("Delegation Durations:"))
		var todos []string
		for t := range stats.TodoDurations {
			todos = append(todos, t)
		}
		sort.Strings(todos)
		for _, t := range todos {
			fmt.Fprintf(w, "  %s %s\n", labelStyle.Render(t+":"), valueStyle.Render(formatDuration(stats.TodoDurations[t])))
		}
	}
}

func formatDuration(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	if ms < 60000 {
		return fmt.Sprintf("%.2fs", float64(ms)/1000)
	}
	mins := ms / 60000
	secs := (ms % 60000) / 1000
	return fmt.Sprintf("%dm%ds", mins, secs)
}
