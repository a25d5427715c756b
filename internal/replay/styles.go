// Package replay renders run logs as a readable timeline.
package replay

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Component color scheme - each component has a distinct, consistent color.
var (
	// Structural / metadata
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - timestamps, metadata

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - labels

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")) // White - values

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")) // White bold - headers

	// Coordinator phases - white
	flowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	// Planning - Yellow
	planStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	// Delegations - Magenta
	delegationStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13"))

	// File store - Blue
	fileStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	// Outcomes
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")) // Red

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")) // Yellow

	// Timeline
	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(5).
			Align(lipgloss.Right)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	divider = lipgloss.NewStyle().
		Foreground(lipgloss.Color("8")).
		Render(strings.Repeat("━", 60))
)
