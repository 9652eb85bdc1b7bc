package render

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/devpipeline/internal/task"
)

// Border styles
var (
	StyleBorder = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(0, 1)
)

// State styles
var (
	StyleStateRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStateSucceeded = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStateFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStateWaiting = lipgloss.NewStyle().
				Foreground(lipgloss.Color("magenta"))

	StyleStatePending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Underline(true)

	StyleMuted = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// executorStyles colours executor classes.
var executorStyles = map[task.ExecutorClass]lipgloss.Style{
	task.ExecutorAutomated: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	task.ExecutorHybrid:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	task.ExecutorHuman:     lipgloss.NewStyle().Foreground(lipgloss.Color("170")),
}

// StateStyle returns the style used for s.
func StateStyle(s task.State) lipgloss.Style {
	switch s {
	case task.StateSucceeded:
		return StyleStateSucceeded
	case task.StateFailed, task.StateRolledBack:
		return StyleStateFailed
	case task.StateBlocked, task.StateReviewing:
		return StyleStateWaiting
	case task.StatePending, task.StateReady:
		return StyleStatePending
	default:
		return StyleStateRunning
	}
}
