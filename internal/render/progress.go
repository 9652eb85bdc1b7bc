package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/devpipeline/internal/task"
)

// Counts summarises a task set by coarse state.
type Counts struct {
	Total     int
	Succeeded int
	Active    int
	Waiting   int
	Failed    int
	Pending   int
}

// Count buckets tasks by state. Blocked and reviewing tasks are waiting on a
// person.
func Count(tasks []*task.Task) Counts {
	var c Counts
	for _, t := range tasks {
		c.Total++
		switch t.State {
		case task.StateSucceeded:
			c.Succeeded++
		case task.StateFailed, task.StateRolledBack:
			c.Failed++
		case task.StateBlocked, task.StateReviewing:
			c.Waiting++
		case task.StatePending, task.StateReady:
			c.Pending++
		default:
			c.Active++
		}
	}
	return c
}

// Progress renders the counts and a progress bar of the given width.
func Progress(tasks []*task.Task, width int) string {
	c := Count(tasks)

	var b strings.Builder
	title := StyleTitle.Render("Pipeline Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", c.Total)
	fmt.Fprintf(&b, "Succeeded: %s\n", StyleStateSucceeded.Render(fmt.Sprint(c.Succeeded)))
	fmt.Fprintf(&b, "Active:    %s\n", StyleStateRunning.Render(fmt.Sprint(c.Active)))
	fmt.Fprintf(&b, "Waiting:   %s\n", StyleStateWaiting.Render(fmt.Sprint(c.Waiting)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStateFailed.Render(fmt.Sprint(c.Failed)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatePending.Render(fmt.Sprint(c.Pending)))

	if c.Total > 0 {
		barWidth := max(min(width-4, 40), 10)
		done := c.Succeeded * barWidth / c.Total
		failed := c.Failed * barWidth / c.Total
		active := (c.Active + c.Waiting) * barWidth / c.Total
		rest := barWidth - done - failed - active

		bar := StyleStateSucceeded.Render(strings.Repeat("=", done))
		bar += StyleStateFailed.Render(strings.Repeat("!", failed))
		bar += StyleStateRunning.Render(strings.Repeat("-", active))
		bar += StyleStatePending.Render(strings.Repeat(".", max(0, rest)))
		fmt.Fprintf(&b, "\n[%s]  %d/%d\n", bar, c.Succeeded, c.Total)
	}

	return StyleBorder.Render(strings.TrimRight(b.String(), "\n"))
}
