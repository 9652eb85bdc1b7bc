// Package render formats plans and task summaries for the terminal.
package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/devpipeline/internal/orchestrator"
	"github.com/aristath/devpipeline/internal/task"
)

// Plan writes a dry-run plan grouped by wave.
func Plan(w io.Writer, entries []orchestrator.PlanEntry, now time.Time) error {
	var b strings.Builder
	waves := 0
	for _, e := range entries {
		waves = max(waves, e.Wave+1)
	}

	fmt.Fprintf(&b, "%s\n", StyleTitle.Render(fmt.Sprintf("Plan: %s across %s",
		plural(len(entries), "task"), plural(waves, "wave"))))

	for wave := 0; wave < waves; wave++ {
		fmt.Fprintf(&b, "\n%s\n", StyleHeader.Render(fmt.Sprintf("Wave %d", wave+1)))
		for _, e := range entries {
			if e.Wave != wave {
				continue
			}
			b.WriteString(entry(e, now))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func entry(e orchestrator.PlanEntry, now time.Time) string {
	t := e.Task
	executor := string(e.Decision.Executor)
	if s, ok := executorStyles[e.Decision.Executor]; ok {
		executor = s.Render(executor)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  %s %s\n", lipgloss.NewStyle().Bold(true).Render(t.ID), t.Title)
	fmt.Fprintf(&b, "    executor  %s  composite %.2f  confidence %.2f\n", executor, e.Decision.Composite, e.Decision.Confidence)
	fmt.Fprintf(&b, "    pattern   %s %s\n", e.Pattern, StyleMuted.Render("("+e.Rule+")"))
	fmt.Fprintf(&b, "    stages    %s\n", strings.Join(e.Stages, " → "))
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(&b, "    after     %s\n", strings.Join(t.Dependencies, ", "))
	}
	if est := estimate(t.Estimate); est != "" {
		fmt.Fprintf(&b, "    estimate  %s\n", est)
	}
	if !t.Deadline.IsZero() {
		fmt.Fprintf(&b, "    deadline  %s\n", humanize.RelTime(t.Deadline, now, "ago", "from now"))
	}
	return b.String()
}

func estimate(e task.Estimate) string {
	var parts []string
	if e.Files > 0 {
		parts = append(parts, plural(e.Files, "file"))
	}
	if e.Lines > 0 {
		parts = append(parts, humanize.Comma(int64(e.Lines))+" lines")
	}
	if e.Hours > 0 {
		parts = append(parts, humanize.Ftoa(e.Hours)+"h")
	}
	return strings.Join(parts, ", ")
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return humanize.Comma(int64(n)) + " " + noun + "s"
}
