// Package ui renders targets, runs, and results for the CLI. Styling is
// downgraded to plain text when stdout is not a terminal or the terminal
// reports no color support, so output stays pipe- and script-friendly.
package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/mintwell/ledgersync/internal/engine"
	"github.com/mintwell/ledgersync/internal/store"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	faintStyle  = lipgloss.NewStyle().Faint(true)

	statusStyles = map[store.Status]lipgloss.Style{
		store.StatusActive:         lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		store.StatusError:          lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		store.StatusReauthRequired: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		store.StatusInactive:       faintStyle,
	}

	outcomeStyles = map[string]lipgloss.Style{
		string(engine.OutcomeSuccess):  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		string(engine.OutcomeLockBusy): lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		string(engine.OutcomeFailed):   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
)

// styled reports whether output should carry ANSI styling.
func styled() bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}

// terminalWidth returns the usable width, defaulting to 100 columns when
// stdout is not a terminal.
func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		return w
	}
	return 100
}

func render(style lipgloss.Style, s string) string {
	if !styled() {
		return s
	}
	return style.Render(s)
}

// StatusBadge returns the styled status label for a target.
func StatusBadge(status store.Status) string {
	style, ok := statusStyles[status]
	if !ok {
		return string(status)
	}
	return render(style, string(status))
}

// RenderTargets formats targets as a table.
func RenderTargets(targets []*store.SyncTarget) string {
	if len(targets) == 0 {
		return render(faintStyle, "no targets") + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", render(headerStyle,
		fmt.Sprintf("%-20s %-16s %-20s %-20s %s", "TARGET", "STATUS", "LAST SUCCESS", "LAST ATTEMPT", "ERROR")))
	for _, target := range targets {
		errText := target.ErrorCode
		if errText != "" && target.ErrorMessage != "" {
			errText += ": " + clamp(target.ErrorMessage, terminalWidth()-80)
		}
		fmt.Fprintf(&b, "%-20s %-16s %-20s %-20s %s\n",
			clamp(target.TargetID, 20),
			StatusBadge(target.Status),
			formatTimePtr(target.LastSuccessAt),
			formatTimePtr(target.LastAttemptAt),
			errText)
	}
	return b.String()
}

// RenderRuns formats journal rows as a table, newest first.
func RenderRuns(runs []*store.SyncRun) string {
	if len(runs) == 0 {
		return render(faintStyle, "no runs") + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", render(headerStyle,
		fmt.Sprintf("%-20s %-20s %-10s %5s %5s %5s %5s %4s  %s", "TARGET", "STARTED", "OUTCOME", "ADD", "MOD", "DEL", "SKIP", "RST", "ERROR")))
	for _, run := range runs {
		style, ok := outcomeStyles[run.Outcome]
		outcome := run.Outcome
		if ok {
			outcome = render(style, fmt.Sprintf("%-10s", run.Outcome))
		} else {
			outcome = fmt.Sprintf("%-10s", outcome)
		}
		fmt.Fprintf(&b, "%-20s %-20s %s %5d %5d %5d %5d %4d  %s\n",
			clamp(run.TargetID, 20),
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			outcome,
			run.Added, run.Modified, run.Removed, run.Skipped, run.Restarts,
			run.ErrorCode)
	}
	return b.String()
}

// RenderResult formats a finished run for the sync command.
func RenderResult(result *engine.RunResult) string {
	var b strings.Builder

	switch result.Outcome {
	case engine.OutcomeLockBusy:
		fmt.Fprintf(&b, "%s %s: already syncing elsewhere\n",
			render(outcomeStyles[string(result.Outcome)], "busy"), result.TargetID)
		return b.String()
	case engine.OutcomeFailed:
		fmt.Fprintf(&b, "%s %s: %s\n",
			render(outcomeStyles[string(result.Outcome)], "failed"), result.TargetID, result.ErrorCode)
		if result.ErrorMessage != "" {
			fmt.Fprintf(&b, "  %s\n", clamp(result.ErrorMessage, terminalWidth()-2))
		}
		return b.String()
	}

	fmt.Fprintf(&b, "%s %s: +%d ~%d -%d (skipped %d) over %d page(s)",
		render(outcomeStyles[string(result.Outcome)], "synced"),
		result.TargetID,
		result.Counts.Added, result.Counts.Modified, result.Counts.Removed,
		result.Counts.Skipped, result.Pages)
	if result.Restarts > 0 {
		fmt.Fprintf(&b, ", %d restart(s)", result.Restarts)
	}
	fmt.Fprintf(&b, " in %s\n", result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&b, "  cursor: %s\n", render(faintStyle, result.Cursor))
	return b.String()
}

// formatTimePtr renders an optional timestamp, "-" when absent.
func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// clamp truncates s to max runes with an ellipsis.
func clamp(s string, max int) string {
	if max < 4 {
		max = 4
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
