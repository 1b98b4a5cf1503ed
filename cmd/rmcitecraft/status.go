package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/miams/rmcitecraft/internal/config"
	"github.com/miams/rmcitecraft/internal/statestore"
	"github.com/miams/rmcitecraft/internal/types"
)

var (
	statusKind   string
	statusLimit  int
	statusFormat string
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "views",
	Short:   "Show recent batch sessions and their progress",
	Long: `Show the most recent census/findagrave sessions from the ephemeral batch
state store: status, item counts, and timing. Use --format md for a
glamour-rendered Markdown report instead of styled plain text.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusKind, "kind", "", "restrict to one kind: census or findagrave")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "how many recent sessions to show")
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "output format: text or md (ignored with --json)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	state, err := statestore.Open(config.StateDBPath())
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer state.Close()

	sessions, err := state.ListSessions(rootCtx, types.SessionKind(statusKind), statusLimit)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if jsonOutput {
		outputJSON(map[string]interface{}{"sessions": sessions})
		return nil
	}

	if statusFormat == "md" {
		rendered, err := glamour.Render(statusMarkdown(sessions), "dark")
		if err != nil {
			return fmt.Errorf("render markdown: %w", err)
		}
		fmt.Print(rendered)
		return nil
	}

	printStatusText(sessions)
	return nil
}

func statusMarkdown(sessions []types.Session) string {
	var b strings.Builder
	b.WriteString("# rmcitecraft batch status\n\n")
	if len(sessions) == 0 {
		b.WriteString("_no sessions recorded_\n")
		return b.String()
	}
	b.WriteString("| Session | Kind | Status | Completed | Errored | Skipped | Total | Hours |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "| %s | %s | %s | %d | %d | %d | %d | %.1f |\n",
			shortID(s.ID), s.Kind, s.Status, s.Completed, s.Errored, s.Skipped, s.Total, s.DurationHours)
	}
	return b.String()
}

var (
	statusHeaderStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	statusRunningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	statusPausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	statusFailedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func printStatusText(sessions []types.Session) {
	fmt.Println(statusHeaderStyle.Render("rmcitecraft batch status"))
	if len(sessions) == 0 {
		fmt.Println("no sessions recorded")
		return
	}
	for _, s := range sessions {
		fmt.Printf("%s  %-10s  %-14s  %d/%d complete, %d errored, %d skipped  (%.1fh)\n",
			shortID(s.ID), s.Kind, styledStatus(s.Status), s.Completed, s.Total, s.Errored, s.Skipped, s.DurationHours)
	}
}

func styledStatus(status types.SessionStatus) string {
	switch status {
	case types.SessionRunning:
		return statusRunningStyle.Render(string(status))
	case types.SessionPaused:
		return statusPausedStyle.Render(string(status))
	case types.SessionFailed:
		return statusFailedStyle.Render(string(status))
	default:
		return string(status)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
