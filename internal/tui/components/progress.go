package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vibestack/syncd/internal/metrics"
)

// RenderProgress renders the connected-sessions summary bar.
func RenderProgress(snap metrics.Snapshot, width int) string {
	total := snap.SessionsTotal
	if total == 0 {
		return "  No clients connected"
	}

	live := snap.SessionsLive
	pct := float64(live) / float64(total) * 100

	barWidth := width - 40
	if barWidth < 10 {
		barWidth = 10
	}
	filled := int(float64(barWidth) * pct / 100)
	if filled > barWidth {
		filled = barWidth
	}
	empty := barWidth - filled

	coloredFull := lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Render(strings.Repeat("█", filled))
	coloredEmpty := lipgloss.NewStyle().Foreground(lipgloss.Color("#374151")).Render(strings.Repeat("░", empty))

	return fmt.Sprintf("  Live: %s%s %5.1f%% (%d/%d clients)",
		coloredFull, coloredEmpty, pct, live, total)
}
