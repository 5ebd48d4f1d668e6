package components

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/vibestack/syncd/internal/metrics"
)

var throughputValueStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFFFF"))

// RenderThroughput renders the throughput counters.
func RenderThroughput(snap metrics.Snapshot, width int) string {
	changesPerSec := throughputValueStyle.Render(fmt.Sprintf("%.0f changes/s", snap.ChangesPerSec))
	bytesPerSec := throughputValueStyle.Render(formatBytes(int64(snap.BytesPerSec)) + "/s")
	totalChanges := formatCount(snap.TotalChanges)
	totalBytes := formatBytes(snap.TotalBytes)

	errStr := ""
	if snap.ErrorCount > 0 {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
		errStr = fmt.Sprintf("  Errors: %s", errStyle.Render(fmt.Sprintf("%d", snap.ErrorCount)))
	}

	return fmt.Sprintf("  %s  |  %s  |  Total: %s changes, %s%s",
		changesPerSec, bytesPerSec, totalChanges, totalBytes, errStr)
}
