package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vibestack/syncd/internal/metrics"
)

var (
	tblHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	tblLiveStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	tblCatchupStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	tblDrainStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	tblOtherStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// RenderTables renders the per-client session table: the teacher's
// per-table copy progress table, repurposed to one row per connected
// client session.
func RenderTables(snap metrics.Snapshot, width, maxRows int) string {
	if len(snap.Sessions) == 0 {
		return "  No client sessions"
	}

	var b strings.Builder

	header := fmt.Sprintf("  %-24s %-12s %-18s %s", "Client", "State", "Last Ack LSN", "Delivered")
	b.WriteString(tblHeaderStyle.Render(header))
	b.WriteByte('\n')

	shown := len(snap.Sessions)
	if maxRows > 0 && shown > maxRows {
		shown = maxRows
	}

	for i := 0; i < shown; i++ {
		s := snap.Sessions[i]
		id := s.ClientID
		if len(id) > 22 {
			id = id[:19] + "..."
		}

		var stateStr string
		switch s.State {
		case metrics.SessionLive:
			stateStr = tblLiveStyle.Render("live")
		case metrics.SessionCatchup:
			stateStr = tblCatchupStyle.Render("catchup")
		case metrics.SessionDraining, metrics.SessionClosed:
			stateStr = tblDrainStyle.Render(string(s.State))
		default:
			stateStr = tblOtherStyle.Render(string(s.State))
		}

		lastAck := s.LastAckLSN
		if lastAck == "" {
			lastAck = "-"
		}

		line := fmt.Sprintf("  %-24s %-12s %-18s %s", id, stateStr, lastAck, formatCount(s.ChangesDelivered))
		b.WriteString(line)
		if i < shown-1 {
			b.WriteByte('\n')
		}
	}

	if len(snap.Sessions) > shown {
		b.WriteByte('\n')
		b.WriteString(fmt.Sprintf("  ... and %d more clients", len(snap.Sessions)-shown))
	}

	return b.String()
}

func formatCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
