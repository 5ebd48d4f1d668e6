package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibestack/syncd/internal/metrics"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replication lag and session status",
	Long:  `Status reports the current phase, LSN position, and connected client sessions from the last-persisted state file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := metrics.ReadStateFile()
		if err != nil {
			fmt.Println("No syncd state found. Is a server running?")
			fmt.Printf("  (error: %v)\n", err)
			return nil
		}

		age := time.Since(snap.Timestamp)
		stale := ""
		if age > 10*time.Second {
			stale = fmt.Sprintf(" (stale — %s ago)", age.Truncate(time.Second))
		}

		fmt.Printf("Phase:        %s%s\n", snap.Phase, stale)
		fmt.Printf("Elapsed:      %.0fs\n", snap.ElapsedSec)
		fmt.Printf("Current LSN:  %s\n", snap.CurrentLSN)
		fmt.Printf("Dispatch LSN: %s\n", snap.DispatchLSN)
		fmt.Printf("Lag:          %s\n", snap.LagFormatted)
		fmt.Printf("Sessions:     %d live / %d total\n", snap.SessionsLive, snap.SessionsTotal)
		fmt.Printf("Throughput:   %.0f changes/s, %.0f bytes/s\n", snap.ChangesPerSec, snap.BytesPerSec)
		fmt.Printf("Total:        %d changes, %d bytes\n", snap.TotalChanges, snap.TotalBytes)

		if snap.ErrorCount > 0 {
			fmt.Printf("Errors:       %d (last: %s)\n", snap.ErrorCount, snap.LastError)
		}

		if len(snap.Sessions) > 0 {
			fmt.Println("\nClients:")
			for _, s := range snap.Sessions {
				fmt.Printf("  %-24s %-12s last-ack=%-18s delivered=%d\n",
					s.ClientID, s.State, s.LastAckLSN, s.ChangesDelivered)
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
