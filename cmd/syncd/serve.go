package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vibestack/syncd/internal/admin"
	"github.com/vibestack/syncd/internal/db"
	"github.com/vibestack/syncd/internal/dispatcher"
	"github.com/vibestack/syncd/internal/history"
	"github.com/vibestack/syncd/internal/metrics"
	"github.com/vibestack/syncd/internal/session"
	"github.com/vibestack/syncd/internal/tracker"
	"github.com/vibestack/syncd/internal/transport"
	"github.com/vibestack/syncd/internal/tui"
	"github.com/vibestack/syncd/internal/walstream"
	"github.com/vibestack/syncd/pkg/lsn"
)

var serveShowTUI bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Serve starts the WAL ingestor, the fan-out dispatcher, and the
WebSocket/admin HTTP listener. It blocks until the context is cancelled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveShowTUI, "tui", false, "Show terminal dashboard in the foreground while serving")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	database, err := db.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	collector := metrics.NewCollector(logger)
	defer collector.Close()
	collector.SetPhase("starting")

	hist := history.NewStore(database.Pool)
	cursors := session.NewCursorStore(database.Pool)
	trk := tracker.New([]string{"id"}, logger)

	ingestor := walstream.NewIngestor(database.Pool, cfg.Replication.SlotName, cfg.Replication.OutputPlugin,
		cfg.Replication.PollIdleInterval(), cfg.Replication.PollActiveInterval(), logger)

	if _, err := ingestor.EnsureSlot(ctx); err != nil {
		return fmt.Errorf("ensure replication slot: %w", err)
	}

	startCursor, err := hist.MaxLSN(ctx)
	if err != nil {
		return fmt.Errorf("read max history lsn: %w", err)
	}

	disp := dispatcher.New(hist, cursors, startCursor, dispatcher.Config{
		PollIdle:   cfg.Replication.PollIdleInterval(),
		PollActive: cfg.Replication.PollActiveInterval(),
		PageSize:   cfg.Session.BatchMaxRecords,
		StallAfter: cfg.Session.StallTimeout(),
	}, logger)

	sessionCfg := session.Config{
		BatchMaxRecords: cfg.Session.BatchMaxRecords,
		BatchMaxBytes:   cfg.Session.BatchMaxBytes,
		QueueDepth:      cfg.Session.QueueDepth,
		StallTimeout:    cfg.Session.StallTimeout(),
		HeartbeatIdle:   cfg.Session.HeartbeatInterval(),
		OnDelivered: func(clientID string, lastLSN lsn.LSN, records, bytes int) {
			collector.SessionProgressed(clientID, lastLSN, int64(records), int64(bytes))
		},
	}

	newSession := func(clientID string, conn session.Conn) (*session.Session, error) {
		persisted, _, err := cursors.Load(ctx, clientID)
		if err != nil {
			return nil, err
		}

		sess := session.New(clientID, conn, hist, cursors, sessionCfg, logger)
		collector.SessionConnected(clientID)

		go func() {
			defer collector.SessionDisconnected(clientID)
			if err := sess.Run(ctx, persisted); err != nil {
				logger.Warn().Err(err).Str("client_id", clientID).Msg("session ended")
				collector.RecordError(err)
			}
			disp.Unregister(clientID)
		}()

		go watchSessionState(ctx, sess, disp, collector)

		return sess, nil
	}

	persister, err := metrics.NewStatePersister(collector, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("state persister disabled")
	} else {
		persister.Start()
		defer persister.Stop()
	}

	wsHandler := transport.NewHandler(logger, newSession)
	adminHandlers := admin.New(ingestor, hist, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(collector.Snapshot()) //nolint:errcheck
	})
	adminHandlers.Register(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Listen, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 4)

	go func() {
		logger.Info().Str("addr", addr).Msg("admin/ws listener starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		errCh <- disp.Run(ctx)
	}()

	go func() {
		errCh <- ingestor.Run(ctx, func(batchCtx context.Context, batch []walstream.Record) error {
			trk.Observe(batch)
			if err := hist.Append(batchCtx, batch); err != nil {
				return err
			}
			collector.RecordCurrentLSN(batch[len(batch)-1].LSN)
			return nil
		}, func() lsn.LSN {
			min, err := disp.MinDurableCursor(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("compute min durable cursor")
				return lsn.Zero
			}
			return min
		})
	}()

	go runRetention(ctx, hist, cursors, trk, cfg.Replication.HistoryRetention(), logger)

	collector.SetPhase("serving")

	if serveShowTUI {
		go func() {
			if err := tui.Run(collector); err != nil {
				logger.Error().Err(err).Msg("tui exited")
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// watchSessionState mirrors a session's state machine into the metrics
// collector and registers it with the dispatcher once it goes live, so
// fan-out never targets a session still replaying catchup.
func watchSessionState(ctx context.Context, sess *session.Session, disp *dispatcher.Dispatcher, collector *metrics.Collector) {
	last := session.StateConnecting
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state := sess.State()
		if state == last {
			if state == session.StateClosed {
				return
			}
			continue
		}
		last = state

		collector.SessionStateChanged(sess.ClientID, sessionMetricsState(state))
		if state == session.StateLive {
			disp.Register(ctx, sess)
		}
		if state == session.StateClosed {
			return
		}
	}
}

func sessionMetricsState(s session.State) metrics.SessionState {
	switch s {
	case session.StateConnecting:
		return metrics.SessionConnecting
	case session.StateAuthenticated:
		return metrics.SessionAuthenticated
	case session.StateCatchup:
		return metrics.SessionCatchup
	case session.StateLive:
		return metrics.SessionLive
	case session.StateDraining:
		return metrics.SessionDraining
	default:
		return metrics.SessionClosed
	}
}

// runRetention periodically purges change-history rows that no subscriber
// can still need and releases the tracker's in-memory bookkeeping for
// batches that have aged out (§4.C retention).
func runRetention(ctx context.Context, hist *history.Store, cursors *session.CursorStore, trk *tracker.Tracker, retention time.Duration, logger zerolog.Logger) {
	const keepBatches = 10_000

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		minCursor, err := cursors.MinDurableCursor(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("retention: compute min durable cursor")
			continue
		}

		n, err := hist.Purge(ctx, minCursor, retention)
		if err != nil {
			logger.Error().Err(err).Msg("retention: purge history")
			continue
		}
		if n > 0 {
			logger.Info().Int64("rows", n).Msg("retention: purged history rows")
		}

		trk.ReleaseOlderThan(keepBatches)
	}
}
