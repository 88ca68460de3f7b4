package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/picktrack/fieldsync/internal/api"
	"github.com/picktrack/fieldsync/internal/broadcast"
	"github.com/picktrack/fieldsync/internal/config"
	"github.com/picktrack/fieldsync/internal/dedupe"
	"github.com/picktrack/fieldsync/internal/intake"
	"github.com/picktrack/fieldsync/internal/ledger"
	"github.com/picktrack/fieldsync/internal/models"
	"github.com/picktrack/fieldsync/internal/roster"
	"github.com/picktrack/fieldsync/internal/store"
	"github.com/picktrack/fieldsync/internal/syncer"
	"github.com/picktrack/fieldsync/internal/telemetry"
	"github.com/picktrack/fieldsync/pkg/infra"
	"github.com/picktrack/fieldsync/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(filepath.Join(cfg.DataDir, "fieldsync.db"), logger)
	if err != nil {
		slog.Error("Fatal error opening local store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Rescue anything a previous run left in flight before the worker starts.
	if _, err := st.ResetInFlight(ctx); err != nil {
		slog.Error("Fatal error recovering in-flight items", "error", err)
		os.Exit(1)
	}

	identity, err := st.EnsureDeviceIdentity(ctx)
	if err != nil {
		slog.Error("Fatal error establishing device identity", "error", err)
		os.Exit(1)
	}

	ledgerClient, err := ledger.NewClient(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		slog.Error("Fatal error configuring ledger client", "error", err)
		os.Exit(1)
	}
	defer ledgerClient.Close()

	sink := telemetry.NewSink(st, logger)

	gate := roster.NewGatekeeper(logger)
	if snap, err := st.LoadRoster(ctx, cfg.SiteID); err != nil {
		logger.Warn("Could not load persisted roster cache", "error", err)
	} else if len(snap.Entries) > 0 {
		gate.Update(snap)
	}

	var fanout syncer.Publisher
	var broker *broadcast.Manager
	if cfg.AMQPURL != "" {
		broker = broadcast.NewManager(cfg.AMQPURL, logger)
		go broker.Run(ctx)
		fanout = broker
	}

	worker := syncer.New(syncer.Config{
		Queue:         st,
		Recorder:      ledgerClient,
		Fanout:        fanout,
		Events:        sink,
		Logger:        logger,
		DeviceID:      identity.ID,
		SiteID:        cfg.SiteID,
		DrainInterval: cfg.DrainInterval,
	})
	go worker.Run(ctx)

	filter := dedupe.New(cfg.DebounceWindow)
	intakeSvc := intake.New(st, filter, gate, worker, sink, logger)

	go runProbe(ctx, ledgerClient, worker, st, cfg.ProbeInterval)
	go runRosterRefresh(ctx, ledgerClient, worker, gate, st, cfg.SiteID, cfg.RosterRefresh)
	go runMaintenance(ctx, st, cfg.JournalRetention)

	slog.Info("🚀 Field sync agent started",
		"pid", os.Getpid(),
		"device_id", identity.ID,
		"site_id", cfg.SiteID,
	)

	server := api.NewServer(intakeSvc, st, worker, ledgerClient, logger)
	if err := server.Serve(ctx, cfg.StatusAddr); err != nil {
		slog.Error("Status server failed", "error", err)
	}

	slog.Info("✅ Shutdown complete")
}

// runProbe pings the backend on a timer and flips the worker's online
// flag. The offline-to-online edge is one of the three drain triggers.
func runProbe(ctx context.Context, client *ledger.Client, worker *syncer.Worker, st *store.Store, interval time.Duration) {
	probe := func() {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		err := client.Ping(pingCtx)
		worker.SetOnline(err == nil)
		if err != nil {
			slog.Debug("Backend probe failed", "error", err)
		}

		if pending, err := st.Count(ctx, models.StatePending); err == nil {
			metrics.QueueBacklog.Set(float64(pending))
		}
		if dead, err := st.Count(ctx, models.StateDeadLettered); err == nil {
			metrics.DeadLetters.Set(float64(dead))
		}
	}

	probe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// runRosterRefresh opportunistically refreshes the cached roster while
// online. Failure is non-fatal: the gate just keeps its current view.
func runRosterRefresh(ctx context.Context, client *ledger.Client, worker *syncer.Worker, gate *roster.Gatekeeper, st *store.Store, siteID string, interval time.Duration) {
	refresh := func() {
		if !worker.Online() {
			return
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		snap, err := client.FetchRoster(fetchCtx, siteID)
		if err != nil {
			metrics.RosterRefreshes.WithLabelValues("error").Inc()
			slog.Warn("Roster refresh failed", "error", err)
			return
		}

		gate.Update(snap)
		if err := st.SaveRoster(ctx, snap); err != nil {
			slog.Warn("Failed to persist roster cache", "error", err)
		}
		metrics.RosterRefreshes.WithLabelValues("ok").Inc()
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// runMaintenance is the janitor: prunes the telemetry journal so it never
// grows without bound on device storage.
func runMaintenance(ctx context.Context, st *store.Store, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := st.PruneJournal(ctx, retention); err != nil {
				slog.Error("Janitor: journal prune failed", "error", err)
			} else if n > 0 {
				slog.Info("Janitor: pruned telemetry journal", "removed", n)
			}
		}
	}
}
