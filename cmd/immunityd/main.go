package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetimmune/fleetimmune/internal/analytics"
	"github.com/fleetimmune/fleetimmune/internal/api"
	"github.com/fleetimmune/fleetimmune/internal/catalog"
	"github.com/fleetimmune/fleetimmune/internal/config"
	"github.com/fleetimmune/fleetimmune/internal/delivery"
	"github.com/fleetimmune/fleetimmune/internal/events"
	"github.com/fleetimmune/fleetimmune/internal/fleet"
	"github.com/fleetimmune/fleetimmune/internal/intake"
	"github.com/fleetimmune/fleetimmune/internal/logging"
	"github.com/fleetimmune/fleetimmune/internal/metrics"
	"github.com/fleetimmune/fleetimmune/internal/patchstore"
	"github.com/fleetimmune/fleetimmune/internal/propagate"
	"github.com/fleetimmune/fleetimmune/internal/synth"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger := logging.New("immunityd", cfg.LogLevel)
	logger.Info("Starting fleet immunity engine",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"catalog_dir", cfg.CatalogDir,
		"patch_ttl", cfg.PatchTTL)

	m := metrics.New(prometheus.DefaultRegisterer)

	// NATS is optional: without it events are dropped and deliveries loop
	// back locally, which is the dev-mode configuration.
	var publisher events.Publisher = events.NopPublisher{}
	deliver := delivery.Loopback(logger)
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			logger.Error("Failed to connect to NATS", "url", cfg.NATSURL, "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		logger.Info("NATS connected", "url", cfg.NATSURL)

		publisher = events.NewNATSPublisher(nc, logger, m)
		deliverer, err := delivery.NewNATSDeliverer(nc, logger)
		if err != nil {
			logger.Error("Failed to create NATS deliverer", "error", err)
			os.Exit(1)
		}
		deliver = deliverer.Deliver
	}

	cat := catalog.New(logger)
	if cfg.CatalogDir != "" {
		if err := cat.LoadDir(cfg.CatalogDir); err != nil {
			logger.Warn("Signature catalog unavailable, running on heuristics only", "error", err)
		}
	}

	registry := fleet.NewRegistry(fleet.Config{
		DegradedThreshold:   cfg.DegradedThreshold,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		MaxWorkersPerRegion: cfg.MaxWorkersPerRegion,
	}, logger, publisher)

	store := patchstore.New(cfg.PatchRetention, logger)
	synthesizer := synth.New(synth.Config{PatchTTL: cfg.PatchTTL}, logger)
	history := propagate.NewHistory(cfg.MaxPropagationHistory)

	coordinator := propagate.NewCoordinator(propagate.Config{
		DeliveryTimeout: cfg.DeliveryTimeout,
		Ceiling:         cfg.PropagationCeiling,
	}, registry, store, deliver, history, logger, m, publisher)

	gateway := intake.NewGateway(intake.Config{
		DedupeCooldown:      cfg.DedupeCooldown,
		MaxDetectionHistory: cfg.MaxDetectionHistory,
	}, registry, cat, synthesizer, store, coordinator, logger, m, publisher)

	schema, err := intake.NewSchemaValidator()
	if err != nil {
		logger.Error("Failed to compile detection schema", "error", err)
		os.Exit(1)
	}

	view := analytics.NewView(registry, store, gateway, history)
	server := api.NewServer(gateway, registry, store, view, history, schema, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runSweeps(ctx, cfg, registry, store)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	logger.Info("Engine stopped")
}

// runSweeps drives the periodic heartbeat-timeout and patch-retention
// sweeps until the context is cancelled.
func runSweeps(ctx context.Context, cfg *config.Config, registry *fleet.Registry, store *patchstore.Store) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			registry.SweepOffline(now)
			store.Sweep(now)
		}
	}
}
