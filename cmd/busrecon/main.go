// busrecon - CAN bus ECU discovery and conflict assessment.
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/busrecon/busrecon/internal/api"
	"github.com/busrecon/busrecon/internal/bus"
	"github.com/busrecon/busrecon/internal/cache"
	"github.com/busrecon/busrecon/internal/canbus"
	"github.com/busrecon/busrecon/internal/classify"
	"github.com/busrecon/busrecon/internal/detect"
	"github.com/busrecon/busrecon/internal/domain"
	"github.com/busrecon/busrecon/internal/learn"
	"github.com/busrecon/busrecon/internal/repository"
	"github.com/busrecon/busrecon/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("BUSRECON_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting busrecon",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	if os.Getenv("BUSRECON_PROFILE") == "fleet" {
		cfg = domain.FleetConfig()
		slog.Info("running in fleet profile")
	}

	if replay := os.Getenv("BUSRECON_REPLAY"); replay != "" {
		cfg.Sampler.ReplayPath = replay
	}

	vehicleID := os.Getenv("BUSRECON_VEHICLE")
	if vehicleID == "" {
		vehicleID = "bench-1"
	}

	slog.Info("configuration loaded",
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"vehicle_id", vehicleID,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Ensemble Detector
	detector, err := detect.NewDetector(detect.Config{
		ConfidenceThreshold: cfg.Detector.ConfidenceThreshold,
		SimilarityThreshold: cfg.Detector.SimilarityThreshold,
		LearningEnabled:     cfg.Detector.LearningEnabled,
		HistoryLimit:        cfg.Detector.HistoryLimit,
	})
	if err != nil {
		slog.Error("failed to initialize detector", "error", err)
		os.Exit(1)
	}

	// Load signatures from database on top of the built-ins. All custom
	// signatures are configured via POST /signatures.
	loadSignaturesFromDatabase(ctx, repo, detector, vehicleID)

	// Route learning feedback through the event bus, off the hot path.
	if cfg.Detector.LearningEnabled {
		detector.SetFeedbackHook(func(fb domain.DetectionFeedback) {
			payload, err := json.Marshal(fb)
			if err != nil {
				return
			}
			if err := busImpl.Publish(ctx, vehicleID, domain.TopicDetectionFeedback, payload); err != nil {
				slog.Debug("failed to publish detection feedback", "error", err)
			}
		})
	}

	// Initialize the CAN pipeline when a frame source is configured.
	var scanner *worker.Worker
	if cfg.Sampler.ReplayPath != "" {
		source, err := canbus.LoadScript(cfg.Sampler.ReplayPath)
		if err != nil {
			slog.Error("failed to load capture script", "path", cfg.Sampler.ReplayPath, "error", err)
			os.Exit(1)
		}

		sampler := canbus.NewSampler(source, time.Duration(cfg.Sampler.RecvTimeoutMs)*time.Millisecond)
		classifier := classify.NewClassifier(sampler, detector)

		scanner = worker.NewWorker(busImpl, repo, cacheImpl, classifier, worker.Config{
			DefaultWindow: time.Duration(cfg.Sampler.WindowSeconds * float64(time.Second)),
		})
		slog.Info("CAN pipeline initialized", "source", cfg.Sampler.ReplayPath)
	} else {
		// No frame source: scans are unavailable, but the built-in device
		// footprints still serve signal-map detection.
		for _, sig := range classify.DetectionSignatures() {
			if err := detector.RegisterSignature(sig); err != nil {
				slog.Warn("failed to register built-in signature", "signature", sig.Name, "error", err)
			}
		}
		slog.Info("no frame source configured; /scan disabled")
	}
	slog.Info("detector initialized", "signatures", detector.SignatureCount())

	// Initialize Adaptive Learner
	var learner *learn.AdaptiveLearner
	if cfg.Detector.LearningEnabled {
		learner = learn.NewAdaptiveLearner(detector, repo, busImpl, vehicleID)
		if err := learner.Start(ctx); err != nil {
			slog.Error("failed to start adaptive learner", "error", err)
		}
		defer learner.Stop()
	}

	// Start async scan worker (fleet profile)
	if scanner != nil && (cfg.Profile == domain.ProfileFleet || os.Getenv("BUSRECON_ASYNC_WORKER") == "true") {
		if err := scanner.Start([]string{vehicleID}); err != nil {
			slog.Error("failed to start scan worker", "error", err)
		}
		defer scanner.Stop()
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, detector, scanner, learner, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("busrecon is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("busrecon shutdown complete")
}

// loadSignaturesFromDatabase loads persisted signatures into the detector.
// A missing or empty table is not an error; custom signatures are added via
// the API.
func loadSignaturesFromDatabase(ctx context.Context, repo domain.Repository, detector *detect.Detector, vehicleID string) {
	sigs, err := repo.ListSignatures(ctx, vehicleID)
	if err != nil {
		slog.Warn("failed to list signatures from database", "error", err)
		return
	}

	loaded := 0
	for _, sig := range sigs {
		if err := detector.RegisterSignature(sig); err != nil {
			slog.Warn("skipping invalid stored signature", "name", sig.Name, "error", err)
			continue
		}
		loaded++
	}

	if loaded > 0 {
		slog.Info("loaded signatures from database", "count", loaded)
	} else {
		slog.Info("no stored signatures - configure via POST /signatures")
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  busrecon - CAN bus ECU discovery")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Profile:  %s\n", cfg.Profile)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /detect             - Detect devices from a signal map")
	fmt.Println("    POST /feedback           - Confirm or correct a detection")
	fmt.Println("    POST /scan               - Run a bus scan")
	fmt.Println("    GET  /scans              - List scan reports")
	fmt.Println("    GET  /scans/{id}         - Get a scan report")
	fmt.Println("    GET  /signatures         - List loaded signatures")
	fmt.Println("    POST /signatures         - Register a signature")
	fmt.Println("    POST /signatures/reload  - Hot-reload signatures")
	fmt.Println("    GET  /stats              - Detector statistics")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println()
}
