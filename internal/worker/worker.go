// Package worker provides async scan processing for the fleet profile.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/busrecon/busrecon/internal/classify"
	"github.com/busrecon/busrecon/internal/domain"
)

// Worker runs bus scans requested over the EventBus and publishes the
// results. The same RunScan path backs the synchronous HTTP scan endpoint.
type Worker struct {
	bus        domain.EventBus
	repo       domain.Repository
	cache      domain.Cache
	classifier *classify.Classifier

	defaultWindow time.Duration
	reportTTL     time.Duration

	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// VehicleIDs is the list of vehicles to listen for scan requests on.
	VehicleIDs []string

	// DefaultWindow is the sampling window used when a request omits one.
	DefaultWindow time.Duration

	// ReportTTL is how long completed reports stay in cache.
	ReportTTL time.Duration
}

// NewWorker creates a new scan worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, cache domain.Cache, classifier *classify.Classifier, cfg Config) *Worker {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = 10 * time.Second
	}
	if cfg.ReportTTL <= 0 {
		cfg.ReportTTL = 15 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:           bus,
		repo:          repo,
		cache:         cache,
		classifier:    classifier,
		defaultWindow: cfg.DefaultWindow,
		reportTTL:     cfg.ReportTTL,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start begins listening for scan requests for the given vehicles.
func (w *Worker) Start(vehicleIDs []string) error {
	for _, vehicleID := range vehicleIDs {
		id := vehicleID
		sub, err := w.bus.Subscribe(w.ctx, id, domain.TopicScanRequested, func(ctx context.Context, msg *domain.Message) error {
			return w.handleScanRequest(ctx, id, msg)
		})
		if err != nil {
			slog.Error("failed to start worker for vehicle",
				"vehicle_id", id,
				"error", err,
			)
			continue
		}
		w.subscriptions = append(w.subscriptions, sub)

		slog.Info("scan worker started",
			"vehicle_id", id,
			"topic", domain.TopicScanRequested,
		)
	}

	return nil
}

// ScanMessage is the payload of a scan request.
type ScanMessage struct {
	VehicleID     string  `json:"vehicleId"`
	WindowSeconds float64 `json:"windowSeconds,omitempty"`
}

// handleScanRequest runs one requested scan end to end.
func (w *Worker) handleScanRequest(ctx context.Context, vehicleID string, msg *domain.Message) error {
	var req ScanMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse scan request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.VehicleID != "" {
		vehicleID = req.VehicleID
	}

	window := w.defaultWindow
	if req.WindowSeconds > 0 {
		window = time.Duration(req.WindowSeconds * float64(time.Second))
	}

	report, err := w.RunScan(ctx, vehicleID, window)
	if err != nil {
		slog.Error("scan failed",
			"vehicle_id", vehicleID,
			"error", err,
		)
		return err
	}

	slog.Info("scan completed",
		"vehicle_id", vehicleID,
		"report_id", report.ID,
		"ecus", len(report.ECUs),
		"conflicts", report.Summary.Total(),
	)
	return nil
}

// RunScan samples the bus, classifies the devices and publishes the outcome.
// Sampling failure is the only hard error; persistence and publishing
// problems are logged and the report is still returned.
func (w *Worker) RunScan(ctx context.Context, vehicleID string, window time.Duration) (*domain.ScanReport, error) {
	start := time.Now().UTC()

	ecus, err := w.classifier.DetectAllECUs(ctx, window)
	if err != nil {
		return nil, err
	}

	report := &domain.ScanReport{
		ID:              uuid.New().String(),
		VehicleID:       vehicleID,
		StartedAt:       start,
		WindowSeconds:   window.Seconds(),
		FramesObserved:  w.classifier.FrameCount(),
		ECUs:            ecus,
		Piggybacks:      w.classifier.Piggybacks(),
		Summary:         w.classifier.ConflictSummary(),
		Recommendations: w.classifier.Recommendations(),
	}

	if w.repo != nil {
		if err := w.repo.SaveScanReport(ctx, vehicleID, report); err != nil {
			slog.Error("failed to save scan report",
				"report_id", report.ID,
				"error", err,
			)
		}
	}

	if w.cache != nil {
		if err := w.cache.SetReport(ctx, vehicleID, report.ID, report, w.reportTTL); err != nil {
			slog.Warn("failed to cache scan report",
				"report_id", report.ID,
				"error", err,
			)
		}
		if _, err := w.cache.IncrementCounter(ctx, vehicleID, "scans", 24*time.Hour); err != nil {
			slog.Debug("failed to bump scan counter",
				"vehicle_id", vehicleID,
				"error", err,
			)
		}
	}

	w.publishResults(ctx, vehicleID, report)

	return report, nil
}

// publishResults announces a completed scan and raises a conflict alert when
// the run found any.
func (w *Worker) publishResults(ctx context.Context, vehicleID string, report *domain.ScanReport) {
	if w.bus == nil {
		return
	}

	payload, _ := json.Marshal(report)
	if err := w.bus.Publish(ctx, vehicleID, domain.TopicScanCompleted, payload); err != nil {
		slog.Error("failed to publish scan result",
			"report_id", report.ID,
			"error", err,
		)
	}

	if report.Summary.Total() > 0 {
		if err := w.bus.Publish(ctx, vehicleID, domain.TopicConflictAlert, payload); err != nil {
			slog.Error("failed to publish conflict alert",
				"report_id", report.ID,
				"error", err,
			)
		}
	}
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("scan worker stopped")
	return nil
}
