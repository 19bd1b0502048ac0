package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/busrecon/busrecon/internal/detect"
	"github.com/busrecon/busrecon/internal/domain"
	"github.com/busrecon/busrecon/internal/learn"
	"github.com/busrecon/busrecon/internal/repository"
	"github.com/busrecon/busrecon/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	detector *detect.Detector
	scanner  *worker.Worker
	learner  *learn.AdaptiveLearner
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, detector *detect.Detector, scanner *worker.Worker, learner *learn.AdaptiveLearner, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		detector: detector,
		scanner:  scanner,
		learner:  learner,
		version:  version,
	}
}

// DetectRequest is the request body for POST /detect.
type DetectRequest struct {
	Signals map[string]any        `json:"signals"`
	Series  map[string][]float64  `json:"series,omitempty"`
	Samples []domain.SignalSample `json:"samples,omitempty"`
	Context map[string]any        `json:"context,omitempty"`
	Method  string                `json:"method,omitempty"`
}

// DetectResponse is the response for POST /detect.
type DetectResponse struct {
	Results  []domain.DetectionResult `json:"results"`
	Method   domain.Method            `json:"method"`
	Metadata struct {
		TraceID    string `json:"traceId"`
		DurationMs int64  `json:"durationMs"`
		Version    string `json:"version"`
	} `json:"metadata"`
}

var validMethods = map[domain.Method]struct{}{
	domain.MethodSignature:  {},
	domain.MethodPattern:    {},
	domain.MethodBehavioral: {},
	domain.MethodFuzzy:      {},
	domain.MethodEnsemble:   {},
}

// Detect handles POST /detect requests.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	traceID := GetTraceID(ctx)

	var req DetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if len(req.Signals) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "signals is required",
		})
		return
	}

	method := domain.MethodEnsemble
	if req.Method != "" {
		method = domain.Method(req.Method)
		if _, ok := validMethods[method]; !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "unknown detection method: " + req.Method,
			})
			return
		}
	}

	results, err := h.detector.Detect(ctx, &detect.Input{
		Signals: req.Signals,
		Series:  req.Series,
		Samples: req.Samples,
		Context: req.Context,
	}, method)
	if err != nil {
		slog.Error("detection failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "detection failed",
		})
		return
	}

	if results == nil {
		results = []domain.DetectionResult{}
	}

	resp := DetectResponse{
		Results: results,
		Method:  method,
	}
	resp.Metadata.TraceID = traceID
	resp.Metadata.DurationMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// FeedbackRequest is the request body for POST /feedback.
type FeedbackRequest struct {
	DetectedItem string         `json:"detectedItem"`
	Confidence   float64        `json:"confidence"`
	CorrectItem  string         `json:"correctItem,omitempty"`
	Signals      map[string]any `json:"signals,omitempty"`
}

// Feedback handles POST /feedback requests: a technician confirming or
// correcting a detection.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.DetectedItem == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "detectedItem is required",
		})
		return
	}

	if h.learner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "learning not available",
		})
		return
	}

	h.learner.Apply(ctx, &domain.DetectionFeedback{
		DetectedItem: req.DetectedItem,
		Confidence:   req.Confidence,
		CorrectItem:  req.CorrectItem,
		Signals:      req.Signals,
		Verified:     true,
		Timestamp:    time.Now().UTC(),
	})

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
	})
}

// ScanRequest is the request body for POST /scan.
type ScanRequest struct {
	WindowSeconds float64 `json:"windowSeconds,omitempty"`
}

// Scan handles POST /scan requests: a synchronous bus scan.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vehicleID := GetVehicleID(ctx)

	if h.scanner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "no frame source configured",
		})
		return
	}

	var req ScanRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	window := time.Duration(0)
	if req.WindowSeconds > 0 {
		window = time.Duration(req.WindowSeconds * float64(time.Second))
	}
	if window <= 0 {
		window = 10 * time.Second
	}

	report, err := h.scanner.RunScan(ctx, vehicleID, window)
	if err != nil {
		slog.Error("scan failed", "vehicle_id", vehicleID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": "bus sampling failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// GetScan retrieves a scan report by ID, cache first.
func (h *Handler) GetScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vehicleID := GetVehicleID(ctx)
	reportID := chi.URLParam(r, "id")

	if reportID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "scan id is required",
		})
		return
	}

	if h.cache != nil {
		if report, err := h.cache.GetReport(ctx, vehicleID, reportID); err == nil && report != nil {
			writeJSON(w, http.StatusOK, report)
			return
		}
	}

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	report, err := h.repo.GetScanReport(ctx, vehicleID, reportID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get scan report", "id", reportID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "scan not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// ListScans lists scan reports for the vehicle. The optional "since" query
// parameter is RFC 3339; the default is the last 24 hours.
func (h *Handler) ListScans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vehicleID := GetVehicleID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "since must be RFC 3339",
			})
			return
		}
		since = parsed
	}

	reports, err := h.repo.ListScanReports(ctx, vehicleID, since)
	if err != nil {
		slog.Error("failed to list scan reports", "vehicle_id", vehicleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list scans",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scans": reports,
		"count": len(reports),
	})
}

// ListSignatures returns all signatures loaded in the detector.
// Signatures are loaded from the database at startup and can be reloaded via
// POST /signatures/reload.
func (h *Handler) ListSignatures(w http.ResponseWriter, r *http.Request) {
	sigs := h.detector.Signatures()

	writeJSON(w, http.StatusOK, map[string]any{
		"signatures": sigs,
		"count":      len(sigs),
	})
}

// GetSignature retrieves a loaded signature by name.
func (h *Handler) GetSignature(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "signature name is required",
		})
		return
	}

	for _, sig := range h.detector.Signatures() {
		if sig.Name == name {
			writeJSON(w, http.StatusOK, sig)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "signature not found",
	})
}

// CreateSignature registers a new signature and saves it to the database.
// Signatures are saved globally (vehicle_id = "*") so they apply to all
// vehicles.
func (h *Handler) CreateSignature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var sig domain.DetectionSignature
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	// Registration validates the name, the guard expression and clamps the
	// confidence weight.
	if err := h.detector.RegisterSignature(&sig); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid signature: " + err.Error(),
		})
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveSignature(ctx, domain.GlobalVehicleID, &sig); err != nil {
			slog.Error("failed to save signature", "name", sig.Name, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save signature",
			})
			return
		}
	}

	slog.Info("signature created", "name", sig.Name, "type", sig.Type)
	writeJSON(w, http.StatusCreated, map[string]any{
		"signature": sig,
	})
}

// ReloadSignatures reloads the vehicle's signatures from the database into
// the detector. This enables hot-reloading without server restart.
func (h *Handler) ReloadSignatures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vehicleID := GetVehicleID(ctx)

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	sigs, err := h.repo.ListSignatures(ctx, vehicleID)
	if err != nil {
		slog.Error("failed to list signatures from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load signatures from database",
		})
		return
	}

	loaded := 0
	for _, sig := range sigs {
		if err := h.detector.RegisterSignature(sig); err != nil {
			slog.Warn("skipping invalid signature",
				"name", sig.Name,
				"error", err,
			)
			continue
		}
		loaded++
	}

	slog.Info("signatures reloaded from database", "count", loaded)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "signatures reloaded successfully",
		"count":   loaded,
	})
}

// Stats returns detector statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.detector.Stats())
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
