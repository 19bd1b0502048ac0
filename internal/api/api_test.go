package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/busrecon/busrecon/internal/cache"
	"github.com/busrecon/busrecon/internal/detect"
	"github.com/busrecon/busrecon/internal/domain"
	"github.com/busrecon/busrecon/internal/learn"
)

// createTestServer builds a server with a detector, a memory cache and a
// learner; no repository and no frame source.
func createTestServer(t *testing.T) (*Server, *cache.LRUCache) {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	detector, err := detect.NewDetector(detect.Config{})
	if err != nil {
		t.Fatal(err)
	}
	err = detector.RegisterSignature(&domain.DetectionSignature{
		Name:   "Haltech Elite",
		Type:   domain.SignatureStandalone,
		Vendor: "Haltech",
		PrimarySignals: map[string]any{
			"can_ids": []string{"0x360", "0x361", "0x362"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	lru := cache.NewLRUCache(100)
	t.Cleanup(func() { lru.Close() })

	learner := learn.NewAdaptiveLearner(detector, nil, nil, "veh-1")

	return NewServer(cfg, nil, lru, nil, detector, nil, learner, "test-v1"), lru
}

func doRequest(server *Server, method, path string, body any, vehicle string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if vehicle != "" {
		req.Header.Set(VehicleIDHeader, vehicle)
	}

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("health", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/health", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["status"] != "healthy" {
			t.Errorf("status = %q", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("version = %q", resp["version"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/ready", nil, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}
	})
}

func TestVehicleHeaderRequired(t *testing.T) {
	server, _ := createTestServer(t)

	rr := doRequest(server, http.MethodPost, "/detect", DetectRequest{
		Signals: map[string]any{"rpm": 3000},
	}, "")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestDetectEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("successful detection", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/detect", DetectRequest{
			Signals: map[string]any{
				"can_ids": []string{"0x360", "0x361", "0x362"},
			},
		}, "veh-1")

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
		}

		var resp DetectResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Method != domain.MethodEnsemble {
			t.Errorf("Method = %v, want default ENSEMBLE", resp.Method)
		}
		if len(resp.Results) != 1 || resp.Results[0].DetectedItem != "Haltech Elite" {
			t.Errorf("Results = %+v", resp.Results)
		}
		if resp.Metadata.Version != "test-v1" {
			t.Errorf("Version = %q", resp.Metadata.Version)
		}
	})

	t.Run("explicit method", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/detect", DetectRequest{
			Signals: map[string]any{"can_ids": []string{"0x360", "0x361", "0x362"}},
			Method:  string(domain.MethodFuzzy),
		}, "veh-1")

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
		}

		var resp DetectResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Method != domain.MethodFuzzy {
			t.Errorf("Method = %v", resp.Method)
		}
	})

	t.Run("no match returns empty list", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/detect", DetectRequest{
			Signals: map[string]any{"can_ids": []string{"0x7FF"}},
		}, "veh-1")

		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}

		var resp DetectResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Results == nil {
			t.Error("results should be an empty list, not null")
		}
		if len(resp.Results) != 0 {
			t.Errorf("Results = %+v", resp.Results)
		}
	})

	t.Run("missing signals", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/detect", DetectRequest{}, "veh-1")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("unknown method", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/detect", DetectRequest{
			Signals: map[string]any{"rpm": 3000},
			Method:  "PSYCHIC",
		}, "veh-1")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewBufferString("{nope"))
		req.Header.Set(VehicleIDHeader, "veh-1")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})
}

func TestFeedbackEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("accepted", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/feedback", FeedbackRequest{
			DetectedItem: "Haltech Elite",
			Confidence:   0.9,
		}, "veh-1")
		if rr.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("missing detected item", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/feedback", FeedbackRequest{}, "veh-1")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})
}

func TestScanEndpointWithoutFrameSource(t *testing.T) {
	server, _ := createTestServer(t)

	rr := doRequest(server, http.MethodPost, "/scan", nil, "veh-1")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestGetScanFromCache(t *testing.T) {
	server, lru := createTestServer(t)

	report := &domain.ScanReport{
		ID:        "scan-1",
		VehicleID: "veh-1",
		StartedAt: time.Now().UTC(),
	}
	if err := lru.SetReport(context.Background(), "veh-1", report.ID, report, time.Minute); err != nil {
		t.Fatal(err)
	}

	rr := doRequest(server, http.MethodGet, "/scans/scan-1", nil, "veh-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var got domain.ScanReport
	json.Unmarshal(rr.Body.Bytes(), &got)
	if got.ID != "scan-1" {
		t.Errorf("ID = %q", got.ID)
	}

	// Wrong vehicle must not see it; with no repository behind the cache the
	// lookup degrades to service unavailable.
	rr = doRequest(server, http.MethodGet, "/scans/scan-1", nil, "veh-2")
	if rr.Code == http.StatusOK {
		t.Errorf("report leaked across vehicles: %s", rr.Body.String())
	}
}

func TestSignatureEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("create", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/signatures", domain.DetectionSignature{
			Name:           "JB4",
			Type:           domain.SignaturePiggyback,
			PrimarySignals: map[string]any{"can_ids": []string{"0x500"}},
		}, "veh-1")
		if rr.Code != http.StatusCreated {
			t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("create with invalid guard", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/signatures", domain.DetectionSignature{
			Name:           "broken",
			PrimarySignals: map[string]any{"a": 1},
			Guard:          "signals.rpm >",
		}, "veh-1")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("get by name", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/signatures/Haltech%20Elite", nil, "veh-1")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
		}

		var sig domain.DetectionSignature
		json.Unmarshal(rr.Body.Bytes(), &sig)
		if sig.Name != "Haltech Elite" {
			t.Errorf("Name = %q", sig.Name)
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/signatures/ghost", nil, "veh-1")
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
	})

	t.Run("list", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/signatures", nil, "veh-1")
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d", rr.Code)
		}

		var resp struct {
			Signatures []domain.DetectionSignature `json:"signatures"`
			Count      int                         `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count < 1 || len(resp.Signatures) != resp.Count {
			t.Errorf("count = %d, signatures = %d", resp.Count, len(resp.Signatures))
		}
	})
}

func TestStatsEndpoint(t *testing.T) {
	server, _ := createTestServer(t)

	// One detection pass so counters are non-trivial.
	doRequest(server, http.MethodPost, "/detect", DetectRequest{
		Signals: map[string]any{"can_ids": []string{"0x360", "0x361", "0x362"}},
	}, "veh-1")

	rr := doRequest(server, http.MethodGet, "/stats", nil, "veh-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var stats domain.DetectorStats
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalDetections != 1 {
		t.Errorf("TotalDetections = %d", stats.TotalDetections)
	}
	if stats.RegisteredSignatures < 1 {
		t.Errorf("RegisteredSignatures = %d", stats.RegisteredSignatures)
	}
}
