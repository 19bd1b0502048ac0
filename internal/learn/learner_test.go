package learn

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/busrecon/busrecon/internal/bus"
	"github.com/busrecon/busrecon/internal/detect"
	"github.com/busrecon/busrecon/internal/domain"
	"github.com/busrecon/busrecon/internal/repository"
)

func newTestDetector(t *testing.T) *detect.Detector {
	t.Helper()
	d, err := detect.NewDetector(detect.Config{})
	if err != nil {
		t.Fatal(err)
	}
	err = d.RegisterSignature(&domain.DetectionSignature{
		Name:           "Haltech Elite",
		Type:           domain.SignatureStandalone,
		PrimarySignals: map[string]any{"can_ids": []string{"0x360"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestApplyConfirmationGrowsWeight(t *testing.T) {
	d := newTestDetector(t)
	l := NewAdaptiveLearner(d, nil, nil, "veh-1")

	l.Apply(context.Background(), &domain.DetectionFeedback{
		DetectedItem: "Haltech Elite",
		Confidence:   0.9,
		Verified:     true,
	})

	w, ok := d.Weight("Haltech Elite")
	if !ok {
		t.Fatal("signature missing")
	}
	if w <= 1.0 {
		t.Errorf("confirmed detection should grow the weight, got %v", w)
	}
}

func TestApplyCorrectionDecaysWeight(t *testing.T) {
	d := newTestDetector(t)
	l := NewAdaptiveLearner(d, nil, nil, "veh-1")

	// The operator says it was actually a different device.
	l.Apply(context.Background(), &domain.DetectionFeedback{
		DetectedItem: "Haltech Elite",
		Confidence:   0.9,
		CorrectItem:  "MegaSquirt",
		Verified:     true,
	})

	w, _ := d.Weight("Haltech Elite")
	if w >= 1.0 {
		t.Errorf("corrected detection should decay the weight, got %v", w)
	}
}

func TestApplyPersistsWeightAndFeedback(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "learn_test.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()
	ctx := context.Background()

	d := newTestDetector(t)
	if err := repo.SaveSignature(ctx, "veh-1", &domain.DetectionSignature{
		Name:             "Haltech Elite",
		Type:             domain.SignatureStandalone,
		PrimarySignals:   map[string]any{"can_ids": []string{"0x360"}},
		ConfidenceWeight: 1.0,
	}); err != nil {
		t.Fatal(err)
	}

	l := NewAdaptiveLearner(d, repo, nil, "veh-1")
	l.Apply(ctx, &domain.DetectionFeedback{
		DetectedItem: "Haltech Elite",
		Confidence:   0.9,
		Verified:     true,
	})

	stored, err := repo.GetSignature(ctx, "veh-1", "Haltech Elite")
	if err != nil {
		t.Fatalf("GetSignature: %v", err)
	}
	live, _ := d.Weight("Haltech Elite")
	if stored.ConfidenceWeight != live {
		t.Errorf("persisted weight %v != live weight %v", stored.ConfidenceWeight, live)
	}
}

func TestApplyUnknownSignatureIsHarmless(t *testing.T) {
	d := newTestDetector(t)
	l := NewAdaptiveLearner(d, nil, nil, "veh-1")

	// Feedback about a device no signature covers must not panic or create one.
	l.Apply(context.Background(), &domain.DetectionFeedback{
		DetectedItem: "ghost",
		Confidence:   0.9,
	})
	if _, ok := d.Weight("ghost"); ok {
		t.Error("feedback must not register signatures")
	}
}

func TestLearnerConsumesBusFeedback(t *testing.T) {
	d := newTestDetector(t)
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	l := NewAdaptiveLearner(d, nil, eventBus, "veh-1")
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	payload, _ := json.Marshal(domain.DetectionFeedback{
		DetectedItem: "Haltech Elite",
		Confidence:   0.95,
	})
	if err := eventBus.Publish(context.Background(), "veh-1", domain.TopicDetectionFeedback, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w, _ := d.Weight("Haltech Elite"); w > 1.0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	w, _ := d.Weight("Haltech Elite")
	t.Fatalf("bus feedback never applied, weight = %v", w)
}
