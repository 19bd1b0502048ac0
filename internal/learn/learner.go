// Package learn adjusts signature confidence weights from detection feedback.
package learn

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/busrecon/busrecon/internal/detect"
	"github.com/busrecon/busrecon/internal/domain"
	"github.com/busrecon/busrecon/internal/repository"
)

// AdaptiveLearner consumes detection feedback off the hot path and folds it
// back into signature confidence weights, both in the live detector and in
// the repository. Persistence failures are logged and absorbed; the in-memory
// weight is still adjusted so the running process keeps learning.
type AdaptiveLearner struct {
	detector  *detect.Detector
	repo      domain.Repository
	bus       domain.EventBus
	vehicleID string

	sub domain.Subscription
}

// NewAdaptiveLearner creates a learner for one vehicle's feedback stream.
func NewAdaptiveLearner(detector *detect.Detector, repo domain.Repository, bus domain.EventBus, vehicleID string) *AdaptiveLearner {
	return &AdaptiveLearner{
		detector:  detector,
		repo:      repo,
		bus:       bus,
		vehicleID: vehicleID,
	}
}

// Start subscribes to the feedback topic. The subscription lives until Stop
// or until ctx is cancelled.
func (l *AdaptiveLearner) Start(ctx context.Context) error {
	sub, err := l.bus.Subscribe(ctx, l.vehicleID, domain.TopicDetectionFeedback, l.handle)
	if err != nil {
		return err
	}
	l.sub = sub

	slog.Info("adaptive learner started",
		"vehicle_id", l.vehicleID,
	)
	return nil
}

// Stop unsubscribes from the feedback topic.
func (l *AdaptiveLearner) Stop() error {
	if l.sub == nil {
		return nil
	}
	return l.sub.Unsubscribe()
}

// Apply processes one feedback record directly, bypassing the bus. The HTTP
// feedback endpoint uses this path.
func (l *AdaptiveLearner) Apply(ctx context.Context, fb *domain.DetectionFeedback) {
	success := fb.CorrectItem == "" || fb.CorrectItem == fb.DetectedItem

	l.detector.Reinforce(fb.DetectedItem, success, fb.Confidence)

	if l.repo == nil {
		return
	}

	if weight, ok := l.detector.Weight(fb.DetectedItem); ok {
		err := l.repo.UpdateSignatureWeight(ctx, l.vehicleID, fb.DetectedItem, weight)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			slog.Warn("failed to persist signature weight",
				"signature", fb.DetectedItem,
				"error", err,
			)
		}
	}

	if err := l.repo.SaveFeedback(ctx, l.vehicleID, fb); err != nil {
		slog.Warn("failed to record detection feedback",
			"signature", fb.DetectedItem,
			"error", err,
		)
	}
}

// handle decodes a bus message into feedback and applies it.
func (l *AdaptiveLearner) handle(ctx context.Context, msg *domain.Message) error {
	var fb domain.DetectionFeedback
	if err := json.Unmarshal(msg.Payload, &fb); err != nil {
		slog.Error("failed to decode feedback message",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}
	if fb.DetectedItem == "" {
		return nil
	}

	l.Apply(ctx, &fb)
	return nil
}
