// Package canbus provides the sampling boundary over a CAN frame source.
package canbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/busrecon/busrecon/internal/domain"
)

// Sampler drains frames from a single shared bus handle into per-arbitration-ID
// statistics for a fixed wall-clock window. Only one sampling session may own
// the handle at a time; Sample serializes sessions internally and releases
// ownership on every exit path.
type Sampler struct {
	mu          sync.Mutex
	source      domain.FrameSource
	recvTimeout time.Duration
}

// NewSampler creates a sampler over the given frame source.
func NewSampler(source domain.FrameSource, recvTimeout time.Duration) *Sampler {
	if recvTimeout <= 0 {
		recvTimeout = 100 * time.Millisecond
	}
	return &Sampler{
		source:      source,
		recvTimeout: recvTimeout,
	}
}

// Sample captures frames until the window elapses, the context is cancelled,
// or the source is closed. Per-frame receive errors are logged at debug level
// and sampling continues; there is no mid-sample cancellation beyond those
// three conditions.
func (s *Sampler) Sample(ctx context.Context, window time.Duration) (*domain.BusCapture, error) {
	if s.source == nil {
		return nil, fmt.Errorf("no frame source configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	deadline := start.Add(window)

	capture := &domain.BusCapture{
		ByID:      make(map[uint32]*domain.IDStats),
		StartedAt: start.UTC(),
	}

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			capture.Elapsed = time.Since(start)
			return capture, ctx.Err()
		default:
		}

		// Short per-receive timeout keeps the loop responsive to the
		// window deadline.
		recvTimeout := s.recvTimeout
		if remaining := time.Until(deadline); remaining < recvTimeout {
			recvTimeout = remaining
		}

		frame, err := s.source.Recv(recvTimeout)
		if err != nil {
			if errors.Is(err, domain.ErrRecvTimeout) {
				continue
			}
			if errors.Is(err, domain.ErrSourceClosed) {
				// Closing the handle is the documented early-abort path.
				break
			}
			slog.Debug("frame receive error",
				"error", err,
			)
			continue
		}
		if frame == nil {
			continue
		}

		stats, ok := capture.ByID[frame.ArbitrationID]
		if !ok {
			stats = &domain.IDStats{ArbitrationID: frame.ArbitrationID}
			capture.ByID[frame.ArbitrationID] = stats
		}
		stats.Observe(frame)
		capture.TotalFrames++
	}

	capture.Elapsed = time.Since(start)
	return capture, nil
}

// Close releases the underlying bus handle, unblocking any in-flight receive.
func (s *Sampler) Close() error {
	if s.source == nil {
		return nil
	}
	return s.source.Close()
}
