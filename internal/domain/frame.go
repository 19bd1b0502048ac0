package domain

import (
	"errors"
	"time"
)

// Frame is one raw CAN frame as delivered by a frame source.
type Frame struct {
	ArbitrationID uint32    `json:"arbitrationId"`
	Data          []byte    `json:"data"`
	Timestamp     time.Time `json:"timestamp"`
}

// Frame source errors.
var (
	// ErrRecvTimeout signals that no frame arrived within the receive
	// timeout. The sampler treats it as normal idle time.
	ErrRecvTimeout = errors.New("frame receive timeout")

	// ErrSourceClosed signals that the bus handle was closed. Closing the
	// handle is the only way to abort a sampling window early.
	ErrSourceClosed = errors.New("frame source closed")
)

// FrameSource abstracts the CAN bus handle. Implementations must unblock a
// pending Recv when Close is called.
type FrameSource interface {
	// Recv returns the next frame, ErrRecvTimeout if none arrived within
	// timeout, or ErrSourceClosed after Close.
	Recv(timeout time.Duration) (*Frame, error)

	Close() error
}

// MaxRepresentativePayloads bounds the payload buffer kept per arbitration ID.
const MaxRepresentativePayloads = 10

// IDStats accumulates per-arbitration-ID statistics for one sampling window.
type IDStats struct {
	ArbitrationID uint32    `json:"arbitrationId"`
	Count         int       `json:"count"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
	Payloads      [][]byte  `json:"payloads,omitempty"` // at most MaxRepresentativePayloads
}

// Observe folds one frame into the stats.
func (s *IDStats) Observe(f *Frame) {
	if s.Count == 0 || f.Timestamp.Before(s.FirstSeen) {
		s.FirstSeen = f.Timestamp
	}
	if f.Timestamp.After(s.LastSeen) {
		s.LastSeen = f.Timestamp
	}
	s.Count++
	if len(s.Payloads) < MaxRepresentativePayloads {
		payload := make([]byte, len(f.Data))
		copy(payload, f.Data)
		s.Payloads = append(s.Payloads, payload)
	}
}

// BusCapture is the result of one sampling window. IDs absent from ByID were
// not observed in-window; that is not proof of permanent absence.
type BusCapture struct {
	ByID        map[uint32]*IDStats `json:"byId"`
	StartedAt   time.Time           `json:"startedAt"`
	Elapsed     time.Duration       `json:"elapsed"`
	TotalFrames int                 `json:"totalFrames"`
}

// ObservedIDs returns the arbitration IDs seen during the window.
func (c *BusCapture) ObservedIDs() []uint32 {
	ids := make([]uint32, 0, len(c.ByID))
	for id := range c.ByID {
		ids = append(ids, id)
	}
	return ids
}
