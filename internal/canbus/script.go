package canbus

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/busrecon/busrecon/internal/domain"
)

// ScriptedSource replays a recorded frame sequence as a FrameSource. It backs
// the replay tool and tests; a production deployment swaps in a real driver
// behind the same interface.
type ScriptedSource struct {
	mu     sync.Mutex
	frames []domain.Frame
	next   int
	closed bool
}

// NewScriptedSource creates a source that replays the given frames in order.
// Frame timestamps are preserved as-is.
func NewScriptedSource(frames []domain.Frame) *ScriptedSource {
	return &ScriptedSource{frames: frames}
}

// Recv returns the next scripted frame. An exhausted script behaves like an
// idle bus: every receive times out until the source is closed.
func (s *ScriptedSource) Recv(timeout time.Duration) (*domain.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrSourceClosed
	}
	if s.next >= len(s.frames) {
		return nil, domain.ErrRecvTimeout
	}

	frame := s.frames[s.next]
	s.next++
	return &frame, nil
}

// Close marks the source closed, unblocking the sampler's receive loop.
func (s *ScriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Remaining returns the number of frames not yet replayed.
func (s *ScriptedSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames) - s.next
}

// scriptLine is one JSON-lines record in a recorded capture file.
type scriptLine struct {
	ID       uint32  `json:"id"`
	Data     string  `json:"data"` // hex encoded payload
	OffsetMs float64 `json:"offsetMs"`
}

// LoadScript reads a JSON-lines capture file into a ScriptedSource. Offsets
// are applied relative to the load time so window math stays meaningful.
func LoadScript(path string) (*ScriptedSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture script: %w", err)
	}
	defer f.Close()

	base := time.Now()
	var frames []domain.Frame

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec scriptLine
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("capture script line %d: %w", lineNo, err)
		}

		data, err := hex.DecodeString(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("capture script line %d: bad payload hex: %w", lineNo, err)
		}

		frames = append(frames, domain.Frame{
			ArbitrationID: rec.ID,
			Data:          data,
			Timestamp:     base.Add(time.Duration(rec.OffsetMs * float64(time.Millisecond))),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read capture script: %w", err)
	}

	return NewScriptedSource(frames), nil
}
