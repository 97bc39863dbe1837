package capture

import (
	"context"
	"sync"
)

// StaticFrame is an Adapter whose stream always yields the same frame. The
// workflow host uses it for frames captured by the browser and uploaded.
type StaticFrame struct {
	mu      sync.Mutex
	frame   []byte
	name    string
	started bool
}

// NewStaticFrame returns an adapter backed by an already captured frame.
func NewStaticFrame(frame []byte, filename string) *StaticFrame {
	return &StaticFrame{frame: frame, name: filename}
}

// StartStream marks the stream as live.
func (s *StaticFrame) StartStream(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// CaptureFrame returns the backing frame as an image.
func (s *StaticFrame) CaptureFrame(ctx context.Context) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, ErrStreamNotStarted
	}
	return NewImage(s.frame, s.name)
}
