// Package capturetest provides an in-memory capture device for tests.
package capturetest

import (
	"context"
	"sync"

	"github.com/YunYue1029/SpeakTospeakFront/internal/capture"
)

// Device is a scriptable capture.Device. Tests push blocks through the
// stream returned by Last.
type Device struct {
	Rate int
	Err  error

	// Hold, when non-nil, makes Open wait until it is closed or ctx ends
	Hold chan struct{}
	// IgnoreCancel makes a held Open wait for Hold even after ctx ends,
	// like a platform permission prompt that cannot be withdrawn
	IgnoreCancel bool

	mu      sync.Mutex
	streams []*Stream
}

// NewDevice creates a fake device reporting the given sample rate
func NewDevice(rate int) *Device {
	return &Device{Rate: rate}
}

// Open implements capture.Device
func (d *Device) Open(ctx context.Context) (capture.Stream, error) {
	if d.Hold != nil {
		if d.IgnoreCancel {
			<-d.Hold
		} else {
			select {
			case <-d.Hold:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if d.Err != nil {
		return nil, d.Err
	}

	st := &Stream{rate: d.Rate, ch: make(chan []float32, 1024)}

	d.mu.Lock()
	d.streams = append(d.streams, st)
	d.mu.Unlock()

	return st, nil
}

// Last returns the most recently opened stream, or nil
func (d *Device) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// Opened returns how many streams were opened
func (d *Device) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// Stream is the capture.Stream handed out by Device
type Stream struct {
	rate int
	ch   chan []float32

	mu     sync.Mutex
	closed bool
}

// Push delivers one block. It reports false once the stream is closed.
func (s *Stream) Push(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.ch <- block
	return true
}

// Closed reports whether the owner released the stream
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) SampleRate() int { return s.rate }

func (s *Stream) Blocks() <-chan []float32 { return s.ch }

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
