package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/YunYue1029/SpeakTospeakFront/internal/audio"
	"github.com/YunYue1029/SpeakTospeakFront/internal/vad"
)

// State is the lifecycle state of a capture session
type State int

const (
	StateIdle State = iota
	StateRequestingDevice
	StateCapturing
	StateFinalizing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingDevice:
		return "requesting_device"
	case StateCapturing:
		return "capturing"
	case StateFinalizing:
		return "finalizing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateObserver is notified of every state transition, in order. It runs
// with the session lock held and must not call back into the Session.
type StateObserver func(from, to State)

// Recording is the encoded result of one capture
type Recording struct {
	WAV        []byte
	SampleRate int
	Samples    int
	Duration   time.Duration
	StartedAt  time.Time
	StoppedAt  time.Time
	VoiceRatio float64 // Share of blocks above the voice threshold
}

// Status is a point-in-time view of a session for monitoring
type Status struct {
	State      string    `json:"state"`
	Samples    int       `json:"samples"`
	Blocks     int       `json:"blocks"`
	SampleRate int       `json:"sample_rate"`
	Level      float32   `json:"level"`
	Peak       float32   `json:"peak"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// Session drives one microphone capture from device request to WAV
type Session struct {
	device   Device
	gate     *Gate
	logger   *slog.Logger
	observer StateObserver

	buffer *audio.SampleBuffer
	meter  *vad.Meter
	encode func(samples []float32, sampleRate int) ([]byte, error)

	state      State
	stream     Stream
	sampleRate int
	startedAt  time.Time
	pumpDone   chan struct{}

	mu sync.Mutex
}

// NewSession creates an idle capture session. observer may be nil.
func NewSession(device Device, gate *Gate, logger *slog.Logger, observer StateObserver) *Session {
	if gate == nil {
		gate = NewGate()
	}
	return &Session{
		device:   device,
		gate:     gate,
		logger:   logger,
		observer: observer,
		buffer:   audio.NewSampleBuffer(),
		meter:    vad.NewMeter(vad.DefaultThreshold),
		encode:   audio.EncodeWAV,
		state:    StateIdle,
	}
}

// Start requests the device and begins buffering samples. It is only legal
// from Idle; any other state, or another session holding the gate, yields
// ErrSessionBusy. A device failure leaves the session Idle and returns a
// *PermissionError.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	if !s.gate.TryAcquire() {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.setStateLocked(StateRequestingDevice)
	s.mu.Unlock()

	stream, err := s.device.Open(ctx)

	s.mu.Lock()
	if err != nil {
		s.setStateLocked(StateFailed)
		s.setStateLocked(StateIdle)
		s.gate.Release()
		s.mu.Unlock()

		s.logger.Warn("Capture device unavailable", slog.String("error", err.Error()))
		return &PermissionError{Err: err}
	}

	s.buffer.Reset()
	s.meter.Reset()
	s.stream = stream
	s.sampleRate = stream.SampleRate()
	s.startedAt = time.Now()
	s.pumpDone = make(chan struct{})
	go s.pump(stream.Blocks(), s.pumpDone)
	s.setStateLocked(StateCapturing)
	s.mu.Unlock()

	s.logger.Info("Capture started", slog.Int("sample_rate", s.sampleRate))
	return nil
}

// pump is the only writer of the buffer while capturing
func (s *Session) pump(blocks <-chan []float32, done chan<- struct{}) {
	defer close(done)
	for block := range blocks {
		s.buffer.Append(block)
		s.meter.Process(block)
	}
}

// Stop releases the device, drains delivered blocks and encodes them.
// The session is Idle again before encoding starts, so the next capture
// does not wait for it. Calling Stop when not capturing is a no-op
// returning nil, nil.
func (s *Session) Stop() (*Recording, error) {
	s.mu.Lock()
	if s.state != StateCapturing {
		s.mu.Unlock()
		return nil, nil
	}
	s.setStateLocked(StateFinalizing)
	stream, done := s.stream, s.pumpDone
	sampleRate, startedAt := s.sampleRate, s.startedAt
	s.mu.Unlock()

	if err := stream.Close(); err != nil {
		s.logger.Warn("Failed to close capture stream", slog.String("error", err.Error()))
	}
	<-done

	samples := s.buffer.Flatten()
	voiceRatio := s.meter.GetStats().VoiceRatio

	s.mu.Lock()
	s.stream = nil
	s.pumpDone = nil
	s.setStateLocked(StateIdle)
	s.gate.Release()
	s.mu.Unlock()

	wav, err := s.encode(samples, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recording: %w", err)
	}

	rec := &Recording{
		WAV:        wav,
		SampleRate: sampleRate,
		Samples:    len(samples),
		Duration:   audio.SamplesDuration(len(samples), sampleRate),
		StartedAt:  startedAt,
		StoppedAt:  time.Now(),
		VoiceRatio: voiceRatio,
	}

	s.logger.Info("Capture finished",
		slog.Int("samples", rec.Samples),
		slog.Duration("duration", rec.Duration),
		slog.Int("wav_bytes", len(rec.WAV)),
		slog.Float64("voice_ratio", rec.VoiceRatio),
	)

	return rec, nil
}

// State returns the current session state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a monitoring snapshot of the session
func (s *Session) Status() Status {
	s.mu.Lock()
	state, rate, started := s.state, s.sampleRate, s.startedAt
	s.mu.Unlock()

	stats := s.buffer.GetStats()
	level := s.meter.GetStats()
	status := Status{
		State:      state.String(),
		Samples:    stats.Samples,
		Blocks:     stats.Blocks,
		SampleRate: rate,
		Level:      level.Level,
		Peak:       level.Peak,
	}
	if state == StateCapturing || state == StateFinalizing {
		status.StartedAt = started
	}
	return status
}

// setStateLocked must be called with s.mu held
func (s *Session) setStateLocked(to State) {
	from := s.state
	s.state = to

	s.logger.Debug("Capture state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if s.observer != nil {
		s.observer(from, to)
	}
}
