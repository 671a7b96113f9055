// Package malgodev implements capture.Device on the system microphone
// through miniaudio.
package malgodev

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/YunYue1029/SpeakTospeakFront/internal/capture"
)

// Config holds microphone settings
type Config struct {
	SampleRate   int // Requested rate; the device may report another
	BufferFrames int // Frames per callback period
	Backlog      int // Blocks queued between the callback and the session
}

// Microphone opens the default capture device
type Microphone struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a microphone device
func New(cfg Config, logger *slog.Logger) *Microphone {
	if cfg.Backlog <= 0 {
		cfg.Backlog = 256
	}
	return &Microphone{cfg: cfg, logger: logger}
}

// Open implements capture.Device
func (m *Microphone) Open(ctx context.Context) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		m.logger.Debug("miniaudio", slog.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(m.cfg.BufferFrames)
	deviceConfig.Alsa.NoMMap = 1

	st := &stream{
		ctx: mctx,
		ch:  make(chan []float32, m.cfg.Backlog),
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: st.onData,
	})
	if err != nil {
		st.freeContext()
		return nil, fmt.Errorf("failed to open capture device: %w", err)
	}
	st.device = device
	st.rate = int(device.SampleRate())

	if err := device.Start(); err != nil {
		device.Uninit()
		st.freeContext()
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}

	m.logger.Info("Microphone opened",
		slog.Int("sample_rate", st.rate),
		slog.Int("buffer_frames", m.cfg.BufferFrames),
	)

	return st, nil
}

type stream struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	rate   int
	ch     chan []float32

	mu     sync.Mutex
	closed bool
}

// onData runs on the audio thread. Input is interleaved little-endian
// float32; with one channel each frame is one sample.
func (s *stream) onData(_, input []byte, frameCount uint32) {
	block := make([]float32, frameCount)
	for i := range block {
		off := i * 4
		if off+4 > len(input) {
			block = block[:i]
			break
		}
		block[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[off:]))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- block
}

func (s *stream) SampleRate() int { return s.rate }

func (s *stream) Blocks() <-chan []float32 { return s.ch }

func (s *stream) Close() error {
	// Stop waits for the in-flight callback, so no block is sent after it
	var stopErr error
	if s.device != nil {
		stopErr = s.device.Stop()
	}

	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()

	if s.device != nil {
		s.device.Uninit()
		s.device = nil
	}
	s.freeContext()

	if stopErr != nil {
		return fmt.Errorf("failed to stop capture device: %w", stopErr)
	}
	return nil
}

func (s *stream) freeContext() {
	if s.ctx == nil {
		return
	}
	_ = s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
}
