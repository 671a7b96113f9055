package vad

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultThreshold is the RMS above which a block counts as voiced,
	// roughly -40 dBFS
	DefaultThreshold float32 = 0.01

	defaultSmoothing float32 = 0.3
)

// Result is the measurement of one block
type Result struct {
	RMS      float32 `json:"rms"`       // Energy of this block, 0.0 - 1.0
	Level    float32 `json:"level"`     // Smoothed level across blocks
	HasVoice bool    `json:"has_voice"` // Whether RMS reached the threshold
}

// Stats summarises every block seen since the last Reset
type Stats struct {
	TotalBlocks   uint64    `json:"total_blocks"`
	VoiceBlocks   uint64    `json:"voice_blocks"`
	VoiceRatio    float64   `json:"voice_ratio"`
	Level         float32   `json:"level"`
	Peak          float32   `json:"peak"`
	LastProcessed time.Time `json:"last_processed"`
}

// Meter tracks the level of a sample stream. It is safe for concurrent use.
type Meter struct {
	threshold float32
	smoothing float32

	level         float32
	peak          float32
	totalBlocks   uint64
	voiceBlocks   uint64
	lastProcessed time.Time

	mu sync.Mutex
}

// NewMeter creates a new level meter. A threshold outside (0, 1) falls
// back to DefaultThreshold.
func NewMeter(threshold float32) *Meter {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	return &Meter{
		threshold: threshold,
		smoothing: defaultSmoothing,
	}
}

// Process measures one block of samples in [-1, 1]
func (m *Meter) Process(block []float32) Result {
	rms := RMS(block)

	m.mu.Lock()
	defer m.mu.Unlock()

	level := rms
	if m.totalBlocks > 0 {
		level = m.smoothing*rms + (1-m.smoothing)*m.level
	}
	m.level = level

	hasVoice := rms >= m.threshold

	m.totalBlocks++
	if hasVoice {
		m.voiceBlocks++
	}
	for _, s := range block {
		if a := float32(math.Abs(float64(s))); a > m.peak {
			m.peak = a
		}
	}
	m.lastProcessed = time.Now()

	return Result{RMS: rms, Level: level, HasVoice: hasVoice}
}

// GetStats returns the meter statistics
func (m *Meter) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		TotalBlocks:   m.totalBlocks,
		VoiceBlocks:   m.voiceBlocks,
		Level:         m.level,
		Peak:          m.peak,
		LastProcessed: m.lastProcessed,
	}
	if m.totalBlocks > 0 {
		stats.VoiceRatio = float64(m.voiceBlocks) / float64(m.totalBlocks)
	}
	return stats
}

// Threshold returns the voiced RMS threshold
func (m *Meter) Threshold() float32 {
	return m.threshold
}

// Reset clears the level and counters
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.level = 0
	m.peak = 0
	m.totalBlocks = 0
	m.voiceBlocks = 0
	m.lastProcessed = time.Time{}
}

// RMS returns the root mean square of block, clamped to [0, 1].
// An empty block has no energy.
func RMS(block []float32) float32 {
	if len(block) == 0 {
		return 0
	}

	var energy float64
	for _, s := range block {
		if math.IsNaN(float64(s)) {
			continue
		}
		energy += float64(s) * float64(s)
	}
	energy = math.Sqrt(energy / float64(len(block)))

	if energy > 1.0 {
		energy = 1.0
	}
	return float32(energy)
}
