package audio

import (
	"sync"
	"time"
)

// SampleBuffer accumulates blocks of mono float samples delivered by a
// capture stream. Blocks are kept in arrival order and never dropped,
// truncated or reordered.
type SampleBuffer struct {
	blocks     [][]float32
	sampleLen  int       // Sum of all block lengths
	lastUpdate time.Time // Last time a block was appended

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	Blocks     int       `json:"blocks"`
	Samples    int       `json:"samples"`
	LastUpdate time.Time `json:"last_update"`
}

// NewSampleBuffer creates an empty sample buffer
func NewSampleBuffer() *SampleBuffer {
	return &SampleBuffer{
		blocks: make([][]float32, 0, 64),
	}
}

// Append copies one capture block onto the end of the buffer.
// The caller may reuse block after Append returns.
func (b *SampleBuffer) Append(block []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	owned := make([]float32, len(block))
	copy(owned, block)

	b.blocks = append(b.blocks, owned)
	b.sampleLen += len(owned)
	b.lastUpdate = time.Now()
}

// Flatten returns every appended sample as one contiguous slice
func (b *SampleBuffer) Flatten() []float32 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]float32, 0, b.sampleLen)
	for _, block := range b.blocks {
		out = append(out, block...)
	}
	return out
}

// Reset drops all blocks. Must be called before a new capture begins.
func (b *SampleBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.blocks = b.blocks[:0]
	b.sampleLen = 0
	b.lastUpdate = time.Time{}
}

// Len returns the total number of buffered samples
func (b *SampleBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sampleLen
}

// BlockCount returns the number of appended blocks
func (b *SampleBuffer) BlockCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blocks)
}

// Duration returns the buffered audio length at the given sample rate
func (b *SampleBuffer) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return time.Duration(b.sampleLen) * time.Second / time.Duration(sampleRate)
}

// GetStats returns current buffer statistics
func (b *SampleBuffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return BufferStats{
		Blocks:     len(b.blocks),
		Samples:    b.sampleLen,
		LastUpdate: b.lastUpdate,
	}
}
