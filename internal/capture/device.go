package capture

import "context"

// Device is a source of microphone audio. Opening it may block while the
// platform asks the user for permission.
type Device interface {
	// Open acquires the input device and starts delivering sample blocks
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open capture handle owned by exactly one Session
type Stream interface {
	// SampleRate returns the rate reported by the device, in Hz
	SampleRate() int

	// Blocks delivers mono float samples in [-1, 1] in device order.
	// The channel is closed once the stream is closed.
	Blocks() <-chan []float32

	// Close stops delivery and releases the device
	Close() error
}
