// Package capture runs microphone capture sessions.
//
// A Session moves through Idle, RequestingDevice, Capturing and Finalizing.
// While capturing, a single goroutine appends every block delivered by the
// device Stream to a SampleBuffer in arrival order. Stop closes the stream,
// waits for the last block and encodes the samples as WAV. A Gate shared by
// all sessions of one process keeps a second capture from starting while one
// is requesting the device or capturing.
package capture
