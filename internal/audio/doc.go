// Package audio handles capture buffering and PCM encoding.
// It accumulates float sample blocks in arrival order and encodes them into
// the mono 16-bit WAV container used for playback, download and upload.
package audio
