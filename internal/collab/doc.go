// Package collab provides clients for the remote services a rehearsal
// depends on: evaluation of a recording against its sentence, translation of
// page notes, slowed speech synthesis and note transcription.
//
// Two providers implement the interfaces. The HTTP clients speak the
// rehearsal backend's wire format over a shared Transport that limits
// concurrency, retries 5xx, 429 and transport failures with exponential
// backoff and keeps request statistics. OpenAIProvider maps the same
// operations onto chat completions, Whisper and the speech endpoint.
// Every failure surfaces as a *NetworkError naming the operation.
package collab
