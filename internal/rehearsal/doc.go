// Package rehearsal keeps the state of a speech rehearsal and drives it.
//
// A document has pages; each page has a free-text note and a list of
// reference sentences. A unit is one sentence of one page, addressed by Key.
// For every unit the Store keeps the latest recording, the latest
// evaluation, synthesized reference audio, a status and a user-visible
// message.
//
// The Engine owns navigation and the capture session. When a capture
// stops, the recording is stored under the unit selected at that moment and
// submitted to the evaluator on a background goroutine that carries the Key
// by value. The result is written to that Key even if the user has navigated
// elsewhere. Responses for one unit apply in arrival order.
package rehearsal
