package collab

import (
	"context"
	"errors"
	"fmt"
)

// Op names a collaborator operation. It labels errors, logs and metrics.
type Op string

const (
	OpEvaluation    Op = "evaluation"
	OpTranslation   Op = "translation"
	OpSynthesis     Op = "synthesis"
	OpTranscription Op = "transcription"
)

// Evaluation is the comparison of a spoken recording against its text
type Evaluation struct {
	SpokenText       string   `json:"spoken_text"`
	MismatchedTokens []string `json:"differences"`
	Accuracy         string   `json:"accuracy"`
	Suggestion       string   `json:"suggestion"`
}

// Audio is a synthesized clip
type Audio struct {
	Data        []byte
	ContentType string
}

// Evaluator transcribes a recording and compares it with inputText
type Evaluator interface {
	Evaluate(ctx context.Context, wav []byte, inputText string) (*Evaluation, error)
}

// Translator turns page notes into reference sentences, in order
type Translator interface {
	Translate(ctx context.Context, text string) ([]string, error)
}

// Synthesizer renders text as speech at the slowed rehearsal rate
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*Audio, error)
}

// Transcriber converts a recording to text
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// ErrMalformedResponse is wrapped when a collaborator answers with a body
// that cannot be interpreted
var ErrMalformedResponse = errors.New("malformed collaborator response")

// NetworkError reports a failed collaborator exchange. StatusCode is 0 when
// no HTTP response was received.
type NetworkError struct {
	Op         Op
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s request failed with HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the request may succeed
func (e *NetworkError) Temporary() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	if errors.Is(e.Err, ErrMalformedResponse) {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}
