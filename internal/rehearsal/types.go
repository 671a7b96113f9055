package rehearsal

import (
	"fmt"
	"time"
)

// Key addresses one rehearsal unit: a sentence of a page
type Key struct {
	Page     int `json:"page"`
	Sentence int `json:"sentence"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Page, k.Sentence)
}

// Mode selects what happens to a recording when capture stops
type Mode string

const (
	// ModeRehearse sends the recording for evaluation of the selected unit
	ModeRehearse Mode = "rehearse"
	// ModeNote transcribes the recording into the selected page's note
	ModeNote Mode = "note"
)

// ParseMode validates a mode name. The empty string means ModeRehearse.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeRehearse:
		return ModeRehearse, nil
	case ModeNote:
		return ModeNote, nil
	default:
		return "", fmt.Errorf("unknown capture mode %q", s)
	}
}

// Status is the user-visible progress of a unit
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusUploading Status = "uploading"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// Recording is the latest captured audio of a unit or page note
type Recording struct {
	ID         string        `json:"id"`
	Key        Key           `json:"key"`
	WAV        []byte        `json:"-"`
	SampleRate int           `json:"sample_rate"`
	Samples    int           `json:"samples"`
	Duration   time.Duration `json:"duration"`
	VoiceRatio float64       `json:"voice_ratio"`
	CreatedAt  time.Time     `json:"created_at"`
}

// EvaluationResult is the latest evaluation of a unit
type EvaluationResult struct {
	SpokenText       string    `json:"spoken_text"`
	MismatchedTokens []string  `json:"mismatched_tokens"`
	Accuracy         string    `json:"accuracy"`
	Suggestion       string    `json:"suggestion"`
	ReceivedAt       time.Time `json:"received_at"`
}

// Synthesis is reference audio generated for a unit's sentence
type Synthesis struct {
	Text        string    `json:"text"`
	Audio       []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Unit is a read-only view of everything stored for one key.
// Absent fields are empty strings, empty slices or nil.
type Unit struct {
	Key               Key               `json:"key"`
	Note              string            `json:"note"`
	Reference         []string          `json:"reference"`
	ReferenceSentence string            `json:"reference_sentence"`
	Recording         *Recording        `json:"recording"`
	Evaluation        *EvaluationResult `json:"evaluation"`
	Synthesis         *Synthesis        `json:"synthesis"`
	Status            Status            `json:"status"`
	Message           string            `json:"message"`
	PageMessage       string            `json:"page_message"`
}
