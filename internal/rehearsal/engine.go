package rehearsal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/YunYue1029/SpeakTospeakFront/internal/capture"
	"github.com/YunYue1029/SpeakTospeakFront/internal/collab"
	"github.com/YunYue1029/SpeakTospeakFront/internal/metrics"
)

// MessageUploadFailed is shown on a unit whose collaborator request failed
const MessageUploadFailed = "上傳失敗，請檢查網路連線或伺服器狀態。"

var (
	// ErrInvalidPage is returned for a page outside the document
	ErrInvalidPage = errors.New("page out of range")

	// ErrEmptyNote is returned when completing a page without a note
	ErrEmptyNote = errors.New("page note is empty")

	// ErrNoReference is returned when a unit has no sentence to synthesize
	ErrNoReference = errors.New("unit has no reference sentence")

	// ErrEngineClosed is returned by StartCapture after Shutdown
	ErrEngineClosed = errors.New("rehearsal engine is shut down")
)

// Collaborators are the remote services the engine submits work to
type Collaborators struct {
	Evaluator   collab.Evaluator
	Translator  collab.Translator
	Synthesizer collab.Synthesizer
	Transcriber collab.Transcriber
}

// Config contains engine settings
type Config struct {
	JobTimeout     time.Duration // Deadline of one background collaborator call
	FailureMessage string        // Message stored on a unit when a call fails
}

// activeCapture binds an in-progress capture to its mode and start unit
type activeCapture struct {
	mode       Mode
	startKey   Key
	prevStatus Status
	cancel     context.CancelFunc // Aborts a pending device request

	started  bool // Device opened, guarded by Engine.mu
	stopping bool // StopCapture took ownership, guarded by Engine.mu
}

// CaptureState describes the capture in progress, if any
type CaptureState struct {
	capture.Status
	Mode     Mode `json:"mode,omitempty"`
	StartKey *Key `json:"start_key,omitempty"`
}

// EngineStats represents engine state for monitoring
type EngineStats struct {
	PageCount int          `json:"page_count"`
	Selection Key          `json:"selection"`
	Capture   CaptureState `json:"capture"`
}

// Engine is the single rehearsal session shared by every screen. It owns
// navigation, the capture session and the background collaborator jobs,
// and writes every result to the Store under the key bound at submission.
type Engine struct {
	store   *Store
	session *capture.Session
	collab  Collaborators
	metrics *metrics.Metrics
	logger  *slog.Logger
	config  Config

	pageCount int
	selected  Key
	active    *activeCapture
	closed    bool

	mu sync.Mutex

	synth singleflight.Group

	// Background job control
	ctx    context.Context
	cancel context.CancelFunc
	jobs   sync.WaitGroup
}

// NewEngine creates an engine capturing from device
func NewEngine(store *Store, device capture.Device, collabs Collaborators, m *metrics.Metrics, logger *slog.Logger, config Config) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if device == nil {
		return nil, fmt.Errorf("capture device cannot be nil")
	}
	if collabs.Evaluator == nil || collabs.Translator == nil || collabs.Synthesizer == nil || collabs.Transcriber == nil {
		return nil, fmt.Errorf("all collaborators must be configured")
	}
	if m == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}

	if config.JobTimeout <= 0 {
		config.JobTimeout = 2 * time.Minute
	}
	if config.FailureMessage == "" {
		config.FailureMessage = MessageUploadFailed
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		store:    store,
		collab:   collabs,
		metrics:  m,
		logger:   logger,
		config:   config,
		selected: Key{Page: 1},
		ctx:      ctx,
		cancel:   cancel,
	}
	e.session = capture.NewSession(device, capture.NewGate(), logger, e.onCaptureState)

	return e, nil
}

// Store returns the engine's store
func (e *Engine) Store() *Store {
	return e.store
}

// onCaptureState feeds capture transitions into metrics
func (e *Engine) onCaptureState(from, to capture.State) {
	switch to {
	case capture.StateCapturing:
		e.metrics.RecordCaptureStarted()
	case capture.StateFailed:
		e.metrics.RecordCaptureFailed("device")
	}
}

// SetPageCount sets the number of pages of the loaded document and clamps
// the selection into it. Zero means no document bound.
func (e *Engine) SetPageCount(n int) (Key, error) {
	if n < 0 {
		return Key{}, fmt.Errorf("%w: page count %d", ErrInvalidPage, n)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pageCount = n
	e.selected = e.clampLocked(e.selected.Page, e.selected.Sentence)

	e.logger.Info("Document page count set", slog.Int("page_count", n))
	return e.selected, nil
}

// PageCount returns the number of pages, 0 when unknown
func (e *Engine) PageCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pageCount
}

// Selection returns the selected unit
func (e *Engine) Selection() Key {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Select moves the selection, clamping page and sentence
func (e *Engine) Select(page, sentence int) Key {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.selected = e.clampLocked(page, sentence)
	return e.selected
}

// NextPage selects sentence 0 of the following page
func (e *Engine) NextPage() Key {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.selected = e.clampLocked(e.selected.Page+1, 0)
	return e.selected
}

// PrevPage selects sentence 0 of the preceding page
func (e *Engine) PrevPage() Key {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.selected = e.clampLocked(e.selected.Page-1, 0)
	return e.selected
}

// clampLocked keeps page in [1, pageCount] and sentence in
// [0, len(reference)), or 0 without a reference
func (e *Engine) clampLocked(page, sentence int) Key {
	if page < 1 {
		page = 1
	}
	if e.pageCount > 0 && page > e.pageCount {
		page = e.pageCount
	}

	n := e.store.ReferenceLen(page)
	switch {
	case n == 0 || sentence < 0:
		sentence = 0
	case sentence >= n:
		sentence = n - 1
	}

	return Key{Page: page, Sentence: sentence}
}

// ValidPage reports whether page lies inside the document
func (e *Engine) ValidPage(page int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return page >= 1 && (e.pageCount == 0 || page <= e.pageCount)
}

// SetNote replaces the note of a page
func (e *Engine) SetNote(page int, text string) error {
	if !e.ValidPage(page) {
		return fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}
	e.store.SetNote(page, text)
	return nil
}

// SetReference replaces the reference sentences of a page and re-clamps
// the selection when it points into that page
func (e *Engine) SetReference(page int, sentences []string) error {
	if !e.ValidPage(page) {
		return fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}
	e.store.SetReference(page, sentences)

	e.mu.Lock()
	if e.selected.Page == page {
		e.selected = e.clampLocked(e.selected.Page, e.selected.Sentence)
	}
	e.mu.Unlock()
	return nil
}

// MissingReferences lists the pages of the document that have no reference
func (e *Engine) MissingReferences() []int {
	return e.store.PagesWithoutReference(e.PageCount())
}

// StartCapture begins recording for the selected unit. A second start
// while one is requesting the device or capturing returns
// capture.ErrSessionBusy.
func (e *Engine) StartCapture(ctx context.Context, mode Mode) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.active != nil && !e.active.stopping {
		e.mu.Unlock()
		e.metrics.RecordCaptureRejected()
		return capture.ErrSessionBusy
	}
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ac := &activeCapture{mode: mode, startKey: e.selected, cancel: cancel}
	e.active = ac
	e.mu.Unlock()

	if mode == ModeRehearse {
		ac.prevStatus = e.store.Status(ac.startKey)
		e.store.SetStatus(ac.startKey, StatusRecording)
	}

	err := e.session.Start(startCtx)

	e.mu.Lock()
	closed := e.closed
	if err == nil && !closed {
		ac.started = true
	} else if e.active == ac {
		e.active = nil
	}
	e.mu.Unlock()

	if closed {
		// Shutdown ran while the device was being requested
		if err == nil {
			if _, stopErr := e.session.Stop(); stopErr != nil {
				e.logger.Warn("Error releasing capture after shutdown", slog.String("error", stopErr.Error()))
			}
		}
		err = ErrEngineClosed
	}

	if err != nil {
		if mode == ModeRehearse && e.store.Status(ac.startKey) == StatusRecording {
			e.store.SetStatus(ac.startKey, ac.prevStatus)
		}
		if errors.Is(err, capture.ErrSessionBusy) {
			e.metrics.RecordCaptureRejected()
		}
		e.logger.Warn("Failed to start capture",
			slog.String("mode", string(mode)),
			slog.String("unit", ac.startKey.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.logger.Info("Capture started",
		slog.String("mode", string(mode)),
		slog.Int("page", ac.startKey.Page),
		slog.Int("sentence", ac.startKey.Sentence),
	)
	return nil
}

// StopCapture finishes the capture, stores the recording under the unit
// selected now and submits it. Stopping with no capture in progress is a
// no-op returning nil, nil. A new capture may start while this one is
// being encoded.
func (e *Engine) StopCapture() (*Recording, error) {
	e.mu.Lock()
	ac := e.active
	if ac == nil || !ac.started || ac.stopping {
		e.mu.Unlock()
		return nil, nil
	}
	ac.stopping = true
	key := e.selected
	e.mu.Unlock()

	captured, err := e.session.Stop()

	e.mu.Lock()
	if e.active == ac {
		e.active = nil
	}
	e.mu.Unlock()

	if captured == nil && err == nil {
		// Shutdown released the device first
		return nil, nil
	}

	if err != nil {
		if ac.mode == ModeRehearse && e.store.Status(ac.startKey) == StatusRecording {
			e.store.SetStatus(ac.startKey, ac.prevStatus)
		}
		e.metrics.RecordCaptureFailed("encoding")
		return nil, err
	}

	rec := &Recording{
		ID:         uuid.NewString(),
		Key:        key,
		WAV:        captured.WAV,
		SampleRate: captured.SampleRate,
		Samples:    captured.Samples,
		Duration:   captured.Duration,
		VoiceRatio: captured.VoiceRatio,
		CreatedAt:  captured.StoppedAt,
	}
	e.metrics.RecordCaptureCompleted(rec.Duration.Seconds(), len(rec.WAV))

	if rec.Samples > 0 && rec.VoiceRatio == 0 {
		e.logger.Warn("Recording contains no speech above the voice threshold",
			slog.String("recording_id", rec.ID),
			slog.Duration("duration", rec.Duration),
		)
	}

	switch ac.mode {
	case ModeNote:
		e.store.PutNoteRecording(key.Page, rec)
		e.submitTranscription(key.Page, rec)

	default:
		if ac.startKey != key && e.store.Status(ac.startKey) == StatusRecording {
			e.store.SetStatus(ac.startKey, ac.prevStatus)
		}
		e.store.PutRecording(key, rec)
		e.store.SetStatus(key, StatusUploading)
		e.store.SetMessage(key, "")
		e.submitEvaluation(key, rec, e.store.Get(key.Page, key.Sentence).ReferenceSentence)
	}

	e.logger.Info("Recording stored",
		slog.String("recording_id", rec.ID),
		slog.String("mode", string(ac.mode)),
		slog.Int("page", key.Page),
		slog.Int("sentence", key.Sentence),
		slog.Duration("duration", rec.Duration),
	)

	return copyRecording(rec), nil
}

// CaptureState returns the capture in progress
func (e *Engine) CaptureState() CaptureState {
	state := CaptureState{Status: e.session.Status()}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		k := e.active.startKey
		state.Mode = e.active.mode
		state.StartKey = &k
	}
	return state
}

// GetStats returns current engine state
func (e *Engine) GetStats() EngineStats {
	captureState := e.CaptureState()

	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStats{
		PageCount: e.pageCount,
		Selection: e.selected,
		Capture:   captureState,
	}
}

// submitEvaluation sends rec for comparison with inputText. The result is
// written to key, whatever is selected when it arrives.
func (e *Engine) submitEvaluation(key Key, rec *Recording, inputText string) {
	e.runJob(func(ctx context.Context) {
		res, err := e.collab.Evaluator.Evaluate(ctx, rec.WAV, inputText)
		if err != nil {
			e.store.SetStatus(key, StatusFailed)
			e.store.SetMessage(key, e.config.FailureMessage)
			e.logger.Warn("Evaluation failed",
				slog.String("recording_id", rec.ID),
				slog.Int("page", key.Page),
				slog.Int("sentence", key.Sentence),
				slog.String("error", err.Error()),
			)
			return
		}

		e.store.PutEvaluation(key, &EvaluationResult{
			SpokenText:       res.SpokenText,
			MismatchedTokens: res.MismatchedTokens,
			Accuracy:         res.Accuracy,
			Suggestion:       res.Suggestion,
			ReceivedAt:       time.Now(),
		})
		e.store.SetStatus(key, StatusDone)
		e.metrics.RecordEvaluationApplied()

		e.logger.Info("Evaluation applied",
			slog.String("recording_id", rec.ID),
			slog.Int("page", key.Page),
			slog.Int("sentence", key.Sentence),
			slog.String("accuracy", res.Accuracy),
			slog.Int("mismatched", len(res.MismatchedTokens)),
		)
	})
}

// submitTranscription replaces the page note with the transcript of rec
func (e *Engine) submitTranscription(page int, rec *Recording) {
	e.runJob(func(ctx context.Context) {
		transcript, err := e.collab.Transcriber.Transcribe(ctx, rec.WAV)
		if err != nil {
			e.store.SetPageMessage(page, e.config.FailureMessage)
			e.logger.Warn("Note transcription failed",
				slog.String("recording_id", rec.ID),
				slog.Int("page", page),
				slog.String("error", err.Error()),
			)
			return
		}

		e.store.SetNote(page, transcript)
		e.store.SetPageMessage(page, "")
		e.logger.Info("Note transcribed",
			slog.Int("page", page),
			slog.Int("characters", len([]rune(transcript))),
		)
	})
}

// CompletePage advances to the next page and translates the note of page
// in the background. The translation becomes the reference of page even if
// the selection has moved on.
func (e *Engine) CompletePage(page int) (Key, error) {
	if !e.ValidPage(page) {
		return Key{}, fmt.Errorf("%w: %d", ErrInvalidPage, page)
	}

	note := e.store.Note(page)
	if strings.TrimSpace(note) == "" {
		return Key{}, ErrEmptyNote
	}

	next := e.Select(page+1, 0)

	e.runJob(func(ctx context.Context) {
		sentences, err := e.collab.Translator.Translate(ctx, note)
		if err != nil {
			e.store.SetPageMessage(page, e.config.FailureMessage)
			e.logger.Warn("Page translation failed",
				slog.Int("page", page),
				slog.String("error", err.Error()),
			)
			return
		}

		if err := e.SetReference(page, sentences); err != nil {
			e.logger.Warn("Dropping translation for page outside document",
				slog.Int("page", page),
				slog.String("error", err.Error()),
			)
			return
		}
		e.store.SetPageMessage(page, "")
		e.logger.Info("Page translated",
			slog.Int("page", page),
			slog.Int("sentences", len(sentences)),
		)
	})

	return next, nil
}

// Synthesize renders the reference sentence of key as slowed speech and
// keeps it on the unit. Concurrent requests for one unit share a call.
func (e *Engine) Synthesize(ctx context.Context, key Key) (*Synthesis, error) {
	text := e.store.Get(key.Page, key.Sentence).ReferenceSentence
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoReference, key)
	}

	ch := e.synth.DoChan(key.String()+"\x00"+text, func() (interface{}, error) {
		jobCtx, cancel := context.WithTimeout(e.ctx, e.config.JobTimeout)
		defer cancel()

		clip, err := e.collab.Synthesizer.Synthesize(jobCtx, text)
		if err != nil {
			e.store.SetMessage(key, e.config.FailureMessage)
			return nil, err
		}

		syn := &Synthesis{
			Text:        text,
			Audio:       clip.Data,
			ContentType: clip.ContentType,
			CreatedAt:   time.Now(),
		}
		e.store.PutSynthesis(key, syn)
		return syn, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			e.logger.Warn("Synthesis failed",
				slog.String("unit", key.String()),
				slog.String("error", res.Err.Error()),
			)
			return nil, res.Err
		}
		out := *res.Val.(*Synthesis)
		return &out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runJob runs fn on its own goroutine with the job deadline. Jobs
// submitted after Shutdown are dropped.
func (e *Engine) runJob(fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Warn("Dropping collaborator job submitted after shutdown")
		return
	}
	e.jobs.Add(1)
	e.mu.Unlock()
	e.metrics.JobStarted()

	go func() {
		defer e.jobs.Done()
		defer e.metrics.JobFinished()

		ctx, cancel := context.WithTimeout(e.ctx, e.config.JobTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Wait blocks until every background job has finished
func (e *Engine) Wait() {
	e.jobs.Wait()
}

// Shutdown releases the microphone and waits for background jobs until
// ctx expires, then cancels what is left
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info("Stopping rehearsal engine...")

	e.mu.Lock()
	e.closed = true
	if e.active != nil && !e.active.started {
		e.active.cancel()
	}
	e.mu.Unlock()

	if _, err := e.session.Stop(); err != nil {
		e.logger.Warn("Error finalizing capture on shutdown", slog.String("error", err.Error()))
	}
	e.mu.Lock()
	e.active = nil
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.jobs.Wait()
		close(done)
	}()

	defer e.cancel()

	select {
	case <-done:
		e.logger.Info("Rehearsal engine stopped")
		return nil
	case <-ctx.Done():
		e.logger.Warn("Cancelling unfinished collaborator jobs")
		return ctx.Err()
	}
}
