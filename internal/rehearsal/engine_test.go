package rehearsal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YunYue1029/SpeakTospeakFront/internal/audio"
	"github.com/YunYue1029/SpeakTospeakFront/internal/capture"
	"github.com/YunYue1029/SpeakTospeakFront/internal/capture/capturetest"
	"github.com/YunYue1029/SpeakTospeakFront/internal/collab"
	"github.com/YunYue1029/SpeakTospeakFront/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// gatedEvaluator holds every call until the test releases it
type gatedEvaluator struct {
	mu      sync.Mutex
	gates   []chan struct{}
	inputs  []string
	started chan int
	fail    bool
}

func newGatedEvaluator() *gatedEvaluator {
	return &gatedEvaluator{started: make(chan int, 16)}
}

func (g *gatedEvaluator) Evaluate(ctx context.Context, wav []byte, inputText string) (*collab.Evaluation, error) {
	g.mu.Lock()
	idx := len(g.gates)
	gate := make(chan struct{})
	g.gates = append(g.gates, gate)
	g.inputs = append(g.inputs, inputText)
	fail := g.fail
	g.mu.Unlock()

	g.started <- idx

	select {
	case <-gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if fail {
		return nil, &collab.NetworkError{Op: collab.OpEvaluation, StatusCode: 502, Err: errors.New("bad gateway")}
	}
	return &collab.Evaluation{
		SpokenText:       fmt.Sprintf("attempt %d", idx),
		MismatchedTokens: []string{"brown"},
		Accuracy:         "75",
		Suggestion:       "slow down",
	}, nil
}

func (g *gatedEvaluator) release(i int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.gates[i])
}

func (g *gatedEvaluator) input(i int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inputs[i]
}

type fakeTranslator struct {
	sentences []string
	err       error
	calls     atomic.Int32
}

func (f *fakeTranslator) Translate(ctx context.Context, text string) ([]string, error) {
	f.calls.Add(1)
	return f.sentences, f.err
}

type fakeSynthesizer struct {
	calls atomic.Int32
	hold  chan struct{}
	err   error
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) (*collab.Audio, error) {
	f.calls.Add(1)
	if f.hold != nil {
		<-f.hold
	}
	if f.err != nil {
		return nil, f.err
	}
	return &collab.Audio{Data: []byte("audio:" + text), ContentType: "audio/mpeg"}, nil
}

type fakeTranscriber struct {
	transcript string
	err        error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return f.transcript, f.err
}

type fixture struct {
	engine      *Engine
	device      *capturetest.Device
	evaluator   *gatedEvaluator
	translator  *fakeTranslator
	synthesizer *fakeSynthesizer
	transcriber *fakeTranscriber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		device:      capturetest.NewDevice(16000),
		evaluator:   newGatedEvaluator(),
		translator:  &fakeTranslator{},
		synthesizer: &fakeSynthesizer{},
		transcriber: &fakeTranscriber{},
	}

	engine, err := NewEngine(NewStore(), f.device, Collaborators{
		Evaluator:   f.evaluator,
		Translator:  f.translator,
		Synthesizer: f.synthesizer,
		Transcriber: f.transcriber,
	}, metrics.NewMetrics(prometheus.NewRegistry()), testLogger(), Config{JobTimeout: 5 * time.Second})
	require.NoError(t, err)

	f.engine = engine
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})
	return f
}

// record runs one capture of the given samples
func (f *fixture) record(t *testing.T, mode Mode, samples ...float32) *Recording {
	t.Helper()
	require.NoError(t, f.engine.StartCapture(context.Background(), mode))
	f.device.Last().Push(samples)
	rec, err := f.engine.StopCapture()
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(NewStore(), capturetest.NewDevice(16000), Collaborators{},
		metrics.NewMetrics(prometheus.NewRegistry()), testLogger(), Config{})
	assert.Error(t, err)
}

func TestNavigationClamps(t *testing.T) {
	f := newFixture(t)
	e := f.engine

	assert.Equal(t, Key{Page: 1}, e.Selection())

	_, err := e.SetPageCount(3)
	require.NoError(t, err)

	assert.Equal(t, Key{Page: 3}, e.Select(9, 0))
	assert.Equal(t, Key{Page: 1}, e.Select(-2, 0))

	// No reference: sentence is always 0
	assert.Equal(t, Key{Page: 2}, e.Select(2, 4))

	require.NoError(t, e.SetReference(2, []string{"a", "b", "c"}))
	assert.Equal(t, Key{Page: 2, Sentence: 2}, e.Select(2, 7))
	assert.Equal(t, Key{Page: 2, Sentence: 1}, e.Select(2, 1))

	// Shrinking the reference re-clamps the selection
	require.NoError(t, e.SetReference(2, []string{"only"}))
	assert.Equal(t, Key{Page: 2}, e.Selection())

	assert.Equal(t, Key{Page: 3}, e.NextPage())
	assert.Equal(t, Key{Page: 3}, e.NextPage())
	assert.Equal(t, Key{Page: 2}, e.PrevPage())

	_, err = e.SetPageCount(1)
	require.NoError(t, err)
	assert.Equal(t, Key{Page: 1}, e.Selection())

	_, err = e.SetPageCount(-1)
	assert.ErrorIs(t, err, ErrInvalidPage)

	assert.ErrorIs(t, e.SetNote(4, "x"), ErrInvalidPage)
}

func TestRecordingStoredAndEvaluated(t *testing.T) {
	f := newFixture(t)
	e := f.engine

	e.SetPageCount(2)
	require.NoError(t, e.SetReference(1, []string{"The quick brown fox"}))

	rec := f.record(t, ModeRehearse, 0.1, -0.1, 0.2)
	assert.Equal(t, 3, rec.Samples)
	assert.Len(t, rec.WAV, audio.WAVHeaderSize+6)
	assert.NotEmpty(t, rec.ID)

	<-f.evaluator.started
	assert.Equal(t, "The quick brown fox", f.evaluator.input(0))

	unit := e.Store().Get(1, 0)
	assert.Equal(t, StatusUploading, unit.Status)
	require.NotNil(t, unit.Recording)
	assert.Equal(t, rec.ID, unit.Recording.ID)
	assert.Nil(t, unit.Evaluation)

	f.evaluator.release(0)
	e.Wait()

	unit = e.Store().Get(1, 0)
	assert.Equal(t, StatusDone, unit.Status)
	require.NotNil(t, unit.Evaluation)
	assert.Equal(t, "attempt 0", unit.Evaluation.SpokenText)
	assert.Equal(t, []string{"brown"}, unit.Evaluation.MismatchedTokens)
	assert.Equal(t, "75", unit.Evaluation.Accuracy)
}

func TestEvaluationBoundToSubmissionKey(t *testing.T) {
	f := newFixture(t)
	e := f.engine

	e.SetPageCount(5)
	require.NoError(t, e.SetReference(3, []string{"first", "second"}))

	assert.Equal(t, Key{Page: 2}, e.Select(2, 0))
	f.record(t, ModeRehearse, 0.5)
	<-f.evaluator.started

	assert.Equal(t, Key{Page: 3, Sentence: 1}, e.Select(3, 1))

	f.evaluator.release(0)
	e.Wait()

	assert.NotNil(t, e.Store().Get(2, 0).Evaluation)
	assert.Nil(t, e.Store().Get(3, 1).Evaluation)
	assert.Nil(t, e.Store().Get(3, 1).Recording)
	assert.Equal(t, Key{Page: 3, Sentence: 1}, e.Selection())
}

func TestOutOfOrderEvaluationsLastArrivalWins(t *testing.T) {
	f := newFixture(t)
	e := f.engine

	f.record(t, ModeRehearse, 0.1)
	<-f.evaluator.started
	second := f.record(t, ModeRehearse, 0.2)
	<-f.evaluator.started

	// The newer request answers first
	f.evaluator.release(1)
	require.Eventually(t, func() bool {
		ev := e.Store().Get(1, 0).Evaluation
		return ev != nil && ev.SpokenText == "attempt 1"
	}, time.Second, 5*time.Millisecond)

	// The stale response arrives last and overwrites it
	f.evaluator.release(0)
	e.Wait()

	unit := e.Store().Get(1, 0)
	assert.Equal(t, "attempt 0", unit.Evaluation.SpokenText)
	assert.Equal(t, second.ID, unit.Recording.ID, "recording stays the latest one")
}

func TestEvaluationFailureKeepsRecording(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	f.evaluator.fail = true

	rec := f.record(t, ModeRehearse, 0.3)
	<-f.evaluator.started
	f.evaluator.release(0)
	e.Wait()

	unit := e.Store().Get(1, 0)
	assert.Equal(t, StatusFailed, unit.Status)
	assert.Equal(t, MessageUploadFailed, unit.Message)
	require.NotNil(t, unit.Recording)
	assert.Equal(t, rec.ID, unit.Recording.ID)
	assert.Nil(t, unit.Evaluation)

	// A later success clears the message
	f.evaluator.fail = false
	f.record(t, ModeRehearse, 0.3)
	<-f.evaluator.started
	f.evaluator.release(1)
	e.Wait()

	unit = e.Store().Get(1, 0)
	assert.Equal(t, StatusDone, unit.Status)
	assert.Equal(t, "", unit.Message)
}

func TestStartCaptureBusy(t *testing.T) {
	f := newFixture(t)
	e := f.engine

	require.NoError(t, e.StartCapture(context.Background(), ModeRehearse))
	assert.Equal(t, StatusRecording, e.Store().Status(Key{Page: 1}))

	err := e.StartCapture(context.Background(), ModeNote)
	assert.ErrorIs(t, err, capture.ErrSessionBusy)

	state := e.CaptureState()
	assert.Equal(t, "capturing", state.State)
	assert.Equal(t, ModeRehearse, state.Mode)

	_, err = e.StopCapture()
	require.NoError(t, err)
	<-f.evaluator.started
	f.evaluator.release(0)
}

func TestStopCaptureWhileIdle(t *testing.T) {
	f := newFixture(t)

	rec, err := f.engine.StopCapture()
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStartCapturePermissionDenied(t *testing.T) {
	f := newFixture(t)
	f.device.Err = errors.New("NotAllowedError")

	err := f.engine.StartCapture(context.Background(), ModeRehearse)
	assert.ErrorIs(t, err, capture.ErrPermission)
	assert.Equal(t, StatusIdle, f.engine.Store().Status(Key{Page: 1}))
	assert.Equal(t, "idle", f.engine.CaptureState().State)

	// The engine recovers once the device works
	f.device.Err = nil
	require.NoError(t, f.engine.StartCapture(context.Background(), ModeRehearse))
	f.engine.StopCapture()
	<-f.evaluator.started
	f.evaluator.release(0)
}

func TestRecordingBindsToUnitSelectedAtStop(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	e.SetPageCount(3)

	require.NoError(t, e.StartCapture(context.Background(), ModeRehearse))
	f.device.Last().Push([]float32{0.1})
	e.Select(2, 0)

	rec, err := e.StopCapture()
	require.NoError(t, err)
	assert.Equal(t, Key{Page: 2}, rec.Key)

	assert.Nil(t, e.Store().Get(1, 0).Recording)
	assert.Equal(t, StatusIdle, e.Store().Status(Key{Page: 1}))
	assert.NotNil(t, e.Store().Get(2, 0).Recording)

	<-f.evaluator.started
	f.evaluator.release(0)
}

func TestNoteModeReplacesNote(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	f.transcriber.transcript = "今天我們談談 Go"

	e.SetPageCount(2)
	e.Select(2, 0)
	require.NoError(t, e.SetNote(2, "舊的筆記"))

	rec := f.record(t, ModeNote, 0.1, 0.2)
	e.Wait()

	assert.Equal(t, "今天我們談談 Go", e.Store().Note(2))
	noteRec := e.Store().NoteRecording(2)
	require.NotNil(t, noteRec)
	assert.Equal(t, rec.ID, noteRec.ID)

	// Dictation does not create a rehearsal recording
	assert.Nil(t, e.Store().Get(2, 0).Recording)
}

func TestNoteModeFailureKeepsNote(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	f.transcriber.err = &collab.NetworkError{Op: collab.OpTranscription, StatusCode: 500, Err: errors.New("boom")}

	e.SetNote(1, "keep me")
	f.record(t, ModeNote, 0.1)
	e.Wait()

	assert.Equal(t, "keep me", e.Store().Note(1))
	assert.Equal(t, MessageUploadFailed, e.Store().PageMessage(1))
	assert.Equal(t, MessageUploadFailed, e.Store().Get(1, 0).PageMessage)
	assert.Equal(t, "", e.Store().Get(1, 0).Message)
}

func TestNoteSuccessKeepsUnitFailure(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	e.SetPageCount(2)
	e.Select(2, 0)

	f.evaluator.fail = true
	f.record(t, ModeRehearse, 0.3)
	<-f.evaluator.started
	f.evaluator.release(0)
	e.Wait()

	f.transcriber.transcript = "第二頁"
	f.record(t, ModeNote, 0.1)
	e.Wait()

	unit := e.Store().Get(2, 0)
	assert.Equal(t, "第二頁", unit.Note)
	assert.Equal(t, StatusFailed, unit.Status)
	assert.Equal(t, MessageUploadFailed, unit.Message)
	assert.Equal(t, "", unit.PageMessage)
}

func TestEvaluationSuccessKeepsNoteFailure(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	e.SetPageCount(2)
	e.Select(2, 0)

	f.transcriber.err = &collab.NetworkError{Op: collab.OpTranscription, StatusCode: 502, Err: errors.New("bad gateway")}
	f.record(t, ModeNote, 0.1)
	e.Wait()

	f.record(t, ModeRehearse, 0.3)
	<-f.evaluator.started
	f.evaluator.release(0)
	e.Wait()

	unit := e.Store().Get(2, 0)
	assert.Equal(t, StatusDone, unit.Status)
	assert.Equal(t, "", unit.Message)
	assert.Equal(t, MessageUploadFailed, unit.PageMessage)
}

func TestCompletePage(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	f.translator.sentences = []string{"Hello everyone.", "Welcome."}

	e.SetPageCount(3)
	_, err := e.CompletePage(1)
	assert.ErrorIs(t, err, ErrEmptyNote)
	assert.Equal(t, int32(0), f.translator.calls.Load())

	require.NoError(t, e.SetNote(1, "大家好。歡迎。"))
	next, err := e.CompletePage(1)
	require.NoError(t, err)
	assert.Equal(t, Key{Page: 2}, next)

	// The user keeps moving before the translation lands
	e.NextPage()
	e.Wait()

	assert.Equal(t, []string{"Hello everyone.", "Welcome."}, e.Store().Reference(1))
	assert.Empty(t, e.Store().Reference(3))
	assert.Equal(t, Key{Page: 3}, e.Selection())
	assert.Equal(t, []int{2, 3}, e.MissingReferences())

	_, err = e.CompletePage(7)
	assert.ErrorIs(t, err, ErrInvalidPage)
}

func TestCompletePageTranslationFailure(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	f.translator.err = &collab.NetworkError{Op: collab.OpTranslation, Err: errors.New("refused")}

	e.SetPageCount(2)
	e.SetNote(1, "筆記")
	e.SetReference(1, []string{"old"})

	_, err := e.CompletePage(1)
	require.NoError(t, err)
	e.Wait()

	assert.Equal(t, []string{"old"}, e.Store().Reference(1))
	assert.Equal(t, MessageUploadFailed, e.Store().PageMessage(1))
	assert.Equal(t, "", e.Store().Get(1, 0).Message)
}

func TestSynthesize(t *testing.T) {
	f := newFixture(t)
	e := f.engine

	_, err := e.Synthesize(context.Background(), Key{Page: 1})
	assert.ErrorIs(t, err, ErrNoReference)

	e.SetReference(1, []string{"Hello.", "Goodbye."})

	syn, err := e.Synthesize(context.Background(), Key{Page: 1, Sentence: 1})
	require.NoError(t, err)
	assert.Equal(t, "Goodbye.", syn.Text)
	assert.Equal(t, []byte("audio:Goodbye."), syn.Audio)

	stored := e.Store().Synthesis(Key{Page: 1, Sentence: 1})
	require.NotNil(t, stored)
	assert.Equal(t, "audio/mpeg", stored.ContentType)
}

func TestSynthesizeSharesConcurrentCalls(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	f.synthesizer.hold = make(chan struct{})
	e.SetReference(1, []string{"Hello."})

	var wg sync.WaitGroup
	results := make([]*Synthesis, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			syn, err := e.Synthesize(context.Background(), Key{Page: 1})
			assert.NoError(t, err)
			results[i] = syn
		}(i)
	}

	require.Eventually(t, func() bool { return f.synthesizer.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.synthesizer.hold)
	wg.Wait()

	assert.Equal(t, int32(1), f.synthesizer.calls.Load())
	for _, syn := range results {
		require.NotNil(t, syn)
		assert.Equal(t, "Hello.", syn.Text)
	}
}

func TestSynthesizeFailureSetsMessage(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	f.synthesizer.err = &collab.NetworkError{Op: collab.OpSynthesis, StatusCode: 503, Err: errors.New("down")}
	e.SetReference(1, []string{"Hello."})

	_, err := e.Synthesize(context.Background(), Key{Page: 1})
	var netErr *collab.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Equal(t, MessageUploadFailed, e.Store().Get(1, 0).Message)
}

func TestShutdownStopsCapture(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.StartCapture(context.Background(), ModeRehearse))
	stream := f.device.Last()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	assert.True(t, stream.Closed())
	assert.Equal(t, "idle", f.engine.CaptureState().State)
}

// startPending begins a capture that waits on the held device
func (f *fixture) startPending(t *testing.T) <-chan error {
	t.Helper()
	f.device.Hold = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		errc <- f.engine.StartCapture(context.Background(), ModeRehearse)
	}()
	require.Eventually(t, func() bool {
		return f.engine.CaptureState().State == "requesting_device"
	}, time.Second, 5*time.Millisecond)
	return errc
}

func TestShutdownAbortsPendingDeviceRequest(t *testing.T) {
	f := newFixture(t)
	errc := f.startPending(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	assert.ErrorIs(t, <-errc, ErrEngineClosed)
	assert.Equal(t, 0, f.device.Opened())
	assert.Equal(t, "idle", f.engine.CaptureState().State)
	assert.Equal(t, StatusIdle, f.engine.Store().Status(Key{Page: 1}))
}

func TestShutdownReleasesDeviceOpenedLate(t *testing.T) {
	f := newFixture(t)
	f.device.IgnoreCancel = true
	errc := f.startPending(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	// The device grants access only after shutdown
	close(f.device.Hold)
	assert.ErrorIs(t, <-errc, ErrEngineClosed)

	require.Equal(t, 1, f.device.Opened())
	assert.True(t, f.device.Last().Closed())
	assert.Equal(t, "idle", f.engine.CaptureState().State)
	assert.Nil(t, f.engine.CaptureState().StartKey)
}

func TestStartCaptureAfterShutdown(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	assert.ErrorIs(t, f.engine.StartCapture(context.Background(), ModeRehearse), ErrEngineClosed)
	assert.Equal(t, 0, f.device.Opened())
}
