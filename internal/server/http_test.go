package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YunYue1029/SpeakTospeakFront/internal/capture/capturetest"
	"github.com/YunYue1029/SpeakTospeakFront/internal/collab"
	"github.com/YunYue1029/SpeakTospeakFront/internal/config"
	"github.com/YunYue1029/SpeakTospeakFront/internal/metrics"
	"github.com/YunYue1029/SpeakTospeakFront/internal/rehearsal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubCollaborators struct {
	mismatched []string
	sentences  []string
	transcript string
}

func (s *stubCollaborators) Evaluate(ctx context.Context, wav []byte, inputText string) (*collab.Evaluation, error) {
	return &collab.Evaluation{
		SpokenText:       "the quick frown fox",
		MismatchedTokens: s.mismatched,
		Accuracy:         "75",
		Suggestion:       "Stress the b.",
	}, nil
}

func (s *stubCollaborators) Translate(ctx context.Context, text string) ([]string, error) {
	return s.sentences, nil
}

func (s *stubCollaborators) Synthesize(ctx context.Context, text string) (*collab.Audio, error) {
	return &collab.Audio{Data: []byte("ID3" + text), ContentType: "audio/mpeg"}, nil
}

func (s *stubCollaborators) Transcribe(ctx context.Context, wav []byte) (string, error) {
	return s.transcript, nil
}

type staticStats struct{ stats collab.ClientStats }

func (s staticStats) GetStats() collab.ClientStats { return s.stats }

type testServer struct {
	handler http.Handler
	engine  *rehearsal.Engine
	device  *capturetest.Device
	collabs *stubCollaborators
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	device := capturetest.NewDevice(16000)
	collabs := &stubCollaborators{
		mismatched: []string{"brown"},
		sentences:  []string{"Hello there.", "Welcome."},
		transcript: "口述筆記",
	}

	engine, err := rehearsal.NewEngine(rehearsal.NewStore(), device, rehearsal.Collaborators{
		Evaluator:   collabs,
		Translator:  collabs,
		Synthesizer: collabs,
		Transcriber: collabs,
	}, m, testLogger(), rehearsal.Config{JobTimeout: 5 * time.Second})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})

	cfg := config.Default().HTTP
	srv := NewHTTPServer(cfg, testLogger(), engine, m, reg,
		staticStats{collab.ClientStats{Operation: "evaluation", TotalRequests: 3}})

	return &testServer{handler: srv.Handler(), engine: engine, device: device, collabs: collabs}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status        string               `json:"status"`
		Collaborators []collab.ClientStats `json:"collaborators"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body.Status)
	require.Len(t, body.Collaborators, 1)
	assert.Equal(t, uint64(3), body.Collaborators[0].TotalRequests)
}

func TestDocumentAndNavigation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPut, "/document", map[string]int{"page_count": 3})
	require.Equal(t, http.StatusOK, rec.Code)

	var doc documentView
	decodeBody(t, rec, &doc)
	assert.Equal(t, 3, doc.PageCount)
	assert.Equal(t, []int{1, 2, 3}, doc.MissingPages)

	rec = ts.do(t, http.MethodPut, "/pages/2/reference", map[string][]string{"sentences": {"A.", "B."}})
	require.Equal(t, http.StatusOK, rec.Code)

	var key rehearsal.Key
	rec = ts.do(t, http.MethodPost, "/pages/next", nil)
	decodeBody(t, rec, &key)
	assert.Equal(t, rehearsal.Key{Page: 2, Sentence: 0}, key)

	rec = ts.do(t, http.MethodPut, "/selection", rehearsal.Key{Page: 2, Sentence: 7})
	decodeBody(t, rec, &key)
	assert.Equal(t, rehearsal.Key{Page: 2, Sentence: 1}, key)

	ts.do(t, http.MethodPost, "/pages/next", nil)
	rec = ts.do(t, http.MethodPost, "/pages/next", nil)
	decodeBody(t, rec, &key)
	assert.Equal(t, 3, key.Page, "navigation should clamp at the last page")

	rec = ts.do(t, http.MethodGet, "/document", nil)
	decodeBody(t, rec, &doc)
	assert.Equal(t, []int{1, 3}, doc.MissingPages)
}

func TestNoteEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/document", map[string]int{"page_count": 2})

	rec := ts.do(t, http.MethodPut, "/pages/1/note", map[string]string{"note": "開場白"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/pages/1/note", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Note    string `json:"note"`
		Message string `json:"message"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "開場白", body.Note)
	assert.Equal(t, "", body.Message)

	ts.engine.Store().SetPageMessage(1, rehearsal.MessageUploadFailed)
	rec = ts.do(t, http.MethodGet, "/pages/1/note", nil)
	decodeBody(t, rec, &body)
	assert.Equal(t, rehearsal.MessageUploadFailed, body.Message)

	rec = ts.do(t, http.MethodPut, "/pages/9/note", map[string]string{"note": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/pages/abc/note", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/pages/1/note", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing body should be rejected")
}

func TestCompletePage(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/document", map[string]int{"page_count": 2})

	rec := ts.do(t, http.MethodPost, "/pages/1/complete", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty note cannot be completed")

	ts.do(t, http.MethodPut, "/pages/1/note", map[string]string{"note": "你好"})
	rec = ts.do(t, http.MethodPost, "/pages/1/complete", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body struct {
		Selection rehearsal.Key `json:"selection"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 2, body.Selection.Page)

	ts.engine.Wait()
	assert.Equal(t, []string{"Hello there.", "Welcome."}, ts.engine.Store().Reference(1))
}

func TestRehearseFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/document", map[string]int{"page_count": 1})
	ts.do(t, http.MethodPut, "/pages/1/reference", map[string][]string{"sentences": {"The quick brown fox."}})

	rec := ts.do(t, http.MethodPost, "/capture/start", map[string]string{"mode": "rehearse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stream := ts.device.Last()
	require.NotNil(t, stream)
	require.True(t, stream.Push([]float32{0.1, -0.1, 0.2, -0.2}))

	rec = ts.do(t, http.MethodGet, "/capture", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state rehearsal.CaptureState
	decodeBody(t, rec, &state)
	assert.Equal(t, rehearsal.ModeRehearse, state.Mode)

	rec = ts.do(t, http.MethodPost, "/capture/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stopped struct {
		Recording *rehearsal.Recording `json:"recording"`
	}
	decodeBody(t, rec, &stopped)
	require.NotNil(t, stopped.Recording)
	assert.Equal(t, 4, stopped.Recording.Samples)

	ts.engine.Wait()

	rec = ts.do(t, http.MethodGet, "/units/1/0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Status               rehearsal.Status            `json:"status"`
		Evaluation           *rehearsal.EvaluationResult `json:"evaluation"`
		HighlightedReference string                      `json:"highlighted_reference"`
	}
	decodeBody(t, rec, &view)
	assert.Equal(t, rehearsal.StatusDone, view.Status)
	require.NotNil(t, view.Evaluation)
	assert.Equal(t, "75", view.Evaluation.Accuracy)
	assert.Equal(t, `The quick <span style="color: red;">brown</span> fox.`, view.HighlightedReference)

	rec = ts.do(t, http.MethodGet, "/recordings/"+stopped.Recording.ID+".wav", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Equal(t, "RIFF", string(rec.Body.Bytes()[:4]))
	assert.Equal(t, 44+4*2, rec.Body.Len())
}

func TestNoteModeCapture(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/document", map[string]int{"page_count": 1})

	rec := ts.do(t, http.MethodPost, "/capture/start", map[string]string{"mode": "note"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/capture/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ts.engine.Wait()

	rec = ts.do(t, http.MethodGet, "/pages/1/note", nil)
	var body struct {
		Note      string               `json:"note"`
		Recording *rehearsal.Recording `json:"recording"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "口述筆記", body.Note)
	assert.NotNil(t, body.Recording)
}

func TestCaptureErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/capture/start", map[string]string{"mode": "karaoke"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/capture/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, "mode defaults to rehearse")

	rec = ts.do(t, http.MethodPost, "/capture/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/capture/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/capture/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, "stop while idle is a no-op")
	assert.JSONEq(t, `{"recording":null}`, rec.Body.String())

	ts.device.Err = errors.New("microphone access denied")
	rec = ts.do(t, http.MethodPost, "/capture/start", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSynthesisEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/document", map[string]int{"page_count": 1})

	rec := ts.do(t, http.MethodPost, "/units/1/0/synthesize", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no reference sentence yet")

	rec = ts.do(t, http.MethodGet, "/units/1/0/synthesis", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.do(t, http.MethodPut, "/pages/1/reference", map[string][]string{"sentences": {"Good morning."}})

	rec = ts.do(t, http.MethodPost, "/units/1/0/synthesize", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/units/1/0/synthesis", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ID3Good morning.", rec.Body.String())
}

func TestUnknownRecording(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/recordings/does-not-exist.wav", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnitViewEscapesReference(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPut, "/pages/1/reference", map[string][]string{"sentences": {"<b>bold</b> & brave"}})

	rec := ts.do(t, http.MethodGet, "/units/1/0", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view struct {
		HighlightedReference string `json:"highlighted_reference"`
	}
	decodeBody(t, rec, &view)
	assert.Equal(t, "&lt;b&gt;bold&lt;/b&gt; &amp; brave", view.HighlightedReference)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/capture/start", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodGet, "/selection", nil)

	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `rehearsal_http_requests_total{endpoint="/selection",method="GET",status_code="200"} 1`),
		rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid page", rehearsal.ErrInvalidPage, http.StatusBadRequest},
		{"empty note", rehearsal.ErrEmptyNote, http.StatusBadRequest},
		{"shut down", rehearsal.ErrEngineClosed, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"network", &collab.NetworkError{Op: collab.OpSynthesis, StatusCode: 500, Err: errors.New("boom")}, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
