package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/YunYue1029/SpeakTospeakFront/internal/capture"
	"github.com/YunYue1029/SpeakTospeakFront/internal/collab"
	"github.com/YunYue1029/SpeakTospeakFront/internal/config"
	"github.com/YunYue1029/SpeakTospeakFront/internal/highlight"
	"github.com/YunYue1029/SpeakTospeakFront/internal/metrics"
	"github.com/YunYue1029/SpeakTospeakFront/internal/rehearsal"
)

const maxBodyBytes = 1 << 20

// StatsProvider reports request statistics of one collaborator client
type StatsProvider interface {
	GetStats() collab.ClientStats
}

// HTTPServer exposes the rehearsal engine as a local JSON API
type HTTPServer struct {
	server  *http.Server
	router  chi.Router
	logger  *slog.Logger
	engine  *rehearsal.Engine
	metrics *metrics.Metrics
	clients []StatsProvider

	startTime time.Time
}

// NewHTTPServer creates a new control API server. Prometheus metrics are
// served from gatherer.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, engine *rehearsal.Engine,
	m *metrics.Metrics, gatherer prometheus.Gatherer, clients ...StatsProvider) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		engine:    engine,
		metrics:   m,
		clients:   clients,
		startTime: time.Now(),
	}

	h.router = h.setupRoutes(cfg, gatherer)

	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           h.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(cfg config.HTTPConfig, gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
		}
		r.Use(h.withMetrics)

		r.Get("/health", h.handleHealth)

		r.Get("/document", h.handleGetDocument)
		r.Put("/document", h.handlePutDocument)

		r.Get("/selection", h.handleGetSelection)
		r.Put("/selection", h.handlePutSelection)
		r.Post("/pages/next", h.handleNextPage)
		r.Post("/pages/prev", h.handlePrevPage)

		r.Route("/pages/{page}", func(r chi.Router) {
			r.Get("/note", h.handleGetNote)
			r.Put("/note", h.handlePutNote)
			r.Put("/reference", h.handlePutReference)
			r.Post("/complete", h.handleCompletePage)
		})

		r.Get("/capture", h.handleCaptureState)
		r.Post("/capture/start", h.handleCaptureStart)
		r.Post("/capture/stop", h.handleCaptureStop)

		r.Route("/units/{page}/{sentence}", func(r chi.Router) {
			r.Get("/", h.handleGetUnit)
			r.Post("/synthesize", h.handleSynthesize)
			r.Get("/synthesis", h.handleGetSynthesis)
		})

		r.Get("/recordings/{id}.wav", h.handleGetRecording)
	})

	return r
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}

		statusCode := strconv.Itoa(ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, time.Since(startTime).Seconds())

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	collaborators := make([]collab.ClientStats, 0, len(h.clients))
	for _, c := range h.clients {
		collaborators = append(collaborators, c.GetStats())
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"timestamp":     time.Now().UTC(),
		"uptime":        time.Since(h.startTime).String(),
		"engine":        h.engine.GetStats(),
		"collaborators": collaborators,
	})
}

type documentView struct {
	PageCount    int           `json:"page_count"`
	Selection    rehearsal.Key `json:"selection"`
	MissingPages []int         `json:"missing_pages"`
}

func (h *HTTPServer) document() documentView {
	return documentView{
		PageCount:    h.engine.PageCount(),
		Selection:    h.engine.Selection(),
		MissingPages: h.engine.MissingReferences(),
	}
}

func (h *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.document())
}

func (h *HTTPServer) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PageCount int `json:"page_count"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if _, err := h.engine.SetPageCount(req.PageCount); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.document())
}

func (h *HTTPServer) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Selection())
}

func (h *HTTPServer) handlePutSelection(w http.ResponseWriter, r *http.Request) {
	var req rehearsal.Key
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Select(req.Page, req.Sentence))
}

func (h *HTTPServer) handleNextPage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.NextPage())
}

func (h *HTTPServer) handlePrevPage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.PrevPage())
}

func (h *HTTPServer) handleGetNote(w http.ResponseWriter, r *http.Request) {
	page, ok := h.pageParam(w, r)
	if !ok {
		return
	}

	store := h.engine.Store()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"page":      page,
		"note":      store.Note(page),
		"recording": store.NoteRecording(page),
		"message":   store.PageMessage(page),
	})
}

func (h *HTTPServer) handlePutNote(w http.ResponseWriter, r *http.Request) {
	page, ok := h.pageParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.engine.SetNote(page, req.Note); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"page": page, "note": req.Note})
}

func (h *HTTPServer) handlePutReference(w http.ResponseWriter, r *http.Request) {
	page, ok := h.pageParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Sentences []string `json:"sentences"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.engine.SetReference(page, req.Sentences); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"page":      page,
		"sentences": h.engine.Store().Reference(page),
	})
}

func (h *HTTPServer) handleCompletePage(w http.ResponseWriter, r *http.Request) {
	page, ok := h.pageParam(w, r)
	if !ok {
		return
	}

	next, err := h.engine.CompletePage(page)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"completed": page,
		"selection": next,
	})
}

func (h *HTTPServer) handleCaptureState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.CaptureState())
}

func (h *HTTPServer) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	// The body is optional
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	mode, err := rehearsal.ParseMode(req.Mode)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.engine.StartCapture(r.Context(), mode); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.CaptureState())
}

func (h *HTTPServer) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.StopCapture()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"recording": rec})
}

// unitView is a unit with its reference sentence marked up
type unitView struct {
	rehearsal.Unit
	HighlightedReference string `json:"highlighted_reference"`
}

func (h *HTTPServer) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	key, ok := h.keyParam(w, r)
	if !ok {
		return
	}

	unit := h.engine.Store().Get(key.Page, key.Sentence)

	var mismatched []string
	if unit.Evaluation != nil {
		mismatched = unit.Evaluation.MismatchedTokens
	}

	writeJSON(w, http.StatusOK, unitView{
		Unit:                 unit,
		HighlightedReference: highlight.Highlight(unit.ReferenceSentence, mismatched),
	})
}

func (h *HTTPServer) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	key, ok := h.keyParam(w, r)
	if !ok {
		return
	}

	syn, err := h.engine.Synthesize(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syn)
}

func (h *HTTPServer) handleGetSynthesis(w http.ResponseWriter, r *http.Request) {
	key, ok := h.keyParam(w, r)
	if !ok {
		return
	}

	syn := h.engine.Store().Synthesis(key)
	if syn == nil {
		writeJSONError(w, http.StatusNotFound, "no synthesis for unit "+key.String())
		return
	}

	w.Header().Set("Content-Type", syn.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(syn.Audio)))
	w.WriteHeader(http.StatusOK)
	w.Write(syn.Audio)
}

func (h *HTTPServer) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, ok := h.engine.Store().RecordingByID(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "recording not found")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.WAV)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".wav"))
	w.WriteHeader(http.StatusOK)
	w.Write(rec.WAV)
}

// pageParam parses the {page} URL parameter
func (h *HTTPServer) pageParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid page")
		return 0, false
	}
	if !h.engine.ValidPage(page) {
		h.writeError(w, fmt.Errorf("%w: %d", rehearsal.ErrInvalidPage, page))
		return 0, false
	}
	return page, true
}

// keyParam parses the {page}/{sentence} URL parameters
func (h *HTTPServer) keyParam(w http.ResponseWriter, r *http.Request) (rehearsal.Key, bool) {
	page, ok := h.pageParam(w, r)
	if !ok {
		return rehearsal.Key{}, false
	}

	sentence, err := strconv.Atoi(chi.URLParam(r, "sentence"))
	if err != nil || sentence < 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid sentence")
		return rehearsal.Key{}, false
	}
	return rehearsal.Key{Page: page, Sentence: sentence}, true
}

// decode reads a JSON request body into v, answering 400 on failure
func (h *HTTPServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

// writeError maps engine errors onto HTTP status codes
func (h *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.logger.Error("Request failed", slog.String("error", err.Error()))
	}
	writeJSONError(w, status, err.Error())
}

func statusFor(err error) int {
	var netErr *collab.NetworkError

	switch {
	case errors.Is(err, capture.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, capture.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, rehearsal.ErrEngineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, rehearsal.ErrInvalidPage),
		errors.Is(err, rehearsal.ErrEmptyNote),
		errors.Is(err, rehearsal.ErrNoReference):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &netErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
