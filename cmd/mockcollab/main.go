package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/YunYue1029/SpeakTospeakFront/internal/audio"
)

const defaultTranscript = "the quick brown fox jumps over the lazy dog"

var (
	wordPattern     = regexp.MustCompile(`[\p{L}\p{N}']+`)
	sentencePattern = regexp.MustCompile(`[^。！？!?.]+[。！？!?.]?`)
)

// mockConfig controls the canned behaviour of the fake services
type mockConfig struct {
	Transcript string
	Delay      time.Duration
	FailEvery  int // Every Nth request answers 503, 0 disables
	SampleRate int
}

type mockServer struct {
	cfg      mockConfig
	logger   *slog.Logger
	requests atomic.Int64
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8888", "Listen address")
	transcript := flag.String("transcript", defaultTranscript, "Transcript returned for every recording")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	failEvery := flag.Int("fail-every", 0, "Answer every Nth request with 503")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m := &mockServer{
		cfg: mockConfig{
			Transcript: *transcript,
			Delay:      *delay,
			FailEvery:  *failEvery,
			SampleRate: 16000,
		},
		logger: logger,
	}

	logger.Info("Mock collaborator server starting",
		slog.String("address", *addr),
		slog.String("evaluation", "POST /audioToText"),
		slog.String("transcription", "POST /transcribe"),
		slog.String("translation", "POST /api/gptTranslate/translateToEnglish"),
		slog.String("synthesis", "POST /api/TTS/textToSpeachSlower"),
	)

	if err := http.ListenAndServe(*addr, m.routes()); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func (m *mockServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(m.simulate)

	r.Post("/audioToText", m.handleAudioToText)
	r.Post("/transcribe", m.handleAudioToText)
	r.Post("/api/gptTranslate/translateToEnglish", m.handleTranslate)
	r.Post("/api/TTS/textToSpeachSlower", m.handleSynthesize)

	return r
}

// simulate applies the configured latency and injected failures
func (m *mockServer) simulate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := m.requests.Add(1)

		if m.cfg.Delay > 0 {
			select {
			case <-time.After(m.cfg.Delay):
			case <-r.Context().Done():
				return
			}
		}

		if m.cfg.FailEvery > 0 && n%int64(m.cfg.FailEvery) == 0 {
			m.logger.Warn("Injected failure", slog.String("path", r.URL.Path), slog.Int64("request", n))
			http.Error(w, "injected failure", http.StatusServiceUnavailable)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleAudioToText answers both evaluation and transcription requests:
// the evaluation fields are filled when inputText is present
func (m *mockServer) handleAudioToText(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, err := audio.GetWAVInfo(data)
	if err != nil {
		http.Error(w, "Invalid WAV: "+err.Error(), http.StatusBadRequest)
		return
	}

	inputText := r.FormValue("inputText")

	m.logger.Info("Audio received",
		slog.String("filename", header.Filename),
		slog.Int("size", len(data)),
		slog.Uint64("sample_rate", uint64(info.SampleRate)),
		slog.Duration("duration", info.Duration),
		slog.String("input_text", inputText),
	)

	response := map[string]interface{}{
		"transcript": m.cfg.Transcript,
	}
	if inputText != "" {
		mismatched, accuracy := compareWords(inputText, m.cfg.Transcript)
		response["spoken_text"] = m.cfg.Transcript
		response["differences"] = mismatched
		response["accuracy"] = accuracy
		response["suggestion"] = suggestionFor(mismatched)
	}

	writeJSON(w, response)
}

func (m *mockServer) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChineseSpeech string `json:"chineseSpeech"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	pieces := sentenceTexts(req.ChineseSpeech)
	sentences := make([]string, len(pieces))
	for i := range pieces {
		sentences[i] = fmt.Sprintf("This is sentence number %d of the speech.", i+1)
	}

	m.logger.Info("Translation requested", slog.Int("sentences", len(sentences)))

	writeJSON(w, map[string]string{"reply": strings.Join(sentences, "\n\n")})
}

func (m *mockServer) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}

	words := len(wordPattern.FindAllString(req.Text, -1))
	duration := math.Max(0.5, 0.4*float64(words))

	wav, err := audio.EncodeWAV(sineWave(440, duration, m.cfg.SampleRate), m.cfg.SampleRate)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.logger.Info("Speech synthesized",
		slog.Int("words", words),
		slog.Float64("seconds", duration),
	)

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.WriteHeader(http.StatusOK)
	w.Write(wav)
}

// compareWords lists reference words absent from the transcript, in order
// and without repeats, and the share of reference words that were spoken
func compareWords(reference, transcript string) ([]string, int) {
	spoken := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(strings.ToLower(transcript), -1) {
		spoken[w] = true
	}

	words := wordPattern.FindAllString(reference, -1)
	if len(words) == 0 {
		return []string{}, 100
	}

	mismatched := []string{}
	seen := make(map[string]bool)
	matched := 0
	for _, w := range words {
		lw := strings.ToLower(w)
		if spoken[lw] {
			matched++
			continue
		}
		if !seen[lw] {
			seen[lw] = true
			mismatched = append(mismatched, w)
		}
	}

	return mismatched, matched * 100 / len(words)
}

func suggestionFor(mismatched []string) string {
	if len(mismatched) == 0 {
		return "Well done, every word was clear."
	}
	return fmt.Sprintf("Practise these words: %s.", strings.Join(mismatched, ", "))
}

func sentenceTexts(text string) []string {
	var out []string
	for _, s := range sentencePattern.FindAllString(text, -1) {
		if strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

func sineWave(freq, seconds float64, rate int) []float32 {
	n := int(seconds * float64(rate))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return samples
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
