package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/YunYue1029/SpeakTospeakFront/internal/capture/malgodev"
	"github.com/YunYue1029/SpeakTospeakFront/internal/collab"
	"github.com/YunYue1029/SpeakTospeakFront/internal/config"
	"github.com/YunYue1029/SpeakTospeakFront/internal/metrics"
	"github.com/YunYue1029/SpeakTospeakFront/internal/rehearsal"
	"github.com/YunYue1029/SpeakTospeakFront/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "rehearsald"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envPath := flag.String("env", ".env", "Optional dotenv file loaded before the configuration")
	flag.Parse()

	// A missing .env is fine; real environment variables still apply
	envErr := godotenv.Load(*envPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)
	if envErr != nil {
		logger.Debug("No dotenv file loaded", slog.String("path", *envPath))
	}

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("provider", cfg.Provider),
		slog.Duration("job_timeout", cfg.Rehearsal.GetJobTimeoutDuration()),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	collabs, transports, err := buildCollaborators(cfg, appMetrics, logger)
	if err != nil {
		logger.Error("Failed to create collaborators", slog.String("error", err.Error()))
		os.Exit(1)
	}

	microphone := malgodev.New(malgodev.Config{
		SampleRate:   cfg.Audio.SampleRate,
		BufferFrames: cfg.Audio.BufferFrames,
		Backlog:      cfg.Audio.Backlog,
	}, logger)

	engine, err := rehearsal.NewEngine(rehearsal.NewStore(), microphone, collabs, appMetrics, logger, rehearsal.Config{
		JobTimeout:     cfg.Rehearsal.GetJobTimeoutDuration(),
		FailureMessage: cfg.Rehearsal.FailureMessage,
	})
	if err != nil {
		logger.Error("Failed to create rehearsal engine", slog.String("error", err.Error()))
		os.Exit(1)
	}

	stats := make([]server.StatsProvider, 0, len(transports))
	for _, t := range transports {
		stats = append(stats, t)
	}
	httpServer := server.NewHTTPServer(cfg.HTTP, logger, engine, appMetrics, prometheus.DefaultGatherer, stats...)

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.GetShutdownTimeoutDuration())
	defer shutdownCancel()

	// Stop HTTP server first (stop accepting new requests)
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Release the microphone and wait for in-flight collaborator jobs
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping rehearsal engine", slog.String("error", err.Error()))
	}

	var g errgroup.Group
	for _, t := range transports {
		g.Go(t.Close)
	}
	if err := g.Wait(); err != nil {
		logger.Error("Error closing collaborator clients", slog.String("error", err.Error()))
	}

	final := engine.GetStats()
	logger.Info("Final engine statistics",
		slog.Int("page_count", final.PageCount),
		slog.String("selection", final.Selection.String()),
	)

	logger.Info("Service stopped")
}

// buildCollaborators creates the collaborator clients for the configured
// provider. The returned transports are non-empty only for the http provider.
func buildCollaborators(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (rehearsal.Collaborators, []*collab.Transport, error) {
	if cfg.Provider == config.ProviderOpenAI {
		provider, err := collab.NewOpenAIProvider(collab.OpenAIConfig{
			APIKey:             cfg.OpenAI.APIKey,
			BaseURL:            cfg.OpenAI.BaseURL,
			ChatModel:          cfg.OpenAI.ChatModel,
			TranscriptionModel: cfg.OpenAI.TranscriptionModel,
			SpeechModel:        cfg.OpenAI.SpeechModel,
			Voice:              cfg.OpenAI.Voice,
			SpeechSpeed:        cfg.OpenAI.SpeechSpeed,
			Language:           cfg.OpenAI.Language,
			Timeout:            cfg.OpenAI.GetTimeoutDuration(),
		}, m, logger)
		if err != nil {
			return rehearsal.Collaborators{}, nil, err
		}

		logger.Info("OpenAI collaborators initialized")
		return rehearsal.Collaborators{
			Evaluator:   provider,
			Translator:  provider,
			Synthesizer: provider,
			Transcriber: provider,
		}, nil, nil
	}

	newTransport := func(op collab.Op, ec config.EndpointConfig) (*collab.Transport, error) {
		t, err := collab.NewTransport(op, collab.Config{
			Endpoint:      ec.Endpoint,
			APIKey:        ec.APIKey,
			Timeout:       ec.GetTimeoutDuration(),
			MaxRetries:    ec.MaxRetries,
			MaxConcurrent: ec.MaxConcurrent,
			RetryBackoff:  ec.GetRetryBackoffDuration(),
		}, m, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s client: %w", op, err)
		}
		logger.Info("Collaborator client initialized",
			slog.String("operation", string(op)),
			slog.String("endpoint", ec.Endpoint),
		)
		return t, nil
	}

	evaluation, err := newTransport(collab.OpEvaluation, cfg.Evaluation)
	if err != nil {
		return rehearsal.Collaborators{}, nil, err
	}
	translation, err := newTransport(collab.OpTranslation, cfg.Translation)
	if err != nil {
		return rehearsal.Collaborators{}, nil, err
	}
	synthesis, err := newTransport(collab.OpSynthesis, cfg.Synthesis)
	if err != nil {
		return rehearsal.Collaborators{}, nil, err
	}
	transcription, err := newTransport(collab.OpTranscription, cfg.Transcription)
	if err != nil {
		return rehearsal.Collaborators{}, nil, err
	}

	return rehearsal.Collaborators{
		Evaluator:   collab.NewHTTPEvaluator(evaluation),
		Translator:  collab.NewHTTPTranslator(translation),
		Synthesizer: collab.NewHTTPSynthesizer(synthesis),
		Transcriber: collab.NewHTTPTranscriber(transcription),
	}, []*collab.Transport{evaluation, translation, synthesis, transcription}, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
