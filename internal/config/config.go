package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
)

// Config represents the complete daemon configuration
type Config struct {
	HTTP          HTTPConfig      `yaml:"http"`
	Audio         AudioConfig     `yaml:"audio"`
	Rehearsal     RehearsalConfig `yaml:"rehearsal"`
	Provider      string          `yaml:"provider"` // "http" or "openai"
	Evaluation    EndpointConfig  `yaml:"evaluation"`
	Translation   EndpointConfig  `yaml:"translation"`
	Synthesis     EndpointConfig  `yaml:"synthesis"`
	Transcription EndpointConfig  `yaml:"transcription"`
	OpenAI        OpenAIConfig    `yaml:"openai"`
	Logging       LoggingConfig   `yaml:"logging"`
}

// HTTPConfig contains control API server configuration
type HTTPConfig struct {
	Port            int      `yaml:"port"`
	Address         string   `yaml:"address"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	RateLimit       int      `yaml:"rate_limit"`       // requests per minute per client, 0 disables
	ShutdownTimeout int      `yaml:"shutdown_timeout"` // seconds
}

// AudioConfig contains microphone parameters
type AudioConfig struct {
	SampleRate   int `yaml:"sample_rate"`
	BufferFrames int `yaml:"buffer_frames"`
	Backlog      int `yaml:"backlog"` // blocks queued between device and session
}

// RehearsalConfig contains engine parameters
type RehearsalConfig struct {
	JobTimeout     int    `yaml:"job_timeout"` // seconds
	FailureMessage string `yaml:"failure_message"`
}

// EndpointConfig contains the settings of one HTTP collaborator
type EndpointConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	RetryBackoff  int    `yaml:"retry_backoff_ms"`
}

// OpenAIConfig contains OpenAI provider configuration
type OpenAIConfig struct {
	APIKey             string  `yaml:"api_key"`
	BaseURL            string  `yaml:"base_url"`
	ChatModel          string  `yaml:"chat_model"`
	TranscriptionModel string  `yaml:"transcription_model"`
	SpeechModel        string  `yaml:"speech_model"`
	Voice              string  `yaml:"voice"`
	SpeechSpeed        float64 `yaml:"speech_speed"`
	Language           string  `yaml:"language"`
	Timeout            int     `yaml:"timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for keys absent from the file
func Default() Config {
	endpoint := func(url string) EndpointConfig {
		return EndpointConfig{
			Endpoint:      url,
			Timeout:       60,
			MaxRetries:    2,
			MaxConcurrent: 4,
			RetryBackoff:  1000,
		}
	}

	return Config{
		HTTP: HTTPConfig{
			Port:            8090,
			Address:         "127.0.0.1",
			AllowedOrigins:  []string{"http://localhost:5173"},
			RateLimit:       600,
			ShutdownTimeout: 10,
		},
		Audio: AudioConfig{
			SampleRate:   44100,
			BufferFrames: 4096,
			Backlog:      256,
		},
		Rehearsal: RehearsalConfig{
			JobTimeout: 120,
		},
		Provider:      ProviderHTTP,
		Evaluation:    endpoint("http://localhost:8888/audioToText"),
		Translation:   endpoint("http://localhost:8888/api/gptTranslate/translateToEnglish"),
		Synthesis:     endpoint("http://localhost:8888/api/TTS/textToSpeachSlower"),
		Transcription: endpoint("http://localhost:8888/audioToText"),
		OpenAI: OpenAIConfig{
			SpeechSpeed: 0.8,
			Language:    "zh",
			Timeout:     60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file, expands ${VAR} references from the
// environment, applies it over Default and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Rehearsal.Validate(); err != nil {
		return fmt.Errorf("rehearsal config: %w", err)
	}

	switch c.Provider {
	case ProviderHTTP:
		endpoints := []struct {
			name string
			cfg  *EndpointConfig
		}{
			{"evaluation", &c.Evaluation},
			{"translation", &c.Translation},
			{"synthesis", &c.Synthesis},
			{"transcription", &c.Transcription},
		}
		for _, e := range endpoints {
			if err := e.cfg.Validate(); err != nil {
				return fmt.Errorf("%s config: %w", e.name, err)
			}
		}
	case ProviderOpenAI:
		if err := c.OpenAI.Validate(); err != nil {
			return fmt.Errorf("openai config: %w", err)
		}
	default:
		return fmt.Errorf("provider must be '%s' or '%s', got '%s'", ProviderHTTP, ProviderOpenAI, c.Provider)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty")
	}

	if h.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative, got %d", h.RateLimit)
	}

	if h.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", h.ShutdownTimeout)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.BufferFrames < 0 {
		return fmt.Errorf("buffer_frames cannot be negative, got %d", a.BufferFrames)
	}

	if a.Backlog < 1 {
		return fmt.Errorf("backlog must be at least 1, got %d", a.Backlog)
	}

	return nil
}

// Validate validates rehearsal configuration
func (r *RehearsalConfig) Validate() error {
	if r.JobTimeout < 1 {
		return fmt.Errorf("job_timeout must be at least 1 second, got %d", r.JobTimeout)
	}
	return nil
}

// Validate validates a collaborator endpoint
func (e *EndpointConfig) Validate() error {
	if e.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(e.Endpoint, "http://") && !strings.HasPrefix(e.Endpoint, "https://") {
		return fmt.Errorf("endpoint must be an http(s) URL, got '%s'", e.Endpoint)
	}

	if e.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", e.Timeout)
	}

	if e.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", e.MaxRetries)
	}

	if e.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", e.MaxConcurrent)
	}

	if e.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff_ms cannot be negative, got %d", e.RetryBackoff)
	}

	return nil
}

// Validate validates OpenAI configuration
func (o *OpenAIConfig) Validate() error {
	if o.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if o.SpeechSpeed < 0.25 || o.SpeechSpeed > 4.0 {
		return fmt.Errorf("speech_speed must be between 0.25 and 4.0, got %g", o.SpeechSpeed)
	}

	if o.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", o.Timeout)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetShutdownTimeoutDuration returns the HTTP shutdown timeout as a time.Duration
func (h *HTTPConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(h.ShutdownTimeout) * time.Second
}

// GetJobTimeoutDuration returns the collaborator job timeout as a time.Duration
func (r *RehearsalConfig) GetJobTimeoutDuration() time.Duration {
	return time.Duration(r.JobTimeout) * time.Second
}

// GetTimeoutDuration returns the endpoint timeout as a time.Duration
func (e *EndpointConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// GetRetryBackoffDuration returns the first retry delay as a time.Duration
func (e *EndpointConfig) GetRetryBackoffDuration() time.Duration {
	return time.Duration(e.RetryBackoff) * time.Millisecond
}

// GetTimeoutDuration returns the OpenAI request timeout as a time.Duration
func (o *OpenAIConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(o.Timeout) * time.Second
}
