package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	translationPrompt = "Translate the user's Chinese speech notes into natural spoken English suitable for a presentation. " +
		"Put a blank line between sentences. Reply with the translation only."

	evaluationPrompt = "You compare a speaker's rehearsal against the sentence they intended to say. " +
		"Reply with a JSON object with the keys spoken_text (the transcript as given), " +
		"differences (array of words from the intended sentence that were missing or mispronounced), " +
		"accuracy (integer percentage 0-100) and suggestion (one short coaching tip)."
)

// OpenAIConfig configures the OpenAI-backed collaborators
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	ChatModel          string
	TranscriptionModel string
	SpeechModel        string
	Voice              string
	SpeechSpeed        float64 // Below 1.0 slows the reference audio
	Language           string
	Timeout            time.Duration
}

// OpenAIProvider implements every collaborator interface on the OpenAI API
type OpenAIProvider struct {
	client   *openai.Client
	config   OpenAIConfig
	recorder Recorder
	logger   *slog.Logger
}

// NewOpenAIProvider creates an OpenAI client. recorder may be nil.
func NewOpenAIProvider(config OpenAIConfig, recorder Recorder, logger *slog.Logger) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai API key cannot be empty")
	}
	if config.ChatModel == "" {
		config.ChatModel = openai.GPT4oMini
	}
	if config.TranscriptionModel == "" {
		config.TranscriptionModel = openai.Whisper1
	}
	if config.SpeechModel == "" {
		config.SpeechModel = string(openai.TTSModel1)
	}
	if config.Voice == "" {
		config.Voice = string(openai.VoiceAlloy)
	}
	if config.SpeechSpeed <= 0 {
		config.SpeechSpeed = 0.8
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}

	return &OpenAIProvider{
		client:   openai.NewClientWithConfig(clientConfig),
		config:   config,
		recorder: recorder,
		logger:   logger,
	}, nil
}

// Translate implements Translator with a chat completion
func (p *OpenAIProvider) Translate(ctx context.Context, text string) ([]string, error) {
	var sentences []string
	err := p.observe(OpTranslation, func() error {
		content, err := p.complete(ctx, translationPrompt, text, false)
		if err != nil {
			return err
		}
		sentences = SplitSentences(strings.TrimSpace(content))
		return nil
	})
	return sentences, err
}

// Transcribe implements Transcriber with Whisper
func (p *OpenAIProvider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	var transcript string
	err := p.observe(OpTranscription, func() error {
		var err error
		transcript, err = p.transcribe(ctx, wav)
		return err
	})
	return transcript, err
}

// Synthesize implements Synthesizer with the speech endpoint at the
// configured slowed speed
func (p *OpenAIProvider) Synthesize(ctx context.Context, text string) (*Audio, error) {
	var clip *Audio
	err := p.observe(OpSynthesis, func() error {
		resp, err := p.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(p.config.SpeechModel),
			Input:          text,
			Voice:          openai.SpeechVoice(p.config.Voice),
			ResponseFormat: openai.SpeechResponseFormatMp3,
			Speed:          p.config.SpeechSpeed,
		})
		if err != nil {
			return err
		}
		defer resp.Close()

		data, err := io.ReadAll(resp)
		if err != nil {
			return fmt.Errorf("failed to read speech audio: %w", err)
		}
		if len(data) == 0 {
			return fmt.Errorf("%w: empty audio", ErrMalformedResponse)
		}
		clip = &Audio{Data: data, ContentType: "audio/mpeg"}
		return nil
	})
	return clip, err
}

// Evaluate implements Evaluator: Whisper transcribes the recording and a
// JSON-mode chat completion compares it with inputText
func (p *OpenAIProvider) Evaluate(ctx context.Context, wav []byte, inputText string) (*Evaluation, error) {
	var eval *Evaluation
	err := p.observe(OpEvaluation, func() error {
		transcript, err := p.transcribe(ctx, wav)
		if err != nil {
			return err
		}

		prompt, err := json.Marshal(map[string]string{
			"intended_sentence": inputText,
			"transcript":        transcript,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal evaluation prompt: %w", err)
		}

		content, err := p.complete(ctx, evaluationPrompt, string(prompt), true)
		if err != nil {
			return err
		}

		eval, err = ParseEvaluation([]byte(StripCodeFence(content)))
		if err != nil {
			return err
		}
		eval.SpokenText = transcript
		return nil
	})
	return eval, err
}

func (p *OpenAIProvider) transcribe(ctx context.Context, wav []byte) (string, error) {
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.config.TranscriptionModel,
		FilePath: recordingFilename,
		Reader:   bytes.NewReader(wav),
		Language: p.config.Language,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (p *OpenAIProvider) complete(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: p.config.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrMalformedResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// observe records metrics for one call and converts its error
func (p *OpenAIProvider) observe(op Op, call func() error) error {
	start := time.Now()
	p.recorder.RecordCollabRequest(string(op))

	err := call()
	elapsed := time.Since(start).Seconds()
	if err == nil {
		p.recorder.RecordCollabSuccess(string(op), elapsed)
		return nil
	}

	p.recorder.RecordCollabFailure(string(op), elapsed)
	p.logger.Warn("OpenAI request failed",
		slog.String("operation", string(op)),
		slog.String("error", err.Error()),
	)
	return toNetworkError(op, err)
}

func toNetworkError(op Op, err error) *NetworkError {
	ne := &NetworkError{Op: op, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		ne.StatusCode = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		ne.StatusCode = reqErr.HTTPStatusCode
	}
	return ne
}
