package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
)

const recordingFilename = "recording.wav"

// HTTPEvaluator posts recordings to the comparison service
type HTTPEvaluator struct {
	*Transport
}

// NewHTTPEvaluator creates an evaluation client on transport
func NewHTTPEvaluator(transport *Transport) *HTTPEvaluator {
	return &HTTPEvaluator{Transport: transport}
}

// Evaluate uploads wav with the sentence it should match
func (c *HTTPEvaluator) Evaluate(ctx context.Context, wav []byte, inputText string) (*Evaluation, error) {
	resp, err := c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return newMultipartRequest(ctx, c.Endpoint(), wav, map[string]string{"inputText": inputText})
	})
	if err != nil {
		return nil, err
	}

	eval, err := ParseEvaluation(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: OpEvaluation, Err: err}
	}
	return eval, nil
}

// HTTPTranslator posts page notes to the translation service
type HTTPTranslator struct {
	*Transport
}

// NewHTTPTranslator creates a translation client on transport
func NewHTTPTranslator(transport *Transport) *HTTPTranslator {
	return &HTTPTranslator{Transport: transport}
}

// Translate returns the translated note as ordered sentences
func (c *HTTPTranslator) Translate(ctx context.Context, text string) ([]string, error) {
	payload, err := json.Marshal(map[string]string{"chineseSpeech": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal translation request: %w", err)
	}

	resp, err := c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return newJSONRequest(ctx, c.Endpoint(), payload)
	})
	if err != nil {
		return nil, err
	}

	sentences, err := ParseTranslation(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: OpTranslation, Err: err}
	}
	return sentences, nil
}

// HTTPSynthesizer posts text to the slowed text-to-speech endpoint
type HTTPSynthesizer struct {
	*Transport
}

// NewHTTPSynthesizer creates a synthesis client on transport
func NewHTTPSynthesizer(transport *Transport) *HTTPSynthesizer {
	return &HTTPSynthesizer{Transport: transport}
}

// Synthesize returns the audio body as served by the endpoint
func (c *HTTPSynthesizer) Synthesize(ctx context.Context, text string) (*Audio, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	resp, err := c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return newJSONRequest(ctx, c.Endpoint(), payload)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Body) == 0 {
		return nil, &NetworkError{Op: OpSynthesis, Err: fmt.Errorf("%w: empty audio", ErrMalformedResponse)}
	}

	contentType := resp.ContentType
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = http.DetectContentType(resp.Body)
	}
	return &Audio{Data: resp.Body, ContentType: contentType}, nil
}

// HTTPTranscriber posts note recordings to the speech-to-text service
type HTTPTranscriber struct {
	*Transport
}

// NewHTTPTranscriber creates a transcription client on transport
func NewHTTPTranscriber(transport *Transport) *HTTPTranscriber {
	return &HTTPTranscriber{Transport: transport}
}

// Transcribe returns the transcript of wav
func (c *HTTPTranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	resp, err := c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return newMultipartRequest(ctx, c.Endpoint(), wav, nil)
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Transcript *string `json:"transcript"`
		Text       *string `json:"text"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return "", &NetworkError{Op: OpTranscription, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}

	switch {
	case result.Transcript != nil:
		return *result.Transcript, nil
	case result.Text != nil:
		return *result.Text, nil
	default:
		return "", &NetworkError{Op: OpTranscription, Err: fmt.Errorf("%w: missing transcript", ErrMalformedResponse)}
	}
}

// newMultipartRequest creates a multipart/form-data POST with the WAV as "file"
func newMultipartRequest(ctx context.Context, endpoint string, wav []byte, fields map[string]string) (*http.Request, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", recordingFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(wav); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func newJSONRequest(ctx context.Context, endpoint string, payload []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
