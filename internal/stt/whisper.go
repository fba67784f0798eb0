// Package stt implements the speech-to-text providers.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/lowkeylabs/voicebot/internal/voice"
)

const defaultWhisperBaseURL = "https://api.openai.com/v1"

// WhisperClient transcribes complete utterances through the OpenAI audio
// transcription endpoint.
type WhisperClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type WhisperOption func(*WhisperClient)

func WithWhisperBaseURL(url string) WhisperOption {
	return func(c *WhisperClient) { c.baseURL = url }
}

func WithWhisperHTTPClient(hc *http.Client) WhisperOption {
	return func(c *WhisperClient) { c.httpClient = hc }
}

func NewWhisperClient(apiKey, model string, opts ...WhisperOption) (*WhisperClient, error) {
	if apiKey == "" {
		return nil, &voice.ConfigError{Provider: "openai", Reason: "missing API key"}
	}
	if model == "" {
		model = "whisper-1"
	}
	c := &WhisperClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultWhisperBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *WhisperClient) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (voice.Transcript, error) {
	if len(pcm) == 0 {
		return voice.Transcript{}, &voice.ValidationError{Param: "pcm", Reason: "must not be empty"}
	}
	wav := voice.BuildWAV(pcm, sampleRate, 1, 16)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return voice.Transcript{}, fmt.Errorf("build multipart form: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return voice.Transcript{}, fmt.Errorf("write audio part: %w", err)
	}
	if err := w.WriteField("model", c.model); err != nil {
		return voice.Transcript{}, fmt.Errorf("write model field: %w", err)
	}
	if err := w.Close(); err != nil {
		return voice.Transcript{}, fmt.Errorf("close multipart form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return voice.Transcript{}, fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return voice.Transcript{}, &voice.TransportError{Op: "openai transcription", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return voice.Transcript{}, &voice.TransportError{Op: "read transcription response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return voice.Transcript{}, voice.NewProviderError("openai", resp.StatusCode, raw)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return voice.Transcript{}, fmt.Errorf("decode transcription response: %w", err)
	}
	return voice.Transcript{Text: parsed.Text}, nil
}
