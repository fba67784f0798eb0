// Package tts implements the text-to-speech providers.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lowkeylabs/voicebot/internal/voice"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAISampleRate is the fixed rate of the raw pcm response format.
const openAISampleRate = 24000

// OpenAIClient synthesizes complete buffers through the OpenAI speech
// endpoint. The endpoint does not stream raw PCM incrementally in a
// useful way, so this client is buffered only.
type OpenAIClient struct {
	apiKey     string
	model      string
	voiceName  string
	baseURL    string
	httpClient *http.Client
}

type OpenAIOption func(*OpenAIClient)

func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(c *OpenAIClient) { c.baseURL = url }
}

func WithOpenAIHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.httpClient = hc }
}

func NewOpenAIClient(apiKey, model, voiceName string, opts ...OpenAIOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, &voice.ConfigError{Provider: "openai", Reason: "missing API key"}
	}
	if model == "" {
		model = "tts-1"
	}
	if voiceName == "" {
		voiceName = "alloy"
	}
	c := &OpenAIClient{
		apiKey:     apiKey,
		model:      model,
		voiceName:  voiceName,
		baseURL:    defaultOpenAIBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *OpenAIClient) Synthesize(ctx context.Context, text string) ([]byte, voice.AudioFormat, error) {
	if text == "" {
		return nil, voice.AudioFormat{}, &voice.ValidationError{Param: "text", Reason: "must not be empty"}
	}

	payload, err := json.Marshal(map[string]string{
		"model":           c.model,
		"voice":           c.voiceName,
		"input":           text,
		"response_format": "pcm",
	})
	if err != nil {
		return nil, voice.AudioFormat{}, fmt.Errorf("encode speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, voice.AudioFormat{}, fmt.Errorf("build speech request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, voice.AudioFormat{}, &voice.TransportError{Op: "openai speech", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, voice.AudioFormat{}, &voice.TransportError{Op: "read speech response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, voice.AudioFormat{}, voice.NewProviderError("openai", resp.StatusCode, raw)
	}
	return raw, voice.PCMFormat(openAISampleRate), nil
}
