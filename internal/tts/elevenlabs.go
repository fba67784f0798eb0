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

const defaultElevenLabsBaseURL = "https://api.elevenlabs.io"

const elevenLabsSampleRate = 48000

// ElevenLabsClient synthesizes through the ElevenLabs text-to-speech
// API. The stream endpoint yields raw PCM as it is generated, so the
// same client serves both the streaming and the buffered path.
type ElevenLabsClient struct {
	apiKey     string
	model      string
	voiceID    string
	baseURL    string
	httpClient *http.Client
}

type ElevenLabsOption func(*ElevenLabsClient)

func WithElevenLabsBaseURL(url string) ElevenLabsOption {
	return func(c *ElevenLabsClient) { c.baseURL = url }
}

func WithElevenLabsHTTPClient(hc *http.Client) ElevenLabsOption {
	return func(c *ElevenLabsClient) { c.httpClient = hc }
}

func NewElevenLabsClient(apiKey, model, voiceID string, opts ...ElevenLabsOption) (*ElevenLabsClient, error) {
	if apiKey == "" {
		return nil, &voice.ConfigError{Provider: "elevenlabs", Reason: "missing API key"}
	}
	if model == "" {
		model = "eleven_turbo_v2_5"
	}
	if voiceID == "" {
		return nil, &voice.ConfigError{Provider: "elevenlabs", Reason: "missing voice id"}
	}
	c := &ElevenLabsClient{
		apiKey:  apiKey,
		model:   model,
		voiceID: voiceID,
		baseURL: defaultElevenLabsBaseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *ElevenLabsClient) request(ctx context.Context, text string) (*http.Response, error) {
	payload, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": c.model,
	})
	if err != nil {
		return nil, fmt.Errorf("encode synthesis request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=pcm_48000", c.baseURL, c.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &voice.TransportError{Op: "elevenlabs synthesis", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, voice.NewProviderError("elevenlabs", resp.StatusCode, body)
	}
	return resp, nil
}

func (c *ElevenLabsClient) Synthesize(ctx context.Context, text string) ([]byte, voice.AudioFormat, error) {
	if text == "" {
		return nil, voice.AudioFormat{}, &voice.ValidationError{Param: "text", Reason: "must not be empty"}
	}
	resp, err := c.request(ctx, text)
	if err != nil {
		return nil, voice.AudioFormat{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, voice.AudioFormat{}, &voice.TransportError{Op: "read synthesis response", Err: err}
	}
	return raw, voice.PCMFormat(elevenLabsSampleRate), nil
}

// SynthesizeStream hands the response body straight through, audio is
// playable as soon as the first bytes arrive.
func (c *ElevenLabsClient) SynthesizeStream(ctx context.Context, text string) (io.ReadCloser, voice.AudioFormat, error) {
	if text == "" {
		return nil, voice.AudioFormat{}, &voice.ValidationError{Param: "text", Reason: "must not be empty"}
	}
	resp, err := c.request(ctx, text)
	if err != nil {
		return nil, voice.AudioFormat{}, err
	}
	return resp.Body, voice.PCMFormat(elevenLabsSampleRate), nil
}
