package stt

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

const defaultDeepgramBaseURL = "https://api.deepgram.com"

// DeepgramClient transcribes complete utterances through the Deepgram
// prerecorded listen endpoint, sending raw linear16 without a container.
type DeepgramClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type DeepgramOption func(*DeepgramClient)

func WithDeepgramBaseURL(url string) DeepgramOption {
	return func(c *DeepgramClient) { c.baseURL = url }
}

func WithDeepgramHTTPClient(hc *http.Client) DeepgramOption {
	return func(c *DeepgramClient) { c.httpClient = hc }
}

func NewDeepgramClient(apiKey, model string, opts ...DeepgramOption) (*DeepgramClient, error) {
	if apiKey == "" {
		return nil, &voice.ConfigError{Provider: "deepgram", Reason: "missing API key"}
	}
	if model == "" {
		model = "nova-2"
	}
	c := &DeepgramClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultDeepgramBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *DeepgramClient) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (voice.Transcript, error) {
	if len(pcm) == 0 {
		return voice.Transcript{}, &voice.ValidationError{Param: "pcm", Reason: "must not be empty"}
	}

	url := fmt.Sprintf("%s/v1/listen?model=%s&encoding=linear16&sample_rate=%d&channels=1&smart_format=true",
		c.baseURL, c.model, sampleRate)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(pcm))
	if err != nil {
		return voice.Transcript{}, fmt.Errorf("build listen request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Content-Type", "audio/raw")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return voice.Transcript{}, &voice.TransportError{Op: "deepgram listen", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return voice.Transcript{}, &voice.TransportError{Op: "read listen response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return voice.Transcript{}, voice.NewProviderError("deepgram", resp.StatusCode, raw)
	}

	var parsed struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return voice.Transcript{}, fmt.Errorf("decode listen response: %w", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return voice.Transcript{}, nil
	}
	alt := parsed.Results.Channels[0].Alternatives[0]
	return voice.Transcript{Text: alt.Transcript, Confidence: alt.Confidence}, nil
}
