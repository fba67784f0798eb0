// Package agent talks to the downstream conversational model through an
// OpenAI-compatible chat completions API.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lowkeylabs/voicebot/internal/voice"
)

// historyLimit caps the in-memory turn history per session. Nothing is
// persisted across restarts.
const historyLimit = 20

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client holds one conversation per session key and sends each utterance
// with the recent history attached.
type Client struct {
	baseURL    string
	token      string
	model      string
	agentName  string
	httpClient *http.Client

	thinkLevel string

	mu      sync.Mutex
	history map[string][]message
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithThinkLevel sets the reasoning effort forwarded to the model.
func WithThinkLevel(level string) Option {
	return func(c *Client) { c.thinkLevel = level }
}

func NewClient(baseURL, token, model, agentName string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, &voice.ConfigError{Provider: "agent", Reason: "missing base URL"}
	}
	if model == "" {
		return nil, &voice.ConfigError{Provider: "agent", Reason: "missing model"}
	}
	if agentName == "" {
		agentName = "Assistant"
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		model:      model,
		agentName:  agentName,
		httpClient: &http.Client{Timeout: 45 * time.Second},
		history:    make(map[string][]message),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) systemPrompt() string {
	return fmt.Sprintf("You are %s, speaking in a voice channel. "+
		"Keep responses brief and conversational, one to three sentences. "+
		"Your words are read aloud, so avoid lists, markup and links.", c.agentName)
}

func (c *Client) Chat(ctx context.Context, sessionKey, speakerID, text string) (string, error) {
	if text == "" {
		return "", &voice.ValidationError{Param: "text", Reason: "must not be empty"}
	}

	c.mu.Lock()
	past := c.history[sessionKey]
	msgs := make([]message, 0, len(past)+2)
	msgs = append(msgs, message{Role: "system", Content: c.systemPrompt()})
	msgs = append(msgs, past...)
	msgs = append(msgs, message{Role: "user", Content: text})
	c.mu.Unlock()

	body := map[string]any{
		"model":    c.model,
		"messages": msgs,
	}
	if c.thinkLevel != "" {
		body["reasoning_effort"] = c.thinkLevel
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &voice.TransportError{Op: "agent chat", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &voice.TransportError{Op: "read chat response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", voice.NewProviderError("agent", resp.StatusCode, raw)
	}

	var parsed struct {
		Choices []struct {
			Message message `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", voice.NewProviderError("agent", resp.StatusCode, []byte("no choices in response"))
	}
	reply := strings.TrimSpace(parsed.Choices[0].Message.Content)

	c.mu.Lock()
	h := append(c.history[sessionKey],
		message{Role: "user", Content: text},
		message{Role: "assistant", Content: reply})
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	c.history[sessionKey] = h
	c.mu.Unlock()

	return reply, nil
}

// Reset drops the session's conversation history.
func (c *Client) Reset(sessionKey string) {
	c.mu.Lock()
	delete(c.history, sessionKey)
	c.mu.Unlock()
}
