package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lowkeylabs/voicebot/internal/voice"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func chatServer(t *testing.T, reply string, requests *[]chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		*requests = append(*requests, req)
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestClient_ChatCarriesHistory(t *testing.T) {
	var requests []chatRequest
	srv := chatServer(t, "nice to meet you", &requests)
	defer srv.Close()

	c, err := NewClient(srv.URL, "tok", "gpt-4o-mini", "Scout")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := c.Chat(context.Background(), "g1", "user-1", "hi there"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if _, err := c.Chat(context.Background(), "g1", "user-1", "who are you"); err != nil {
		t.Fatalf("chat: %v", err)
	}

	if len(requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(requests))
	}
	first, second := requests[0], requests[1]
	if len(first.Messages) != 2 {
		t.Fatalf("first request messages = %d, want system+user", len(first.Messages))
	}
	if first.Messages[0].Role != "system" {
		t.Fatalf("first message role = %q, want system", first.Messages[0].Role)
	}
	// system + prior user/assistant pair + new user message.
	if len(second.Messages) != 4 {
		t.Fatalf("second request messages = %d, want 4", len(second.Messages))
	}
	if second.Messages[2].Content != "nice to meet you" {
		t.Fatalf("history should contain the prior reply, got %q", second.Messages[2].Content)
	}
}

func TestClient_SessionsAreIsolated(t *testing.T) {
	var requests []chatRequest
	srv := chatServer(t, "ok", &requests)
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", "m", "")
	c.Chat(context.Background(), "g1", "u1", "first")
	c.Chat(context.Background(), "g2", "u1", "second")

	// The second guild's request starts a fresh conversation.
	if len(requests[1].Messages) != 2 {
		t.Fatalf("cross-session history leak: %d messages", len(requests[1].Messages))
	}
}

func TestClient_ResetDropsHistory(t *testing.T) {
	var requests []chatRequest
	srv := chatServer(t, "ok", &requests)
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", "m", "")
	c.Chat(context.Background(), "g1", "u1", "first")
	c.Reset("g1")
	c.Chat(context.Background(), "g1", "u1", "second")

	if len(requests[1].Messages) != 2 {
		t.Fatalf("history should be gone after reset, got %d messages", len(requests[1].Messages))
	}
}

func TestClient_Non2xxIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
		w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", "m", "")
	_, err := c.Chat(context.Background(), "g1", "u1", "hi")
	var pErr *voice.ProviderError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pErr.Provider != "agent" || pErr.Status != 503 {
		t.Fatalf("unexpected provider error: %+v", pErr)
	}
}

func TestClient_FailedTurnNotRecorded(t *testing.T) {
	fail := true
	var requests []chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		requests = append(requests, req)
		if fail {
			w.WriteHeader(500)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "ok"}}},
		})
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "", "m", "")
	c.Chat(context.Background(), "g1", "u1", "first")
	fail = false
	c.Chat(context.Background(), "g1", "u1", "second")

	if len(requests[1].Messages) != 2 {
		t.Fatalf("failed turn must not enter history, got %d messages", len(requests[1].Messages))
	}
}

func TestClient_MissingConfig(t *testing.T) {
	var cfgErr *voice.ConfigError
	if _, err := NewClient("", "", "m", ""); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for missing URL, got %v", err)
	}
	if _, err := NewClient("http://x", "", "", ""); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for missing model, got %v", err)
	}
}
