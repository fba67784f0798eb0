package stt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lowkeylabs/voicebot/internal/voice"
)

func TestWhisper_MissingKey(t *testing.T) {
	_, err := NewWhisperClient("", "whisper-1")
	var cfgErr *voice.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestWhisper_Transcribe(t *testing.T) {
	var gotAuth, gotModel string
	var gotWAV []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		gotModel = r.FormValue("model")
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			gotWAV, _ = io.ReadAll(f)
			f.Close()
		}
		w.Write([]byte(`{"text":"hello world"}`))
	}))
	defer srv.Close()

	c, err := NewWhisperClient("sk-test", "whisper-1", WithWhisperBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	tr, err := c.Transcribe(context.Background(), []byte{1, 0, 2, 0}, 48000)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if tr.Text != "hello world" {
		t.Fatalf("text = %q", tr.Text)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotModel != "whisper-1" {
		t.Fatalf("model = %q", gotModel)
	}
	// 44-byte RIFF header plus the 4 PCM bytes.
	if len(gotWAV) != 48 || string(gotWAV[:4]) != "RIFF" {
		t.Fatalf("uploaded file is not the expected WAV, len=%d", len(gotWAV))
	}
}

func TestWhisper_Non2xxIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	c, _ := NewWhisperClient("sk-test", "", WithWhisperBaseURL(srv.URL))
	_, err := c.Transcribe(context.Background(), []byte{1, 0}, 48000)
	var pErr *voice.ProviderError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pErr.Status != 429 || pErr.Provider != "openai" {
		t.Fatalf("unexpected provider error: %+v", pErr)
	}
}

func TestWhisper_EmptyAudioRejected(t *testing.T) {
	c, _ := NewWhisperClient("sk-test", "")
	_, err := c.Transcribe(context.Background(), nil, 48000)
	var vErr *voice.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
