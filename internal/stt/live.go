package stt

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lowkeylabs/voicebot/internal/logging"
	"github.com/lowkeylabs/voicebot/internal/voice"
)

const defaultLiveURL = "wss://api.deepgram.com/v1/listen"

// finalizeWait bounds how long Finalize waits for the server to flush
// its last results after the stream is closed.
const finalizeWait = 2 * time.Second

// LiveManager streams per-speaker audio to the Deepgram realtime listen
// socket and accumulates incremental transcripts. A socket that fails to
// open or dies mid-stream degrades silently: Finalize returns an empty
// string and the caller falls back to batch transcription.
type LiveManager struct {
	apiKey     string
	model      string
	sampleRate int
	wsURL      string
	dialer     *websocket.Dialer

	mu       sync.Mutex
	sessions map[string]*liveSession
}

type LiveOption func(*LiveManager)

func WithLiveURL(url string) LiveOption {
	return func(m *LiveManager) { m.wsURL = url }
}

func NewLiveManager(apiKey, model string, sampleRate int, opts ...LiveOption) (*LiveManager, error) {
	if apiKey == "" {
		return nil, &voice.ConfigError{Provider: "deepgram", Reason: "missing API key"}
	}
	if model == "" {
		model = "nova-2"
	}
	m := &LiveManager{
		apiKey:     apiKey,
		model:      model,
		sampleRate: sampleRate,
		wsURL:      defaultLiveURL,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		sessions:   make(map[string]*liveSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SendAudio forwards one chunk on the speaker's stream, opening it
// lazily on the first chunk.
func (m *LiveManager) SendAudio(speakerID string, pcm []byte) {
	m.mu.Lock()
	ls, ok := m.sessions[speakerID]
	if !ok {
		ls = m.open(speakerID)
		m.sessions[speakerID] = ls
	}
	m.mu.Unlock()

	ls.send(pcm)
}

// Finalize closes the speaker's stream and returns the accumulated text.
// An empty return means the stream yielded nothing and the caller should
// transcribe the buffered audio instead.
func (m *LiveManager) Finalize(speakerID string) string {
	m.mu.Lock()
	ls, ok := m.sessions[speakerID]
	delete(m.sessions, speakerID)
	m.mu.Unlock()
	if !ok {
		return ""
	}
	return ls.finalize()
}

// Discard drops the speaker's stream without reading it.
func (m *LiveManager) Discard(speakerID string) {
	m.mu.Lock()
	ls, ok := m.sessions[speakerID]
	delete(m.sessions, speakerID)
	m.mu.Unlock()
	if ok {
		ls.close()
	}
}

// CloseAll drops every open stream. The manager stays usable.
func (m *LiveManager) CloseAll() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*liveSession)
	m.mu.Unlock()
	for _, ls := range all {
		ls.close()
	}
}

type liveSession struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	finals  []string
	interim string
	failed  bool
	done    chan struct{}
}

func (m *LiveManager) open(speakerID string) *liveSession {
	ls := &liveSession{done: make(chan struct{})}

	url := fmt.Sprintf("%s?model=%s&encoding=linear16&sample_rate=%d&channels=1&interim_results=true",
		m.wsURL, m.model, m.sampleRate)
	header := http.Header{"Authorization": []string{"Token " + m.apiKey}}
	conn, resp, err := m.dialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logging.Warnw("realtime transcription socket failed to open",
			"speaker", speakerID, "status", status, "err", err)
		ls.failed = true
		close(ls.done)
		return ls
	}
	ls.conn = conn
	go ls.readLoop(conn)
	return ls
}

// readLoop owns the socket handle it was started with. It never touches
// ls.conn, so closing the session from another goroutine only has to
// close the socket to make the blocked read return.
func (ls *liveSession) readLoop(conn *websocket.Conn) {
	defer close(ls.done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var parsed struct {
			Type    string `json:"type"`
			IsFinal bool   `json:"is_final"`
			Channel struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channel"`
		}
		if err := json.Unmarshal(msg, &parsed); err != nil || parsed.Type != "Results" {
			continue
		}
		if len(parsed.Channel.Alternatives) == 0 {
			continue
		}
		text := strings.TrimSpace(parsed.Channel.Alternatives[0].Transcript)
		if text == "" {
			continue
		}
		ls.mu.Lock()
		if parsed.IsFinal {
			ls.finals = append(ls.finals, text)
			ls.interim = ""
		} else {
			ls.interim = text
		}
		ls.mu.Unlock()
	}
}

func (ls *liveSession) send(pcm []byte) {
	ls.mu.Lock()
	conn := ls.conn
	failed := ls.failed
	ls.mu.Unlock()
	if failed || conn == nil {
		return
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		ls.mu.Lock()
		ls.failed = true
		ls.mu.Unlock()
	}
}

func (ls *liveSession) finalize() string {
	ls.mu.Lock()
	conn := ls.conn
	failed := ls.failed
	ls.mu.Unlock()

	if conn != nil && !failed {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		select {
		case <-ls.done:
		case <-time.After(finalizeWait):
		}
		conn.Close()
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.failed && len(ls.finals) == 0 && ls.interim == "" {
		return ""
	}
	parts := ls.finals
	if ls.interim != "" {
		parts = append(parts, ls.interim)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (ls *liveSession) close() {
	ls.mu.Lock()
	conn := ls.conn
	ls.failed = true
	ls.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
