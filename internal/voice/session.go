package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/lowkeylabs/voicebot/internal/logging"
)

// SessionConfig carries the per-session tunables. Allowed filters inbound
// speakers; a nil Allowed admits everyone.
type SessionConfig struct {
	Segmenter         SegmenterConfig
	CooldownMs        int
	BargeIn           bool
	Allowed           func(speakerID string) bool
	AgentName         string
	ApologyOnError    bool
	ApologyText       string
	ThinkingSoundPath string
}

// SessionDeps are the session's collaborators. Live, TTS and StreamTTS
// are optional. A session with no Agent or no TTS runs degraded: it
// transcribes and logs utterances but never replies.
type SessionDeps struct {
	STT       Transcriber
	Live      LiveTranscriber
	TTS       Synthesizer
	StreamTTS StreamSynthesizer
	Agent     Agent
}

// Session owns one voice channel attachment: it segments inbound speech,
// runs each finalized utterance through STT, the agent and TTS, and plays
// the reply back. All state transitions are serialized through the event
// pump plus the session mutex.
type Session struct {
	ref  ChannelRef
	cfg  SessionConfig
	deps SessionDeps
	seg  *Segmenter

	mu            sync.Mutex
	conn          Connection
	state         State
	connStatus    Status
	cooldownUntil time.Time
	playCancel    context.CancelFunc
	pumpStop      chan struct{}
	closed        bool

	onStatus func(Status)
}

// SessionStatus is the snapshot returned by Status.
type SessionStatus struct {
	GuildID    string `json:"guild_id"`
	ChannelID  string `json:"channel_id"`
	State      string `json:"state"`
	Connection string `json:"connection"`
}

var ErrSessionBusy = errors.New("session is busy")

func NewSession(ref ChannelRef, cfg SessionConfig, deps SessionDeps) *Session {
	if cfg.Segmenter.SampleRate == 0 {
		cfg.Segmenter.SampleRate = CaptureSampleRate
	}
	s := &Session{
		ref:        ref,
		cfg:        cfg,
		deps:       deps,
		state:      StateIdle,
		connStatus: StatusConnecting,
	}
	s.seg = NewSegmenter(cfg.Segmenter, s.onSegment)
	return s
}

// SetStatusHook registers a callback invoked on every transport status
// change. Must be called before Attach.
func (s *Session) SetStatusHook(fn func(Status)) { s.onStatus = fn }

// Attach binds the session to a live connection and starts the event
// pump. Re-attaching after a reconnect discards all in-flight captures,
// since audio spanning the gap is unusable.
func (s *Session) Attach(conn Connection) {
	s.mu.Lock()
	if s.pumpStop != nil {
		close(s.pumpStop)
	}
	s.conn = conn
	s.connStatus = StatusReady
	stop := make(chan struct{})
	s.pumpStop = stop
	s.mu.Unlock()

	s.seg.DiscardAll()
	if s.deps.Live != nil {
		s.deps.Live.CloseAll()
	}
	go s.pump(conn, stop)
}

func (s *Session) pump(conn Connection, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			s.handleEvent(conn, ev)
		}
	}
}

func (s *Session) handleEvent(conn Connection, ev Event) {
	switch ev.Kind {
	case EventSpeechStart:
		s.handleSpeechStart(conn, ev.SpeakerID)
	case EventAudioChunk:
		if s.deps.Live != nil && s.seg.Recording(ev.SpeakerID) {
			s.deps.Live.SendAudio(ev.SpeakerID, ev.PCM)
		}
		s.seg.OnAudioChunk(ev.SpeakerID, ev.PCM)
	case EventSpeechEnd:
		s.seg.OnSpeechEnd(ev.SpeakerID)
	case EventStatus:
		s.mu.Lock()
		s.connStatus = ev.Status
		hook := s.onStatus
		s.mu.Unlock()
		logging.Infow("connection status changed",
			"guild", s.ref.GuildID, "status", ev.Status.String(), "err", ev.Err)
		if hook != nil {
			hook(ev.Status)
		}
	}
}

// handleSpeechStart applies the inbound-speech gates in order: the bot's
// own playback is filtered before anything else, then the allow list,
// then the state gates. Barge-in is never blocked by the cooldown.
func (s *Session) handleSpeechStart(conn Connection, speakerID string) {
	if speakerID == conn.BotID() {
		return
	}
	if s.cfg.Allowed != nil && !s.cfg.Allowed(speakerID) {
		logging.Debugw("speaker not in allow list", "speaker", speakerID)
		return
	}

	s.mu.Lock()
	switch s.state {
	case StateSpeaking:
		if !s.cfg.BargeIn {
			s.mu.Unlock()
			return
		}
		cancel := s.playCancel
		s.playCancel = nil
		s.state = StateIdle
		// The interrupted playback's tail can still echo back, so the
		// cooldown arms here. The interrupter's capture is already past
		// the gate; only later speech starts are held back.
		if s.cfg.CooldownMs > 0 {
			s.cooldownUntil = time.Now().Add(time.Duration(s.cfg.CooldownMs) * time.Millisecond)
		}
		s.mu.Unlock()
		logging.Infow("barge-in, stopping playback", "guild", s.ref.GuildID, "speaker", speakerID)
		if cancel != nil {
			cancel()
		}
		conn.Player().Stop()
		s.seg.OnSpeechStart(speakerID)
		return
	case StateProcessing:
		s.mu.Unlock()
		if s.deps.Live != nil {
			s.deps.Live.Discard(speakerID)
		}
		return
	}
	if time.Now().Before(s.cooldownUntil) {
		s.mu.Unlock()
		logging.Debugw("speech start within cooldown, ignored", "speaker", speakerID)
		return
	}
	s.mu.Unlock()

	s.seg.OnSpeechStart(speakerID)
}

// onSegment receives one finalized utterance from the segmenter. Segments
// arriving while a turn is already in flight are dropped, the original
// speaker keeps the floor. Segments finalizing inside the cooldown are
// dropped too, they are residual echo of the bot's own playback.
func (s *Session) onSegment(speakerID string, pcm []byte, correlationID string) {
	s.mu.Lock()
	if s.state == StateProcessing || s.state == StateSpeaking || time.Now().Before(s.cooldownUntil) {
		s.mu.Unlock()
		logging.Debugw("segment dropped, turn in flight or cooldown",
			"speaker", speakerID, "correlation_id", correlationID)
		if s.deps.Live != nil {
			s.deps.Live.Discard(speakerID)
		}
		return
	}
	s.state = StateProcessing
	s.mu.Unlock()

	go s.processTurn(speakerID, pcm, correlationID)
}

func (s *Session) processTurn(speakerID string, pcm []byte, correlationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	text := s.transcribe(ctx, speakerID, pcm, correlationID)
	if text == "" {
		s.toIdle(false)
		return
	}
	logging.Infow("utterance transcribed",
		"guild", s.ref.GuildID, "speaker", speakerID, "text", text, "correlation_id", correlationID)

	if s.deps.Agent == nil || s.deps.TTS == nil {
		logging.Infow("degraded mode, transcript not answered",
			"guild", s.ref.GuildID, "correlation_id", correlationID)
		s.toIdle(false)
		return
	}

	stopThinking := s.startThinking(ctx)
	reply, err := s.deps.Agent.Chat(ctx, s.ref.Key(), speakerID, text)
	stopThinking()
	if err != nil {
		logging.Errorw("agent request failed",
			"guild", s.ref.GuildID, "correlation_id", correlationID, "err", err)
		if s.cfg.ApologyOnError && s.cfg.ApologyText != "" {
			s.speak(ctx, s.cfg.ApologyText, correlationID)
			return
		}
		s.toIdle(false)
		return
	}
	if reply == "" {
		s.toIdle(false)
		return
	}
	s.speak(ctx, reply, correlationID)
}

// transcribe prefers the incremental path and falls back to a batch
// request whenever the live stream yields nothing.
func (s *Session) transcribe(ctx context.Context, speakerID string, pcm []byte, correlationID string) string {
	if s.deps.Live != nil {
		if text := s.deps.Live.Finalize(speakerID); text != "" {
			return text
		}
		logging.Debugw("live transcript empty, falling back to batch", "correlation_id", correlationID)
	}
	tr, err := s.deps.STT.Transcribe(ctx, pcm, s.cfg.Segmenter.SampleRate)
	if err != nil {
		logging.Errorw("transcription failed",
			"guild", s.ref.GuildID, "correlation_id", correlationID, "err", err)
		return ""
	}
	return tr.Text
}

// speak synthesizes and plays one reply, preferring the streaming path.
// Playback ending, whether naturally or by barge-in, always arms the
// cooldown so the bot's own audio tail cannot retrigger capture.
func (s *Session) speak(ctx context.Context, text, correlationID string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.toIdle(false)
		return
	}

	playCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.state = StateSpeaking
	s.playCancel = cancel
	s.mu.Unlock()

	var err error
	played := false
	if s.deps.StreamTTS != nil {
		var stream io.ReadCloser
		var format AudioFormat
		stream, format, err = s.deps.StreamTTS.SynthesizeStream(playCtx, text)
		if err == nil {
			err = conn.Player().Play(playCtx, stream, format)
			stream.Close()
			played = true
		} else {
			logging.Warnw("streaming synthesis failed, falling back to buffered",
				"correlation_id", correlationID, "err", err)
		}
	}
	if !played && s.deps.TTS != nil {
		var audio []byte
		var format AudioFormat
		audio, format, err = s.deps.TTS.Synthesize(playCtx, text)
		if err == nil {
			err = conn.Player().Play(playCtx, bytes.NewReader(audio), format)
		}
	}
	cancel()
	if err != nil && playCtx.Err() == nil {
		logging.Errorw("playback failed",
			"guild", s.ref.GuildID, "correlation_id", correlationID, "err", err)
	}
	s.toIdle(true)
}

// startThinking loops the thinking sound on a secondary player until the
// returned stop function is called. A missing or unreadable file disables
// the indicator for this turn only.
func (s *Session) startThinking(ctx context.Context) func() {
	if s.cfg.ThinkingSoundPath == "" {
		return func() {}
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return func() {}
	}
	pcm, err := os.ReadFile(s.cfg.ThinkingSoundPath)
	if err != nil {
		logging.Warnw("thinking sound unavailable", "path", s.cfg.ThinkingSoundPath, "err", err)
		return func() {}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	player := conn.NewPlayer()
	go func() {
		for loopCtx.Err() == nil {
			if err := player.Play(loopCtx, bytes.NewReader(pcm), PCMFormat(CaptureSampleRate)); err != nil {
				return
			}
		}
	}()
	return func() {
		cancel()
		player.Stop()
	}
}

// toIdle returns the session to idle. afterPlayback arms the cooldown.
func (s *Session) toIdle(afterPlayback bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return
	}
	s.state = StateIdle
	s.playCancel = nil
	if afterPlayback && s.cfg.CooldownMs > 0 {
		s.cooldownUntil = time.Now().Add(time.Duration(s.cfg.CooldownMs) * time.Millisecond)
	}
}

// Speak injects an utterance directly, bypassing the agent. It refuses
// while a turn is in flight rather than queueing.
func (s *Session) Speak(ctx context.Context, text string) error {
	if text == "" {
		return &ValidationError{Param: "text", Reason: "must not be empty"}
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrSessionBusy, s.state)
	}
	if s.deps.TTS == nil && s.deps.StreamTTS == nil {
		s.mu.Unlock()
		return &ConfigError{Provider: "tts", Reason: "no synthesizer configured"}
	}
	s.state = StateProcessing
	s.mu.Unlock()

	s.speak(ctx, text, "manual")
	return nil
}

// Status returns a point-in-time snapshot. Capturing is derived from the
// segmenter so a buffer that quietly drained never leaves the state stuck.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state
	if state == StateIdle && s.seg.Active() {
		state = StateCapturing
	}
	return SessionStatus{
		GuildID:    s.ref.GuildID,
		ChannelID:  s.ref.ChannelID,
		State:      state.String(),
		Connection: s.connStatus.String(),
	}
}

// Ref returns the channel the session is attached to.
func (s *Session) Ref() ChannelRef { return s.ref }

// Close tears the session down: stops playback, the pump and the
// connection. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.playCancel
	s.playCancel = nil
	if s.pumpStop != nil {
		close(s.pumpStop)
		s.pumpStop = nil
	}
	conn := s.conn
	s.conn = nil
	s.connStatus = StatusDestroyed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.seg.DiscardAll()
	if s.deps.Live != nil {
		s.deps.Live.CloseAll()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
