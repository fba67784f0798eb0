package voice

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakePlayer struct {
	mu    sync.Mutex
	plays int32
	stops int32
	block chan struct{}
}

func (p *fakePlayer) Play(ctx context.Context, stream io.Reader, format AudioFormat) error {
	io.ReadAll(stream)
	atomic.AddInt32(&p.plays, 1)
	p.mu.Lock()
	b := p.block
	p.mu.Unlock()
	if b != nil {
		select {
		case <-b:
		case <-ctx.Done():
		}
	}
	return nil
}

func (p *fakePlayer) Stop() {
	atomic.AddInt32(&p.stops, 1)
	p.mu.Lock()
	b := p.block
	p.block = nil
	p.mu.Unlock()
	if b != nil {
		close(b)
	}
}

func (p *fakePlayer) played() int32  { return atomic.LoadInt32(&p.plays) }
func (p *fakePlayer) stopped() int32 { return atomic.LoadInt32(&p.stops) }

type fakeConn struct {
	events chan Event
	player *fakePlayer
	botID  string
	closed int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan Event, 256),
		player: &fakePlayer{},
		botID:  "bot-1",
	}
}

func (c *fakeConn) Events() <-chan Event { return c.events }
func (c *fakeConn) Player() Player       { return c.player }
func (c *fakeConn) NewPlayer() Player    { return &fakePlayer{} }
func (c *fakeConn) BotID() string        { return c.botID }
func (c *fakeConn) Close() error         { atomic.AddInt32(&c.closed, 1); return nil }

type fakeSTT struct {
	text  string
	err   error
	calls int32
}

func (f *fakeSTT) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return Transcript{}, f.err
	}
	return Transcript{Text: f.text}, nil
}

type fakeAgent struct {
	reply string
	err   error
	delay time.Duration
	calls int32

	mu   sync.Mutex
	last string
}

func (f *fakeAgent) Chat(ctx context.Context, sessionKey, speakerID, text string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.last = text
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeAgent) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeTTS struct {
	calls int32

	mu   sync.Mutex
	last string
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string) ([]byte, AudioFormat, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	f.last = text
	f.mu.Unlock()
	return []byte{1, 0, 2, 0}, PCMFormat(CaptureSampleRate), nil
}

func (f *fakeTTS) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeLive struct {
	text      string
	finalizes int32
	discards  int32
}

func (f *fakeLive) SendAudio(speakerID string, pcm []byte) {}
func (f *fakeLive) Finalize(speakerID string) string {
	atomic.AddInt32(&f.finalizes, 1)
	return f.text
}
func (f *fakeLive) Discard(speakerID string) { atomic.AddInt32(&f.discards, 1) }
func (f *fakeLive) CloseAll()                {}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		Segmenter:  testSegConfig(),
		CooldownMs: 0,
		BargeIn:    true,
	}
}

func startSession(cfg SessionConfig, deps SessionDeps) (*Session, *fakeConn) {
	conn := newFakeConn()
	sess := NewSession(ChannelRef{GuildID: "g1", ChannelID: "c1"}, cfg, deps)
	sess.Attach(conn)
	return sess, conn
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func speakUtterance(conn *fakeConn, speakerID string, durMs int, amplitude int16) {
	conn.events <- Event{Kind: EventSpeechStart, SpeakerID: speakerID}
	conn.events <- Event{Kind: EventAudioChunk, SpeakerID: speakerID, PCM: loudPCM(durMs, amplitude)}
	conn.events <- Event{Kind: EventSpeechEnd, SpeakerID: speakerID}
}

func TestSession_AnswersUtterance(t *testing.T) {
	sttFake := &fakeSTT{text: "hello there"}
	agentFake := &fakeAgent{reply: "hi"}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(testSessionConfig(), SessionDeps{STT: sttFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()

	speakUtterance(conn, "user-1", 2000, 1000)

	waitFor(t, func() bool { return conn.player.played() == 1 }, "reply played")
	if got := agentFake.lastText(); got != "hello there" {
		t.Fatalf("agent text = %q, want transcript", got)
	}
	if got := ttsFake.lastText(); got != "hi" {
		t.Fatalf("synthesized text = %q, want reply", got)
	}
	waitFor(t, func() bool { return sess.currentState() == StateIdle }, "back to idle")
}

func TestSession_IgnoresOwnAudio(t *testing.T) {
	sttFake := &fakeSTT{text: "echo"}
	sess, conn := startSession(testSessionConfig(), SessionDeps{STT: sttFake})
	defer sess.Close()

	speakUtterance(conn, conn.botID, 2000, 1000)

	time.Sleep(200 * time.Millisecond)
	if atomic.LoadInt32(&sttFake.calls) != 0 {
		t.Fatal("the bot's own audio must never be transcribed")
	}
	if sess.seg.Recording(conn.botID) {
		t.Fatal("no capture should open for the bot itself")
	}
}

func TestSession_AllowListFiltersSpeakers(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Allowed = func(id string) bool { return id == "user-2" }
	sttFake := &fakeSTT{text: "hi"}
	sess, conn := startSession(cfg, SessionDeps{STT: sttFake})
	defer sess.Close()

	conn.events <- Event{Kind: EventSpeechStart, SpeakerID: "user-1"}
	conn.events <- Event{Kind: EventSpeechStart, SpeakerID: "user-2"}

	waitFor(t, func() bool { return sess.seg.Recording("user-2") }, "allowed speaker captured")
	if sess.seg.Recording("user-1") {
		t.Fatal("blocked speaker should not open a capture")
	}
}

func TestSession_ShortAndQuietUtterancesDropped(t *testing.T) {
	sttFake := &fakeSTT{text: "noise"}
	agentFake := &fakeAgent{reply: "?"}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(testSessionConfig(), SessionDeps{STT: sttFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()

	speakUtterance(conn, "user-1", 100, 1000) // too short
	speakUtterance(conn, "user-2", 2000, 100) // too quiet

	time.Sleep(300 * time.Millisecond)
	if atomic.LoadInt32(&sttFake.calls) != 0 {
		t.Fatalf("dropped segments must not be transcribed, got %d calls", sttFake.calls)
	}
	if sess.currentState() != StateIdle {
		t.Fatalf("state = %v, want idle", sess.currentState())
	}
}

func TestSession_BargeInStopsPlayback(t *testing.T) {
	sttFake := &fakeSTT{text: "question"}
	agentFake := &fakeAgent{reply: "a long answer"}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(testSessionConfig(), SessionDeps{STT: sttFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()
	conn.player.block = make(chan struct{})

	speakUtterance(conn, "user-1", 2000, 1000)
	waitFor(t, func() bool { return sess.currentState() == StateSpeaking }, "speaking")

	conn.events <- Event{Kind: EventSpeechStart, SpeakerID: "user-2"}

	waitFor(t, func() bool { return conn.player.stopped() > 0 }, "playback stopped")
	waitFor(t, func() bool { return sess.seg.Recording("user-2") }, "interrupter captured")
}

func TestSession_BargeInDisabled(t *testing.T) {
	cfg := testSessionConfig()
	cfg.BargeIn = false
	sttFake := &fakeSTT{text: "question"}
	agentFake := &fakeAgent{reply: "answer"}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(cfg, SessionDeps{STT: sttFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()
	conn.player.block = make(chan struct{})

	speakUtterance(conn, "user-1", 2000, 1000)
	waitFor(t, func() bool { return sess.currentState() == StateSpeaking }, "speaking")

	conn.events <- Event{Kind: EventSpeechStart, SpeakerID: "user-2"}

	time.Sleep(200 * time.Millisecond)
	if conn.player.stopped() != 0 {
		t.Fatal("playback must continue when barge-in is off")
	}
	if sess.seg.Recording("user-2") {
		t.Fatal("no capture should open while speaking with barge-in off")
	}
	conn.player.Stop()
}

func TestSession_TranscriberErrorRecovered(t *testing.T) {
	sttFake := &fakeSTT{err: NewProviderError("openai", 500, []byte("boom"))}
	agentFake := &fakeAgent{reply: "hi"}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(testSessionConfig(), SessionDeps{STT: sttFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()

	speakUtterance(conn, "user-1", 2000, 1000)
	waitFor(t, func() bool { return atomic.LoadInt32(&sttFake.calls) == 1 }, "transcribe attempted")
	waitFor(t, func() bool { return sess.currentState() == StateIdle }, "recovered to idle")
	if atomic.LoadInt32(&agentFake.calls) != 0 {
		t.Fatal("a failed transcription must not reach the agent")
	}

	// The next utterance goes through normally.
	sttFake.err = nil
	sttFake.text = "second try"
	speakUtterance(conn, "user-1", 2000, 1000)
	waitFor(t, func() bool { return conn.player.played() == 1 }, "second utterance answered")
}

func TestSession_EmptyTranscriptShortCircuits(t *testing.T) {
	sttFake := &fakeSTT{text: ""}
	agentFake := &fakeAgent{reply: "hi"}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(testSessionConfig(), SessionDeps{STT: sttFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()

	speakUtterance(conn, "user-1", 2000, 1000)
	waitFor(t, func() bool { return atomic.LoadInt32(&sttFake.calls) == 1 }, "transcribe attempted")
	waitFor(t, func() bool { return sess.currentState() == StateIdle }, "back to idle")
	if atomic.LoadInt32(&agentFake.calls) != 0 {
		t.Fatal("empty transcript must not reach the agent")
	}
}

func TestSession_AgentErrorSpeaksApology(t *testing.T) {
	cfg := testSessionConfig()
	cfg.ApologyOnError = true
	cfg.ApologyText = "Sorry, something went wrong."
	sttFake := &fakeSTT{text: "hello"}
	agentFake := &fakeAgent{err: errors.New("agent down")}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(cfg, SessionDeps{STT: sttFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()

	speakUtterance(conn, "user-1", 2000, 1000)

	waitFor(t, func() bool { return conn.player.played() == 1 }, "apology played")
	if got := ttsFake.lastText(); got != cfg.ApologyText {
		t.Fatalf("synthesized text = %q, want apology", got)
	}
}

func TestSession_CooldownBlocksNewCapture(t *testing.T) {
	cfg := testSessionConfig()
	cfg.CooldownMs = 300
	sttFake := &fakeSTT{text: "hello"}
	agentFake := &fakeAgent{reply: "hi"}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(cfg, SessionDeps{STT: sttFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()

	speakUtterance(conn, "user-1", 2000, 1000)
	waitFor(t, func() bool { return conn.player.played() == 1 }, "reply played")
	waitFor(t, func() bool { return sess.currentState() == StateIdle }, "back to idle")

	conn.events <- Event{Kind: EventSpeechStart, SpeakerID: "user-1"}
	time.Sleep(100 * time.Millisecond)
	if sess.seg.Recording("user-1") {
		t.Fatal("speech start inside the cooldown must be ignored")
	}

	time.Sleep(300 * time.Millisecond)
	conn.events <- Event{Kind: EventSpeechStart, SpeakerID: "user-1"}
	waitFor(t, func() bool { return sess.seg.Recording("user-1") }, "capture opens after cooldown")
}

func TestSession_SegmentFinalizedInCooldownDropped(t *testing.T) {
	cfg := testSessionConfig()
	cfg.CooldownMs = 2000
	sttFake := &fakeSTT{text: "residual echo"}
	agentFake := &fakeAgent{reply: "?"}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(cfg, SessionDeps{STT: sttFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()

	// A capture opens before the bot speaks, so its segment finalizes
	// inside the cooldown that playback arms.
	conn.events <- Event{Kind: EventSpeechStart, SpeakerID: "user-1"}
	conn.events <- Event{Kind: EventAudioChunk, SpeakerID: "user-1", PCM: loudPCM(2000, 1000)}
	waitFor(t, func() bool { return sess.seg.Recording("user-1") }, "capture open")

	if err := sess.Speak(context.Background(), "announcement"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	conn.events <- Event{Kind: EventSpeechEnd, SpeakerID: "user-1"}

	time.Sleep(300 * time.Millisecond)
	if atomic.LoadInt32(&sttFake.calls) != 0 {
		t.Fatal("a segment finalizing inside the cooldown must not be transcribed")
	}
	if sess.currentState() != StateIdle {
		t.Fatalf("state = %v, want idle", sess.currentState())
	}
}

func TestSession_BargeInArmsCooldown(t *testing.T) {
	cfg := testSessionConfig()
	cfg.CooldownMs = 500
	sttFake := &fakeSTT{text: "question"}
	agentFake := &fakeAgent{reply: "a long answer"}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(cfg, SessionDeps{STT: sttFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()
	conn.player.block = make(chan struct{})

	speakUtterance(conn, "user-1", 2000, 1000)
	waitFor(t, func() bool { return sess.currentState() == StateSpeaking }, "speaking")

	// The interrupter gets the floor, but the interrupted playback's
	// echo tail means later speech starts are held back.
	conn.events <- Event{Kind: EventSpeechStart, SpeakerID: "user-2"}
	waitFor(t, func() bool { return sess.seg.Recording("user-2") }, "interrupter captured")

	conn.events <- Event{Kind: EventSpeechStart, SpeakerID: "user-3"}
	time.Sleep(100 * time.Millisecond)
	if sess.seg.Recording("user-3") {
		t.Fatal("speech start right after a barge-in must hit the cooldown")
	}
}

func TestSession_LiveFinalizeFallsBackToBatch(t *testing.T) {
	liveFake := &fakeLive{text: ""}
	sttFake := &fakeSTT{text: "from batch"}
	agentFake := &fakeAgent{reply: "ok"}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(testSessionConfig(), SessionDeps{STT: sttFake, Live: liveFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()

	speakUtterance(conn, "user-1", 2000, 1000)

	waitFor(t, func() bool { return conn.player.played() == 1 }, "reply played")
	if atomic.LoadInt32(&liveFake.finalizes) != 1 {
		t.Fatal("live stream should be finalized first")
	}
	if got := agentFake.lastText(); got != "from batch" {
		t.Fatalf("agent text = %q, want batch transcript", got)
	}
}

func TestSession_LiveTranscriptSkipsBatch(t *testing.T) {
	liveFake := &fakeLive{text: "from live"}
	sttFake := &fakeSTT{text: "from batch"}
	agentFake := &fakeAgent{reply: "ok"}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(testSessionConfig(), SessionDeps{STT: sttFake, Live: liveFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()

	speakUtterance(conn, "user-1", 2000, 1000)

	waitFor(t, func() bool { return conn.player.played() == 1 }, "reply played")
	if atomic.LoadInt32(&sttFake.calls) != 0 {
		t.Fatal("batch transcription should be skipped when the live stream yields text")
	}
	if got := agentFake.lastText(); got != "from live" {
		t.Fatalf("agent text = %q, want live transcript", got)
	}
}

func TestSession_ProcessingDiscardsNewSpeech(t *testing.T) {
	liveFake := &fakeLive{text: "question"}
	sttFake := &fakeSTT{}
	agentFake := &fakeAgent{reply: "ok", delay: 500 * time.Millisecond}
	ttsFake := &fakeTTS{}
	sess, conn := startSession(testSessionConfig(), SessionDeps{STT: sttFake, Live: liveFake, Agent: agentFake, TTS: ttsFake})
	defer sess.Close()

	speakUtterance(conn, "user-1", 2000, 1000)
	waitFor(t, func() bool { return sess.currentState() == StateProcessing }, "processing")

	conn.events <- Event{Kind: EventSpeechStart, SpeakerID: "user-2"}

	waitFor(t, func() bool { return atomic.LoadInt32(&liveFake.discards) == 1 }, "new speech discarded")
	if sess.seg.Recording("user-2") {
		t.Fatal("no capture should open while processing")
	}
}

func TestSession_DegradedWithoutAgent(t *testing.T) {
	sttFake := &fakeSTT{text: "anyone there"}
	sess, conn := startSession(testSessionConfig(), SessionDeps{STT: sttFake})
	defer sess.Close()

	speakUtterance(conn, "user-1", 2000, 1000)

	waitFor(t, func() bool { return atomic.LoadInt32(&sttFake.calls) == 1 }, "transcribed")
	waitFor(t, func() bool { return sess.currentState() == StateIdle }, "back to idle")
	if conn.player.played() != 0 {
		t.Fatal("nothing should be played without an agent")
	}
}

func TestSession_ManualSpeak(t *testing.T) {
	ttsFake := &fakeTTS{}
	sess, conn := startSession(testSessionConfig(), SessionDeps{STT: &fakeSTT{}, TTS: ttsFake})
	defer sess.Close()

	if err := sess.Speak(context.Background(), "announcement"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if conn.player.played() != 1 {
		t.Fatalf("plays = %d, want 1", conn.player.played())
	}
	if err := sess.Speak(context.Background(), ""); err == nil {
		t.Fatal("empty text must be rejected")
	}
}

func TestSession_StatusSnapshot(t *testing.T) {
	sess, conn := startSession(testSessionConfig(), SessionDeps{STT: &fakeSTT{}})
	defer sess.Close()

	st := sess.Status()
	if st.GuildID != "g1" || st.ChannelID != "c1" {
		t.Fatalf("unexpected ref in status: %+v", st)
	}
	if st.State != "idle" || st.Connection != "ready" {
		t.Fatalf("unexpected status: %+v", st)
	}

	conn.events <- Event{Kind: EventSpeechStart, SpeakerID: "user-1"}
	waitFor(t, func() bool { return sess.Status().State == "capturing" }, "capturing state surfaced")
}
