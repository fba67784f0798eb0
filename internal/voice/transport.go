package voice

import (
	"context"
	"io"
)

// ChannelRef identifies a voice channel inside a guild/room.
type ChannelRef struct {
	GuildID   string
	ChannelID string
}

// Key returns the session key for this channel. Sessions are keyed by
// guild: a bot occupies at most one voice channel per guild.
func (r ChannelRef) Key() string { return r.GuildID }

// Status is the connection lifecycle reported by the transport.
type Status int

const (
	StatusConnecting Status = iota
	StatusReady
	StatusDisconnected
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusDisconnected:
		return "disconnected"
	case StatusDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// EventKind discriminates transport events.
type EventKind int

const (
	EventSpeechStart EventKind = iota
	EventSpeechEnd
	EventAudioChunk
	EventStatus
)

// Event is one delivered transport event. PCM is decoded 16-bit LE mono at
// CaptureSampleRate and only set for EventAudioChunk.
type Event struct {
	Kind      EventKind
	SpeakerID string
	PCM       []byte
	Status    Status
	Err       error
}

// AudioFormat tags synthesized audio handed to a Player.
type AudioFormat struct {
	Encoding   string // "pcm16le"
	SampleRate int
}

// PCMFormat is the playback format all players must accept.
func PCMFormat(sampleRate int) AudioFormat {
	return AudioFormat{Encoding: "pcm16le", SampleRate: sampleRate}
}

// Player plays one audio stream to the channel. Play blocks until the
// stream is exhausted, Stop is called, or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, stream io.Reader, format AudioFormat) error
	Stop()
}

// Connection is one live attachment to a voice channel. Events are
// delivered on a single channel so session mutation is serialized.
type Connection interface {
	Events() <-chan Event
	// Player returns the primary playback sink.
	Player() Player
	// NewPlayer returns a secondary sink, used for the thinking indicator.
	NewPlayer() Player
	// BotID is the connection's own identity, used by the echo filter.
	BotID() string
	Close() error
}

// Transport joins voice channels and yields connections.
type Transport interface {
	Join(ctx context.Context, ref ChannelRef) (Connection, error)
	// ResolveChannel maps a bare channel id to a full ChannelRef.
	ResolveChannel(ctx context.Context, channelID string) (ChannelRef, error)
}

// Transcript is the result of one transcription.
type Transcript struct {
	Text       string
	Confidence float64
}

// Transcriber converts one complete utterance to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Transcript, error)
}

// LiveTranscriber accepts a per-speaker audio stream and accumulates
// incremental transcripts. Finalize returns the best accumulated text and
// releases the speaker's session; Discard drops it without reading.
type LiveTranscriber interface {
	SendAudio(speakerID string, pcm []byte)
	Finalize(speakerID string) string
	Discard(speakerID string)
	CloseAll()
}

// Synthesizer produces a complete audio buffer for the given text.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, AudioFormat, error)
}

// StreamSynthesizer begins yielding audio before synthesis completes, for
// lower time-to-first-audio.
type StreamSynthesizer interface {
	SynthesizeStream(ctx context.Context, text string) (io.ReadCloser, AudioFormat, error)
}

// Agent is the downstream conversational collaborator.
type Agent interface {
	Chat(ctx context.Context, sessionKey, speakerID, text string) (string, error)
}
