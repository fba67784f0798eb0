package tts

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"github.com/lowkeylabs/voicebot/internal/logging"
	"github.com/lowkeylabs/voicebot/internal/voice"
)

const deepgramSampleRate = 48000

// Audio arriving after the flush trails off. Once we have seen audio and
// the socket stays quiet past this window, synthesis is considered done.
const (
	deepgramIdleWindow = 400 * time.Millisecond
	deepgramMaxSynth   = 12 * time.Second
	deepgramPollEvery  = 50 * time.Millisecond
)

// DeepgramClient synthesizes through the Deepgram speak websocket,
// yielding 48kHz linear16 as it is generated.
type DeepgramClient struct {
	apiKey string
	model  string
}

func NewDeepgramClient(apiKey, model string) (*DeepgramClient, error) {
	if apiKey == "" {
		return nil, &voice.ConfigError{Provider: "deepgram", Reason: "missing API key"}
	}
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramClient{apiKey: apiKey, model: model}, nil
}

// SynthesizeStream opens a speak socket and pipes binary frames through
// as they arrive. The reader sees EOF once the socket goes idle after
// the last audio frame.
func (c *DeepgramClient) SynthesizeStream(ctx context.Context, text string) (io.ReadCloser, voice.AudioFormat, error) {
	if text == "" {
		return nil, voice.AudioFormat{}, &voice.ValidationError{Param: "text", Reason: "must not be empty"}
	}

	options := &clientinterfaces.WSSpeakOptions{
		Model:      c.model,
		Encoding:   "linear16",
		SampleRate: deepgramSampleRate,
	}

	pr, pw := io.Pipe()

	var lastRecvUnix int64
	var seenAudio int32
	cb := &speakCallback{onBinary: func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
		atomic.StoreInt32(&seenAudio, 1)
		_, err := pw.Write(data)
		return err
	}}

	dg, err := speak.NewWSUsingCallback(ctx, c.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		pw.Close()
		return nil, voice.AudioFormat{}, &voice.TransportError{Op: "deepgram speak connect", Err: err}
	}
	if ok := dg.Connect(); !ok {
		pw.Close()
		return nil, voice.AudioFormat{}, &voice.TransportError{Op: "deepgram speak connect", Err: io.ErrUnexpectedEOF}
	}
	if err := dg.SpeakWithText(text); err != nil {
		dg.Stop()
		pw.Close()
		return nil, voice.AudioFormat{}, &voice.TransportError{Op: "deepgram speak text", Err: err}
	}
	if err := dg.Flush(); err != nil {
		logging.Warnw("deepgram flush failed", "err", err)
	}

	go func() {
		defer dg.Stop()
		defer pw.Close()
		ticker := time.NewTicker(deepgramPollEvery)
		defer ticker.Stop()
		deadline := time.Now().Add(deepgramMaxSynth)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
					if time.Since(last) > deepgramIdleWindow {
						return
					}
				}
				if time.Now().After(deadline) {
					return
				}
			}
		}
	}()

	return pr, voice.PCMFormat(deepgramSampleRate), nil
}

// Synthesize drains the streaming path into one buffer.
func (c *DeepgramClient) Synthesize(ctx context.Context, text string) ([]byte, voice.AudioFormat, error) {
	stream, format, err := c.SynthesizeStream(ctx, text)
	if err != nil {
		return nil, voice.AudioFormat{}, err
	}
	defer stream.Close()
	raw, err := io.ReadAll(stream)
	if err != nil {
		return nil, voice.AudioFormat{}, &voice.TransportError{Op: "read synthesized audio", Err: err}
	}
	return raw, format, nil
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
