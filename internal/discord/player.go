package discord

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"

	"github.com/lowkeylabs/voicebot/internal/voice"
)

// One 20ms frame at 48kHz mono.
const (
	playFrameSamples = 960
	playFrameBytes   = playFrameSamples * 2
	playFrameEvery   = 20 * time.Millisecond
)

// player encodes a PCM stream to opus and sends it in paced 20ms frames.
// One Play runs at a time per player; Stop aborts the current one.
type player struct {
	vc *discordgo.VoiceConnection

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newPlayer(vc *discordgo.VoiceConnection) *player {
	return &player{vc: vc}
}

// Play blocks until the stream is exhausted, Stop is called, or ctx is
// cancelled. Streams at 24kHz are upsampled to the wire rate; anything
// that is not 16-bit PCM at a supported rate is rejected.
func (p *player) Play(ctx context.Context, stream io.Reader, format voice.AudioFormat) error {
	if format.Encoding != "pcm16le" {
		return &voice.ValidationError{Param: "format", Reason: fmt.Sprintf("unsupported encoding %q", format.Encoding)}
	}
	switch format.SampleRate {
	case voice.CaptureSampleRate:
	case voice.CaptureSampleRate / 2:
		stream = newUpsampleReader(stream)
	default:
		return &voice.ValidationError{Param: "format", Reason: fmt.Sprintf("unsupported sample rate %d", format.SampleRate)}
	}

	enc, err := opus.NewEncoder(voice.CaptureSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return &voice.TransportError{Op: "opus encoder init", Err: err}
	}

	playCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		cancel()
		return errors.New("player is busy")
	}
	p.cancel = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cancel = nil
		p.mu.Unlock()
		cancel()
	}()

	p.vc.Speaking(true)
	defer p.vc.Speaking(false)

	raw := make([]byte, playFrameBytes)
	pcm := make([]int16, playFrameSamples)
	packet := make([]byte, 1275)
	ticker := time.NewTicker(playFrameEvery)
	defer ticker.Stop()

	for {
		n, err := io.ReadFull(stream, raw)
		if n == 0 {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			if err != nil {
				return &voice.TransportError{Op: "read playback stream", Err: err}
			}
		}
		// Pad the trailing partial frame with silence.
		for i := n; i < playFrameBytes; i++ {
			raw[i] = 0
		}
		for i := 0; i < playFrameSamples; i++ {
			pcm[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
		}
		sz, encErr := enc.Encode(pcm, packet)
		if encErr != nil {
			return &voice.TransportError{Op: "opus encode", Err: encErr}
		}

		select {
		case <-playCtx.Done():
			return nil
		case <-ticker.C:
		}
		frame := make([]byte, sz)
		copy(frame, packet[:sz])
		select {
		case <-playCtx.Done():
			return nil
		case p.vc.OpusSend <- frame:
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return &voice.TransportError{Op: "read playback stream", Err: err}
		}
	}
}

func (p *player) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// upsampleReader doubles 24kHz 16-bit samples up to 48kHz by
// duplication. Good enough for speech on a lossy voice channel.
type upsampleReader struct {
	src  io.Reader
	rest []byte // converted output not yet delivered
	half []byte // dangling input byte from an odd-length read
}

func newUpsampleReader(src io.Reader) *upsampleReader {
	return &upsampleReader{src: src}
}

func (u *upsampleReader) Read(p []byte) (int, error) {
	if len(u.rest) > 0 {
		n := copy(p, u.rest)
		u.rest = u.rest[n:]
		return n, nil
	}
	in := make([]byte, 2048)
	m := copy(in, u.half)
	u.half = nil
	n, err := u.src.Read(in[m:])
	total := m + n
	if total%2 == 1 {
		u.half = []byte{in[total-1]}
		total--
	}
	if total > 0 {
		out := voice.UpsampleDouble(in[:total])
		w := copy(p, out)
		if w < len(out) {
			u.rest = out[w:]
		}
		return w, nil
	}
	return 0, err
}
