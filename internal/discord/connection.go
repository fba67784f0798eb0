package discord

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hraban/opus"

	"github.com/lowkeylabs/voicebot/internal/logging"
	"github.com/lowkeylabs/voicebot/internal/voice"
)

// eventBuffer sizes the outbound event channel. Audio chunks arrive at
// 50 frames per second per speaker, so this absorbs several seconds of
// consumer stall before frames are dropped.
const eventBuffer = 1024

// maxFrameSamples fits one 60ms opus frame at 48kHz mono.
const maxFrameSamples = 2880

type connection struct {
	vc     *discordgo.VoiceConnection
	botID  string
	events chan voice.Event

	mu         sync.Mutex
	ssrcToUser map[uint32]string
	decoders   map[uint32]*opus.Decoder
	primary    *player

	lastActivity int64
	stop         chan struct{}
	closeOnce    sync.Once
}

func newConnection(vc *discordgo.VoiceConnection, botID string) *connection {
	c := &connection{
		vc:           vc,
		botID:        botID,
		events:       make(chan voice.Event, eventBuffer),
		ssrcToUser:   make(map[uint32]string),
		decoders:     make(map[uint32]*opus.Decoder),
		lastActivity: time.Now().UnixNano(),
		stop:         make(chan struct{}),
	}
	c.primary = newPlayer(vc)

	vc.AddHandler(c.onSpeakingUpdate)
	go c.receiveLoop()
	go c.watchStatus()
	return c
}

func (c *connection) Events() <-chan voice.Event { return c.events }
func (c *connection) BotID() string              { return c.botID }
func (c *connection) Player() voice.Player       { return c.primary }
func (c *connection) NewPlayer() voice.Player    { return newPlayer(c.vc) }

// LastActivity reports when the connection last saw inbound traffic or a
// speaking update.
func (c *connection) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

func (c *connection) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

// onSpeakingUpdate keeps the SSRC to user mapping current and turns
// speaking flags into speech boundary events.
func (c *connection) onSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	c.touch()
	c.mu.Lock()
	c.ssrcToUser[uint32(vs.SSRC)] = vs.UserID
	c.mu.Unlock()

	kind := voice.EventSpeechEnd
	if vs.Speaking {
		kind = voice.EventSpeechStart
	}
	c.emit(voice.Event{Kind: kind, SpeakerID: vs.UserID})
}

// receiveLoop decodes inbound opus frames to 16-bit mono PCM and emits
// them tagged with the sending user. Frames from an SSRC with no known
// user yet are dropped, the speaking update always precedes audio.
func (c *connection) receiveLoop() {
	pcm := make([]int16, maxFrameSamples)
	for {
		select {
		case <-c.stop:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			c.touch()

			c.mu.Lock()
			userID := c.ssrcToUser[pkt.SSRC]
			dec := c.decoders[pkt.SSRC]
			if dec == nil {
				var err error
				dec, err = opus.NewDecoder(voice.CaptureSampleRate, 1)
				if err != nil {
					c.mu.Unlock()
					logging.Errorw("opus decoder init failed", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				c.decoders[pkt.SSRC] = dec
			}
			c.mu.Unlock()

			if userID == "" {
				continue
			}
			n, err := dec.Decode(pkt.Opus, pcm)
			if err != nil {
				logging.Debugw("opus decode failed", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			buf := make([]byte, n*2)
			for i := 0; i < n; i++ {
				binary.LittleEndian.PutUint16(buf[i*2:], uint16(pcm[i]))
			}
			c.emit(voice.Event{Kind: voice.EventAudioChunk, SpeakerID: userID, PCM: buf})
		}
	}
}

// watchStatus polls the underlying connection's readiness and reports
// transitions. discordgo reconnects the voice websocket on its own, so a
// short not-ready blip surfaces as disconnected followed by ready.
func (c *connection) watchStatus() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	ready := true
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.vc.RLock()
			now := c.vc.Ready
			c.vc.RUnlock()
			if now == ready {
				if now {
					c.touch()
				}
				continue
			}
			ready = now
			status := voice.StatusDisconnected
			if now {
				status = voice.StatusReady
				c.touch()
			}
			c.emit(voice.Event{Kind: voice.EventStatus, Status: status})
		}
	}
}

func (c *connection) emit(ev voice.Event) {
	select {
	case c.events <- ev:
	default:
		logging.Warnw("event buffer full, dropping frame", "kind", ev.Kind)
	}
}

func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.primary.Stop()
		err = c.vc.Disconnect()
		c.emit(voice.Event{Kind: voice.EventStatus, Status: voice.StatusDestroyed})
	})
	return err
}
