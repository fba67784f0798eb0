// Package discord adapts a Discord gateway session to the voice
// transport contract.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/lowkeylabs/voicebot/internal/logging"
	"github.com/lowkeylabs/voicebot/internal/voice"
)

// Transport joins Discord voice channels over one gateway session.
type Transport struct {
	session *discordgo.Session
	botID   string
}

func NewTransport(token string) (*Transport, error) {
	if token == "" {
		return nil, &voice.ConfigError{Provider: "discord", Reason: "missing bot token"}
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, &voice.TransportError{Op: "create gateway session", Err: err}
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := session.Open(); err != nil {
		return nil, &voice.TransportError{Op: "open gateway session", Err: err}
	}
	t := &Transport{session: session}
	if session.State != nil && session.State.User != nil {
		t.botID = session.State.User.ID
	} else if me, err := session.User("@me"); err == nil {
		t.botID = me.ID
	}
	logging.Infow("gateway session opened", "bot_id", t.botID)
	return t, nil
}

func (t *Transport) ResolveChannel(ctx context.Context, channelID string) (voice.ChannelRef, error) {
	ch, err := t.session.Channel(channelID)
	if err != nil {
		return voice.ChannelRef{}, &voice.ValidationError{Param: "channel_id", Reason: "unknown channel"}
	}
	if ch.Type != discordgo.ChannelTypeGuildVoice && ch.Type != discordgo.ChannelTypeGuildStageVoice {
		return voice.ChannelRef{}, &voice.ValidationError{Param: "channel_id", Reason: "not a voice channel"}
	}
	return voice.ChannelRef{GuildID: ch.GuildID, ChannelID: ch.ID}, nil
}

// Join connects to the channel unmuted and undeafened, the bot both
// listens and speaks.
func (t *Transport) Join(ctx context.Context, ref voice.ChannelRef) (voice.Connection, error) {
	vc, err := t.session.ChannelVoiceJoin(ref.GuildID, ref.ChannelID, false, false)
	if err != nil {
		return nil, &voice.TransportError{Op: fmt.Sprintf("join channel %s", ref.ChannelID), Err: err}
	}
	return newConnection(vc, t.botID), nil
}

func (t *Transport) Close() error {
	return t.session.Close()
}
