package voice

import (
	"context"
	"fmt"
	"sync"

	"github.com/lowkeylabs/voicebot/internal/logging"
)

type managedSession struct {
	session    *Session
	supervisor *Supervisor
}

// Manager owns all live sessions, keyed by guild. The bot sits in at
// most one voice channel per guild.
type Manager struct {
	transport  Transport
	deps       SessionDeps
	sessionCfg SessionConfig
	supCfg     SupervisorConfig

	mu       sync.Mutex
	sessions map[string]*managedSession
}

func NewManager(transport Transport, deps SessionDeps, sessionCfg SessionConfig, supCfg SupervisorConfig) *Manager {
	return &Manager{
		transport:  transport,
		deps:       deps,
		sessionCfg: sessionCfg,
		supCfg:     supCfg,
		sessions:   make(map[string]*managedSession),
	}
}

// Join attaches to the given channel. Joining the channel the bot is
// already in is a no-op; joining a different channel in the same guild
// moves the bot there.
func (m *Manager) Join(ctx context.Context, channelID string) (SessionStatus, error) {
	if channelID == "" {
		return SessionStatus{}, &ValidationError{Param: "channel_id", Reason: "must not be empty"}
	}
	ref, err := m.transport.ResolveChannel(ctx, channelID)
	if err != nil {
		return SessionStatus{}, err
	}

	m.mu.Lock()
	if ms, ok := m.sessions[ref.Key()]; ok {
		if ms.session.Ref().ChannelID == ref.ChannelID {
			status := ms.session.Status()
			m.mu.Unlock()
			return status, nil
		}
		delete(m.sessions, ref.Key())
		m.mu.Unlock()
		logging.Infow("moving to another channel",
			"guild", ref.GuildID, "from", ms.session.Ref().ChannelID, "to", ref.ChannelID)
		ms.supervisor.Close()
		ms.session.Close()
	} else {
		m.mu.Unlock()
	}

	conn, err := m.transport.Join(ctx, ref)
	if err != nil {
		return SessionStatus{}, err
	}

	m.mu.Lock()
	// A concurrent join for this guild may have won the race while the
	// transport call was in flight. Yield to it rather than leaking a
	// second live connection.
	if cur, ok := m.sessions[ref.Key()]; ok {
		m.mu.Unlock()
		conn.Close()
		if cur.session.Ref().ChannelID == ref.ChannelID {
			return cur.session.Status(), nil
		}
		return SessionStatus{}, fmt.Errorf("%w: concurrent join for guild %s", ErrSessionBusy, ref.GuildID)
	}
	session := NewSession(ref, m.sessionCfg, m.deps)
	sup := NewSupervisor(m.supCfg, m.transport, session, func() {
		m.dropSession(ref.Key())
	})
	m.sessions[ref.Key()] = &managedSession{session: session, supervisor: sup}
	m.mu.Unlock()

	sup.Start(conn)
	logging.Infow("joined voice channel", "guild", ref.GuildID, "channel", ref.ChannelID)
	return session.Status(), nil
}

// Leave disconnects from the guild's voice channel.
func (m *Manager) Leave(guildID string) error {
	if guildID == "" {
		return &ValidationError{Param: "guild_id", Reason: "must not be empty"}
	}
	m.mu.Lock()
	ms, ok := m.sessions[guildID]
	if ok {
		delete(m.sessions, guildID)
	}
	m.mu.Unlock()
	if !ok {
		return &ValidationError{Param: "guild_id", Reason: "no active session"}
	}
	ms.supervisor.Close()
	err := ms.session.Close()
	logging.Infow("left voice channel", "guild", guildID)
	return err
}

// Speak plays the given text in the guild's channel, bypassing the agent.
func (m *Manager) Speak(ctx context.Context, guildID, text string) error {
	if guildID == "" {
		return &ValidationError{Param: "guild_id", Reason: "must not be empty"}
	}
	m.mu.Lock()
	ms, ok := m.sessions[guildID]
	m.mu.Unlock()
	if !ok {
		return &ValidationError{Param: "guild_id", Reason: "no active session"}
	}
	return ms.session.Speak(ctx, text)
}

// Status returns a snapshot of every live session.
func (m *Manager) Status() []SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionStatus, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms.session.Status())
	}
	return out
}

func (m *Manager) dropSession(key string) {
	m.mu.Lock()
	ms, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if ok {
		ms.supervisor.Close()
		ms.session.Close()
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*managedSession)
	m.mu.Unlock()
	for _, ms := range all {
		ms.supervisor.Close()
		ms.session.Close()
	}
}
