package voice

import (
	"context"
	"sync"
	"time"

	"github.com/lowkeylabs/voicebot/internal/logging"
)

// HealthReporter is implemented by connections that can report when they
// last saw traffic. The supervisor uses it to detect silently dead links.
type HealthReporter interface {
	LastActivity() time.Time
}

// SupervisorConfig are the liveness and recovery tunables, in
// milliseconds.
type SupervisorConfig struct {
	HeartbeatIntervalMs  int
	HeartbeatTimeoutMs   int
	MaxReconnectAttempts int
}

// selfHealWindow is how long a dropped connection gets to recover on its
// own before the supervisor starts rejoining.
const selfHealWindow = 5 * time.Second

// Supervisor watches one session's connection. It polls the link for
// staleness, waits out transient drops, and rejoins with linear backoff
// up to the attempt cap. Exhausting the cap tears the session down.
type Supervisor struct {
	cfg       SupervisorConfig
	transport Transport
	session   *Session
	ref       ChannelRef
	onFatal   func()

	backoffUnit time.Duration

	mu           sync.Mutex
	conn         Connection
	status       Status
	reconnecting bool
	stop         chan struct{}
	closed       bool
}

func NewSupervisor(cfg SupervisorConfig, transport Transport, session *Session, onFatal func()) *Supervisor {
	if cfg.HeartbeatIntervalMs <= 0 {
		cfg.HeartbeatIntervalMs = 30000
	}
	if cfg.HeartbeatTimeoutMs <= 0 {
		cfg.HeartbeatTimeoutMs = 60000
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 3
	}
	return &Supervisor{
		cfg:         cfg,
		transport:   transport,
		session:     session,
		ref:         session.Ref(),
		onFatal:     onFatal,
		status:      StatusConnecting,
		backoffUnit: time.Second,
		stop:        make(chan struct{}),
	}
}

// Start attaches the session to its first connection and begins the
// heartbeat watchdog.
func (sv *Supervisor) Start(conn Connection) {
	sv.mu.Lock()
	sv.conn = conn
	sv.status = StatusReady
	sv.mu.Unlock()

	sv.session.SetStatusHook(sv.onStatusChange)
	sv.session.Attach(conn)
	go sv.watch()
}

func (sv *Supervisor) onStatusChange(status Status) {
	sv.mu.Lock()
	sv.status = status
	sv.mu.Unlock()

	if status == StatusDisconnected {
		go sv.handleDisconnect()
	}
}

func (sv *Supervisor) watch() {
	interval := time.Duration(sv.cfg.HeartbeatIntervalMs) * time.Millisecond
	timeout := time.Duration(sv.cfg.HeartbeatTimeoutMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-sv.stop:
			return
		case <-ticker.C:
			sv.mu.Lock()
			conn := sv.conn
			busy := sv.reconnecting
			sv.mu.Unlock()
			if conn == nil || busy {
				continue
			}
			hr, ok := conn.(HealthReporter)
			if !ok {
				continue
			}
			if since := time.Since(hr.LastActivity()); since > timeout {
				logging.Warnw("connection stale, forcing reconnect",
					"guild", sv.ref.GuildID, "since", since)
				go sv.reconnect()
			}
		}
	}
}

// handleDisconnect waits for the transport to heal itself before taking
// over. Voice links routinely flap during region moves.
func (sv *Supervisor) handleDisconnect() {
	select {
	case <-sv.stop:
		return
	case <-time.After(selfHealWindow):
	}

	sv.mu.Lock()
	healed := sv.status == StatusReady
	sv.mu.Unlock()
	if healed {
		logging.Infow("connection recovered on its own", "guild", sv.ref.GuildID)
		return
	}
	sv.reconnect()
}

func (sv *Supervisor) reconnect() {
	sv.mu.Lock()
	if sv.closed || sv.reconnecting {
		sv.mu.Unlock()
		return
	}
	sv.reconnecting = true
	old := sv.conn
	sv.mu.Unlock()

	if old != nil {
		old.Close()
	}

	for attempt := 1; attempt <= sv.cfg.MaxReconnectAttempts; attempt++ {
		backoff := time.Duration(attempt) * sv.backoffUnit
		logging.Infow("reconnecting",
			"guild", sv.ref.GuildID, "attempt", attempt, "backoff", backoff)
		select {
		case <-sv.stop:
			return
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := sv.transport.Join(ctx, sv.ref)
		cancel()
		if err != nil {
			logging.Warnw("reconnect attempt failed",
				"guild", sv.ref.GuildID, "attempt", attempt, "err", err)
			continue
		}

		sv.mu.Lock()
		sv.conn = conn
		sv.status = StatusReady
		sv.reconnecting = false
		sv.mu.Unlock()
		sv.session.Attach(conn)
		logging.Infow("reconnected", "guild", sv.ref.GuildID, "attempt", attempt)
		return
	}

	logging.Errorw("reconnect attempts exhausted, destroying session",
		"guild", sv.ref.GuildID, "attempts", sv.cfg.MaxReconnectAttempts)
	sv.mu.Lock()
	sv.reconnecting = false
	sv.mu.Unlock()
	if sv.onFatal != nil {
		sv.onFatal()
	}
}

// Close stops the watchdog. It does not close the connection, the
// session owns that.
func (sv *Supervisor) Close() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.closed {
		return
	}
	sv.closed = true
	close(sv.stop)
}
