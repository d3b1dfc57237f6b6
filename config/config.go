// Package config defines and loads the enumerated configuration surfaces
// named in the runtime's external interface: client/server config and
// timeouts, the per-session config an accept hook may mutate, and the
// handful of implementation constants that bound internal queues.
package config

import "time"

// TransportMode selects which transport variants a server's Listener
// accepts.
type TransportMode int

const (
	// ModePlain accepts only plain TCP + WebSocket upgrade.
	ModePlain TransportMode = iota
	// ModeTLS accepts only TLS-wrapped connections.
	ModeTLS
	// ModeBoth sniffs the first bytes of each accepted connection to route
	// plain vs. TLS.
	ModeBoth
)

func (m TransportMode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeTLS:
		return "tls"
	case ModeBoth:
		return "plain|tls"
	default:
		return "unknown"
	}
}

// Constants holds the runtime's bounding values: queue_recv_max,
// queue_send_max, deadlock_secs, io_timeout_secs. MaxCallID lives in
// package wire since it's a wire-format constant, not a tunable.
type Constants struct {
	// QueueRecvMax bounds the ResponseCache's outstanding entry count.
	QueueRecvMax int
	// QueueSendMax bounds the WriteQueue's pending entry count, and
	// doubles as the server's pending-broadcast back-pressure limit.
	QueueSendMax int
	// DeadlockSecs bounds how long the client facade waits for a prior
	// session's destruction before declaring an I/O worker hung.
	DeadlockSecs time.Duration
	// IoTimeoutSecs is carried with the other bounds but is not read by
	// any code in this module: Connector.Close closes the connection
	// directly and does not wait for a close handshake.
	IoTimeoutSecs time.Duration
}

// DefaultConstants returns a conservative set of default bounds.
func DefaultConstants() Constants {
	return Constants{
		QueueRecvMax:  1000,
		QueueSendMax:  1000,
		DeadlockSecs:  5 * time.Second,
		IoTimeoutSecs: 5 * time.Second,
	}
}

// ClientConfig is the client facade's connection-level configuration.
type ClientConfig struct {
	HostAddress string `mapstructure:"host_address" yaml:"host_address"`
	Port        int    `mapstructure:"port" yaml:"port"`

	// MaxReadBytes caps a single inbound WebSocket message's size.
	MaxReadBytes int `mapstructure:"max_read_bytes" yaml:"max_read_bytes"`

	// SendAttempts is coerced to a minimum of 1 effective attempt even if
	// configured as 0 — the retry loop always tries at least once.
	SendAttempts     int           `mapstructure:"send_attempts" yaml:"send_attempts"`
	SendAttemptDelay time.Duration `mapstructure:"send_attempt_delay" yaml:"send_attempt_delay"`
}

// EffectiveSendAttempts coerces SendAttempts to its minimum of 1.
func (c ClientConfig) EffectiveSendAttempts() int {
	if c.SendAttempts < 1 {
		return 1
	}
	return c.SendAttempts
}

// ClientTimeouts holds the client's default per-operation timeouts,
// overridable per-call via the thread-local one-shot mechanism in
// package client.
type ClientTimeouts struct {
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	SendTimeout      time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
	ResponseTimeout  time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`
}

// DefaultClientTimeouts returns conservative default per-operation timeouts.
func DefaultClientTimeouts() ClientTimeouts {
	return ClientTimeouts{
		HandshakeTimeout: 5 * time.Second,
		SendTimeout:      5 * time.Second,
		ResponseTimeout:  5 * time.Second,
	}
}

// ServerConfig is the server facade's listener-level configuration.
type ServerConfig struct {
	HostAddress       string        `mapstructure:"host_address" yaml:"host_address"`
	Port              int           `mapstructure:"port" yaml:"port"`
	Workers           int           `mapstructure:"workers" yaml:"workers"`
	MaxSessions       int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	MaxHandshakeBytes int           `mapstructure:"max_handshake_bytes" yaml:"max_handshake_bytes"`
	Mode              TransportMode `mapstructure:"-" yaml:"-"`

	// AdminAddr, when non-empty, starts the read-only admin/health HTTP
	// surface (healthz, sessions, stats) on this address. Empty disables
	// it.
	AdminAddr string `mapstructure:"admin_addr" yaml:"admin_addr"`
}

// ServerTimeout bounds handshake and close operations on the server side.
type ServerTimeout struct {
	HandshakeOrCloseTimeout time.Duration `mapstructure:"handshake_or_close_timeout" yaml:"handshake_or_close_timeout"`
}

// DefaultServerTimeout returns a conservative default handshake/close timeout.
func DefaultServerTimeout() ServerTimeout {
	return ServerTimeout{HandshakeOrCloseTimeout: 5 * time.Second}
}

// SessionConfig is mutable only inside a server's accept hook; it is
// frozen for the lifetime of the session thereafter.
type SessionConfig struct {
	MaxTransferBytes int `mapstructure:"max_transfer_bytes" yaml:"max_transfer_bytes"`

	// PingDelay == 0 disables the server-side liveness ping for sessions
	// using this config.
	PingDelay time.Duration `mapstructure:"ping_delay" yaml:"ping_delay"`
}

// DefaultSessionConfig returns conservative default per-session bounds.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxTransferBytes: 4 << 20,
		PingDelay:        30 * time.Second,
	}
}

// Clone returns a copy safe to mutate independently, used when an accept
// hook customizes the config for one session without affecting the
// server's shared default.
func (s SessionConfig) Clone() SessionConfig {
	return s
}
