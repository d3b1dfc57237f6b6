package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/gridrpc/gridrpc/config"
	"github.com/gridrpc/gridrpc/rpcerr"
)

// ConnState is the Connector's establishment state machine.
type ConnState int

const (
	ConnNone ConnState = iota
	ConnConnecting
	ConnHandshake
	ConnEstablished
)

// Connector builds exactly one ClientSession: resolve -> connect -> TLS (if
// configured) -> WebSocket upgrade -> established. It is single-use — Run
// on an already-consumed Connector is a no-op, per the transient
// connector-per-connection-attempt design.
type Connector struct {
	cfg       config.ClientConfig
	timeouts  config.ClientTimeouts
	constants config.Constants
	tlsConfig *tls.Config // nil selects the plain variant
	handlers  *HandlerTable

	mu           sync.Mutex
	ran          bool // set by the first Run; later Runs are no-ops
	state        ConnState
	session      *ClientSession
	header       http.Header // caller-supplied handshake decorator
	resHandshake http.Header // captured from the server's upgrade response
}

// NewConnector builds a Connector for one connection attempt. tlsConfig nil
// means the plain transport variant; non-nil selects TLS.
func NewConnector(cfg config.ClientConfig, timeouts config.ClientTimeouts, constants config.Constants, tlsConfig *tls.Config, handlers *HandlerTable) *Connector {
	return &Connector{
		cfg:       cfg,
		timeouts:  timeouts,
		constants: constants,
		tlsConfig: tlsConfig,
		handlers:  handlers,
		header:    http.Header{},
	}
}

// SetHandshakeHeader installs headers merged into the outgoing WebSocket
// upgrade request, without disturbing protocol-mandated fields (gorilla's
// Dialer owns those).
func (c *Connector) SetHandshakeHeader(h http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.header = h
}

// HandshakeResponse returns the response headers captured from the
// server's upgrade reply. Only meaningful after a successful Run.
func (c *Connector) HandshakeResponse() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resHandshake
}

// Run executes the establishment sequence once. Any later call, whether the
// first one succeeded or failed, is a no-op returning nil.
func (c *Connector) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return nil
	}
	c.ran = true
	c.state = ConnConnecting
	header := c.header
	c.mu.Unlock()

	scheme := "ws"
	dialer := websocket.Dialer{HandshakeTimeout: c.timeouts.HandshakeTimeout}
	if c.tlsConfig != nil {
		scheme = "wss"
		dialer.TLSClientConfig = c.tlsConfig
	}
	url := fmt.Sprintf("%s://%s:%d/", scheme, c.cfg.HostAddress, c.cfg.Port)

	c.mu.Lock()
	c.state = ConnHandshake
	c.mu.Unlock()

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		c.mu.Lock()
		c.state = ConnNone
		c.mu.Unlock()
		slog.Warn("connector dial failed", "url", url, "error", err)
		return fmt.Errorf("%w: %v", rpcerr.ErrHandshakeFailed, err)
	}
	slog.Info("connector established", "url", url)

	session := NewClientSession(conn, c.constants.QueueRecvMax, c.constants.QueueSendMax, c.cfg.MaxReadBytes, c.handlers)
	session.Start()

	c.mu.Lock()
	c.session = session
	if resp != nil {
		c.resHandshake = resp.Header
	}
	c.state = ConnEstablished
	c.mu.Unlock()
	return nil
}

// Session returns the established session, or nil if Run has not
// completed successfully.
func (c *Connector) Session() *ClientSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// State reports the connector's current establishment state.
func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close is idempotent: it tears down the underlying session (if any),
// resets the connector to None, and returns the session's close error.
func (c *Connector) Close() error {
	c.mu.Lock()
	session := c.session
	c.state = ConnNone
	c.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}
