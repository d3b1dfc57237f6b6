package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/gridrpc/gridrpc/config"
)

// Listener binds, listens, and (when the server mode permits both
// transport variants) routes each accepted socket to plain or TLS by
// sniffing its first byte. Connections are then served by an http.Server
// whose handler runs the listen hook, the session-limit check and the
// accept hook before gorilla/websocket completes the upgrade.
type Listener struct {
	cfg           config.ServerConfig
	serverTimeout config.ServerTimeout
	tlsConfig     *tls.Config
	manager       *SessionManager
	upgrader      websocket.Upgrader

	defaultCfgMu sync.Mutex
	defaultCfg   config.SessionConfig

	ln      net.Listener
	httpSrv *http.Server

	readyOnce sync.Once
	ready     chan struct{}
	addr      net.Addr
}

// NewListener builds a Listener bound to cfg.HostAddress:cfg.Port.
func NewListener(cfg config.ServerConfig, timeout config.ServerTimeout, tlsConfig *tls.Config, manager *SessionManager, defaultCfg config.SessionConfig) *Listener {
	return &Listener{
		cfg:           cfg,
		serverTimeout: timeout,
		tlsConfig:     tlsConfig,
		manager:       manager,
		defaultCfg:    defaultCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: timeout.HandshakeOrCloseTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		ready: make(chan struct{}),
	}
}

// SetDefaultSessionConfig replaces the session config applied to
// newly-accepted connections. Already-established sessions are
// unaffected, since SessionConfig is frozen per-session once the accept
// hook returns.
func (l *Listener) SetDefaultSessionConfig(cfg config.SessionConfig) {
	l.defaultCfgMu.Lock()
	l.defaultCfg = cfg
	l.defaultCfgMu.Unlock()
}

func (l *Listener) currentDefaultSessionConfig() config.SessionConfig {
	l.defaultCfgMu.Lock()
	defer l.defaultCfgMu.Unlock()
	return l.defaultCfg
}

// Addr blocks until the listening socket is bound and returns its
// address — useful for tests that bind to port 0 and need the OS-chosen
// port.
func (l *Listener) Addr() net.Addr {
	<-l.ready
	return l.addr
}

// Serve binds the listening socket and blocks serving upgrade requests
// until Close is called.
func (l *Listener) Serve() error {
	addr := fmt.Sprintf("%s:%d", l.cfg.HostAddress, l.cfg.Port)
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	l.ln = l.routeTransport(raw)
	l.addr = raw.Addr()
	l.readyOnce.Do(func() { close(l.ready) })

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.httpSrv = &http.Server{
		Handler:        mux,
		MaxHeaderBytes: l.cfg.MaxHandshakeBytes,
	}

	err = l.httpSrv.Serve(l.ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close stops accepting new connections. Already-established sessions
// are unaffected.
func (l *Listener) Close() error {
	if l.httpSrv == nil {
		return nil
	}
	return l.httpSrv.Close()
}

func (l *Listener) routeTransport(ln net.Listener) net.Listener {
	switch l.cfg.Mode {
	case config.ModeTLS:
		return tls.NewListener(ln, l.tlsConfig)
	case config.ModeBoth:
		return &sniffListener{Listener: ln, tlsConfig: l.tlsConfig}
	default:
		return ln
	}
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	remote := r.RemoteAddr
	if l.manager.onListen != nil && !l.manager.onListen(remote) {
		slog.Warn("listener rejected connection", "remote_addr", remote)
		http.Error(w, "connection refused", http.StatusForbidden)
		return
	}
	if l.manager.Connections() >= int64(l.cfg.MaxSessions) {
		slog.Warn("listener at max_sessions, refusing connection", "remote_addr", remote, "max_sessions", l.cfg.MaxSessions)
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}

	info := &SessionInfo{
		RemoteAddr:     remote,
		RequestHeader:  map[string][]string(r.Header),
		ResponseHeader: make(map[string][]string),
		SessionConfig:  l.currentDefaultSessionConfig().Clone(),
		IsTLS:          r.TLS != nil,
	}
	if l.manager.onAccept != nil && !l.manager.onAccept(info) {
		slog.Warn("accept hook rejected session", "remote_addr", remote)
		http.Error(w, "session rejected", http.StatusForbidden)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, http.Header(info.ResponseHeader))
	if err != nil {
		slog.Error("websocket upgrade failed", "remote_addr", remote, "error", err)
		return
	}

	id := l.manager.nextSessionID()
	sess := NewServerSession(id, conn, l.manager.queueSendMax, &l.manager.handlers, info.SessionConfig, l.manager.unregister)
	l.manager.register(sess, info.IsTLS)
	sess.Start()
}

// peekedConn replays a single byte consumed to sniff the transport
// variant before any further reads reach the underlying connection.
type peekedConn struct {
	net.Conn
	first byte
	used  bool
}

func (c *peekedConn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if !c.used {
		c.used = true
		b[0] = c.first
		if len(b) == 1 {
			return 1, nil
		}
		n, err := c.Conn.Read(b[1:])
		return n + 1, err
	}
	return c.Conn.Read(b)
}

// sniffListener peeks the first byte of each accepted connection to
// decide plain vs. TLS: a TLS handshake record starts with 0x16.
type sniffListener struct {
	net.Listener
	tlsConfig *tls.Config
}

// Accept retries internally past a peek failure on one connection rather
// than propagating it: a single misbehaving client must not cause
// net/http's Serve loop to treat the whole listener as dead.
func (l *sniffListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		buf := make([]byte, 1)
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			slog.Debug("transport sniff failed, dropping connection", "remote_addr", conn.RemoteAddr(), "error", err)
			conn.Close()
			continue
		}

		pc := &peekedConn{Conn: conn, first: buf[0]}
		const tlsHandshakeRecordType = 0x16
		if buf[0] == tlsHandshakeRecordType {
			return tls.Server(pc, l.tlsConfig), nil
		}
		return pc, nil
	}
}
