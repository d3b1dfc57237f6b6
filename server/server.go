package server

import (
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/multierr"

	"github.com/gridrpc/gridrpc/config"
	"github.com/gridrpc/gridrpc/internal/workerpool"
)

// Server is the public facade: it owns the broadcast worker pool, the
// Listener, and the SessionManager, and installs the INT/TERM signal
// handler that stops the listener. Go's net/http already runs one
// goroutine per accepted connection (the netpoller is the executor), so
// cfg.Workers is applied to the broadcast fan-out pool rather than to a
// separately managed I/O thread pool.
type Server struct {
	cfg     config.ServerConfig
	timeout config.ServerTimeout

	manager  *SessionManager
	listener *Listener
	pool     *workerpool.Pool

	cfgWatcher *config.SessionConfigWatcher

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
	stopped   chan struct{}
}

// New builds a Server. tlsConfig is required when cfg.Mode is ModeTLS or
// ModeBoth and ignored for ModePlain.
func New(cfg config.ServerConfig, timeout config.ServerTimeout, defaultSessionCfg config.SessionConfig, tlsConfig *tls.Config) *Server {
	pool := workerpool.New(cfg.Workers)
	manager := NewSessionManager(config.DefaultConstants().QueueSendMax, pool)
	listener := NewListener(cfg, timeout, tlsConfig, manager, defaultSessionCfg)
	return &Server{
		cfg:      cfg,
		timeout:  timeout,
		manager:  manager,
		listener: listener,
		pool:     pool,
		stopped:  make(chan struct{}),
	}
}

// Bind installs the RPC handler for callID; allowed only before Start.
func (s *Server) Bind(callID uint32, h RPCHandler) error { return s.manager.Bind(callID, h) }

// BindAccept installs the accept hook.
func (s *Server) BindAccept(h AcceptHook) error { return s.manager.BindAccept(h) }

// BindListen installs the listen hook.
func (s *Server) BindListen(h ListenHook) error { return s.manager.BindListen(h) }

// BindDisconnect installs the disconnect hook.
func (s *Server) BindDisconnect(h DisconnectHook) error { return s.manager.BindDisconnect(h) }

// Broadcast fans payload out to every session, or only those named in
// targets when non-nil.
func (s *Server) Broadcast(callID uint32, payload []byte, targets []SessionID) error {
	var set map[SessionID]struct{}
	if targets != nil {
		set = make(map[SessionID]struct{}, len(targets))
		for _, id := range targets {
			set[id] = struct{}{}
		}
	}
	return s.manager.Broadcast(callID, payload, set)
}

// Addr blocks until the listener is bound and returns its address —
// useful for tests that bind to port 0.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Connections reports the number of currently registered sessions.
func (s *Server) Connections() int64 { return s.manager.Connections() }

// SessionIDs returns every currently registered session id.
func (s *Server) SessionIDs() []SessionID { return s.manager.SessionIDs() }

// BroadcastStats reports the cumulative broadcast counters.
func (s *Server) BroadcastStats() BroadcastStats { return s.manager.Stats() }

// WatchSessionConfig hot-reloads the listener's default session config
// (applied to newly-accepted connections only) from the YAML file at path
// whenever it changes on disk. The watcher is torn down by Stop.
func (s *Server) WatchSessionConfig(path string) error {
	w, err := config.WatchSessionConfig(path, s.listener.SetDefaultSessionConfig)
	if err != nil {
		return err
	}
	s.cfgWatcher = w
	return nil
}

// Start runs the listener on the calling goroutine, blocking until a
// signal or Stop(). Calling Start more than once is a no-op.
func (s *Server) Start() error {
	var err error
	s.startOnce.Do(func() {
		s.armSignalHandler()
		err = s.listener.Serve()
	})
	return err
}

// AsyncStart runs the listener on a new goroutine and returns
// immediately. onStopped, if non-nil, fires once the listener's Serve
// call returns. Calling AsyncStart more than once is a no-op.
func (s *Server) AsyncStart(onStopped func()) error {
	s.startOnce.Do(func() {
		s.armSignalHandler()
		go func() {
			_ = s.listener.Serve()
			if onStopped != nil {
				onStopped()
			}
		}()
	})
	return nil
}

func (s *Server) armSignalHandler() {
	s.manager.setRunning(true)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			s.Stop()
		case <-s.stopped:
			signal.Stop(sig)
		}
	}()
}

// Stop closes the listener (refusing new connections), waits for the
// broadcast pool to drain any in-flight fan-out, and tears down every
// still-registered session. Idempotent; the listener-close and per-session
// close errors, if any, are aggregated into one returned error.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		listenErr := s.listener.Close()
		s.pool.Wait()
		closeErr := s.manager.CloseAll()
		s.manager.setRunning(false)
		var watchErr error
		if s.cfgWatcher != nil {
			watchErr = s.cfgWatcher.Close()
		}
		s.stopErr = multierr.Append(multierr.Append(listenErr, closeErr), watchErr)
	})
	return s.stopErr
}
