package server

import (
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/gridrpc/gridrpc/config"
	"github.com/gridrpc/gridrpc/internal/workerpool"
	"github.com/gridrpc/gridrpc/rpcerr"
	"github.com/gridrpc/gridrpc/wire"
)

// AcceptHook inspects a fresh SessionInfo before the session is admitted
// to the registry; returning false aborts the session.
type AcceptHook func(info *SessionInfo) bool

// ListenHook inspects the remote address of each incoming upgrade request,
// before the session-limit check and the accept hook; returning false
// answers the request with 403 Forbidden. It runs once the HTTP request
// (and, for TLS, the TLS handshake) has been read, not at TCP accept.
type ListenHook func(remoteAddr string) bool

// DisconnectHook observes a session's removal from the registry.
type DisconnectHook func(id SessionID)

// SessionInfo is the accept-hook view: request headers, a place to set
// response headers, and the session config the hook may mutate before it
// is frozen for the session's lifetime.
type SessionInfo struct {
	RemoteAddr     string
	RequestHeader  map[string][]string
	ResponseHeader map[string][]string
	SessionConfig  config.SessionConfig
	IsTLS          bool
}

// SessionManager is the registry of live sessions (one map per
// transport variant), the call-id-indexed RPC handler table, the three
// lifecycle hooks, and the broadcast fan-out.
type SessionManager struct {
	plainMu sync.Mutex
	plain   map[SessionID]*ServerSession

	tlsMu sync.Mutex
	tls   map[SessionID]*ServerSession

	handlers  HandlerTable
	bound     [wire.MaxCallID]bool
	handlerMu sync.Mutex

	onAccept     AcceptHook
	onListen     ListenHook
	onDisconnect DisconnectHook

	nextID       atomic.Uint64
	pending      atomic.Int64 // pending-broadcast counter, back-pressure gate
	queueSendMax int

	// Cumulative broadcast counters, exposed read-only via the admin
	// surface's /stats endpoint.
	sent             atomic.Int64
	droppedQueueFull atomic.Int64
	recipientsTotal  atomic.Int64

	pool *workerpool.Pool

	running atomic.Bool
}

// BroadcastStats is a point-in-time snapshot of the cumulative broadcast
// counters.
type BroadcastStats struct {
	Sent             int64
	DroppedQueueFull int64
	RecipientsTotal  int64
}

// NewSessionManager builds an empty registry. queueSendMax doubles as the
// broadcast back-pressure bound.
func NewSessionManager(queueSendMax int, pool *workerpool.Pool) *SessionManager {
	return &SessionManager{
		plain:        make(map[SessionID]*ServerSession),
		tls:          make(map[SessionID]*ServerSession),
		queueSendMax: queueSendMax,
		pool:         pool,
	}
}

// BindAccept installs the accept hook. Allowed only before Start, like Bind.
func (m *SessionManager) BindAccept(hook AcceptHook) error {
	if m.running.Load() {
		return rpcerr.ErrInvalidState
	}
	m.onAccept = hook
	return nil
}

// BindListen installs the listen hook.
func (m *SessionManager) BindListen(hook ListenHook) error {
	if m.running.Load() {
		return rpcerr.ErrInvalidState
	}
	m.onListen = hook
	return nil
}

// BindDisconnect installs the disconnect hook.
func (m *SessionManager) BindDisconnect(hook DisconnectHook) error {
	if m.running.Load() {
		return rpcerr.ErrInvalidState
	}
	m.onDisconnect = hook
	return nil
}

// Bind installs the RPC handler for callID. Allowed only while the
// server is not running and has no connections; rebind of an occupied id
// is an error.
func (m *SessionManager) Bind(callID uint32, handler RPCHandler) error {
	if callID >= wire.MaxCallID {
		return rpcerr.ErrCallIDOutOfRange
	}
	if m.running.Load() {
		return rpcerr.ErrInvalidState
	}
	if m.Connections() != 0 {
		return rpcerr.ErrInvalidState
	}

	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	if m.bound[callID] {
		return rpcerr.ErrHandlerExists
	}
	m.bound[callID] = true
	m.handlers[callID] = handler
	return nil
}

func (m *SessionManager) setRunning(v bool) { m.running.Store(v) }

// nextSessionID allocates a new registry key, skipping zero.
func (m *SessionManager) nextSessionID() SessionID {
	id := m.nextID.Add(1)
	return SessionID(id)
}

// register inserts a freshly admitted session into the variant map
// matching isTLS.
func (m *SessionManager) register(s *ServerSession, isTLS bool) {
	if isTLS {
		m.tlsMu.Lock()
		m.tls[s.ID()] = s
		m.tlsMu.Unlock()
		return
	}
	m.plainMu.Lock()
	m.plain[s.ID()] = s
	m.plainMu.Unlock()
}

// unregister removes a session from both maps (its variant is unknown to
// the caller in the general case, e.g. the disconnect hook path).
func (m *SessionManager) unregister(id SessionID) {
	m.plainMu.Lock()
	delete(m.plain, id)
	m.plainMu.Unlock()

	m.tlsMu.Lock()
	delete(m.tls, id)
	m.tlsMu.Unlock()

	if m.onDisconnect != nil {
		m.onDisconnect(id)
	}
}

// Connections reports the number of currently registered, post-handshake
// sessions across both transport variants.
func (m *SessionManager) Connections() int64 {
	m.plainMu.Lock()
	n := len(m.plain)
	m.plainMu.Unlock()

	m.tlsMu.Lock()
	n += len(m.tls)
	m.tlsMu.Unlock()
	return int64(n)
}

// SessionIDs returns every currently registered session id.
func (m *SessionManager) SessionIDs() []SessionID {
	ids := make([]SessionID, 0, m.Connections())

	m.plainMu.Lock()
	for id := range m.plain {
		ids = append(ids, id)
	}
	m.plainMu.Unlock()

	m.tlsMu.Lock()
	for id := range m.tls {
		ids = append(ids, id)
	}
	m.tlsMu.Unlock()
	return ids
}

// Broadcast fans payload out to every registered session, or only the
// ids in targets if non-nil. The payload is copied exactly once into a
// shared slice and that same slice is handed to every recipient's send
// path — no per-session copy.
func (m *SessionManager) Broadcast(callID uint32, payload []byte, targets map[SessionID]struct{}) error {
	if m.pending.Load() >= int64(m.queueSendMax) {
		m.droppedQueueFull.Add(1)
		return rpcerr.ErrQueueFull
	}
	m.pending.Add(1)

	shared := append([]byte(nil), payload...)
	recipients := m.snapshotRecipients(targets)
	m.recipientsTotal.Add(int64(len(recipients)))

	m.pool.Go(func() {
		defer m.pending.Add(-1)
		for _, s := range recipients {
			s.Send(callID, shared)
			m.sent.Add(1)
		}
	})
	return nil
}

// Stats returns a snapshot of the cumulative broadcast counters.
func (m *SessionManager) Stats() BroadcastStats {
	return BroadcastStats{
		Sent:             m.sent.Load(),
		DroppedQueueFull: m.droppedQueueFull.Load(),
		RecipientsTotal:  m.recipientsTotal.Load(),
	}
}

// CloseAll tears down every registered session (both transport variants),
// aggregating any non-nil close errors into one via multierr. Used by
// Server.Stop to drain live sessions alongside the listener shutdown.
func (m *SessionManager) CloseAll() error {
	m.plainMu.Lock()
	plain := make([]*ServerSession, 0, len(m.plain))
	for _, s := range m.plain {
		plain = append(plain, s)
	}
	m.plainMu.Unlock()

	m.tlsMu.Lock()
	tlsSessions := make([]*ServerSession, 0, len(m.tls))
	for _, s := range m.tls {
		tlsSessions = append(tlsSessions, s)
	}
	m.tlsMu.Unlock()

	var err error
	for _, s := range plain {
		err = multierr.Append(err, s.Close())
	}
	for _, s := range tlsSessions {
		err = multierr.Append(err, s.Close())
	}
	return err
}

// snapshotRecipients copies out matching sessions under each map's lock,
// then releases it — application-visible code (a session's write path)
// is never invoked while a registry lock is held.
func (m *SessionManager) snapshotRecipients(targets map[SessionID]struct{}) []*ServerSession {
	var out []*ServerSession

	m.plainMu.Lock()
	for id, s := range m.plain {
		if targets == nil {
			out = append(out, s)
			continue
		}
		if _, ok := targets[id]; ok {
			out = append(out, s)
		}
	}
	m.plainMu.Unlock()

	m.tlsMu.Lock()
	for id, s := range m.tls {
		if targets == nil {
			out = append(out, s)
			continue
		}
		if _, ok := targets[id]; ok {
			out = append(out, s)
		}
	}
	m.tlsMu.Unlock()

	return out
}
