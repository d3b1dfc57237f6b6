// Package server implements the server-side data plane: ServerSession
// (per-connection handler dispatch and write path), SessionManager
// (registry + broadcast fan-out), Listener (accept loop with plain/TLS
// routing), and the Server facade (worker pool + signal handling).
package server

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridrpc/gridrpc/config"
	"github.com/gridrpc/gridrpc/internal/queue"
	"github.com/gridrpc/gridrpc/wire"
)

// SessionID names a registered, post-handshake session.
type SessionID uint64

// SessionContext is the view a bound RPC handler receives. Data is
// borrowed from the receive buffer and only valid for the duration of the
// call; Response and Close are the handler's outputs.
type SessionContext struct {
	ID       SessionID
	CallID   uint32
	ResultID uint64
	Data     []byte

	// Response, if set non-empty, is sent back with the same ResultID.
	Response []byte
	// Close, if set true, requests graceful teardown after this dispatch.
	Close bool
}

// RPCHandler processes one inbound frame bound to its call id.
type RPCHandler func(ctx *SessionContext)

// HandlerTable is a direct-indexed, call-id-bound table of RPC handlers.
type HandlerTable [wire.MaxCallID]RPCHandler

// ServerSession is the per-accepted-connection state machine. A read
// loop owns the only conn.ReadMessage call; a write loop is the single
// write-executor, draining posted closures exactly like ClientSession.
type ServerSession struct {
	id       SessionID
	conn     *websocket.Conn
	queue    *queue.Queue
	handlers *HandlerTable
	cfg      config.SessionConfig

	onDisconnect func(SessionID)

	tasks    chan func()
	closed   chan struct{}
	readDone chan struct{}
	resetSig chan struct{}

	closeOnce      sync.Once
	closeErr       error
	closeInitiated atomic.Bool
	remoteClosed   atomic.Bool
	ioErr          atomic.Bool
}

// NewServerSession wraps an already-upgraded connection. Start arms the
// read loop, the write-executor, and (if cfg.PingDelay > 0) the liveness
// ping timer.
func NewServerSession(id SessionID, conn *websocket.Conn, queueSendMax int, handlers *HandlerTable, cfg config.SessionConfig, onDisconnect func(SessionID)) *ServerSession {
	conn.SetReadLimit(int64(cfg.MaxTransferBytes) + wire.HeaderSize)
	s := &ServerSession{
		id:           id,
		conn:         conn,
		queue:        queue.New(queueSendMax),
		handlers:     handlers,
		cfg:          cfg,
		onDisconnect: onDisconnect,
		tasks:        make(chan func(), 64),
		closed:       make(chan struct{}),
		readDone:     make(chan struct{}),
		resetSig:     make(chan struct{}, 1),
	}
	conn.SetPongHandler(s.onPong)
	conn.SetCloseHandler(s.onClose)
	return s
}

// ID returns the session's registry key.
func (s *ServerSession) ID() SessionID { return s.id }

// Start arms the write-executor, read loop, and ping timer goroutines.
func (s *ServerSession) Start() {
	slog.Info("server session established", "session_id", s.id)
	go s.writeLoop()
	go s.readLoop()
	go s.pingLoop()
}

func (s *ServerSession) onPong(string) error {
	s.resetPingTimer()
	return nil
}

func (s *ServerSession) onClose(code int, text string) error {
	s.remoteClosed.Store(true)
	s.resetPingTimer()
	message := websocket.FormatCloseMessage(code, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return nil
}

func (s *ServerSession) resetPingTimer() {
	select {
	case s.resetSig <- struct{}{}:
	default:
	}
}

func (s *ServerSession) isClosingOrErrored() bool {
	return s.closeInitiated.Load() || s.remoteClosed.Load() || s.ioErr.Load()
}

// IsConnected reports whether the session still accepts new outbound work.
func (s *ServerSession) IsConnected() bool {
	return !s.isClosingOrErrored()
}

func (s *ServerSession) initiateClose() {
	s.closeOnce.Do(func() {
		s.closeInitiated.Store(true)
		close(s.closed)
		s.closeErr = s.conn.Close()
		if s.onDisconnect != nil {
			s.onDisconnect(s.id)
		}
	})
}

// Close initiates teardown (idempotent), waits for the read loop to exit,
// and returns the underlying connection's close error.
func (s *ServerSession) Close() error {
	s.initiateClose()
	<-s.readDone
	return s.closeErr
}

// readLoop owns the only conn.ReadMessage call for the session's life.
func (s *ServerSession) readLoop() {
	defer close(s.readDone)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			slog.Debug("server session read error", "session_id", s.id, "error", err)
			s.ioErr.Store(true)
			s.initiateClose()
			return
		}

		hdr, err := wire.Decode(data)
		if err != nil {
			// InvalidHeader: recovered by dropping the frame.
			continue
		}
		payload := data[wire.HeaderSize:]

		if !hdr.InCallIDRange() {
			continue
		}
		handler := s.handlers[hdr.CallID]
		if handler == nil {
			continue
		}

		ctx := &SessionContext{ID: s.id, CallID: hdr.CallID, ResultID: hdr.ResultID, Data: payload}
		s.dispatch(handler, ctx)

		if ctx.Close {
			s.initiateClose()
			return
		}
	}
}

// dispatch invokes the handler, recovering a panic so one misbehaving
// handler terminates only this dispatch, not the session, then (unless
// the handler requested close) enqueues any response for send.
func (s *ServerSession) dispatch(handler RPCHandler, ctx *SessionContext) {
	defer func() {
		if r := recover(); r != nil {
			ctx.Response = nil
		}
	}()
	handler(ctx)

	if ctx.Close {
		return
	}
	if len(ctx.Response) == 0 {
		return
	}
	e := queue.NewEntry(ctx.CallID, ctx.ResultID, ctx.Response)
	_ = s.post(func() { s.handleSend(e) })
}

// writeLoop is the session's single write-executor goroutine and the only
// goroutine that mutates the write queue; on teardown it drains the queue.
func (s *ServerSession) writeLoop() {
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.closed:
			s.queue.Clear()
			return
		}
	}
}

func (s *ServerSession) post(fn func()) error {
	select {
	case s.tasks <- fn:
		return nil
	case <-s.closed:
		return nil
	}
}

func (s *ServerSession) handleSend(e *queue.Entry) {
	if s.isClosingOrErrored() {
		e.Fail()
		return
	}
	if !s.queue.Enqueue(e) {
		e.Fail()
		return
	}
	if !s.queue.IsWriting() {
		s.runWriteChain()
	}
}

func (s *ServerSession) runWriteChain() {
	for {
		e := s.queue.Front()
		if e == nil {
			return
		}
		if err := s.writeEntry(e); err != nil {
			slog.Debug("server session write error", "session_id", s.id, "error", err)
			s.ioErr.Store(true)
			s.queue.Clear()
			s.initiateClose()
			return
		}
		if more := s.queue.WriteNext(); !more {
			return
		}
	}
}

func (s *ServerSession) writeEntry(e *queue.Entry) error {
	hdr := wire.Encode(wire.Header{CallID: e.CallID, ResultID: e.ResultID})
	w, err := s.conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(hdr[:]); err != nil {
		_ = w.Close()
		return err
	}
	if len(e.Payload) > 0 {
		if _, err := w.Write(e.Payload); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

// Send enqueues a fire-and-forget frame (broadcast or handler-initiated
// push) without blocking the caller. payload is never copied here: a
// broadcast fan-out passes the same backing slice to every recipient
// session, matching the "single shared immutable Push" design note.
func (s *ServerSession) Send(callID uint32, payload []byte) {
	e := queue.NewEntry(callID, 0, payload)
	_ = s.post(func() { s.handleSend(e) })
}

func (s *ServerSession) handlePing() {
	if s.isClosingOrErrored() {
		return
	}
	_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// pingLoop sends a liveness ping every cfg.PingDelay, resetting its
// expiry whenever a pong or close control frame is observed.
// PingDelay == 0 disables the timer entirely.
func (s *ServerSession) pingLoop() {
	if s.cfg.PingDelay <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.isClosingOrErrored() {
				return
			}
			_ = s.post(s.handlePing)
		case <-s.resetSig:
			ticker.Reset(s.cfg.PingDelay)
		case <-s.closed:
			return
		}
	}
}
