// Package client implements the client-side data plane: ClientSession
// (the per-connection read/write loops and correlation bookkeeping),
// Connector (handshake establishment), the Client facade, and the
// one-shot timeout overrides.
package client

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridrpc/gridrpc/internal/cache"
	"github.com/gridrpc/gridrpc/internal/queue"
	"github.com/gridrpc/gridrpc/rpcerr"
	"github.com/gridrpc/gridrpc/wire"
)

// BroadcastHandler processes a server-initiated broadcast delivered for a
// given call id. payload is only valid for the duration of the call.
type BroadcastHandler func(payload []byte)

// HandlerTable is a direct-indexed, call-id-bound table of broadcast
// listeners, shared (read-only, once frozen) between the Client facade and
// every ClientSession it creates.
type HandlerTable [wire.MaxCallID]BroadcastHandler

// ClientSession is the per-connection data plane: one read-loop goroutine
// and one write-loop goroutine, sharing a ResponseCache for
// request/response correlation and a
// WriteQueue for outbound pacing. The write queue is only ever mutated
// from the write-loop goroutine, which drains a channel of posted
// closures — the Go equivalent of "mutated only from within the I/O
// executor".
type ClientSession struct {
	conn     *websocket.Conn
	cache    *cache.Cache
	queue    *queue.Queue
	handlers *HandlerTable

	tasks    chan func()
	closed   chan struct{}
	readDone chan struct{}

	closeOnce      sync.Once
	closeErr       error
	closeInitiated atomic.Bool
	closeReceived  atomic.Bool
	readErr        atomic.Bool
	writeErr       atomic.Bool

	pingMu       sync.Mutex
	pingInFlight bool
	pongCh       chan struct{}
}

// NewClientSession wraps an already-upgraded WebSocket connection. Start
// must be called once to arm the read and write loops.
func NewClientSession(conn *websocket.Conn, queueRecvMax, queueSendMax, maxReadBytes int, handlers *HandlerTable) *ClientSession {
	conn.SetReadLimit(int64(maxReadBytes))
	s := &ClientSession{
		conn:     conn,
		cache:    cache.New(queueRecvMax),
		queue:    queue.New(queueSendMax),
		handlers: handlers,
		tasks:    make(chan func(), 64),
		closed:   make(chan struct{}),
		readDone: make(chan struct{}),
	}
	conn.SetPongHandler(s.onPong)
	conn.SetCloseHandler(s.onClose)
	return s
}

// Start arms the read loop and the write-loop executor goroutine.
func (s *ClientSession) Start() {
	go s.writeLoop()
	go s.readLoop()
}

func (s *ClientSession) onPong(string) error {
	s.pingMu.Lock()
	if s.pongCh != nil {
		close(s.pongCh)
		s.pongCh = nil
	}
	s.pingInFlight = false
	s.pingMu.Unlock()
	return nil
}

// onClose mirrors gorilla/websocket's default close handler (acknowledge
// with a close frame) but first latches closeReceived so no further close
// is initiated from this side; an in-flight write is allowed to finish
// naturally.
func (s *ClientSession) onClose(code int, text string) error {
	s.closeReceived.Store(true)
	message := websocket.FormatCloseMessage(code, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	return nil
}

func (s *ClientSession) isClosingOrErrored() bool {
	return s.closeInitiated.Load() || s.closeReceived.Load() || s.readErr.Load() || s.writeErr.Load()
}

// IsConnected reports whether the session can still accept new work.
func (s *ClientSession) IsConnected() bool {
	return !s.isClosingOrErrored()
}

// Close initiates teardown (idempotent) and waits for the read loop to
// observe it, returning the underlying connection's close error (nil on a
// clean teardown, or whatever a concurrent caller's initiateClose already
// captured).
func (s *ClientSession) Close() error {
	s.initiateClose()
	<-s.readDone
	return s.closeErr
}

func (s *ClientSession) initiateClose() {
	s.closeOnce.Do(func() {
		s.closeInitiated.Store(true)
		close(s.closed)
		s.closeErr = s.conn.Close()
	})
}

// readLoop owns the only conn.ReadMessage call for the lifetime of the
// session, re-arming immediately after each frame.
func (s *ClientSession) readLoop() {
	defer close(s.readDone)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			slog.Debug("client session read error", "error", err)
			s.readErr.Store(true)
			s.cache.Clear()
			s.initiateClose()
			return
		}

		hdr, err := wire.Decode(data)
		if err != nil {
			// InvalidHeader: recovered by dropping the frame.
			continue
		}
		payload := data[wire.HeaderSize:]

		if hdr.IsBroadcastOrFireAndForget() {
			if hdr.InCallIDRange() {
				if h := s.handlers[hdr.CallID]; h != nil {
					h(payload)
				}
			}
		} else {
			s.cache.SwapNotify(hdr.ResultID, payload)
		}
		s.cache.RemoveObsolete()
	}
}

// writeLoop is the session's single write-executor goroutine: it is the
// only goroutine that calls conn.NextWriter, sends pings, and mutates the
// write queue. The close-frame reply in onClose is written with
// conn.WriteControl from the read loop, and the ping state is guarded by
// pingMu rather than owned by this goroutine.
func (s *ClientSession) writeLoop() {
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-s.closed:
			return
		}
	}
}

// post dispatches fn onto the write-executor goroutine, or reports
// ErrNotConnected if the session has already torn down.
func (s *ClientSession) post(fn func()) error {
	select {
	case s.tasks <- fn:
		return nil
	case <-s.closed:
		return rpcerr.ErrNotConnected
	}
}

func (s *ClientSession) handleSend(e *queue.Entry) {
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

// runWriteChain writes the queue's head entries one at a time until the
// queue drains or a write fails. Invariant: at most one write is ever
// in-flight, because this only ever runs inside writeLoop.
func (s *ClientSession) runWriteChain() {
	for {
		e := s.queue.Front()
		if e == nil {
			return
		}
		if err := s.writeEntry(e); err != nil {
			slog.Debug("client session write error", "error", err)
			s.writeErr.Store(true)
			s.queue.Clear()
			s.initiateClose()
			return
		}
		if more := s.queue.WriteNext(); !more {
			return
		}
	}
}

func (s *ClientSession) writeEntry(e *queue.Entry) error {
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

func (s *ClientSession) handlePing() {
	if s.isClosingOrErrored() {
		return
	}
	_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// Send is a fire-and-forget call (result_id == 0). It blocks the caller
// until the write completes or sendTimeout elapses; on timeout the
// session's owner must tear the session down, since the payload may still
// be referenced by an in-flight write.
func (s *ClientSession) Send(callID uint32, payload []byte, sendTimeout time.Duration) error {
	if s.isClosingOrErrored() {
		return rpcerr.ErrNotConnected
	}
	e := queue.NewEntry(callID, 0, payload)
	if err := s.post(func() { s.handleSend(e) }); err != nil {
		return err
	}
	if !s.waitBounded(e, sendTimeout) {
		return rpcerr.ErrTimedOut
	}
	return nil
}

// SendRecv issues a correlated request and blocks for its reply. A bulk
// cancel of the cache (the connection failed) yields an empty, error-free
// result; a reply with an empty payload looks the same, and IsConnected()
// tells the two apart.
func (s *ClientSession) SendRecv(callID uint32, payload []byte, sendTimeout, responseTimeout time.Duration) ([]byte, error) {
	if s.isClosingOrErrored() {
		return nil, rpcerr.ErrNotConnected
	}

	resultID, err := s.cache.Queue(2*responseTimeout, nil)
	if err != nil {
		return nil, err
	}

	e := queue.NewEntry(callID, resultID, payload)
	if err := s.post(func() { s.handleSend(e) }); err != nil {
		return nil, err
	}
	if !s.waitBounded(e, sendTimeout) {
		return nil, rpcerr.ErrTimedOut
	}

	buf, ok := s.cache.Wait(resultID, responseTimeout)
	if !ok {
		return nil, rpcerr.ErrTimedOut
	}
	return buf, nil
}

// Ping sends a WebSocket ping and waits for the pong, bounded by
// responseTimeout. It is a no-op returning false if a ping is already
// in flight or the session is closing.
func (s *ClientSession) Ping(responseTimeout time.Duration) bool {
	s.pingMu.Lock()
	if s.pingInFlight || s.isClosingOrErrored() {
		s.pingMu.Unlock()
		return false
	}
	s.pingInFlight = true
	ch := make(chan struct{})
	s.pongCh = ch
	s.pingMu.Unlock()

	if err := s.post(s.handlePing); err != nil {
		return false
	}

	var timeoutCh <-chan time.Time
	if responseTimeout > 0 {
		timer := time.NewTimer(responseTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-ch:
		return true
	case <-timeoutCh:
		return false
	}
}

// waitBounded waits on e's completion promise, bounded by timeout (no
// bound if timeout <= 0).
func (s *ClientSession) waitBounded(e *queue.Entry, timeout time.Duration) bool {
	if timeout <= 0 {
		return e.Wait()
	}
	result := make(chan bool, 1)
	go func() { result <- e.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-result:
		return ok
	case <-timer.C:
		return false
	}
}
