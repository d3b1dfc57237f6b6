package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/gridrpc/gridrpc/config"
	"github.com/gridrpc/gridrpc/rpcerr"
	"github.com/gridrpc/gridrpc/wire"
)

// Client is the public facade: it owns at most one live Connector, serializes
// connect/disconnect against concurrent sends with a read-write lock, and
// implements the send_attempts retry loop with thread-local one-shot
// timeout overrides.
type Client struct {
	cfg       config.ClientConfig
	timeouts  config.ClientTimeouts
	constants config.Constants
	tlsConfig *tls.Config

	mu        sync.RWMutex
	connector *Connector
	closing   bool

	handlersMu sync.Mutex
	handlers   HandlerTable
	bound      [wire.MaxCallID]bool

	overrides *timeoutState
}

// New builds a Client in the disconnected state. tlsConfig nil selects the
// plain transport variant for every Connect call.
func New(cfg config.ClientConfig, timeouts config.ClientTimeouts, tlsConfig *tls.Config) *Client {
	c := &Client{
		cfg:       cfg,
		timeouts:  timeouts,
		constants: config.DefaultConstants(),
		tlsConfig: tlsConfig,
		overrides: newTimeoutState(),
	}
	return c
}

// SetSendTimeout overrides the send timeout for the next send/send_recv
// issued by the calling goroutine only; consumed and cleared on use.
func (c *Client) SetSendTimeout(d time.Duration) { c.overrides.setSend(d) }

// SetResponseTimeout overrides the response timeout for the next
// send_recv issued by the calling goroutine only; consumed and cleared on
// use.
func (c *Client) SetResponseTimeout(d time.Duration) { c.overrides.setResponse(d) }

// ListenBroadcast binds a handler for call_id. Refused while a session is
// connected (the handler table is frozen for the session's lifetime) or if
// call_id is already bound.
func (c *Client) ListenBroadcast(callID uint32, handler BroadcastHandler) error {
	if callID >= wire.MaxCallID {
		return rpcerr.ErrCallIDOutOfRange
	}

	c.mu.RLock()
	connected := c.connector != nil && c.connector.State() == ConnEstablished
	c.mu.RUnlock()
	if connected {
		return rpcerr.ErrInvalidState
	}

	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	if c.bound[callID] {
		return rpcerr.ErrHandlerExists
	}
	c.bound[callID] = true
	c.handlers[callID] = handler
	return nil
}

// Connect performs a single connection attempt.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return rpcerr.ErrInvalidState
	}
	c.handlersMu.Lock()
	handlersCopy := c.handlers
	c.handlersMu.Unlock()

	conn := NewConnector(c.cfg, c.timeouts, c.constants, c.tlsConfig, &handlersCopy)
	c.connector = conn
	c.mu.Unlock()

	if err := conn.Run(ctx); err != nil {
		c.mu.Lock()
		if c.connector == conn {
			c.connector = nil
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// ConnectRetry loops Connect up to attempts times (minimum 1) with delay
// between attempts, waiting for a prior session's destruction before each
// retry; if that wait exceeds deadlock_secs it fails loudly (an I/O worker
// is presumed hung) rather than silently retrying forever.
func (c *Client) ConnectRetry(ctx context.Context, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if !c.waitPriorSessionGone(c.constants.DeadlockSecs) {
				return fmt.Errorf("client: prior session did not release within deadlock window: %w", rpcerr.ErrInvalidState)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) waitPriorSessionGone(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.RLock()
		gone := c.connector == nil || c.connector.Session() == nil || !c.connector.Session().IsConnected()
		c.mu.RUnlock()
		if gone {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Disconnect tears down the live connector, if any, returning its close
// error.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.connector
	c.connector = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Close flags the facade as closing (refusing future Connect calls) and
// tears down any live session, returning its close error.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	conn := c.connector
	c.connector = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send retries the fire-and-forget send up to send_attempts times,
// reconnecting between attempts if the session has expired.
func (c *Client) Send(ctx context.Context, callID uint32, payload []byte) error {
	sendTimeout := c.overrides.takeSend(c.timeouts.SendTimeout)
	return c.retry(ctx, func(s *ClientSession) error {
		return s.Send(callID, payload, sendTimeout)
	})
}

// SendRecv retries the correlated call up to send_attempts times,
// reconnecting between attempts if the session has expired.
func (c *Client) SendRecv(ctx context.Context, callID uint32, payload []byte) ([]byte, error) {
	sendTimeout := c.overrides.takeSend(c.timeouts.SendTimeout)
	responseTimeout := c.overrides.takeResponse(c.timeouts.ResponseTimeout)

	var out []byte
	err := c.retry(ctx, func(s *ClientSession) error {
		buf, err := s.SendRecv(callID, payload, sendTimeout, responseTimeout)
		out = buf
		return err
	})
	return out, err
}

// retry implements the send/send_recv attempt loop: take the read lock,
// inspect the session, call in; on error take the write lock to
// disconnect, optionally reconnect, and try again.
func (c *Client) retry(ctx context.Context, call func(*ClientSession) error) error {
	attempts := c.cfg.EffectiveSendAttempts()

	var lastErr error
	for i := 0; i < attempts; i++ {
		c.mu.RLock()
		var session *ClientSession
		if c.connector != nil {
			session = c.connector.Session()
		}
		c.mu.RUnlock()

		if session == nil || !session.IsConnected() {
			if err := c.Connect(ctx); err != nil {
				lastErr = err
				continue
			}
			c.mu.RLock()
			if c.connector != nil {
				session = c.connector.Session()
			}
			c.mu.RUnlock()
			if session == nil {
				lastErr = rpcerr.ErrNotConnected
				continue
			}
		}

		err := call(session)
		if err == nil {
			return nil
		}
		lastErr = err
		c.Disconnect()
	}
	return lastErr
}
