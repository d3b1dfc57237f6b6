package client

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// goroutineID extracts the calling goroutine's numeric id from its stack
// trace header. Go has no native thread-local storage; the goroutine id is
// the closest available surrogate for keying one-shot timeout overrides
// per caller.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// timeoutOverrides holds the one-shot send/response timeout set by the
// calling goroutine for its next operation only.
type timeoutOverrides struct {
	send     time.Duration
	response time.Duration
}

// timeoutState is the per-goroutine, one-shot override cell behind
// Client.SetSendTimeout / Client.SetResponseTimeout. An override is
// cleared the moment it is read by the operation that consumes it; it
// never propagates to another goroutine.
type timeoutState struct {
	mu  sync.Mutex
	byG map[uint64]timeoutOverrides
}

func newTimeoutState() *timeoutState {
	return &timeoutState{byG: make(map[uint64]timeoutOverrides)}
}

func (s *timeoutState) setSend(d time.Duration) {
	g := goroutineID()
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.byG[g]
	o.send = d
	s.byG[g] = o
}

func (s *timeoutState) setResponse(d time.Duration) {
	g := goroutineID()
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.byG[g]
	o.response = d
	s.byG[g] = o
}

// takeSend returns and clears the calling goroutine's send timeout
// override, or fallback if none was set.
func (s *timeoutState) takeSend(fallback time.Duration) time.Duration {
	g := goroutineID()
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byG[g]
	if !ok || o.send == 0 {
		return fallback
	}
	d := o.send
	o.send = 0
	if o.response == 0 {
		delete(s.byG, g)
	} else {
		s.byG[g] = o
	}
	return d
}

// takeResponse returns and clears the calling goroutine's response
// timeout override, or fallback if none was set.
func (s *timeoutState) takeResponse(fallback time.Duration) time.Duration {
	g := goroutineID()
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byG[g]
	if !ok || o.response == 0 {
		return fallback
	}
	d := o.response
	o.response = 0
	if o.send == 0 {
		delete(s.byG, g)
	} else {
		s.byG[g] = o
	}
	return d
}
