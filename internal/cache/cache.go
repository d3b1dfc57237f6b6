// Package cache implements the response correlation cache used by a
// ClientSession to match an inbound reply to the send_recv call that is
// waiting on it.
//
// Locking discipline is strictly two-level: the registry mutex guards the
// id->entry map, and each entry has its own mutex guarding its state and
// buffer. The registry lock is never held while a waiter blocks. Lock
// ordering is registry -> entry; code must release an entry lock before
// re-acquiring the registry lock (e.g. to erase an entry), never the
// reverse.
package cache

import (
	"sync"
	"time"

	"github.com/gridrpc/gridrpc/rpcerr"
)

type state int

const (
	stateQueued state = iota
	stateWaiting
	stateSwapped
)

type entry struct {
	mu        sync.Mutex
	state     state
	createdAt time.Time
	ttl       time.Duration
	buffer    []byte
	notify    chan struct{}
	notified  bool
	onDrop    func()
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// Cache is the registry of outstanding request ids awaiting a reply.
type Cache struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	nextID  uint64
	max     int
}

// New creates a Cache bounded at max concurrent entries.
func New(max int) *Cache {
	return &Cache{
		entries: make(map[uint64]*entry),
		max:     max,
	}
}

// Queue allocates a new entry in state Queued and returns its id. onDrop, if
// non-nil, is invoked exactly once when the entry is finally released from
// the registry (via Wait observing Swapped, RemoveObsolete, or Clear).
func (c *Cache) Queue(ttl time.Duration, onDrop func()) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		return 0, rpcerr.ErrQueueFull
	}

	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	id := c.nextID

	c.entries[id] = &entry{
		state:     stateQueued,
		createdAt: time.Now(),
		ttl:       ttl,
		notify:    make(chan struct{}),
		onDrop:    onDrop,
	}
	return id, nil
}

func (c *Cache) lookup(id uint64) *entry {
	c.mu.Lock()
	e := c.entries[id]
	c.mu.Unlock()
	return e
}

func (c *Cache) erase(id uint64, e *entry) {
	c.mu.Lock()
	cur, present := c.entries[id]
	present = present && cur == e
	if present {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	if present && e.onDrop != nil {
		e.onDrop()
	}
}

// Wait parks on entry id until a reply arrives via SwapNotify, the timeout
// elapses, or the entry does not exist. It returns the delivered buffer and
// true on success; (nil, false) if id is unknown or the timeout elapses
// first.
func (c *Cache) Wait(id uint64, timeout time.Duration) ([]byte, bool) {
	e := c.lookup(id)
	if e == nil {
		return nil, false
	}

	e.mu.Lock()
	if e.state == stateSwapped {
		buf := e.buffer
		e.buffer = nil
		e.mu.Unlock()
		c.erase(id, e)
		return buf, true
	}
	e.state = stateWaiting
	ch := e.notify
	e.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ch:
		e.mu.Lock()
		buf := e.buffer
		e.buffer = nil
		e.mu.Unlock()
		c.erase(id, e)
		return buf, true
	case <-timeoutCh:
		return nil, false
	}
}

// SwapNotify delivers buf to the entry identified by id. If a waiter is
// parked (state Waiting) it is woken and the entry is erased from the
// registry immediately. If the swap arrives before any waiter parks (state
// Queued), the entry is left in the registry so the eventual Wait call
// observes Swapped on its own path.
func (c *Cache) SwapNotify(id uint64, buf []byte) {
	e := c.lookup(id)
	if e == nil {
		return
	}

	e.mu.Lock()
	wasWaiting := e.state == stateWaiting
	e.buffer = buf
	e.state = stateSwapped
	if wasWaiting && !e.notified {
		e.notified = true
		close(e.notify)
	}
	e.mu.Unlock()

	if wasWaiting {
		c.erase(id, e)
	}
}

// RemoveObsolete evicts entries whose TTL has elapsed and that are not
// currently parked on by a waiter.
func (c *Cache) RemoveObsolete() {
	now := time.Now()

	c.mu.Lock()
	var stale []uint64
	for id, e := range c.entries {
		e.mu.Lock()
		if e.state != stateWaiting && e.expired(now) {
			stale = append(stale, id)
		}
		e.mu.Unlock()
	}
	dropped := make([]*entry, 0, len(stale))
	for _, id := range stale {
		dropped = append(dropped, c.entries[id])
		delete(c.entries, id)
	}
	c.mu.Unlock()

	for _, e := range dropped {
		if e.onDrop != nil {
			e.onDrop()
		}
	}
}

// Clear forces every entry to Swapped with an empty buffer and wakes every
// waiter. Used on session teardown so pending send_recv calls return with an
// empty, error-free result rather than hanging.
func (c *Cache) Clear() {
	c.mu.Lock()
	all := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	c.entries = make(map[uint64]*entry)
	c.mu.Unlock()

	for _, e := range all {
		e.mu.Lock()
		e.buffer = nil
		e.state = stateSwapped
		if !e.notified {
			e.notified = true
			close(e.notify)
		}
		e.mu.Unlock()
		if e.onDrop != nil {
			e.onDrop()
		}
	}
}

// Size returns the current registry cardinality.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
