package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridrpc/gridrpc/rpcerr"
)

func TestQueueThenSwapThenWait(t *testing.T) {
	c := New(10)
	id, err := c.Queue(time.Second, nil)
	require.NoError(t, err)

	c.SwapNotify(id, []byte("hello"))

	buf, ok := c.Wait(id, time.Second)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), buf)
	require.Equal(t, 0, c.Size())
}

func TestWaitParksThenSwapWakesIt(t *testing.T) {
	c := New(10)
	id, err := c.Queue(time.Second, nil)
	require.NoError(t, err)

	var got []byte
	var ok bool
	done := make(chan struct{})
	go func() {
		got, ok = c.Wait(id, time.Second)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter park
	c.SwapNotify(id, []byte("world"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait never returned")
	}
	require.True(t, ok)
	require.Equal(t, []byte("world"), got)
}

func TestWaitTimesOutOnUnknownID(t *testing.T) {
	c := New(10)
	_, ok := c.Wait(12345, 10*time.Millisecond)
	require.False(t, ok)
}

func TestWaitTimesOutWithNoSwap(t *testing.T) {
	c := New(10)
	id, err := c.Queue(time.Second, nil)
	require.NoError(t, err)

	buf, ok := c.Wait(id, 20*time.Millisecond)
	require.False(t, ok)
	require.Nil(t, buf)
}

func TestQueueFullRejects(t *testing.T) {
	c := New(1)
	_, err := c.Queue(time.Second, nil)
	require.NoError(t, err)

	_, err = c.Queue(time.Second, nil)
	require.ErrorIs(t, err, rpcerr.ErrQueueFull)
}

func TestClearWakesAllWaitersWithEmptyResult(t *testing.T) {
	c := New(10)
	const n = 5
	ids := make([]uint64, n)
	for i := range ids {
		id, err := c.Queue(time.Minute, nil)
		require.NoError(t, err)
		ids[i] = id
	}

	var wg sync.WaitGroup
	results := make([][]byte, n)
	oks := make([]bool, n)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			results[i], oks[i] = c.Wait(id, time.Minute)
		}(i, id)
	}

	time.Sleep(20 * time.Millisecond)
	c.Clear()

	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("clear did not wake all waiters")
	}

	for i := 0; i < n; i++ {
		require.True(t, oks[i])
		require.Empty(t, results[i])
	}
	require.Equal(t, 0, c.Size())
}

func TestRemoveObsoleteSkipsWaitingEntries(t *testing.T) {
	c := New(10)
	waitingID, err := c.Queue(time.Millisecond, nil)
	require.NoError(t, err)
	queuedID, err := c.Queue(time.Millisecond, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.Wait(waitingID, time.Second) // parks, becomes Waiting
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	c.RemoveObsolete()
	require.Equal(t, 1, c.Size(), "the parked entry must survive the sweep")

	c.SwapNotify(waitingID, []byte("x"))
	<-done
	_ = queuedID
}

func TestOnDropCalledOnce(t *testing.T) {
	c := New(10)
	var calls int32
	id, err := c.Queue(time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	c.RemoveObsolete()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
	_, ok := c.Wait(id, time.Millisecond)
	require.False(t, ok)
}

func TestSwapBeatsWaiter(t *testing.T) {
	c := New(10)
	id, err := c.Queue(time.Second, nil)
	require.NoError(t, err)

	c.SwapNotify(id, []byte("early")) // arrives before anyone waits

	buf, ok := c.Wait(id, time.Second)
	require.True(t, ok)
	require.Equal(t, []byte("early"), buf)
}
