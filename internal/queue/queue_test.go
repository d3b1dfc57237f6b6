package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnqueueRespectsBound(t *testing.T) {
	q := New(2)
	require.True(t, q.Enqueue(NewEntry(1, 0, nil)))
	require.True(t, q.Enqueue(NewEntry(2, 0, nil)))
	require.False(t, q.Enqueue(NewEntry(3, 0, nil)))
	require.Equal(t, 2, q.Len())
}

func TestIsWritingReflectsMoreThanOneEntry(t *testing.T) {
	q := New(10)
	require.False(t, q.IsWriting())
	q.Enqueue(NewEntry(1, 0, nil))
	require.False(t, q.IsWriting())
	q.Enqueue(NewEntry(2, 0, nil))
	require.True(t, q.IsWriting())
}

func TestFrontDoesNotPop(t *testing.T) {
	q := New(10)
	e := NewEntry(7, 1, []byte("x"))
	q.Enqueue(e)
	require.Same(t, e, q.Front())
	require.Equal(t, 1, q.Len())
}

func TestWriteNextPopsAndFulfills(t *testing.T) {
	q := New(10)
	e1 := NewEntry(1, 0, nil)
	e2 := NewEntry(2, 0, nil)
	q.Enqueue(e1)
	q.Enqueue(e2)

	more := q.WriteNext()
	require.True(t, more)
	require.Same(t, e2, q.Front())

	ok := e1.Wait()
	require.True(t, ok)

	more = q.WriteNext()
	require.False(t, more)
	ok = e2.Wait()
	require.True(t, ok)
}

func TestClearFulfillsFalse(t *testing.T) {
	q := New(10)
	entries := []*Entry{NewEntry(1, 0, nil), NewEntry(2, 0, nil), NewEntry(3, 0, nil)}
	for _, e := range entries {
		q.Enqueue(e)
	}
	q.Clear()
	require.Equal(t, 0, q.Len())
	for _, e := range entries {
		select {
		case ok := <-waitCh(e):
			require.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("entry was never fulfilled")
		}
	}
}

// waitCh re-reads an already fulfilled entry's result without blocking
// forever on a second receive (Wait() itself drains the channel once).
func waitCh(e *Entry) <-chan bool {
	ch := make(chan bool, 1)
	ch <- e.Wait()
	return ch
}
