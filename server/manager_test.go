package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gridrpc/gridrpc/internal/workerpool"
	"github.com/gridrpc/gridrpc/rpcerr"
	"github.com/gridrpc/gridrpc/wire"
)

func TestBindRejectsOutOfRangeCallID(t *testing.T) {
	m := NewSessionManager(16, workerpool.New(2))
	err := m.Bind(wire.MaxCallID, func(*SessionContext) {})
	require.Error(t, err)
}

func TestBindRejectsRebind(t *testing.T) {
	m := NewSessionManager(16, workerpool.New(2))
	require.NoError(t, m.Bind(2, func(*SessionContext) {}))
	require.Error(t, m.Bind(2, func(*SessionContext) {}))
}

func TestBindRejectedWhileRunning(t *testing.T) {
	m := NewSessionManager(16, workerpool.New(2))
	m.setRunning(true)
	err := m.Bind(2, func(*SessionContext) {})
	require.Error(t, err)
}

func TestConnectionsCountsBothVariants(t *testing.T) {
	m := NewSessionManager(16, workerpool.New(2))
	require.Equal(t, int64(0), m.Connections())

	m.register(&ServerSession{id: 1}, false)
	m.register(&ServerSession{id: 2}, true)
	require.Equal(t, int64(2), m.Connections())
}

func TestBroadcastStatsZeroValue(t *testing.T) {
	m := NewSessionManager(16, workerpool.New(2))
	stats := m.Stats()
	require.Zero(t, stats.Sent)
	require.Zero(t, stats.DroppedQueueFull)
	require.Zero(t, stats.RecipientsTotal)
}

func TestBroadcastDroppedWhenQueueFull(t *testing.T) {
	m := NewSessionManager(1, workerpool.New(2))
	m.pending.Store(int64(m.queueSendMax))

	err := m.Broadcast(1, []byte("x"), nil)
	require.ErrorIs(t, err, rpcerr.ErrQueueFull)
	require.Equal(t, int64(1), m.Stats().DroppedQueueFull)
}

func TestCloseAllWithNoSessionsReturnsNil(t *testing.T) {
	m := NewSessionManager(16, workerpool.New(2))
	require.NoError(t, m.CloseAll())
}
