package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/gridrpc/gridrpc/config"
	"github.com/gridrpc/gridrpc/wire"
)

func newEchoHTTPServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		go func() {
			defer c.Close()
			for {
				_, data, err := c.ReadMessage()
				if err != nil {
					return
				}
				hdr, err := wire.Decode(data)
				if err != nil {
					continue
				}
				reply := append(wire.Encode(hdr)[:], data[wire.HeaderSize:]...)
				if err := c.WriteMessage(websocket.BinaryMessage, reply); err != nil {
					return
				}
			}
		}()
	}))
}

func clientConfigFor(t *testing.T, srv *httptest.Server) config.ClientConfig {
	t.Helper()
	host, portStr := splitHostPort(t, srv.URL)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.ClientConfig{
		HostAddress:  host,
		Port:         port,
		MaxReadBytes: 4 << 20,
		SendAttempts: 2,
	}
}

func splitHostPort(t *testing.T, rawURL string) (string, string) {
	t.Helper()
	// rawURL looks like http://127.0.0.1:54321
	u := rawURL[len("http://"):]
	for i := len(u) - 1; i >= 0; i-- {
		if u[i] == ':' {
			return u[:i], u[i+1:]
		}
	}
	t.Fatalf("no port in %q", rawURL)
	return "", ""
}

func TestClientConnectAndSendRecv(t *testing.T) {
	srv := newEchoHTTPServer(t)
	defer srv.Close()

	cli := New(clientConfigFor(t, srv), config.DefaultClientTimeouts(), nil)
	defer cli.Close()

	require.NoError(t, cli.Connect(context.Background()))

	buf, err := cli.SendRecv(context.Background(), 5, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), buf)
}

func TestClientListenBroadcastRejectsOutOfRange(t *testing.T) {
	cli := New(config.ClientConfig{}, config.DefaultClientTimeouts(), nil)
	err := cli.ListenBroadcast(wire.MaxCallID, func([]byte) {})
	require.Error(t, err)
}

func TestClientListenBroadcastRejectsRebind(t *testing.T) {
	cli := New(config.ClientConfig{}, config.DefaultClientTimeouts(), nil)
	require.NoError(t, cli.ListenBroadcast(1, func([]byte) {}))
	require.Error(t, cli.ListenBroadcast(1, func([]byte) {}))
}

func TestClientListenBroadcastRejectedWhileConnected(t *testing.T) {
	srv := newEchoHTTPServer(t)
	defer srv.Close()

	cli := New(clientConfigFor(t, srv), config.DefaultClientTimeouts(), nil)
	defer cli.Close()

	require.NoError(t, cli.Connect(context.Background()))
	err := cli.ListenBroadcast(2, func([]byte) {})
	require.Error(t, err)
}

func TestClientSetSendTimeoutIsOneShot(t *testing.T) {
	srv := newEchoHTTPServer(t)
	defer srv.Close()

	cli := New(clientConfigFor(t, srv), config.DefaultClientTimeouts(), nil)
	defer cli.Close()
	require.NoError(t, cli.Connect(context.Background()))

	cli.SetSendTimeout(2 * time.Second)
	_, err := cli.SendRecv(context.Background(), 1, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), cli.overrides.takeSend(0), "override was not consumed by the first call")

	// The override must have been consumed by the prior call; this one
	// falls back to the configured default rather than reusing it.
	_, err = cli.SendRecv(context.Background(), 1, []byte("b"))
	require.NoError(t, err)
}
