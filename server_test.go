package duplex

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestServer(t *testing.T, srv *Server) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket.io/?transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, ts
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	return string(data)
}

func TestServerHandshakeSequence(t *testing.T) {
	srv := NewServer()
	conn, _ := dialTestServer(t, srv)

	open := readText(t, conn)
	require.True(t, strings.HasPrefix(open, "0"), "first frame must be OPEN: %q", open)
	assert.JSONEq(t,
		`{"sid":"00000000000000000000","upgrades":[],"pingInterval":25000,"pingTimeout":60000}`,
		open[1:])
	assert.Equal(t, "40", readText(t, conn))
}

func TestServerCallRoundTrip(t *testing.T) {
	srv := NewServer()
	srv.OnOpen(func(so *Socket) {
		so.Hook("add", func(a, b int) int { return a + b })
	})
	conn, _ := dialTestServer(t, srv)
	readText(t, conn) // OPEN
	readText(t, conn) // CONNECT

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`425["add",19,23]`)))
	assert.Equal(t, `435[null,42]`, readText(t, conn))
}

func TestServerRejectsNonWebsocketTransport(t *testing.T) {
	srv := NewServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/socket.io/?transport=polling")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerMetricsEndpoint(t *testing.T) {
	srv := NewServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChannelMembership(t *testing.T) {
	srv := NewServer()
	opened := make(chan *Socket, 1)
	srv.OnOpen(func(so *Socket) { opened <- so })
	conn, _ := dialTestServer(t, srv)
	readText(t, conn)

	var so *Socket
	select {
	case so = <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("no session accepted")
	}

	assert.False(t, so.Channel("ops"))
	so.Join("ops")
	assert.True(t, so.Channel("ops"))
	assert.Equal(t, 1, srv.Len())

	so.Leave("ops")
	assert.False(t, so.Channel("ops"))

	so.Join("ops")
	so.Destroy()
	assert.False(t, so.Channel("ops"))
	assert.Equal(t, 0, srv.Len())
}

func TestChannelBroadcast(t *testing.T) {
	srv := NewServer()
	srv.OnOpen(func(so *Socket) { so.Join("all") })
	conn, _ := dialTestServer(t, srv)
	readText(t, conn) // OPEN
	readText(t, conn) // CONNECT

	srv.Fire("all", "announce", "hello")
	assert.Equal(t, `42["announce","hello"]`, readText(t, conn))
}

func TestConnectOutboundEndToEnd(t *testing.T) {
	srv := NewServer()
	srv.OnOpen(func(so *Socket) {
		so.Hook("mul", func(a, b int) int { return a * b })
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	host, port := hostPort(t, ts.URL)
	so, err := Connect(host, port, false)
	require.NoError(t, err)
	defer so.Destroy()

	result, err := so.Call("mul", 6, 7)
	require.NoError(t, err)
	assert.Equal(t, float64(42), result)
}

func hostPort(t *testing.T, rawurl string) (string, int) {
	t.Helper()
	trimmed := strings.TrimPrefix(rawurl, "http://")
	i := strings.LastIndex(trimmed, ":")
	require.Positive(t, i)
	port, err := strconv.Atoi(trimmed[i+1:])
	require.NoError(t, err)
	return trimmed[:i], port
}
