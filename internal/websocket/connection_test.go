package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursechat/pkg/types"
)

// echoPair returns a server-side connection wrapper and the client socket
func echoPair(t *testing.T, config Config) (*Connection, *websocket.Conn) {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	conn := NewConnection(<-serverSide, types.Principal{ID: "stud1", Role: types.RoleStudent}, config, nil)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, client
}

func TestConnection_SendDelivers(t *testing.T) {
	conn, client := echoPair(t, DefaultConfig())
	assert.NotEmpty(t, conn.ID())
	assert.Equal(t, "stud1", conn.Principal().ID)

	require.NoError(t, conn.Send(&types.Frame{Type: types.FrameJoined, CourseID: "c1"}))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame types.Frame
	require.NoError(t, client.ReadJSON(&frame))
	assert.Equal(t, types.FrameJoined, frame.Type)
	assert.Equal(t, "c1", frame.CourseID)
}

func TestConnection_SendAfterClose(t *testing.T) {
	conn, _ := echoPair(t, DefaultConfig())

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "close is idempotent")

	err := conn.Send(&types.Frame{Type: types.FrameJoined})
	assert.ErrorIs(t, err, types.ErrTransport)
	assert.ErrorIs(t, err, types.ErrConnectionClosed)

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
}

func TestConnection_FullBufferFailsFrameOnly(t *testing.T) {
	// no writer goroutine, so the buffer never drains
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &Connection{id: "c", writeCh: make(chan []byte, 1), ctx: ctx, cancel: cancel}

	require.NoError(t, conn.Send(&types.Frame{Type: types.FrameJoined}))
	err := conn.Send(&types.Frame{Type: types.FrameJoined})
	assert.ErrorIs(t, err, types.ErrTransport)
	assert.ErrorIs(t, err, ErrSendBufferFull)
	assert.NotErrorIs(t, err, types.ErrConnectionClosed)
}

func TestConnection_PeerCloseStopsWriter(t *testing.T) {
	config := DefaultConfig()
	config.PingInterval = 20 * time.Millisecond
	conn, client := echoPair(t, config)

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		select {
		case <-conn.Done():
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "a failed ping closes the connection")
}
