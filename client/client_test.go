package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/resume_bridge/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoGateway answers every handshake with a session and drops the first
// connection after its first frame when dropFirst is set
func echoGateway(t *testing.T, dropFirst bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)

		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if dropFirst && n == 1 {
				return
			}
			if env.Event != protocol.EventClientInit {
				continue
			}
			var req protocol.HandshakeRequest
			if err := json.Unmarshal(env.Data, &req); err != nil {
				return
			}
			frame, _ := protocol.Marshal(protocol.EventSessionID, protocol.SessionAssigned{
				SessionID: "S1",
				SectionID: req.SectionID,
				RequestID: req.RequestID,
			})
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_EmitAndReceive(t *testing.T) {
	srv, _ := echoGateway(t, false)
	c := NewClient(wsURL(srv))

	connected := make(chan struct{}, 1)
	c.On(protocol.EventConnect, func(json.RawMessage) { connected <- struct{}{} })

	got := make(chan protocol.SessionAssigned, 1)
	c.On(protocol.EventSessionID, func(data json.RawMessage) {
		var msg protocol.SessionAssigned
		if assert.NoError(t, json.Unmarshal(data, &msg)) {
			got <- msg
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	assert.True(t, c.IsConnected())
	<-connected

	require.NoError(t, c.Emit(protocol.EventClientInit, protocol.HandshakeRequest{RequestID: "r-1", SectionID: "4"}))

	select {
	case msg := <-got:
		assert.Equal(t, "S1", msg.SessionID)
		assert.Equal(t, "4", msg.SectionID)
		assert.Equal(t, "r-1", msg.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("no session assignment received")
	}

	assert.Error(t, c.Connect(context.Background()))
}

func TestClient_ReconnectRaisesEvent(t *testing.T) {
	srv, conns := echoGateway(t, true)
	c := NewClient(wsURL(srv), WithBackoff(10*time.Millisecond, 50*time.Millisecond))

	var mu sync.Mutex
	var events []string
	record := func(name string) protocol.Handler {
		return func(json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, name)
		}
	}
	c.On(protocol.EventConnect, record(protocol.EventConnect))
	c.On(protocol.EventDisconnect, record(protocol.EventDisconnect))
	reconnected := make(chan struct{}, 1)
	c.On(protocol.EventReconnect, func(data json.RawMessage) {
		record(protocol.EventReconnect)(data)
		reconnected <- struct{}{}
	})

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.Emit(protocol.EventClientStreaming, protocol.StreamUnit{}))

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not reconnect")
	}
	assert.Equal(t, int32(2), conns.Load())

	mu.Lock()
	assert.Equal(t, []string{
		protocol.EventConnect,
		protocol.EventDisconnect,
		protocol.EventConnect,
		protocol.EventReconnect,
	}, events)
	mu.Unlock()

	assert.Eventually(t, c.IsConnected, time.Second, 5*time.Millisecond)
}

func TestClient_EmitWithoutConnection(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/stream")
	assert.ErrorIs(t, c.Emit(protocol.EventClientInit, nil), ErrNotConnected)
	assert.NoError(t, c.Disconnect())
}

func TestClient_DialFailure(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/stream")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, c.Connect(ctx))
	assert.False(t, c.IsConnected())
}
