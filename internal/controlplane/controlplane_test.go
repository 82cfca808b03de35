package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ConnectsAndReceivesConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.CloseNow()

		ctx := r.Context()
		var req txMessage
		require.NoError(t, wsjson.Read(ctx, conn, &req))
		assert.Equal(t, "RequestConfig", req.Type)

		require.NoError(t, wsjson.Write(ctx, conn, rxMessage{
			Type: "Config",
			Data: []byte(`{"keys":{"abc":"user_1"}}`),
		}))

		<-ctx.Done()
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]

	received := make(chan Config, 1)
	client := New(wsURL, "", nil, func(cfg Config) { received <- cfg })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)

	select {
	case cfg := <-received:
		assert.Equal(t, "user_1", cfg.Keys["abc"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for config")
	}

	snap, ok := client.Snapshot()
	assert.True(t, ok)
	assert.Equal(t, "user_1", snap.Keys["abc"])
}

func TestClient_SendLogDeliversToControlPlane(t *testing.T) {
	received := make(chan txMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.CloseNow()

		ctx := r.Context()
		var req txMessage
		require.NoError(t, wsjson.Read(ctx, conn, &req)) // RequestConfig

		for {
			var msg txMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if msg.Type == "SendLog" {
				received <- msg
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	client := New(wsURL, "", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go client.Run(ctx)

	// give the connection time to establish before queuing the log entry.
	time.Sleep(50 * time.Millisecond)
	client.SendLog(LogEntry{RequestID: "req_1", Provider: "anthropic", StatusCode: 200})

	select {
	case msg := <-received:
		assert.Equal(t, "SendLog", msg.Type)
		assert.Contains(t, string(msg.Data), "req_1")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SendLog message")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}
