package convex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

func testSyncTransportSettings() *SyncTransportSettings {
	settings := DefaultSyncTransportSettings()
	settings.WsHandshakeTimeout = 1 * time.Second
	settings.AuthTimeout = 1 * time.Second
	settings.ReconnectTimeout = 200 * time.Millisecond
	settings.PingTimeout = 200 * time.Millisecond
	settings.WriteTimeout = 1 * time.Second
	settings.ReadTimeout = 5 * time.Second
	return settings
}

// a sync server double: accepts the connect handshake and routes each
// parsed client message to `handle`, which can reply through the
// connection
func newTestSyncServer(t *testing.T, handle func(ws *websocket.Conn, message *syncMessage)) *httptest.Server {
	upgrader := &websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for {
			_, messageJson, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var message syncMessage
			if err := json.Unmarshal(messageJson, &message); err != nil {
				continue
			}
			switch message.Type {
			case syncMessageTypeConnect:
				connectedJson, _ := json.Marshal(&syncMessage{
					Type: syncMessageTypeConnected,
				})
				ws.WriteMessage(websocket.TextMessage, connectedJson)
			case syncMessageTypePing:
			default:
				handle(ws, &message)
			}
		}
	}))
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSyncTransportSubscribe(t *testing.T) {
	unsubscribed := make(chan string, 4)
	server := newTestSyncServer(t, func(ws *websocket.Conn, message *syncMessage) {
		switch message.Type {
		case syncMessageTypeSubscribe:
			// echo the args back as the subscription's first value
			updateJson, _ := json.Marshal(&syncMessage{
				Type:           syncMessageTypeUpdate,
				SubscriptionId: message.SubscriptionId,
				Value: map[string]Value{
					"path": message.Path,
					"args": message.Args,
				},
			})
			ws.WriteMessage(websocket.TextMessage, updateJson)
		case syncMessageTypeUnsubscribe:
			unsubscribed <- message.SubscriptionId
		}
	})
	defer server.Close()

	ctx := context.Background()
	transport := NewSyncTransport(ctx, wsUrl(server), nil, testSyncTransportSettings())
	defer transport.Close()

	assert.Equal(t, transport.Disabled(), false)

	f := Function("messages:list")
	args := map[string]Value{
		"channel": "general",
	}

	values := make(chan Value, 4)
	unsub, err := transport.OnUpdate(f, args, func(value Value) {
		values <- value
	}, func(err error) {
		t.Errorf("unexpected error = %s", err)
	})
	assert.Equal(t, err, nil)

	select {
	case value := <-values:
		m := value.(map[string]any)
		assert.Equal(t, m["path"], "messages:list")
		assert.Equal(t, m["args"].(map[string]any)["channel"], "general")
	case <-time.After(5 * time.Second):
		t.Fatal("no update delivered")
	}

	// the delivered value backs the synchronous local read
	value, ok, err := transport.LocalQueryResult("messages:list", args)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.NotEqual(t, value, nil)

	unsub()
	select {
	case <-unsubscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("no unsubscribe sent")
	}

	// the local read no longer finds the released subscription
	_, ok, err = transport.LocalQueryResult("messages:list", args)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)
}

func TestSyncTransportError(t *testing.T) {
	server := newTestSyncServer(t, func(ws *websocket.Conn, message *syncMessage) {
		if message.Type == syncMessageTypeSubscribe {
			errorJson, _ := json.Marshal(&syncMessage{
				Type:           syncMessageTypeError,
				SubscriptionId: message.SubscriptionId,
				ErrorMessage:   "forbidden",
				ErrorData: map[string]Value{
					"code": "FORBIDDEN",
				},
			})
			ws.WriteMessage(websocket.TextMessage, errorJson)
		}
	})
	defer server.Close()

	ctx := context.Background()
	transport := NewSyncTransport(ctx, wsUrl(server), nil, testSyncTransportSettings())
	defer transport.Close()

	f := Function("messages:list")

	errs := make(chan error, 4)
	unsub, err := transport.OnUpdate(f, nil, func(value Value) {
		t.Errorf("unexpected value = %v", value)
	}, func(err error) {
		errs <- err
	})
	assert.Equal(t, err, nil)
	defer unsub()

	select {
	case err := <-errs:
		remoteErr := err.(*RemoteError)
		assert.Equal(t, remoteErr.Message, "forbidden")
	case <-time.After(5 * time.Second):
		t.Fatal("no error delivered")
	}

	// an error result surfaces through the local read too
	_, ok, err := transport.LocalQueryResult("messages:list", nil)
	assert.Equal(t, ok, false)
	assert.NotEqual(t, err, nil)
}

func TestSyncTransportResubscribe(t *testing.T) {
	// the server drops the connection after the first subscribe.
	// the transport reconnects and replays the subscription
	var count atomic.Int32
	server := newTestSyncServer(t, func(ws *websocket.Conn, message *syncMessage) {
		if message.Type == syncMessageTypeSubscribe {
			if count.Add(1) == 1 {
				ws.Close()
				return
			}
			updateJson, _ := json.Marshal(&syncMessage{
				Type:           syncMessageTypeUpdate,
				SubscriptionId: message.SubscriptionId,
				Value:          "recovered",
			})
			ws.WriteMessage(websocket.TextMessage, updateJson)
		}
	})
	defer server.Close()

	ctx := context.Background()
	transport := NewSyncTransport(ctx, wsUrl(server), nil, testSyncTransportSettings())
	defer transport.Close()

	f := Function("messages:list")

	values := make(chan Value, 4)
	unsub, err := transport.OnUpdate(f, nil, func(value Value) {
		values <- value
	}, func(err error) {})
	assert.Equal(t, err, nil)
	defer unsub()

	select {
	case value := <-values:
		assert.Equal(t, value, "recovered")
	case <-time.After(10 * time.Second):
		t.Fatal("no update after reconnect")
	}
}

func TestDisabledSyncTransport(t *testing.T) {
	ctx := context.Background()
	transport := NewDisabledSyncTransport(ctx)
	defer transport.Close()

	assert.Equal(t, transport.Disabled(), true)

	f := Function("messages:list")

	unsub, err := transport.OnUpdate(f, nil, func(value Value) {
		t.Errorf("unexpected value = %v", value)
	}, func(err error) {
		t.Errorf("unexpected error = %s", err)
	})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, unsub, nil)
	unsub()

	_, ok, err := transport.LocalQueryResult("messages:list", nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)
}
