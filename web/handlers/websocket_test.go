package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket" //nolint:staticcheck

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
	"github.com/syn-zhu/EverMemOS/web/handlers"
)

func TestWebSocketHub_ValidatesOrigin(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	defer hub.Stop()

	// Test with invalid origin - should reject with 403
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Host = "localhost:1995"
	req.Header.Set("Origin", "http://evil.com")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	w := httptest.NewRecorder()
	hub.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestWebSocketHub_Broadcast(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	go hub.Run()
	defer hub.Stop()

	received := make(chan []byte, 1)
	hub.Register(&handlers.MockClient{SendChan: received})

	hub.Broadcast(handlers.Event{Type: "test", Data: "hello"})

	select {
	case msg := <-received:
		var event handlers.Event
		require.NoError(t, json.Unmarshal(msg, &event))
		assert.Equal(t, "test", event.Type)
		assert.Equal(t, "hello", event.Data)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for broadcast message")
	}
}

func TestWebSocketHub_DropsSlowClient(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	go hub.Run()
	defer hub.Stop()

	// Unbuffered and never read: the first broadcast finds it full.
	slow := &handlers.MockClient{SendChan: make(chan []byte)}
	hub.Register(slow)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(handlers.Event{Type: "test"})

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-slow.SendChan
	assert.False(t, open)
}

func TestWebSocketHub_Unregister(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	go hub.Run()
	defer hub.Stop()

	client := &handlers.MockClient{SendChan: make(chan []byte, 1)}
	hub.Register(client)
	hub.Unregister(client)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketHub_StopUnblocksRegistration(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	hub.Stop()

	done := make(chan struct{})
	go func() {
		hub.Register(&handlers.MockClient{SendChan: make(chan []byte)})
		hub.Unregister(&handlers.MockClient{SendChan: make(chan []byte)})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Register blocked after Stop")
	}
}

type fakeSource struct {
	extracted   func(*types.Memory)
	deleted     func(storage.DeleteFilter, int)
	accumulated func(types.BufferEntry)
	embedded    func(string, types.EmbeddingStatus)
}

func (f *fakeSource) SetOnMemoryExtracted(fn func(*types.Memory)) { f.extracted = fn }
func (f *fakeSource) SetOnMemoryDeleted(fn func(storage.DeleteFilter, int)) { f.deleted = fn }
func (f *fakeSource) SetOnMessageAccumulated(fn func(types.BufferEntry)) { f.accumulated = fn }
func (f *fakeSource) SetOnEmbeddingCompleted(fn func(string, types.EmbeddingStatus)) { f.embedded = fn }

func TestWebSocketHub_Subscribe(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	go hub.Run()
	defer hub.Stop()

	received := make(chan []byte, 4)
	hub.Register(&handlers.MockClient{SendChan: received})

	src := &fakeSource{}
	hub.Subscribe(src)
	require.NotNil(t, src.extracted)
	require.NotNil(t, src.deleted)
	require.NotNil(t, src.accumulated)
	require.NotNil(t, src.embedded)

	src.extracted(&types.Memory{ID: "e1", MemoryType: types.MemoryTypeEpisodic})
	src.deleted(storage.DeleteFilter{UserID: "u1"}, 2)
	src.accumulated(types.BufferEntry{Message: types.Message{MessageID: "m1"}})
	src.embedded("e1", types.EmbeddingCompleted)

	var got []string
	for i := 0; i < 4; i++ {
		select {
		case msg := <-received:
			var event handlers.Event
			require.NoError(t, json.Unmarshal(msg, &event))
			got = append(got, event.Type)
		case <-time.After(time.Second):
			t.Fatalf("received %v, want 4 events", got)
		}
	}
	assert.Equal(t, []string{
		handlers.EventMemoryExtracted,
		handlers.EventMemoryDeleted,
		handlers.EventMessageAccumulated,
		handlers.EventEmbeddingCompleted,
	}, got)
}

func TestForward(t *testing.T) {
	src := &fakeSource{}
	var events []handlers.Event
	handlers.Forward(src, func(e handlers.Event) { events = append(events, e) })

	src.deleted(storage.DeleteFilter{GroupID: "g1"}, 3)
	src.embedded("e1", types.EmbeddingFailed)

	require.Len(t, events, 2)
	assert.Equal(t, handlers.EventMemoryDeleted, events[0].Type)
	assert.Equal(t, map[string]interface{}{
		"event_id": "",
		"user_id":  "",
		"group_id": "g1",
		"count":    3,
	}, events[0].Data)
	assert.Equal(t, handlers.EventEmbeddingCompleted, events[1].Type)
	assert.Equal(t, map[string]interface{}{
		"event_id": "e1",
		"status":   types.EmbeddingFailed,
	}, events[1].Data)
}

func TestWebSocketHub_EndToEnd(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+srv.URL[len("http"):], nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(handlers.Event{Type: handlers.EventMemoryExtracted, Data: map[string]string{"event_id": "e1"}})

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	var event struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, handlers.EventMemoryExtracted, event.Type)
	assert.Equal(t, "e1", event.Data["event_id"])
}
