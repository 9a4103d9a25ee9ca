package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, dir string, received chan Event) *EventWatcher {
	t.Helper()
	w := NewEventWatcher(dir, func(e Event) { received <- e }, nil)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	return w
}

func waitEvent(t *testing.T, received chan Event) Event {
	t.Helper()
	select {
	case e := <-received:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestEventWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(dir)

	require.NoError(t, w.Emit("memory.extracted", map[string]string{"event_id": "mem-1"}))

	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".event", filepath.Ext(entries[0].Name()))

	data, err := os.ReadFile(filepath.Join(w.Dir(), entries[0].Name()))
	require.NoError(t, err)
	var e Event
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, "memory.extracted", e.Type)
	assert.JSONEq(t, `{"event_id":"mem-1"}`, string(e.Data))
	assert.False(t, e.Time.IsZero())
}

func TestEventWriterRejectsEmptyType(t *testing.T) {
	w := NewEventWriter(t.TempDir())
	assert.Error(t, w.Emit("", nil))
}

func TestEventWriterNamesSortInOrder(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(dir)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Emit("message.accumulated", i))
	}

	entries, err := os.ReadDir(w.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, entry := range entries {
		data, err := os.ReadFile(filepath.Join(w.Dir(), entry.Name()))
		require.NoError(t, err)
		var e Event
		require.NoError(t, json.Unmarshal(data, &e))
		assert.Equal(t, json.RawMessage(jsonInt(i)), e.Data)
	}
}

func jsonInt(i int) []byte {
	b, _ := json.Marshal(i)
	return b
}

func TestEventWatcherReceivesEvent(t *testing.T) {
	dir := t.TempDir()
	received := make(chan Event, 1)
	startWatcher(t, dir, received)

	require.NoError(t, NewEventWriter(dir).Emit("memory.deleted", map[string]int{"count": 2}))

	e := waitEvent(t, received)
	assert.Equal(t, "memory.deleted", e.Type)
	assert.JSONEq(t, `{"count":2}`, string(e.Data))

	// Consumed files are removed.
	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(filepath.Join(dir, "events"))
		return err == nil && len(entries) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestEventWatcherDrainsExisting(t *testing.T) {
	dir := t.TempDir()
	writer := NewEventWriter(dir)
	require.NoError(t, writer.Emit("memory.extracted", "first"))
	require.NoError(t, writer.Emit("embedding.completed", "second"))

	received := make(chan Event, 10)
	startWatcher(t, dir, received)

	// The backlog is delivered synchronously by Start, in order.
	require.Len(t, received, 2)
	assert.Equal(t, "memory.extracted", (<-received).Type)
	assert.Equal(t, "embedding.completed", (<-received).Type)
}

func TestEventWatcherDropsStaleBacklog(t *testing.T) {
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "events")
	require.NoError(t, os.MkdirAll(eventsPath, 0o700))
	old, err := json.Marshal(Event{Type: "memory.extracted", Time: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(eventsPath, "old.event"), old, 0o600))

	received := make(chan Event, 1)
	startWatcher(t, dir, received)

	assert.Empty(t, received)
	_, err = os.Stat(filepath.Join(eventsPath, "old.event"))
	assert.True(t, os.IsNotExist(err))
}

func TestEventWatcherSkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "events")
	require.NoError(t, os.MkdirAll(eventsPath, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(eventsPath, "bad.event"), []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(eventsPath, "notes.txt"), []byte("ignored"), 0o600))

	received := make(chan Event, 1)
	startWatcher(t, dir, received)

	assert.Empty(t, received)
	_, err := os.Stat(filepath.Join(eventsPath, "notes.txt"))
	assert.NoError(t, err)
}

func TestEventWatcherStopWithoutStart(t *testing.T) {
	w := NewEventWatcher(t.TempDir(), nil, nil)
	assert.NotPanics(t, w.Stop)
}
