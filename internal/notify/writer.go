// Package notify relays engine events between processes sharing a data
// directory. One-shot CLI commands write event files and the serving
// process watches the directory and pushes them to websocket clients.
package notify

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	eventsDir = "events"
	eventExt  = ".event"
)

// Event is the payload of one event file.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Time time.Time       `json:"time"`
}

// EventWriter writes event files to {dataPath}/events/.
type EventWriter struct {
	dir string

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewEventWriter creates a writer for the given data directory.
func NewEventWriter(dataPath string) *EventWriter {
	return &EventWriter{
		dir:     filepath.Join(dataPath, eventsDir),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Dir is the directory events are written to.
func (w *EventWriter) Dir() string {
	return w.dir
}

// Emit writes one event. The file appears under its final name only once
// complete, so a watcher never reads a partial payload. File names sort in
// emission order.
func (w *EventWriter) Emit(eventType string, data interface{}) error {
	if eventType == "" {
		return fmt.Errorf("notify: event type is required")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("notify: encode %s payload: %w", eventType, err)
	}
	now := time.Now().UTC()
	payload, err := json.Marshal(Event{Type: eventType, Data: raw, Time: now})
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", eventType, err)
	}
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}

	name := w.nextID(now)
	tmp := filepath.Join(w.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("notify: write %s: %w", eventType, err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name+eventExt)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: publish %s: %w", eventType, err)
	}
	return nil
}

func (w *EventWriter) nextID(t time.Time) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), w.entropy).String()
}
