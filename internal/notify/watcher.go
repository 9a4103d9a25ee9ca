package notify

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultMaxAge bounds how old a backlog event may be and still be
// delivered when the watcher starts.
const DefaultMaxAge = 5 * time.Minute

// EventWatcher watches {dataPath}/events/ and hands each event to a
// callback. Every file is consumed exactly once and then removed.
type EventWatcher struct {
	dir      string
	callback func(Event)
	logger   *slog.Logger
	maxAge   time.Duration
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewEventWatcher creates a watcher for the given data directory.
func NewEventWatcher(dataPath string, callback func(Event), logger *slog.Logger) *EventWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventWatcher{
		dir:      filepath.Join(dataPath, eventsDir),
		callback: callback,
		logger:   logger,
		maxAge:   DefaultMaxAge,
		done:     make(chan struct{}),
	}
}

// SetMaxAge changes the backlog cutoff. Zero delivers the whole backlog.
func (ew *EventWatcher) SetMaxAge(d time.Duration) {
	ew.maxAge = d
}

// Start drains events written while nobody was watching, then watches for
// new ones. Call Stop to clean up.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return err
	}
	ew.watcher = w

	ew.drainExisting()

	go ew.loop()
	ew.logger.Info("notify: watching for events", "dir", ew.dir)
	return nil
}

// Stop shuts down the watcher and waits for the dispatch loop to exit.
func (ew *EventWatcher) Stop() {
	if ew.watcher == nil {
		return
	}
	_ = ew.watcher.Close()
	<-ew.done
}

func (ew *EventWatcher) loop() {
	defer close(ew.done)
	for {
		select {
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&fsnotify.Create != 0 && strings.HasSuffix(evt.Name, eventExt) {
				ew.processFile(evt.Name, false)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.logger.Warn("notify: watcher error", "err", err)
		}
	}
}

func (ew *EventWatcher) drainExisting() {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), eventExt) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		ew.processFile(filepath.Join(ew.dir, name), true)
	}
}

func (ew *EventWatcher) processFile(path string, backlog bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // consumed already
	}
	if err := os.Remove(path); err != nil {
		return
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil || event.Type == "" {
		ew.logger.Warn("notify: invalid event file", "file", filepath.Base(path), "err", err)
		return
	}
	if backlog && ew.maxAge > 0 && time.Since(event.Time) > ew.maxAge {
		ew.logger.Debug("notify: dropping stale event", "type", event.Type, "time", event.Time)
		return
	}
	if ew.callback != nil {
		ew.callback(event)
	}
}
