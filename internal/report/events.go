package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/franz/music-collection/internal/collection"
	"github.com/franz/music-collection/internal/util"
)

// EventType represents the type of event
type EventType string

const (
	EventScan      EventType = "scan"
	EventDirectory EventType = "directory"
	EventFlush     EventType = "flush"
	EventEntity    EventType = "entity"
	EventChanged   EventType = "changed"
	EventRemoved   EventType = "removed"
	EventDuplicate EventType = "duplicate"
	EventError     EventType = "error"
)

// EventLevel represents the severity level
type EventLevel string

const (
	LevelDebug   EventLevel = "debug"
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// levelPriority maps event levels to numeric priorities for comparison
var levelPriority = map[EventLevel]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// ParseLevel maps a level name to an EventLevel, LevelInfo for unknown names
func ParseLevel(name string) EventLevel {
	l := EventLevel(strings.ToLower(name))
	if _, ok := levelPriority[l]; ok {
		return l
	}
	return LevelInfo
}

// ScanPhase names a step of a directory scan
type ScanPhase string

const (
	PhaseStarted   ScanPhase = "started"
	PhaseWalked    ScanPhase = "walked"
	PhaseCommitted ScanPhase = "committed"
	PhaseFinished  ScanPhase = "finished"
)

// Event represents a single collection event
type Event struct {
	Timestamp time.Time         `json:"ts"`
	Level     EventLevel        `json:"level"`
	Event     EventType         `json:"event"`
	Phase     ScanPhase         `json:"phase,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	ID        int64             `json:"id,omitempty"`
	Name      string            `json:"name,omitempty"`
	UID       string            `json:"uid,omitempty"`
	Path      string            `json:"path,omitempty"`
	Count     int               `json:"count,omitempty"`
	Duration  int64             `json:"duration_ms,omitempty"` // in milliseconds
	Error     string            `json:"error,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// EventLogger writes events to a JSONL file. It also observes a collection.
type EventLogger struct {
	file     *os.File
	encoder  *json.Encoder
	mu       sync.Mutex
	path     string
	minLevel EventLevel
}

var (
	_ collection.Observer      = (*EventLogger)(nil)
	_ collection.FlushObserver = (*EventLogger)(nil)
)

// NewEventLogger creates an event logger with a minimum log level.
// A target ending in .jsonl is appended to, any other target is a directory
// receiving a new timestamped file.
func NewEventLogger(target string, minLevel EventLevel) (*EventLogger, error) {
	path := target
	if filepath.Ext(target) != ".jsonl" {
		timestamp := time.Now().Format("20060102-150405")
		path = filepath.Join(target, fmt.Sprintf("events-%s.jsonl", timestamp))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	return &EventLogger{
		file:     file,
		encoder:  json.NewEncoder(file),
		path:     path,
		minLevel: minLevel,
	}, nil
}

// Log writes an event to the JSONL file
func (l *EventLogger) Log(event *Event) error {
	if l == nil {
		return nil
	}

	if levelPriority[event.Level] < levelPriority[l.minLevel] {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := l.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return nil
}

// LogScanPhase logs the progress of a scan over paths
func (l *EventLogger) LogScanPhase(phase ScanPhase, paths []string, count int, elapsed time.Duration) error {
	return l.Log(&Event{
		Level:    LevelInfo,
		Event:    EventScan,
		Phase:    phase,
		Path:     strings.Join(paths, string(os.PathListSeparator)),
		Count:    count,
		Duration: elapsed.Milliseconds(),
	})
}

// LogDirectory logs a scanned directory
func (l *EventLogger) LogDirectory(path string, tracks int, skipped bool) error {
	return l.Log(&Event{
		Level: LevelDebug,
		Event: EventDirectory,
		Path:  path,
		Count: tracks,
		Extra: map[string]string{"skipped": strconv.FormatBool(skipped)},
	})
}

// LogDuplicate logs a uid seen twice in one scan
func (l *EventLogger) LogDuplicate(uid, path, firstPath string) error {
	return l.Log(&Event{
		Level: LevelWarning,
		Event: EventDuplicate,
		UID:   uid,
		Path:  path,
		Extra: map[string]string{"first_path": firstPath},
	})
}

// LogError logs an error event
func (l *EventLogger) LogError(event EventType, path string, err error) error {
	return l.Log(&Event{
		Level: LevelError,
		Event: event,
		Path:  path,
		Error: err.Error(),
	})
}

// EntityUpdated implements collection.Observer
func (l *EventLogger) EntityUpdated(e collection.Entity) {
	ev := &Event{
		Level: LevelDebug,
		Event: EventEntity,
		Kind:  e.Kind().String(),
		ID:    e.ID(),
		Name:  e.Name(),
	}
	if t, ok := e.(*collection.Track); ok {
		ev.UID = t.UID()
		ev.Path = t.Path()
	}
	l.logObserved(ev)
}

// TrackRemoved implements collection.Observer
func (l *EventLogger) TrackRemoved(t *collection.Track) {
	l.logObserved(&Event{
		Level: LevelInfo,
		Event: EventRemoved,
		Kind:  collection.KindTrack.String(),
		ID:    t.ID(),
		UID:   t.UID(),
		Path:  t.Path(),
	})
}

// CollectionChanged implements collection.Observer
func (l *EventLogger) CollectionChanged() {
	l.logObserved(&Event{Level: LevelInfo, Event: EventChanged})
}

// Flushed implements collection.FlushObserver
func (l *EventLogger) Flushed(stats collection.FlushStats) {
	extra := make(map[string]string, len(stats.Inserted)+len(stats.Updated))
	for table, n := range stats.Inserted {
		extra["inserted_"+table] = strconv.Itoa(n)
	}
	for table, n := range stats.Updated {
		extra["updated_"+table] = strconv.Itoa(n)
	}
	l.logObserved(&Event{
		Level:    LevelInfo,
		Event:    EventFlush,
		Count:    stats.Tracks + stats.Groupings,
		Duration: stats.Duration.Milliseconds(),
		Extra:    extra,
	})
}

// logObserved writes an observer notification. Observers cannot return
// errors, so a failed write is only logged.
func (l *EventLogger) logObserved(ev *Event) {
	if err := l.Log(ev); err != nil {
		util.WarnLog("Failed to write event log: %v", err)
	}
}

// Close closes the event log file
func (l *EventLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the path to the event log file
func (l *EventLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// NullLogger returns a no-op event logger
func NullLogger() *EventLogger {
	return nil
}
