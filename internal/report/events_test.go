package report

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/franz/music-collection/internal/collection"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var decoded Event
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("Failed to decode line %d: %v", len(events)+1, err)
		}
		events = append(events, decoded)
	}
	return events
}

func TestNewEventLogger(t *testing.T) {
	tmpDir := t.TempDir()

	logger, err := NewEventLogger(tmpDir, LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(logger.Path()); os.IsNotExist(err) {
		t.Errorf("Event log file was not created at %s", logger.Path())
	}

	filename := filepath.Base(logger.Path())
	if !strings.HasPrefix(filename, "events-") || !strings.HasSuffix(filename, ".jsonl") {
		t.Errorf("Event log filename format incorrect: %s", filename)
	}
}

func TestNewEventLogger_AppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "collection.jsonl")

	for i := 0; i < 2; i++ {
		logger, err := NewEventLogger(path, LevelInfo)
		if err != nil {
			t.Fatalf("NewEventLogger failed: %v", err)
		}
		if logger.Path() != path {
			t.Errorf("Expected path %s, got %s", path, logger.Path())
		}
		logger.CollectionChanged()
		logger.Close()
	}

	if events := readEvents(t, path); len(events) != 2 {
		t.Errorf("Expected 2 events after reopening, got %d", len(events))
	}
}

func TestEventLogger_MultipleEvents(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	events := []*Event{
		{Level: LevelInfo, Event: EventScan, Phase: PhaseStarted, Path: "/music"},
		{Level: LevelDebug, Event: EventDirectory, Path: "/music/a", Count: 3},
		{Level: LevelWarning, Event: EventDuplicate, UID: "mcol-sqltrackuid://abc"},
		{Level: LevelError, Event: EventError, Path: "/music/b.mp3", Error: "test error"},
	}

	for _, event := range events {
		if err := logger.Log(event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}
	logger.Close()

	decoded := readEvents(t, logger.Path())
	if len(decoded) != len(events) {
		t.Fatalf("Expected %d events, got %d", len(events), len(decoded))
	}
	for i, ev := range decoded {
		if ev.Timestamp.IsZero() {
			t.Errorf("Line %d: timestamp not set", i+1)
		}
		if ev.Event != events[i].Event {
			t.Errorf("Line %d: expected event %s, got %s", i+1, events[i].Event, ev.Event)
		}
	}
}

func TestEventLogger_MinLevel(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelWarning)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	logger.LogDirectory("/music/a", 2, false)
	logger.LogScanPhase(PhaseStarted, []string{"/music"}, 0, 0)
	logger.LogDuplicate("uid", "/music/b.mp3", "/music/a.mp3")
	logger.LogError(EventError, "/music/c.mp3", errors.New("unreadable"))
	logger.Close()

	decoded := readEvents(t, logger.Path())
	if len(decoded) != 2 {
		t.Fatalf("Expected 2 events at warning and above, got %d", len(decoded))
	}
	if decoded[0].Extra["first_path"] != "/music/a.mp3" {
		t.Errorf("Expected first_path '/music/a.mp3', got '%s'", decoded[0].Extra["first_path"])
	}
	if decoded[1].Error != "unreadable" {
		t.Errorf("Expected error 'unreadable', got '%s'", decoded[1].Error)
	}
}

func TestEventLogger_ConcurrentWrites(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	const numGoroutines = 10
	const eventsPerGoroutine = 20

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				logger.CollectionChanged()
			}
		}()
	}
	wg.Wait()
	logger.Close()

	expected := numGoroutines * eventsPerGoroutine
	if n := len(readEvents(t, logger.Path())); n != expected {
		t.Errorf("Expected %d events, got %d", expected, n)
	}
}

type fakeEntity struct{}

func (fakeEntity) Kind() collection.Kind { return collection.KindArtist }
func (fakeEntity) ID() int64             { return 7 }
func (fakeEntity) Name() string          { return "Nina Simone" }

func TestEventLogger_ObservesCollection(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	defer logger.Close()

	logger.EntityUpdated(fakeEntity{})
	logger.Flushed(collection.FlushStats{
		Tracks:    3,
		Groupings: 1,
		Inserted:  map[string]int{"urls": 3},
		Updated:   map[string]int{"tracks": 2},
		Duration:  40 * time.Millisecond,
	})
	logger.Close()

	decoded := readEvents(t, logger.Path())
	if len(decoded) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(decoded))
	}

	entity := decoded[0]
	if entity.Event != EventEntity || entity.Kind != "artist" || entity.ID != 7 || entity.Name != "Nina Simone" {
		t.Errorf("Unexpected entity event: %+v", entity)
	}

	flush := decoded[1]
	if flush.Event != EventFlush {
		t.Errorf("Expected event type 'flush', got '%s'", flush.Event)
	}
	if flush.Count != 4 {
		t.Errorf("Expected count 4, got %d", flush.Count)
	}
	if flush.Duration != 40 {
		t.Errorf("Expected duration 40 ms, got %d ms", flush.Duration)
	}
	if flush.Extra["inserted_urls"] != "3" || flush.Extra["updated_tracks"] != "2" {
		t.Errorf("Unexpected flush extras: %v", flush.Extra)
	}
}

func TestEventLogger_NullLogger(t *testing.T) {
	logger := NullLogger()

	if err := logger.Log(&Event{Level: LevelInfo, Event: EventScan}); err != nil {
		t.Errorf("NullLogger.Log should not return error, got: %v", err)
	}
	if err := logger.LogScanPhase(PhaseFinished, nil, 1, time.Second); err != nil {
		t.Errorf("NullLogger.LogScanPhase should not return error, got: %v", err)
	}
	logger.CollectionChanged()

	if err := logger.Close(); err != nil {
		t.Errorf("NullLogger.Close should not return error, got: %v", err)
	}
	if path := logger.Path(); path != "" {
		t.Errorf("NullLogger.Path should return empty string, got: %s", path)
	}
}

func TestEventLogger_LogAfterClose(t *testing.T) {
	logger, err := NewEventLogger(t.TempDir(), LevelDebug)
	if err != nil {
		t.Fatalf("NewEventLogger failed: %v", err)
	}
	logger.Close()

	if err := logger.Log(&Event{Level: LevelInfo, Event: EventScan}); err != nil {
		t.Errorf("Log after Close should be a no-op, got: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Second Close should not fail, got: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want EventLevel
	}{
		{"debug", LevelDebug},
		{"WARNING", LevelWarning},
		{"error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.name); got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}
