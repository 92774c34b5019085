// Package observability implements the structured event log and the
// OpenTelemetry/Prometheus metrics bridge. The event log follows the shape
// of a coding-agent's ErrorLog/ActivityLog — a JSONL file plus an in-memory
// ring buffer for cheap recent-entry lookups — generalized from "daemon job
// activity" to "PR review agent activity."
package observability

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one structured log record. Every field beyond Timestamp/Level/
// Event is optional and omitted when zero, matching the corpus's practice
// of a single wide struct rather than per-event-type types.
type Event struct {
	Timestamp    time.Time `json:"ts"`
	Level        string    `json:"level"`
	Event        string    `json:"event"`
	AgentID      string    `json:"agent_id,omitempty"`
	PRID         int64     `json:"pr_id,omitempty"`
	RepositoryID string    `json:"repository_id,omitempty"`
	Phase        string    `json:"phase,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// EventLogCapacity is the number of recent entries kept in memory.
const EventLogCapacity = 500

// maxEventLogSize is the threshold at which the log file is truncated on
// open. 10MB covers a busy daemon for weeks of typical JSONL entry sizes.
const maxEventLogSize = 10 * 1024 * 1024

// EventLog writes structured JSON event records to a JSONL file and keeps
// a ring buffer of the most recent entries for the admin surface.
type EventLog struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	recent    []Event
	maxRecent int
	writeIdx  int
	count     int
}

// NewEventLog opens (creating if needed) the event log at path, truncating
// it first if it has grown past maxEventLogSize.
func NewEventLog(path string) (*EventLog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	if err := truncateIfOversized(path, maxEventLogSize); err != nil {
		log.Printf("event log: failed to truncate %s: %v", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &EventLog{
		file:      file,
		path:      path,
		recent:    make([]Event, EventLogCapacity),
		maxRecent: EventLogCapacity,
	}, nil
}

func truncateIfOversized(path string, maxSize int64) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}
	return os.Truncate(path, 0)
}

// Log appends an event to the file and the ring buffer. Timestamp is set
// to now if the caller left it zero.
func (l *EventLog) Log(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		data, err := json.Marshal(e)
		if err == nil {
			_, _ = l.file.Write(data)
			_, _ = l.file.Write([]byte("\n"))
		}
	}

	l.recent[l.writeIdx] = e
	l.writeIdx = (l.writeIdx + 1) % l.maxRecent
	if l.count < l.maxRecent {
		l.count++
	}
}

// Info logs an info-level event. Any of agentID/prID/repositoryID/phase may
// be left zero when not applicable.
func (l *EventLog) Info(event, agentID string, prID int64, repositoryID, phase, message string) {
	l.Log(Event{Level: "info", Event: event, AgentID: agentID, PRID: prID, RepositoryID: repositoryID, Phase: phase, Message: message})
}

// Warn logs a warn-level event.
func (l *EventLog) Warn(event, agentID string, prID int64, repositoryID, phase, message string) {
	l.Log(Event{Level: "warn", Event: event, AgentID: agentID, PRID: prID, RepositoryID: repositoryID, Phase: phase, Message: message})
}

// Error logs an error-level event.
func (l *EventLog) Error(event, agentID string, prID int64, repositoryID, phase, message string) {
	l.Log(Event{Level: "error", Event: event, AgentID: agentID, PRID: prID, RepositoryID: repositoryID, Phase: phase, Message: message})
}

// Recent returns up to n most recent entries, newest first. n <= 0 returns
// everything buffered.
func (l *EventLog) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		return nil
	}

	all := make([]Event, l.count)
	readIdx := (l.writeIdx - 1 + l.maxRecent) % l.maxRecent
	for i := 0; i < l.count; i++ {
		all[i] = l.recent[readIdx]
		readIdx = (readIdx - 1 + l.maxRecent) % l.maxRecent
	}
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[:n]
}

// Close closes the underlying file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
