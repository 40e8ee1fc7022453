package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/dealdesk/leadscraper/internal/scrape"
)

// Kind names the event types observers receive.
type Kind string

// Supported event kinds.
const (
	KindProgress  Kind = "progress"
	KindLog       Kind = "log"
	KindComplete  Kind = "complete"
	KindError     Kind = "error"
	KindHeartbeat Kind = "heartbeat"
)

// Event is one item on a session stream. Error carries the failure text for
// error events; Town and Industry name the unit when the failure is unit scoped.
type Event struct {
	SessionID string           `json:"sessionId"`
	Kind      Kind             `json:"type"`
	TS        time.Time        `json:"timestamp"`
	Status    scrape.Status    `json:"status,omitempty"`
	Progress  *scrape.Progress `json:"progress,omitempty"`
	Log       *scrape.LogEntry `json:"log,omitempty"`
	Error     string           `json:"error,omitempty"`
	Town      string           `json:"town,omitempty"`
	Industry  string           `json:"industry,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindProgress, KindComplete, KindHeartbeat:
	case KindLog:
		if e.Log == nil {
			return errors.New("log event requires an entry")
		}
	case KindError:
		if e.Error == "" {
			return errors.New("error event requires a message")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}

// SnapshotEvent builds the progress event describing a persisted session.
func SnapshotEvent(session scrape.Session, ts time.Time) Event {
	p := session.Progress
	return Event{
		SessionID: session.ID,
		Kind:      KindProgress,
		TS:        ts,
		Status:    session.Status,
		Progress:  &p,
	}
}

// ProgressEvent reports new counters.
func ProgressEvent(sessionID string, status scrape.Status, p scrape.Progress, ts time.Time) Event {
	return Event{SessionID: sessionID, Kind: KindProgress, TS: ts, Status: status, Progress: &p}
}

// LogEvent mirrors an appended log entry.
func LogEvent(sessionID string, entry scrape.LogEntry) Event {
	return Event{SessionID: sessionID, Kind: KindLog, TS: entry.Timestamp, Log: &entry}
}

// CompleteEvent marks the end of a session.
func CompleteEvent(sessionID string, ts time.Time) Event {
	return Event{SessionID: sessionID, Kind: KindComplete, TS: ts, Status: scrape.StatusCompleted}
}

// ErrorEvent reports a recovered failure. town and industry may be empty.
func ErrorEvent(sessionID, town, industry string, err error, ts time.Time) Event {
	return Event{
		SessionID: sessionID,
		Kind:      KindError,
		TS:        ts,
		Error:     err.Error(),
		Town:      town,
		Industry:  industry,
	}
}

// HeartbeatEvent keeps idle streams alive.
func HeartbeatEvent(sessionID string, ts time.Time) Event {
	return Event{SessionID: sessionID, Kind: KindHeartbeat, TS: ts}
}
