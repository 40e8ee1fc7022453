package scrape

import "time"

// Status represents the lifecycle state of a scraping session.
type Status string

// Session status values persisted in the session store.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// Terminal reports whether the session accepts no further steps.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusStopped, StatusCompleted:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a session may move from s to next.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusStopped || next == StatusCompleted
	case StatusRunning:
		return next == StatusStopped || next == StatusCompleted
	default:
		return false
	}
}

// TransitionSources lists the statuses from which target may be reached.
func TransitionSources(target Status) []Status {
	var out []Status
	for _, st := range []Status{StatusPending, StatusRunning, StatusStopped, StatusCompleted} {
		if st.CanTransition(target) {
			out = append(out, st)
		}
	}
	return out
}

// LogLevel classifies a session log entry.
type LogLevel string

// Log levels surfaced to observers.
const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// UnknownProvider is recorded for phones whose carrier could not be resolved.
const UnknownProvider = "Unknown"

// Config captures the per-session concurrency and retry knobs.
type Config struct {
	SimultaneousTowns      int `json:"simultaneousTowns"`
	SimultaneousIndustries int `json:"simultaneousIndustries"`
	SimultaneousLookups    int `json:"simultaneousLookups"`
	RetryAttempts          int `json:"retryAttempts"`
	RetryDelayMs           int `json:"retryDelayMs"`
}

// RetryDelay returns RetryDelayMs as a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// Progress tracks how far a session has advanced.
type Progress struct {
	CompletedTowns  int `json:"completedTowns"`
	TotalTowns      int `json:"totalTowns"`
	TotalBusinesses int `json:"totalBusinesses"`
}

// Done reports whether every town has been committed.
func (p Progress) Done() bool {
	return p.CompletedTowns >= p.TotalTowns
}

// ProgressDelta is applied atomically by SessionStore.UpdateProgress.
type ProgressDelta struct {
	Towns      int
	Businesses int
}

// Business is one listing discovered for a (town, industry) unit.
type Business struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Provider     string `json:"provider"`
	Town         string `json:"town"`
	Industry     string `json:"industry"`
	Address      string `json:"address"`
	MapReference string `json:"mapReference"`
}

// LogEntry is one line of the append-only session audit trail.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Level     LogLevel  `json:"level"`
}

// Session is the durable record of a scraping job.
type Session struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	Towns      []string   `json:"towns"`
	Industries []string   `json:"industries"`
	Config     Config     `json:"config"`
	Status     Status     `json:"status"`
	Progress   Progress   `json:"progress"`
	Logs       []LogEntry `json:"logs"`
	Results    []Business `json:"results"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand to callers.
func (s Session) Clone() Session {
	out := s
	out.Towns = append([]string(nil), s.Towns...)
	out.Industries = append([]string(nil), s.Industries...)
	out.Logs = append([]LogEntry(nil), s.Logs...)
	out.Results = append([]Business(nil), s.Results...)
	return out
}

// StepResult is returned by one orchestrator step.
type StepResult struct {
	Status   Status   `json:"status"`
	Progress Progress `json:"progress"`
	HasMore  bool     `json:"hasMore"`
}
