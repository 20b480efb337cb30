package domain

import "time"

// ServiceStatusUpdate is a busy/idle snapshot published by a scheduler
type ServiceStatusUpdate struct {
	Service   string         `json:"service"`
	Timestamp int64          `json:"timestamp"`
	Status    map[string]any `json:"status"`
}

// NewServiceStatusUpdate stamps a status snapshot with the current time
func NewServiceStatusUpdate(service string, status map[string]any, now time.Time) ServiceStatusUpdate {
	return ServiceStatusUpdate{
		Service:   service,
		Timestamp: now.UnixMilli(),
		Status:    status,
	}
}

// PaginationJob is a deferred fetch of the next page of accounts for a user
type PaginationJob struct {
	SubjectID    int64    `json:"subjectId"`
	SubjectKey   string   `json:"subjectKey"`
	PageToken    string   `json:"pageToken"`
	CarriedState []string `json:"carriedState"`
	EnqueuedAt   int64    `json:"enqueuedAt"`
	Attempts     int      `json:"attempts"`
}

// ProcessStage is one transition in a pipeline's process log
type ProcessStage struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	DurationMs *int64 `json:"durationMs,omitempty"`
	Details    string `json:"details,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RegistrationUpdate is broadcast for every stage transition and once at the end of a run
type RegistrationUpdate struct {
	SubjectID  int64          `json:"subjectId"`
	Status     string         `json:"status"`
	Timestamp  int64          `json:"timestamp"`
	Stage      string         `json:"stage,omitempty"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	ProcessLog []ProcessStage `json:"processLog,omitempty"`
}

// LogLine is a free-text log record broadcast on the logs:* channels
type LogLine struct {
	Service   string         `json:"service"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Timestamp int64          `json:"timestamp"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}
