package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a status record in a transport-friendly format.
type Job struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	OwningClass string          `json:"owningClass,omitempty"`
	Queue       string          `json:"queue,omitempty"`
	Retries     int             `json:"retries"`
	LastMessage string          `json:"lastMessage,omitempty"`
	Messages    []string        `json:"messages"`
	Args        json.RawMessage `json:"args,omitempty"`
	CreatedAt   string          `json:"createdAt,omitempty"`
	UpdatedAt   string          `json:"updatedAt,omitempty"`
	ExpiresAt   string          `json:"expiresAt,omitempty"`
}

// JobListResponse wraps one page of jobs.
type JobListResponse struct {
	Jobs   []Job `json:"jobs"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job Job `json:"job"`
}

// JobCountResponse reports the number of live jobs.
type JobCountResponse struct {
	Count int64 `json:"count"`
}

// KillRequest carries an optional operator reason.
type KillRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ClearResponse reports how many records were removed.
type ClearResponse struct {
	Removed int64 `json:"removed"`
}

// EnqueueRequest asks the daemon to dispatch one job.
type EnqueueRequest struct {
	OwningClass string         `json:"owningClass"`
	Queue       string         `json:"queue"`
	Args        map[string]any `json:"args,omitempty"`
	Strategy    string         `json:"strategy,omitempty"`
	Fields      []string       `json:"fields,omitempty"`
}

// EnqueueResponse mirrors the dispatcher's result.
type EnqueueResponse struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id"`
	Queue    string `json:"queue"`
}

// WebhookResponse acknowledges a transfer webhook.
type WebhookResponse struct {
	Action    string `json:"action"`
	RequestID string `json:"requestId"`
}

// HarvestSummary counts harvest items per state.
type HarvestSummary struct {
	Total   int            `json:"total"`
	Deleted int            `json:"deleted"`
	States  map[string]int `json:"states"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running         bool           `json:"running"`
	PID             int            `json:"pid"`
	Environment     string         `json:"environment"`
	StatusBackend   string         `json:"statusBackend"`
	BrokerBackend   string         `json:"brokerBackend"`
	DatabasePath    string         `json:"databasePath"`
	LockFilePath    string         `json:"lockFilePath"`
	MonitoredQueues []string       `json:"monitoredQueues"`
	WorkerQueues    []string       `json:"workerQueues"`
	ActiveJobs      []string       `json:"activeJobs"`
	Jobs            int64          `json:"jobs"`
	Harvest         HarvestSummary `json:"harvest"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}
