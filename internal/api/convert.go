package api

import (
	"time"

	"harvester/internal/harvest"
	"harvester/internal/status"
)

// FromRecord converts a status record into its transport form.
func FromRecord(rec status.Record) Job {
	job := Job{
		ID:          rec.ID,
		Status:      string(rec.Status),
		OwningClass: rec.OwningClass,
		Queue:       rec.Queue,
		Retries:     rec.Retries,
		LastMessage: rec.LastMessage(),
		Messages:    append([]string{}, rec.Messages...),
		Args:        rec.Args,
		CreatedAt:   formatTime(rec.CreatedAt),
		UpdatedAt:   formatTime(rec.UpdatedAt),
	}
	if rec.ExpiresAt != nil {
		job.ExpiresAt = formatTime(*rec.ExpiresAt)
	}
	return job
}

// FromRecords converts records preserving order.
func FromRecords(records []status.Record) []Job {
	jobs := make([]Job, 0, len(records))
	for _, rec := range records {
		jobs = append(jobs, FromRecord(rec))
	}
	return jobs
}

// FromHarvestSummary converts item counts, listing every state.
func FromHarvestSummary(summary harvest.Summary) HarvestSummary {
	out := HarvestSummary{
		Total:   summary.Total,
		Deleted: summary.Deleted,
		States:  make(map[string]int, len(harvest.AllStates())),
	}
	for _, state := range harvest.AllStates() {
		out.States[string(state)] = summary.StateCounts[state]
	}
	return out
}

// ParseTime reads a timestamp written by the API. Empty or malformed values
// yield the zero time.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(dateTimeFormat, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
