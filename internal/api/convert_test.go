package api

import (
	"encoding/json"
	"testing"
	"time"

	"harvester/internal/harvest"
	"harvester/internal/status"
)

func TestFromRecord(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC)
	expires := created.Add(time.Hour)
	rec := status.Record{
		ID:          "HarvestProcess:abc",
		Status:      status.Completed,
		Messages:    []string{"queued on harvest_test", "attempt 1 started", "sha256 ff (3 bytes)"},
		CreatedAt:   created,
		UpdatedAt:   created,
		ExpiresAt:   &expires,
		OwningClass: "HarvestProcess",
		Queue:       "harvest_test",
		Retries:     1,
		Args:        json.RawMessage(`{"harvest_id":"h-1"}`),
	}

	job := FromRecord(rec)
	if job.Status != "completed" || job.LastMessage != "sha256 ff (3 bytes)" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.CreatedAt != "2026-03-01T12:00:00.500Z" {
		t.Fatalf("createdAt = %q", job.CreatedAt)
	}
	if job.ExpiresAt != "2026-03-01T13:00:00.500Z" {
		t.Fatalf("expiresAt = %q", job.ExpiresAt)
	}
	if !ParseTime(job.CreatedAt).Equal(created) {
		t.Fatalf("ParseTime round trip lost precision: %s", ParseTime(job.CreatedAt))
	}
	if string(job.Args) != `{"harvest_id":"h-1"}` {
		t.Fatalf("args = %s", job.Args)
	}

	job.Messages[0] = "mutated"
	if rec.Messages[0] != "queued on harvest_test" {
		t.Fatal("FromRecord aliases the record's messages")
	}
}

func TestFromRecordOmitsUnsetTimes(t *testing.T) {
	job := FromRecord(status.Record{ID: "x", Status: status.Queued})
	if job.CreatedAt != "" || job.ExpiresAt != "" {
		t.Fatalf("expected empty timestamps, got %+v", job)
	}
	if job.Messages == nil {
		t.Fatal("messages should encode as an empty list")
	}
}

func TestFromHarvestSummaryListsEveryState(t *testing.T) {
	out := FromHarvestSummary(harvest.Summary{
		Total:       3,
		Deleted:     1,
		StateCounts: map[harvest.State]int{harvest.StateProcessing: 2, harvest.StateCompleted: 1},
	})
	if len(out.States) != len(harvest.AllStates()) {
		t.Fatalf("states = %v", out.States)
	}
	if out.States["processing"] != 2 || out.States["new"] != 0 || out.Total != 3 || out.Deleted != 1 {
		t.Fatalf("unexpected summary %+v", out)
	}
}

func TestParseTimeMalformed(t *testing.T) {
	if !ParseTime("yesterday").IsZero() {
		t.Fatal("malformed timestamp should parse to zero")
	}
}
