package harvest

import (
	"strings"
	"time"
)

// State is the lifecycle position of an Item.
type State string

const (
	StateNew              State = "new"
	StateMetadataGathered State = "metadata_gathered"
	StateProcessing       State = "processing"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

var allStates = []State{
	StateNew,
	StateMetadataGathered,
	StateProcessing,
	StateCompleted,
	StateFailed,
}

// AllStates returns every state in lifecycle order.
func AllStates() []State {
	return append([]State(nil), allStates...)
}

// ParseState normalizes a string into a State.
func ParseState(value string) (State, bool) {
	v := State(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range allStates {
		if s == v {
			return s, true
		}
	}
	return "", false
}

// IsFinal reports whether processing has concluded.
func (s State) IsFinal() bool {
	return s == StateCompleted || s == StateFailed
}

// Enqueueable reports whether an upload should still start processing.
func (s State) Enqueueable() bool {
	return s == StateNew || s == StateMetadataGathered
}

// Item is one file inside a harvest.
type Item struct {
	ID           int64
	HarvestID    string
	Path         string
	State        State
	FileDeleted  bool
	JobID        string
	SizeBytes    int64
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Summary counts items per state.
type Summary struct {
	Total       int
	Deleted     int
	StateCounts map[State]int
}
