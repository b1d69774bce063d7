package status

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a dispatched unit of work.
type Status string

const (
	Queued    Status = "queued"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
	Killed    Status = "killed"
)

var allStatuses = []Status{Queued, Running, Completed, Failed, Killed}

// transitions lists, for each status, the statuses it may move to.
var transitions = map[Status][]Status{
	Queued:  {Running, Failed, Killed},
	Running: {Completed, Failed, Killed},
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus converts a string into a Status value.
func ParseStatus(value string) (Status, error) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, s := range allStatuses {
		if s == normalized {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", value)
}

// TerminalStatuses returns the statuses no transition may leave.
func TerminalStatuses() []Status {
	return []Status{Completed, Failed, Killed}
}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, Failed, Killed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Sources returns the statuses that may move to to.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range allStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
