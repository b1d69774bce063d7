package dispatch

import (
	"encoding/json"
	"fmt"

	"harvester/internal/broker"
	"harvester/internal/jobid"
)

// Request asks for one unit of work.
type Request struct {
	OwningClass string `json:"owning_class" validate:"required,max=128"`
	// Queue is a logical name such as "harvest" or an already suffixed
	// physical name such as "harvest_production".
	Queue    string         `json:"queue" validate:"required,max=128"`
	Args     jobid.Args     `json:"args"`
	Strategy jobid.Strategy `json:"strategy" validate:"gte=0,lte=2"`
	// Fields orders the arguments that form a KeyedTemplate identity.
	Fields []string `json:"fields" validate:"required_if=Strategy 2,dive,required"`
}

// Result is all a caller learns from Enqueue.
type Result struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id"`
	Queue    string `json:"queue"`
}

// Job is the handler's view of a delivery.
type Job struct {
	ID          string
	OwningClass string
	Queue       string
	Args        json.RawMessage
	// Attempt is 1 for the first execution and grows with each retry.
	Attempt int
}

// Bind decodes the job arguments into v.
func (j Job) Bind(v any) error {
	if len(j.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Args, v); err != nil {
		return fmt.Errorf("decode arguments of %s: %w", j.ID, err)
	}
	return nil
}

func jobFromMessage(msg broker.Message) Job {
	attempt := msg.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return Job{
		ID:          msg.ID,
		OwningClass: msg.OwningClass,
		Queue:       msg.Queue,
		Args:        msg.Args,
		Attempt:     attempt,
	}
}
