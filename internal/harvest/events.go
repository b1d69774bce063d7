package harvest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"harvester/internal/validate"
)

// ErrInvalidPayload marks a webhook body that cannot be turned into an Event.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Webhook actions understood by the Machine.
const (
	ActionUpload = "upload"
	ActionDelete = "delete"
	ActionRename = "rename"
)

// Payload is the JSON body the transfer server posts for each file event.
type Payload struct {
	Action            string `json:"action"`
	Path              string `json:"path"`
	VirtualPath       string `json:"virtual_path" validate:"required_if=Action upload,required_if=Action delete,required_if=Action rename"`
	VirtualTargetPath string `json:"virtual_target_path" validate:"required_if=Action rename"`
	Timestamp         int64  `json:"timestamp"`
}

// Event is one of Upload, Delete, Rename or Unknown.
type Event interface {
	Action() string
}

// Upload reports a completed file transfer.
type Upload struct {
	// SourcePath is the transfer server's filesystem path, kept for logs.
	SourcePath  string
	VirtualPath string
	At          time.Time
}

// Delete reports a removed file.
type Delete struct {
	VirtualPath string
	At          time.Time
}

// Rename reports a file moved from VirtualPath to TargetPath.
type Rename struct {
	VirtualPath string
	TargetPath  string
	At          time.Time
}

// Unknown carries an action the Machine ignores, including a missing one.
type Unknown struct {
	Name string
}

func (Upload) Action() string    { return ActionUpload }
func (Delete) Action() string    { return ActionDelete }
func (Rename) Action() string    { return ActionRename }
func (u Unknown) Action() string { return u.Name }

var payloadValidator = validate.New()

// ParseEvent decodes and validates a webhook body.
func ParseEvent(data []byte) (Event, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return p.Event()
}

// Event validates p and returns the matching variant.
func (p Payload) Event() (Event, error) {
	p.Action = strings.ToLower(strings.TrimSpace(p.Action))
	p.VirtualPath = strings.TrimSpace(p.VirtualPath)
	p.VirtualTargetPath = strings.TrimSpace(p.VirtualTargetPath)
	if err := payloadValidator.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	var at time.Time
	if p.Timestamp > 0 {
		at = time.Unix(p.Timestamp, 0).UTC()
	}
	switch p.Action {
	case ActionUpload:
		return Upload{SourcePath: p.Path, VirtualPath: p.VirtualPath, At: at}, nil
	case ActionDelete:
		return Delete{VirtualPath: p.VirtualPath, At: at}, nil
	case ActionRename:
		return Rename{VirtualPath: p.VirtualPath, TargetPath: p.VirtualTargetPath, At: at}, nil
	default:
		return Unknown{Name: p.Action}, nil
	}
}
