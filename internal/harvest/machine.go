package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"harvester/internal/classify"
	"harvester/internal/dispatch"
	"harvester/internal/jobid"
	"harvester/internal/logging"
	"harvester/internal/status"
)

// Processing jobs are enqueued under this owning class on this logical queue.
const (
	ProcessClass = "HarvestProcess"
	ProcessQueue = "harvest"
)

// Dispatcher is the part of dispatch.Dispatcher the Machine uses.
type Dispatcher interface {
	Enqueue(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	Register(owningClass string, handler dispatch.Handler)
	OnFinal(owningClass string, hook dispatch.FinalHook)
}

// Option customizes a Machine.
type Option func(*Machine)

// WithResolver replaces the PrefixResolver rooted at "/".
func WithResolver(r Resolver) Option {
	return func(m *Machine) {
		if r != nil {
			m.resolver = r
		}
	}
}

// WithProbe replaces the FileProbe.
func WithProbe(p MetadataProbe) Option {
	return func(m *Machine) {
		if p != nil {
			m.probe = p
		}
	}
}

// WithProcessor replaces the FileProcessor.
func WithProcessor(p Processor) Option {
	return func(m *Machine) {
		if p != nil {
			m.processor = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Machine applies webhook events to harvest items.
type Machine struct {
	store      *Store
	dispatcher Dispatcher
	resolver   Resolver
	probe      MetadataProbe
	processor  Processor
	logger     *slog.Logger
}

// NewMachine builds a Machine for files under root and registers its
// processing handler and final hook with dispatcher.
func NewMachine(store *Store, dispatcher Dispatcher, root string, opts ...Option) *Machine {
	m := &Machine{
		store:      store,
		dispatcher: dispatcher,
		resolver:   PrefixResolver{},
		probe:      FileProbe{Root: root},
		processor:  FileProcessor{Root: root},
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "harvest")
	dispatcher.Register(ProcessClass, m.process)
	dispatcher.OnFinal(ProcessClass, m.finish)
	return m
}

// Store exposes the item store.
func (m *Machine) Store() *Store { return m.store }

// Handle applies ev. Every branch is idempotent so redundant deliveries of
// the same webhook leave the same result.
func (m *Machine) Handle(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case Upload:
		return m.handleUpload(ctx, ev)
	case Delete:
		return m.handleDelete(ctx, ev)
	case Rename:
		return m.handleRename(ctx, ev)
	case Unknown:
		logging.WithContext(ctx, m.logger).Debug("webhook action ignored",
			logging.String("action", ev.Name),
			logging.String(logging.FieldEventType, "webhook_ignored"),
		)
		return nil
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

func (m *Machine) resolve(ctx context.Context, virtualPath string) (context.Context, Location, *slog.Logger, error) {
	loc, err := m.resolver.Resolve(virtualPath)
	if err != nil {
		return ctx, Location{}, nil, err
	}
	ctx = logging.WithHarvestID(ctx, loc.HarvestID)
	logger := logging.WithContext(ctx, m.logger).With(logging.String(logging.FieldPath, loc.Path))
	return ctx, loc, logger, nil
}

func (m *Machine) handleUpload(ctx context.Context, ev Upload) error {
	ctx, loc, logger, err := m.resolve(ctx, ev.VirtualPath)
	if err != nil {
		return err
	}
	item, created, err := m.store.FindOrCreate(ctx, loc)
	if err != nil {
		return err
	}
	if created {
		logger.Info("harvest item tracked", logging.String(logging.FieldEventType, "item_created"))
	}
	if item.FileDeleted {
		if _, err := m.store.SetFileDeleted(ctx, item.ID, false); err != nil {
			return err
		}
		logger.Info("deleted file uploaded again", logging.String(logging.FieldEventType, "item_restored"))
	}
	if !item.State.Enqueueable() {
		logger.Debug("upload for item already in processing ignored",
			logging.String("state", string(item.State)),
			logging.String(logging.FieldEventType, "duplicate_upload"),
		)
		return nil
	}

	if item.State == StateNew {
		meta, err := m.probe.Probe(ctx, loc)
		if errors.Is(err, fs.ErrNotExist) {
			logging.WarnWithContext(logger, "uploaded file not found", "upload_missing_file",
				logging.String(logging.FieldErrorHint, "check paths.storage_dir is where the transfer server writes harvest_root"),
				logging.String(logging.FieldImpact, "item stays new until the file is uploaded again"),
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("probe %s/%s: %w", loc.HarvestID, loc.Path, err)
		}
		if _, err := m.store.RecordMetadata(ctx, item.ID, meta.SizeBytes); err != nil {
			return err
		}
		logger.Debug("metadata gathered", logging.Int64("size_bytes", meta.SizeBytes))
	}

	res, err := m.dispatcher.Enqueue(ctx, dispatch.Request{
		OwningClass: ProcessClass,
		Queue:       ProcessQueue,
		Args:        processArgs{HarvestID: loc.HarvestID, RelativePath: loc.Path}.jobArgs(),
		Strategy:    jobid.ContentHash,
	})
	if err != nil {
		return fmt.Errorf("enqueue processing for %s/%s: %w", loc.HarvestID, loc.Path, err)
	}
	// A job run inline may already have finished the item, in which case
	// nothing moves here.
	if _, err := m.store.MarkProcessing(ctx, item.ID, res.ID); err != nil {
		return err
	}
	logger.Info("processing enqueued",
		logging.String(logging.FieldJobID, res.ID),
		logging.Bool("accepted", res.Accepted),
		logging.String(logging.FieldEventType, "processing_enqueued"),
	)
	return nil
}

func (m *Machine) handleDelete(ctx context.Context, ev Delete) error {
	ctx, loc, logger, err := m.resolve(ctx, ev.VirtualPath)
	if err != nil {
		return err
	}
	item, err := m.store.Find(ctx, loc)
	if err != nil {
		return err
	}
	if item == nil {
		logger.Debug("delete for untracked file ignored")
		return nil
	}
	if item.State == StateNew {
		removed, err := m.store.DeleteNew(ctx, item.ID)
		if err != nil {
			return err
		}
		if removed {
			logger.Info("new harvest item removed", logging.String(logging.FieldEventType, "item_removed"))
			return nil
		}
		// The item advanced in the meantime; keep it and flag the file.
	}
	changed, err := m.store.SetFileDeleted(ctx, item.ID, true)
	if err != nil {
		return err
	}
	if changed {
		logger.Info("harvest file deleted", logging.String(logging.FieldEventType, "item_file_deleted"))
	}
	return nil
}

func (m *Machine) handleRename(ctx context.Context, ev Rename) error {
	ctx, from, logger, err := m.resolve(ctx, ev.VirtualPath)
	if err != nil {
		return err
	}
	to, err := m.resolver.Resolve(ev.TargetPath)
	if err != nil {
		return err
	}
	item, err := m.store.Find(ctx, from)
	if err != nil {
		return err
	}
	if item == nil {
		logger.Debug("rename of untracked file ignored")
		return nil
	}
	if err := m.store.Move(ctx, item.ID, to); err != nil {
		return err
	}
	logger.Info("harvest item renamed",
		logging.String("target_harvest_id", to.HarvestID),
		logging.String("target_path", to.Path),
		logging.String(logging.FieldEventType, "item_renamed"),
	)
	return nil
}

type processArgs struct {
	HarvestID    string `json:"harvest_id"`
	RelativePath string `json:"relative_path"`
}

func (a processArgs) jobArgs() jobid.Args {
	return jobid.Args{"harvest_id": a.HarvestID, "relative_path": a.RelativePath}
}

// locate finds the item of a processing job. The path recorded in the job
// may be stale after a rename, so the job id is the fallback.
func (m *Machine) locate(ctx context.Context, args processArgs, jobID string) (*Item, error) {
	item, err := m.store.Find(ctx, Location{HarvestID: args.HarvestID, Path: args.RelativePath})
	if err != nil || item != nil {
		return item, err
	}
	return m.store.FindByJobID(ctx, jobID)
}

func (m *Machine) process(ctx context.Context, job dispatch.Job) (string, error) {
	var args processArgs
	if err := job.Bind(&args); err != nil {
		return "", classify.Permanent(err)
	}
	item, err := m.locate(ctx, args, job.ID)
	if err != nil {
		return "", err
	}
	if item == nil {
		return "", classify.Permanent(fmt.Errorf("harvest item %s/%s is no longer tracked", args.HarvestID, args.RelativePath))
	}
	if item.FileDeleted {
		return "", classify.Permanent(fmt.Errorf("file %s/%s was deleted before processing", item.HarvestID, item.Path))
	}
	return m.processor.Process(logging.WithHarvestID(ctx, item.HarvestID), *item)
}

func (m *Machine) finish(ctx context.Context, rec status.Record) {
	logger := logging.WithContext(ctx, m.logger).With(logging.String(logging.FieldJobID, rec.ID))
	var args processArgs
	if len(rec.Args) > 0 {
		if err := json.Unmarshal(rec.Args, &args); err != nil {
			logger.Warn("processing job arguments unreadable", logging.Error(err))
		}
	}
	item, err := m.locate(ctx, args, rec.ID)
	if err != nil {
		logger.Error("harvest item lookup failed", logging.Error(err))
		return
	}
	if item == nil {
		logger.Debug("finished job has no harvest item")
		return
	}

	state, message := StateCompleted, ""
	if rec.Status != status.Completed {
		state, message = StateFailed, rec.LastMessage()
	}
	changed, err := m.store.Finish(ctx, item.ID, state, rec.ID, message)
	if err != nil {
		logger.Error("harvest item not finished", logging.Error(err))
		return
	}
	if changed {
		logger.Info("harvest item finished",
			logging.String(logging.FieldHarvestID, item.HarvestID),
			logging.String(logging.FieldPath, item.Path),
			logging.String("state", string(state)),
			logging.String(logging.FieldEventType, "item_finished"),
		)
	}
}
