package harvest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"harvester/internal/classify"
	"harvester/internal/fileutil"
)

// Metadata is what the probe learns about an uploaded file.
type Metadata struct {
	SizeBytes int64
}

// MetadataProbe inspects an uploaded file before processing is enqueued.
type MetadataProbe interface {
	Probe(ctx context.Context, loc Location) (Metadata, error)
}

// Processor does the work of a processing job for one item.
type Processor interface {
	Process(ctx context.Context, item Item) (summary string, err error)
}

// FileProbe stats files under Root.
type FileProbe struct {
	Root string
}

// Probe implements MetadataProbe.
func (p FileProbe) Probe(_ context.Context, loc Location) (Metadata, error) {
	info, err := os.Stat(AbsolutePath(p.Root, loc))
	if err != nil {
		return Metadata{}, err
	}
	if info.IsDir() {
		return Metadata{}, fmt.Errorf("%w: %s/%s is a directory", ErrInvalidPath, loc.HarvestID, loc.Path)
	}
	return Metadata{SizeBytes: info.Size()}, nil
}

// FileProcessor checksums each file under Root and, when ArchiveDir is set,
// copies it there with the same harvest layout.
type FileProcessor struct {
	Root       string
	ArchiveDir string
}

// Process implements Processor.
func (p FileProcessor) Process(ctx context.Context, item Item) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	loc := Location{HarvestID: item.HarvestID, Path: item.Path}
	src := AbsolutePath(p.Root, loc)

	var (
		digest fileutil.Digest
		err    error
	)
	if p.ArchiveDir == "" {
		digest, err = fileutil.Checksum(src)
	} else {
		digest, err = fileutil.CopyVerified(src, AbsolutePath(p.ArchiveDir, loc))
	}
	if errors.Is(err, fs.ErrNotExist) {
		return "", classify.Permanent(fmt.Errorf("file %s is missing", filepath.ToSlash(filepath.Join(loc.HarvestID, loc.Path))))
	}
	if err != nil {
		return "", classify.Transient(err)
	}
	return fmt.Sprintf("sha256 %s (%d bytes)", digest.SHA256, digest.Size), nil
}
