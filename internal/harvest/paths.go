package harvest

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidPath is returned for virtual paths that do not name a file inside
// a harvest.
var ErrInvalidPath = errors.New("invalid harvest path")

// Location identifies a file within a harvest.
type Location struct {
	HarvestID string
	Path      string
}

// Resolver maps a webhook virtual path to a Location.
type Resolver interface {
	Resolve(virtualPath string) (Location, error)
}

// PrefixResolver treats the first segment below Prefix as the harvest id and
// the remainder as the path within the harvest. "/incoming/h-1/a/b.wav" with
// Prefix "/incoming" resolves to {h-1, a/b.wav}.
type PrefixResolver struct {
	Prefix string
}

// Resolve implements Resolver.
func (r PrefixResolver) Resolve(virtualPath string) (Location, error) {
	cleaned := NormalizePath(virtualPath)
	if prefix := NormalizePath(r.Prefix); prefix != "/" {
		if cleaned != prefix && !strings.HasPrefix(cleaned, prefix+"/") {
			return Location{}, fmt.Errorf("%w: %q is outside %q", ErrInvalidPath, virtualPath, r.Prefix)
		}
		cleaned = strings.TrimPrefix(cleaned, prefix)
	}
	harvestID, rel, _ := strings.Cut(strings.TrimPrefix(cleaned, "/"), "/")
	if harvestID == "" || rel == "" {
		return Location{}, fmt.Errorf("%w: %q does not name a file in a harvest", ErrInvalidPath, virtualPath)
	}
	return Location{HarvestID: harvestID, Path: rel}, nil
}

// NormalizePath returns p in Unicode NFC with forward slashes, a leading slash
// and no "." or ".." elements, so different spellings of one file compare
// equal.
func NormalizePath(p string) string {
	p = norm.NFC.String(strings.TrimSpace(p))
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// AbsolutePath places loc under root on the local filesystem.
func AbsolutePath(root string, loc Location) string {
	return filepath.Join(root, loc.HarvestID, filepath.FromSlash(loc.Path))
}
