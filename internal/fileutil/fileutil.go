// Package fileutil holds checksum and copy helpers for harvested files.
package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Digest is the SHA-256 and byte count of a file.
type Digest struct {
	SHA256 string
	Size   int64
}

// Checksum streams path through SHA-256.
func Checksum(path string) (Digest, error) {
	in, err := os.Open(path)
	if err != nil {
		return Digest{}, err
	}
	defer in.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, in)
	if err != nil {
		return Digest{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return Digest{SHA256: hex.EncodeToString(hasher.Sum(nil)), Size: n}, nil
}

// CopyVerified copies src to dst, creating dst's directory, and checks that
// the bytes written hash to the same digest as the bytes read. dst is removed
// on mismatch. The digest of src is returned.
func CopyVerified(src, dst string) (Digest, error) {
	info, err := os.Stat(src)
	if err != nil {
		return Digest{}, fmt.Errorf("stat source: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Digest{}, fmt.Errorf("create destination dir: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return Digest{}, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return Digest{}, err
	}
	defer func() {
		_ = out.Close()
	}()

	srcHasher := sha256.New()
	dstHasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, dstHasher), io.TeeReader(in, srcHasher))
	if err != nil {
		_ = os.Remove(dst)
		return Digest{}, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return Digest{}, err
	}

	if written != info.Size() {
		_ = os.Remove(dst)
		return Digest{}, fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", info.Size(), written)
	}
	srcSum := hex.EncodeToString(srcHasher.Sum(nil))
	if srcSum != hex.EncodeToString(dstHasher.Sum(nil)) {
		_ = os.Remove(dst)
		return Digest{}, fmt.Errorf("copy hash mismatch: %s corrupted during copy", dst)
	}
	return Digest{SHA256: srcSum, Size: written}, nil
}
