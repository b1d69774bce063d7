package testsupport

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile creates path with exactly size bytes (at least one). The content
// repeats the file's base name, so files of equal size but different names
// have different checksums.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	w := bufio.NewWriter(f)
	seed := []byte(filepath.Base(path) + "\n")
	for written := int64(0); written < size; written++ {
		if err := w.WriteByte(seed[written%int64(len(seed))]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}
