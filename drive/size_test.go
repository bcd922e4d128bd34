package drive

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestSizeOfRegularFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(p, make([]byte, 3*512+7), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	size, err := SizeOf(f)
	if err != nil {
		t.Fatalf("SizeOf() error = %v", err)
	}
	if size != 3*512+7 {
		t.Errorf("SizeOf() = %d, want %d", size, 3*512+7)
	}
	if pos, _ := f.Seek(0, io.SeekCurrent); pos != 0 {
		t.Errorf("SizeOf() left the offset at %d, want 0", pos)
	}
}
