package device

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func makeFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev0")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

func TestWriteAtThenReadAtRoundTrips(t *testing.T) {
	path := makeFile(t, 4096)
	h, err := Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	payload := bytes.Repeat([]byte{0xAB}, 512)
	if err := h.WriteAt(payload, len(payload), 1024, 0, nil); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, len(payload))
	if err := h.ReadAt(got, len(got), 1024); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch")
	}
}

func TestWriteAtWithEraseZeroesTrailingRegion(t *testing.T) {
	path := makeFile(t, 4096)
	h, err := Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	stale := bytes.Repeat([]byte{0xFF}, 2048)
	if err := h.WriteAt(stale, len(stale), 0, 0, nil); err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte{0x11}, 512)
	zero := make([]byte, 2048)
	if err := h.WriteAt(payload, len(payload), 0, 2048, zero); err != nil {
		t.Fatalf("WriteAt with erase: %v", err)
	}

	got := make([]byte, 2048)
	if err := h.ReadAt(got, len(got), 0); err != nil {
		t.Fatal(err)
	}
	want := append(append([]byte{}, payload...), make([]byte, 2048-len(payload))...)
	if !bytes.Equal(got, want) {
		t.Errorf("erase did not zero trailing bytes")
	}
}

func TestReadAtShortOfEOFFails(t *testing.T) {
	path := makeFile(t, 64)
	h, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	buf := make([]byte, 128)
	if err := h.ReadAt(buf, 128, 0); err == nil {
		t.Errorf("expected error reading past end of device")
	}
}

func TestSizeReportsFileLength(t *testing.T) {
	path := makeFile(t, 8192)
	h, err := Open(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	size, err := h.Size()
	if err != nil {
		t.Fatal(err)
	}
	if size != 8192 {
		t.Errorf("Size() = %d, want 8192", size)
	}
}
