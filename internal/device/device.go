// Package device implements the two positioned I/O primitives the
// orchestrator builds every write on: a looping read_at and a
// write_at with optional pre-erase.
package device

import (
	"fmt"
	"io"
	"os"

	"tegraupdate/internal/stub"
)

// Handle is a single open boot-medium device: the "boot device" or the
// "GPT device" of It is opened once at process startup and
// closed on teardown; the orchestrator holds exclusive write access for
// its lifetime.
type Handle struct {
	f        *os.File
	path     string
	writable bool
}

// Open opens the device at path. When writable is false the device is
// opened read-only (dry-run and the repartition probe never write).
func Open(path string, writable bool) (*Handle, error) {
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	return &Handle{f: f, path: path, writable: writable}, nil
}

// Path returns the device-node path this handle was opened with.
func (h *Handle) Path() string { return h.path }

// Size returns the device's total addressable length in bytes.
func (h *Handle) Size() (int64, error) {
	return h.f.Seek(0, io.SeekEnd)
}

// ReadAt reads exactly n bytes from offset into buf, looping across
// short reads. It fails only on a true error or EOF before n bytes have
// been read.
func (h *Handle) ReadAt(buf []byte, n int, offset int64) error {
	return readFullAt(h.f, buf, n, offset)
}

func readFullAt(r io.ReaderAt, buf []byte, n int, offset int64) error {
	if n > len(buf) {
		return fmt.Errorf("read of %d bytes into a %d-byte buffer", n, len(buf))
	}
	got := 0
	for got < n {
		m, err := r.ReadAt(buf[got:n], offset+int64(got))
		if m > 0 {
			got += m
		}
		if err != nil {
			if err == io.EOF && got >= n {
				break
			}
			return err
		}
		if m <= 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

// WriteAt writes exactly n bytes from buf to offset. If eraseSize is
// greater than zero, it first writes eraseSize zero bytes (supplied by
// the caller's pre-zeroed erase buffer) starting at offset and flushes,
// then writes the n payload bytes and flushes again.
//
// Many target partitions straddle whole erase blocks whose trailing
// contents must be zeroed so that stale data is never interpreted by a
// downstream boot stage; pre-erase is explicit and per-write rather than
// relying on filesystem semantics, because there is no filesystem here.
func (h *Handle) WriteAt(buf []byte, n int, offset int64, eraseSize int, zero []byte) error {
	if eraseSize > 0 {
		if eraseSize > len(zero) {
			return fmt.Errorf("erase of %d bytes exceeds zero buffer of %d bytes", eraseSize, len(zero))
		}
		if err := writeFullAt(h.f, zero, eraseSize, offset); err != nil {
			return err
		}
		if err := h.f.Sync(); err != nil {
			return err
		}
	}
	if err := writeFullAt(h.f, buf, n, offset); err != nil {
		return err
	}
	return h.f.Sync()
}

func writeFullAt(w io.WriterAt, buf []byte, n int, offset int64) error {
	if n > len(buf) {
		return fmt.Errorf("write of %d bytes from a %d-byte buffer", n, len(buf))
	}
	done := 0
	for done < n {
		m, err := w.WriteAt(buf[done:n], offset+int64(done))
		if m > 0 {
			done += m
		}
		if err != nil {
			return err
		}
		if m <= 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// Sync issues a durability barrier on this handle. The executor issues a
// final flush on every device handle before closing it, even in dry-run
//.
func (h *Handle) Sync() error {
	return h.f.Sync()
}

// Close releases the underlying file descriptor.
func (h *Handle) Close() error {
	return h.f.Close()
}

// File exposes the underlying *os.File for components (BLKRRPART,
// raw fd access) that need it directly.
func (h *Handle) File() *os.File { return h.f }

// SetWriteableStatus toggles the write-enable attribute of a boot-medium
// device node and reports whether a reset is owed on teardown.
func SetWriteableStatus(path string, writable bool) (resetOwed bool, err error) {
	prev, err := stub.SetWriteable(path, writable)
	if err != nil {
		return false, err
	}
	// A reset is owed only when we actually changed the state away from
	// what it was (so a previously-writable device is left writable).
	return prev != writable, nil
}
