// Package bup implements the BUP (Bootloader Update Package) container
// contract: Open/BootDevicePath/GPTDevicePath/Enumerate/SetPos/Read/
// FindMissing/TNSpec/CompatSpec/Close. BUP container parsing is an
// out-of-scope external collaborator, described only by the interface
// the orchestrator consumes; this package is a concrete implementation
// of that interface so the module is runnable.
package bup

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"tegraupdate/internal/gpt"
)

const magic = "TBUP"
const formatVersion = 1

// Entry is one directory entry in a BUP package: a named partition
// payload, its position in the package, and its compression.
type Entry struct {
	Name              string
	Version           uint32
	Compression       CompressionFormat
	Length            uint64 // decompressed length, what the orchestrator copies to a target
	CompressedLength  uint64
	payloadFileOffset int64 // absolute offset of the (possibly compressed) payload in the package file
}

// Offset is the BUP-relative position callers pass to SetPos: the
// absolute file offset of this entry's (possibly compressed) payload,
// which SetPos uses as its key to find the same entry the enumerator
// named.
func (e *Entry) Offset() int64 { return e.payloadFileOffset }

// Context is an open BUP package (original_source's bup_context_t).
type Context struct {
	f              *os.File
	tnspec         string
	compatSpec     string
	bootDevice     string
	gptDevice      string
	required       []string
	optional       map[string]bool
	expectedLayout *gpt.Table
	entries        []*Entry
	byOffset       map[int64]*Entry

	cur      io.Reader
	curEntry *Entry
}

// Open parses a BUP package at path.
func Open(path string) (*Context, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	c := &Context{f: f, optional: map[string]bool{}, byOffset: map[int64]*Entry{}}
	if err := c.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying package file.
func (c *Context) Close() error {
	return c.f.Close()
}

// TNSpec is the hardware-variant spec string this package was built for.
func (c *Context) TNSpec() string { return c.tnspec }

// CompatSpec is an additional hardware variant this package is
// compatible with, or "" if none.
func (c *Context) CompatSpec() string { return c.compatSpec }

// BootDevicePath is the boot device node this package expects to write.
func (c *Context) BootDevicePath() string { return c.bootDevice }

// GPTDevicePath is the secondary ("GPT") device node, or "" if this
// platform has none.
func (c *Context) GPTDevicePath() string { return c.gptDevice }

// Entries returns every directory entry, in package order (spec's
// "stream of (name, offset, length, version)").
func (c *Context) Entries() []*Entry { return c.entries }

// ExpectedLayout is the GPT layout this package expects the boot device
// to have, used both for initialize (gpt.LoadFromConfig) and the
// repartition probe (gpt.CompareLayout). Nil if the package carries none
// (e.g. a T210 package, which has no on-device GPT to compare).
func (c *Context) ExpectedLayout() *gpt.Table { return c.expectedLayout }

// IsOptional reports whether the named partition is allowed to be
// missing from the boot device without that being a fatal error (spec
// §4.2 step 3, "the BUP layer answers this").
func (c *Context) IsOptional(name string) bool {
	return c.optional[name]
}

// FindMissing reports every required entry name with no corresponding
// directory entry, matching original_source's bup_find_missing_entries.
func (c *Context) FindMissing() []string {
	present := make(map[string]bool, len(c.entries))
	for _, e := range c.entries {
		present[e.Name] = true
	}
	var missing []string
	for _, name := range c.required {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// SetPos positions the package for a Read of the entry whose Offset()
// equals offset, the way original_source's bup_setpos does.
func (c *Context) SetPos(offset int64) error {
	e, ok := c.byOffset[offset]
	if !ok {
		return fmt.Errorf("no BUP entry at offset %d", offset)
	}
	if _, err := c.f.Seek(e.payloadFileOffset, io.SeekStart); err != nil {
		return err
	}
	r, err := newDecodeReader(e.Compression, io.LimitReader(c.f, int64(e.CompressedLength)))
	if err != nil {
		return err
	}
	c.cur = r
	c.curEntry = e
	return nil
}

// Read reads decompressed entry content, looping under SetPos's reader
// the way the orchestrator's read loop expects.
func (c *Context) Read(buf []byte) (int, error) {
	if c.cur == nil {
		return 0, fmt.Errorf("bup: SetPos was not called before Read")
	}
	return c.cur.Read(buf)
}

func (c *Context) readHeader() error {
	r := &reader{f: c.f}

	var magicBuf [4]byte
	if err := r.readFull(magicBuf[:]); err != nil {
		return err
	}
	if string(magicBuf[:]) != magic {
		return fmt.Errorf("not a BUP package (bad magic)")
	}
	version, err := r.readUint32()
	if err != nil {
		return err
	}
	if version != formatVersion {
		return fmt.Errorf("unsupported BUP package version %d", version)
	}
	if c.tnspec, err = r.readString(); err != nil {
		return err
	}
	if c.compatSpec, err = r.readString(); err != nil {
		return err
	}
	if c.bootDevice, err = r.readString(); err != nil {
		return err
	}
	if c.gptDevice, err = r.readString(); err != nil {
		return err
	}

	reqCount, err := r.readUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < reqCount; i++ {
		name, err := r.readString()
		if err != nil {
			return err
		}
		c.required = append(c.required, name)
	}

	optCount, err := r.readUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < optCount; i++ {
		name, err := r.readString()
		if err != nil {
			return err
		}
		c.optional[name] = true
	}

	hasLayout, err := r.readByte()
	if err != nil {
		return err
	}
	if hasLayout != 0 {
		layout, err := readLayout(r)
		if err != nil {
			return err
		}
		c.expectedLayout = layout
	}

	entryCount, err := r.readUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		e, err := readEntry(r)
		if err != nil {
			return err
		}
		c.entries = append(c.entries, e)
		c.byOffset[e.payloadFileOffset] = e
	}
	return nil
}

func readLayout(r *reader) (*gpt.Table, error) {
	count, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	t := &gpt.Table{}
	for i := uint32(0); i < count; i++ {
		name, err := r.readString()
		if err != nil {
			return nil, err
		}
		var typeGUID, uniqueGUID [16]byte
		if err := r.readFull(typeGUID[:]); err != nil {
			return nil, err
		}
		if err := r.readFull(uniqueGUID[:]); err != nil {
			return nil, err
		}
		firstLBA, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		lastLBA, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		tg, _ := uuid.FromBytes(typeGUID[:])
		ug, _ := uuid.FromBytes(uniqueGUID[:])
		t.Entries = append(t.Entries, &gpt.Entry{
			Name:       name,
			TypeGUID:   tg,
			UniqueGUID: ug,
			FirstLBA:   firstLBA,
			LastLBA:    lastLBA,
		})
	}
	return t, nil
}

func readEntry(r *reader) (*Entry, error) {
	name, err := r.readString()
	if err != nil {
		return nil, err
	}
	version, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	compByte, err := r.readByte()
	if err != nil {
		return nil, err
	}
	compressedLength, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	length, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	payloadOffset, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	return &Entry{
		Name:              name,
		Version:           version,
		Compression:       CompressionFormat(compByte),
		CompressedLength:  compressedLength,
		Length:            length,
		payloadFileOffset: int64(payloadOffset),
	}, nil
}

// reader is a tiny cursor over the BUP header's length-prefixed fields.
type reader struct {
	f *os.File
}

func (r *reader) readFull(buf []byte) error {
	_, err := io.ReadFull(r.f, buf)
	return err
}

func (r *reader) readByte() (byte, error) {
	var b [1]byte
	if err := r.readFull(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) readUint32() (uint32, error) {
	var b [4]byte
	if err := r.readFull(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *reader) readUint64() (uint64, error) {
	var b [8]byte
	if err := r.readFull(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r *reader) readString() (string, error) {
	n, err := r.readUint32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := r.readFull(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// RequiredEntryJoin matches original_source's comma-joined missing-entry
// error message ("missing entries for partitionX, partitionY").
func RequiredEntryJoin(names []string) string {
	return strings.Join(names, ", ")
}
