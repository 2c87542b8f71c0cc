// Package gpt implements loading and saving a GUID Partition Table on
// the boot device, looking up a partition descriptor by name, and
// comparing an on-disk layout against a BUP-supplied expected
// configuration. GPT parsing is an out-of-scope external collaborator
// described only by its contract; this package is a concrete
// implementation of that contract.
package gpt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"unicode/utf16"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
)

const (
	// SectorSize is the logical sector size GPT structures are addressed
	// in, regardless of the boot medium's native page size.
	SectorSize = 512

	headerSize  = 92
	entrySize   = 128
	nameUnits   = 36 // UTF-16 code units in a GPT partition name field
	signature   = "EFI PART"
	revision    = 0x00010000
	maxNameByte = nameUnits * 2
)

// Entry is an immutable partition descriptor, once loaded. FirstLBA/LastLBA are always expressed in
// 512-byte sectors.
type Entry struct {
	Name       string
	TypeGUID   uuid.UUID
	UniqueGUID uuid.UUID
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
}

// SizeBytes is the partition's span in bytes.
func (e *Entry) SizeBytes() uint64 {
	return (e.LastLBA - e.FirstLBA + 1) * SectorSize
}

// LoadOptions mirrors the flags original_source passes to gpt_load/
// gpt_save: BackupOnly restricts the operation to the secondary table
// only, and NvidiaSpecial honors the Tegra convention that the
// authoritative table lives at the end of the device (the "backup")
// while the header at LBA 1 is effectively a stale placeholder.
type LoadOptions struct {
	BackupOnly    bool
	NvidiaSpecial bool
}

// Table is a full in-memory partition table: every entry with a non-zero
// type GUID.
type Table struct {
	Entries []*Entry
}

// FindByName returns the entry with the given name, or nil.
func (t *Table) FindByName(name string) *Entry {
	if t == nil {
		return nil
	}
	for _, e := range t.Entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Context is the GPT state for a single device, analogous to
// original_source's gpt_context_t: it owns the loaded table and knows
// how to reload or rewrite it.
type Context struct {
	devicePath string
	table      *Table
}

// Open prepares a GPT context for devicePath without reading anything
// yet (original_source's gpt_init).
func Open(devicePath string) *Context {
	return &Context{devicePath: devicePath}
}

// Table returns the currently loaded table, or nil if nothing has been
// loaded yet.
func (c *Context) Table() *Table { return c.table }

// FindByName looks up a partition descriptor in the currently loaded
// table.
func (c *Context) FindByName(name string) *Entry {
	return c.table.FindByName(name)
}

// Load reads the partition table from disk according to opts.
func (c *Context) Load(opts LoadOptions) error {
	f, err := os.Open(c.devicePath)
	if err != nil {
		return err
	}
	defer f.Close()

	devSectors, err := deviceSectorCount(f)
	if err != nil {
		return err
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("mapping %s for GPT read: %w", c.devicePath, err)
	}
	defer m.Unmap()

	var hdr header
	var readErr error
	if opts.NvidiaSpecial || opts.BackupOnly {
		hdr, readErr = readHeaderAt(m, (devSectors-1)*SectorSize)
	} else {
		hdr, readErr = readHeaderAt(m, 1*SectorSize)
	}
	if readErr != nil {
		return readErr
	}

	table, err := readTable(m, hdr)
	if err != nil {
		return err
	}
	c.table = table
	return nil
}

// LoadFromConfig replaces the in-memory table with a BUP-supplied
// expected layout (original_source's gpt_load_from_config), used when
// initializing a device whose on-disk table may not exist yet.
func (c *Context) LoadFromConfig(layout *Table) error {
	if layout == nil {
		return fmt.Errorf("no layout configuration supplied")
	}
	c.table = layout
	return nil
}

// Save writes the in-memory table to disk. When opts.NvidiaSpecial or
// opts.BackupOnly is set, only the table at the end of the device
// (the Tegra "backup" location) is written; the primary header at LBA 1
// is left untouched, matching original_source's GPT_NVIDIA_SPECIAL
// convention.
func (c *Context) Save(opts LoadOptions) error {
	if c.table == nil {
		return fmt.Errorf("no table loaded to save")
	}
	f, err := os.OpenFile(c.devicePath, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	devSectors, err := deviceSectorCount(f)
	if err != nil {
		return err
	}

	entriesLBA := devSectors - 1 - uint64(entryArraySectors(len(c.table.Entries)))
	hdr, entryBytes := buildHeader(c.table, devSectors, entriesLBA)

	if _, err := f.WriteAt(entryBytes, int64(entriesLBA)*SectorSize); err != nil {
		return err
	}
	hdrBytes := hdr.marshal()
	at := int64(devSectors-1) * SectorSize
	if !opts.NvidiaSpecial && !opts.BackupOnly {
		at = 1 * SectorSize
	}
	if _, err := f.WriteAt(hdrBytes, at); err != nil {
		return err
	}
	return f.Sync()
}

// CompareLayout answers "does the boot device's current GPT
// layout match the BUP's expected layout?" without writing anything. A
// partition-for-partition name/LBA-span comparison is sufficient for the
// repartition probe's purposes.
func (c *Context) CompareLayout(expected *Table) (matches bool, err error) {
	if c.table == nil {
		return false, fmt.Errorf("no on-disk table loaded")
	}
	if expected == nil {
		return false, fmt.Errorf("no expected layout supplied")
	}
	if len(c.table.Entries) != len(expected.Entries) {
		return false, nil
	}
	for _, want := range expected.Entries {
		got := c.table.FindByName(want.Name)
		if got == nil || got.FirstLBA != want.FirstLBA || got.LastLBA != want.LastLBA {
			return false, nil
		}
	}
	return true, nil
}

func deviceSectorCount(f *os.File) (uint64, error) {
	sz, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	return uint64(sz) / SectorSize, nil
}

func entryArraySectors(count int) int {
	n := (count*entrySize + SectorSize - 1) / SectorSize
	if n < 1 {
		n = 1
	}
	return n
}

type header struct {
	myLBA            uint64
	alternateLBA     uint64
	firstUsableLBA   uint64
	lastUsableLBA    uint64
	diskGUID         uuid.UUID
	entriesLBA       uint64
	numEntries       uint32
	entrySize        uint32
	entriesCRC       uint32
}

func (h header) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:8], []byte(signature))
	binary.LittleEndian.PutUint32(buf[8:12], revision)
	binary.LittleEndian.PutUint32(buf[12:16], headerSize)
	// CRC32 field [16:20] is computed last, over the header with this
	// field zeroed, per the UEFI spec.
	binary.LittleEndian.PutUint64(buf[24:32], h.myLBA)
	binary.LittleEndian.PutUint64(buf[32:40], h.alternateLBA)
	binary.LittleEndian.PutUint64(buf[40:48], h.firstUsableLBA)
	binary.LittleEndian.PutUint64(buf[48:56], h.lastUsableLBA)
	guidBytes, _ := h.diskGUID.MarshalBinary()
	copy(buf[56:72], guidBytes)
	binary.LittleEndian.PutUint64(buf[72:80], h.entriesLBA)
	binary.LittleEndian.PutUint32(buf[80:84], h.numEntries)
	binary.LittleEndian.PutUint32(buf[84:88], h.entrySize)
	binary.LittleEndian.PutUint32(buf[88:92], h.entriesCRC)

	crc := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(buf[16:20], crc)
	return buf
}

func readHeaderAt(m mmap.MMap, offset uint64) (header, error) {
	if offset+headerSize > uint64(len(m)) {
		return header{}, fmt.Errorf("GPT header offset %d out of range", offset)
	}
	buf := m[offset : offset+headerSize]
	if !bytes.Equal(buf[0:8], []byte(signature)) {
		return header{}, fmt.Errorf("GPT signature mismatch at offset %d", offset)
	}
	var h header
	h.myLBA = binary.LittleEndian.Uint64(buf[24:32])
	h.alternateLBA = binary.LittleEndian.Uint64(buf[32:40])
	h.firstUsableLBA = binary.LittleEndian.Uint64(buf[40:48])
	h.lastUsableLBA = binary.LittleEndian.Uint64(buf[48:56])
	h.diskGUID, _ = uuid.FromBytes(buf[56:72])
	h.entriesLBA = binary.LittleEndian.Uint64(buf[72:80])
	h.numEntries = binary.LittleEndian.Uint32(buf[80:84])
	h.entrySize = binary.LittleEndian.Uint32(buf[84:88])
	h.entriesCRC = binary.LittleEndian.Uint32(buf[88:92])
	return h, nil
}

func buildHeader(t *Table, devSectors, entriesLBA uint64) (header, []byte) {
	entryBuf := make([]byte, len(t.Entries)*entrySize)
	for i, e := range t.Entries {
		marshalEntry(entryBuf[i*entrySize:(i+1)*entrySize], e)
	}
	h := header{
		myLBA:          1,
		alternateLBA:   devSectors - 1,
		firstUsableLBA: entriesLBA + uint64(entryArraySectors(len(t.Entries))),
		lastUsableLBA:  devSectors - 2,
		diskGUID:       uuid.New(),
		entriesLBA:     entriesLBA,
		numEntries:     uint32(len(t.Entries)),
		entrySize:      entrySize,
		entriesCRC:     crc32.ChecksumIEEE(entryBuf),
	}
	return h, entryBuf
}

func marshalEntry(buf []byte, e *Entry) {
	typeBytes, _ := e.TypeGUID.MarshalBinary()
	uniqueBytes, _ := e.UniqueGUID.MarshalBinary()
	copy(buf[0:16], typeBytes)
	copy(buf[16:32], uniqueBytes)
	binary.LittleEndian.PutUint64(buf[32:40], e.FirstLBA)
	binary.LittleEndian.PutUint64(buf[40:48], e.LastLBA)
	binary.LittleEndian.PutUint64(buf[48:56], e.Attributes)
	units := utf16.Encode([]rune(e.Name))
	if len(units) > nameUnits {
		units = units[:nameUnits]
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[56+i*2:58+i*2], u)
	}
}

func unmarshalEntry(buf []byte) (*Entry, error) {
	typeGUID, err := uuid.FromBytes(buf[0:16])
	if err != nil {
		return nil, err
	}
	uniqueGUID, err := uuid.FromBytes(buf[16:32])
	if err != nil {
		return nil, err
	}
	e := &Entry{
		TypeGUID:   typeGUID,
		UniqueGUID: uniqueGUID,
		FirstLBA:   binary.LittleEndian.Uint64(buf[32:40]),
		LastLBA:    binary.LittleEndian.Uint64(buf[40:48]),
		Attributes: binary.LittleEndian.Uint64(buf[48:56]),
	}
	var units []uint16
	for i := 0; i < nameUnits; i++ {
		u := binary.LittleEndian.Uint16(buf[56+i*2 : 58+i*2])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	e.Name = string(utf16.Decode(units))
	return e, nil
}

func readTable(m mmap.MMap, hdr header) (*Table, error) {
	start := hdr.entriesLBA * SectorSize
	span := uint64(hdr.numEntries) * uint64(hdr.entrySize)
	if start+span > uint64(len(m)) {
		return nil, fmt.Errorf("GPT entry array out of range")
	}
	raw := m[start : start+span]
	if crc32.ChecksumIEEE(raw) != hdr.entriesCRC {
		return nil, fmt.Errorf("GPT partition entry array CRC mismatch")
	}
	t := &Table{}
	for i := uint32(0); i < hdr.numEntries; i++ {
		buf := raw[uint64(i)*uint64(hdr.entrySize) : uint64(i+1)*uint64(hdr.entrySize)]
		if isZero(buf[0:16]) {
			continue
		}
		e, err := unmarshalEntry(buf)
		if err != nil {
			return nil, err
		}
		t.Entries = append(t.Entries, e)
	}
	return t, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
