// Package smd implements the SMD (Slot Metadata) contract: which A/B
// slot the boot ROM tries first, and the redundancy level that must be
// upgraded to FULL before a commit. SMD binary encoding is an
// out-of-scope external collaborator, described only by its operations
// (new/load/redundancy_level/set_redundancy_level/get_current_slot/
// mark_active/update/close); this is a concrete implementation of that
// contract so the module is runnable, grounded on the same
// positioned-read/CRC idiom as internal/gpt and internal/ver.
package smd

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"tegraupdate/internal/device"
	"tegraupdate/internal/gpt"
)

// partitionName is the well-known GPT entry holding slot metadata.
const partitionName = "SMD"

const (
	magic        = "TSMD"
	formatVer    = 1
	recordLength = 4 + 4 + 1 + 1 + 4 // magic + version + level + slot + crc
)

// RedundancyLevel tracks whether both A/B slots are maintained in
// lockstep (FULL) or only the active one (original_source's
// REDUNDANCY_FULL vs. a lesser bootstrap level).
type RedundancyLevel byte

const (
	RedundancyDegraded RedundancyLevel = iota
	RedundancyFull
)

func (l RedundancyLevel) String() string {
	if l == RedundancyFull {
		return "full"
	}
	return "degraded"
}

// Context is an open SMD handle (original_source's smd_context_t).
type Context struct {
	redundancyLevel RedundancyLevel
	currentSlot     int
}

// New creates a fresh in-memory SMD context at the given redundancy
// level, used when initializing a device with no prior slot metadata
// (original_source's smd_new). The caller must still call Update to
// persist it.
func New(level RedundancyLevel) *Context {
	return &Context{redundancyLevel: level, currentSlot: 0}
}

// Load reads the current SMD partition off the boot device
// (original_source's smd_init), locating it by name in gptCtx.
func Load(gptCtx *gpt.Context, dev *device.Handle) (*Context, error) {
	entry := gptCtx.FindByName(partitionName)
	if entry == nil {
		return nil, fmt.Errorf("smd: no %s partition in boot device GPT", partitionName)
	}
	buf := make([]byte, recordLength)
	if err := dev.ReadAt(buf, recordLength, int64(entry.FirstLBA)*512); err != nil {
		return nil, fmt.Errorf("smd: reading slot metadata: %w", err)
	}
	return decode(buf)
}

func decode(buf []byte) (*Context, error) {
	if string(buf[:4]) != magic {
		return nil, fmt.Errorf("smd: bad magic in slot metadata")
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != formatVer {
		return nil, fmt.Errorf("smd: unsupported slot metadata version %d", version)
	}
	level := RedundancyLevel(buf[8])
	slot := int(buf[9])
	wantCRC := binary.LittleEndian.Uint32(buf[10:14])
	gotCRC := crc32.ChecksumIEEE(buf[:10])
	if gotCRC != wantCRC {
		return nil, fmt.Errorf("smd: slot metadata CRC mismatch")
	}
	if slot != 0 && slot != 1 {
		return nil, fmt.Errorf("smd: invalid current slot %d", slot)
	}
	return &Context{redundancyLevel: level, currentSlot: slot}, nil
}

func (c *Context) encode() []byte {
	buf := make([]byte, recordLength)
	copy(buf[:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], formatVer)
	buf[8] = byte(c.redundancyLevel)
	buf[9] = byte(c.currentSlot)
	crc := crc32.ChecksumIEEE(buf[:10])
	binary.LittleEndian.PutUint32(buf[10:14], crc)
	return buf
}

// RedundancyLevel reports the current redundancy level.
func (c *Context) RedundancyLevel() RedundancyLevel { return c.redundancyLevel }

// SetRedundancyLevel changes the in-memory redundancy level; callers
// must still call Update to persist it.
func (c *Context) SetRedundancyLevel(level RedundancyLevel) {
	c.redundancyLevel = level
}

// GetCurrentSlot returns which slot (0 or 1) the boot ROM will try
// first.
func (c *Context) GetCurrentSlot() int { return c.currentSlot }

// MarkActive sets which slot will be tried first on next boot
// (original_source's smd_slot_mark_active). Does not persist; call
// Update afterward.
func (c *Context) MarkActive(slot int) error {
	if slot != 0 && slot != 1 {
		return fmt.Errorf("smd: invalid slot %d", slot)
	}
	c.currentSlot = slot
	return nil
}

// Update persists the in-memory SMD state to the boot device's SMD
// partition (original_source's smd_update). initialize is accepted to
// match that call's shape; this implementation writes the record the
// same way whether or not it is set, so a partition that previously
// failed to decode is overwritten in both cases.
func (c *Context) Update(gptCtx *gpt.Context, dev *device.Handle, initialize bool) error {
	entry := gptCtx.FindByName(partitionName)
	if entry == nil {
		return fmt.Errorf("smd: no %s partition in boot device GPT", partitionName)
	}
	partSize := (entry.LastLBA - entry.FirstLBA + 1) * 512
	if partSize < recordLength {
		return fmt.Errorf("smd: %s partition too small for slot metadata", partitionName)
	}
	buf := c.encode()
	zero := make([]byte, recordLength)
	return dev.WriteAt(buf, recordLength, int64(entry.FirstLBA)*512, len(zero), zero)
}

// Close releases any resources held by the context. The concrete
// implementation holds none; kept for symmetry with bup.Context and
// gpt.Context's Close, and so callers can defer it unconditionally
// teardown rule.
func (c *Context) Close() error { return nil }
