// Package bct implements the BCT (Boot Configuration Table) writer: the
// abort-safe multi-copy update sequence, split into the T186/T194
// three-write variant and the T210 "which" state machine variant, plus
// a platform validation rule.
//
// Grounded on original_source's update_bct, update_bct_t210, and the
// bct_update_valid_t18x/t19x/t21x calls it makes into an (unretrieved,
// vendor-internal) BCT validation library. BCT binary validation is an
// out-of-scope external collaborator, so ValidateUpdate here is a
// concrete, conservative stand-in rather than a port of that library.
package bct

import (
	"bytes"
	"fmt"

	"tegraupdate/internal/device"
	"tegraupdate/internal/soc"
)

// ValidateUpdate is the platform-specific well-formedness check
// (`validate_update(current, new, soc, medium) → bool`). The real check
// parses both BCTs' internal
// structure and compares boot-chain-relevant fields; that structure is
// vendor-private and out of scope here, so this implementation checks
// only what the orchestrator can verify without it: the new BCT is
// non-empty, not all-zero, and no larger than the current copy it
// would replace. current may be nil when initializing, in which case
// there is nothing yet to validate against.
func ValidateUpdate(current, newBCT []byte, family soc.Family, medium soc.Medium) bool {
	if len(newBCT) == 0 {
		return false
	}
	if allZero(newBCT) {
		return false
	}
	if current == nil {
		return true
	}
	return len(newBCT) <= len(current)
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// WriteT186T194 performs the three-write abort-safe BCT update
// (original_source's update_bct). baseOffset is the absolute offset of
// the BCT partition's first LBA on dev. current is the BCT partition's
// present contents (nil when initializing, skipping validation and the
// per-offset skip-if-equal comparison). newBCT is the new BCT content,
// exactly payloadLength bytes.
//
// Returns whether any write actually occurred (original_source's
// bct_updated flag is the caller's responsibility to track across
// calls; this reports it per call instead).
func WriteT186T194(dev *device.Handle, zero []byte, baseOffset int64, payloadLength int, medium soc.Medium, current, newBCT []byte) (updated bool, err error) {
	if len(newBCT) < payloadLength {
		return false, fmt.Errorf("bct: new BCT content shorter than payload length")
	}
	if current != nil && !ValidateUpdate(current, newBCT[:payloadLength], soc.T186, medium) {
		return false, fmt.Errorf("bct: validation check failed for BCT update")
	}

	blockSize := medium.BlockSize()
	slotSize := int(alignTo(uint64(payloadLength), uint64(medium.PageSize())))

	offsets := [3]int{slotSize, blockSize, 0}
	for _, off := range offsets {
		if current != nil && off+payloadLength <= len(current) && bytes.Equal(newBCT[:payloadLength], current[off:off+payloadLength]) {
			continue
		}
		if err := dev.WriteAt(newBCT, payloadLength, baseOffset+int64(off), slotSize, zero); err != nil {
			return updated, fmt.Errorf("bct: writing BCT at offset %d: %w", off, err)
		}
		updated = true
	}
	if err := dev.Sync(); err != nil {
		return updated, err
	}
	return updated, nil
}

// Which is the 3-state machine original_source threads through three
// calls to update_bct_t210 for a single BCT entry.
type Which int

const (
	// WriteLast is the state before the first call: only the highest-
	// numbered copy is written.
	WriteLast Which = iota
	// WriteMiddle writes every copy strictly between the last and the
	// first.
	WriteMiddle
	// WriteFirst writes copy 0 (and, on SPI, the duplicate at
	// +payloadLength within block 0).
	WriteFirst
)

// T210State is the caller-owned BCT update context for a T210 BCT
// entry, initialized fresh before the first of the three calls that
// process that entry.
type T210State struct {
	next Which
}

// NewT210State returns a context primed to write the last copy first,
// matching original_source's "caller must initialize which to -1
// before the first call".
func NewT210State() *T210State {
	return &T210State{next: WriteLast}
}

// Write executes one phase of the T210 BCT update (original_source's
// update_bct_t210) and advances the state to the next phase. baseOffset
// is the BCT partition's first-LBA absolute offset; partitionSize is
// its full extent in bytes.
func (s *T210State) Write(dev *device.Handle, zero []byte, baseOffset, partitionSize int64, payloadLength int, medium soc.Medium, current, newBCT []byte) (updated bool, err error) {
	if len(newBCT) < payloadLength {
		return false, fmt.Errorf("bct: new BCT content shorter than payload length")
	}
	blockSize := medium.BlockSize()
	pageSize := medium.PageSize()
	bctCopies := medium.BCTCopiesPerBlock()

	if current != nil && !ValidateUpdate(current, newBCT[:payloadLength], soc.T210, medium) {
		return false, fmt.Errorf("bct: validation check failed for BCT update")
	}
	if payloadLength%pageSize != 0 {
		return false, fmt.Errorf("bct: update payload not an even multiple of boot device page size")
	}
	if payloadLength*bctCopies > blockSize {
		return false, fmt.Errorf("bct: %d BCT payload(s) too large for boot device block size", bctCopies)
	}

	copiesUsed := int(partitionSize / int64(blockSize))
	if copiesUsed > 64 {
		copiesUsed = 64
	}
	if copiesUsed < 1 {
		return false, fmt.Errorf("bct: partition too small to hold any BCT copy")
	}

	var start, end int
	switch s.next {
	case WriteLast:
		start, end = copiesUsed-1, copiesUsed-1
		s.next = WriteMiddle
	case WriteMiddle:
		start, end = copiesUsed-2, 1
		s.next = WriteFirst
	case WriteFirst:
		start, end = 0, 0
		s.next = WriteLast
	}

	for idx := start; idx >= end; idx-- {
		off := int64(idx) * int64(blockSize)
		if current != nil && off+int64(payloadLength) <= int64(len(current)) &&
			bytes.Equal(newBCT[:payloadLength], current[off:off+int64(payloadLength)]) {
			continue
		}
		if err := dev.WriteAt(newBCT, payloadLength, baseOffset+off, payloadLength, zero); err != nil {
			return updated, fmt.Errorf("bct: writing BCT copy %d: %w", idx, err)
		}
		updated = true
		if idx == 0 && bctCopies == 2 {
			off2 := off + int64(payloadLength)
			if err := dev.WriteAt(newBCT, payloadLength, baseOffset+off2, payloadLength, zero); err != nil {
				return updated, fmt.Errorf("bct: writing duplicate BCT copy at block 0: %w", err)
			}
			updated = true
		}
	}
	if err := dev.Sync(); err != nil {
		return updated, err
	}
	return updated, nil
}

// alignTo rounds v up to the next multiple of a.
func alignTo(v, a uint64) uint64 {
	return (v + a - 1) / a * a
}
