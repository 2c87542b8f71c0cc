// Package ver implements the VER/NVC version-partition contract of
// : extracting a packed BSP version + CRC out of a VER
// partition payload, and the NVC byte-identity check the T210 version
// gate uses to detect a torn previous update. Binary layout and field
// packing are not specified by the vendor format; this is a concrete, internally consistent
// implementation so the module is runnable.
package ver

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	magic      = "BVER"
	payloadLen = 4 + 4 + 4 // magic + packed version + crc
)

// Info is the triple the orchestrator compares, never interprets
//.
type Info struct {
	BSPVersion uint32 // packed major<<16 | minor<<8 | maint
	CRC        uint32
	Valid      bool // false when the payload failed to parse or is all-zero
}

// BSPVersionMajor, BSPVersionMinor, and BSPVersionMaint unpack the
// packed BSP version field, mirroring original_source's
// bsp_version_major/minor/maint accessor macros.
func BSPVersionMajor(v uint32) uint32 { return (v >> 16) & 0xff }
func BSPVersionMinor(v uint32) uint32 { return (v >> 8) & 0xff }
func BSPVersionMaint(v uint32) uint32 { return v & 0xff }

// PackBSPVersion builds a packed BSP version from its components, the
// inverse of the accessors above.
func PackBSPVersion(major, minor, maint uint32) uint32 {
	return (major&0xff)<<16 | (minor&0xff)<<8 | (maint & 0xff)
}

// ExtractInfo parses a VER partition payload (original_source's
// ver_extract_info). An all-zero or malformed payload is not fatal on
// its own — callers treat it as "invalid, recoverable if the paired
// copy is valid" — so this returns a zeroed, invalid
// Info rather than an error for a bad magic, and only returns an error
// when the buffer is too short to hold a version record at all.
func ExtractInfo(buf []byte) (Info, error) {
	if len(buf) < payloadLen {
		return Info{}, fmt.Errorf("ver: payload too short (%d bytes, need %d)", len(buf), payloadLen)
	}
	if string(buf[:4]) != magic {
		return Info{}, nil
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	crc := binary.LittleEndian.Uint32(buf[8:12])
	if version == 0 {
		return Info{}, nil
	}
	return Info{BSPVersion: version, CRC: crc, Valid: true}, nil
}

// Decide implements the T210 version-gate decision table
// (original_source's invalid_version_or_downgrade, inverted to an
// allow/reason pair). primary and other are the parsed VER partitions
// ("VER" and its redundant copy); bupVersion is the packed BSP version
// carried by the BUP payload; nvcMatch is NVCPartitionsMatch's result
// for the paired NVC partitions; force is true only when the user
// explicitly passed --initialize at the CLI.
func Decide(primary, other Info, bupVersion uint32, nvcMatch bool, force bool) (allow bool, reason string) {
	switch {
	case primary.Valid && other.Valid && primary.BSPVersion == other.BSPVersion:
		if primary.BSPVersion > bupVersion {
			return false, fmt.Sprintf("current bootloader version is %s; cannot roll back to %s",
				formatVersion(primary.BSPVersion), formatVersion(bupVersion))
		}
		if primary.CRC == other.CRC && !nvcMatch {
			return false, "NVC partition mismatch - reflash required"
		}
		return true, ""

	case !other.Valid && primary.Valid && primary.BSPVersion > bupVersion:
		if force {
			return true, fmt.Sprintf("downgrading bootloader from %s to %s",
				formatVersion(primary.BSPVersion), formatVersion(bupVersion))
		}
		return false, fmt.Sprintf("current bootloader version is %s; cannot downgrade to %s",
			formatVersion(primary.BSPVersion), formatVersion(bupVersion))

	case other.Valid && other.BSPVersion != bupVersion:
		return false, fmt.Sprintf("previous update was incomplete; please update with version %s",
			formatVersion(other.BSPVersion))

	case force:
		return true, "bootloader version partitions were corrupted"

	default:
		return false, "bootloader version partitions are corrupted; cannot apply update"
	}
}

func formatVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", BSPVersionMajor(v), BSPVersionMinor(v), BSPVersionMaint(v))
}

// NVCPartitionsMatch reports whether the primary and redundant NVC
// partition contents are byte-identical, via a CRC32 comparison
// (original_source's nvc_parts_match). Both slices must already hold
// the full partition contents; a nil slice is treated as "NVC
// missing", matching the original's null-pointer check.
func NVCPartitionsMatch(primary, other []byte) bool {
	if primary == nil || other == nil {
		return false
	}
	return crc32.ChecksumIEEE(primary) == crc32.ChecksumIEEE(other)
}
