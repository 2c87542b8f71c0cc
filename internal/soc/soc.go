// Package soc identifies the Tegra SoC family and boot medium a BUP is
// being applied to, and holds the handful of pure, family-dependent facts
// (redundant-copy naming, block/page geometry) that the rest of the
// orchestrator dispatches on.
package soc

import (
	"fmt"
	"os"
	"strings"
)

// Family is the SoC generation. It selects the redundancy scheme, the
// BCT writer variant, the naming convention for a redundant partition's
// "other" copy, and whether slot metadata (SMD) applies at all.
type Family int

const (
	Invalid Family = iota
	T210
	T186
	T194
)

func (f Family) String() string {
	switch f {
	case T210:
		return "t210"
	case T186:
		return "t186"
	case T194:
		return "t194"
	default:
		return "invalid"
	}
}

// HasSlotMetadata reports whether this family commits updates through an
// SMD (A/B slot) mechanism. Only false for T210.
func (f Family) HasSlotMetadata() bool {
	return f == T186 || f == T194
}

// MediumKind is the physical boot medium.
type MediumKind int

const (
	MediumUnknown MediumKind = iota
	EMMC
	SPI
)

func (k MediumKind) String() string {
	if k == SPI {
		return "spi-flash"
	}
	return "emmc"
}

// Medium carries the geometry facts that depend on the physical boot
// medium: block size, page size, BCT copies-per-block on T210, and
// whether a second ("GPT") device exists alongside the boot device.
type Medium struct {
	Kind MediumKind
}

// BlockSize is the erase-block size: 16 KiB on eMMC, 32 KiB on SPI flash.
func (m Medium) BlockSize() int {
	if m.Kind == SPI {
		return 32768
	}
	return 16384
}

// PageSize is the native write-page size: 512 B on eMMC, 2 KiB on SPI flash.
func (m Medium) PageSize() int {
	if m.Kind == SPI {
		return 2048
	}
	return 512
}

// BCTCopiesPerBlock is the number of BCT copies packed into a single
// block on T210: 1 on eMMC, 2 on SPI (which also duplicates at offset 0).
func (m Medium) BCTCopiesPerBlock() int {
	if m.Kind == SPI {
		return 2
	}
	return 1
}

// HasGPTDevice reports whether the boot medium exposes a second,
// logically-concatenated block device (only true for eMMC, where
// /dev/mmcblk0boot1 holds the tail of the GPT-addressed space).
func (m Medium) HasGPTDevice() bool {
	return m.Kind == EMMC
}

// DetectMedium classifies a boot device path the way the original tool
// does: by a fixed 8-byte prefix. Any other prefix is a fatal
// configuration error.
func DetectMedium(bootDevicePath string) (Medium, error) {
	switch {
	case len(bootDevicePath) >= 8 && bootDevicePath[:8] == "/dev/mtd":
		return Medium{Kind: SPI}, nil
	case len(bootDevicePath) >= 8 && bootDevicePath[:8] == "/dev/mmc":
		return Medium{Kind: EMMC}, nil
	default:
		return Medium{}, fmt.Errorf("unrecognized boot device: %s", bootDevicePath)
	}
}

// compatiblePaths are the device-tree nodes the kernel exposes the
// board's compatible string under. Real SoC identification on Tegra is
// normally done by reading board EEPROM (out of scope here );
// the device-tree compatible string is the standard Linux-idiomatic
// stand-in and carries the same three-way answer.
var compatiblePaths = []string{
	"/proc/device-tree/compatible",
	"/sys/firmware/devicetree/base/compatible",
}

// Detect returns the SoC family by inspecting the running kernel's
// device-tree "compatible" property. Returns Invalid with an error if no
// known Tegra string is present.
func Detect() (Family, error) {
	for _, p := range compatiblePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		f := detectFromCompatible(data)
		if f == Invalid {
			return Invalid, fmt.Errorf("could not determine SoC type: no known Tegra family in %s", p)
		}
		return f, nil
	}
	return Invalid, fmt.Errorf("could not determine SoC type: no device-tree compatible property found")
}

// detectFromCompatible parses a NUL-separated compatible-string blob, as
// exposed by the kernel, and picks the most specific Tegra family named.
func detectFromCompatible(data []byte) Family {
	for _, tok := range strings.Split(string(data), "\x00") {
		switch {
		case strings.Contains(tok, "tegra194"):
			return T194
		case strings.Contains(tok, "tegra186"):
			return T186
		case strings.Contains(tok, "tegra210"):
			return T210
		}
	}
	return Invalid
}

// NameOfOtherCopy computes the name of the redundant "other copy" for a
// given base partition name, naming function.
func NameOfOtherCopy(f Family, spi bool, name string) string {
	if f != T210 {
		return name + "_b"
	}
	switch name {
	case "NVC":
		if spi {
			return name + "_R"
		}
		return name + "-1"
	case "VER":
		return name + "_b"
	default:
		return name + "-1"
	}
}
