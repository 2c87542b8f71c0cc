//go:build !windows
// +build !windows

// Package stub isolates the handful of Linux-only syscalls the
// orchestrator needs (write-enable toggling of an eMMC boot partition,
// asking the kernel to re-read a partition table) behind a build-tag'd
// shim.
package stub

import (
	"os"

	"golang.org/x/sys/unix"
)

// SetWriteable toggles the force_ro sysfs attribute for an eMMC boot
// partition device (e.g. /dev/mmcblk0boot0) so that writes are accepted.
// It reports the previous value so the caller can restore it on exit, and
// is a silent no-op (false, nil) for devices that carry no such attribute
// (SPI-flash boot devices, the GPT device on SoCs that share one boot
// device, or any path not backed by a real block device on this host).
func SetWriteable(devicePath string, writable bool) (wasWriteable bool, err error) {
	p := forceROPath(devicePath)
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	wasWriteable = len(data) > 0 && data[0] == '0'
	val := []byte("1\n")
	if writable {
		val = []byte("0\n")
	}
	if err := os.WriteFile(p, val, 0); err != nil {
		return wasWriteable, err
	}
	return wasWriteable, nil
}

func forceROPath(devicePath string) string {
	base := devicePath
	for i := len(devicePath) - 1; i >= 0; i-- {
		if devicePath[i] == '/' {
			base = devicePath[i+1:]
			break
		}
	}
	return "/sys/class/block/" + base + "/force_ro"
}

// ReReadPartitionTable asks the kernel to reload a block device's
// partition table after the GPT module has rewritten it (BLKRRPART),
// used on T186/T194 initialize.
func ReReadPartitionTable(f *os.File) error {
	return unix.IoctlSetInt(int(f.Fd()), unix.BLKRRPART, 0)
}
