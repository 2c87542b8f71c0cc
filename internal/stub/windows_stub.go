//go:build windows

package stub

import "os"

// SetWriteable is a no-op stand-in on platforms with no sysfs and no
// real Tegra boot devices to toggle.
func SetWriteable(devicePath string, writable bool) (wasWriteable bool, err error) {
	return false, nil
}

// ReReadPartitionTable is a no-op stand-in; BLKRRPART has no analog here.
func ReReadPartitionTable(f *os.File) error {
	return nil
}
