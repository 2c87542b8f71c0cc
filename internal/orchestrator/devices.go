package orchestrator

import "tegraupdate/internal/device"

// Devices holds the boot device and, when the medium exposes one, the
// second "GPT device" whose address space is logically concatenated after
// the boot device's.
type Devices struct {
	Boot   *device.Handle
	GPTDev *device.Handle // nil when the medium has no secondary device

	bootSize int64
}

// OpenDevices opens the boot device and, if gptPath is non-empty, the GPT
// device, both with the same writability.
func OpenDevices(bootPath, gptPath string, writable bool) (*Devices, error) {
	boot, err := device.Open(bootPath, writable)
	if err != nil {
		return nil, wrap(ErrKindIO, err)
	}
	size, err := boot.Size()
	if err != nil {
		boot.Close()
		return nil, wrap(ErrKindIO, err)
	}
	d := &Devices{Boot: boot, bootSize: size}
	if gptPath != "" {
		gptDev, err := device.Open(gptPath, writable)
		if err != nil {
			boot.Close()
			return nil, wrap(ErrKindIO, err)
		}
		d.GPTDev = gptDev
	}
	return d, nil
}

// Resolve maps a GPT first-LBA to the device handle and absolute byte
// offset that actually backs it, retargeting to the GPT device when the
// address falls past the boot device's end.
func (d *Devices) Resolve(firstLBA uint64) (*device.Handle, int64, error) {
	abs := int64(firstLBA) * 512
	if abs < d.bootSize {
		return d.Boot, abs, nil
	}
	if d.GPTDev == nil {
		return nil, 0, wrapf(ErrKindConfig, "target at LBA %d is past the end of the boot device and no GPT device is configured", firstLBA)
	}
	return d.GPTDev, abs - d.bootSize, nil
}

// Sync flushes every open device handle.
func (d *Devices) Sync() error {
	if err := d.Boot.Sync(); err != nil {
		return err
	}
	if d.GPTDev != nil {
		return d.GPTDev.Sync()
	}
	return nil
}

// Close releases both device handles, returning the first error seen.
func (d *Devices) Close() error {
	var firstErr error
	if err := d.Boot.Close(); err != nil {
		firstErr = err
	}
	if d.GPTDev != nil {
		if err := d.GPTDev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
