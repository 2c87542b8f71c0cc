package orchestrator

import (
	"fmt"

	"tegraupdate/internal/bup"
	"tegraupdate/internal/gpt"
	"tegraupdate/internal/plan"
	"tegraupdate/internal/soc"
	"tegraupdate/internal/ver"
)

// RunVersionGate implements : executed before the plan runs,
// only on T210, only if a VER entry is present in p.Redundant. An absent
// VER entry means this is not a boot-chain update, so the gate allows
// unconditionally without reading anything.
func RunVersionGate(bupCtx *bup.Context, p *plan.Plan, gptCtx *gpt.Context, devices *Devices, medium soc.Medium, force bool) (allow bool, reason string, err error) {
	verEntry := findEntryByName(p.Redundant, "VER")
	if verEntry == nil {
		return true, "", nil
	}

	if err := bupCtx.SetPos(verEntry.BUPOffset); err != nil {
		return false, "", wrap(ErrKindIO, fmt.Errorf("seeking BUP to VER: %w", err))
	}
	bupBuf := make([]byte, verEntry.Length)
	if err := readFullFromBUP(bupCtx, bupBuf); err != nil {
		return false, "", wrap(ErrKindIO, fmt.Errorf("reading VER from BUP: %w", err))
	}
	bupVer, err := ver.ExtractInfo(bupBuf)
	if err != nil {
		return false, "", wrap(ErrKindVersionGate, fmt.Errorf("parsing BUP's VER payload: %w", err))
	}

	spi := medium.Kind == soc.SPI
	otherVERName := soc.NameOfOtherCopy(soc.T210, spi, "VER")
	primary := readVERFromDevice(gptCtx, devices, "VER")
	other := readVERFromDevice(gptCtx, devices, otherVERName)

	nvcName := soc.NameOfOtherCopy(soc.T210, spi, "NVC")
	nvcPrimary := readPartitionRaw(gptCtx, devices, "NVC")
	nvcOther := readPartitionRaw(gptCtx, devices, nvcName)
	nvcMatch := ver.NVCPartitionsMatch(nvcPrimary, nvcOther)

	allow, reason = ver.Decide(primary, other, bupVer.BSPVersion, nvcMatch, force)
	return allow, reason, nil
}

func findEntryByName(entries []*plan.Entry, name string) *plan.Entry {
	for _, e := range entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// readVERFromDevice reads and parses a VER partition off the live boot
// device. A missing partition or a parse failure is recorded as zeroed/
// invalid rather than propagated, matching "a parse failure
// is recorded as zeroed (invalid), not fatal yet".
func readVERFromDevice(gptCtx *gpt.Context, devices *Devices, name string) ver.Info {
	buf := readPartitionRaw(gptCtx, devices, name)
	if buf == nil {
		return ver.Info{}
	}
	info, err := ver.ExtractInfo(buf)
	if err != nil {
		return ver.Info{}
	}
	return info
}

func readPartitionRaw(gptCtx *gpt.Context, devices *Devices, name string) []byte {
	entry := gptCtx.FindByName(name)
	if entry == nil {
		return nil
	}
	dev, offset, err := devices.Resolve(entry.FirstLBA)
	if err != nil {
		return nil
	}
	buf := make([]byte, entry.SizeBytes())
	if err := dev.ReadAt(buf, len(buf), offset); err != nil {
		return nil
	}
	return buf
}
