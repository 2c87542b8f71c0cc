package orchestrator

import (
	"fmt"

	"tegraupdate/internal/device"
	"tegraupdate/internal/gpt"
	"tegraupdate/internal/smd"
)

// Commit implements (T186/T194 only): upgrade the redundancy
// level to FULL if needed, then flip the active slot and persist the SMD —
// unless an explicit slot was requested, in which case no SMD mutation
// occurs at all.
func Commit(gptCtx *gpt.Context, dev *device.Handle, smdCtx *smd.Context, initialize, explicitSlot, dryRun bool) error {
	if smdCtx.RedundancyLevel() != smd.RedundancyFull {
		if dryRun {
			fmt.Println("[dry-run] slot metadata redundancy level would be upgraded to full")
		} else {
			smdCtx.SetRedundancyLevel(smd.RedundancyFull)
		}
	}

	if explicitSlot {
		return nil
	}

	newSlot := 0
	if !initialize {
		newSlot = 1 - smdCtx.GetCurrentSlot()
	}

	if dryRun {
		fmt.Printf("[dry-run] slot %d would become active\n", newSlot)
		return nil
	}

	if err := smdCtx.MarkActive(newSlot); err != nil {
		return wrap(ErrKindInternal, err)
	}
	if err := smdCtx.Update(gptCtx, dev, initialize); err != nil {
		fmt.Println("[FAIL] slot metadata commit")
		return wrap(ErrKindIO, err)
	}
	fmt.Printf("[OK] slot %d active\n", newSlot)
	return nil
}
