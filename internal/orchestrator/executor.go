// Package orchestrator implements the task executor (C6), commit (C7),
// repartition probe (C8), and version-gate dispatch (C4) that together
// drive the plan built by internal/plan to completion, following
// original_source's main() processing loop and its maybe_update_bootpart/
// process_entry helpers.
package orchestrator

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"tegraupdate/internal/bct"
	"tegraupdate/internal/bup"
	"tegraupdate/internal/device"
	"tegraupdate/internal/plan"
	"tegraupdate/internal/soc"
)

// Executor walks an ordered plan and carries out each entry's write,
// delegating BCT entries to internal/bct.
type Executor struct {
	BUP     *bup.Context
	Devices *Devices
	Family  soc.Family
	Medium  soc.Medium
	DryRun  bool
	Buffers *Buffers

	// Initialize marks a full initialize pass rather than an update. BCT
	// writes use it to decide whether the on-device current buffer is
	// passed to the write path at all: T210's initialize flag is
	// unconditionally set in original_source's main(), so a T210 BCT
	// write must never see a non-nil current buffer even when the CLI
	// requested an update (slot-suffix) run.
	Initialize bool
}

// Run processes p.Redundant in family-appropriate order, then — in update
// mode, if the BCT update actually wrote anything — the saved mb1_other
// coupling, then p.NonRedundant in input order (initialize
// mode only, since update mode never populates it).
func (x *Executor) Run(p *plan.Plan, updateMode bool) error {
	ordered, err := x.orderedRedundant(p)
	if err != nil {
		return wrap(ErrKindPlan, err)
	}

	var bctUpdated bool
	var t210BCT *bct.T210State
	if x.Family == soc.T210 {
		t210BCT = bct.NewT210State()
	}

	for _, e := range ordered {
		if err := x.processEntry(e, &bctUpdated, t210BCT); err != nil {
			return err
		}
	}

	if updateMode && bctUpdated {
		if p.MB1Other == nil {
			return wrapf(ErrKindInternal, "BCT update requires writing the other mb1 copy but plan building saved none")
		}
		if err := x.processEntry(p.MB1Other, nil, nil); err != nil {
			return err
		}
	}

	for _, e := range p.NonRedundant {
		if err := x.processEntry(e, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// bctInitialize reports whether a BCT write must treat the current
// on-device buffer as nonexistent. T210 forces this unconditionally,
// matching original_source's main() incrementing its initialize flag
// for T210 regardless of the CLI's update/slot-suffix request.
func (x *Executor) bctInitialize() bool {
	return x.Initialize || x.Family == soc.T210
}

func (x *Executor) orderedRedundant(p *plan.Plan) ([]*plan.Entry, error) {
	if x.Family == soc.T210 {
		return plan.OrderT210(p.Redundant, x.Medium)
	}
	return plan.OrderT186T194(p.Redundant), nil
}

func (x *Executor) processEntry(e *plan.Entry, bctUpdated *bool, t210BCT *bct.T210State) error {
	n := int(e.Length)
	if n > len(x.Buffers.Content) {
		return wrapf(ErrKindInternal, "entry %s payload of %d bytes exceeds the %d-byte content buffer", e.Name, n, len(x.Buffers.Content))
	}
	if err := x.BUP.SetPos(e.BUPOffset); err != nil {
		return wrap(ErrKindIO, fmt.Errorf("seeking BUP to %s: %w", e.Name, err))
	}
	if err := readFullFromBUP(x.BUP, x.Buffers.Content[:n]); err != nil {
		return wrap(ErrKindIO, fmt.Errorf("reading %s from BUP: %w", e.Name, err))
	}

	if x.DryRun {
		fmt.Printf("[skip] %s (%s, dry run)\n", e.Name, humanize.Bytes(uint64(n)))
		return nil
	}

	if e.Target.IsExternal() {
		return x.writeExternal(e, n)
	}
	return x.writeGPTTarget(e, n, bctUpdated, t210BCT)
}

func readFullFromBUP(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func (x *Executor) writeGPTTarget(e *plan.Entry, n int, bctUpdated *bool, t210BCT *bct.T210State) error {
	dev, offset, err := x.Devices.Resolve(e.Target.Partition.FirstLBA)
	if err != nil {
		return err
	}
	size := int(e.Target.Partition.SizeBytes())
	if n > size {
		return wrapf(ErrKindPlan, "%s payload of %d bytes exceeds its %d-byte target", e.Name, n, size)
	}
	slotBuf := x.Buffers.Slot[:size]
	if err := dev.ReadAt(slotBuf, size, offset); err != nil {
		return wrap(ErrKindIO, fmt.Errorf("reading current %s contents: %w", e.Name, err))
	}

	if e.Name == "BCT" {
		var current []byte
		if !x.bctInitialize() {
			current = slotBuf
		}
		var updated bool
		var err error
		if x.Family == soc.T210 {
			updated, err = t210BCT.Write(dev, x.Buffers.Zero, offset, int64(size), n, x.Medium, current, x.Buffers.Content)
		} else {
			updated, err = bct.WriteT186T194(dev, x.Buffers.Zero, offset, n, x.Medium, current, x.Buffers.Content)
		}
		if err != nil {
			fmt.Printf("[FAIL] %s\n", e.Name)
			return classifyBCTError(err)
		}
		if updated {
			if bctUpdated != nil {
				*bctUpdated = true
			}
			fmt.Printf("[OK] %s\n", e.Name)
		} else {
			fmt.Printf("[no update needed] %s\n", e.Name)
		}
		return nil
	}

	if bytes.Equal(x.Buffers.Content[:n], slotBuf[:n]) {
		fmt.Printf("[no update needed] %s\n", e.Name)
		return nil
	}
	if err := dev.WriteAt(x.Buffers.Content, n, offset, size, x.Buffers.Zero[:size]); err != nil {
		fmt.Printf("[FAIL] %s\n", e.Name)
		return wrap(ErrKindIO, fmt.Errorf("writing %s: %w", e.Name, err))
	}
	fmt.Printf("[OK] %s (%s)\n", e.Name, humanize.Bytes(uint64(n)))
	return nil
}

// classifyBCTError reports a failed BCT update as a validation error if
// it came from ValidateUpdate, and as I/O otherwise.
func classifyBCTError(err error) error {
	if err == nil {
		return nil
	}
	// bct.WriteT186T194/T210State.Write report validation failures with a
	// distinct message prefix; everything else from those functions is an
	// I/O or invariant failure already wrapped with its own context.
	msg := err.Error()
	const validationPrefix = "bct: validation check failed"
	if len(msg) >= len(validationPrefix) && msg[:len(validationPrefix)] == validationPrefix {
		return wrap(ErrKindValidation, err)
	}
	return wrap(ErrKindIO, err)
}

func (x *Executor) writeExternal(e *plan.Entry, n int) error {
	dh, err := device.Open(e.Target.DevicePath, true)
	if err != nil {
		return wrap(ErrKindIO, err)
	}
	defer dh.Close()

	size, err := dh.Size()
	if err != nil {
		return wrap(ErrKindIO, err)
	}
	if n > int(size) {
		return wrapf(ErrKindPlan, "%s payload of %d bytes exceeds external device %s of %d bytes", e.Name, n, e.Target.DevicePath, size)
	}
	zero := x.Buffers.Zero
	if int(size) > len(zero) {
		zero = make([]byte, size)
	}
	if err := dh.WriteAt(x.Buffers.Content, n, 0, int(size), zero[:size]); err != nil {
		fmt.Printf("[FAIL] %s\n", e.Name)
		return wrap(ErrKindIO, err)
	}
	fmt.Printf("[OK] %s (%s)\n", e.Name, humanize.Bytes(uint64(n)))
	return nil
}
