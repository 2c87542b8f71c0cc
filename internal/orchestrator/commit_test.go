package orchestrator

import (
	"testing"

	"github.com/google/uuid"

	"tegraupdate/internal/gpt"
	"tegraupdate/internal/smd"
)

func makeSMDDevice(t *testing.T) (*Devices, *gpt.Context) {
	t.Helper()
	dev, path := makeBootDevice(t, 1<<20)
	table := &gpt.Table{Entries: []*gpt.Entry{
		{Name: "SMD", TypeGUID: uuid.New(), UniqueGUID: uuid.New(), FirstLBA: 34, LastLBA: 34 + 63},
	}}
	gptCtx := gpt.Open(path)
	if err := gptCtx.LoadFromConfig(table); err != nil {
		t.Fatal(err)
	}
	return &Devices{Boot: dev, bootSize: 1 << 20}, gptCtx
}

func TestCommitInitializeSelectsSlotZero(t *testing.T) {
	devices, gptCtx := makeSMDDevice(t)
	smdCtx := smd.New(smd.RedundancyDegraded)

	if err := Commit(gptCtx, devices.Boot, smdCtx, true, false, false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	loaded, err := smd.Load(gptCtx, devices.Boot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.GetCurrentSlot() != 0 {
		t.Errorf("slot = %d, want 0 on initialize", loaded.GetCurrentSlot())
	}
	if loaded.RedundancyLevel() != smd.RedundancyFull {
		t.Errorf("redundancy level not upgraded to full")
	}
}

func TestCommitUpdateFlipsSlot(t *testing.T) {
	devices, gptCtx := makeSMDDevice(t)
	smdCtx := smd.New(smd.RedundancyFull)
	if err := smdCtx.MarkActive(0); err != nil {
		t.Fatal(err)
	}
	if err := smdCtx.Update(gptCtx, devices.Boot, true); err != nil {
		t.Fatal(err)
	}

	reloaded, err := smd.Load(gptCtx, devices.Boot)
	if err != nil {
		t.Fatal(err)
	}
	if err := Commit(gptCtx, devices.Boot, reloaded, false, false, false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	loaded, err := smd.Load(gptCtx, devices.Boot)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.GetCurrentSlot() != 1 {
		t.Errorf("slot = %d, want 1 after flipping from 0", loaded.GetCurrentSlot())
	}
}

func TestCommitExplicitSlotSuppressesSMDMutation(t *testing.T) {
	devices, gptCtx := makeSMDDevice(t)
	smdCtx := smd.New(smd.RedundancyFull)
	if err := smdCtx.MarkActive(0); err != nil {
		t.Fatal(err)
	}
	if err := smdCtx.Update(gptCtx, devices.Boot, true); err != nil {
		t.Fatal(err)
	}

	reloaded, err := smd.Load(gptCtx, devices.Boot)
	if err != nil {
		t.Fatal(err)
	}
	if err := Commit(gptCtx, devices.Boot, reloaded, false, true, false); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	loaded, err := smd.Load(gptCtx, devices.Boot)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.GetCurrentSlot() != 0 {
		t.Errorf("explicit slot request must not mutate SMD, slot changed to %d", loaded.GetCurrentSlot())
	}
}

func TestCommitDryRunWritesNothing(t *testing.T) {
	devices, gptCtx := makeSMDDevice(t)
	smdCtx := smd.New(smd.RedundancyFull)
	if err := smdCtx.MarkActive(0); err != nil {
		t.Fatal(err)
	}
	if err := smdCtx.Update(gptCtx, devices.Boot, true); err != nil {
		t.Fatal(err)
	}

	reloaded, err := smd.Load(gptCtx, devices.Boot)
	if err != nil {
		t.Fatal(err)
	}
	if err := Commit(gptCtx, devices.Boot, reloaded, false, false, true); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	loaded, err := smd.Load(gptCtx, devices.Boot)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.GetCurrentSlot() != 0 {
		t.Errorf("dry-run must not persist a slot flip, got %d", loaded.GetCurrentSlot())
	}
}
