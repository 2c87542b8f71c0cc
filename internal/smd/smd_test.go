package smd_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"tegraupdate/internal/device"
	"tegraupdate/internal/gpt"
	"tegraupdate/internal/smd"
)

func makeDeviceWithSMDPartition(t *testing.T) (*device.Handle, *gpt.Context) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boot0")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(1 << 20); err != nil {
		t.Fatal(err)
	}
	f.Close()

	dev, err := device.Open(path, true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })

	table := &gpt.Table{Entries: []*gpt.Entry{
		{Name: "SMD", TypeGUID: uuid.New(), UniqueGUID: uuid.New(), FirstLBA: 34, LastLBA: 34 + 63},
	}}
	ctx := gpt.Open(path)
	if err := ctx.LoadFromConfig(table); err != nil {
		t.Fatal(err)
	}
	return dev, ctx
}

func TestNewSetMarkUpdateLoadRoundTrip(t *testing.T) {
	dev, gptCtx := makeDeviceWithSMDPartition(t)

	ctx := smd.New(smd.RedundancyDegraded)
	if ctx.RedundancyLevel() != smd.RedundancyDegraded {
		t.Fatalf("expected degraded redundancy initially")
	}
	ctx.SetRedundancyLevel(smd.RedundancyFull)
	if err := ctx.MarkActive(1); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	if err := ctx.Update(gptCtx, dev, true); err != nil {
		t.Fatalf("Update: %v", err)
	}

	loaded, err := smd.Load(gptCtx, dev)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.RedundancyLevel() != smd.RedundancyFull {
		t.Errorf("RedundancyLevel = %v, want full", loaded.RedundancyLevel())
	}
	if loaded.GetCurrentSlot() != 1 {
		t.Errorf("GetCurrentSlot = %d, want 1", loaded.GetCurrentSlot())
	}
}

func TestMarkActiveRejectsBadSlot(t *testing.T) {
	ctx := smd.New(smd.RedundancyFull)
	if err := ctx.MarkActive(2); err == nil {
		t.Fatalf("expected error for invalid slot")
	}
}

func TestLoadMissingPartition(t *testing.T) {
	dev, _ := makeDeviceWithSMDPartition(t)
	emptyTable := &gpt.Table{}
	ctx := gpt.Open("unused")
	if err := ctx.LoadFromConfig(emptyTable); err != nil {
		t.Fatal(err)
	}
	if _, err := smd.Load(ctx, dev); err == nil {
		t.Fatalf("expected error when SMD partition absent")
	}
}
