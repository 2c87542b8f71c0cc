package gpt_test

import (
	"os"
	"testing"

	"github.com/google/uuid"

	"tegraupdate/internal/gpt"
)

func makeDevice(t *testing.T, sectors uint64) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "gpt-device-*")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := f.Truncate(int64(sectors * gpt.SectorSize)); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func sampleTable() *gpt.Table {
	return &gpt.Table{Entries: []*gpt.Entry{
		{Name: "BCT", TypeGUID: uuid.New(), UniqueGUID: uuid.New(), FirstLBA: 64, LastLBA: 127},
		{Name: "mb1", TypeGUID: uuid.New(), UniqueGUID: uuid.New(), FirstLBA: 128, LastLBA: 255},
		{Name: "mb1_b", TypeGUID: uuid.New(), UniqueGUID: uuid.New(), FirstLBA: 256, LastLBA: 383},
	}}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := makeDevice(t, 4096)
	ctx := gpt.Open(path)
	want := sampleTable()
	if err := ctx.LoadFromConfig(want); err != nil {
		t.Fatalf("LoadFromConfig: %v", err)
	}
	if err := ctx.Save(gpt.LoadOptions{NvidiaSpecial: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := gpt.Open(path)
	if err := reloaded.Load(gpt.LoadOptions{NvidiaSpecial: true, BackupOnly: true}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := reloaded.FindByName("mb1_b")
	if got == nil {
		t.Fatalf("mb1_b not found after reload")
	}
	if got.FirstLBA != 256 || got.LastLBA != 383 {
		t.Errorf("mb1_b LBA span = [%d,%d], want [256,383]", got.FirstLBA, got.LastLBA)
	}

	match, err := reloaded.CompareLayout(want)
	if err != nil {
		t.Fatalf("CompareLayout: %v", err)
	}
	if !match {
		t.Errorf("CompareLayout = false, want true for identical layout")
	}
}

func TestCompareLayoutMismatch(t *testing.T) {
	path := makeDevice(t, 4096)
	ctx := gpt.Open(path)
	table := sampleTable()
	if err := ctx.LoadFromConfig(table); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Save(gpt.LoadOptions{NvidiaSpecial: true}); err != nil {
		t.Fatal(err)
	}

	reloaded := gpt.Open(path)
	if err := reloaded.Load(gpt.LoadOptions{NvidiaSpecial: true}); err != nil {
		t.Fatal(err)
	}

	other := sampleTable()
	other.Entries[0].LastLBA = 200 // perturb BCT's span
	match, err := reloaded.CompareLayout(other)
	if err != nil {
		t.Fatal(err)
	}
	if match {
		t.Errorf("CompareLayout = true, want false for mismatched layout")
	}
}

func TestFindByNameMissing(t *testing.T) {
	ctx := gpt.Open("/dev/null")
	if err := ctx.LoadFromConfig(sampleTable()); err != nil {
		t.Fatal(err)
	}
	if e := ctx.FindByName("does-not-exist"); e != nil {
		t.Errorf("FindByName(missing) = %+v, want nil", e)
	}
}
