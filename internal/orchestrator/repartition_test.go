package orchestrator

import (
	"path/filepath"
	"testing"

	"tegraupdate/internal/bup"
	"tegraupdate/internal/gpt"
	"tegraupdate/internal/soc"
)

func TestRepartitionProbeT210AlwaysReportsNoCompare(t *testing.T) {
	code, err := RepartitionProbe(nil, "", soc.T210)
	if err != nil {
		t.Fatalf("RepartitionProbe: %v", err)
	}
	if code != 1 {
		t.Errorf("code = %d, want 1 (no GPT to compare on T210)", code)
	}
}

func TestRepartitionProbeMatchingLayout(t *testing.T) {
	_, path := makeBootDevice(t, 2<<20)
	layout := &gpt.Table{Entries: []*gpt.Entry{mkEntry("cboot", 2048, 4095)}}

	gptCtx := gpt.Open(path)
	if err := gptCtx.LoadFromConfig(layout); err != nil {
		t.Fatal(err)
	}
	if err := gptCtx.Save(gpt.LoadOptions{NvidiaSpecial: true}); err != nil {
		t.Fatal(err)
	}

	w := bup.NewWriter("p3450-a1", path, "").WithLayout(layout)
	bupPath := filepath.Join(t.TempDir(), "pkg.bup")
	if err := w.WriteFile(bupPath); err != nil {
		t.Fatal(err)
	}
	bupCtx, err := bup.Open(bupPath)
	if err != nil {
		t.Fatal(err)
	}
	defer bupCtx.Close()

	code, err := RepartitionProbe(bupCtx, path, soc.T186)
	if err != nil {
		t.Fatalf("RepartitionProbe: %v", err)
	}
	if code != 1 {
		t.Errorf("code = %d, want 1 (layout matches, no repartition needed)", code)
	}
}

// TestRepartitionProbeGPTLoadFailureReportsRepartitionNeeded locks in
// the fix for a regression where a gpt.Context.Load failure (missing or
// corrupt on-disk GPT, e.g. first boot) was reported as exit code 2
// ("comparison failed"). original_source silently reinterprets a load
// failure as "repartition needed" instead, reserving exit code 2 for a
// failure inside the comparison itself.
func TestRepartitionProbeGPTLoadFailureReportsRepartitionNeeded(t *testing.T) {
	_, path := makeBootDevice(t, 2<<20) // freshly truncated, no GPT header at all

	layout := &gpt.Table{Entries: []*gpt.Entry{mkEntry("cboot", 2048, 4095)}}
	w := bup.NewWriter("p3450-a1", path, "").WithLayout(layout)
	bupPath := filepath.Join(t.TempDir(), "pkg.bup")
	if err := w.WriteFile(bupPath); err != nil {
		t.Fatal(err)
	}
	bupCtx, err := bup.Open(bupPath)
	if err != nil {
		t.Fatal(err)
	}
	defer bupCtx.Close()

	code, err := RepartitionProbe(bupCtx, path, soc.T186)
	if err != nil {
		t.Fatalf("RepartitionProbe: %v", err)
	}
	if code != 0 {
		t.Errorf("code = %d, want 0 (GPT load failure reinterpreted as repartition needed)", code)
	}
}

func TestRepartitionProbeMismatchedLayout(t *testing.T) {
	_, path := makeBootDevice(t, 2<<20)
	onDisk := &gpt.Table{Entries: []*gpt.Entry{mkEntry("cboot", 2048, 4095)}}
	expected := &gpt.Table{Entries: []*gpt.Entry{mkEntry("cboot", 2048, 8191)}}

	gptCtx := gpt.Open(path)
	if err := gptCtx.LoadFromConfig(onDisk); err != nil {
		t.Fatal(err)
	}
	if err := gptCtx.Save(gpt.LoadOptions{NvidiaSpecial: true}); err != nil {
		t.Fatal(err)
	}

	w := bup.NewWriter("p3450-a1", path, "").WithLayout(expected)
	bupPath := filepath.Join(t.TempDir(), "pkg.bup")
	if err := w.WriteFile(bupPath); err != nil {
		t.Fatal(err)
	}
	bupCtx, err := bup.Open(bupPath)
	if err != nil {
		t.Fatal(err)
	}
	defer bupCtx.Close()

	code, err := RepartitionProbe(bupCtx, path, soc.T186)
	if err != nil {
		t.Fatalf("RepartitionProbe: %v", err)
	}
	if code != 0 {
		t.Errorf("code = %d, want 0 (repartition needed)", code)
	}
}
