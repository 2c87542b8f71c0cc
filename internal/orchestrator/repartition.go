package orchestrator

import (
	"tegraupdate/internal/bup"
	"tegraupdate/internal/gpt"
	"tegraupdate/internal/soc"
)

// RepartitionProbe implements : loads the current GPT from the
// boot device and compares it against the BUP's expected layout, writing
// nothing. Exit codes: 0 mismatch (repartition needed), 1 match or T210
// (no GPT to compare), 2 the comparison itself failed.
func RepartitionProbe(bupCtx *bup.Context, bootDevicePath string, family soc.Family) (exitCode int, err error) {
	if family == soc.T210 {
		return 1, nil
	}
	expected := bupCtx.ExpectedLayout()
	if expected == nil {
		return 1, nil
	}

	gptCtx := gpt.Open(bootDevicePath)
	if err := gptCtx.Load(gpt.LoadOptions{NvidiaSpecial: true}); err != nil {
		// A GPT that fails to load (missing, corrupt, first boot) reads
		// the same as a layout mismatch: repartitioning is needed. Exit
		// code 2 is reserved for a failure inside the comparison itself.
		return 0, nil
	}
	matches, err := gptCtx.CompareLayout(expected)
	if err != nil {
		return 2, wrap(ErrKindIO, err)
	}
	if matches {
		return 1, nil
	}
	return 0, nil
}
