package orchestrator

import (
	"fmt"
	"os"

	"tegraupdate/internal/bup"
	"tegraupdate/internal/device"
	"tegraupdate/internal/gpt"
	"tegraupdate/internal/plan"
	"tegraupdate/internal/smd"
	"tegraupdate/internal/soc"
	"tegraupdate/internal/stub"
)

// Config carries every orchestrator-relevant CLI flag.
type Config struct {
	BUPPath          string
	SlotSuffix       string
	Initialize       bool
	DryRun           bool
	NeedsRepartition bool
}

// Result is what Run hands back to the CLI layer for exit-code mapping.
type Result struct {
	ExitCode int
}

// Run drives the full control flow of : resolve SoC, open the
// BUP and devices, optionally answer the repartition probe and return,
// else build the plan, run the version gate, execute it, and commit.
// Teardown (device flush/close, writeable-status restore) runs on every
// exit path.
func Run(cfg Config) (*Result, error) {
	if cfg.Initialize && cfg.SlotSuffix != "" {
		return nil, wrapf(ErrKindConfig, "--initialize and --slot-suffix are mutually exclusive")
	}

	family, err := soc.Detect()
	if err != nil {
		return nil, wrap(ErrKindConfig, err)
	}
	if family == soc.T210 && cfg.SlotSuffix != "" {
		return nil, wrapf(ErrKindConfig, "--slot-suffix is not supported on t210")
	}

	bupCtx, err := bup.Open(cfg.BUPPath)
	if err != nil {
		return nil, wrap(ErrKindConfig, err)
	}
	defer bupCtx.Close()

	fmt.Printf("Native TNSPEC: %s\n", bupCtx.TNSpec())
	if cs := bupCtx.CompatSpec(); cs != "" {
		fmt.Printf("Compatible with: %s\n", cs)
	}

	medium, err := soc.DetectMedium(bupCtx.BootDevicePath())
	if err != nil {
		return nil, wrap(ErrKindConfig, err)
	}

	if cfg.NeedsRepartition {
		probeResetOwed, err := device.SetWriteableStatus(bupCtx.BootDevicePath(), false)
		if err != nil {
			return nil, wrap(ErrKindIO, err)
		}
		if probeResetOwed {
			defer device.SetWriteableStatus(bupCtx.BootDevicePath(), true)
		}
		code, err := RepartitionProbe(bupCtx, bupCtx.BootDevicePath(), family)
		return &Result{ExitCode: code}, err
	}

	dryRun := cfg.DryRun
	writable := !dryRun

	resetOwed, err := device.SetWriteableStatus(bupCtx.BootDevicePath(), writable)
	if err != nil {
		return nil, wrap(ErrKindIO, err)
	}
	defer func() {
		if resetOwed {
			device.SetWriteableStatus(bupCtx.BootDevicePath(), !writable)
		}
	}()

	gptPath := ""
	if medium.HasGPTDevice() {
		gptPath = bupCtx.GPTDevicePath()
	}
	devices, err := OpenDevices(bupCtx.BootDevicePath(), gptPath, writable)
	if err != nil {
		return nil, err
	}
	defer devices.Close()
	defer devices.Sync()

	gptCtx := gpt.Open(bupCtx.BootDevicePath())
	if family.HasSlotMetadata() {
		if err := loadOrInitGPT(gptCtx, bupCtx, cfg.Initialize); err != nil {
			return nil, err
		}
	}

	initializeEffective := cfg.Initialize || family == soc.T210
	// "_a" names slot A just as an empty suffix does; plan.Build takes
	// the resolved form.
	planSlotSuffix := cfg.SlotSuffix
	if planSlotSuffix == "_a" {
		planSlotSuffix = ""
	}
	p, err := plan.Build(bupCtx, gptCtx, plan.DefaultExternalResolver, plan.BuildOptions{
		Family:     family,
		Medium:     medium,
		Initialize: initializeEffective,
		SlotSuffix: planSlotSuffix,
		IsOptional: bupCtx.IsOptional,
	})
	if err != nil {
		return nil, wrap(ErrKindPlan, err)
	}

	// Open question disposition: the
	// rollback/version check only runs on T210. T186/T194 rely on SMD
	// bookkeeping as their forward-progress source of truth instead.
	if family == soc.T210 {
		allow, reason, err := RunVersionGate(bupCtx, p, gptCtx, devices, medium, cfg.Initialize)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			fmt.Fprintln(os.Stderr, reason)
		}
		if !allow {
			return nil, wrapf(ErrKindVersionGate, "%s", reason)
		}
	}

	exec := &Executor{
		BUP:        bupCtx,
		Devices:    devices,
		Family:     family,
		Medium:     medium,
		DryRun:     dryRun,
		Buffers:    NewBuffers(p),
		Initialize: initializeEffective,
	}
	updateMode := !cfg.Initialize && family != soc.T210
	if err := exec.Run(p, updateMode); err != nil {
		return nil, err
	}

	if family.HasSlotMetadata() {
		if err := runCommit(gptCtx, devices, family, cfg, dryRun); err != nil {
			return nil, err
		}
	}

	return &Result{ExitCode: 0}, nil
}

func loadOrInitGPT(gptCtx *gpt.Context, bupCtx *bup.Context, initialize bool) error {
	if initialize {
		layout := bupCtx.ExpectedLayout()
		if layout == nil {
			return wrapf(ErrKindConfig, "BUP carries no GPT layout to initialize from")
		}
		return wrap(ErrKindConfig, gptCtx.LoadFromConfig(layout))
	}
	return wrap(ErrKindIO, gptCtx.Load(gpt.LoadOptions{NvidiaSpecial: true}))
}

func runCommit(gptCtx *gpt.Context, devices *Devices, family soc.Family, cfg Config, dryRun bool) error {
	var smdCtx *smd.Context
	var err error
	if cfg.Initialize {
		smdCtx = smd.New(smd.RedundancyFull)
	} else {
		smdCtx, err = smd.Load(gptCtx, devices.Boot)
		if err != nil {
			return wrap(ErrKindIO, err)
		}
	}

	if err := Commit(gptCtx, devices.Boot, smdCtx, cfg.Initialize, cfg.SlotSuffix != "", dryRun); err != nil {
		return err
	}

	if cfg.Initialize && !dryRun {
		if err := gptCtx.Save(gpt.LoadOptions{NvidiaSpecial: true}); err != nil {
			return wrap(ErrKindIO, err)
		}
		if err := stub.ReReadPartitionTable(devices.Boot.File()); err != nil {
			return wrap(ErrKindIO, err)
		}
	}
	return nil
}
