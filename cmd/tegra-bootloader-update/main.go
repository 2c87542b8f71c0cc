// Command tegra-bootloader-update wires the flags the orchestrator's
// Config needs and maps its outcome to an exit code.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tegraupdate/internal/orchestrator"
	"tegraupdate/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfg orchestrator.Config
	var showVersion bool
	exitCode := 0

	root := &cobra.Command{
		Use:           "tegra-bootloader-update <bup-file>",
		Short:         "Apply a Tegra Bootloader Update Package to the live boot device",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			if cfg.NeedsRepartition {
				if len(args) > 1 {
					return fmt.Errorf("accepts at most 1 arg, received %d", len(args))
				}
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("requires exactly 1 arg (path to the BUP file), received %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println(version.Version)
				return nil
			}
			if len(args) == 1 {
				cfg.BUPPath = args[0]
			}
			if cfg.NeedsRepartition {
				cfg.DryRun = true
			}
			result, err := orchestrator.Run(cfg)
			if result != nil {
				exitCode = result.ExitCode
			}
			if err != nil {
				return err
			}
			return nil
		},
	}

	root.Flags().BoolVarP(&cfg.Initialize, "initialize", "i", false, "full write of all partitions")
	root.Flags().StringVarP(&cfg.SlotSuffix, "slot-suffix", "s", "", "target slot: empty or _a for slot A, _b for slot B")
	root.Flags().BoolVarP(&cfg.DryRun, "dry-run", "n", false, "print the plan, perform no writes")
	root.Flags().BoolVarP(&cfg.NeedsRepartition, "needs-repartition", "N", false, "answer whether the boot device needs repartitioning, then exit")
	root.Flags().BoolVar(&showVersion, "version", false, "print the version string and exit")

	root.MarkFlagsMutuallyExclusive("initialize", "slot-suffix")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode != 0 {
			return exitCode
		}
		return 1
	}
	return exitCode
}
