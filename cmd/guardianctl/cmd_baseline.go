package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"guardian/internal/analysis"
)

var baselineFlags struct {
	path      string
	tolerance float64
}

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Build or compare against a pass-rate baseline",
}

var baselineBuildCmd = &cobra.Command{
	Use:   "build <results.json>...",
	Short: "Write a baseline from evaluation results",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := analysis.LoadAll(cmd.Context(), args)
		if err != nil {
			return err
		}
		b := analysis.BuildBaseline(analysis.Summarize(results))
		if err := analysis.SaveBaseline(baselineFlags.path, b); err != nil {
			return err
		}
		fmt.Printf("baseline written to %s (%d results, pass rate %.1f%%)\n", baselineFlags.path, b.Total, 100*b.PassRate)
		return nil
	},
}

var baselineCompareCmd = &cobra.Command{
	Use:   "compare <results.json>...",
	Short: "Report categories whose pass rate regressed below the baseline",
	Long: `Compare evaluation results with a stored baseline. The command exits
non-zero when any category dropped by more than --tolerance.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := analysis.LoadBaseline(baselineFlags.path)
		if err != nil {
			return err
		}
		results, err := analysis.LoadAll(cmd.Context(), args)
		if err != nil {
			return err
		}
		regs := analysis.Compare(b, analysis.Summarize(results), baselineFlags.tolerance)
		if len(regs) == 0 {
			fmt.Println("no regressions")
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(regs); err != nil {
			return err
		}
		return fmt.Errorf("%d regressions against %s", len(regs), baselineFlags.path)
	},
}

func init() {
	baselineCmd.PersistentFlags().StringVar(&baselineFlags.path, "baseline", "baseline.json", "Baseline file path")
	baselineCompareCmd.Flags().Float64Var(&baselineFlags.tolerance, "tolerance", 0.02, "Allowed pass-rate drop before reporting a regression")
	baselineCmd.AddCommand(baselineBuildCmd)
	baselineCmd.AddCommand(baselineCompareCmd)
}
