package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"guardian/internal/analysis"
)

var analyzeFlags struct {
	asJSON bool
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <results.json>...",
	Short: "Summarize evaluation results with Wilson confidence intervals",
	Long: `Load one or more result files and print pass rates per category.

Each file holds either a JSON list of results or an object with a
"results" list. A result has name, category, passed and duration_ms.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeFlags.asJSON, "json", false, "Print the summary as JSON")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	start := time.Now()
	results, err := analysis.LoadAll(cmd.Context(), args)
	if err != nil {
		return err
	}
	s := analysis.Summarize(results)
	if analyzeFlags.asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	if err := s.WriteText(os.Stdout); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\n%d results from %d files in %s\n", s.Total, len(args), time.Since(start).Round(time.Millisecond))
	return nil
}
