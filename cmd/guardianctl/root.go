package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"guardian/internal/api"
	"guardian/internal/logging"
)

var rootFlags struct {
	logLevel string
}

var rootCmd = &cobra.Command{
	Use:   "guardianctl",
	Short: "Operate and inspect a guardian deployment",
	Long: "guardianctl analyzes evaluation results against a stored baseline,\n" +
		"verifies the audit chain offline and talks to a running guardian server.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Setup(rootFlags.logLevel, "text")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.logLevel, "log-level", "warn", "Log level")
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(baselineCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.Version = api.Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
