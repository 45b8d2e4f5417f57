package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"guardian/internal/audit"
	"guardian/internal/database"
)

var auditFlags struct {
	dbPath string
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit hash chain in a guardian database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(auditFlags.dbPath); err != nil {
			return fmt.Errorf("database %s: %w", auditFlags.dbPath, err)
		}
		db, err := database.Open(auditFlags.dbPath)
		if err != nil {
			return err
		}
		defer db.Close()
		trail, err := audit.NewStore(db, nil)
		if err != nil {
			return err
		}
		rep, err := trail.Verify(cmd.Context())
		if err != nil && !errors.Is(err, audit.ErrChainBroken) {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(rep); encErr != nil {
			return encErr
		}
		return err
	},
}

func init() {
	auditVerifyCmd.Flags().StringVar(&auditFlags.dbPath, "db", "data/guardian.db", "Path to the guardian SQLite database")
	auditCmd.AddCommand(auditVerifyCmd)
}
