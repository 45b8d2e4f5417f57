package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"guardian/pkg/client"
)

var statusFlags struct {
	server string
	verify bool
	resume bool
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running guardian server",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	f := statusCmd.Flags()
	f.StringVar(&statusFlags.server, "server", envOr("GUARDIAN_URL", "http://localhost:8084"), "Guardian base URL")
	f.BoolVar(&statusFlags.verify, "verify", false, "Also verify the audit chain")
	f.BoolVar(&statusFlags.resume, "resume", false, "Resume a suspended engine")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := client.NewClient(statusFlags.server, client.WithActor("guardianctl"))

	out := map[string]any{}
	health, err := c.Health(ctx)
	if err != nil {
		return err
	}
	out["health"] = health

	if statusFlags.resume {
		st, err := c.Resume(ctx)
		if err != nil {
			return err
		}
		out["state"] = st
	} else {
		st, err := c.State(ctx)
		if err != nil {
			return err
		}
		out["state"] = st
	}
	if statusFlags.verify {
		rep, err := c.VerifyAudit(ctx)
		if err != nil {
			return err
		}
		out["audit"] = rep
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
