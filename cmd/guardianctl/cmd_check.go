package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"guardian/internal/config"
	"guardian/internal/drift"
	"guardian/internal/guardian"
	"guardian/internal/principles"
	"guardian/internal/safety"
)

var checkFlags struct {
	configPath string
	action     string
	verified   bool
}

var checkCmd = &cobra.Command{
	Use:   "check <text>",
	Short: "Evaluate text locally with the configured policies",
	Long: `Run the guardian pipeline in-process and print the decision. Policy
files are taken from the configuration; drift sessions are not persisted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkFlags.configPath, "config", "", "Path to YAML configuration file")
	f.StringVar(&checkFlags.action, "action", "process", "Action name checked against the principles")
	f.BoolVar(&checkFlags.verified, "verified", false, "Treat the caller as a verified identity")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(checkFlags.configPath)
	if err != nil {
		return err
	}
	g, err := buildGuardian(cfg)
	if err != nil {
		return err
	}
	d, err := g.Evaluate(cmd.Context(), guardian.Request{
		Action:    checkFlags.action,
		SubjectID: "guardianctl",
		SessionID: "guardianctl",
		Verified:  checkFlags.verified,
		Text:      strings.Join(args, " "),
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

func buildGuardian(cfg config.Config) (*guardian.Guardian, error) {
	var err error
	rules := drift.DefaultRuleset()
	if cfg.Policy.DriftFile != "" {
		if rules, err = drift.LoadRuleset(cfg.Policy.DriftFile); err != nil {
			return nil, err
		}
	}
	scanner, err := safety.NewScanner()
	if err != nil {
		return nil, err
	}
	if cfg.Policy.SafetyFile != "" {
		if scanner, err = safety.LoadScanner(cfg.Policy.SafetyFile); err != nil {
			return nil, err
		}
	}
	set := principles.DefaultSet()
	if cfg.Policy.PrinciplesFile != "" {
		if set, err = principles.LoadFile(cfg.Policy.PrinciplesFile); err != nil {
			return nil, err
		}
	}
	return guardian.New(guardian.Config{
		WarnThreshold:  cfg.Guardian.WarnThreshold,
		BlockThreshold: cfg.Guardian.BlockThreshold,
		Weights: guardian.Constellation{
			Identity:      cfg.Guardian.IdentityWeight,
			Consciousness: cfg.Guardian.ConsciousnessWeight,
			Guardian:      cfg.Guardian.GuardianWeight,
		},
	}, drift.NewScorer(rules), drift.NewTracker(drift.NewMemoryStore(), cfg.Drift.Alpha, rules.Thresholds),
		scanner, principles.NewEngine(set, nil)), nil
}
