package main

import (
	"github.com/spf13/cobra"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/detection"
)

var rulesFlags struct {
	policy string
	format string
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the detection rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE:  runRules,
}

func init() {
	f := rulesCmd.Flags()
	f.StringVar(&rulesFlags.policy, "policy", "", "Policy YAML overriding thresholds and citations")
	f.StringVarP(&rulesFlags.format, "format", "f", "table", "Output format: table, markdown or json")
}

func runRules(cmd *cobra.Command, _ []string) error {
	mode, err := parseFormat(rulesFlags.format)
	if err != nil {
		return err
	}

	policy, err := detection.LoadPolicy(rulesFlags.policy)
	if err != nil {
		return err
	}
	return renderRules(cmd.OutOrStdout(), detection.NewEngine(policy).Catalog(), mode)
}
