package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/pipeline"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/savings"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/logging"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/vendor"
)

var analyzeFlags struct {
	bills     []string
	eobs      []string
	primary   string
	secondary string
	plan      string
	settings  string
	format    string
	logLevel  string
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a bill and EOB from saved provider output",
	Long: `Analyze one case from provider documents saved as JSON.

Each --bill and --eob value is one document: the primary provider's file,
optionally followed by a comma and the secondary provider's file. A
document with a single file is processed as if the other provider failed.
The case, artifact and content digest are taken from the primary file;
every primary file must name the same case.

Usage:
  billcheck analyze --bill bill.alpha.json,bill.beta.json --eob eob.alpha.json,eob.beta.json
  billcheck analyze --bill bill.json --plan plan.yaml --format json`,
	Args: cobra.NoArgs,
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.StringArrayVar(&analyzeFlags.bills, "bill", nil, "Bill provider output: primary.json[,secondary.json] (repeatable)")
	f.StringArrayVar(&analyzeFlags.eobs, "eob", nil, "EOB provider output: primary.json[,secondary.json] (repeatable)")
	f.StringVar(&analyzeFlags.primary, "primary", "primary", "Primary provider name")
	f.StringVar(&analyzeFlags.secondary, "secondary", "secondary", "Secondary provider name")
	f.StringVar(&analyzeFlags.plan, "plan", "", "Plan parameters YAML (deductible, coinsurance, copay)")
	f.StringVar(&analyzeFlags.settings, "settings", "", "Engine settings YAML (policy, matcher, plan)")
	f.StringVarP(&analyzeFlags.format, "format", "f", "table", "Output format: table, markdown or json")
	f.StringVar(&analyzeFlags.logLevel, "log-level", "warn", "Log level written to stderr")
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	if len(analyzeFlags.bills) == 0 && len(analyzeFlags.eobs) == 0 {
		return fmt.Errorf("at least one --bill or --eob is required")
	}
	mode, err := parseFormat(analyzeFlags.format)
	if err != nil {
		return err
	}

	settings, err := pipeline.LoadSettings(analyzeFlags.settings)
	if err != nil {
		return err
	}
	plan := settings.Plan
	if analyzeFlags.plan != "" {
		if plan, err = savings.LoadPlan(analyzeFlags.plan); err != nil {
			return err
		}
	}

	c := newCaseFiles(analyzeFlags.primary, analyzeFlags.secondary)
	for _, arg := range analyzeFlags.bills {
		if err := c.add(billing.DocTypeBill, arg); err != nil {
			return err
		}
	}
	for _, arg := range analyzeFlags.eobs {
		if err := c.add(billing.DocTypeEOB, arg); err != nil {
			return err
		}
	}

	deps := settings.Deps()
	deps.Primary = c.primary
	deps.Secondary = c.secondary
	deps.Logger = logging.New(analyzeFlags.logLevel, os.Stderr)

	p, err := pipeline.New(pipeline.DefaultConfig(), deps)
	if err != nil {
		return err
	}
	a, err := p.Run(cmd.Context(), c.caseID, c.inputs, plan)
	if err != nil {
		return err
	}
	return renderAnalysis(cmd.OutOrStdout(), a, mode)
}

// caseFiles collects documents from disk into pipeline inputs served by
// one static extractor per provider.
type caseFiles struct {
	caseID    types.ID
	primary   *vendor.Static
	secondary *vendor.Static
	inputs    []pipeline.ArtifactInput
}

func newCaseFiles(primary, secondary string) *caseFiles {
	return &caseFiles{
		primary:   &vendor.Static{VendorName: primary, Documents: map[types.ID]*vendor.Document{}},
		secondary: &vendor.Static{VendorName: secondary, Documents: map[types.ID]*vendor.Document{}},
	}
}

// add loads one document. The artifact is the one the primary output
// declares; a secondary output naming anything else is rejected by the
// guard when the case runs.
func (c *caseFiles) add(docType billing.DocType, arg string) error {
	paths := strings.Split(arg, ",")
	if len(paths) > 2 {
		return fmt.Errorf("%q: at most two provider files per document", arg)
	}
	for i := range paths {
		paths[i] = strings.TrimSpace(paths[i])
		if paths[i] == "" {
			return fmt.Errorf("%q: empty provider file path", arg)
		}
	}

	first, err := vendor.ReadFile(paths[0])
	if err != nil {
		return err
	}
	subj, err := first.Subject()
	if err != nil {
		return fmt.Errorf("%s: %w", paths[0], err)
	}
	if c.caseID.IsZero() {
		c.caseID = subj.CaseID
	} else if subj.CaseID != c.caseID {
		return fmt.Errorf("%s: belongs to case %s, expected %s", paths[0], subj.CaseID, c.caseID)
	}

	art, err := billing.NewArtifact(subj.CaseID, subj.ArtifactID, docType, first.Pages)
	if err != nil {
		return err
	}
	if err := art.AssignDigest(subj.ContentDigest); err != nil {
		return err
	}
	c.primary.Documents[art.ID] = first

	if len(paths) == 2 {
		second, err := vendor.ReadFile(paths[1])
		if err != nil {
			return err
		}
		c.secondary.Documents[art.ID] = second
	}

	c.inputs = append(c.inputs, pipeline.ArtifactInput{Artifact: art, ContentType: "application/json"})
	return nil
}
