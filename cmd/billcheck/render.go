package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/detection"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/pipeline"
)

// outputMode selects how results are written.
type outputMode int

const (
	modeTable outputMode = iota
	modeMarkdown
	modeJSON
)

func parseFormat(s string) (outputMode, error) {
	switch strings.ToLower(s) {
	case "table", "":
		return modeTable, nil
	case "markdown", "md":
		return modeMarkdown, nil
	case "json":
		return modeJSON, nil
	}
	return 0, fmt.Errorf("unknown format %q (want table, markdown or json)", s)
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(title)
	return t
}

func render(w io.Writer, t table.Writer, mode outputMode) {
	if mode == modeMarkdown {
		fmt.Fprintln(w, t.RenderMarkdown())
	} else {
		fmt.Fprintln(w, t.Render())
	}
	fmt.Fprintln(w)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderAnalysis(w io.Writer, a *pipeline.Analysis, mode outputMode) error {
	if mode == modeJSON {
		return writeJSON(w, a)
	}

	arts := newTable("Documents")
	arts.AppendHeader(table.Row{"Artifact", "Type", "Status", "Lines", "Excluded", "Degraded", "Error"})
	for _, o := range a.Artifacts {
		lines, excluded := 0, 0
		if o.Summary != nil {
			lines, excluded = len(o.Summary.Lines), o.Summary.ExcludedLines
		}
		degraded := o.Consensus != nil && o.Consensus.Degraded
		arts.AppendRow(table.Row{o.ArtifactID, o.DocType, o.Status, lines, excluded, degraded, o.Error})
	}
	render(w, arts, mode)

	if len(a.Matches) > 0 {
		matches := newTable("Line matches")
		matches.AppendHeader(table.Row{"Code", "Description", "Match", "Confidence", "Charge", "Allowed", "Patient resp"})
		matches.SetColumnConfigs(moneyColumns(4, 5, 6, 7))
		for _, m := range a.Matches {
			row := table.Row{m.BillLine.Code, m.BillLine.Description, m.MatchType, fmt.Sprintf("%.2f", m.MatchConfidence), m.BillLine.Charge, "", ""}
			if m.EOBLine != nil {
				row[5], row[6] = m.EOBLine.Allowed, m.EOBLine.PatientResp
			}
			matches.AppendRow(row)
		}
		render(w, matches, mode)
	}

	dets := newTable("Findings")
	dets.AppendHeader(table.Row{"Rule", "Severity", "Savings", "Basis", "Explanation"})
	dets.SetColumnConfigs(append(moneyColumns(3), table.ColumnConfig{Number: 5, WidthMax: 72}))
	for _, d := range a.Detections {
		savingsCell := ""
		if d.SavingsCents != nil {
			savingsCell = billing.FormatCents(*d.SavingsCents)
		}
		dets.AppendRow(table.Row{d.RuleKey, d.Severity, savingsCell, d.SavingsBasis, d.Explanation})
	}
	if a.Savings != nil {
		total := billing.FormatCents(a.Savings.TotalCents)
		if a.Savings.Provisional {
			total += " (provisional)"
		}
		dets.AppendFooter(table.Row{"Total", "", total, a.Savings.Basis, ""})
	}
	render(w, dets, mode)
	return nil
}

func moneyColumns(numbers ...int) []table.ColumnConfig {
	cfgs := make([]table.ColumnConfig, 0, len(numbers))
	for _, n := range numbers {
		cfgs = append(cfgs, table.ColumnConfig{Number: n, Align: text.AlignRight, AlignFooter: text.AlignRight})
	}
	return cfgs
}

func renderRules(w io.Writer, rules []detection.RuleInfo, mode outputMode) error {
	if mode == modeJSON {
		return writeJSON(w, rules)
	}

	t := newTable("Detection rules")
	t.AppendHeader(table.Row{"#", "Rule", "Severity", "Savings", "Citations"})
	for i, r := range rules {
		t.AppendRow(table.Row{i + 1, r.Key, r.Severity, r.Savings, strings.Join(r.Citations, "; ")})
	}
	render(w, t, mode)
	return nil
}
