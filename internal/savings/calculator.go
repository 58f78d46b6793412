// Package savings prices detections using the most certain data available
// for each flagged line.
package savings

import (
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/detection"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/metrics"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
)

// Case is everything the calculator needs besides the flags themselves.
type Case struct {
	// Lines are the included bill lines in document order. Plan-basis
	// expectations accumulate deductible and out-of-pocket across them.
	Lines   []*billing.PricedLine
	Matches []billing.LineMatch
	// Plan is nil when the member's benefits are unknown.
	Plan *PlanParams
}

// LineSavings is the priced amount for one flagged line.
type LineSavings struct {
	LineID  types.ID      `json:"line_id"`
	RuleKey string        `json:"rule_key"`
	Cents   int64         `json:"cents"`
	Basis   billing.Basis `json:"basis"`
}

// Result is the priced output for a case.
type Result struct {
	Detections []billing.Detection `json:"detections"`
	Lines      []LineSavings       `json:"lines"`
	TotalCents int64               `json:"total_cents"`
	// Basis is the least certain basis used by any priced line; empty when
	// nothing was priced.
	Basis       billing.Basis `json:"basis,omitempty"`
	Provisional bool          `json:"provisional"`
}

type Calculator struct {
	logger logrus.FieldLogger
}

func NewCalculator(logger logrus.FieldLogger) *Calculator {
	return &Calculator{logger: logger}
}

// Calculate prices each flag. Flags are not modified; the returned
// detections are copies with SavingsCents and SavingsBasis set. A line
// flagged by several rules counts once toward the total, at its highest
// priced amount.
func (c *Calculator) Calculate(flags []detection.Flag, in Case) *Result {
	matches := make(map[types.ID]*billing.LineMatch, len(in.Matches))
	for i := range in.Matches {
		if in.Matches[i].Confident() {
			matches[in.Matches[i].BillLineID] = &in.Matches[i]
		}
	}
	var expected map[*billing.PricedLine]int64
	if in.Plan != nil {
		expected = in.Plan.ExpectedResponsibility(in.Lines)
	}
	p := pricer{matches: matches, expected: expected}

	res := &Result{Detections: make([]billing.Detection, len(flags))}
	best := map[types.ID]int64{}
	var order []types.ID

	for i, f := range flags {
		d := f.Detection
		d.Evidence = slices.Clone(f.Evidence)
		d.LineIDs = slices.Clone(f.LineIDs)
		d.Citations = slices.Clone(f.Citations)

		if f.Mode != detection.SavingsNone && f.Mode != "" {
			var sum int64
			var basis billing.Basis
			for _, l := range f.Lines {
				cents, b := p.price(l, f.Mode, f.Disputed[l.ID])
				sum += cents
				if b.Rank() > basis.Rank() {
					basis = b
				}
				if b.Rank() > res.Basis.Rank() {
					res.Basis = b
				}
				res.Lines = append(res.Lines, LineSavings{LineID: l.ID, RuleKey: f.RuleKey, Cents: cents, Basis: b})

				prev, seen := best[l.ID]
				if !seen {
					order = append(order, l.ID)
				}
				if !seen || cents > prev {
					best[l.ID] = cents
				}
			}
			d.SavingsCents = &sum
			d.SavingsBasis = basis
		}
		res.Detections[i] = d
	}

	for _, id := range order {
		res.TotalCents += best[id]
	}
	res.Provisional = res.Basis == billing.BasisCharge
	if res.Basis != "" {
		metrics.RecordSavingsBasis(string(res.Basis))
	}

	c.logger.WithFields(logrus.Fields{
		"total_cents": res.TotalCents,
		"basis":       res.Basis,
		"lines":       len(order),
	}).Debug("Savings calculated")
	return res
}

type pricer struct {
	matches  map[types.ID]*billing.LineMatch
	expected map[*billing.PricedLine]int64
}

// price walks the basis hierarchy for one line: allowed when EOB figures
// exist for it, plan when benefits are known, charge otherwise.
func (p pricer) price(l *billing.PricedLine, mode detection.SavingsMode, disputed int64) (int64, billing.Basis) {
	if e := p.eobFor(l); e != nil {
		if cents, ok := allowedBasis(l, e, mode); ok {
			return max(cents, 0), billing.BasisAllowed
		}
	}
	if exp, ok := p.expected[l]; ok {
		return max(planBasis(l, exp, mode), 0), billing.BasisPlan
	}
	return max(disputed, 0), billing.BasisCharge
}

// eobFor returns the EOB line whose adjudicated figures apply to l. An EOB
// line is its own reference.
func (p pricer) eobFor(l *billing.PricedLine) *billing.PricedLine {
	if l.DocType == billing.DocTypeEOB && l.Allowed.Valid() {
		return l
	}
	if m, ok := p.matches[l.ID]; ok {
		return m.EOBLine
	}
	return nil
}

func allowedBasis(l, e *billing.PricedLine, mode detection.SavingsMode) (int64, bool) {
	switch mode {
	case detection.SavingsOvercharge:
		if !l.Charge.Valid() || !e.Allowed.Valid() {
			return 0, false
		}
		return l.Charge.Value() - e.Allowed.Value(), true
	case detection.SavingsFullLine:
		if e.PatientResp.Valid() {
			return e.PatientResp.Value(), true
		}
		if e.Allowed.Valid() {
			return e.Allowed.Value(), true
		}
	case detection.SavingsPatientDue:
		if e.PatientResp.Valid() {
			return due(l) - e.PatientResp.Value(), true
		}
	}
	return 0, false
}

func planBasis(l *billing.PricedLine, expected int64, mode detection.SavingsMode) int64 {
	if mode == detection.SavingsFullLine {
		return expected
	}
	return due(l) - expected
}

// due is what the bill asks the patient to pay for a line.
func due(l *billing.PricedLine) int64 {
	if l.PatientResp.Valid() {
		return l.PatientResp.Value()
	}
	return l.Charge.Value()
}
