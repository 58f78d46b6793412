package savings

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
)

// PlanParams are the member's known benefit parameters. All amounts are in
// cents; coinsurance is in basis points (2000 = 20%). A nil OOPRemaining
// means the out-of-pocket maximum is unknown; zero means it has been met.
type PlanParams struct {
	DeductibleRemaining int64  `json:"deductible_remaining_cents" yaml:"deductible_remaining_cents"`
	CoinsuranceBps      int64  `json:"coinsurance_bps" yaml:"coinsurance_bps"`
	Copay               int64  `json:"copay_cents" yaml:"copay_cents"`
	OOPRemaining        *int64 `json:"oop_remaining_cents,omitempty" yaml:"oop_remaining_cents,omitempty"`
}

// Validate rejects parameters that cannot describe a real plan.
func (p *PlanParams) Validate() error {
	if p.DeductibleRemaining < 0 || p.Copay < 0 || (p.OOPRemaining != nil && *p.OOPRemaining < 0) {
		return fmt.Errorf("plan amounts must not be negative")
	}
	if p.CoinsuranceBps < 0 || p.CoinsuranceBps > 10000 {
		return fmt.Errorf("coinsurance must be between 0 and 10000 basis points")
	}
	return nil
}

// LoadPlan reads plan parameters from a YAML file.
func LoadPlan(path string) (*PlanParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	p := &PlanParams{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse plan file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan file %s: %w", path, err)
	}
	return p, nil
}

var bpsDivisor = decimal.NewFromInt(10000)

// ExpectedResponsibility applies the plan to each line's charge in order and
// returns what the patient should owe per line. The deductible is consumed
// first; evaluation and management lines then owe the copay when one is set,
// everything else owes coinsurance on the remainder. The running total is
// capped at OOPRemaining when it is known.
func (p *PlanParams) ExpectedResponsibility(lines []*billing.PricedLine) map[*billing.PricedLine]int64 {
	out := make(map[*billing.PricedLine]int64, len(lines))
	deductible := p.DeductibleRemaining
	var oop int64
	capped := p.OOPRemaining != nil
	if capped {
		oop = *p.OOPRemaining
	}

	for _, l := range lines {
		if !l.Charge.Valid() {
			continue
		}
		charge := l.Charge.Value()

		fromDeductible := min(charge, deductible)
		deductible -= fromDeductible
		rest := charge - fromDeductible

		var share int64
		if p.Copay > 0 && l.Category == billing.CategoryEvaluation {
			share = min(p.Copay, rest)
		} else {
			share = decimal.NewFromInt(rest).
				Mul(decimal.NewFromInt(p.CoinsuranceBps)).
				Div(bpsDivisor).
				Round(0).
				IntPart()
		}

		owed := fromDeductible + share
		if capped {
			owed = min(owed, oop)
			oop -= owed
		}
		out[l] = owed
	}
	return out
}
