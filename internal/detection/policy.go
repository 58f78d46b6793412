package detection

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
)

// Policy holds the tunable thresholds and reference tables rules consult.
// It is read-only during evaluation.
type Policy struct {
	ExcessiveCharge ExcessiveChargePolicy `yaml:"excessive_charge"`
	Frequency       FrequencyPolicy       `yaml:"frequency"`

	// Panels maps a panel code to the component codes it already includes.
	Panels map[string][]string `yaml:"panels"`
	// BundlingModifiers allow an E/M service on the same day as a procedure.
	BundlingModifiers []string `yaml:"bundling_modifiers"`

	PreventiveCodes []string            `yaml:"preventive_codes"`
	RoutineSupply   RoutineSupplyPolicy `yaml:"routine_supply"`
	Citations       map[string][]string `yaml:"citations"`

	ArithmeticToleranceCents int64 `yaml:"arithmetic_tolerance_cents"`
	TotalsToleranceCents     int64 `yaml:"totals_tolerance_cents"`
}

type ExcessiveChargePolicy struct {
	DefaultCents int64                          `yaml:"default_cents"`
	PerUnitCents map[billing.CodeCategory]int64 `yaml:"per_unit_cents"`
}

// Limit returns the per-unit ceiling for a category.
func (p ExcessiveChargePolicy) Limit(c billing.CodeCategory) int64 {
	if v, ok := p.PerUnitCents[c]; ok {
		return v
	}
	return p.DefaultCents
}

type FrequencyPolicy struct {
	DefaultPerDay int                          `yaml:"default_per_day"`
	PerCode       map[string]int               `yaml:"per_code"`
	PerCategory   map[billing.CodeCategory]int `yaml:"per_category"`
}

// Limit returns the number of units of a code plausible on one date.
func (p FrequencyPolicy) Limit(code string, c billing.CodeCategory) int {
	if v, ok := p.PerCode[code]; ok {
		return v
	}
	if v, ok := p.PerCategory[c]; ok {
		return v
	}
	return p.DefaultPerDay
}

type RoutineSupplyPolicy struct {
	Keywords []string `yaml:"keywords"`
	Codes    []string `yaml:"codes"`
}

// DefaultPolicy returns the compiled-in policy.
func DefaultPolicy() *Policy {
	return &Policy{
		ExcessiveCharge: ExcessiveChargePolicy{
			DefaultCents: 5000000,
			PerUnitCents: map[billing.CodeCategory]int64{
				billing.CategoryEvaluation: 60000,
				billing.CategoryLaboratory: 50000,
				billing.CategoryRadiology:  500000,
				billing.CategoryProcedural: 2500000,
				billing.CategoryAnesthesia: 1000000,
				billing.CategoryMedicine:   200000,
				billing.CategoryDrug:       250000,
				billing.CategorySupply:     100000,
			},
		},
		Frequency: FrequencyPolicy{
			DefaultPerDay: 6,
			PerCode: map[string]int{
				"36415": 3,
				"80053": 1,
				"80048": 1,
				"85025": 2,
			},
			PerCategory: map[billing.CodeCategory]int{
				billing.CategoryEvaluation: 1,
			},
		},
		Panels: map[string][]string{
			"80053": {"82040", "82247", "82310", "82374", "82435", "82565", "82947", "84075", "84132", "84155", "84295", "84450", "84460", "84520"},
			"80048": {"82310", "82374", "82435", "82565", "82947", "84132", "84295", "84520"},
			"85025": {"85004", "85007", "85009", "85027", "85041", "85048"},
			"80061": {"82465", "83718", "84478"},
		},
		BundlingModifiers: []string{"25", "57", "59", "XE", "XP", "XS", "XU"},
		PreventiveCodes: []string{
			"99381", "99382", "99383", "99384", "99385", "99386", "99387",
			"99391", "99392", "99393", "99394", "99395", "99396", "99397",
			"G0438", "G0439", "G0121", "G0105", "77067", "82270", "G0328",
			"90471", "90472", "99401", "99402", "99403", "99404",
		},
		RoutineSupply: RoutineSupplyPolicy{
			Keywords: []string{"gloves", "gown", "linen", "saline flush", "alcohol prep", "gauze", "bandage", "thermometer", "admission kit", "bed pan", "tissue"},
			Codes:    []string{"A4550", "A4649", "A6402", "99070"},
		},
		Citations: map[string][]string{
			"balance_billing":         {"45 CFR Part 149"},
			"eob_zero_responsibility": {"45 CFR Part 149"},
			"preventive_cost_share":   {"45 CFR 147.130", "29 CFR 2590.715-2713"},
			"unbundling":              {"NCCI-PTP"},
		},
		ArithmeticToleranceCents: 1,
		TotalsToleranceCents:     1,
	}
}

// LoadPolicy reads a YAML policy file over the defaults. Keys absent from
// the file keep their default values; map entries in the file are merged
// into the default maps.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return p, nil
}

// Validate rejects thresholds that would make rules misfire.
func (p *Policy) Validate() error {
	if p.ExcessiveCharge.DefaultCents <= 0 {
		return fmt.Errorf("excessive_charge.default_cents must be positive")
	}
	for c, v := range p.ExcessiveCharge.PerUnitCents {
		if v <= 0 {
			return fmt.Errorf("excessive_charge.per_unit_cents[%s] must be positive", c)
		}
	}
	if p.Frequency.DefaultPerDay <= 0 {
		return fmt.Errorf("frequency.default_per_day must be positive")
	}
	if p.ArithmeticToleranceCents < 0 || p.TotalsToleranceCents < 0 {
		return fmt.Errorf("tolerances must not be negative")
	}
	return nil
}

func (p *Policy) citations(rule string) []string {
	c := p.Citations[rule]
	if len(c) == 0 {
		return nil
	}
	return append([]string(nil), c...)
}
