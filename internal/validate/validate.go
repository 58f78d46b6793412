// Package validate holds pure checks over single extracted fields.
package validate

import (
	"fmt"
	"regexp"
	"time"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	apperrors "github.com/quothealth-eric/wyngai-system-sub007/internal/shared/errors"
)

var (
	cptPattern     = regexp.MustCompile(`^[0-9]{4}[0-9FT]$`)
	hcpcsPattern   = regexp.MustCompile(`^[A-V][0-9]{4}$`)
	revenuePattern = regexp.MustCompile(`^[0-9]{3,4}$`)
	npiPattern     = regexp.MustCompile(`^[0-9]{10}$`)
	modPattern     = regexp.MustCompile(`^[0-9A-Z]{2}$`)
)

// MinServiceYear is the earliest plausible date of service.
const MinServiceYear = 1900

// Issue is one failed check.
type Issue struct {
	Field  billing.Field `json:"field"`
	Value  string        `json:"value"`
	Reason string        `json:"reason"`
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s %q: %s", i.Field, i.Value, i.Reason)
}

// Err converts the issue into the shared ValidationFailure kind.
func (i Issue) Err() error {
	return apperrors.ValidationFailure(string(i.Field), i.Value, i.Reason)
}

// CPT reports whether code is a CPT code: five digits, or four digits plus
// F (Category II) or T (Category III).
func CPT(code string) bool { return cptPattern.MatchString(code) }

// HCPCS reports whether code is a HCPCS Level II code.
func HCPCS(code string) bool { return hcpcsPattern.MatchString(code) }

// Revenue reports whether code is a revenue code.
func Revenue(code string) bool { return revenuePattern.MatchString(code) }

// Modifier reports whether m is a two-character procedure modifier.
func Modifier(m string) bool { return modPattern.MatchString(m) }

// Code checks a code against the format of its declared system.
func Code(code string, system billing.CodeSystem) *Issue {
	if code == "" {
		return &Issue{Field: billing.FieldCode, Reason: "missing"}
	}
	var ok bool
	switch system {
	case billing.CodeSystemCPT:
		ok = CPT(code)
	case billing.CodeSystemHCPCS:
		ok = HCPCS(code)
	case billing.CodeSystemRevenue:
		ok = Revenue(code)
	default:
		return &Issue{Field: billing.FieldCode, Value: code, Reason: "unrecognized code system"}
	}
	if !ok {
		return &Issue{Field: billing.FieldCode, Value: code, Reason: fmt.Sprintf("not a valid %s code", system)}
	}
	return nil
}

// ServiceDate checks that d is present, not in the future relative to now and
// not implausibly old.
func ServiceDate(d billing.Date, now time.Time) *Issue {
	if d.IsZero() {
		return &Issue{Field: billing.FieldDateOfService, Reason: "missing"}
	}
	if d.After(billing.DateOf(now)) {
		return &Issue{Field: billing.FieldDateOfService, Value: d.String(), Reason: "in the future"}
	}
	if d.Time().Year() < MinServiceYear {
		return &Issue{Field: billing.FieldDateOfService, Value: d.String(), Reason: "before 1900"}
	}
	return nil
}

// Money checks the monetary fields of one line for internal consistency.
// Absent fields are skipped, never treated as zero.
func Money(charge, allowed, paid, resp billing.Amount) []Issue {
	var issues []Issue
	fields := []struct {
		name billing.Field
		a    billing.Amount
	}{
		{billing.FieldCharge, charge},
		{billing.FieldAllowed, allowed},
		{billing.FieldPlanPaid, paid},
		{billing.FieldPatientResp, resp},
	}
	for _, f := range fields {
		if f.a.Valid() && f.a.Value() < 0 {
			issues = append(issues, Issue{Field: f.name, Value: f.a.String(), Reason: "negative"})
		}
	}

	if charge.Valid() && allowed.Valid() && allowed.Value() > charge.Value() {
		issues = append(issues, Issue{Field: billing.FieldAllowed, Value: allowed.String(), Reason: "exceeds charge " + charge.String()})
	}
	if allowed.Valid() && paid.Valid() && paid.Value() > allowed.Value() {
		issues = append(issues, Issue{Field: billing.FieldPlanPaid, Value: paid.String(), Reason: "exceeds allowed " + allowed.String()})
	}
	if allowed.Valid() && paid.Valid() && resp.Valid() {
		if diff := ArithmeticDiff(allowed, paid, resp); diff > ArithmeticToleranceCents || diff < -ArithmeticToleranceCents {
			issues = append(issues, Issue{
				Field:  billing.FieldPatientResp,
				Value:  resp.String(),
				Reason: fmt.Sprintf("expected %s (allowed - plan paid)", billing.FormatCents(allowed.Value()-paid.Value())),
			})
		}
	}
	return issues
}

// ArithmeticToleranceCents absorbs rounding in printed amounts.
const ArithmeticToleranceCents = 1

// ArithmeticDiff returns resp - (allowed - paid).
func ArithmeticDiff(allowed, paid, resp billing.Amount) int64 {
	return resp.Value() - (allowed.Value() - paid.Value())
}

// NPI checks a National Provider Identifier: ten digits with a Luhn check
// digit computed over the "80840" card-issuer prefix.
func NPI(npi string) *Issue {
	if !npiPattern.MatchString(npi) {
		return &Issue{Field: billing.FieldNPI, Value: npi, Reason: "must be 10 digits"}
	}
	if !luhn("80840" + npi) {
		return &Issue{Field: billing.FieldNPI, Value: npi, Reason: "check digit mismatch"}
	}
	return nil
}

func luhn(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Row runs every applicable check over a row. A row that returns no issues
// passes all validators.
func Row(r *billing.ExtractionRow, now time.Time) []Issue {
	var issues []Issue
	if is := Code(r.Code, r.CodeSystem); is != nil {
		issues = append(issues, *is)
	}
	if is := ServiceDate(r.DateOfService, now); is != nil {
		issues = append(issues, *is)
	}
	if !r.HasMoney() {
		issues = append(issues, Issue{Field: billing.FieldCharge, Reason: "missing"})
	}
	issues = append(issues, Money(r.Charge, r.Allowed, r.PlanPaid, r.PatientResp)...)
	if r.NPI != "" {
		if is := NPI(r.NPI); is != nil {
			issues = append(issues, *is)
		}
	}
	return issues
}
