package detection

import (
	"fmt"
	"strings"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/validate"
)

// Rules returns the rule table in evaluation order.
func Rules() []Rule {
	return []Rule{
		{
			Key: "duplicate_charge", Title: "Duplicate charge",
			Severity: billing.SeverityHigh, Savings: SavingsFullLine, Source: SourceCharges,
			Description: "Same code, service date, modifiers and amount billed more than once.",
			Evaluate:    duplicateCharge,
		},
		{
			Key: "unbundling", Title: "Unbundled services",
			Severity: billing.SeverityWarn, Savings: SavingsFullLine, Source: SourceCharges,
			Description: "E/M visit billed with a same-day procedure without a separating modifier, or panel components billed alongside their panel.",
			Evaluate:    unbundling,
		},
		{
			Key: "missing_code", Title: "Missing billing code",
			Severity: billing.SeverityWarn, Savings: SavingsNone, Source: SourceCharges,
			Description: "A charged line carries no CPT, HCPCS or revenue code.",
			Evaluate:    missingCode,
		},
		{
			Key: "invalid_code", Title: "Invalid billing code",
			Severity: billing.SeverityWarn, Savings: SavingsNone, Source: SourceCharges,
			Description: "A code does not match the format of any recognized code set.",
			Evaluate:    invalidCode,
		},
		{
			Key: "missing_service_date", Title: "Missing service date",
			Severity: billing.SeverityInfo, Savings: SavingsNone, Source: SourceCharges,
			Description: "A charged line has no date of service.",
			Evaluate:    missingServiceDate,
		},
		{
			Key: "date_inconsistency", Title: "Inconsistent service dates",
			Severity: billing.SeverityWarn, Savings: SavingsNone, Source: SourceAny,
			Description: "A service date is in the future, implausibly old, or outside the statement's service period.",
			Evaluate:    dateInconsistency,
		},
		{
			Key: "excessive_charge", Title: "Excessive charge",
			Severity: billing.SeverityWarn, Savings: SavingsOvercharge, Source: SourceCharges,
			Description: "Per-unit charge exceeds the ceiling for its service category.",
			Evaluate:    excessiveCharge,
		},
		{
			Key: "frequency_anomaly", Title: "Implausible frequency",
			Severity: billing.SeverityWarn, Savings: SavingsFullLine, Source: SourceCharges,
			Description: "More units of one code on one date than is plausible.",
			Evaluate:    frequencyAnomaly,
		},
		{
			Key: "math_error", Title: "Arithmetic mismatch",
			Severity: billing.SeverityWarn, Savings: SavingsNone, Source: SourceAny,
			Description: "Patient responsibility does not equal allowed minus plan paid.",
			Evaluate:    mathError,
		},
		{
			Key: "totals_mismatch", Title: "Totals mismatch",
			Severity: billing.SeverityWarn, Savings: SavingsNone, Source: SourceAny,
			Description: "Totals printed on the document differ from the sum of its lines.",
			Evaluate:    totalsMismatch,
		},
		{
			Key: "allowed_exceeds_charge", Title: "Allowed exceeds charge",
			Severity: billing.SeverityWarn, Savings: SavingsNone, Source: SourceAny,
			Description: "The allowed amount is greater than the billed charge.",
			Evaluate:    allowedExceedsCharge,
		},
		{
			Key: "paid_exceeds_allowed", Title: "Plan paid exceeds allowed",
			Severity: billing.SeverityWarn, Savings: SavingsNone, Source: SourceAny,
			Description: "The plan paid more than the allowed amount.",
			Evaluate:    paidExceedsAllowed,
		},
		{
			Key: "balance_billing", Title: "Balance billing",
			Severity: billing.SeverityHigh, Savings: SavingsPatientDue, Source: SourceAny,
			Description: "The bill asks for more than the patient responsibility on the matched EOB line.",
			Evaluate:    balanceBilling,
		},
		{
			Key: "eob_zero_responsibility", Title: "Billed despite $0 responsibility",
			Severity: billing.SeverityHigh, Savings: SavingsPatientDue, Source: SourceAny,
			Description: "The EOB shows $0 patient responsibility but the bill still charges the patient.",
			Evaluate:    eobZeroResponsibility,
		},
		{
			Key: "unmatched_bill_line", Title: "Bill line not on EOB",
			Severity: billing.SeverityInfo, Savings: SavingsNone, Source: SourceAny,
			Description: "A bill line has no corresponding EOB line; it may not have been submitted to the plan.",
			Evaluate:    unmatchedBillLine,
		},
		{
			Key: "preventive_cost_share", Title: "Cost sharing on preventive care",
			Severity: billing.SeverityWarn, Savings: SavingsFullLine, Source: SourceResponsibility,
			Description: "Patient responsibility on a preventive service that is normally covered without cost sharing.",
			Evaluate:    preventiveCostShare,
		},
		{
			Key: "routine_supply_charge", Title: "Routine supply charge",
			Severity: billing.SeverityInfo, Savings: SavingsFullLine, Source: SourceCharges,
			Description: "Separate charge for routine supplies normally included in facility or procedure fees.",
			Evaluate:    routineSupplyCharge,
		},
		{
			Key: "low_confidence_extraction", Title: "Unconfirmed lines",
			Severity: billing.SeverityInfo, Savings: SavingsNone, Source: SourceAny,
			Description: "Lines the extraction providers did not agree on; excluded from totals.",
			Evaluate:    lowConfidenceExtraction,
		},
	}
}

func evidence(l *billing.PricedLine, field, value string) billing.Evidence {
	return billing.Evidence{Field: field, Value: value, Location: l.Location()}
}

func label(l *billing.PricedLine) string {
	if l.HasCode() {
		return l.Code
	}
	if l.Description != "" {
		return fmt.Sprintf("%q", l.Description)
	}
	return fmt.Sprintf("row %d", l.RowIndex)
}

func units(l *billing.PricedLine) int64 {
	if l.Units < 1 {
		return 1
	}
	return int64(l.Units)
}

// patientDue is what the bill asks the patient to pay for a line.
func patientDue(l *billing.PricedLine) int64 {
	if l.PatientResp.Valid() {
		return l.PatientResp.Value()
	}
	return l.Charge.Value()
}

func hasModifier(l *billing.PricedLine, mods []string) bool {
	for _, m := range mods {
		if l.HasModifier(m) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func duplicateCharge(in *Input) []Finding {
	type key struct {
		code, dos, mods string
		charge          int64
	}
	groups := map[key][]*billing.PricedLine{}
	var order []key
	for _, l := range in.Summary.IncludedLines() {
		if !l.HasCode() || !l.Charge.Valid() || l.DateOfService.IsZero() {
			continue
		}
		k := key{l.Code, l.DateOfService.String(), strings.Join(l.Modifiers, ","), l.Charge.Value()}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], l)
	}

	var out []Finding
	for _, k := range order {
		g := groups[k]
		if len(g) < 2 {
			continue
		}
		f := Finding{
			Explanation: fmt.Sprintf("Code %s was billed %d times on %s at %s each; %d of these appear to be duplicates.",
				k.code, len(g), k.dos, billing.FormatCents(k.charge), len(g)-1),
			Lines:    g[1:],
			Disputed: map[types.ID]int64{},
		}
		for _, l := range g {
			f.Evidence = append(f.Evidence, evidence(l, "code", l.Code))
		}
		for _, l := range g[1:] {
			f.Disputed[l.ID] = l.Charge.Value()
		}
		out = append(out, f)
	}
	return out
}

func unbundling(in *Input) []Finding {
	lines := in.Summary.IncludedLines()
	byDate := map[string][]*billing.PricedLine{}
	for _, l := range lines {
		if l.HasCode() && !l.DateOfService.IsZero() {
			d := l.DateOfService.String()
			byDate[d] = append(byDate[d], l)
		}
	}

	var out []Finding
	for _, l := range lines {
		if !l.HasCode() || l.DateOfService.IsZero() {
			continue
		}
		sameDay := byDate[l.DateOfService.String()]

		if l.Category == billing.CategoryEvaluation && !hasModifier(l, in.Policy.BundlingModifiers) {
			for _, p := range sameDay {
				if p.Category != billing.CategoryProcedural {
					continue
				}
				out = append(out, Finding{
					Explanation: fmt.Sprintf("Visit %s on %s was billed with procedure %s without modifier 25 or 57; the visit is normally included in the procedure.",
						l.Code, l.DateOfService, p.Code),
					Evidence: []billing.Evidence{evidence(l, "code", l.Code), evidence(p, "code", p.Code)},
					Lines:    []*billing.PricedLine{l},
					Disputed: map[types.ID]int64{l.ID: l.Charge.Value()},
				})
				break
			}
		}

		components, ok := in.Policy.Panels[l.Code]
		if !ok {
			continue
		}
		f := Finding{Disputed: map[types.ID]int64{}}
		var codes []string
		for _, c := range sameDay {
			if c == l || !contains(components, c.Code) || hasModifier(c, in.Policy.BundlingModifiers) {
				continue
			}
			f.Lines = append(f.Lines, c)
			f.Evidence = append(f.Evidence, evidence(c, "code", c.Code))
			f.Disputed[c.ID] = c.Charge.Value()
			codes = append(codes, c.Code)
		}
		if len(f.Lines) == 0 {
			continue
		}
		f.Evidence = append([]billing.Evidence{evidence(l, "code", l.Code)}, f.Evidence...)
		f.Explanation = fmt.Sprintf("Panel %s on %s already includes %s, which were also billed separately.",
			l.Code, l.DateOfService, strings.Join(codes, ", "))
		out = append(out, f)
	}
	return out
}

func missingCode(in *Input) []Finding {
	var out []Finding
	for _, l := range in.Summary.IncludedLines() {
		if l.HasCode() || l.Charge.Value() <= 0 {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("Line %s charged %s has no billing code; request an itemized bill with CPT, HCPCS or revenue codes.",
				label(l), l.Charge),
			Evidence: []billing.Evidence{evidence(l, "charge", l.Charge.String())},
			Lines:    []*billing.PricedLine{l},
		})
	}
	return out
}

func invalidCode(in *Input) []Finding {
	var out []Finding
	for _, l := range in.Summary.IncludedLines() {
		if !l.HasCode() {
			continue
		}
		issue := validate.Code(l.Code, l.CodeSystem)
		if issue == nil {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("Code %s failed validation: %s.", l.Code, issue.Reason),
			Evidence:    []billing.Evidence{evidence(l, "code", l.Code)},
			Lines:       []*billing.PricedLine{l},
		})
	}
	return out
}

func missingServiceDate(in *Input) []Finding {
	var out []Finding
	for _, l := range in.Summary.IncludedLines() {
		if !l.DateOfService.IsZero() || !l.HasMoney() {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("Line %s has no date of service.", label(l)),
			Evidence:    []billing.Evidence{evidence(l, "dos", "")},
			Lines:       []*billing.PricedLine{l},
		})
	}
	return out
}

func dateInconsistency(in *Input) []Finding {
	var out []Finding
	h := in.Summary.Header
	hasRange := !h.ServiceFrom.IsZero() && !h.ServiceTo.IsZero()
	if hasRange && h.ServiceFrom.After(h.ServiceTo) {
		out = append(out, Finding{
			Explanation: fmt.Sprintf("The statement's service period starts on %s, after it ends on %s.", h.ServiceFrom, h.ServiceTo),
			Evidence: []billing.Evidence{
				{Field: "service_from", Value: h.ServiceFrom.String(), Location: "header"},
				{Field: "service_to", Value: h.ServiceTo.String(), Location: "header"},
			},
		})
		hasRange = false
	}

	for _, l := range in.Summary.IncludedLines() {
		if l.DateOfService.IsZero() {
			continue
		}
		var reason string
		if issue := validate.ServiceDate(l.DateOfService, in.Now); issue != nil {
			reason = issue.Reason
		} else if hasRange && (l.DateOfService.Before(h.ServiceFrom) || l.DateOfService.After(h.ServiceTo)) {
			reason = fmt.Sprintf("outside the service period %s to %s", h.ServiceFrom, h.ServiceTo)
		}
		if reason == "" {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("Service date %s on line %s is %s.", l.DateOfService, label(l), reason),
			Evidence:    []billing.Evidence{evidence(l, "dos", l.DateOfService.String())},
			Lines:       []*billing.PricedLine{l},
		})
	}
	return out
}

func excessiveCharge(in *Input) []Finding {
	var out []Finding
	for _, l := range in.Summary.IncludedLines() {
		if !l.HasCode() || !l.Charge.Valid() {
			continue
		}
		limit := in.Policy.ExcessiveCharge.Limit(l.Category) * units(l)
		if l.Charge.Value() <= limit {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("Code %s charged %s for %d unit(s), above the %s ceiling for %s services.",
				l.Code, l.Charge, units(l), billing.FormatCents(limit), categoryName(l.Category)),
			Evidence: []billing.Evidence{evidence(l, "charge", l.Charge.String())},
			Lines:    []*billing.PricedLine{l},
			Disputed: map[types.ID]int64{l.ID: l.Charge.Value() - limit},
		})
	}
	return out
}

func categoryName(c billing.CodeCategory) string {
	if c == billing.CategoryNone {
		return "uncategorized"
	}
	return strings.ReplaceAll(string(c), "_", "/")
}

func frequencyAnomaly(in *Input) []Finding {
	type key struct{ code, dos string }
	groups := map[key][]*billing.PricedLine{}
	var order []key
	for _, l := range in.Summary.IncludedLines() {
		if !l.HasCode() || l.DateOfService.IsZero() {
			continue
		}
		k := key{l.Code, l.DateOfService.String()}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], l)
	}

	var out []Finding
	for _, k := range order {
		g := groups[k]
		limit := int64(in.Policy.Frequency.Limit(k.code, g[0].Category))
		var total int64
		for _, l := range g {
			total += units(l)
		}
		if total <= limit {
			continue
		}

		f := Finding{
			Explanation: fmt.Sprintf("Code %s was billed for %d units on %s; more than %d per day is not plausible.", k.code, total, k.dos, limit),
			Disputed:    map[types.ID]int64{},
		}
		var cum int64
		for _, l := range g {
			u := units(l)
			cum += u
			f.Evidence = append(f.Evidence, evidence(l, "units", fmt.Sprintf("%d", u)))
			if cum <= limit {
				continue
			}
			over := cum - limit
			if over > u {
				over = u
			}
			f.Lines = append(f.Lines, l)
			f.Disputed[l.ID] = l.Charge.Value() * over / u
		}
		out = append(out, f)
	}
	return out
}

func mathError(in *Input) []Finding {
	tol := in.Policy.ArithmeticToleranceCents
	var out []Finding
	for _, l := range in.Summary.IncludedLines() {
		if !l.Allowed.Valid() || !l.PlanPaid.Valid() || !l.PatientResp.Valid() {
			continue
		}
		diff := validate.ArithmeticDiff(l.Allowed, l.PlanPaid, l.PatientResp)
		if diff <= tol && diff >= -tol {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("On line %s, allowed %s minus plan paid %s is %s, but patient responsibility is %s.",
				label(l), l.Allowed, l.PlanPaid, billing.FormatCents(l.Allowed.Value()-l.PlanPaid.Value()), l.PatientResp),
			Evidence: []billing.Evidence{
				evidence(l, "allowed", l.Allowed.String()),
				evidence(l, "plan_paid", l.PlanPaid.String()),
				evidence(l, "patient_resp", l.PatientResp.String()),
			},
			Lines: []*billing.PricedLine{l},
		})
	}
	return out
}

func totalsMismatch(in *Input) []Finding {
	s := in.Summary
	tol := in.Policy.TotalsToleranceCents

	type column struct {
		name     string
		declared billing.Amount
		field    billing.Field
	}
	columns := []column{
		{"billed", s.DeclaredTotals.Billed, billing.FieldCharge},
		{"allowed", s.DeclaredTotals.Allowed, billing.FieldAllowed},
		{"plan_paid", s.DeclaredTotals.PlanPaid, billing.FieldPlanPaid},
		{"patient_resp", s.DeclaredTotals.PatientResp, billing.FieldPatientResp},
	}

	var ev []billing.Evidence
	var parts []string
	for _, c := range columns {
		if !c.declared.Valid() {
			continue
		}
		var sum int64
		present := false
		for _, l := range s.Lines {
			if a := lineMoney(l, c.field); a.Valid() {
				sum += a.Value()
				present = true
			}
		}
		if !present {
			continue
		}
		if d := c.declared.Value() - sum; d > tol || d < -tol {
			ev = append(ev, billing.Evidence{Field: c.name, Value: c.declared.String(), Location: "totals"})
			parts = append(parts, fmt.Sprintf("%s %s vs lines %s", c.name, c.declared, billing.FormatCents(sum)))
		}
	}
	if len(parts) == 0 {
		return nil
	}
	return []Finding{{
		Explanation: fmt.Sprintf("Document totals do not add up: %s.", strings.Join(parts, "; ")),
		Evidence:    ev,
	}}
}

func lineMoney(l *billing.PricedLine, f billing.Field) billing.Amount {
	switch f {
	case billing.FieldCharge:
		return l.Charge
	case billing.FieldAllowed:
		return l.Allowed
	case billing.FieldPlanPaid:
		return l.PlanPaid
	case billing.FieldPatientResp:
		return l.PatientResp
	}
	return billing.Amount{}
}

func allowedExceedsCharge(in *Input) []Finding {
	var out []Finding
	for _, l := range in.Summary.IncludedLines() {
		if !l.Allowed.Valid() || !l.Charge.Valid() || l.Allowed.Value() <= l.Charge.Value() {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("On line %s the allowed amount %s is more than the billed charge %s.", label(l), l.Allowed, l.Charge),
			Evidence:    []billing.Evidence{evidence(l, "allowed", l.Allowed.String()), evidence(l, "charge", l.Charge.String())},
			Lines:       []*billing.PricedLine{l},
		})
	}
	return out
}

func paidExceedsAllowed(in *Input) []Finding {
	var out []Finding
	for _, l := range in.Summary.IncludedLines() {
		if !l.PlanPaid.Valid() || !l.Allowed.Valid() || l.PlanPaid.Value() <= l.Allowed.Value() {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("On line %s the plan paid %s, more than the allowed amount %s.", label(l), l.PlanPaid, l.Allowed),
			Evidence:    []billing.Evidence{evidence(l, "plan_paid", l.PlanPaid.String()), evidence(l, "allowed", l.Allowed.String())},
			Lines:       []*billing.PricedLine{l},
		})
	}
	return out
}

func balanceBilling(in *Input) []Finding {
	if !in.Reconciled() {
		return nil
	}
	tol := in.Policy.ArithmeticToleranceCents
	var out []Finding
	for _, l := range in.Summary.IncludedLines() {
		m, ok := in.Match(l.ID)
		if !ok || !m.EOBLine.PatientResp.Valid() || m.EOBLine.PatientResp.Value() == 0 {
			continue
		}
		due, owed := patientDue(l), m.EOBLine.PatientResp.Value()
		if due-owed <= tol {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("Line %s asks for %s, but the EOB sets patient responsibility at %s.",
				label(l), billing.FormatCents(due), m.EOBLine.PatientResp),
			Evidence: []billing.Evidence{
				evidence(l, "amount_due", billing.FormatCents(due)),
				evidence(m.EOBLine, "patient_resp", m.EOBLine.PatientResp.String()),
			},
			Lines:    []*billing.PricedLine{l},
			Disputed: map[types.ID]int64{l.ID: due - owed},
		})
	}
	return out
}

func eobZeroResponsibility(in *Input) []Finding {
	if !in.Reconciled() {
		return nil
	}
	var out []Finding
	for _, l := range in.Summary.IncludedLines() {
		m, ok := in.Match(l.ID)
		if !ok || !m.EOBLine.PatientResp.Valid() || m.EOBLine.PatientResp.Value() != 0 {
			continue
		}
		due := patientDue(l)
		if due <= 0 {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("The EOB shows $0.00 patient responsibility for %s, but the bill asks for %s.",
				label(l), billing.FormatCents(due)),
			Evidence: []billing.Evidence{
				evidence(l, "amount_due", billing.FormatCents(due)),
				evidence(m.EOBLine, "patient_resp", m.EOBLine.PatientResp.String()),
			},
			Lines:    []*billing.PricedLine{l},
			Disputed: map[types.ID]int64{l.ID: due},
		})
	}
	return out
}

func unmatchedBillLine(in *Input) []Finding {
	if !in.Reconciled() {
		return nil
	}
	var out []Finding
	for _, m := range in.Matches {
		l := m.BillLine
		if m.MatchType != billing.MatchUnmatched || l == nil || l.LowConfidence || l.Charge.Value() <= 0 {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("Line %s (%s) does not appear on the EOB; confirm it was submitted to the plan.", label(l), l.Charge),
			Evidence:    []billing.Evidence{evidence(l, "match_confidence", fmt.Sprintf("%.2f", m.MatchConfidence))},
			Lines:       []*billing.PricedLine{l},
		})
	}
	return out
}

func preventiveCostShare(in *Input) []Finding {
	var out []Finding
	for _, l := range in.Summary.IncludedLines() {
		if !contains(in.Policy.PreventiveCodes, l.Code) || l.PatientResp.Value() <= 0 {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("Preventive service %s shows %s patient responsibility; in-network preventive care is normally covered without cost sharing.",
				l.Code, l.PatientResp),
			Evidence: []billing.Evidence{evidence(l, "patient_resp", l.PatientResp.String())},
			Lines:    []*billing.PricedLine{l},
			Disputed: map[types.ID]int64{l.ID: l.PatientResp.Value()},
		})
	}
	return out
}

func routineSupplyCharge(in *Input) []Finding {
	var out []Finding
	for _, l := range in.Summary.IncludedLines() {
		if l.Charge.Value() <= 0 {
			continue
		}
		reason := ""
		if l.HasCode() && contains(in.Policy.RoutineSupply.Codes, l.Code) {
			reason = "code " + l.Code
		} else {
			desc := strings.ToLower(l.Description)
			for _, kw := range in.Policy.RoutineSupply.Keywords {
				if kw != "" && strings.Contains(desc, strings.ToLower(kw)) {
					reason = fmt.Sprintf("description %q", l.Description)
					break
				}
			}
		}
		if reason == "" {
			continue
		}
		out = append(out, Finding{
			Explanation: fmt.Sprintf("Line %s (%s) looks like a routine supply, matched by %s; these are usually included in the facility or procedure charge.",
				label(l), l.Charge, reason),
			Evidence: []billing.Evidence{evidence(l, "description", l.Description)},
			Lines:    []*billing.PricedLine{l},
			Disputed: map[types.ID]int64{l.ID: l.Charge.Value()},
		})
	}
	return out
}

func lowConfidenceExtraction(in *Input) []Finding {
	f := Finding{}
	for _, l := range in.Summary.Lines {
		if !l.LowConfidence {
			continue
		}
		f.Lines = append(f.Lines, l)
		f.Evidence = append(f.Evidence, evidence(l, "vendor_consensus", fmt.Sprintf("%.2f", l.VendorConsensus)))
	}
	if len(f.Lines) == 0 {
		return nil
	}
	f.Explanation = fmt.Sprintf("%d line(s) on this %s could not be confirmed by both extraction providers and were left out of the totals; check them against the original document.",
		len(f.Lines), strings.ToLower(string(in.Summary.DocType)))
	return []Finding{f}
}
