// Package normalize converts provider output and raw OCR text into
// canonical billing records.
package normalize

import (
	"fmt"
	"strings"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/validate"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/vendor"
)

// Document is one provider's output after boundary parsing.
type Document struct {
	Vendor   string
	DocType  billing.DocType
	Header   billing.Header
	Declared billing.DeclaredTotals
	Rows     []billing.ExtractionRow
	// Issues are fields that were dropped as unparsable.
	Issues []validate.Issue
}

// FromVendor parses a provider document. Unparsable values drop the field and
// are recorded as issues; the row itself is kept. Rows that carry nothing
// billable are discarded as noise. When a provider returned no rows but did
// return page text, the text is parsed instead.
func FromVendor(doc *vendor.Document) *Document {
	out := &Document{
		Vendor:  doc.Vendor,
		DocType: billing.ParseDocType(doc.DocType),
	}
	p := &issueSink{}

	out.Header = billing.Header{
		Provider:    strings.TrimSpace(doc.Header.ProviderName),
		ProviderNPI: strings.TrimSpace(doc.Header.ProviderNPI),
		Payer:       strings.TrimSpace(doc.Header.PayerName),
		ClaimID:     strings.TrimSpace(doc.Header.ClaimNumber),
		AccountID:   strings.TrimSpace(doc.Header.AccountNumber),
		MemberID:    strings.TrimSpace(doc.Header.MemberID),
		ServiceFrom: p.date("header.service_from", doc.Header.ServiceFrom),
		ServiceTo:   p.date("header.service_to", doc.Header.ServiceTo),
	}
	out.Declared = billing.DeclaredTotals{
		Billed:      p.money("totals.total_charges", doc.Totals.TotalCharges),
		Allowed:     p.money("totals.total_allowed", doc.Totals.TotalAllowed),
		PlanPaid:    p.money("totals.total_plan_paid", doc.Totals.TotalPlanPaid),
		PatientResp: p.money("totals.total_patient_resp", doc.Totals.TotalPatientResp),
	}

	for _, r := range doc.Rows {
		row := p.row(doc.Vendor, r)
		if IsNoise(&row) {
			continue
		}
		out.Rows = append(out.Rows, row)
	}

	if len(doc.Rows) == 0 && strings.TrimSpace(doc.RawText) != "" {
		text := ParseText(doc.RawText)
		for i := range text.Rows {
			text.Rows[i].Vendor = doc.Vendor
		}
		out.Rows = text.Rows
		if !out.Declared.Billed.Valid() {
			out.Declared.Billed = text.DeclaredBilled
		}
	}

	out.Issues = p.issues
	return out
}

// IsNoise reports whether a row carries no code, no description and no
// monetary value, such as a repeated table header.
func IsNoise(r *billing.ExtractionRow) bool {
	return r.Code == "" && strings.TrimSpace(r.Description) == "" && !r.HasMoney()
}

type issueSink struct {
	issues []validate.Issue
}

func (p *issueSink) add(field billing.Field, value, reason string) {
	p.issues = append(p.issues, validate.Issue{Field: field, Value: value, Reason: reason})
}

func (p *issueSink) money(field billing.Field, s string) billing.Amount {
	a, err := ParseMoney(s)
	if err != nil {
		p.add(field, s, err.Error())
	}
	return a
}

func (p *issueSink) date(field billing.Field, s string) billing.Date {
	d, err := ParseDate(s)
	if err != nil {
		p.add(field, s, err.Error())
	}
	return d
}

func (p *issueSink) row(vendorName string, r vendor.Row) billing.ExtractionRow {
	loc := func(f billing.Field) billing.Field {
		return billing.Field(fmt.Sprintf("rows[p%d,r%d].%s", r.Page, r.RowIndex, f))
	}

	code := CleanCode(r.Code)
	system, _ := Classify(code)

	units, err := ParseUnits(r.Units)
	if err != nil {
		p.add(loc("units"), r.Units, err.Error())
	}

	var mods []string
	for _, m := range r.Modifiers {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if !validate.Modifier(m) {
			p.add(loc("modifier"), m, "not a two-character modifier")
			continue
		}
		mods = append(mods, m)
	}

	row := billing.ExtractionRow{
		Vendor:         vendorName,
		Page:           r.Page,
		RowIndex:       r.RowIndex,
		Code:           code,
		CodeSystem:     system,
		Modifiers:      mods,
		Description:    strings.TrimSpace(r.Description),
		Units:          units,
		Charge:         p.money(loc(billing.FieldCharge), r.Charge),
		Allowed:        p.money(loc(billing.FieldAllowed), r.Allowed),
		PlanPaid:       p.money(loc(billing.FieldPlanPaid), r.PlanPaid),
		PatientResp:    p.money(loc(billing.FieldPatientResp), r.PatientResp),
		DateOfService:  p.date(loc(billing.FieldDateOfService), r.DOS),
		PlaceOfService: strings.TrimSpace(r.POS),
		NPI:            strings.TrimSpace(r.NPI),
		Sources:        []string{vendorName},
	}
	if len(r.Confidence) > 0 {
		row.Confidence = make(map[billing.Field]float64, len(r.Confidence))
		for k, v := range r.Confidence {
			row.Confidence[billing.Field(k)] = v
		}
	}
	return row
}

// PricedLines converts merged rows of one artifact into canonical lines.
// Line IDs are derived from the artifact and row position so that re-running
// an analysis yields the same IDs.
func PricedLines(artifactID types.ID, docType billing.DocType, rows []billing.ExtractionRow) []*billing.PricedLine {
	lines := make([]*billing.PricedLine, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		if IsNoise(r) {
			continue
		}
		system, category := Classify(r.Code)
		lines = append(lines, &billing.PricedLine{
			ID:              types.NewDeterministicID(artifactID.String(), fmt.Sprintf("%d:%d:%d", r.Page, r.RowIndex, i)),
			ArtifactID:      artifactID,
			DocType:         docType,
			Page:            r.Page,
			RowIndex:        r.RowIndex,
			Code:            r.Code,
			CodeSystem:      system,
			Category:        category,
			Modifiers:       r.Modifiers,
			Description:     r.Description,
			Units:           r.Units,
			Charge:          r.Charge,
			Allowed:         r.Allowed,
			PlanPaid:        r.PlanPaid,
			PatientResp:     r.PatientResp,
			DateOfService:   r.DateOfService,
			PlaceOfService:  r.PlaceOfService,
			NPI:             r.NPI,
			Confidence:      r.Confidence,
			VendorConsensus: r.VendorConsensus,
			LowConfidence:   r.LowConfidence,
		})
	}
	return lines
}

// Summarize builds a document summary from a merged document.
func Summarize(artifactID types.ID, doc *Document) *billing.PricedSummary {
	s := billing.NewSummary(doc.DocType, doc.Header, PricedLines(artifactID, doc.DocType, doc.Rows))
	s.ArtifactIDs = []types.ID{artifactID}
	s.DeclaredTotals = doc.Declared
	return s
}
