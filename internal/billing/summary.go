package billing

import (
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
)

// Header is the document-level identification block.
type Header struct {
	Provider    string `json:"provider,omitempty"`
	ProviderNPI string `json:"provider_npi,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ClaimID     string `json:"claim_id,omitempty"`
	AccountID   string `json:"account_id,omitempty"`
	MemberID    string `json:"member_id,omitempty"`
	ServiceFrom Date   `json:"service_from"`
	ServiceTo   Date   `json:"service_to"`
}

// merge fills empty header fields from o.
func (h *Header) merge(o Header) {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&h.Provider, o.Provider)
	fill(&h.ProviderNPI, o.ProviderNPI)
	fill(&h.Payer, o.Payer)
	fill(&h.ClaimID, o.ClaimID)
	fill(&h.AccountID, o.AccountID)
	fill(&h.MemberID, o.MemberID)
	if !o.ServiceFrom.IsZero() && (h.ServiceFrom.IsZero() || o.ServiceFrom.Before(h.ServiceFrom)) {
		h.ServiceFrom = o.ServiceFrom
	}
	if !o.ServiceTo.IsZero() && (h.ServiceTo.IsZero() || o.ServiceTo.After(h.ServiceTo)) {
		h.ServiceTo = o.ServiceTo
	}
}

// Totals are the sums over high-confidence lines.
type Totals struct {
	Billed      int64 `json:"billed_cents"`
	Allowed     int64 `json:"allowed_cents"`
	PlanPaid    int64 `json:"plan_paid_cents"`
	PatientResp int64 `json:"patient_resp_cents"`
}

// DeclaredTotals are the totals printed on the document itself. They are
// compared against computed totals, never used in their place.
type DeclaredTotals struct {
	Billed      Amount `json:"billed_cents"`
	Allowed     Amount `json:"allowed_cents"`
	PlanPaid    Amount `json:"plan_paid_cents"`
	PatientResp Amount `json:"patient_resp_cents"`
}

func (d *DeclaredTotals) merge(o DeclaredTotals) {
	add := func(dst *Amount, src Amount) {
		switch {
		case !src.Valid():
		case !dst.Valid():
			*dst = src
		default:
			*dst = Cents(dst.Value() + src.Value())
		}
	}
	add(&d.Billed, o.Billed)
	add(&d.Allowed, o.Allowed)
	add(&d.PlanPaid, o.PlanPaid)
	add(&d.PatientResp, o.PatientResp)
}

// PricedSummary is one document's or one case's reconciled view.
type PricedSummary struct {
	DocType        DocType        `json:"doc_type"`
	ArtifactIDs    []types.ID     `json:"artifact_ids"`
	Header         Header         `json:"header"`
	DeclaredTotals DeclaredTotals `json:"declared_totals"`
	Totals         Totals         `json:"totals"`
	ExcludedLines  int            `json:"excluded_lines"`
	Lines          []*PricedLine  `json:"lines"`
}

// NewSummary builds a summary over lines and computes its totals.
func NewSummary(docType DocType, header Header, lines []*PricedLine) *PricedSummary {
	s := &PricedSummary{
		DocType: docType,
		Header:  header,
		Lines:   lines,
	}
	s.Recompute()
	return s
}

// Recompute derives Totals from Lines, skipping low-confidence lines.
func (s *PricedSummary) Recompute() {
	var t Totals
	excluded := 0
	for _, l := range s.Lines {
		if l.LowConfidence {
			excluded++
			continue
		}
		t.Billed += l.Charge.Value()
		t.Allowed += l.Allowed.Value()
		t.PlanPaid += l.PlanPaid.Value()
		t.PatientResp += l.PatientResp.Value()
	}
	s.Totals = t
	s.ExcludedLines = excluded
}

// SetLines replaces the line set and recomputes totals.
func (s *PricedSummary) SetLines(lines []*PricedLine) {
	s.Lines = lines
	s.Recompute()
}

// AddLine appends a line and recomputes totals.
func (s *PricedSummary) AddLine(l *PricedLine) {
	s.Lines = append(s.Lines, l)
	s.Recompute()
}

// IncludedLines returns the lines that count toward totals.
func (s *PricedSummary) IncludedLines() []*PricedLine {
	out := make([]*PricedLine, 0, len(s.Lines))
	for _, l := range s.Lines {
		if !l.LowConfidence {
			out = append(out, l)
		}
	}
	return out
}

// Combine folds several document summaries of the same type into one case
// summary. Lines keep their artifact order; line pointers are shared.
func Combine(docType DocType, parts ...*PricedSummary) *PricedSummary {
	out := &PricedSummary{DocType: docType}
	for _, p := range parts {
		if p == nil {
			continue
		}
		out.ArtifactIDs = append(out.ArtifactIDs, p.ArtifactIDs...)
		out.Header.merge(p.Header)
		out.DeclaredTotals.merge(p.DeclaredTotals)
		out.Lines = append(out.Lines, p.Lines...)
	}
	out.Recompute()
	return out
}
