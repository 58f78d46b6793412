// Package consensus merges two providers' extractions of the same artifact
// into one set of rows with per-field agreement scores.
package consensus

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/normalize"
	apperrors "github.com/quothealth-eric/wyngai-system-sub007/internal/shared/errors"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/logging"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/metrics"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/validate"
)

// Field scores.
const (
	ScoreAgree    = 1.0
	ScoreMissing  = 0.5
	ScoreSingle   = 0.5
	ScoreConflict = 0.0

	// LowConfidenceBelow is the row consensus under which a row is excluded from totals.
	LowConfidenceBelow = 0.6
)

// Row outcomes, used for metrics and stats.
const (
	OutcomeAgreed       = "agreed"
	OutcomeConflict     = "conflict"
	OutcomeDisagreement = "disagreement"
	OutcomeSingleVendor = "single_vendor"
	OutcomePromoted     = "promoted"
	OutcomeDegraded     = "degraded"
)

// ErrNoResults is returned when neither provider produced a document.
var ErrNoResults = errors.New("no vendor produced a document")

// Result is one provider's outcome for an artifact.
type Result struct {
	Vendor string
	Doc    *normalize.Document
	Err    error
}

func (r Result) ok() bool { return r.Err == nil && r.Doc != nil }

// Stats counts row outcomes of one merge.
type Stats struct {
	Outcomes map[string]int `json:"outcomes"`
	Degraded bool           `json:"degraded"`
	Failed   []string       `json:"failed_vendors,omitempty"`
}

func (s *Stats) record(outcome string) {
	if s.Outcomes == nil {
		s.Outcomes = make(map[string]int)
	}
	s.Outcomes[outcome]++
	metrics.RecordConsensusRow(outcome)
}

// Merger merges provider results. It holds no per-artifact state.
type Merger struct {
	now    func() time.Time
	logger logrus.FieldLogger
}

// NewMerger creates a merger. A nil logger discards output.
func NewMerger(logger logrus.FieldLogger) *Merger {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Merger{now: time.Now, logger: logger}
}

// Merge combines the results of two providers for one artifact. The first
// result is primary: where values conflict its value is kept and the other
// is recorded as an alternate. If one provider failed, the other's rows pass
// through marked low-confidence. If both failed, Merge returns a
// VendorFailure and no document.
func (m *Merger) Merge(a, b Result) (*normalize.Document, *Stats, error) {
	stats := &Stats{}
	for _, r := range []Result{a, b} {
		if !r.ok() {
			stats.Failed = append(stats.Failed, r.Vendor)
		}
	}

	switch {
	case !a.ok() && !b.ok():
		cause := errors.Join(resultErr(a), resultErr(b))
		return nil, stats, apperrors.VendorFailure(a.Vendor+"+"+b.Vendor, cause)
	case !a.ok():
		return m.passThrough(b, stats), stats, nil
	case !b.ok():
		return m.passThrough(a, stats), stats, nil
	}

	rowsA := dropNoise(a.Doc.Rows)
	rowsB := dropNoise(b.Doc.Rows)
	pairs := align(rowsA, rowsB)

	now := m.now()
	var merged []billing.ExtractionRow
	for _, p := range pairs {
		switch {
		case p.a >= 0 && p.b >= 0:
			row, outcome := mergeRows(&rowsA[p.a], &rowsB[p.b])
			stats.record(outcome)
			merged = append(merged, row)
		case p.a >= 0:
			merged = append(merged, single(&rowsA[p.a], now, stats))
		default:
			merged = append(merged, single(&rowsB[p.b], now, stats))
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Page != merged[j].Page {
			return merged[i].Page < merged[j].Page
		}
		return merged[i].RowIndex < merged[j].RowIndex
	})

	doc := &normalize.Document{
		Vendor:   a.Vendor + "+" + b.Vendor,
		DocType:  mergeDocType(a.Doc.DocType, b.Doc.DocType),
		Header:   a.Doc.Header,
		Declared: a.Doc.Declared,
		Rows:     merged,
		Issues:   append(append([]validate.Issue(nil), a.Doc.Issues...), b.Doc.Issues...),
	}
	fillHeader(&doc.Header, b.Doc.Header)
	fillDeclared(&doc.Declared, b.Doc.Declared)

	m.logger.WithFields(logrus.Fields{
		"vendors":  doc.Vendor,
		"rows":     len(merged),
		"outcomes": stats.Outcomes,
	}).Debug("merged vendor extractions")

	return doc, stats, nil
}

func resultErr(r Result) error {
	if r.Err != nil {
		return fmt.Errorf("%s: %w", r.Vendor, r.Err)
	}
	return fmt.Errorf("%s: %w", r.Vendor, ErrNoResults)
}

func (m *Merger) passThrough(r Result, stats *Stats) *normalize.Document {
	stats.Degraded = true
	rows := dropNoise(r.Doc.Rows)
	out := make([]billing.ExtractionRow, len(rows))
	for i := range rows {
		row := rows[i]
		row.VendorConsensus = ScoreSingle
		row.LowConfidence = true
		out[i] = row
		stats.record(OutcomeDegraded)
	}

	m.logger.WithFields(logrus.Fields{
		logging.FieldVendor: r.Vendor,
		"failed":            stats.Failed,
		"rows":              len(out),
	}).Warn("single vendor pass-through, all rows low confidence")

	doc := *r.Doc
	doc.Rows = out
	return &doc
}

// single scores a row only one provider reported. It is promoted to
// confident only if it passes every field validator on its own.
func single(r *billing.ExtractionRow, now time.Time, stats *Stats) billing.ExtractionRow {
	row := *r
	row.VendorConsensus = ScoreSingle
	row.LowConfidence = len(validate.Row(&row, now)) > 0
	if row.LowConfidence {
		stats.record(OutcomeSingleVendor)
	} else {
		stats.record(OutcomePromoted)
	}
	return row
}

// dropNoise removes rows with no code and no monetary value.
func dropNoise(rows []billing.ExtractionRow) []billing.ExtractionRow {
	out := make([]billing.ExtractionRow, 0, len(rows))
	for _, r := range rows {
		if r.Code == "" && !r.HasMoney() {
			continue
		}
		out = append(out, r)
	}
	return out
}

// mergeRows scores an aligned pair field by field.
func mergeRows(a, b *billing.ExtractionRow) (billing.ExtractionRow, string) {
	row := *a
	row.Confidence = make(map[billing.Field]float64)
	row.Sources = []string{a.Vendor, b.Vendor}
	row.Alternates = nil

	var scores []float64
	score := func(f billing.Field, s float64) {
		row.Confidence[f] = s
		scores = append(scores, s)
	}
	alternate := func(f billing.Field, v string) {
		row.Alternates = append(row.Alternates, billing.Alternate{Field: f, Vendor: b.Vendor, Value: v})
	}

	codeConflict := false
	switch {
	case a.Code == "" && b.Code == "":
	case a.Code == b.Code:
		score(billing.FieldCode, ScoreAgree)
	case a.Code == "" || b.Code == "":
		score(billing.FieldCode, ScoreMissing)
		if a.Code == "" {
			row.Code, row.CodeSystem = b.Code, b.CodeSystem
		}
	default:
		codeConflict = true
		score(billing.FieldCode, ScoreConflict)
		alternate(billing.FieldCode, b.Code)
	}

	for _, f := range billing.MoneyFields {
		x, y := a.Money(f), b.Money(f)
		switch {
		case !x.Valid() && !y.Valid():
		case !x.Valid():
			score(f, ScoreMissing)
			row.SetMoney(f, y)
		case !y.Valid():
			score(f, ScoreMissing)
		default:
			s := MoneyScore(x.Value(), y.Value())
			score(f, s)
			if s < ScoreAgree {
				alternate(f, y.String())
			}
		}
	}

	switch {
	case a.DateOfService.IsZero() && b.DateOfService.IsZero():
	case a.DateOfService.IsZero():
		score(billing.FieldDateOfService, ScoreMissing)
		row.DateOfService = b.DateOfService
	case b.DateOfService.IsZero():
		score(billing.FieldDateOfService, ScoreMissing)
	case a.DateOfService.Equal(b.DateOfService):
		score(billing.FieldDateOfService, ScoreAgree)
	default:
		score(billing.FieldDateOfService, ScoreConflict)
		alternate(billing.FieldDateOfService, b.DateOfService.String())
	}

	if row.Description == "" {
		row.Description = b.Description
	}
	if row.PlaceOfService == "" {
		row.PlaceOfService = b.PlaceOfService
	}
	if row.NPI == "" {
		row.NPI = b.NPI
	}
	if row.Units == 0 {
		row.Units = b.Units
	} else if b.Units != 0 && b.Units != row.Units {
		alternate("units", fmt.Sprintf("%d", b.Units))
	}
	row.Modifiers = unionModifiers(a.Modifiers, b.Modifiers)

	row.VendorConsensus = mean(scores)
	zero := false
	for _, s := range scores {
		if s == 0 {
			zero = true
		}
	}
	row.LowConfidence = codeConflict || zero || row.VendorConsensus < LowConfidenceBelow

	switch {
	case codeConflict:
		return row, OutcomeConflict
	case row.LowConfidence:
		return row, OutcomeDisagreement
	}
	return row, OutcomeAgreed
}

// MoneyScore grades two amounts by relative difference.
func MoneyScore(x, y int64) float64 {
	if x == y {
		return ScoreAgree
	}
	hi := math.Max(math.Abs(float64(x)), math.Abs(float64(y)))
	diff := math.Abs(float64(x-y)) / hi
	switch {
	case diff <= 0.01:
		return 0.8
	case diff <= 0.05:
		return 0.5
	}
	return ScoreConflict
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func unionModifiers(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, m := range append(append([]string(nil), a...), b...) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

func mergeDocType(a, b billing.DocType) billing.DocType {
	if a == billing.DocTypeUnknown || a == "" {
		return b
	}
	return a
}

func fillHeader(h *billing.Header, o billing.Header) {
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
	if h.ServiceFrom.IsZero() {
		h.ServiceFrom = o.ServiceFrom
	}
	if h.ServiceTo.IsZero() {
		h.ServiceTo = o.ServiceTo
	}
}

func fillDeclared(d *billing.DeclaredTotals, o billing.DeclaredTotals) {
	fill := func(dst *billing.Amount, src billing.Amount) {
		if !dst.Valid() {
			*dst = src
		}
	}
	fill(&d.Billed, o.Billed)
	fill(&d.Allowed, o.Allowed)
	fill(&d.PlanPaid, o.PlanPaid)
	fill(&d.PatientResp, o.PatientResp)
}
