package billing

import (
	"fmt"
	"time"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
)

// DocType is the coarse document tag supplied by the OCR providers.
type DocType string

const (
	DocTypeBill    DocType = "BILL"
	DocTypeEOB     DocType = "EOB"
	DocTypeLetter  DocType = "LETTER"
	DocTypeUnknown DocType = "UNKNOWN"
)

// ParseDocType maps free-form tags onto the known set.
func ParseDocType(s string) DocType {
	switch DocType(s) {
	case DocTypeBill, DocTypeEOB, DocTypeLetter:
		return DocType(s)
	}
	switch s {
	case "bill", "Bill", "STATEMENT", "statement", "ITEMIZED_BILL":
		return DocTypeBill
	case "eob", "Eob", "EXPLANATION_OF_BENEFITS":
		return DocTypeEOB
	case "letter", "Letter":
		return DocTypeLetter
	}
	return DocTypeUnknown
}

// ArtifactStatus tracks an artifact through the pipeline:
// uploading -> processing -> completed | error.
type ArtifactStatus string

const (
	ArtifactStatusUploading  ArtifactStatus = "uploading"
	ArtifactStatusProcessing ArtifactStatus = "processing"
	ArtifactStatusCompleted  ArtifactStatus = "completed"
	ArtifactStatusError      ArtifactStatus = "error"
)

// Artifact is one uploaded document.
type Artifact struct {
	ID            types.ID       `json:"artifact_id"`
	CaseID        types.ID       `json:"case_id"`
	ContentDigest types.Digest   `json:"content_digest,omitempty"`
	DocType       DocType        `json:"doc_type"`
	Pages         int            `json:"pages"`
	Status        ArtifactStatus `json:"status"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewArtifact creates an artifact in the uploading state.
func NewArtifact(caseID, artifactID types.ID, docType DocType, pages int) (*Artifact, error) {
	if caseID.IsZero() {
		return nil, fmt.Errorf("case ID is required")
	}
	if artifactID.IsZero() {
		return nil, fmt.Errorf("artifact ID is required")
	}

	now := time.Now()
	return &Artifact{
		ID:        artifactID,
		CaseID:    caseID,
		DocType:   docType,
		Pages:     pages,
		Status:    ArtifactStatusUploading,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AssignDigest sets the content digest. It may be set exactly once;
// re-assigning the same value is a no-op.
func (a *Artifact) AssignDigest(d types.Digest) error {
	if d.IsZero() {
		return fmt.Errorf("digest is required")
	}
	if !a.ContentDigest.IsZero() {
		if a.ContentDigest == d {
			return nil
		}
		return fmt.Errorf("artifact %s already has digest %s", a.ID, a.ContentDigest)
	}
	a.ContentDigest = d
	a.UpdatedAt = time.Now()
	return nil
}

// CodeSystem classifies a billing code.
type CodeSystem string

const (
	CodeSystemCPT     CodeSystem = "CPT"
	CodeSystemHCPCS   CodeSystem = "HCPCS"
	CodeSystemRevenue CodeSystem = "REVENUE"
	CodeSystemOther   CodeSystem = "OTHER"
)

// CodeCategory refines CPT codes by numeric sub-range.
type CodeCategory string

const (
	CategoryNone               CodeCategory = ""
	CategoryAnesthesia         CodeCategory = "anesthesia"
	CategoryProcedural         CodeCategory = "procedural"
	CategoryRadiology          CodeCategory = "radiology"
	CategoryLaboratory         CodeCategory = "laboratory"
	CategoryMedicine           CodeCategory = "medicine"
	CategoryEvaluation         CodeCategory = "evaluation_management"
	CategoryPerformanceMeasure CodeCategory = "performance_measure"
	CategoryEmergingTechnology CodeCategory = "emerging_technology"
	CategoryDrug               CodeCategory = "drug"
	CategorySupply             CodeCategory = "supply"
)

// Field names a per-field confidence or validation slot.
type Field string

const (
	FieldCode          Field = "code"
	FieldDescription   Field = "description"
	FieldCharge        Field = "charge"
	FieldAllowed       Field = "allowed"
	FieldPlanPaid      Field = "plan_paid"
	FieldPatientResp   Field = "patient_resp"
	FieldDateOfService Field = "dos"
	FieldNPI           Field = "npi"
)

// MoneyFields lists the monetary fields in a stable order.
var MoneyFields = []Field{FieldCharge, FieldAllowed, FieldPlanPaid, FieldPatientResp}

// Alternate records a value a vendor reported that did not win consensus.
type Alternate struct {
	Field  Field  `json:"field"`
	Vendor string `json:"vendor"`
	Value  string `json:"value"`
}

// ExtractionRow is one candidate line from one vendor (or, after merging, the
// consensus of two vendors) for one artifact page.
type ExtractionRow struct {
	Vendor         string            `json:"vendor,omitempty"`
	Page           int               `json:"page"`
	RowIndex       int               `json:"row_index"`
	Code           string            `json:"code,omitempty"`
	CodeSystem     CodeSystem        `json:"code_system,omitempty"`
	Modifiers      []string          `json:"modifiers,omitempty"`
	Description    string            `json:"description,omitempty"`
	Units          int               `json:"units,omitempty"`
	Charge         Amount            `json:"charge_cents"`
	Allowed        Amount            `json:"allowed_cents"`
	PlanPaid       Amount            `json:"plan_paid_cents"`
	PatientResp    Amount            `json:"patient_resp_cents"`
	DateOfService  Date              `json:"date_of_service"`
	PlaceOfService string            `json:"place_of_service,omitempty"`
	NPI            string            `json:"npi,omitempty"`
	Confidence     map[Field]float64 `json:"confidence,omitempty"`

	// Consensus metadata, set by the merger.
	VendorConsensus float64     `json:"vendor_consensus"`
	LowConfidence   bool        `json:"low_confidence"`
	Sources         []string    `json:"sources,omitempty"`
	Alternates      []Alternate `json:"alternates,omitempty"`
}

// Money returns the monetary field by name.
func (r *ExtractionRow) Money(f Field) Amount {
	switch f {
	case FieldCharge:
		return r.Charge
	case FieldAllowed:
		return r.Allowed
	case FieldPlanPaid:
		return r.PlanPaid
	case FieldPatientResp:
		return r.PatientResp
	}
	return Amount{}
}

// SetMoney assigns the monetary field by name.
func (r *ExtractionRow) SetMoney(f Field, a Amount) {
	switch f {
	case FieldCharge:
		r.Charge = a
	case FieldAllowed:
		r.Allowed = a
	case FieldPlanPaid:
		r.PlanPaid = a
	case FieldPatientResp:
		r.PatientResp = a
	}
}

// HasMoney reports whether any monetary field is present.
func (r *ExtractionRow) HasMoney() bool {
	return r.Charge.Valid() || r.Allowed.Valid() || r.PlanPaid.Valid() || r.PatientResp.Valid()
}

// PricedLine is the canonical, de-vendored line item. It is immutable once
// built; downstream components hold pointers to it rather than copies.
type PricedLine struct {
	ID             types.ID          `json:"id"`
	ArtifactID     types.ID          `json:"artifact_id"`
	DocType        DocType           `json:"doc_type"`
	Page           int               `json:"page"`
	RowIndex       int               `json:"row_index"`
	Code           string            `json:"code,omitempty"`
	CodeSystem     CodeSystem        `json:"code_system,omitempty"`
	Category       CodeCategory      `json:"category,omitempty"`
	Modifiers      []string          `json:"modifiers,omitempty"`
	Description    string            `json:"description,omitempty"`
	Units          int               `json:"units,omitempty"`
	Charge         Amount            `json:"charge_cents"`
	Allowed        Amount            `json:"allowed_cents"`
	PlanPaid       Amount            `json:"plan_paid_cents"`
	PatientResp    Amount            `json:"patient_resp_cents"`
	DateOfService  Date              `json:"date_of_service"`
	PlaceOfService string            `json:"place_of_service,omitempty"`
	NPI            string            `json:"npi,omitempty"`
	Confidence     map[Field]float64 `json:"confidence,omitempty"`

	VendorConsensus float64 `json:"vendor_consensus"`
	LowConfidence   bool    `json:"low_confidence"`
}

// HasCode reports whether the line carries any billing code.
func (l *PricedLine) HasCode() bool { return l.Code != "" }

// HasModifier reports whether the line carries the given modifier.
func (l *PricedLine) HasModifier(m string) bool {
	for _, x := range l.Modifiers {
		if x == m {
			return true
		}
	}
	return false
}

// HasMoney reports whether any monetary field is present.
func (l *PricedLine) HasMoney() bool {
	return l.Charge.Valid() || l.Allowed.Valid() || l.PlanPaid.Valid() || l.PatientResp.Valid()
}

// Location renders where the line came from, for evidence snippets.
func (l *PricedLine) Location() string {
	return fmt.Sprintf("%s %s p%d r%d", l.DocType, l.ArtifactID, l.Page, l.RowIndex)
}

// MatchType classifies a LineMatch.
type MatchType string

const (
	MatchExact     MatchType = "exact"
	MatchFuzzy     MatchType = "fuzzy"
	MatchManual    MatchType = "manual"
	MatchUnmatched MatchType = "unmatched"
)

// MatchSignals are the weighted components of a match score.
type MatchSignals struct {
	Code        float64 `json:"code"`
	Date        float64 `json:"date"`
	Amount      float64 `json:"amount"`
	Description float64 `json:"description"`
}

// LineMatch pairs one bill line with at most one EOB line.
type LineMatch struct {
	BillLine            *PricedLine  `json:"-"`
	EOBLine             *PricedLine  `json:"-"`
	BillLineID          types.ID     `json:"bill_line_id"`
	EOBLineID           types.ID     `json:"eob_line_id,omitempty"`
	MatchConfidence     float64      `json:"match_confidence"`
	MatchType           MatchType    `json:"match_type"`
	AllowedBasisSavings int64        `json:"allowed_basis_savings_cents"`
	Signals             MatchSignals `json:"signals"`
}

// Confident reports whether the match may be used as an allowed-amount basis.
func (m *LineMatch) Confident() bool {
	return m.EOBLine != nil && m.MatchType != MatchUnmatched
}

// Severity is a static property of a rule.
type Severity string

const (
	SeverityHigh Severity = "high"
	SeverityWarn Severity = "warn"
	SeverityInfo Severity = "info"
)

// Basis names the data source behind a savings figure, most certain first.
type Basis string

const (
	BasisAllowed Basis = "allowed"
	BasisPlan    Basis = "plan"
	BasisCharge  Basis = "charge"
)

// Rank orders bases by certainty; higher is less certain.
func (b Basis) Rank() int {
	switch b {
	case BasisAllowed:
		return 1
	case BasisPlan:
		return 2
	case BasisCharge:
		return 3
	}
	return 0
}

// Evidence is one field/value/location snippet backing a detection.
type Evidence struct {
	Field    string `json:"field"`
	Value    string `json:"value"`
	Location string `json:"location,omitempty"`
}

// Detection is one rule firing. Detections are never mutated after the
// savings calculator has annotated them.
type Detection struct {
	RuleKey      string     `json:"ruleKey"`
	Severity     Severity   `json:"severity"`
	Explanation  string     `json:"explanation"`
	Evidence     []Evidence `json:"evidence"`
	LineIDs      []types.ID `json:"lineIds,omitempty"`
	SavingsCents *int64     `json:"savingsCents,omitempty"`
	SavingsBasis Basis      `json:"savingsBasis,omitempty"`
	Citations    []string   `json:"citations,omitempty"`
}

// CaseBinding is the guard's ledger entry for one (case, artifact) pair.
type CaseBinding struct {
	CaseID        types.ID       `json:"case_id"`
	ArtifactID    types.ID       `json:"artifact_id"`
	ContentDigest types.Digest   `json:"content_digest"`
	LastJobSeq    uint64         `json:"last_job_seq"`
	Status        ArtifactStatus `json:"status"`
}
