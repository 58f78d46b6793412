// Package detection evaluates a fixed, ordered rule table over reconciled
// billing data.
package detection

import (
	"time"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/metrics"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
)

// SavingsMode declares what part of a flagged line is disputed.
type SavingsMode string

const (
	// SavingsNone: the finding carries no dollar figure.
	SavingsNone SavingsMode = "none"
	// SavingsFullLine: the flagged line should not be owed at all.
	SavingsFullLine SavingsMode = "full_line"
	// SavingsOvercharge: only the excess over a reference amount is disputed.
	SavingsOvercharge SavingsMode = "overcharge"
	// SavingsPatientDue: the patient is asked for more than the EOB says they owe.
	SavingsPatientDue SavingsMode = "patient_due"
)

// GeneralReviewKey is emitted alone when no rule fires.
const GeneralReviewKey = "general_review"

// Input is the immutable view a rule evaluates.
type Input struct {
	Summary *billing.PricedSummary
	// Matches is nil when no EOB was reconciled against the summary.
	Matches []billing.LineMatch
	Policy  *Policy
	Now     time.Time

	matchByLine map[types.ID]*billing.LineMatch
}

// NewInput indexes matches by bill line.
func NewInput(summary *billing.PricedSummary, matches []billing.LineMatch, policy *Policy, now time.Time) *Input {
	in := &Input{Summary: summary, Matches: matches, Policy: policy, Now: now}
	in.matchByLine = make(map[types.ID]*billing.LineMatch, len(matches))
	for i := range matches {
		in.matchByLine[matches[i].BillLineID] = &matches[i]
	}
	return in
}

// Match returns the confident match for a bill line, if any.
func (in *Input) Match(lineID types.ID) (*billing.LineMatch, bool) {
	m, ok := in.matchByLine[lineID]
	if !ok || !m.Confident() {
		return nil, false
	}
	return m, true
}

// Reconciled reports whether the summary was matched against an EOB.
func (in *Input) Reconciled() bool { return in.Matches != nil }

// Finding is what a rule reports before it becomes a Detection.
type Finding struct {
	Explanation string
	Evidence    []billing.Evidence
	Lines       []*billing.PricedLine
	// Disputed is the raw amount per line on the charge basis, keyed by line ID.
	Disputed map[types.ID]int64
}

// Source says which document a rule prefers when a case has both.
type Source int

const (
	// SourceAny evaluates every document.
	SourceAny Source = iota
	// SourceCharges prefers the bill; the EOB is used only when no bill exists.
	SourceCharges
	// SourceResponsibility prefers the EOB; the bill is used only when no EOB exists.
	SourceResponsibility
)

// Rule is one entry of the rule table. Evaluate must be pure.
type Rule struct {
	Key         string
	Title       string
	Severity    billing.Severity
	Savings     SavingsMode
	Source      Source
	Description string
	Evaluate    func(in *Input) []Finding
}

func (r Rule) applies(doc billing.DocType, hasBill, hasEOB bool) bool {
	switch r.Source {
	case SourceCharges:
		return doc != billing.DocTypeEOB || !hasBill
	case SourceResponsibility:
		return doc == billing.DocTypeEOB || !hasEOB
	}
	return true
}

// Flag is a Detection plus what the savings calculator needs to price it.
type Flag struct {
	billing.Detection
	Mode     SavingsMode
	Lines    []*billing.PricedLine
	Disputed map[types.ID]int64
}

// Engine evaluates the rule table.
type Engine struct {
	rules  []Rule
	policy *Policy
	now    func() time.Time
}

// NewEngine creates an engine over the standard rule table. A nil policy
// uses DefaultPolicy.
func NewEngine(policy *Policy) *Engine {
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Engine{rules: Rules(), policy: policy, now: time.Now}
}

// Policy returns the policy in effect.
func (e *Engine) Policy() *Policy { return e.policy }

// RuleInfo describes one rule for listings.
type RuleInfo struct {
	Key         string           `json:"key"`
	Title       string           `json:"title"`
	Severity    billing.Severity `json:"severity"`
	Savings     SavingsMode      `json:"savings_mode"`
	Description string           `json:"description"`
	Citations   []string         `json:"citations,omitempty"`
}

// Catalog lists the rules in evaluation order with the policy's citations.
func (e *Engine) Catalog() []RuleInfo {
	out := make([]RuleInfo, len(e.rules))
	for i, r := range e.rules {
		out[i] = RuleInfo{
			Key:         r.Key,
			Title:       r.Title,
			Severity:    r.Severity,
			Savings:     r.Savings,
			Description: r.Description,
			Citations:   e.policy.citations(r.Key),
		}
	}
	return out
}

// Evaluate runs every rule over one summary.
func (e *Engine) Evaluate(summary *billing.PricedSummary, matches []billing.LineMatch) []Flag {
	return e.EvaluateAll(Subject{Summary: summary, Matches: matches})
}

// Subject is one summary to evaluate, with its matches if reconciled.
type Subject struct {
	Summary *billing.PricedSummary
	Matches []billing.LineMatch
}

// EvaluateAll runs every rule over each subject in order. Output order is
// subject order, then rule order, then the rule's own line order. If nothing
// fires across all subjects, a single general review flag is returned.
func (e *Engine) EvaluateAll(subjects ...Subject) []Flag {
	now := e.now()
	hasBill, hasEOB := false, false
	for _, s := range subjects {
		if s.Summary == nil || len(s.Summary.Lines) == 0 {
			continue
		}
		switch s.Summary.DocType {
		case billing.DocTypeBill:
			hasBill = true
		case billing.DocTypeEOB:
			hasEOB = true
		}
	}

	var flags []Flag
	for _, s := range subjects {
		if s.Summary == nil {
			continue
		}
		in := NewInput(s.Summary, s.Matches, e.policy, now)
		for _, r := range e.rules {
			if !r.applies(s.Summary.DocType, hasBill, hasEOB) {
				continue
			}
			for _, f := range r.Evaluate(in) {
				flags = append(flags, e.flag(r, f))
			}
		}
	}

	if len(flags) == 0 {
		flags = append(flags, Flag{
			Detection: billing.Detection{
				RuleKey:     GeneralReviewKey,
				Severity:    billing.SeverityInfo,
				Explanation: "General review complete: no billing issues were detected in the reconciled documents.",
				Evidence:    []billing.Evidence{},
				Citations:   e.policy.citations(GeneralReviewKey),
			},
			Mode: SavingsNone,
		})
	}

	for _, f := range flags {
		metrics.RecordDetection(f.RuleKey, string(f.Severity))
	}
	return flags
}

func (e *Engine) flag(r Rule, f Finding) Flag {
	ids := make([]types.ID, 0, len(f.Lines))
	for _, l := range f.Lines {
		ids = append(ids, l.ID)
	}
	evidence := f.Evidence
	if evidence == nil {
		evidence = []billing.Evidence{}
	}
	return Flag{
		Detection: billing.Detection{
			RuleKey:     r.Key,
			Severity:    r.Severity,
			Explanation: f.Explanation,
			Evidence:    evidence,
			LineIDs:     ids,
			Citations:   e.policy.citations(r.Key),
		},
		Mode:     r.Savings,
		Lines:    f.Lines,
		Disputed: f.Disputed,
	}
}

// Detections strips savings metadata from flags.
func Detections(flags []Flag) []billing.Detection {
	out := make([]billing.Detection, len(flags))
	for i, f := range flags {
		out[i] = f.Detection
	}
	return out
}
