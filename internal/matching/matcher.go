// Package matching pairs bill lines with EOB lines.
package matching

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
)

// Weights of the match signals. They sum to 1.
type Weights struct {
	Code        float64 `yaml:"code" json:"code"`
	Date        float64 `yaml:"date" json:"date"`
	Amount      float64 `yaml:"amount" json:"amount"`
	Description float64 `yaml:"description" json:"description"`
}

// Options configure the matcher.
type Options struct {
	Weights Weights `yaml:"weights" json:"weights"`
	// MinScore is the floor for any candidate to be considered.
	MinScore float64 `yaml:"min_score" json:"min_score"`
	// ExactAt and FuzzyAt grade accepted matches; below FuzzyAt a line is unmatched.
	ExactAt float64 `yaml:"exact_at" json:"exact_at"`
	FuzzyAt float64 `yaml:"fuzzy_at" json:"fuzzy_at"`
	// Manual pins bill line IDs to EOB line IDs ahead of scoring.
	Manual map[types.ID]types.ID `yaml:"-" json:"manual,omitempty"`
}

// DefaultOptions returns the standard weights and thresholds.
func DefaultOptions() Options {
	return Options{
		Weights:  Weights{Code: 0.45, Date: 0.25, Amount: 0.20, Description: 0.10},
		MinScore: 0.5,
		ExactAt:  0.8,
		FuzzyAt:  0.6,
	}
}

// Validate rejects weights and thresholds the matcher cannot grade with.
func (o Options) Validate() error {
	w := o.Weights
	if w.Code < 0 || w.Date < 0 || w.Amount < 0 || w.Description < 0 {
		return fmt.Errorf("match weights must not be negative")
	}
	if sum := w.Code + w.Date + w.Amount + w.Description; math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("match weights must sum to 1, got %.3f", sum)
	}
	if !(0 <= o.MinScore && o.MinScore <= o.FuzzyAt && o.FuzzyAt <= o.ExactAt && o.ExactAt <= 1) {
		return fmt.Errorf("match thresholds must satisfy 0 <= min_score <= fuzzy_at <= exact_at <= 1")
	}
	return nil
}

// Matcher performs greedy one-to-one assignment. It is stateless and safe
// for concurrent use.
type Matcher struct {
	opts Options
}

func New(opts Options) *Matcher {
	return &Matcher{opts: opts}
}

type candidate struct {
	idx      int
	score    float64
	signals  billing.MatchSignals
	dateDiff int
	amtDiff  int64
}

const (
	missingDateDiff = math.MaxInt32
	missingAmtDiff  = math.MaxInt64
	scoreEpsilon    = 1e-9
)

// Match returns exactly one LineMatch per bill line, in bill order. Each EOB
// line is consumed by at most one match.
func (m *Matcher) Match(bill, eob []*billing.PricedLine) []billing.LineMatch {
	matches := make([]billing.LineMatch, len(bill))
	consumed := make([]bool, len(eob))
	done := make([]bool, len(bill))

	eobByID := make(map[types.ID]int, len(eob))
	for j, e := range eob {
		eobByID[e.ID] = j
	}
	for i, b := range bill {
		target, ok := m.opts.Manual[b.ID]
		if !ok {
			continue
		}
		j, ok := eobByID[target]
		if !ok || consumed[j] {
			continue
		}
		consumed[j] = true
		done[i] = true
		matches[i] = newMatch(b, eob[j], 1.0, billing.MatchManual, m.signals(b, eob[j]))
	}

	for i, b := range bill {
		if done[i] {
			continue
		}
		best, ok := m.best(b, eob, consumed)
		if !ok || best.score < m.opts.FuzzyAt {
			matches[i] = billing.LineMatch{
				BillLine:   b,
				BillLineID: b.ID,
				MatchType:  billing.MatchUnmatched,
			}
			if ok {
				matches[i].MatchConfidence = best.score
				matches[i].Signals = best.signals
			}
			continue
		}

		consumed[best.idx] = true
		matchType := billing.MatchFuzzy
		if best.score >= m.opts.ExactAt {
			matchType = billing.MatchExact
		}
		matches[i] = newMatch(b, eob[best.idx], best.score, matchType, best.signals)
	}
	return matches
}

func newMatch(b, e *billing.PricedLine, score float64, t billing.MatchType, sig billing.MatchSignals) billing.LineMatch {
	return billing.LineMatch{
		BillLine:            b,
		EOBLine:             e,
		BillLineID:          b.ID,
		EOBLineID:           e.ID,
		MatchConfidence:     score,
		MatchType:           t,
		AllowedBasisSavings: AllowedBasisSavings(b, e),
		Signals:             sig,
	}
}

// AllowedBasisSavings is max(billCharge - eobAllowed, 0). It is zero when
// either amount is missing.
func AllowedBasisSavings(b, e *billing.PricedLine) int64 {
	if !b.Charge.Valid() || !e.Allowed.Valid() {
		return 0
	}
	if d := b.Charge.Value() - e.Allowed.Value(); d > 0 {
		return d
	}
	return 0
}

// best finds the highest-scoring unconsumed candidate at or above MinScore.
// Ties go to the smaller date difference, then the closer charge, then the
// earlier EOB line.
func (m *Matcher) best(b *billing.PricedLine, eob []*billing.PricedLine, consumed []bool) (candidate, bool) {
	var best candidate
	found := false
	for j, e := range eob {
		if consumed[j] {
			continue
		}
		if b.HasCode() && e.HasCode() && b.Code != e.Code {
			continue
		}
		sig := m.signals(b, e)
		c := candidate{
			idx:      j,
			score:    m.score(sig),
			signals:  sig,
			dateDiff: dateDiff(b, e),
			amtDiff:  amountDiff(b, e),
		}
		if c.score+scoreEpsilon < m.opts.MinScore {
			continue
		}
		if !found || better(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

func better(c, best candidate) bool {
	if math.Abs(c.score-best.score) > scoreEpsilon {
		return c.score > best.score
	}
	if c.dateDiff != best.dateDiff {
		return c.dateDiff < best.dateDiff
	}
	if c.amtDiff != best.amtDiff {
		return c.amtDiff < best.amtDiff
	}
	return c.idx < best.idx
}

func (m *Matcher) score(s billing.MatchSignals) float64 {
	w := m.opts.Weights
	total := w.Code + w.Date + w.Amount + w.Description
	if total == 0 {
		return 0
	}
	return (s.Code*w.Code + s.Date*w.Date + s.Amount*w.Amount + s.Description*w.Description) / total
}

func (m *Matcher) signals(b, e *billing.PricedLine) billing.MatchSignals {
	return billing.MatchSignals{
		Code:        codeSignal(b, e),
		Date:        dateSignal(b, e),
		Amount:      amountSignal(b, e),
		Description: Jaccard(b.Description, e.Description),
	}
}

func codeSignal(b, e *billing.PricedLine) float64 {
	switch {
	case !b.HasCode() || !e.HasCode():
		return 0.5
	case b.Code == e.Code:
		return 1
	}
	return 0
}

func dateSignal(b, e *billing.PricedLine) float64 {
	if b.DateOfService.IsZero() || e.DateOfService.IsZero() {
		return 0.5
	}
	switch d := billing.DaysBetween(b.DateOfService, e.DateOfService); {
	case d == 0:
		return 1
	case d <= 7:
		return 0.6
	case d <= 30:
		return 0.3
	}
	return 0
}

func amountSignal(b, e *billing.PricedLine) float64 {
	if !b.Charge.Valid() || !e.Charge.Valid() {
		return 0.5
	}
	x, y := float64(b.Charge.Value()), float64(e.Charge.Value())
	if x == y {
		return 1
	}
	rel := math.Abs(x-y) / math.Max(x, y)
	switch {
	case rel <= 0.005:
		return 1
	case rel <= 0.05:
		return 0.7
	case rel <= 0.15:
		return 0.4
	}
	return 0
}

func dateDiff(b, e *billing.PricedLine) int {
	if b.DateOfService.IsZero() || e.DateOfService.IsZero() {
		return missingDateDiff
	}
	return billing.DaysBetween(b.DateOfService, e.DateOfService)
}

func amountDiff(b, e *billing.PricedLine) int64 {
	if !b.Charge.Valid() || !e.Charge.Valid() {
		return missingAmtDiff
	}
	d := b.Charge.Value() - e.Charge.Value()
	if d < 0 {
		d = -d
	}
	return d
}

// Jaccard is the token-set similarity of two descriptions.
func Jaccard(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[f] = true
	}
	return out
}
