package consensus

import (
	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
)

// pair holds indexes into the two row sets; -1 means absent.
type pair struct {
	a, b int
}

type position struct {
	page, row int
}

// align pairs rows across providers. Providers may omit or reorder rows, so
// exact index equality is not assumed. Passes, in order:
//  1. same code and service date
//  2. same page and row position
//  3. code-less rows with the same service date and charge
//  4. remaining rows by ordinal position within a page, when their service
//     date and charge do not contradict each other
//
// Pass 4 catches providers that number rows differently, so two readings
// of one line with different codes end up as a conflict, not two lines.
// Unpaired rows from either side are kept as singles. The result follows
// the primary side's order, with the secondary's singles appended.
func align(a, b []billing.ExtractionRow) []pair {
	matchA := make([]int, len(a))
	usedB := make([]bool, len(b))
	for i := range matchA {
		matchA[i] = -1
	}

	claim := func(i int, candidates []int) bool {
		for _, j := range candidates {
			if !usedB[j] {
				usedB[j] = true
				matchA[i] = j
				return true
			}
		}
		return false
	}

	byKey := make(map[string][]int)
	for j := range b {
		if k := codeKey(&b[j]); k != "" {
			byKey[k] = append(byKey[k], j)
		}
	}
	for i := range a {
		if k := codeKey(&a[i]); k != "" {
			claim(i, byKey[k])
		}
	}

	byPos := make(map[position][]int)
	for j := range b {
		p := position{b[j].Page, b[j].RowIndex}
		byPos[p] = append(byPos[p], j)
	}
	for i := range a {
		if matchA[i] < 0 {
			claim(i, byPos[position{a[i].Page, a[i].RowIndex}])
		}
	}

	byAmount := make(map[string][]int)
	for j := range b {
		if k := amountKey(&b[j]); k != "" {
			byAmount[k] = append(byAmount[k], j)
		}
	}
	for i := range a {
		if matchA[i] < 0 {
			if k := amountKey(&a[i]); k != "" {
				claim(i, byAmount[k])
			}
		}
	}

	leftB := make(map[int][]int)
	for j := range b {
		if !usedB[j] {
			leftB[b[j].Page] = append(leftB[b[j].Page], j)
		}
	}
	for i := range a {
		if matchA[i] >= 0 {
			continue
		}
		rest := leftB[a[i].Page]
		if len(rest) == 0 {
			continue
		}
		if j := rest[0]; compatible(&a[i], &b[j]) {
			usedB[j] = true
			matchA[i] = j
			leftB[a[i].Page] = rest[1:]
		}
	}

	pairs := make([]pair, 0, len(a)+len(b))
	for i := range a {
		pairs = append(pairs, pair{a: i, b: matchA[i]})
	}
	for j := range b {
		if !usedB[j] {
			pairs = append(pairs, pair{a: -1, b: j})
		}
	}
	return pairs
}

func codeKey(r *billing.ExtractionRow) string {
	if r.Code == "" {
		return ""
	}
	return r.Code + "|" + r.DateOfService.String()
}

func amountKey(r *billing.ExtractionRow) string {
	if r.Code != "" || !r.Charge.Valid() {
		return ""
	}
	return r.DateOfService.String() + "|" + r.Charge.String()
}

// compatible reports whether two rows could be readings of the same line:
// service dates and charges agree wherever both sides have them.
func compatible(x, y *billing.ExtractionRow) bool {
	if !x.DateOfService.IsZero() && !y.DateOfService.IsZero() && !x.DateOfService.Equal(y.DateOfService) {
		return false
	}
	if x.Charge.Valid() && y.Charge.Valid() && MoneyScore(x.Charge.Value(), y.Charge.Value()) == ScoreConflict {
		return false
	}
	return true
}
