package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
)

var (
	textDate   = regexp.MustCompile(`^(\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}-\d{2}-\d{2})\s+`)
	textCode   = regexp.MustCompile(`^(\d{5}|\d{4}[FT]|[A-V]\d{4}|0\d{3})(?:\s+|$)`)
	textAmount = regexp.MustCompile(`\(?\$?(?:\d{1,3}(?:,\d{3})+|\d+)\.\d{2}\)?`)
	textUnits  = regexp.MustCompile(`\s+(\d{1,2})$`)
	textTotal  = regexp.MustCompile(`(?i)\b(sub\s*-?total|total charges|total|balance due|amount due|patient balance)\b`)
)

// TextResult is what can be recovered from page text without a provider's
// row structure.
type TextResult struct {
	Rows           []billing.ExtractionRow
	DeclaredBilled billing.Amount
}

// ParseText extracts line items from raw OCR text, one candidate per line.
// A code is only taken from the leading code column; lines without one keep
// an empty code. Amounts must carry cents so that bare numbers such as room
// numbers or quantities are never read as money. Form feeds start a new page.
func ParseText(text string) TextResult {
	var res TextResult
	for pageIdx, page := range strings.Split(text, "\f") {
		rowIdx := 0
		for _, raw := range strings.Split(page, "\n") {
			line := strings.TrimSpace(raw)
			if line == "" {
				continue
			}

			row, kind := parseTextLine(line)
			switch kind {
			case lineTotal:
				if !res.DeclaredBilled.Valid() {
					res.DeclaredBilled = row.Charge
				}
				continue
			case lineSkip:
				continue
			}
			row.Page = pageIdx + 1
			row.RowIndex = rowIdx
			rowIdx++
			res.Rows = append(res.Rows, row)
		}
	}
	return res
}

type lineKind int

const (
	lineSkip lineKind = iota
	lineItem
	lineTotal
)

func parseTextLine(line string) (billing.ExtractionRow, lineKind) {
	var row billing.ExtractionRow

	if m := textDate.FindStringSubmatch(line); m != nil {
		if d, err := ParseDate(m[1]); err == nil {
			row.DateOfService = d
		}
		line = line[len(m[0]):]
	}
	if m := textCode.FindStringSubmatch(line); m != nil {
		row.Code = m[1]
		row.CodeSystem, _ = Classify(m[1])
		line = line[len(m[0]):]
	}

	locs := textAmount.FindAllStringIndex(line, -1)
	if len(locs) == 0 {
		// No money on the line: a heading or a wrapped description.
		return row, lineSkip
	}
	if row.Code == "" && textTotal.MatchString(line) {
		a, err := ParseMoney(line[locs[len(locs)-1][0]:locs[len(locs)-1][1]])
		if err != nil {
			return row, lineSkip
		}
		return billing.ExtractionRow{Charge: a}, lineTotal
	}

	desc := strings.TrimSpace(line[:locs[0][0]])
	row.Units = 1
	if m := textUnits.FindStringSubmatch(desc); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			row.Units = n
			desc = strings.TrimSpace(desc[:len(desc)-len(m[0])])
		}
	}
	row.Description = desc

	for i, loc := range locs {
		if i >= len(billing.MoneyFields) {
			break
		}
		a, err := ParseMoney(line[loc[0]:loc[1]])
		if err != nil {
			continue
		}
		row.SetMoney(billing.MoneyFields[i], a)
	}

	if IsNoise(&row) {
		return row, lineSkip
	}
	return row, lineItem
}
