package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
)

var (
	errNegativeAmount = errors.New("negative amount")
	errUnknownDate    = errors.New("unrecognized date format")

	hundred = decimal.NewFromInt(100)

	moneyCleaner = strings.NewReplacer("$", "", ",", "", " ", "", "USD", "", "usd", "")

	// US month-first layouts only; day-first input is not guessed.
	dateLayouts = []string{
		"2006-01-02",
		"1/2/2006",
		"1/2/06",
		"1-2-2006",
		"1-2-06",
		"2006/1/2",
		"Jan 2, 2006",
		"Jan 2 2006",
		"January 2, 2006",
		"January 2 2006",
		"02-Jan-2006",
		"2-Jan-06",
		"20060102",
	}
)

// ParseMoney converts a currency string into integer cents. Blank and
// placeholder values are absent without error. Parenthesised or signed
// negative values are rejected.
func ParseMoney(s string) (billing.Amount, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "-", "--", "n/a", "na", "none":
		return billing.Amount{}, nil
	}

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}
	s = moneyCleaner.Replace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return billing.Amount{}, fmt.Errorf("not a number")
	}
	if neg {
		d = d.Neg()
	}
	if d.IsNegative() {
		return billing.Amount{}, errNegativeAmount
	}
	return billing.Cents(d.Mul(hundred).Round(0).IntPart()), nil
}

// ParseDate normalizes a service date. Blank values are absent without
// error; unrecognized values are absent with an error.
func ParseDate(s string) (billing.Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return billing.Date{}, nil
	}
	// Vendors sometimes return full timestamps.
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return billing.DateOf(t), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return billing.DateOf(t), nil
		}
	}
	return billing.Date{}, errUnknownDate
}

// ParseUnits parses a unit count. Absent units mean one.
func ParseUnits(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 1, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 1, fmt.Errorf("not a number")
	}
	if d.IsNegative() || !d.Equal(d.Truncate(0)) {
		return 1, fmt.Errorf("not a whole count")
	}
	n := int(d.IntPart())
	if n == 0 {
		n = 1
	}
	return n, nil
}
