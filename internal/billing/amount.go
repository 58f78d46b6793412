package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Amount is an optional monetary value in integer minor units (cents).
// The zero value is absent, which is distinct from a present $0.00.
type Amount struct {
	cents int64
	valid bool
}

// Cents returns a present amount.
func Cents(c int64) Amount {
	return Amount{cents: c, valid: true}
}

// Valid reports whether the amount is present.
func (a Amount) Valid() bool { return a.valid }

// Value returns the cents, or 0 when absent.
func (a Amount) Value() int64 {
	if !a.valid {
		return 0
	}
	return a.cents
}

// Or returns the cents, or def when absent.
func (a Amount) Or(def int64) int64 {
	if !a.valid {
		return def
	}
	return a.cents
}

// String renders dollars for explanations, e.g. "$1,234.50".
func (a Amount) String() string {
	if !a.valid {
		return "n/a"
	}
	return FormatCents(a.cents)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if !a.valid {
		return []byte("null"), nil
	}
	return json.Marshal(a.cents)
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*a = Amount{}
		return nil
	}
	var c int64
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	*a = Cents(c)
	return nil
}

// FormatCents renders a cents value as dollars with thousands separators.
func FormatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	dollars := fmt.Sprintf("%d", c/100)
	var grouped []byte
	for i := range dollars {
		if i > 0 && (len(dollars)-i)%3 == 0 {
			grouped = append(grouped, ',')
		}
		grouped = append(grouped, dollars[i])
	}
	return fmt.Sprintf("%s$%s.%02d", sign, grouped, c%100)
}
