package validate

import (
	"errors"
	"testing"
	"time"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	apperrors "github.com/quothealth-eric/wyngai-system-sub007/internal/shared/errors"
)

func TestCode(t *testing.T) {
	tests := []struct {
		code   string
		system billing.CodeSystem
		valid  bool
	}{
		{"99213", billing.CodeSystemCPT, true},
		{"0001F", billing.CodeSystemCPT, true},
		{"0042T", billing.CodeSystemCPT, true},
		{"9921", billing.CodeSystemCPT, false},
		{"99213X", billing.CodeSystemCPT, false},
		{"J1200", billing.CodeSystemHCPCS, true},
		{"A9150", billing.CodeSystemHCPCS, true},
		{"Z1200", billing.CodeSystemHCPCS, false},
		{"0450", billing.CodeSystemRevenue, true},
		{"120", billing.CodeSystemRevenue, true},
		{"12", billing.CodeSystemRevenue, false},
		{"", billing.CodeSystemCPT, false},
		{"ROOM", billing.CodeSystemOther, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.system)+"/"+tt.code, func(t *testing.T) {
			issue := Code(tt.code, tt.system)
			if tt.valid && issue != nil {
				t.Errorf("Expected valid, got %v", issue)
			}
			if !tt.valid && issue == nil {
				t.Error("Expected issue, got nil")
			}
		})
	}
}

func TestServiceDate(t *testing.T) {
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		date  billing.Date
		valid bool
	}{
		{"today", billing.MustDate("2024-06-15"), true},
		{"past", billing.MustDate("2023-12-01"), true},
		{"future", billing.MustDate("2024-06-16"), false},
		{"ancient", billing.MustDate("1899-12-31"), false},
		{"missing", billing.Date{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := ServiceDate(tt.date, now)
			if (issue == nil) != tt.valid {
				t.Errorf("Expected valid=%v, got issue %v", tt.valid, issue)
			}
		})
	}
}

func TestMoney(t *testing.T) {
	tests := []struct {
		name                      string
		charge, allowed, paid, rp billing.Amount
		wantIssues                int
	}{
		{"consistent", billing.Cents(18500), billing.Cents(14200), billing.Cents(11360), billing.Cents(2840), 0},
		{"rounding tolerated", billing.Cents(18500), billing.Cents(14200), billing.Cents(11360), billing.Cents(2841), 0},
		{"resp mismatch", billing.Cents(18500), billing.Cents(14200), billing.Cents(11360), billing.Cents(5000), 1},
		{"allowed over charge", billing.Cents(100), billing.Cents(200), billing.Amount{}, billing.Amount{}, 1},
		{"paid over allowed", billing.Amount{}, billing.Cents(100), billing.Cents(200), billing.Amount{}, 1},
		{"negative charge", billing.Cents(-1), billing.Amount{}, billing.Amount{}, billing.Amount{}, 1},
		{"charge only", billing.Cents(4500), billing.Amount{}, billing.Amount{}, billing.Amount{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := Money(tt.charge, tt.allowed, tt.paid, tt.rp)
			if len(issues) != tt.wantIssues {
				t.Errorf("Expected %d issues, got %d: %v", tt.wantIssues, len(issues), issues)
			}
		})
	}
}

func TestNPI(t *testing.T) {
	if issue := NPI("1234567893"); issue != nil {
		t.Errorf("Expected valid NPI, got %v", issue)
	}
	if issue := NPI("1234567890"); issue == nil {
		t.Error("Expected check digit failure")
	}
	if issue := NPI("12345"); issue == nil {
		t.Error("Expected length failure")
	}
}

func TestRow(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	row := &billing.ExtractionRow{
		Code:          "85025",
		CodeSystem:    billing.CodeSystemCPT,
		Charge:        billing.Cents(4500),
		DateOfService: billing.MustDate("2024-03-01"),
	}
	if issues := Row(row, now); len(issues) != 0 {
		t.Errorf("Expected no issues, got %v", issues)
	}

	row.Code = ""
	row.Charge = billing.Amount{}
	issues := Row(row, now)
	if len(issues) != 2 {
		t.Fatalf("Expected 2 issues, got %d: %v", len(issues), issues)
	}
	if !errors.Is(issues[0].Err(), apperrors.ErrValidationFailure) {
		t.Errorf("Expected ErrValidationFailure, got %v", issues[0].Err())
	}
}
