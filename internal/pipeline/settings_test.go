package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/detection"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/matching"
)

func writeSettings(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadSettings(t *testing.T) {
	path := writeSettings(t, `
policy:
  arithmetic_tolerance_cents: 2
  frequency:
    per_code:
      "36415": 1
matcher:
  exact_at: 0.85
plan:
  deductible_remaining_cents: 25000
  coinsurance_bps: 2000
`)

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if s.Policy.ArithmeticToleranceCents != 2 {
		t.Errorf("Expected tolerance 2, got %d", s.Policy.ArithmeticToleranceCents)
	}
	if s.Policy.Frequency.PerCode["36415"] != 1 {
		t.Errorf("Expected 36415 limit 1, got %d", s.Policy.Frequency.PerCode["36415"])
	}
	if s.Policy.ExcessiveCharge.DefaultCents != detection.DefaultPolicy().ExcessiveCharge.DefaultCents {
		t.Error("Expected default excessive charge ceiling kept")
	}
	if s.Matcher.ExactAt != 0.85 {
		t.Errorf("Expected exact_at 0.85, got %v", s.Matcher.ExactAt)
	}
	if s.Matcher.Weights != matching.DefaultOptions().Weights {
		t.Errorf("Expected default weights kept, got %+v", s.Matcher.Weights)
	}
	if s.Plan == nil || s.Plan.DeductibleRemaining != 25000 || s.Plan.CoinsuranceBps != 2000 {
		t.Errorf("Expected plan defaults loaded, got %+v", s.Plan)
	}

	deps := s.Deps()
	if deps.Matcher == nil || deps.Engine == nil {
		t.Error("Expected matcher and engine built from settings")
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if s.Plan != nil {
		t.Error("Expected no default plan")
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadSettingsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"policy", "policy:\n  frequency:\n    default_per_day: 0\n"},
		{"matcher", "matcher:\n  weights:\n    code: 0.9\n"},
		{"plan", "plan:\n  coinsurance_bps: -5\n"},
		{"syntax", "policy: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadSettings(writeSettings(t, tt.data)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
