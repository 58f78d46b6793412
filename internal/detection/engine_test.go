package detection

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	e := NewEngine(nil)
	e.now = func() time.Time { return testNow }
	return e
}

type lineOpt func(*billing.PricedLine)

func charge(c int64) lineOpt { return func(l *billing.PricedLine) { l.Charge = billing.Cents(c) } }
func allowed(c int64) lineOpt { return func(l *billing.PricedLine) { l.Allowed = billing.Cents(c) } }
func paid(c int64) lineOpt { return func(l *billing.PricedLine) { l.PlanPaid = billing.Cents(c) } }
func resp(c int64) lineOpt { return func(l *billing.PricedLine) { l.PatientResp = billing.Cents(c) } }
func dos(s string) lineOpt { return func(l *billing.PricedLine) { l.DateOfService = billing.MustDate(s) } }
func desc(s string) lineOpt { return func(l *billing.PricedLine) { l.Description = s } }
func qty(n int) lineOpt { return func(l *billing.PricedLine) { l.Units = n } }
func mods(m ...string) lineOpt {
	return func(l *billing.PricedLine) { l.Modifiers = m }
}
func lowConfidence() lineOpt {
	return func(l *billing.PricedLine) {
		l.LowConfidence = true
		l.VendorConsensus = 0.5
	}
}

func line(doc billing.DocType, code string, sys billing.CodeSystem, cat billing.CodeCategory, opts ...lineOpt) *billing.PricedLine {
	l := &billing.PricedLine{
		ID:              types.NewID(),
		DocType:         doc,
		Code:            code,
		CodeSystem:      sys,
		Category:        cat,
		Units:           1,
		VendorConsensus: 1,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func visit(doc billing.DocType, opts ...lineOpt) *billing.PricedLine {
	return line(doc, "99213", billing.CodeSystemCPT, billing.CategoryEvaluation, opts...)
}

func cbc(doc billing.DocType, opts ...lineOpt) *billing.PricedLine {
	return line(doc, "85025", billing.CodeSystemCPT, billing.CategoryLaboratory, opts...)
}

func bill(lines ...*billing.PricedLine) *billing.PricedSummary {
	return billing.NewSummary(billing.DocTypeBill, billing.Header{}, lines)
}

func eob(lines ...*billing.PricedLine) *billing.PricedSummary {
	return billing.NewSummary(billing.DocTypeEOB, billing.Header{}, lines)
}

func keys(flags []Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = f.RuleKey
	}
	return out
}

func TestRuleTable(t *testing.T) {
	want := []string{
		"duplicate_charge", "unbundling", "missing_code", "invalid_code",
		"missing_service_date", "date_inconsistency", "excessive_charge",
		"frequency_anomaly", "math_error", "totals_mismatch",
		"allowed_exceeds_charge", "paid_exceeds_allowed", "balance_billing",
		"eob_zero_responsibility", "unmatched_bill_line", "preventive_cost_share",
		"routine_supply_charge", "low_confidence_extraction",
	}

	rules := Rules()
	got := make([]string, len(rules))
	for i, r := range rules {
		got[i] = r.Key
		if r.Evaluate == nil {
			t.Errorf("Rule %s has no evaluator", r.Key)
		}
		if r.Severity == "" {
			t.Errorf("Rule %s has no severity", r.Key)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Rule table mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateEOBScenario(t *testing.T) {
	s := eob(
		visit(billing.DocTypeEOB, dos("2024-03-01"), charge(18500), allowed(14200), paid(11360), resp(2840)),
		visit(billing.DocTypeEOB, dos("2024-03-08"), charge(18500), allowed(14200), paid(11360), resp(2840)),
		cbc(billing.DocTypeEOB, dos("2024-03-01"), charge(4500), allowed(3200), paid(2560), resp(640)),
	)

	want := billing.Totals{Billed: 41500, Allowed: 31600, PlanPaid: 25280, PatientResp: 6320}
	if diff := cmp.Diff(want, s.Totals); diff != "" {
		t.Errorf("Totals mismatch (-want +got):\n%s", diff)
	}

	flags := newTestEngine().Evaluate(s, nil)

	for _, f := range flags {
		if f.RuleKey == "math_error" {
			t.Errorf("Expected no math_error, got %q", f.Explanation)
		}
	}
	if diff := cmp.Diff([]string{GeneralReviewKey}, keys(flags)); diff != "" {
		t.Errorf("Flags mismatch (-want +got):\n%s", diff)
	}
	if flags[0].Severity != billing.SeverityInfo {
		t.Errorf("Expected general review at info, got %s", flags[0].Severity)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	lines := []*billing.PricedLine{
		cbc(billing.DocTypeBill, dos("2024-03-01"), charge(4500)),
		cbc(billing.DocTypeBill, dos("2024-03-01"), charge(4500)),
		cbc(billing.DocTypeBill, dos("2024-03-01"), charge(4500)),
		visit(billing.DocTypeBill, dos("2024-03-01"), charge(90000)),
		line(billing.DocTypeBill, "10060", billing.CodeSystemCPT, billing.CategoryProcedural, dos("2024-03-01"), charge(30000)),
		line(billing.DocTypeBill, "", "", billing.CategoryNone, desc("STERILE GLOVES"), dos("2024-03-01"), charge(1200)),
		line(billing.DocTypeBill, "", "", billing.CategoryNone, charge(9900), lowConfidence()),
	}
	s := bill(lines...)
	e := newTestEngine()

	first := Detections(e.Evaluate(s, nil))
	second := Detections(e.Evaluate(s, nil))

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Expected identical output across runs (-first +second):\n%s", diff)
	}

	want := []string{
		"duplicate_charge", "unbundling", "missing_code", "excessive_charge",
		"frequency_anomaly", "routine_supply_charge", "low_confidence_extraction",
	}
	if diff := cmp.Diff(want, keys(e.Evaluate(s, nil))); diff != "" {
		t.Errorf("Flags mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluateAllSourceScoping(t *testing.T) {
	b := bill(
		line(billing.DocTypeBill, "ABC12", billing.CodeSystemOther, billing.CategoryNone, dos("2024-03-01"), charge(1000)),
		line(billing.DocTypeBill, "99395", billing.CodeSystemCPT, billing.CategoryEvaluation, dos("2024-03-01"), charge(25000), resp(5000)),
	)
	e := eob(
		line(billing.DocTypeEOB, "ABC12", billing.CodeSystemOther, billing.CategoryNone, dos("2024-03-01"), charge(1000)),
		line(billing.DocTypeEOB, "99395", billing.CodeSystemCPT, billing.CategoryEvaluation, dos("2024-03-01"), charge(25000), allowed(20000), paid(15000), resp(5000)),
	)

	flags := newTestEngine().EvaluateAll(Subject{Summary: b}, Subject{Summary: e})

	found := map[string]billing.DocType{}
	for _, f := range flags {
		if len(f.Lines) == 0 {
			continue
		}
		if doc, ok := found[f.RuleKey]; ok && doc != f.Lines[0].DocType {
			t.Errorf("Rule %s fired on both documents", f.RuleKey)
		}
		found[f.RuleKey] = f.Lines[0].DocType
	}
	if found["invalid_code"] != billing.DocTypeBill {
		t.Errorf("Expected invalid_code on the bill, got %q", found["invalid_code"])
	}
	if found["preventive_cost_share"] != billing.DocTypeEOB {
		t.Errorf("Expected preventive_cost_share on the EOB, got %q", found["preventive_cost_share"])
	}
}

func TestEvaluateCitations(t *testing.T) {
	b := visit(billing.DocTypeBill, dos("2024-03-01"), charge(18500))
	e := visit(billing.DocTypeEOB, dos("2024-03-01"), charge(18500), allowed(14200), paid(11360), resp(2840))
	matches := []billing.LineMatch{{BillLine: b, EOBLine: e, BillLineID: b.ID, EOBLineID: e.ID, MatchType: billing.MatchExact, MatchConfidence: 1}}

	eng := newTestEngine()
	flags := eng.Evaluate(bill(b), matches)

	if diff := cmp.Diff([]string{"balance_billing"}, keys(flags)); diff != "" {
		t.Fatalf("Flags mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"45 CFR Part 149"}, flags[0].Citations); diff != "" {
		t.Errorf("Citations mismatch (-want +got):\n%s", diff)
	}
	if flags[0].Mode != SavingsPatientDue {
		t.Errorf("Expected patient_due mode, got %s", flags[0].Mode)
	}

	flags[0].Citations[0] = "changed"
	again := eng.Evaluate(bill(b), matches)
	if again[0].Citations[0] != "45 CFR Part 149" {
		t.Error("Expected citations to be copied out of the policy")
	}
}

func TestEvaluateGeneralReviewOnEmptyInput(t *testing.T) {
	flags := newTestEngine().EvaluateAll()
	if len(flags) != 1 || flags[0].RuleKey != GeneralReviewKey {
		t.Fatalf("Expected single general review, got %v", keys(flags))
	}
	if flags[0].Evidence == nil {
		t.Error("Expected non-nil evidence")
	}
}

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()

	t.Run("merges over defaults", func(t *testing.T) {
		path := filepath.Join(dir, "policy.yaml")
		data := "frequency:\n  per_code:\n    \"36415\": 1\narithmetic_tolerance_cents: 5\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}

		p, err := LoadPolicy(path)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if p.Frequency.PerCode["36415"] != 1 {
			t.Errorf("Expected 36415 limit 1, got %d", p.Frequency.PerCode["36415"])
		}
		if p.Frequency.PerCode["80053"] != 1 {
			t.Errorf("Expected default 80053 limit kept, got %d", p.Frequency.PerCode["80053"])
		}
		if p.ArithmeticToleranceCents != 5 {
			t.Errorf("Expected tolerance 5, got %d", p.ArithmeticToleranceCents)
		}
		if p.ExcessiveCharge.DefaultCents != DefaultPolicy().ExcessiveCharge.DefaultCents {
			t.Error("Expected default excessive charge ceiling kept")
		}
	})

	t.Run("rejects invalid thresholds", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		if err := os.WriteFile(path, []byte("frequency:\n  default_per_day: 0\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadPolicy(path); err == nil {
			t.Error("Expected error for zero frequency limit")
		}
	})

	t.Run("empty path", func(t *testing.T) {
		p, err := LoadPolicy("")
		if err != nil || p == nil {
			t.Fatalf("Expected defaults, got %v", err)
		}
	})
}

func TestCatalog(t *testing.T) {
	catalog := NewEngine(nil).Catalog()
	if len(catalog) != len(Rules()) {
		t.Fatalf("Expected %d rules, got %d", len(Rules()), len(catalog))
	}
	for i, r := range Rules() {
		if catalog[i].Key != r.Key || catalog[i].Severity != r.Severity {
			t.Errorf("Expected %s/%s at %d, got %s/%s", r.Key, r.Severity, i, catalog[i].Key, catalog[i].Severity)
		}
	}

	var balance RuleInfo
	for _, r := range catalog {
		if r.Key == "balance_billing" {
			balance = r
		}
	}
	if len(balance.Citations) == 0 {
		t.Error("Expected balance_billing citations from the default policy")
	}
	if balance.Savings != SavingsPatientDue {
		t.Errorf("Expected patient_due savings, got %s", balance.Savings)
	}
}
