package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/detection"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/pipeline"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/vendor"
)

func writeDoc(t *testing.T, dir, name string, doc *vendor.Document) string {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// subject is the identity a saved provider file declares.
type subject struct {
	caseID     types.ID
	artifactID types.ID
	digest     types.Digest
}

func newSubject(t *testing.T, caseID types.ID, content string) subject {
	t.Helper()
	d, err := types.ComputeDigest(strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	return subject{caseID: caseID, artifactID: types.NewID(), digest: d}
}

func bill(vendorName string, s subject) *vendor.Document {
	return &vendor.Document{
		Vendor:        vendorName,
		CaseID:        s.caseID.String(),
		ArtifactID:    s.artifactID.String(),
		ContentDigest: string(s.digest),
		DocType:       "BILL",
		Header:        vendor.Header{ProviderName: "Mercy General"},
		Rows: []vendor.Row{
			{Page: 1, RowIndex: 0, Code: "99213", Description: "OFFICE VISIT EST", Charge: "$185.00", DOS: "03/01/2024"},
			{Page: 1, RowIndex: 1, Code: "85025", Description: "CBC W/ DIFF", Charge: "$45.00", DOS: "03/01/2024"},
		},
	}
}

func eob(vendorName string, s subject) *vendor.Document {
	return &vendor.Document{
		Vendor:        vendorName,
		CaseID:        s.caseID.String(),
		ArtifactID:    s.artifactID.String(),
		ContentDigest: string(s.digest),
		DocType:       "EOB",
		Header:        vendor.Header{PayerName: "Acme Health"},
		Rows: []vendor.Row{
			{Page: 1, RowIndex: 0, Code: "99213", Description: "Office visit", Charge: "185.00", Allowed: "142.00", PlanPaid: "113.60", PatientResp: "28.40", DOS: "2024-03-01"},
			{Page: 1, RowIndex: 1, Code: "85025", Description: "Blood count", Charge: "45.00", Allowed: "32.00", PlanPaid: "25.60", PatientResp: "6.40", DOS: "2024-03-01"},
		},
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestAnalyzeCommand(t *testing.T) {
	dir := t.TempDir()
	caseID := types.NewID()
	billSubj, eobSubj := newSubject(t, caseID, "bill"), newSubject(t, caseID, "eob")
	bills := writeDoc(t, dir, "bill.alpha.json", bill("alpha", billSubj)) + "," + writeDoc(t, dir, "bill.beta.json", bill("beta", billSubj))
	eobs := writeDoc(t, dir, "eob.alpha.json", eob("alpha", eobSubj)) + "," + writeDoc(t, dir, "eob.beta.json", eob("beta", eobSubj))

	out, err := execute(t, "analyze", "--bill", bills, "--eob", eobs, "--primary", "alpha", "--secondary", "beta", "--format", "json")
	if err != nil {
		t.Fatalf("Expected no error, got %v: %s", err, out)
	}

	var a pipeline.Analysis
	if err := json.Unmarshal([]byte(out), &a); err != nil {
		t.Fatalf("Expected JSON output, got %v: %s", err, out)
	}
	if len(a.Artifacts) != 2 || a.Failed() != 0 {
		t.Fatalf("Expected 2 processed artifacts, got %+v", a.Artifacts)
	}
	if a.CaseID != caseID {
		t.Errorf("Expected case %s taken from the provider output, got %s", caseID, a.CaseID)
	}
	if a.Artifacts[0].ArtifactID != billSubj.artifactID {
		t.Errorf("Expected artifact ID taken from the provider output, got %s", a.Artifacts[0].ArtifactID)
	}
	if a.Savings == nil || a.Savings.TotalCents != 15660+3860 || a.Savings.Basis != billing.BasisAllowed {
		t.Errorf("Expected allowed-basis savings 19520, got %+v", a.Savings)
	}
}

func TestAnalyzeRequiresDocuments(t *testing.T) {
	saved := analyzeFlags
	t.Cleanup(func() { analyzeFlags = saved })
	analyzeFlags.bills, analyzeFlags.eobs = nil, nil

	if err := runAnalyze(analyzeCmd, nil); err == nil {
		t.Error("Expected an error without documents")
	}
}

func TestRulesCommand(t *testing.T) {
	out, err := execute(t, "rules", "--format", "json")
	if err != nil {
		t.Fatal(err)
	}
	var rules []detection.RuleInfo
	if err := json.Unmarshal([]byte(out), &rules); err != nil {
		t.Fatalf("Expected JSON output, got %v", err)
	}
	if len(rules) != 18 {
		t.Errorf("Expected 18 rules, got %d", len(rules))
	}

	out, err = execute(t, "rules", "--format", "markdown")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "balance_billing") || !strings.Contains(out, "|") {
		t.Errorf("Expected a markdown row for balance_billing, got %s", out)
	}
}

func TestAnalyzeDegradesOnForeignSecondary(t *testing.T) {
	dir := t.TempDir()
	caseID := types.NewID()
	billSubj := newSubject(t, caseID, "bill")
	other := newSubject(t, caseID, "other")
	bills := writeDoc(t, dir, "bill.alpha.json", bill("alpha", billSubj)) + "," + writeDoc(t, dir, "bill.beta.json", bill("beta", other))

	out, err := execute(t, "analyze", "--bill", bills, "--primary", "alpha", "--secondary", "beta", "--format", "json")
	if err != nil {
		t.Fatalf("Expected no error, got %v: %s", err, out)
	}
	var a pipeline.Analysis
	if err := json.Unmarshal([]byte(out), &a); err != nil {
		t.Fatalf("Expected JSON output, got %v: %s", err, out)
	}
	if len(a.Artifacts) != 1 || a.Artifacts[0].Consensus == nil || !a.Artifacts[0].Consensus.Degraded {
		t.Errorf("Expected the bill processed from the primary alone, got %+v", a.Artifacts)
	}
}

func TestCaseFilesAdd(t *testing.T) {
	dir := t.TempDir()
	caseID := types.NewID()
	single := writeDoc(t, dir, "bill.json", bill("alpha", newSubject(t, caseID, "bill")))
	otherCase := writeDoc(t, dir, "eob.json", eob("alpha", newSubject(t, types.NewID(), "eob")))

	noSubject := bill("alpha", newSubject(t, caseID, "bill"))
	noSubject.ContentDigest = "abc"
	malformed := writeDoc(t, dir, "malformed.json", noSubject)

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"single provider", []string{single}, false},
		{"three files", []string{single + "," + single + "," + single}, true},
		{"empty path", []string{single + ","}, true},
		{"missing file", []string{filepath.Join(dir, "nope.json")}, true},
		{"malformed digest", []string{malformed}, true},
		{"mixed cases", []string{single, otherCase}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCaseFiles("alpha", "beta")
			var err error
			for _, arg := range tt.args {
				if err = c.add(billing.DocTypeBill, arg); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if err != nil {
				return
			}
			if len(c.inputs) != 1 || c.inputs[0].Artifact.ContentDigest.IsZero() {
				t.Fatalf("Expected one input with a digest, got %+v", c.inputs)
			}
			if c.caseID != caseID {
				t.Errorf("Expected case %s, got %s", caseID, c.caseID)
			}
			id := c.inputs[0].Artifact.ID
			if c.primary.Documents[id] == nil || c.secondary.Documents[id] != nil {
				t.Error("Expected only the primary provider to hold the document")
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    outputMode
		wantErr bool
	}{
		{"", modeTable, false},
		{"table", modeTable, false},
		{"MD", modeMarkdown, false},
		{"json", modeJSON, false},
		{"xml", 0, true},
	}

	for _, tt := range tests {
		got, err := parseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseFormat(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}
