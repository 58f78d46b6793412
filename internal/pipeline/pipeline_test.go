package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/guard"
	apperrors "github.com/quothealth-eric/wyngai-system-sub007/internal/shared/errors"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/events"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/vendor"
)

func digestOf(t *testing.T, content string) types.Digest {
	t.Helper()
	d, err := types.ComputeDigest(strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func artifact(t *testing.T, caseID types.ID, docType billing.DocType, content string) *billing.Artifact {
	t.Helper()
	a, err := billing.NewArtifact(caseID, types.NewID(), docType, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.AssignDigest(digestOf(t, content)); err != nil {
		t.Fatal(err)
	}
	return a
}

func billDoc(vendorName string, a *billing.Artifact) *vendor.Document {
	return &vendor.Document{
		Vendor:        vendorName,
		CaseID:        a.CaseID.String(),
		ArtifactID:    a.ID.String(),
		ContentDigest: a.ContentDigest.String(),
		DocType:    "BILL",
		Header:     vendor.Header{ProviderName: "Mercy General", ServiceFrom: "2024-03-01", ServiceTo: "2024-03-01"},
		Rows: []vendor.Row{
			{Page: 1, RowIndex: 0, Code: "99213", Description: "OFFICE VISIT EST", Charge: "$185.00", DOS: "03/01/2024"},
			{Page: 1, RowIndex: 1, Code: "85025", Description: "CBC W/ DIFF", Charge: "$45.00", DOS: "03/01/2024"},
		},
	}
}

func eobDoc(vendorName string, a *billing.Artifact) *vendor.Document {
	return &vendor.Document{
		Vendor:        vendorName,
		CaseID:        a.CaseID.String(),
		ArtifactID:    a.ID.String(),
		ContentDigest: a.ContentDigest.String(),
		DocType:    "EOB",
		Header:     vendor.Header{PayerName: "Acme Health"},
		Rows: []vendor.Row{
			{Page: 1, RowIndex: 0, Code: "99213", Description: "Office visit", Charge: "185.00", Allowed: "142.00", PlanPaid: "113.60", PatientResp: "28.40", DOS: "2024-03-01"},
			{Page: 1, RowIndex: 1, Code: "85025", Description: "Blood count", Charge: "45.00", Allowed: "32.00", PlanPaid: "25.60", PatientResp: "6.40", DOS: "2024-03-01"},
		},
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func newPipeline(t *testing.T, primary, secondary vendor.Extractor, pub Publisher) *Pipeline {
	t.Helper()
	p, err := New(Config{Concurrency: 2, VendorTimeout: time.Second}, Deps{Primary: primary, Secondary: secondary, Publisher: pub})
	if err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return p
}

func TestRunPartialSuccess(t *testing.T) {
	caseID := types.NewID()
	bill := artifact(t, caseID, billing.DocTypeBill, "bill")
	eob := artifact(t, caseID, billing.DocTypeEOB, "eob")
	broken := artifact(t, caseID, billing.DocTypeBill, "broken")

	primary := &vendor.Static{VendorName: "alpha", Documents: map[types.ID]*vendor.Document{
		bill.ID: billDoc("alpha", bill),
		eob.ID:  eobDoc("alpha", eob),
	}}
	secondary := &vendor.Static{VendorName: "beta", Documents: map[types.ID]*vendor.Document{
		bill.ID: billDoc("beta", bill),
		eob.ID:  eobDoc("beta", eob),
	}}
	pub := &recordingPublisher{}
	p := newPipeline(t, primary, secondary, pub)

	a, err := p.Run(context.Background(), caseID, []ArtifactInput{
		{Artifact: bill}, {Artifact: broken}, {Artifact: eob},
	}, nil)
	if err != nil {
		t.Fatalf("Expected partial success, got %v", err)
	}

	if a.Failed() != 1 {
		t.Fatalf("Expected 1 failed artifact, got %d", a.Failed())
	}
	if got := a.Artifacts[1]; got.Status != billing.ArtifactStatusError || got.Error == "" || got.Summary != nil {
		t.Errorf("Expected broken artifact excluded with an error, got %+v", got)
	}
	if a.Artifacts[0].Status != billing.ArtifactStatusCompleted || a.Artifacts[2].Status != billing.ArtifactStatusCompleted {
		t.Error("Expected the other artifacts to complete")
	}

	if a.Bill == nil || len(a.Bill.ArtifactIDs) != 1 || a.Bill.ArtifactIDs[0] != bill.ID {
		t.Fatalf("Expected bill summary from the healthy bill only, got %+v", a.Bill)
	}
	if a.Bill.Totals.Billed != 23000 {
		t.Errorf("Expected billed 23000, got %d", a.Bill.Totals.Billed)
	}
	if a.EOB == nil || a.EOB.Totals.PatientResp != 3480 {
		t.Errorf("Expected EOB patient responsibility 3480, got %+v", a.EOB)
	}
	if len(a.Matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(a.Matches))
	}
	for _, m := range a.Matches {
		if !m.Confident() {
			t.Errorf("Expected confident match for %s, got %s", m.BillLine.Code, m.MatchType)
		}
	}

	var balance int
	for _, d := range a.Detections {
		if d.RuleKey == "balance_billing" {
			balance++
			if d.SavingsBasis != billing.BasisAllowed {
				t.Errorf("Expected allowed basis, got %s", d.SavingsBasis)
			}
		}
	}
	if balance != 2 {
		t.Errorf("Expected 2 balance billing detections, got %d", balance)
	}
	// 185.00 - 28.40 and 45.00 - 6.40
	if a.Savings.TotalCents != 15660+3860 {
		t.Errorf("Expected savings %d, got %d", 15660+3860, a.Savings.TotalCents)
	}

	if pub.count(EventArtifactProcessed) != 2 || pub.count(EventArtifactFailed) != 1 || pub.count(EventCaseAnalyzed) != 1 {
		t.Errorf("Unexpected events: %d processed, %d failed, %d analyzed",
			pub.count(EventArtifactProcessed), pub.count(EventArtifactFailed), pub.count(EventCaseAnalyzed))
	}

	b, ok := p.Ledger().Binding(caseID, broken.ID)
	if !ok || b.Status != billing.ArtifactStatusError {
		t.Errorf("Expected broken artifact in error state, got %+v", b)
	}
}

func TestRunAttributesEvents(t *testing.T) {
	caseID := types.NewID()
	bill := artifact(t, caseID, billing.DocTypeBill, "bill")
	static := &vendor.Static{VendorName: "alpha", Documents: map[types.ID]*vendor.Document{bill.ID: billDoc("alpha", bill)}}
	pub := &recordingPublisher{}
	p := newPipeline(t, static, static, pub)

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	if _, err := p.Run(ctx, caseID, []ArtifactInput{{Artifact: bill}}, nil); err != nil {
		t.Fatal(err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) == 0 {
		t.Fatal("Expected events published")
	}
	for _, e := range pub.events {
		if e.CorrelationID != "req-42" || e.ActorType != events.ActorSystem {
			t.Errorf("Expected %s correlated to req-42, got %q/%q", e.Type, e.CorrelationID, e.ActorType)
		}
	}
}

func TestRunLogsFieldIssues(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	caseID := types.NewID()
	bill := artifact(t, caseID, billing.DocTypeBill, "bill")
	doc := billDoc("alpha", bill)
	doc.Rows[1].Charge = "forty five"
	static := &vendor.Static{VendorName: "alpha", Documents: map[types.ID]*vendor.Document{bill.ID: doc}}
	p, err := New(Config{Concurrency: 1, VendorTimeout: time.Second}, Deps{Primary: static, Secondary: static, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}

	a, err := p.Run(context.Background(), caseID, []ArtifactInput{{Artifact: bill}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Artifacts[0].Issues) == 0 {
		t.Fatal("Expected the unparseable charge reported")
	}

	found := false
	for _, e := range hook.AllEntries() {
		if err, ok := e.Data[logrus.ErrorKey].(error); ok && errors.Is(err, apperrors.ErrValidationFailure) {
			found = true
		}
	}
	if !found {
		t.Error("Expected a ValidationFailure logged for the issue")
	}
}

func TestRunDegradesToSingleProvider(t *testing.T) {
	caseID := types.NewID()
	bill := artifact(t, caseID, billing.DocTypeBill, "bill")

	primary := &vendor.Static{VendorName: "alpha", Err: errors.New("503 from provider")}
	secondary := &vendor.Static{VendorName: "beta", Documents: map[types.ID]*vendor.Document{bill.ID: billDoc("beta", bill)}}

	a, err := newPipeline(t, primary, secondary, nil).Run(context.Background(), caseID, []ArtifactInput{{Artifact: bill}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	out := a.Artifacts[0]
	if out.Status != billing.ArtifactStatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", out.Status, out.Error)
	}
	if !out.Consensus.Degraded {
		t.Error("Expected degraded consensus")
	}
	if a.Bill.Totals.Billed != 0 || a.Bill.ExcludedLines != 2 {
		t.Errorf("Expected unconfirmed lines excluded from totals, got billed %d excluded %d", a.Bill.Totals.Billed, a.Bill.ExcludedLines)
	}
	if len(a.Detections) != 1 || a.Detections[0].RuleKey != "low_confidence_extraction" {
		t.Errorf("Expected only low_confidence_extraction, got %v", a.Detections)
	}
}

func TestRunRejectsForeignResult(t *testing.T) {
	caseID := types.NewID()
	bill := artifact(t, caseID, billing.DocTypeBill, "bill")
	other := artifact(t, caseID, billing.DocTypeBill, "other")

	// The secondary provider answers the bill request with the other
	// document's extraction.
	primary := &vendor.Static{VendorName: "alpha", Documents: map[types.ID]*vendor.Document{
		bill.ID:  billDoc("alpha", bill),
		other.ID: billDoc("alpha", other),
	}}
	secondary := &vendor.Static{VendorName: "beta", Documents: map[types.ID]*vendor.Document{
		bill.ID:  billDoc("beta", other),
		other.ID: billDoc("beta", other),
	}}

	a, err := newPipeline(t, primary, secondary, nil).Run(context.Background(), caseID, []ArtifactInput{{Artifact: bill}, {Artifact: other}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	got := a.Artifacts[0].Consensus
	if got == nil || len(got.Failed) != 1 || got.Failed[0] != "beta" {
		t.Fatalf("Expected beta result rejected, got %+v", got)
	}
	if !got.Degraded {
		t.Error("Expected degraded merge for the contaminated artifact")
	}
	if a.Artifacts[1].Consensus.Degraded {
		t.Error("Expected the other artifact to merge normally")
	}
}

func TestRunRejectsResultWithoutSubject(t *testing.T) {
	caseID := types.NewID()
	bill := artifact(t, caseID, billing.DocTypeBill, "bill")
	eob := artifact(t, caseID, billing.DocTypeEOB, "eob")

	anonymous := eobDoc("alpha", eob)
	anonymous.ArtifactID = ""
	renamed := eobDoc("beta", eob)

	tests := []struct {
		name      string
		primary   *vendor.Document
		secondary *vendor.Document
	}{
		{"blank artifact", anonymous, anonymous},
		{"another artifact of the case", renamed, renamed},
		{"one blank one foreign", anonymous, renamed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &vendor.Static{VendorName: "alpha", Documents: map[types.ID]*vendor.Document{bill.ID: tt.primary}}
			secondary := &vendor.Static{VendorName: "beta", Documents: map[types.ID]*vendor.Document{bill.ID: tt.secondary}}

			a, err := newPipeline(t, primary, secondary, nil).Run(context.Background(), caseID, []ArtifactInput{{Artifact: bill}}, nil)
			if err != nil {
				t.Fatal(err)
			}
			out := a.Artifacts[0]
			if out.Status != billing.ArtifactStatusError || out.Summary != nil {
				t.Fatalf("Expected the bill excluded, got %s with %+v", out.Status, out.Summary)
			}
			if a.Bill != nil || a.EOB != nil {
				t.Errorf("Expected no EOB lines attributed to the bill, got bill %+v eob %+v", a.Bill, a.EOB)
			}
		})
	}
}

type nilExtractor struct{ name string }

func (n nilExtractor) Name() string { return n.name }

func (n nilExtractor) Extract(context.Context, vendor.Request) (*vendor.Document, error) {
	return nil, nil
}

func TestRunTreatsNilDocumentAsFailure(t *testing.T) {
	caseID := types.NewID()
	bill := artifact(t, caseID, billing.DocTypeBill, "bill")
	secondary := &vendor.Static{VendorName: "beta", Documents: map[types.ID]*vendor.Document{bill.ID: billDoc("beta", bill)}}

	a, err := newPipeline(t, nilExtractor{name: "alpha"}, secondary, nil).Run(context.Background(), caseID, []ArtifactInput{{Artifact: bill}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := a.Artifacts[0].Consensus
	if got == nil || !got.Degraded || len(got.Failed) != 1 || got.Failed[0] != "alpha" {
		t.Errorf("Expected alpha counted as failed, got %+v", got)
	}
}

func TestRunRejectsDigestChange(t *testing.T) {
	caseID := types.NewID()
	bill := artifact(t, caseID, billing.DocTypeBill, "bill")

	ledger := guard.NewLedger()
	if _, err := ledger.Register(caseID, bill.ID, digestOf(t, "original")); err != nil {
		t.Fatal(err)
	}
	static := &vendor.Static{VendorName: "alpha", Documents: map[types.ID]*vendor.Document{bill.ID: billDoc("alpha", bill)}}
	p, err := New(Config{}, Deps{Primary: static, Secondary: static, Ledger: ledger})
	if err != nil {
		t.Fatal(err)
	}

	a, err := p.Run(context.Background(), caseID, []ArtifactInput{{Artifact: bill}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.Artifacts[0].Status != billing.ArtifactStatusError {
		t.Errorf("Expected error for changed digest, got %s", a.Artifacts[0].Status)
	}
	if len(a.Detections) != 1 || a.Detections[0].RuleKey != "general_review" {
		t.Errorf("Expected general review only, got %v", a.Detections)
	}
}

type blockingExtractor struct {
	name    string
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
	doc     func(req vendor.Request) *vendor.Document
}

func (b *blockingExtractor) Name() string { return b.name }

func (b *blockingExtractor) Extract(ctx context.Context, req vendor.Request) (*vendor.Document, error) {
	b.calls.Add(1)
	b.started <- struct{}{}
	select {
	case <-b.release:
		return b.doc(req), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRunCancellation(t *testing.T) {
	caseID := types.NewID()
	first := artifact(t, caseID, billing.DocTypeBill, "first")
	second := artifact(t, caseID, billing.DocTypeBill, "second")

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	ex := &blockingExtractor{
		name:    "alpha",
		started: started,
		release: release,
		doc: func(req vendor.Request) *vendor.Document {
			return &vendor.Document{
				Vendor:        "alpha",
				CaseID:        req.CaseID.String(),
				ArtifactID:    req.ArtifactID.String(),
				ContentDigest: req.ContentDigest.String(),
			}
		},
	}
	p, err := New(Config{Concurrency: 1, VendorTimeout: 5 * time.Second}, Deps{Primary: ex, Secondary: ex})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx, caseID, []ArtifactInput{{Artifact: first}, {Artifact: second}}, nil)
		done <- err
	}()

	<-started
	cancel()
	close(release)

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// The first artifact's second call may or may not have been issued
	// before cancel; the second artifact must never reach a provider.
	if n := ex.calls.Load(); n < 1 || n > 2 {
		t.Errorf("Expected 1 or 2 provider calls, got %d", n)
	}
	if b, _ := p.Ledger().Binding(caseID, second.ID); b.Status == billing.ArtifactStatusCompleted {
		t.Error("Expected second artifact not to be processed")
	}
}

func TestNewRequiresProviders(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{Primary: &vendor.Static{}}); err == nil {
		t.Error("Expected error without a secondary provider")
	}
}
