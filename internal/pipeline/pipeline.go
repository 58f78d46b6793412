// Package pipeline runs a case analysis end to end: provider fan-out per
// artifact, guard checks, consensus, normalization, matching, detection and
// savings.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/consensus"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/detection"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/guard"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/matching"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/normalize"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/savings"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/events"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/logging"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/metrics"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/validate"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/vendor"
)

// Event types published when a Publisher is configured.
const (
	EventArtifactProcessed = "artifact.processed"
	EventArtifactFailed    = "artifact.failed"
	EventCaseAnalyzed      = "case.analyzed"
)

// Publisher receives pipeline lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Config bounds the pipeline's concurrency.
type Config struct {
	// Concurrency is the number of artifacts processed at once.
	Concurrency int
	// VendorTimeout bounds each provider call.
	VendorTimeout time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{Concurrency: 4, VendorTimeout: 30 * time.Second}
}

// Deps are the collaborators a pipeline runs with. Primary and Secondary
// are required; everything else has a default.
type Deps struct {
	Primary    vendor.Extractor
	Secondary  vendor.Extractor
	Ledger     *guard.Ledger
	Matcher    *matching.Matcher
	Engine     *detection.Engine
	Calculator *savings.Calculator
	Publisher  Publisher
	Logger     logrus.FieldLogger
}

// Pipeline analyzes cases. It is safe for concurrent use; per-case state
// lives only in the ledger.
type Pipeline struct {
	cfg        Config
	primary    vendor.Extractor
	secondary  vendor.Extractor
	ledger     *guard.Ledger
	merger     *consensus.Merger
	matcher    *matching.Matcher
	engine     *detection.Engine
	calculator *savings.Calculator
	publisher  Publisher
	logger     logrus.FieldLogger
	now        func() time.Time
}

// New creates a pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Primary == nil || deps.Secondary == nil {
		return nil, fmt.Errorf("two extraction providers are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.VendorTimeout <= 0 {
		cfg.VendorTimeout = DefaultConfig().VendorTimeout
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Ledger == nil {
		deps.Ledger = guard.NewLedger()
	}
	if deps.Matcher == nil {
		deps.Matcher = matching.New(matching.DefaultOptions())
	}
	if deps.Engine == nil {
		deps.Engine = detection.NewEngine(nil)
	}
	if deps.Calculator == nil {
		deps.Calculator = savings.NewCalculator(deps.Logger)
	}

	return &Pipeline{
		cfg:        cfg,
		primary:    deps.Primary,
		secondary:  deps.Secondary,
		ledger:     deps.Ledger,
		merger:     consensus.NewMerger(deps.Logger),
		matcher:    deps.Matcher,
		engine:     deps.Engine,
		calculator: deps.Calculator,
		publisher:  deps.Publisher,
		logger:     deps.Logger,
		now:        time.Now,
	}, nil
}

// Ledger returns the guard ledger the pipeline checks results against.
func (p *Pipeline) Ledger() *guard.Ledger { return p.ledger }

// Rules lists the detection rules the pipeline evaluates.
func (p *Pipeline) Rules() []detection.RuleInfo { return p.engine.Catalog() }

// Vendors returns the provider names in call order.
func (p *Pipeline) Vendors() []string {
	return []string{p.primary.Name(), p.secondary.Name()}
}

// ArtifactInput is one document to analyze.
type ArtifactInput struct {
	Artifact    *billing.Artifact
	ContentType string
	Content     []byte
}

// ArtifactOutcome is what happened to one artifact.
type ArtifactOutcome struct {
	ArtifactID types.ID               `json:"artifact_id"`
	DocType    billing.DocType        `json:"doc_type"`
	Digest     types.Digest           `json:"content_digest,omitempty"`
	Status     billing.ArtifactStatus `json:"status"`
	Error      string                 `json:"error,omitempty"`
	Consensus  *consensus.Stats       `json:"consensus,omitempty"`
	Issues     []validate.Issue       `json:"issues,omitempty"`
	Summary    *billing.PricedSummary `json:"summary,omitempty"`
}

// Analysis is the result of one case run.
type Analysis struct {
	CaseID     types.ID               `json:"case_id"`
	Artifacts  []ArtifactOutcome      `json:"artifacts"`
	Bill       *billing.PricedSummary `json:"bill,omitempty"`
	EOB        *billing.PricedSummary `json:"eob,omitempty"`
	Matches    []billing.LineMatch    `json:"matches,omitempty"`
	Detections []billing.Detection    `json:"detections"`
	Savings    *savings.Result        `json:"savings"`
	AnalyzedAt time.Time              `json:"analyzed_at"`
}

// Failed reports how many artifacts could not be processed.
func (a *Analysis) Failed() int {
	n := 0
	for _, o := range a.Artifacts {
		if o.Status == billing.ArtifactStatusError {
			n++
		}
	}
	return n
}

// Run analyzes a case. Artifacts are processed concurrently; an artifact
// whose providers both fail is excluded and its error recorded, and the rest
// of the case proceeds. Canceling ctx stops new provider calls; calls already
// in flight finish and their results are discarded.
func (p *Pipeline) Run(ctx context.Context, caseID types.ID, artifacts []ArtifactInput, plan *savings.PlanParams) (*Analysis, error) {
	if caseID.IsZero() {
		return nil, fmt.Errorf("case ID is required")
	}
	if plan != nil {
		if err := plan.Validate(); err != nil {
			return nil, fmt.Errorf("invalid plan parameters: %w", err)
		}
	}

	log := p.logger.WithField(logging.FieldCaseID, caseID)
	log.WithField("artifacts", len(artifacts)).Info("Analyzing case")

	outcomes := make([]ArtifactOutcome, len(artifacts))
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Concurrency)
	for i, in := range artifacts {
		g.Go(func() error {
			outcomes[i] = p.processArtifact(ctx, caseID, in)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		log.WithError(err).Warn("Case analysis canceled")
		return nil, fmt.Errorf("case %s canceled: %w", caseID, err)
	}

	a := p.analyze(caseID, outcomes, plan)
	log.WithFields(logrus.Fields{
		"detections":    len(a.Detections),
		"failed":        a.Failed(),
		"savings_cents": a.Savings.TotalCents,
		"savings_basis": a.Savings.Basis,
	}).Info("Case analyzed")

	p.publish(ctx, events.NewEvent(EventCaseAnalyzed, "pipeline", map[string]any{
		"case_id":       caseID,
		"artifacts":     len(a.Artifacts),
		"failed":        a.Failed(),
		"detections":    len(a.Detections),
		"savings_cents": a.Savings.TotalCents,
		"savings_basis": a.Savings.Basis,
	}))
	return a, nil
}

func (p *Pipeline) analyze(caseID types.ID, outcomes []ArtifactOutcome, plan *savings.PlanParams) *Analysis {
	var bills, eobs []*billing.PricedSummary
	for _, o := range outcomes {
		if o.Summary == nil {
			continue
		}
		switch o.Summary.DocType {
		case billing.DocTypeBill:
			bills = append(bills, o.Summary)
		case billing.DocTypeEOB:
			eobs = append(eobs, o.Summary)
		}
	}

	a := &Analysis{CaseID: caseID, Artifacts: outcomes, AnalyzedAt: p.now()}
	var subjects []detection.Subject
	var billLines []*billing.PricedLine

	if len(bills) > 0 {
		a.Bill = billing.Combine(billing.DocTypeBill, bills...)
		billLines = a.Bill.IncludedLines()
	}
	if len(eobs) > 0 {
		a.EOB = billing.Combine(billing.DocTypeEOB, eobs...)
	}
	if a.Bill != nil && a.EOB != nil {
		a.Matches = p.matcher.Match(a.Bill.Lines, a.EOB.Lines)
	}
	if a.Bill != nil {
		subjects = append(subjects, detection.Subject{Summary: a.Bill, Matches: a.Matches})
	}
	if a.EOB != nil {
		subjects = append(subjects, detection.Subject{Summary: a.EOB})
	}

	flags := p.engine.EvaluateAll(subjects...)
	a.Savings = p.calculator.Calculate(flags, savings.Case{Lines: billLines, Matches: a.Matches, Plan: plan})
	a.Detections = a.Savings.Detections
	return a
}

func (p *Pipeline) processArtifact(ctx context.Context, caseID types.ID, in ArtifactInput) ArtifactOutcome {
	art := in.Artifact
	out := ArtifactOutcome{Status: billing.ArtifactStatusError}
	if art == nil {
		out.Error = "artifact is required"
		return out
	}
	out.ArtifactID = art.ID
	out.DocType = art.DocType

	log := p.logger.WithFields(logrus.Fields{
		logging.FieldCaseID:     caseID,
		logging.FieldArtifactID: art.ID,
	})

	processing := false
	fail := func(err error) ArtifactOutcome {
		out.Status = billing.ArtifactStatusError
		out.Error = err.Error()
		if processing {
			_ = p.ledger.Transition(caseID, art.ID, billing.ArtifactStatusError)
		}
		metrics.RecordArtifactProcessed(string(out.Status))
		logging.LogError(log, "pipeline", "processArtifact", "artifact excluded from case", nil, err)
		p.publish(ctx, events.NewEvent(EventArtifactFailed, "pipeline", map[string]any{
			"case_id":     caseID,
			"artifact_id": art.ID,
			"error":       out.Error,
		}))
		return out
	}

	if err := ctx.Err(); err != nil {
		out.Error = err.Error()
		return out
	}
	if art.CaseID != caseID {
		return fail(fmt.Errorf("artifact %s belongs to case %s", art.ID, art.CaseID))
	}

	digest := art.ContentDigest
	if digest.IsZero() && len(in.Content) > 0 {
		d, err := types.ComputeDigest(bytes.NewReader(in.Content))
		if err != nil {
			return fail(err)
		}
		digest = d
	}
	if digest.IsZero() {
		return fail(fmt.Errorf("artifact %s has no content digest", art.ID))
	}
	if _, err := p.ledger.Register(caseID, art.ID, digest); err != nil {
		return fail(err)
	}
	out.Digest = digest
	if err := p.ledger.Transition(caseID, art.ID, billing.ArtifactStatusProcessing); err != nil {
		return fail(err)
	}
	processing = true

	req := vendor.Request{
		CaseID:        caseID,
		ArtifactID:    art.ID,
		ContentDigest: digest,
		DocType:       art.DocType,
		ContentType:   in.ContentType,
		Content:       in.Content,
	}
	a, b := p.extract(ctx, req, log)
	if err := ctx.Err(); err != nil {
		// Late results of a canceled case are discarded.
		out.Error = err.Error()
		_ = p.ledger.Transition(caseID, art.ID, billing.ArtifactStatusError)
		return out
	}

	doc, stats, err := p.merger.Merge(a, b)
	out.Consensus = stats
	if err != nil {
		return fail(err)
	}
	if art.DocType != "" && art.DocType != billing.DocTypeUnknown {
		doc.DocType = art.DocType
	}
	out.DocType = doc.DocType
	out.Issues = doc.Issues
	for _, issue := range doc.Issues {
		log.WithError(issue.Err()).Debug("Extracted field failed validation")
	}
	out.Summary = normalize.Summarize(art.ID, doc)
	out.Status = billing.ArtifactStatusCompleted

	if err := p.ledger.Transition(caseID, art.ID, billing.ArtifactStatusCompleted); err != nil {
		out.Summary = nil
		return fail(err)
	}
	metrics.RecordArtifactProcessed(string(out.Status))
	log.WithFields(logrus.Fields{
		"doc_type": out.DocType,
		"lines":    len(out.Summary.Lines),
		"excluded": out.Summary.ExcludedLines,
		"degraded": stats.Degraded,
	}).Info("Artifact processed")
	p.publish(ctx, events.NewEvent(EventArtifactProcessed, "pipeline", map[string]any{
		"case_id":     caseID,
		"artifact_id": art.ID,
		"doc_type":    out.DocType,
		"lines":       len(out.Summary.Lines),
		"degraded":    stats.Degraded,
	}))
	return out
}

type job struct {
	extractor vendor.Extractor
	seq       uint64
	doc       *vendor.Document
	err       error
}

// extract calls both providers concurrently and submits their results to
// the guard in the order the jobs were issued.
func (p *Pipeline) extract(ctx context.Context, req vendor.Request, log logrus.FieldLogger) (consensus.Result, consensus.Result) {
	jobs := []*job{{extractor: p.primary}, {extractor: p.secondary}}

	g := new(errgroup.Group)
	for _, j := range jobs {
		seq, err := p.ledger.NextSeq(req.CaseID, req.ArtifactID)
		if err != nil {
			j.err = err
			continue
		}
		j.seq = seq
		if err := ctx.Err(); err != nil {
			j.err = err
			continue
		}
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.VendorTimeout)
			defer cancel()
			j.doc, j.err = j.extractor.Extract(callCtx, req)
			if j.err == nil && j.doc == nil {
				j.err = consensus.ErrNoResults
			}
			return nil
		})
	}
	_ = g.Wait()

	results := make([]consensus.Result, len(jobs))
	for i, j := range jobs {
		name := j.extractor.Name()
		results[i] = consensus.Result{Vendor: name, Err: j.err}
		jl := log.WithFields(logrus.Fields{logging.FieldVendor: name, logging.FieldJobSeq: j.seq})
		if j.err != nil {
			jl.WithError(j.err).Warn("Provider failed")
			continue
		}

		subj, err := j.doc.Subject()
		if err != nil {
			results[i].Err = err
			jl.WithError(err).Warn("Provider result declares no subject")
			continue
		}
		env := guard.Envelope{
			CaseID:         subj.CaseID,
			ArtifactID:     subj.ArtifactID,
			ArtifactDigest: subj.ContentDigest,
			JobSeq:         j.seq,
		}
		if d := p.ledger.AcceptFor(req.CaseID, req.ArtifactID, env); !d.Accepted {
			results[i].Err = d.Err(env)
			jl.WithField("reason", d.Reason).Warn("Guard rejected provider result")
			continue
		}
		results[i].Doc = normalize.FromVendor(j.doc)
	}
	return results[0], results[1]
}

func (p *Pipeline) publish(ctx context.Context, event events.Event) {
	if p.publisher == nil {
		return
	}
	event = events.Attribute(ctx, event)
	if err := p.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		p.logger.WithError(err).WithField("event_type", event.Type).Warn("Failed to publish event")
	}
}
