package casefile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/guard"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/pipeline"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/savings"
	apperrors "github.com/quothealth-eric/wyngai-system-sub007/internal/shared/errors"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/logging"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/vendor"
)

var validate = validator.New()

// RegisterArtifactRequest uploads one document to a case. Either Content or
// ContentDigest is required; when both are given they must agree.
type RegisterArtifactRequest struct {
	ArtifactID    string `json:"artifact_id,omitempty" validate:"omitempty,uuid"`
	DocType       string `json:"doc_type,omitempty" validate:"max=32"`
	Pages         int    `json:"pages,omitempty" validate:"gte=0,lte=2000"`
	ContentType   string `json:"content_type,omitempty" validate:"max=255"`
	Content       []byte `json:"content,omitempty"`
	ContentDigest string `json:"content_digest,omitempty" validate:"max=71"`
}

// SubmitExtractionRequest delivers one provider's document for an artifact.
// The document declares the case, artifact and content digest it was
// extracted from; those and the job sequence are checked by the guard.
type SubmitExtractionRequest struct {
	Vendor   string           `json:"vendor" validate:"required,max=64"`
	JobSeq   uint64           `json:"job_seq,omitempty"`
	Document *vendor.Document `json:"document" validate:"required"`
}

// AnalyzeRequest optionally carries the member's plan parameters.
type AnalyzeRequest struct {
	Plan *savings.PlanParams `json:"plan,omitempty"`
}

// DeleteResult reports what a case deletion removed.
type DeleteResult struct {
	CaseID          types.ID `json:"case_id"`
	Artifacts       int      `json:"artifacts"`
	BindingsCleared int      `json:"bindings_cleared"`
}

// Service runs the case workflow: artifacts are registered with the guard,
// provider extractions are accepted through it, and analyses are computed
// by the pipeline and stored.
type Service struct {
	store    Store
	pipeline *pipeline.Pipeline
	ledger   *guard.Ledger
	plan     *savings.PlanParams
	logger   logrus.FieldLogger

	mu      sync.Mutex
	running map[types.ID]bool
}

// NewService creates a case service. defaultPlan is used when an analysis
// request carries no plan; it may be nil.
func NewService(store Store, p *pipeline.Pipeline, defaultPlan *savings.PlanParams, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		store:    store,
		pipeline: p,
		ledger:   p.Ledger(),
		plan:     defaultPlan,
		logger:   logger,
		running:  make(map[types.ID]bool),
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make(map[string]string, len(verrs))
		for _, ve := range verrs {
			details[ve.Field()] = ve.Tag()
		}
		return apperrors.Validation("invalid request", details)
	}
	return apperrors.BadRequest(err.Error())
}

// RegisterArtifact stores an artifact and binds it to the case. Registering
// the same artifact again with the same content returns the stored record.
func (s *Service) RegisterArtifact(ctx context.Context, caseID types.ID, req RegisterArtifactRequest) (*Artifact, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	digest, err := requestDigest(req)
	if err != nil {
		return nil, err
	}

	artifactID := types.NewID()
	if req.ArtifactID != "" {
		artifactID = types.ID(req.ArtifactID)
		existing, err := s.store.GetArtifact(ctx, caseID, artifactID)
		if err == nil {
			if existing.ContentDigest != digest {
				return nil, apperrors.CorrelationFailure(caseID.String(), artifactID.String(), guard.ReasonDigestMismatch)
			}
			if err := s.bind(ctx, existing); err != nil {
				return nil, err
			}
			return existing, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}

	art, err := billing.NewArtifact(caseID, artifactID, billing.ParseDocType(req.DocType), req.Pages)
	if err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}
	if err := art.AssignDigest(digest); err != nil {
		return nil, apperrors.BadRequest(err.Error())
	}

	a := &Artifact{Artifact: *art, ContentType: req.ContentType, Content: req.Content}
	if _, err := s.ledger.Register(caseID, a.ID, digest); err != nil {
		return nil, err
	}
	if err := s.store.SaveArtifact(ctx, a); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		logging.FieldCaseID:     caseID,
		logging.FieldArtifactID: a.ID,
		"doc_type":              a.DocType,
		"bytes":                 len(a.Content),
	}).Info("Artifact registered")
	return a, nil
}

func requestDigest(req RegisterArtifactRequest) (types.Digest, error) {
	var declared types.Digest
	if req.ContentDigest != "" {
		d, err := types.ParseDigest(req.ContentDigest)
		if err != nil {
			return "", apperrors.Validation("invalid content digest", map[string]string{"content_digest": err.Error()})
		}
		declared = d
	}
	if len(req.Content) == 0 {
		if declared.IsZero() {
			return "", apperrors.BadRequest("content or content_digest is required")
		}
		return declared, nil
	}

	computed, err := types.ComputeDigest(bytes.NewReader(req.Content))
	if err != nil {
		return "", apperrors.Internal(err)
	}
	if !declared.IsZero() && declared != computed {
		return "", apperrors.Validation("content digest does not match content", map[string]string{"content_digest": "mismatch"})
	}
	return computed, nil
}

// bind makes sure the ledger knows a stored artifact, which it does not
// after a restart. The binding resumes from the highest stored job sequence.
func (s *Service) bind(ctx context.Context, a *Artifact) error {
	last, err := s.store.LastJobSeq(ctx, a.ID)
	if err != nil {
		return err
	}
	_, err = s.ledger.Restore(a.CaseID, a.ID, a.ContentDigest, last)
	return err
}

// SubmitExtraction checks a provider's document against the guard and
// stores it when accepted. A rejected submission returns a
// CorrelationFailure and leaves earlier submissions in place.
func (s *Service) SubmitExtraction(ctx context.Context, caseID, artifactID types.ID, req SubmitExtractionRequest) (*Extraction, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if !slices.Contains(s.pipeline.Vendors(), req.Vendor) {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown vendor %q", req.Vendor))
	}
	if err := req.Document.Validate(); err != nil {
		return nil, err
	}
	subj, err := req.Document.Subject()
	if err != nil {
		return nil, err
	}

	art, err := s.store.GetArtifact(ctx, caseID, artifactID)
	if err != nil {
		return nil, err
	}
	if err := s.bind(ctx, art); err != nil {
		return nil, err
	}

	env := guard.Envelope{
		CaseID:         subj.CaseID,
		ArtifactID:     subj.ArtifactID,
		ArtifactDigest: subj.ContentDigest,
		JobSeq:         req.JobSeq,
	}

	log := s.logger.WithFields(logrus.Fields{
		logging.FieldCaseID:     caseID,
		logging.FieldArtifactID: artifactID,
		logging.FieldVendor:     req.Vendor,
		logging.FieldJobSeq:     req.JobSeq,
	})
	decision := s.ledger.AcceptFor(caseID, artifactID, env)
	if !decision.Accepted {
		log.WithField("reason", decision.Reason).Warn("Extraction rejected")
		return nil, decision.Err(env)
	}

	ex := &Extraction{
		CaseID:     caseID,
		ArtifactID: artifactID,
		Vendor:     req.Vendor,
		JobSeq:     decision.Binding.LastJobSeq,
		Document:   req.Document,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.store.SaveExtraction(ctx, ex); err != nil {
		return nil, err
	}
	log.WithField("rows", len(req.Document.Rows)).Info("Extraction accepted")
	return ex, nil
}

// Analyze runs the pipeline over every artifact of a case and stores the
// result. Only one analysis of a case runs at a time.
func (s *Service) Analyze(ctx context.Context, caseID types.ID, req AnalyzeRequest) (*pipeline.Analysis, error) {
	if !s.begin(caseID) {
		return nil, apperrors.Conflict("analysis already running for case " + caseID.String())
	}
	defer s.end(caseID)

	artifacts, err := s.store.ListArtifacts(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, apperrors.NotFound("case", caseID.String())
	}

	inputs := make([]pipeline.ArtifactInput, 0, len(artifacts))
	for _, a := range artifacts {
		if err := s.bind(ctx, a); err != nil {
			return nil, err
		}
		art := a.Artifact
		inputs = append(inputs, pipeline.ArtifactInput{
			Artifact:    &art,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}

	plan := req.Plan
	if plan == nil {
		plan = s.plan
	}
	if plan != nil {
		if err := plan.Validate(); err != nil {
			return nil, apperrors.Validation("invalid plan parameters", map[string]string{"plan": err.Error()})
		}
	}

	analysis, err := s.pipeline.Run(ctx, caseID, inputs, plan)
	if err != nil {
		return nil, err
	}

	for _, o := range analysis.Artifacts {
		if err := s.store.UpdateArtifactStatus(ctx, caseID, o.ArtifactID, o.Status, o.Error); err != nil {
			logging.LogError(s.logger, "casefile", "Analyze", "failed to record artifact status", o.ArtifactID, err)
		}
	}
	if err := s.store.SaveAnalysis(ctx, analysis); err != nil {
		return nil, err
	}
	return analysis, nil
}

func (s *Service) begin(caseID types.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[caseID] {
		return false
	}
	s.running[caseID] = true
	return true
}

func (s *Service) end(caseID types.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, caseID)
}

// Analysis returns the last stored analysis of a case.
func (s *Service) Analysis(ctx context.Context, caseID types.ID) (*pipeline.Analysis, error) {
	return s.store.GetAnalysis(ctx, caseID)
}

// Artifacts lists a case's artifacts.
func (s *Service) Artifacts(ctx context.Context, caseID types.ID) ([]*Artifact, error) {
	return s.store.ListArtifacts(ctx, caseID)
}

// DeleteCase removes a case's records and its guard bindings. Extraction
// results still in flight for the case are rejected afterwards.
func (s *Service) DeleteCase(ctx context.Context, caseID types.ID) (*DeleteResult, error) {
	n, err := s.store.DeleteCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	cleared := s.ledger.ClearCase(caseID)
	if n == 0 && cleared == 0 {
		return nil, apperrors.NotFound("case", caseID.String())
	}

	s.logger.WithFields(logrus.Fields{
		logging.FieldCaseID: caseID,
		"artifacts":         n,
		"bindings":          cleared,
	}).Info("Case deleted")
	return &DeleteResult{CaseID: caseID, Artifacts: n, BindingsCleared: cleared}, nil
}
