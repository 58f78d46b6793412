// Package casefile keeps case records (uploaded artifacts, accepted provider
// extractions and analysis results) and serves them over HTTP.
package casefile

import (
	"context"
	"time"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/pipeline"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/vendor"
)

// Artifact is an uploaded document together with its content.
type Artifact struct {
	billing.Artifact
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"-"`
}

// Extraction is one provider's accepted document for an artifact. A later
// submission from the same provider replaces it.
type Extraction struct {
	CaseID     types.ID         `json:"case_id"`
	ArtifactID types.ID         `json:"artifact_id"`
	Vendor     string           `json:"vendor"`
	JobSeq     uint64           `json:"job_seq"`
	Document   *vendor.Document `json:"document"`
	ReceivedAt time.Time        `json:"received_at"`
}

// Store is the record store behind the case API. Lookups of records that do
// not exist, or that belong to another case, return a NotFound AppError.
type Store interface {
	// SaveArtifact inserts an artifact or replaces the one with the same ID.
	SaveArtifact(ctx context.Context, a *Artifact) error
	GetArtifact(ctx context.Context, caseID, artifactID types.ID) (*Artifact, error)
	// ListArtifacts returns a case's artifacts in upload order.
	ListArtifacts(ctx context.Context, caseID types.ID) ([]*Artifact, error)
	UpdateArtifactStatus(ctx context.Context, caseID, artifactID types.ID, status billing.ArtifactStatus, errMsg string) error

	SaveExtraction(ctx context.Context, e *Extraction) error
	GetExtraction(ctx context.Context, artifactID types.ID, vendorName string) (*Extraction, error)
	// LastJobSeq returns the highest job sequence stored for an artifact
	// across providers, or zero.
	LastJobSeq(ctx context.Context, artifactID types.ID) (uint64, error)

	SaveAnalysis(ctx context.Context, a *pipeline.Analysis) error
	GetAnalysis(ctx context.Context, caseID types.ID) (*pipeline.Analysis, error)

	// DeleteCase removes every record of a case and returns how many
	// artifacts it held.
	DeleteCase(ctx context.Context, caseID types.ID) (int, error)
}
