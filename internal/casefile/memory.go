package casefile

import (
	"context"
	"sync"
	"time"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/pipeline"
	apperrors "github.com/quothealth-eric/wyngai-system-sub007/internal/shared/errors"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
)

type extractionKey struct {
	artifactID types.ID
	vendor     string
}

// MemoryStore keeps records in process memory. Records are copied on the
// way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	artifacts   map[types.ID]*Artifact
	byCase      map[types.ID][]types.ID
	extractions map[extractionKey]*Extraction
	analyses    map[types.ID]*pipeline.Analysis
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts:   make(map[types.ID]*Artifact),
		byCase:      make(map[types.ID][]types.ID),
		extractions: make(map[extractionKey]*Extraction),
		analyses:    make(map[types.ID]*pipeline.Analysis),
	}
}

func (s *MemoryStore) SaveArtifact(ctx context.Context, a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.artifacts[a.ID]; ok {
		if existing.CaseID != a.CaseID {
			return apperrors.Conflict("artifact " + a.ID.String() + " belongs to another case")
		}
	} else {
		s.byCase[a.CaseID] = append(s.byCase[a.CaseID], a.ID)
	}
	cp := *a
	s.artifacts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, caseID, artifactID types.ID) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.artifacts[artifactID]
	if !ok || a.CaseID != caseID {
		return nil, apperrors.NotFound("artifact", artifactID.String())
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListArtifacts(ctx context.Context, caseID types.ID) ([]*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byCase[caseID]
	out := make([]*Artifact, 0, len(ids))
	for _, id := range ids {
		cp := *s.artifacts[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) UpdateArtifactStatus(ctx context.Context, caseID, artifactID types.ID, status billing.ArtifactStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[artifactID]
	if !ok || a.CaseID != caseID {
		return apperrors.NotFound("artifact", artifactID.String())
	}
	a.Status = status
	a.Error = errMsg
	a.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SaveExtraction(ctx context.Context, e *Extraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.artifacts[e.ArtifactID]; !ok || a.CaseID != e.CaseID {
		return apperrors.NotFound("artifact", e.ArtifactID.String())
	}
	cp := *e
	s.extractions[extractionKey{e.ArtifactID, e.Vendor}] = &cp
	return nil
}

func (s *MemoryStore) GetExtraction(ctx context.Context, artifactID types.ID, vendorName string) (*Extraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.extractions[extractionKey{artifactID, vendorName}]
	if !ok {
		return nil, apperrors.NotFound("extraction", artifactID.String()+"/"+vendorName)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) LastJobSeq(ctx context.Context, artifactID types.ID) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last uint64
	for k, e := range s.extractions {
		if k.artifactID == artifactID {
			last = max(last, e.JobSeq)
		}
	}
	return last, nil
}

func (s *MemoryStore) SaveAnalysis(ctx context.Context, a *pipeline.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.analyses[a.CaseID] = a
	return nil
}

// GetAnalysis returns the stored analysis. Callers must treat it as read-only.
func (s *MemoryStore) GetAnalysis(ctx context.Context, caseID types.ID) (*pipeline.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.analyses[caseID]
	if !ok {
		return nil, apperrors.NotFound("analysis", caseID.String())
	}
	return a, nil
}

func (s *MemoryStore) DeleteCase(ctx context.Context, caseID types.ID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byCase[caseID]
	for _, id := range ids {
		delete(s.artifacts, id)
	}
	for k, e := range s.extractions {
		if e.CaseID == caseID {
			delete(s.extractions, k)
		}
	}
	delete(s.byCase, caseID)
	delete(s.analyses, caseID)
	return len(ids), nil
}
