package casefile

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/quothealth-eric/wyngai-system-sub007/internal/shared/errors"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/vendor"
)

// StoredExtractor serves a provider's submitted extraction from the store.
// When nothing was submitted for an artifact it calls Fallback, if set.
type StoredExtractor struct {
	VendorName string
	Store      Store
	Fallback   vendor.Extractor
}

var _ vendor.Extractor = (*StoredExtractor)(nil)

func (e *StoredExtractor) Name() string {
	return e.VendorName
}

func (e *StoredExtractor) Extract(ctx context.Context, req vendor.Request) (*vendor.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ex, err := e.Store.GetExtraction(ctx, req.ArtifactID, e.VendorName)
	if err == nil {
		return ex.Document, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.VendorFailure(e.VendorName, err)
	}
	if e.Fallback == nil {
		return nil, apperrors.VendorFailure(e.VendorName, fmt.Errorf("no extraction submitted for artifact %s", req.ArtifactID))
	}
	return e.Fallback.Extract(ctx, req)
}
