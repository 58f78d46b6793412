package casefile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/pipeline"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/database"
	apperrors "github.com/quothealth-eric/wyngai-system-sub007/internal/shared/errors"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/metrics"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/vendor"
)

// PostgresStore keeps records in PostgreSQL. Documents and analyses are
// stored as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over pool. The schema is created by
// database.Migrate.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func observe(op string, start time.Time) {
	metrics.RecordDBQuery(op, time.Since(start))
}

func (s *PostgresStore) SaveArtifact(ctx context.Context, a *Artifact) error {
	defer observe("save_artifact", time.Now())

	query := `
		INSERT INTO case_artifacts (
			artifact_id, case_id, doc_type, pages, content_digest,
			content_type, content, status, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (artifact_id) DO UPDATE SET
			doc_type = EXCLUDED.doc_type, pages = EXCLUDED.pages,
			content_digest = EXCLUDED.content_digest, content_type = EXCLUDED.content_type,
			content = EXCLUDED.content, status = EXCLUDED.status,
			error = EXCLUDED.error, updated_at = EXCLUDED.updated_at
		WHERE case_artifacts.case_id = EXCLUDED.case_id`

	result, err := s.pool.Exec(ctx, query,
		a.ID, a.CaseID, a.DocType, a.Pages, a.ContentDigest.String(),
		a.ContentType, a.Content, a.Status, a.Error, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to save artifact")
	}
	if result.RowsAffected() == 0 {
		return apperrors.Conflict("artifact " + a.ID.String() + " belongs to another case")
	}
	return nil
}

const artifactColumns = `
	artifact_id, case_id, doc_type, pages, content_digest,
	COALESCE(content_type, ''), content, status, COALESCE(error, ''), created_at, updated_at`

func scanArtifact(row pgx.Row) (*Artifact, error) {
	a := &Artifact{}
	var digest string
	err := row.Scan(
		&a.ID, &a.CaseID, &a.DocType, &a.Pages, &digest,
		&a.ContentType, &a.Content, &a.Status, &a.Error, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.ContentDigest = types.Digest(digest)
	return a, nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, caseID, artifactID types.ID) (*Artifact, error) {
	defer observe("get_artifact", time.Now())

	row := s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM case_artifacts WHERE artifact_id = $1 AND case_id = $2`,
		artifactID, caseID)
	a, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("artifact", artifactID.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to find artifact")
	}
	return a, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context, caseID types.ID) ([]*Artifact, error) {
	defer observe("list_artifacts", time.Now())

	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM case_artifacts WHERE case_id = $1 ORDER BY created_at, artifact_id`,
		caseID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list artifacts")
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to scan artifact")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to list artifacts")
	}
	return out, nil
}

func (s *PostgresStore) UpdateArtifactStatus(ctx context.Context, caseID, artifactID types.ID, status billing.ArtifactStatus, errMsg string) error {
	defer observe("update_artifact_status", time.Now())

	result, err := s.pool.Exec(ctx, `
		UPDATE case_artifacts SET status = $3, error = $4, updated_at = NOW()
		WHERE artifact_id = $1 AND case_id = $2`,
		artifactID, caseID, status, errMsg)
	if err != nil {
		return apperrors.Wrap(err, "failed to update artifact status")
	}
	if result.RowsAffected() == 0 {
		return apperrors.NotFound("artifact", artifactID.String())
	}
	return nil
}

func (s *PostgresStore) SaveExtraction(ctx context.Context, e *Extraction) error {
	defer observe("save_extraction", time.Now())

	doc, err := json.Marshal(e.Document)
	if err != nil {
		return apperrors.Wrap(err, "failed to encode extraction")
	}

	// The subquery ties the row to an artifact of the same case.
	result, err := s.pool.Exec(ctx, `
		INSERT INTO case_extractions (artifact_id, vendor, case_id, job_seq, document, received_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE EXISTS (SELECT 1 FROM case_artifacts WHERE artifact_id = $1 AND case_id = $3)
		ON CONFLICT (artifact_id, vendor) DO UPDATE SET
			job_seq = EXCLUDED.job_seq, document = EXCLUDED.document, received_at = EXCLUDED.received_at`,
		e.ArtifactID, e.Vendor, e.CaseID, int64(e.JobSeq), doc, e.ReceivedAt)
	if err != nil {
		return apperrors.Wrap(err, "failed to save extraction")
	}
	if result.RowsAffected() == 0 {
		return apperrors.NotFound("artifact", e.ArtifactID.String())
	}
	return nil
}

func (s *PostgresStore) GetExtraction(ctx context.Context, artifactID types.ID, vendorName string) (*Extraction, error) {
	defer observe("get_extraction", time.Now())

	e := &Extraction{ArtifactID: artifactID, Vendor: vendorName}
	var seq int64
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT case_id, job_seq, document, received_at
		FROM case_extractions WHERE artifact_id = $1 AND vendor = $2`,
		artifactID, vendorName).Scan(&e.CaseID, &seq, &doc, &e.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("extraction", artifactID.String()+"/"+vendorName)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to find extraction")
	}

	e.JobSeq = uint64(seq)
	e.Document = &vendor.Document{}
	if err := json.Unmarshal(doc, e.Document); err != nil {
		return nil, apperrors.Wrap(err, "failed to decode extraction")
	}
	return e, nil
}

func (s *PostgresStore) LastJobSeq(ctx context.Context, artifactID types.ID) (uint64, error) {
	defer observe("last_job_seq", time.Now())

	var seq int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(job_seq), 0) FROM case_extractions WHERE artifact_id = $1`,
		artifactID).Scan(&seq)
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to read last job sequence")
	}
	return uint64(seq), nil
}

func (s *PostgresStore) SaveAnalysis(ctx context.Context, a *pipeline.Analysis) error {
	defer observe("save_analysis", time.Now())

	data, err := json.Marshal(a)
	if err != nil {
		return apperrors.Wrap(err, "failed to encode analysis")
	}

	var total int64
	var basis string
	if a.Savings != nil {
		total = a.Savings.TotalCents
		basis = string(a.Savings.Basis)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO case_analyses (case_id, analysis, savings_cents, savings_basis, analyzed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (case_id) DO UPDATE SET
			analysis = EXCLUDED.analysis, savings_cents = EXCLUDED.savings_cents,
			savings_basis = EXCLUDED.savings_basis, analyzed_at = EXCLUDED.analyzed_at`,
		a.CaseID, data, total, basis, a.AnalyzedAt)
	if err != nil {
		return apperrors.Wrap(err, "failed to save analysis")
	}
	return nil
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, caseID types.ID) (*pipeline.Analysis, error) {
	defer observe("get_analysis", time.Now())

	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT analysis FROM case_analyses WHERE case_id = $1`, caseID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("analysis", caseID.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to find analysis")
	}

	a := &pipeline.Analysis{}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, apperrors.Wrap(err, "failed to decode analysis")
	}
	return a, nil
}

func (s *PostgresStore) DeleteCase(ctx context.Context, caseID types.ID) (int, error) {
	defer observe("delete_case", time.Now())

	var n int
	err := database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM case_analyses WHERE case_id = $1`, caseID); err != nil {
			return err
		}
		// Extractions go with their artifacts.
		result, err := tx.Exec(ctx, `DELETE FROM case_artifacts WHERE case_id = $1`, caseID)
		if err != nil {
			return err
		}
		n = int(result.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to delete case")
	}
	return n, nil
}
