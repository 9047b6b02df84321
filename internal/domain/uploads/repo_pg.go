package uploads

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the PostgreSQL-backed Repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const recordCols = `id, file_name, file_url, file_size, file_type, user_id,
	patient_ref, operator_ref, phi_detected, phi_encrypted, risk_level,
	analysis_status, analysis_result, bundle_id, media_id, document_ref_id,
	created_at, updated_at`

func (r *repoPG) scanRecord(row pgx.Row) (*AudioRecord, error) {
	var rec AudioRecord
	err := row.Scan(&rec.ID, &rec.FileName, &rec.FileURL, &rec.FileSize, &rec.FileType, &rec.UserID,
		&rec.PatientRef, &rec.OperatorRef, &rec.PHIDetected, &rec.PHIEncrypted, &rec.RiskLevel,
		&rec.AnalysisStatus, &rec.AnalysisResult, &rec.BundleID, &rec.MediaID, &rec.DocumentRefID,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecordWithResources inserts the record row and every bundle resource
// row in one transaction. A failure on any insert rolls the whole write back
// so a reported failure never leaves partial bundle state behind.
func (r *repoPG) CreateRecordWithResources(ctx context.Context, rec *AudioRecord, resources []*FHIRResource) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO audio_records (id, file_name, file_url, file_size, file_type, user_id,
			patient_ref, operator_ref, phi_detected, phi_encrypted, risk_level,
			analysis_status, analysis_result, bundle_id, media_id, document_ref_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.ID, rec.FileName, rec.FileURL, rec.FileSize, rec.FileType, rec.UserID,
		rec.PatientRef, rec.OperatorRef, rec.PHIDetected, rec.PHIEncrypted, rec.RiskLevel,
		rec.AnalysisStatus, rec.AnalysisResult, rec.BundleID, rec.MediaID, rec.DocumentRefID,
	); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	for _, res := range resources {
		if res.ID == uuid.Nil {
			res.ID = uuid.New()
		}
		res.RecordID = rec.ID
		if _, err := tx.Exec(ctx, `
			INSERT INTO fhir_resources (id, record_id, bundle_id, resource_type, resource_id, resource)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			res.ID, res.RecordID, res.BundleID, res.ResourceType, res.ResourceID, res.Resource,
		); err != nil {
			return fmt.Errorf("insert %s resource: %w", res.ResourceType, err)
		}
	}

	return tx.Commit(ctx)
}

func (r *repoPG) GetByFileName(ctx context.Context, fileName string) (*AudioRecord, error) {
	return r.scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+recordCols+` FROM audio_records WHERE file_name = $1 ORDER BY created_at DESC LIMIT 1`,
		fileName))
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*AudioRecord, error) {
	return r.scanRecord(r.pool.QueryRow(ctx,
		`SELECT `+recordCols+` FROM audio_records WHERE id = $1`, id))
}

func (r *repoPG) listRecords(ctx context.Context, query string, args ...interface{}) ([]*AudioRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*AudioRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *repoPG) ListByPatientRef(ctx context.Context, patientRef string, limit, offset int) ([]*AudioRecord, error) {
	return r.listRecords(ctx,
		`SELECT `+recordCols+` FROM audio_records WHERE patient_ref = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		patientRef, limit, offset)
}

func (r *repoPG) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*AudioRecord, error) {
	return r.listRecords(ctx,
		`SELECT `+recordCols+` FROM audio_records WHERE analysis_status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		status, limit, offset)
}

func (r *repoPG) UpdateAnalysis(ctx context.Context, fileName, status string, result *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE audio_records SET analysis_status = $2, analysis_result = $3, updated_at = NOW()
		WHERE file_name = $1`,
		fileName, status, result)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) GetFHIRResource(ctx context.Context, resourceType, resourceID string) (*FHIRResource, error) {
	var res FHIRResource
	err := r.pool.QueryRow(ctx, `
		SELECT id, record_id, bundle_id, resource_type, resource_id, resource, created_at
		FROM fhir_resources WHERE resource_type = $1 AND resource_id = $2`,
		resourceType, resourceID).
		Scan(&res.ID, &res.RecordID, &res.BundleID, &res.ResourceType, &res.ResourceID, &res.Resource, &res.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}
