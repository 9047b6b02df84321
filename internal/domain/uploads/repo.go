package uploads

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists audio records and the FHIR resources assembled for
// them.
type Repository interface {
	// CreateRecordWithResources persists the record and its bundle resources
	// atomically: either every row lands or none do. It stamps rec.ID and the
	// RecordID of each resource.
	CreateRecordWithResources(ctx context.Context, rec *AudioRecord, resources []*FHIRResource) error
	GetByFileName(ctx context.Context, fileName string) (*AudioRecord, error)
	GetByID(ctx context.Context, id uuid.UUID) (*AudioRecord, error)
	ListByPatientRef(ctx context.Context, patientRef string, limit, offset int) ([]*AudioRecord, error)
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]*AudioRecord, error)
	UpdateAnalysis(ctx context.Context, fileName, status string, result *string) error

	GetFHIRResource(ctx context.Context, resourceType, resourceID string) (*FHIRResource, error)
}
