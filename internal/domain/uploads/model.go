// Package uploads owns the audio upload pipeline: admission-validated
// metadata is scanned for PHI, sensitive references are encrypted, the FHIR
// bundle is assembled, and the record is persisted with a full audit trail.
package uploads

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ValidationError marks a request rejected before any pipeline work ran.
// Handlers map it to a 400 response.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Analysis status values for an audio record.
const (
	AnalysisPending    = "pending"
	AnalysisProcessing = "processing"
	AnalysisCompleted  = "completed"
	AnalysisFailed     = "failed"
)

var validAnalysisStatuses = map[string]bool{
	AnalysisPending:    true,
	AnalysisProcessing: true,
	AnalysisCompleted:  true,
	AnalysisFailed:     true,
}

// UploadMetadata is the client-supplied description of an uploaded audio
// file. PatientID and OperatorName are plaintext here; the pipeline encrypts
// them before they reach storage when the scan demands it.
type UploadMetadata struct {
	FileName        string  `json:"file_name"`
	FileSize        int64   `json:"file_size"`
	FileType        string  `json:"file_type"`
	UserID          string  `json:"user_id,omitempty"`
	PatientID       string  `json:"patient_id,omitempty"`
	OperatorName    string  `json:"operator_name,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

// Validate checks the metadata before any pipeline stage runs.
func (m *UploadMetadata) Validate() error {
	if strings.TrimSpace(m.FileName) == "" {
		return &ValidationError{Field: "file_name", Reason: "required"}
	}
	if m.FileSize <= 0 {
		return &ValidationError{Field: "file_size", Reason: "must be positive"}
	}
	if strings.TrimSpace(m.FileType) == "" {
		return &ValidationError{Field: "file_type", Reason: "required"}
	}
	return nil
}

// AudioRecord is the persisted state of one upload. PatientRef and
// OperatorRef hold ciphertext when PHIEncrypted is set.
type AudioRecord struct {
	ID             uuid.UUID `json:"id"`
	FileName       string    `json:"file_name"`
	FileURL        string    `json:"file_url,omitempty"`
	FileSize       int64     `json:"file_size"`
	FileType       string    `json:"file_type"`
	UserID         string    `json:"user_id,omitempty"`
	PatientRef     string    `json:"patient_ref,omitempty"`
	OperatorRef    string    `json:"operator_ref,omitempty"`
	PHIDetected    bool      `json:"phi_detected"`
	PHIEncrypted   bool      `json:"phi_encrypted"`
	RiskLevel      string    `json:"risk_level,omitempty"`
	AnalysisStatus string    `json:"analysis_status"`
	AnalysisResult *string   `json:"analysis_result,omitempty"`
	BundleID       string    `json:"bundle_id,omitempty"`
	MediaID        string    `json:"media_id,omitempty"`
	DocumentRefID  string    `json:"document_reference_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FHIRResource is one persisted resource of an assembled bundle, stored as
// raw JSON alongside the record it belongs to.
type FHIRResource struct {
	ID           uuid.UUID `json:"id"`
	RecordID     uuid.UUID `json:"record_id"`
	BundleID     string    `json:"bundle_id"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Resource     []byte    `json:"resource"`
	CreatedAt    time.Time `json:"created_at"`
}

// RegisterResult is returned to the client after a completed pipeline run.
// It carries the scan summary (detected flag and risk only), never the
// individual findings.
type RegisterResult struct {
	RecordID      uuid.UUID `json:"record_id"`
	BundleID      string    `json:"bundle_id"`
	MediaID       string    `json:"media_id"`
	DocumentRefID string    `json:"document_reference_id"`
	ReadURL       string    `json:"read_url,omitempty"`
	PHIDetected   bool      `json:"phi_detected"`
	RiskLevel     string    `json:"risk_level,omitempty"`
}
