package uploads

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medvoice/medvoice/internal/platform/dlp"
	"github.com/medvoice/medvoice/internal/platform/fhir"
	"github.com/medvoice/medvoice/internal/platform/hipaa"
)

// Stage names the pipeline states of one upload registration. Transitions
// are strictly forward; any stage can move to StageFailed.
type Stage string

const (
	StageReceived  Stage = "received"
	StageValidated Stage = "validated"
	StageScanned   Stage = "scanned"
	StageEncrypted Stage = "encrypted"
	StageAssembled Stage = "assembled"
	StagePersisted Stage = "persisted"
	StageAudited   Stage = "audited"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// PipelineError wraps a stage failure so handlers can report which stage
// rejected the upload.
type PipelineError struct {
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Scanner is the PHI detection dependency of the pipeline.
type Scanner interface {
	Scan(text string) (*dlp.ScanResult, error)
}

// SignedURLIssuer mints time-limited URLs against the audio object store.
type SignedURLIssuer interface {
	SignedURL(ctx context.Context, fileName, method, contentType string, ttl time.Duration) (string, error)
}

// Service runs the upload registration pipeline and the record read paths.
type Service struct {
	repo      Repository
	scanner   Scanner
	crypto    *hipaa.EncryptionService
	audit     *hipaa.AuditLogger
	assembler *fhir.Assembler
	urls      SignedURLIssuer
	logger    zerolog.Logger

	scanTimeout  time.Duration
	signedURLTTL time.Duration
}

// NewService wires the pipeline. urls may be nil when no object store is
// configured; read URLs are then omitted from results.
func NewService(repo Repository, scanner Scanner, crypto *hipaa.EncryptionService,
	audit *hipaa.AuditLogger, assembler *fhir.Assembler, urls SignedURLIssuer,
	logger zerolog.Logger, scanTimeout, signedURLTTL time.Duration) *Service {
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	if signedURLTTL <= 0 {
		signedURLTTL = time.Hour
	}
	return &Service{
		repo:         repo,
		scanner:      scanner,
		crypto:       crypto,
		audit:        audit,
		assembler:    assembler,
		urls:         urls,
		logger:       logger,
		scanTimeout:  scanTimeout,
		signedURLTTL: signedURLTTL,
	}
}

// RegisterUpload runs the full pipeline for one upload. The scan is bounded
// by the scan timeout; once scanning succeeds, the remaining stages run on a
// detached context so a client disconnect cannot abandon a half-done write.
func (s *Service) RegisterUpload(ctx context.Context, actor string, meta *UploadMetadata) (*RegisterResult, error) {
	stage := StageReceived
	s.logStage(meta.FileName, stage)

	fail := func(err error) (*RegisterResult, error) {
		s.logStage(meta.FileName, StageFailed)
		s.audit.LogFHIRAccess(context.WithoutCancel(ctx), actor, "Bundle", meta.FileName,
			"CREATE", meta.PatientID, false, err.Error())
		return nil, &PipelineError{Stage: stage, Err: err}
	}

	if err := meta.Validate(); err != nil {
		return fail(err)
	}
	stage = StageValidated
	s.logStage(meta.FileName, stage)

	scan, err := s.scanMetadata(ctx, meta)
	if err != nil {
		return fail(err)
	}
	stage = StageScanned
	s.logStage(meta.FileName, stage)

	// From here on the work must complete even if the client goes away.
	dctx := context.WithoutCancel(ctx)

	s.audit.LogPHIDetection(dctx, actor, meta.FileName, meta.PatientID,
		scan.FindingsCount, string(scan.RiskLevel))

	patientRef, operatorRef := meta.PatientID, meta.OperatorName
	encrypted := false
	if scan.HasPHI && riskAtLeast(scan.RiskLevel, dlp.RiskMedium) {
		patientRef, operatorRef, err = s.encryptRefs(meta.PatientID, meta.OperatorName)
		if err != nil {
			return fail(err)
		}
		encrypted = s.crypto.IsEnabled()
	}
	stage = StageEncrypted
	s.logStage(meta.FileName, stage)

	readURL := ""
	if s.urls != nil {
		readURL, err = s.urls.SignedURL(dctx, meta.FileName, "GET", meta.FileType, s.signedURLTTL)
		if err != nil {
			return fail(fmt.Errorf("issue read url: %w", err))
		}
	}

	bundle := s.assembler.AssembleBundle(fhir.AudioMetadata{
		FileName:        meta.FileName,
		FileURL:         readURL,
		SizeBytes:       meta.FileSize,
		ContentType:     meta.FileType,
		DurationSeconds: meta.DurationSeconds,
		PatientID:       patientRef,
		OperatorName:    operatorRef,
		Reason:          meta.Reason,
	})
	media := bundle.Entry[0].Resource.(*fhir.Media)
	doc := bundle.Entry[1].Resource.(*fhir.DocumentReference)
	if !fhir.ValidateResource(media) || !fhir.ValidateResource(doc) {
		return fail(fmt.Errorf("assembled bundle %s failed validation", bundle.ID))
	}
	stage = StageAssembled
	s.logStage(meta.FileName, stage)

	rec := &AudioRecord{
		FileName:       meta.FileName,
		FileURL:        readURL,
		FileSize:       meta.FileSize,
		FileType:       meta.FileType,
		UserID:         meta.UserID,
		PatientRef:     patientRef,
		OperatorRef:    operatorRef,
		PHIDetected:    scan.HasPHI,
		PHIEncrypted:   encrypted,
		RiskLevel:      string(scan.RiskLevel),
		AnalysisStatus: AnalysisPending,
		BundleID:       bundle.ID,
		MediaID:        media.ID,
		DocumentRefID:  doc.ID,
	}
	if err := s.persist(dctx, rec, bundle); err != nil {
		return fail(err)
	}
	stage = StagePersisted
	s.logStage(meta.FileName, stage)

	s.audit.LogFHIRAccess(dctx, actor, "Bundle", bundle.ID, "CREATE", meta.PatientID, true, "")
	stage = StageAudited
	s.logStage(meta.FileName, stage)

	stage = StageCompleted
	s.logStage(meta.FileName, stage)
	return &RegisterResult{
		RecordID:      rec.ID,
		BundleID:      bundle.ID,
		MediaID:       media.ID,
		DocumentRefID: doc.ID,
		ReadURL:       readURL,
		PHIDetected:   scan.HasPHI,
		RiskLevel:     string(scan.RiskLevel),
	}, nil
}

// scanMetadata runs the classifier over the identifying metadata fields
// under the scan timeout. A timeout or scan failure rejects the upload; it
// is never treated as a clean result.
func (s *Service) scanMetadata(ctx context.Context, meta *UploadMetadata) (*dlp.ScanResult, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.scanTimeout)
	defer cancel()

	text := strings.Join([]string{
		meta.FileName, meta.UserID, meta.PatientID, meta.OperatorName, meta.Reason,
	}, "\n")

	type outcome struct {
		result *dlp.ScanResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := s.scanner.Scan(text)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("phi scan: %w", out.err)
		}
		return out.result, nil
	case <-scanCtx.Done():
		return nil, fmt.Errorf("phi scan: %w", scanCtx.Err())
	}
}

func (s *Service) encryptRefs(patientID, operatorName string) (string, string, error) {
	patientRef, err := s.crypto.EncryptField(patientID)
	if err != nil {
		return "", "", fmt.Errorf("encrypt patient ref: %w", err)
	}
	operatorRef, err := s.crypto.EncryptField(operatorName)
	if err != nil {
		return "", "", fmt.Errorf("encrypt operator ref: %w", err)
	}
	return patientRef, operatorRef, nil
}

// persist writes the record and its bundle resources through one atomic
// repository call. Nothing is written when any part fails.
func (s *Service) persist(ctx context.Context, rec *AudioRecord, bundle *fhir.Bundle) error {
	resources := make([]*FHIRResource, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		raw, err := json.Marshal(entry.Resource)
		if err != nil {
			return fmt.Errorf("marshal bundle entry: %w", err)
		}
		resourceType, resourceID := resourceIdentity(entry.Resource)
		resources = append(resources, &FHIRResource{
			BundleID:     bundle.ID,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Resource:     raw,
		})
	}
	if err := s.repo.CreateRecordWithResources(ctx, rec, resources); err != nil {
		return fmt.Errorf("persist bundle: %w", err)
	}
	return nil
}

func resourceIdentity(resource interface{}) (string, string) {
	switch r := resource.(type) {
	case *fhir.Media:
		return r.ResourceType, r.ID
	case *fhir.DocumentReference:
		return r.ResourceType, r.ID
	default:
		return "", ""
	}
}

func riskAtLeast(level dlp.RiskLevel, min dlp.RiskLevel) bool {
	rank := map[dlp.RiskLevel]int{dlp.RiskLow: 1, dlp.RiskMedium: 2, dlp.RiskHigh: 3}
	return rank[level] >= rank[min]
}

// GetRecord returns the record for fileName with PHI fields decrypted for
// display. A record whose ciphertext cannot be decrypted is still returned,
// with the failed fields replaced by the sentinel.
func (s *Service) GetRecord(ctx context.Context, actor, fileName string) (*AudioRecord, error) {
	rec, err := s.repo.GetByFileName(ctx, fileName)
	if err != nil {
		if err != ErrNotFound {
			s.audit.LogDataAccess(ctx, actor, "AUDIO_RECORD", fileName, "READ", "", false, err.Error())
		}
		return nil, err
	}
	s.decryptForDisplay(rec)
	s.audit.LogDataAccess(ctx, actor, "AUDIO_RECORD", fileName, "READ", rec.PatientRef, true, "")
	return rec, nil
}

// ListPending returns records awaiting analysis, oldest intent preserved by
// the repository ordering. Decryption degrades per record.
func (s *Service) ListPending(ctx context.Context, actor string, limit, offset int) ([]*AudioRecord, error) {
	recs, err := s.repo.ListByStatus(ctx, AnalysisPending, limit, offset)
	if err != nil {
		s.audit.LogDataAccess(ctx, actor, "AUDIO_RECORD", "pending", "LIST", "", false, err.Error())
		return nil, err
	}
	for _, rec := range recs {
		s.decryptForDisplay(rec)
	}
	s.audit.LogDataAccess(ctx, actor, "AUDIO_RECORD", "pending", "LIST", "", true, "")
	return recs, nil
}

// ListByPatient returns the records stored under the given patient
// reference as written, so callers pass the stored form. Decryption of the
// returned rows degrades per record.
func (s *Service) ListByPatient(ctx context.Context, actor, patientID string, limit, offset int) ([]*AudioRecord, error) {
	recs, err := s.repo.ListByPatientRef(ctx, patientID, limit, offset)
	if err != nil {
		s.audit.LogDataAccess(ctx, actor, "AUDIO_RECORD", patientID, "LIST", patientID, false, err.Error())
		return nil, err
	}
	for _, rec := range recs {
		s.decryptForDisplay(rec)
	}
	s.audit.LogDataAccess(ctx, actor, "AUDIO_RECORD", patientID, "LIST", patientID, true, "")
	return recs, nil
}

func (s *Service) decryptForDisplay(rec *AudioRecord) {
	if !rec.PHIEncrypted {
		return
	}
	rec.PatientRef = s.crypto.DecryptForDisplay(rec.PatientRef)
	rec.OperatorRef = s.crypto.DecryptForDisplay(rec.OperatorRef)
}

// UpdateAnalysisStatus records the outcome of downstream audio analysis.
func (s *Service) UpdateAnalysisStatus(ctx context.Context, actor, fileName, status string, result *string) error {
	if !validAnalysisStatuses[status] {
		return &ValidationError{Field: "status", Reason: "must be one of pending, processing, completed, failed"}
	}
	err := s.repo.UpdateAnalysis(ctx, fileName, status, result)
	success := err == nil
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	s.audit.LogDataAccess(ctx, actor, "AUDIO_RECORD", fileName, "UPDATE", "", success, errMsg)
	return err
}

// IssueUploadURL mints a PUT URL for a pending upload.
func (s *Service) IssueUploadURL(ctx context.Context, actor, fileName, contentType string, ttl time.Duration) (string, error) {
	if s.urls == nil {
		return "", fmt.Errorf("no signed url issuer configured")
	}
	if ttl <= 0 {
		ttl = s.signedURLTTL
	}
	url, err := s.urls.SignedURL(ctx, fileName, "PUT", contentType, ttl)
	success := err == nil
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	s.audit.LogDataAccess(ctx, actor, "UPLOAD_URL", fileName, "ISSUE", "", success, errMsg)
	return url, err
}

func (s *Service) logStage(fileName string, stage Stage) {
	s.logger.Debug().
		Str("file_name", fileName).
		Str("stage", string(stage)).
		Msg("upload pipeline")
}
