package uploads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medvoice/medvoice/internal/platform/dlp"
	"github.com/medvoice/medvoice/internal/platform/fhir"
	"github.com/medvoice/medvoice/internal/platform/hipaa"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type memRepo struct {
	mu        sync.Mutex
	records   []*AudioRecord
	resources []*FHIRResource
	failWith  error
	// failResources simulates a resource insert failing after the record
	// insert succeeded; like the real transaction, nothing may be kept.
	failResources error
}

func (r *memRepo) CreateRecordWithResources(_ context.Context, rec *AudioRecord, resources []*FHIRResource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = time.Now()
	if r.failResources != nil {
		return r.failResources
	}
	cp := *rec
	r.records = append(r.records, &cp)
	for _, res := range resources {
		res.RecordID = rec.ID
	}
	r.resources = append(r.resources, resources...)
	return nil
}

func (r *memRepo) GetByFileName(_ context.Context, fileName string) (*AudioRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.FileName == fileName {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*AudioRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ID == id {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) ListByPatientRef(_ context.Context, ref string, _, _ int) ([]*AudioRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*AudioRecord
	for _, rec := range r.records {
		if rec.PatientRef == ref {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) ListByStatus(_ context.Context, status string, _, _ int) ([]*AudioRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*AudioRecord
	for _, rec := range r.records {
		if rec.AnalysisStatus == status {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) UpdateAnalysis(_ context.Context, fileName, status string, result *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.FileName == fileName {
			rec.AnalysisStatus = status
			rec.AnalysisResult = result
			return nil
		}
	}
	return ErrNotFound
}

func (r *memRepo) GetFHIRResource(_ context.Context, resourceType, resourceID string) (*FHIRResource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.resources {
		if res.ResourceType == resourceType && res.ResourceID == resourceID {
			return res, nil
		}
	}
	return nil, ErrNotFound
}

type failingScanner struct{ err error }

func (s *failingScanner) Scan(string) (*dlp.ScanResult, error) { return nil, s.err }

type stubIssuer struct{ err error }

func (s *stubIssuer) SignedURL(_ context.Context, fileName, method, _ string, _ time.Duration) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return fmt.Sprintf("https://storage.example.org/%s?method=%s", fileName, method), nil
}

type pipelineFixture struct {
	svc    *Service
	repo   *memRepo
	sink   *hipaa.MemorySink
	audit  *hipaa.AuditLogger
	crypto *hipaa.EncryptionService
}

func newFixture(t *testing.T, scanner Scanner) *pipelineFixture {
	t.Helper()

	crypto, err := hipaa.NewEncryptionService(testKeyHex, zerolog.Nop())
	if err != nil {
		t.Fatalf("encryption service: %v", err)
	}
	sink := hipaa.NewMemorySink()
	audit := hipaa.NewAuditLogger(sink, zerolog.Nop(), 64)
	t.Cleanup(audit.Close)

	repo := &memRepo{}
	if scanner == nil {
		scanner = dlp.NewClassifier()
	}
	svc := NewService(repo, scanner, crypto, audit,
		fhir.NewAssembler("https://fhir.example.org"), &stubIssuer{},
		zerolog.Nop(), time.Second, time.Hour)

	return &pipelineFixture{svc: svc, repo: repo, sink: sink, audit: audit, crypto: crypto}
}

func TestRegisterUploadHighRiskEncryptsRefs(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.svc.RegisterUpload(context.Background(), "clinician-7", &UploadMetadata{
		FileName:     "visit-001.mp3",
		FileSize:     2048,
		FileType:     "audio/mpeg",
		PatientID:    "123-45-6789",
		OperatorName: "recording operator",
	})
	if err != nil {
		t.Fatalf("RegisterUpload: %v", err)
	}

	if !result.PHIDetected || result.RiskLevel != string(dlp.RiskHigh) {
		t.Errorf("scan summary = detected %v risk %q, want high-risk detection", result.PHIDetected, result.RiskLevel)
	}
	if result.BundleID == "" || result.MediaID == "" || result.DocumentRefID == "" {
		t.Error("result is missing assembled resource ids")
	}

	rec, err := f.repo.GetByFileName(context.Background(), "visit-001.mp3")
	if err != nil {
		t.Fatalf("stored record: %v", err)
	}
	if !rec.PHIEncrypted {
		t.Fatal("high-risk upload was stored without field encryption")
	}
	if rec.PatientRef == "123-45-6789" {
		t.Error("patient ref stored in plaintext")
	}
	plaintext, err := f.crypto.DecryptField(rec.PatientRef)
	if err != nil || plaintext != "123-45-6789" {
		t.Errorf("stored patient ref does not decrypt: %q, %v", plaintext, err)
	}
	if len(f.repo.resources) != 2 {
		t.Fatalf("expected 2 stored FHIR resources, got %d", len(f.repo.resources))
	}
	if f.repo.resources[0].ResourceType != "Media" || f.repo.resources[1].ResourceType != "DocumentReference" {
		t.Errorf("stored resource order: %s, %s", f.repo.resources[0].ResourceType, f.repo.resources[1].ResourceType)
	}
}

func TestRegisterUploadLowRiskStoresPlaintext(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.svc.RegisterUpload(context.Background(), "clinician-7", &UploadMetadata{
		FileName:  "visit-002.mp3",
		FileSize:  1024,
		FileType:  "audio/mpeg",
		PatientID: "PAT-123456",
	})
	if err != nil {
		t.Fatalf("RegisterUpload: %v", err)
	}
	if result.RiskLevel != string(dlp.RiskLow) {
		t.Fatalf("risk = %q, want LOW", result.RiskLevel)
	}

	rec, err := f.repo.GetByFileName(context.Background(), "visit-002.mp3")
	if err != nil {
		t.Fatalf("stored record: %v", err)
	}
	if rec.PHIEncrypted || rec.PatientRef != "PAT-123456" {
		t.Errorf("low-risk upload should store plaintext refs, got encrypted=%v ref=%q", rec.PHIEncrypted, rec.PatientRef)
	}
}

func TestRegisterUploadAuditOrdering(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.RegisterUpload(context.Background(), "clinician-7", &UploadMetadata{
		FileName:  "visit-003.mp3",
		FileSize:  512,
		FileType:  "audio/mpeg",
		PatientID: "123-45-6789",
	})
	if err != nil {
		t.Fatalf("RegisterUpload: %v", err)
	}
	f.audit.Close()

	events := f.sink.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	if events[0].Type != hipaa.EventPHIDetection {
		t.Errorf("first event = %s, want PHI_DETECTION", events[0].Type)
	}
	if events[1].Type != hipaa.EventFHIRAccess || events[1].Action != "CREATE" || !events[1].Success {
		t.Errorf("second event = %s/%s success=%v, want successful FHIR CREATE", events[1].Type, events[1].Action, events[1].Success)
	}
}

func TestRegisterUploadValidationFailure(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.RegisterUpload(context.Background(), "clinician-7", &UploadMetadata{
		FileName: "",
		FileSize: 10,
		FileType: "audio/mpeg",
	})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	f.audit.Close()
	events := f.sink.Events()
	if len(events) != 1 || events[0].Success {
		t.Fatalf("expected one failed audit event, got %+v", events)
	}
	if events[0].Type != hipaa.EventFHIRAccess {
		t.Errorf("failure event type = %s", events[0].Type)
	}
}

func TestRegisterUploadScanFailureRejects(t *testing.T) {
	f := newFixture(t, &failingScanner{err: errors.New("scanner unavailable")})

	_, err := f.svc.RegisterUpload(context.Background(), "clinician-7", &UploadMetadata{
		FileName: "visit-004.mp3",
		FileSize: 512,
		FileType: "audio/mpeg",
	})
	if err == nil {
		t.Fatal("expected scan failure to reject the upload")
	}
	var pErr *PipelineError
	if !errors.As(err, &pErr) || pErr.Stage != StageValidated {
		t.Errorf("expected failure at validated stage, got %v", err)
	}
	if len(f.repo.records) != 0 {
		t.Error("no record should be persisted after a scan failure")
	}
}

func TestRegisterUploadPersistFailureAudits(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.failWith = errors.New("storage down")

	_, err := f.svc.RegisterUpload(context.Background(), "clinician-7", &UploadMetadata{
		FileName: "visit-005.mp3",
		FileSize: 512,
		FileType: "audio/mpeg",
	})
	if err == nil {
		t.Fatal("expected persistence failure")
	}

	f.audit.Close()
	events := f.sink.Events()
	last := events[len(events)-1]
	if last.Type != hipaa.EventFHIRAccess || last.Success {
		t.Errorf("last event = %s success=%v, want failed FHIR access", last.Type, last.Success)
	}
	if last.ErrorMessage == "" {
		t.Error("failed audit event should carry the error message")
	}
}

func TestRegisterUploadPersistFailureLeavesNoRows(t *testing.T) {
	f := newFixture(t, nil)
	f.repo.failResources = errors.New("unique constraint violated")

	_, err := f.svc.RegisterUpload(context.Background(), "clinician-7", &UploadMetadata{
		FileName:  "visit-010.mp3",
		FileSize:  512,
		FileType:  "audio/mpeg",
		PatientID: "123-45-6789",
	})
	if err == nil {
		t.Fatal("expected persistence failure")
	}
	var pErr *PipelineError
	if !errors.As(err, &pErr) || pErr.Stage != StageAssembled {
		t.Errorf("expected failure at assembled stage, got %v", err)
	}

	// A failed bundle write must leave no trace: no record row and no
	// resource rows.
	if n := len(f.repo.records); n != 0 {
		t.Errorf("%d audio record(s) remain after a failed bundle write", n)
	}
	if n := len(f.repo.resources); n != 0 {
		t.Errorf("%d FHIR resource row(s) remain after a failed bundle write", n)
	}
	if _, err := f.repo.GetByFileName(context.Background(), "visit-010.mp3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record lookup after failed write = %v, want ErrNotFound", err)
	}
}

func TestGetRecordDecryptionDegradesToSentinel(t *testing.T) {
	f := newFixture(t, nil)

	// A value that passes the ciphertext heuristic but was not produced by
	// the current key.
	bogus := strings.Repeat("QUJD", 20)
	f.repo.records = append(f.repo.records, &AudioRecord{
		ID:             uuid.New(),
		FileName:       "legacy.mp3",
		FileSize:       10,
		FileType:       "audio/mpeg",
		PatientRef:     bogus,
		OperatorRef:    bogus,
		PHIEncrypted:   true,
		AnalysisStatus: AnalysisPending,
	})

	rec, err := f.svc.GetRecord(context.Background(), "clinician-7", "legacy.mp3")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.PatientRef != hipaa.DecryptionFailedSentinel {
		t.Errorf("patient ref = %q, want sentinel", rec.PatientRef)
	}
	if rec.OperatorRef != hipaa.DecryptionFailedSentinel {
		t.Errorf("operator ref = %q, want sentinel", rec.OperatorRef)
	}
}

func TestUpdateAnalysisStatus(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.RegisterUpload(context.Background(), "clinician-7", &UploadMetadata{
		FileName: "visit-006.mp3",
		FileSize: 512,
		FileType: "audio/mpeg",
	})
	if err != nil {
		t.Fatalf("RegisterUpload: %v", err)
	}

	t.Run("rejects unknown status", func(t *testing.T) {
		err := f.svc.UpdateAnalysisStatus(context.Background(), "clinician-7", "visit-006.mp3", "finished", nil)
		var vErr *ValidationError
		if !errors.As(err, &vErr) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("updates a valid status", func(t *testing.T) {
		result := "transcript clean"
		if err := f.svc.UpdateAnalysisStatus(context.Background(), "clinician-7", "visit-006.mp3", AnalysisCompleted, &result); err != nil {
			t.Fatalf("UpdateAnalysisStatus: %v", err)
		}
		rec, err := f.repo.GetByFileName(context.Background(), "visit-006.mp3")
		if err != nil {
			t.Fatalf("GetByFileName: %v", err)
		}
		if rec.AnalysisStatus != AnalysisCompleted || rec.AnalysisResult == nil || *rec.AnalysisResult != result {
			t.Errorf("record not updated: %+v", rec)
		}
	})

	t.Run("unknown file", func(t *testing.T) {
		err := f.svc.UpdateAnalysisStatus(context.Background(), "clinician-7", "nope.mp3", AnalysisFailed, nil)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestListPendingDecryptsPerRecord(t *testing.T) {
	f := newFixture(t, nil)

	for _, patient := range []string{"123-45-6789", "987-65-4321"} {
		_, err := f.svc.RegisterUpload(context.Background(), "clinician-7", &UploadMetadata{
			FileName:  "f-" + patient + ".mp3",
			FileSize:  512,
			FileType:  "audio/mpeg",
			PatientID: patient,
		})
		if err != nil {
			t.Fatalf("RegisterUpload: %v", err)
		}
	}

	recs, err := f.svc.ListPending(context.Background(), "clinician-7", 50, 0)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 pending records, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.PatientRef != "123-45-6789" && rec.PatientRef != "987-65-4321" {
			t.Errorf("patient ref %q not decrypted for display", rec.PatientRef)
		}
	}
}
