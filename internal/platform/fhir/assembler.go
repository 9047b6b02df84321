package fhir

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Terminology bindings used by assembled resources.
const (
	systemMediaType      = "http://terminology.hl7.org/CodeSystem/media-type"
	systemDICOM          = "http://dicom.nema.org/resources/ontology/DCM"
	systemLOINC          = "http://loinc.org"
	systemDocCategory    = "http://hl7.org/fhir/us/core/CodeSystem/us-core-documentreference-category"
	systemIHEFormatCode  = "http://ihe.net/fhir/ihe.formatcode.fhir/CodeSystem/formatcode"
	codeMimeTypeFormat   = "urn:ihe:iti:xds:2017:mimeTypeSufficient"
	codeLOINCAudioReport = "18842-5"
)

// DefaultDeviceName is used when the upload does not name a recording device.
const DefaultDeviceName = "Mobile Audio Recorder"

// AudioMetadata is the validated input of the assembler. PatientID and
// OperatorName arrive already encrypted when the scan demanded it; the
// assembler treats them as opaque strings.
type AudioMetadata struct {
	FileName        string
	FileURL         string
	SizeBytes       int64
	ContentType     string
	DurationSeconds float64
	PatientID       string
	OperatorName    string
	DeviceName      string
	Reason          string
}

// Assembler builds FHIR resources for audio uploads. Timestamps and resource
// ids are injectable for deterministic tests.
type Assembler struct {
	baseURL string
	now     func() time.Time
	newID   func() string
}

// NewAssembler creates an Assembler whose fullUrl entries are rooted at
// baseURL.
func NewAssembler(baseURL string) *Assembler {
	return &Assembler{
		baseURL: baseURL,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
}

// NewMediaResource builds a Media resource from audio metadata. Optional
// fields are omitted rather than emitted empty.
func (a *Assembler) NewMediaResource(meta AudioMetadata) *Media {
	now := a.now()
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	deviceName := meta.DeviceName
	if deviceName == "" {
		deviceName = DefaultDeviceName
	}

	m := &Media{
		ResourceType: "Media",
		ID:           a.newID(),
		Meta: &Meta{
			VersionID:   "1",
			LastUpdated: now,
			Profile:     []string{"http://hl7.org/fhir/StructureDefinition/Media"},
		},
		Identifier: []Identifier{
			{Use: "usual", System: a.baseURL + "/media-id", Value: meta.FileName},
		},
		Status: "completed",
		Type: &CodeableConcept{Coding: []Coding{
			{System: systemMediaType, Code: "audio", Display: "Audio"},
		}},
		Modality: &CodeableConcept{Coding: []Coding{
			{System: systemDICOM, Code: "AU", Display: "Audio"},
		}},
		CreatedDateTime: now,
		Issued:          now,
		DeviceName:      deviceName,
		Duration:        meta.DurationSeconds,
		Content: &Attachment{
			ContentType: contentType,
			Size:        meta.SizeBytes,
			URL:         meta.FileURL,
			Title:       meta.FileName,
		},
	}

	if meta.PatientID != "" {
		m.Subject = &Reference{Reference: "Patient/" + meta.PatientID, Display: "Patient"}
	}
	if meta.OperatorName != "" {
		m.Operator = &Reference{Display: meta.OperatorName}
	}
	if meta.Reason != "" {
		m.ReasonCode = []CodeableConcept{{Text: meta.Reason}}
	}
	return m
}

// NewDocumentReference builds the DocumentReference indexing the given Media
// resource. The attachment mirrors the media content.
func (a *Assembler) NewDocumentReference(media *Media, meta AudioMetadata) *DocumentReference {
	now := a.now()

	doc := &DocumentReference{
		ResourceType: "DocumentReference",
		ID:           a.newID(),
		Meta: &Meta{
			VersionID:   "1",
			LastUpdated: now,
			Profile:     []string{"http://hl7.org/fhir/StructureDefinition/DocumentReference"},
		},
		Identifier: []Identifier{
			{Use: "usual", System: a.baseURL + "/document-id", Value: "doc-" + meta.FileName},
		},
		Status: "current",
		Type: &CodeableConcept{Coding: []Coding{
			{System: systemLOINC, Code: codeLOINCAudioReport, Display: "Discharge summary"},
		}},
		Category: []CodeableConcept{{Coding: []Coding{
			{System: systemDocCategory, Code: "audio-recording", Display: "Audio Recording"},
		}}},
		Date: now,
		Content: []DocumentContent{{
			Attachment: &Attachment{
				ContentType: media.Content.ContentType,
				URL:         meta.FileURL,
				Size:        media.Content.Size,
				Title:       meta.FileName,
			},
			Format: &Coding{
				System:  systemIHEFormatCode,
				Code:    codeMimeTypeFormat,
				Display: "mimeType Sufficient",
			},
		}},
	}

	if meta.PatientID != "" {
		doc.Subject = &Reference{Reference: "Patient/" + meta.PatientID, Display: "Patient"}
	}
	return doc
}

// AssembleBundle builds the complete collection bundle for one upload. The
// entry order is fixed: Media first, then the DocumentReference that indexes
// it.
func (a *Assembler) AssembleBundle(meta AudioMetadata) *Bundle {
	media := a.NewMediaResource(meta)
	doc := a.NewDocumentReference(media, meta)

	return &Bundle{
		ResourceType: "Bundle",
		ID:           a.newID(),
		Meta:         &Meta{LastUpdated: a.now()},
		Type:         "collection",
		Entry: []BundleEntry{
			{Resource: media, FullURL: fmt.Sprintf("%s/Media/%s", a.baseURL, media.ID)},
			{Resource: doc, FullURL: fmt.Sprintf("%s/DocumentReference/%s", a.baseURL, doc.ID)},
		},
	}
}

// ValidateResource checks the structural minimum of an assembled resource:
// a supported resource type, a non-empty id, and populated meta.
func ValidateResource(resource interface{}) bool {
	switch r := resource.(type) {
	case *Media:
		return r.ResourceType == "Media" && r.ID != "" && r.Meta != nil
	case *DocumentReference:
		return r.ResourceType == "DocumentReference" && r.ID != "" && r.Meta != nil
	default:
		return false
	}
}
