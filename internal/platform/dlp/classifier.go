// Package dlp implements the PHI detection and classification engine for
// healthcare payloads. Scans are deterministic and side-effect free: a fixed
// catalogue of sensitive-entity patterns is evaluated against the input, and
// findings are aggregated into a risk level and sensitivity classification.
//
// A scan failure is always surfaced as an error, never as "no PHI found";
// conflating the two would silently defeat the compliance guarantee.
package dlp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// InfoType identifies a sensitive-entity kind in the catalogue.
type InfoType string

const (
	InfoPersonName    InfoType = "PERSON_NAME"
	InfoPhoneNumber   InfoType = "PHONE_NUMBER"
	InfoEmailAddress  InfoType = "EMAIL_ADDRESS"
	InfoDateOfBirth   InfoType = "DATE_OF_BIRTH"
	InfoMedicalRecord InfoType = "MEDICAL_RECORD_NUMBER"
	InfoSSN           InfoType = "US_SOCIAL_SECURITY_NUMBER"
	InfoNPI           InfoType = "US_HEALTHCARE_NPI"
	InfoPatientID     InfoType = "PATIENT_ID"
	InfoDeviceID      InfoType = "MEDICAL_DEVICE_ID"
	InfoFHIRResource  InfoType = "FHIR_RESOURCE_ID"
)

// Likelihood expresses match confidence, lowest to highest.
type Likelihood int

const (
	LikelihoodVeryUnlikely Likelihood = iota + 1
	LikelihoodUnlikely
	LikelihoodPossible
	LikelihoodLikely
	LikelihoodVeryLikely
)

func (l Likelihood) String() string {
	switch l {
	case LikelihoodVeryUnlikely:
		return "VERY_UNLIKELY"
	case LikelihoodUnlikely:
		return "UNLIKELY"
	case LikelihoodPossible:
		return "POSSIBLE"
	case LikelihoodLikely:
		return "LIKELY"
	case LikelihoodVeryLikely:
		return "VERY_LIKELY"
	default:
		return "UNKNOWN"
	}
}

// RiskLevel grades the aggregate PHI exposure of one scan.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Sensitivity classification levels.
const (
	ClassPublic               = "PUBLIC"
	ClassPotentiallySensitive = "POTENTIALLY_SENSITIVE"
	ClassSensitive            = "SENSITIVE"
	ClassHighlySensitive      = "HIGHLY_SENSITIVE"
)

// Finding is one detected sensitive entity: the kind, the match confidence,
// the byte span within the scanned text, and the matched quote. Findings are
// transient per scan and never persisted standalone.
type Finding struct {
	InfoType   InfoType   `json:"info_type"`
	Likelihood Likelihood `json:"likelihood"`
	Start      int        `json:"start"`
	End        int        `json:"end"`
	Quote      string     `json:"quote"`
}

// ScanResult aggregates the findings of one scan. It is immutable once
// produced. RiskLevel is empty when no PHI was found.
type ScanResult struct {
	HasPHI        bool      `json:"has_phi"`
	FindingsCount int       `json:"findings_count"`
	Findings      []Finding `json:"findings"`
	RiskLevel     RiskLevel `json:"risk_level,omitempty"`
}

// Classification is the derived sensitivity grade of scanned content, with
// the handling and retention policy it implies.
type Classification struct {
	Level                string   `json:"classification"`
	Confidence           float64  `json:"confidence"`
	HandlingRequirements []string `json:"handling_requirements"`
	RetentionPolicy      string   `json:"retention_policy"`
}

// ResourceAnalysis is the FHIR-aware supplement to a resource scan.
type ResourceAnalysis struct {
	ResourceType        string `json:"resource_type"`
	ResourceID          string `json:"resource_id"`
	ContainsPatientData bool   `json:"contains_patient_data"`
	PHIDetected         bool   `json:"phi_detected"`
	ComplianceRisk      string `json:"compliance_risk"`
}

// catalogueEntry binds a compiled pattern to its info type and likelihood.
type catalogueEntry struct {
	infoType   InfoType
	likelihood Likelihood
	pattern    *regexp.Regexp
}

// maxScanBytes bounds the input size of a single scan, mirroring the
// per-request finding limits of the upstream inspection service.
const maxScanBytes = 512 * 1024

// maxFindings caps the number of findings returned per scan.
const maxFindings = 1000

// highRiskInfoTypes are the entity kinds whose presence alone makes a scan
// HIGH risk.
var highRiskInfoTypes = map[InfoType]bool{
	InfoSSN:           true,
	InfoMedicalRecord: true,
	InfoDateOfBirth:   true,
}

// Classifier scans text and FHIR resources for protected health information.
// A zero-configuration classifier uses the default healthcare catalogue and
// a minimum likelihood of POSSIBLE.
type Classifier struct {
	catalogue     []catalogueEntry
	minLikelihood Likelihood
}

// NewClassifier creates a Classifier with the default healthcare entity
// catalogue.
func NewClassifier() *Classifier {
	return &Classifier{
		catalogue:     defaultCatalogue(),
		minLikelihood: LikelihoodPossible,
	}
}

// defaultCatalogue compiles the fixed healthcare entity set: the standard
// identifier kinds plus the domain-specific patient, device, and FHIR
// resource id patterns.
func defaultCatalogue() []catalogueEntry {
	return []catalogueEntry{
		{InfoSSN, LikelihoodVeryLikely, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{InfoMedicalRecord, LikelihoodVeryLikely, regexp.MustCompile(`\bMRN-?\d{6,12}\b`)},
		{InfoEmailAddress, LikelihoodVeryLikely, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
		{InfoDateOfBirth, LikelihoodVeryLikely, regexp.MustCompile(`(?i)\b(?:dob|date of birth)[:\s]+\d{4}-\d{2}-\d{2}\b`)},
		{InfoPhoneNumber, LikelihoodLikely, regexp.MustCompile(`\b\(?\d{3}\)?[-.\s]\d{3}[-.\s]?\d{4}\b`)},
		{InfoNPI, LikelihoodLikely, regexp.MustCompile(`\bNPI[-:\s]?\d{10}\b`)},
		{InfoPatientID, LikelihoodLikely, regexp.MustCompile(`\bPAT-\d{6,10}\b`)},
		{InfoDeviceID, LikelihoodLikely, regexp.MustCompile(`\bMD-[A-Z0-9]{8,12}\b`)},
		{InfoFHIRResource, LikelihoodLikely, regexp.MustCompile(`\b[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}\b`)},
		{InfoPersonName, LikelihoodLikely, regexp.MustCompile(`\b(?:Dr|Mr|Mrs|Ms)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?`)},
		{InfoPersonName, LikelihoodPossible, regexp.MustCompile(`\b[A-Z][a-z]{2,}\s+[A-Z][a-z]{2,}\b`)},
	}
}

// Scan inspects text for protected health information and returns the
// aggregated result. Findings below the minimum likelihood are discarded
// before aggregation. Scan never reports an empty result on failure; an
// oversized input is an error.
func (c *Classifier) Scan(text string) (*ScanResult, error) {
	if len(text) > maxScanBytes {
		return nil, fmt.Errorf("dlp scan: input exceeds %d bytes", maxScanBytes)
	}

	var findings []Finding
	for _, entry := range c.catalogue {
		if entry.likelihood < c.minLikelihood {
			continue
		}
		locs := entry.pattern.FindAllStringIndex(text, -1)
		for _, loc := range locs {
			findings = append(findings, Finding{
				InfoType:   entry.infoType,
				Likelihood: entry.likelihood,
				Start:      loc[0],
				End:        loc[1],
				Quote:      text[loc[0]:loc[1]],
			})
			if len(findings) >= maxFindings {
				break
			}
		}
	}

	// Stable span order for a deterministic trail.
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Start != findings[j].Start {
			return findings[i].Start < findings[j].Start
		}
		return findings[i].End < findings[j].End
	})

	result := &ScanResult{
		HasPHI:        len(findings) > 0,
		FindingsCount: len(findings),
		Findings:      findings,
	}
	if result.HasPHI {
		result.RiskLevel = riskLevel(findings)
	}
	return result, nil
}

// riskLevel grades findings: HIGH if any high-risk kind is present, MEDIUM
// above three findings, LOW otherwise.
func riskLevel(findings []Finding) RiskLevel {
	for _, f := range findings {
		if highRiskInfoTypes[f.InfoType] {
			return RiskHigh
		}
	}
	if len(findings) > 3 {
		return RiskMedium
	}
	return RiskLow
}

// Classify scans content and derives its sensitivity classification with a
// confidence score and the handling requirements that grade implies.
func (c *Classifier) Classify(content string) (*Classification, error) {
	result, err := c.Scan(content)
	if err != nil {
		return nil, err
	}

	var level string
	switch {
	case !result.HasPHI:
		level = ClassPublic
	case result.FindingsCount > 5:
		level = ClassHighlySensitive
	case result.FindingsCount > 2:
		level = ClassSensitive
	default:
		level = ClassPotentiallySensitive
	}

	return &Classification{
		Level:                level,
		Confidence:           confidence(result),
		HandlingRequirements: handlingRequirements(level),
		RetentionPolicy:      retentionPolicy(level),
	}, nil
}

// confidence scores the classification: 0.95 for clean content, otherwise
// weighted by the share of high-likelihood findings, capped at 0.99.
func confidence(result *ScanResult) float64 {
	if !result.HasPHI {
		return 0.95
	}
	high := 0
	for _, f := range result.Findings {
		if f.Likelihood >= LikelihoodLikely {
			high++
		}
	}
	conf := 0.1 + 0.9*float64(high)/float64(result.FindingsCount)
	if conf > 0.99 {
		conf = 0.99
	}
	return conf
}

func handlingRequirements(level string) []string {
	switch level {
	case ClassPotentiallySensitive:
		return []string{"Encrypted storage", "Access logging"}
	case ClassSensitive:
		return []string{"Encrypted storage", "Access logging", "Regular audits", "Role-based access"}
	case ClassHighlySensitive:
		return []string{"Encrypted storage", "Access logging", "Regular audits", "Role-based access", "Data masking", "Secure deletion"}
	default:
		return []string{"Standard backup"}
	}
}

func retentionPolicy(level string) string {
	switch level {
	case ClassPotentiallySensitive:
		return "Healthcare retention (10 years)"
	case ClassSensitive:
		return "HIPAA retention (6 years minimum)"
	case ClassHighlySensitive:
		return "HIPAA retention (6 years minimum) + secure deletion"
	default:
		return "Standard retention (7 years)"
	}
}

// Redact replaces every character of every matched span with mask,
// preserving non-matched text verbatim. Redaction is idempotent: the mask
// output contains no catalogue matches, so reapplying it is a no-op.
func (c *Classifier) Redact(text string, mask rune) (string, error) {
	result, err := c.Scan(text)
	if err != nil {
		return "", err
	}
	if !result.HasPHI {
		return text, nil
	}

	out := []byte(text)
	for _, f := range result.Findings {
		for i := f.Start; i < f.End; i++ {
			out[i] = byte(mask)
		}
	}
	return string(out), nil
}

// ScanResource serializes a FHIR resource and scans it, adding FHIR-aware
// compliance analysis on top of the text scan.
func (c *Classifier) ScanResource(resource map[string]interface{}) (*ScanResult, *ResourceAnalysis, error) {
	text, err := json.MarshalIndent(resource, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("dlp scan resource: marshal: %w", err)
	}

	result, err := c.Scan(string(text))
	if err != nil {
		return nil, nil, err
	}

	resourceType, _ := resource["resourceType"].(string)
	resourceID, _ := resource["id"].(string)
	_, hasSubject := resource["subject"]
	_, hasPatient := resource["patient"]

	analysis := &ResourceAnalysis{
		ResourceType:        orUnknown(resourceType),
		ResourceID:          orUnknown(resourceID),
		ContainsPatientData: hasSubject || hasPatient,
		PHIDetected:         result.HasPHI,
		ComplianceRisk:      complianceRisk(resourceType, result),
	}
	return result, analysis, nil
}

// complianceRisk scores the HIPAA exposure of a scanned resource from its
// type and scan outcome.
func complianceRisk(resourceType string, result *ScanResult) string {
	risk := 0
	switch resourceType {
	case "Patient", "Media", "DocumentReference":
		risk++
	}
	if result.HasPHI {
		risk += 2
	}
	if result.RiskLevel == RiskHigh {
		risk += 3
	}

	switch {
	case risk >= 4:
		return "HIGH_RISK"
	case risk >= 2:
		return "MEDIUM_RISK"
	default:
		return "LOW_RISK"
	}
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "Unknown"
	}
	return s
}
