package hipaa

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType classifies an audit event.
type EventType string

const (
	EventDataAccess   EventType = "DATA_ACCESS"
	EventPHIDetection EventType = "PHI_DETECTION"
	EventFHIRAccess   EventType = "FHIR_ACCESS"
	EventAdminAction  EventType = "ADMIN_ACTION"
	EventAuth         EventType = "AUTH_EVENT"
	EventError        EventType = "ERROR"
)

// Severity levels for audit events, aligned with the sink's log levels.
type Severity string

const (
	SeverityInfo    Severity = "INFO"
	SeverityNotice  Severity = "NOTICE"
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Compliance categories derived from the presence of a patient reference.
const (
	CategoryPHIAccess    = "HIPAA_PHI_ACCESS"
	CategorySystemAccess = "SYSTEM_ACCESS"
)

// AuditEvent is one immutable, append-only compliance record: who accessed
// what, when, and whether it succeeded. Events are never updated or deleted.
type AuditEvent struct {
	ID           uuid.UUID              `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Type         EventType              `json:"event_type"`
	UserID       string                 `json:"user_id"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Action       string                 `json:"action"`
	Success      bool                   `json:"success"`
	PatientID    string                 `json:"patient_id,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	SourceIP     string                 `json:"source_ip,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	Context      map[string]interface{} `json:"additional_context,omitempty"`
}

// ComplianceCategory derives the HIPAA category: PHI access when a patient
// reference is present, system access otherwise.
func (e *AuditEvent) ComplianceCategory() string {
	if e.PatientID != "" {
		return CategoryPHIAccess
	}
	return CategorySystemAccess
}

// Severity maps the event to a log severity. Failed operations are elevated:
// at least WARNING, and ERROR for failed data or FHIR access.
func (e *AuditEvent) Severity() Severity {
	if !e.Success {
		switch e.Type {
		case EventDataAccess, EventFHIRAccess:
			return SeverityError
		default:
			return SeverityWarning
		}
	}
	if e.Type == EventAdminAction {
		return SeverityNotice
	}
	return SeverityInfo
}

// Labels returns the structured labels attached to the event at the sink.
func (e *AuditEvent) Labels() map[string]string {
	dataType := "system"
	if e.PatientID != "" {
		dataType = "phi"
	}
	return map[string]string{
		"compliance":     "hipaa",
		"data_type":      dataType,
		"audit_category": strings.ToLower(string(e.Type)),
	}
}

// SinkStatus is the typed delivery result of Record. Callers and tests can
// assert on degraded-mode delivery instead of relying on side-channel logs.
type SinkStatus int

const (
	// SinkAccepted means the event was queued for ordered delivery to the
	// durable sink.
	SinkAccepted SinkStatus = iota
	// SinkDegraded means the durable sink could not take the event (buffer
	// full or logger closed); the event was written to the local fallback
	// log instead and was NOT lost.
	SinkDegraded
)

// Sink is a durable destination for audit events.
type Sink interface {
	Write(ctx context.Context, event *AuditEvent, severity Severity, labels map[string]string) error
}

// AuditLogger delivers audit events to a durable sink in per-process causal
// order without blocking callers beyond a bounded buffer. Sink failures are
// downgraded to local structured logging: an event is never silently
// dropped and never aborts the caller's primary operation.
type AuditLogger struct {
	sink         Sink
	logger       zerolog.Logger
	queue        chan *AuditEvent
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewAuditLogger creates an AuditLogger with the given buffer size and
// starts its delivery worker. Call Close to drain and stop it.
func NewAuditLogger(sink Sink, logger zerolog.Logger, bufferSize int) *AuditLogger {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	l := &AuditLogger{
		sink:         sink,
		logger:       logger,
		queue:        make(chan *AuditEvent, bufferSize),
		writeTimeout: 5 * time.Second,
		done:         make(chan struct{}),
	}
	go l.deliver()
	return l
}

// Record accepts an event for delivery. It stamps the id and timestamp if
// unset, then enqueues without blocking: a full buffer degrades to the local
// fallback log. Events recorded from a single goroutine reach the sink in
// the order they were recorded.
func (l *AuditLogger) Record(ctx context.Context, event *AuditEvent) SinkStatus {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// The closed check and the enqueue happen under one mutex hold, and
	// Close closes the queue under the same mutex, so a Record racing a
	// Close can never send on a closed channel. The send is non-blocking,
	// so the critical section stays short.
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logLocal(event, "audit logger closed")
		return SinkDegraded
	}
	select {
	case l.queue <- event:
		l.mu.Unlock()
		return SinkAccepted
	default:
		l.mu.Unlock()
		l.logLocal(event, "audit buffer full")
		return SinkDegraded
	}
}

// deliver is the single consumer preserving event order at the sink.
func (l *AuditLogger) deliver() {
	defer close(l.done)
	for event := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		err := l.sink.Write(ctx, event, event.Severity(), event.Labels())
		cancel()
		if err != nil {
			l.logLocal(event, "audit sink unavailable: "+err.Error())
		}
	}
}

// logLocal writes the full event to the application log as the fallback
// destination. The local log line carries the same labels as the sink would.
func (l *AuditLogger) logLocal(event *AuditEvent, reason string) {
	evt := l.logger.Warn()
	if event.Severity() == SeverityError {
		evt = l.logger.Error()
	}
	evt.
		Str("fallback_reason", reason).
		Str("audit_id", event.ID.String()).
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("user_id", event.UserID).
		Str("resource_type", event.ResourceType).
		Str("resource_id", event.ResourceID).
		Str("action", event.Action).
		Bool("success", event.Success).
		Str("compliance_category", event.ComplianceCategory()).
		Str("error_message", event.ErrorMessage).
		Msg("AUDIT (local fallback)")
}

// Close drains the queue and stops the delivery worker. Safe to call more
// than once. The queue is closed under the same mutex Record enqueues under.
func (l *AuditLogger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
}

// LogDataAccess records a healthcare data access event.
func (l *AuditLogger) LogDataAccess(ctx context.Context, userID, resourceType, resourceID, action, patientID string, success bool, errMsg string) SinkStatus {
	return l.Record(ctx, &AuditEvent{
		Type:         EventDataAccess,
		UserID:       userID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       action,
		PatientID:    patientID,
		Success:      success,
		ErrorMessage: errMsg,
	})
}

// LogFHIRAccess records a FHIR resource operation (CREATE/READ/UPDATE/DELETE)
// with the standard compliance context.
func (l *AuditLogger) LogFHIRAccess(ctx context.Context, userID, resourceType, resourceID, operation, patientID string, success bool, errMsg string) SinkStatus {
	return l.Record(ctx, &AuditEvent{
		Type:         EventFHIRAccess,
		UserID:       userID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       operation,
		PatientID:    patientID,
		Success:      success,
		ErrorMessage: errMsg,
		Context: map[string]interface{}{
			"fhir_standard":          "R4",
			"compliance_requirement": "HIPAA_HITECH",
		},
	})
}

// LogPHIDetection records the result of a PHI scan over inbound data.
func (l *AuditLogger) LogPHIDetection(ctx context.Context, userID, resourceID, patientID string, findings int, riskLevel string) SinkStatus {
	return l.Record(ctx, &AuditEvent{
		Type:         EventPHIDetection,
		UserID:       userID,
		ResourceType: "AUDIO_METADATA",
		ResourceID:   resourceID,
		Action:       "SCAN",
		PatientID:    patientID,
		Success:      true,
		Context: map[string]interface{}{
			"findings_count": findings,
			"risk_level":     riskLevel,
		},
	})
}

// LogAdminAction records an administrative change.
func (l *AuditLogger) LogAdminAction(ctx context.Context, adminUser, action, targetResource string, success bool) SinkStatus {
	return l.Record(ctx, &AuditEvent{
		Type:         EventAdminAction,
		UserID:       adminUser,
		ResourceType: "ADMIN",
		ResourceID:   targetResource,
		Action:       action,
		Success:      success,
	})
}

// LogAuthEvent records an authentication event.
func (l *AuditLogger) LogAuthEvent(ctx context.Context, userID, authEventType string, success bool) SinkStatus {
	return l.Record(ctx, &AuditEvent{
		Type:         EventAuth,
		UserID:       userID,
		ResourceType: "SESSION",
		ResourceID:   userID,
		Action:       authEventType,
		Success:      success,
	})
}
