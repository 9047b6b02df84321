package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink writes audit events to the audit_events table. Rows are insert-only;
// nothing in the application updates or deletes them.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink creates a sink backed by the given connection pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

// Write inserts one audit event row.
func (s *PGSink) Write(ctx context.Context, event *AuditEvent, severity Severity, labels map[string]string) error {
	var contextJSON []byte
	if event.Context != nil {
		b, err := json.Marshal(event.Context)
		if err != nil {
			return fmt.Errorf("audit sink: marshal context: %w", err)
		}
		contextJSON = b
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("audit sink: marshal labels: %w", err)
	}

	const query = `
		INSERT INTO audit_events (
			id, recorded_at, event_type, severity, user_id,
			resource_type, resource_id, action, success,
			patient_id, error_message, source_ip, user_agent, session_id,
			compliance_category, labels, additional_context
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
		)`

	_, err = s.pool.Exec(ctx, query,
		event.ID, event.Timestamp, string(event.Type), string(severity), event.UserID,
		event.ResourceType, event.ResourceID, event.Action, event.Success,
		nullable(event.PatientID), nullable(event.ErrorMessage),
		nullable(event.SourceIP), nullable(event.UserAgent), nullable(event.SessionID),
		event.ComplianceCategory(), labelsJSON, contextJSON,
	)
	if err != nil {
		return fmt.Errorf("audit sink: insert event: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MemorySink is an in-memory Sink for tests. It records events in delivery
// order along with the severity and labels they were written with.
type MemorySink struct {
	mu       sync.Mutex
	events   []*AuditEvent
	sevs     []Severity
	labelled []map[string]string
	fail     error
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes subsequent Writes return err. Pass nil to restore.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Write implements Sink.
func (s *MemorySink) Write(_ context.Context, event *AuditEvent, severity Severity, labels map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, event)
	s.sevs = append(s.sevs, severity)
	s.labelled = append(s.labelled, labels)
	return nil
}

// Events returns a snapshot of delivered events in order.
func (s *MemorySink) Events() []*AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Severities returns the severities recorded for delivered events, in order.
func (s *MemorySink) Severities() []Severity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Severity, len(s.sevs))
	copy(out, s.sevs)
	return out
}

// Labels returns the labels recorded for the i-th delivered event.
func (s *MemorySink) Labels(i int) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.labelled) {
		return nil
	}
	return s.labelled[i]
}
