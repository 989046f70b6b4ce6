package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"callguard/pkg/models"
	"callguard/pkg/stream"
)

// Event types recorded by the security layer.
const (
	EventContextCreated   = "context_created"
	EventContextReplaced  = "context_replaced"
	EventContextDestroyed = "context_destroyed"
	EventContextExpired   = "context_expired"
	EventToolExecuted     = "tool_executed"
	EventToolDenied       = "tool_denied"
)

// Event is one security-relevant decision, flattened for sinks.
type Event struct {
	ID            string               `json:"id"`
	Timestamp     time.Time            `json:"timestamp"`
	CallID        string               `json:"call_id"`
	PhoneNumber   string               `json:"phone_number"`
	TenantID      string               `json:"tenant_id"`
	SecurityLevel models.SecurityLevel `json:"security_level"`
	EventType     string               `json:"event_type"`
	Action        string               `json:"action"`
	Resource      string               `json:"resource,omitempty"`
	Authorized    bool                 `json:"authorized"`
	Reasoning     string               `json:"reasoning"`
}

// Sink receives security events. Implementations must tolerate being called
// concurrently.
type Sink interface {
	Append(ctx context.Context, evt Event) error
}

// Logger fans security events out to its sinks and, optionally, a live
// stream hub. Record never fails: a broken sink degrades observability, not
// the authorization decision being logged.
type Logger struct {
	Sinks       []Sink
	Hub         *stream.Hub
	RedactPhone bool
}

func NewLogger(hub *stream.Hub, redactPhone bool, sinks ...Sink) *Logger {
	return &Logger{Sinks: sinks, Hub: hub, RedactPhone: redactPhone}
}

// Record builds the event from the owning context and the trail entry just
// appended to it, then delivers to every sink.
func (l *Logger) Record(ctx context.Context, sc models.SecurityContext, eventType string, entry models.AuditEntry) {
	if l == nil {
		return
	}
	evt := Event{
		ID:            uuid.New().String(),
		Timestamp:     entry.Timestamp,
		CallID:        sc.CallID,
		PhoneNumber:   sc.PhoneNumber,
		TenantID:      sc.TenantID,
		SecurityLevel: sc.SecurityLevel,
		EventType:     eventType,
		Action:        entry.Action,
		Resource:      entry.Resource,
		Authorized:    entry.Authorized,
		Reasoning:     entry.Reasoning,
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if l.RedactPhone {
		evt.PhoneNumber = RedactPhone(evt.PhoneNumber)
	}
	for _, sink := range l.Sinks {
		if err := sink.Append(ctx, evt); err != nil {
			log.Printf("audit sink append failed: %v", err)
		}
	}
	if l.Hub != nil {
		published := stream.NewEvent(eventType, evt)
		published.CallID = evt.CallID
		published.TenantID = evt.TenantID
		l.Hub.Publish(published)
	}
}
