// Package audit implements the audit sink adapter (§6): a best-effort,
// fire-and-forget record of who did what to which Job/Execution/Branch.
package audit

import (
	"context"
	"time"

	"github.com/fleetconductor/conductor/core"
)

// Severity mirrors common audit-log levels; it does not gate delivery.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one audit record (§6): event_type/user_id/resource_kind/
// resource_id/action/details/severity/timestamp.
type Event struct {
	EventType    string
	UserID       string
	ResourceKind string // "job", "execution", "branch"
	ResourceID   string
	Action       string // "create", "update", "schedule", "execute", "cancel", "delete"
	Details      map[string]interface{}
	Severity     Severity
	Timestamp    time.Time
}

// Sink accepts audit events. Delivery is best-effort: a Sink must never
// block or fail the mutation that produced the event (§6).
type Sink interface {
	Record(ctx context.Context, event Event)
}

// LoggingSink writes events through the ambient Logger. It is the default
// when no richer audit backend is configured.
type LoggingSink struct {
	Logger core.Logger
}

func NewLoggingSink(logger core.Logger) *LoggingSink {
	return &LoggingSink{Logger: logger}
}

func (s *LoggingSink) Record(ctx context.Context, event Event) {
	fields := map[string]interface{}{
		"event_type":    event.EventType,
		"user_id":       event.UserID,
		"resource_kind": event.ResourceKind,
		"resource_id":   event.ResourceID,
		"action":        event.Action,
		"details":       event.Details,
		"timestamp":     event.Timestamp,
	}
	switch event.Severity {
	case SeverityError:
		s.Logger.ErrorWithContext(ctx, "audit", fields)
	case SeverityWarning:
		s.Logger.WarnWithContext(ctx, "audit", fields)
	default:
		s.Logger.InfoWithContext(ctx, "audit", fields)
	}
}
