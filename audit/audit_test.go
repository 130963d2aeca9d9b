package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	mu    sync.Mutex
	level string
	msg   string
}

func (r *recordingLogger) Info(msg string, fields map[string]interface{})  {}
func (r *recordingLogger) Warn(msg string, fields map[string]interface{})  {}
func (r *recordingLogger) Error(msg string, fields map[string]interface{}) {}
func (r *recordingLogger) Debug(msg string, fields map[string]interface{}) {}

func (r *recordingLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level, r.msg = "info", msg
}
func (r *recordingLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level, r.msg = "warn", msg
}
func (r *recordingLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level, r.msg = "error", msg
}
func (r *recordingLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
}

func TestLoggingSink_RoutesBySeverity(t *testing.T) {
	logger := &recordingLogger{}
	sink := NewLoggingSink(logger)

	sink.Record(context.Background(), Event{EventType: "job.delete", Severity: SeverityError})
	assert.Equal(t, "error", logger.level)

	sink.Record(context.Background(), Event{EventType: "job.create", Severity: SeverityInfo})
	assert.Equal(t, "info", logger.level)
}
