// Package notify implements the notification sink adapter (§6): publishing
// execution lifecycle events (start/completion/cancellation) so downstream
// subscribers (chat bots, dashboards) can react without polling the store.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetconductor/conductor/core"
	"github.com/redis/go-redis/v9"
)

// EventKind names the three execution lifecycle moments notify cares about
// (§6).
type EventKind string

const (
	EventExecutionStarted   EventKind = "execution.started"
	EventExecutionCompleted EventKind = "execution.completed"
	EventExecutionCancelled EventKind = "execution.cancelled"
)

// Event is published on every lifecycle transition. Outcome counters are
// zero until EventExecutionCompleted/Cancelled.
type Event struct {
	Kind              EventKind `json:"kind"`
	JobName           string    `json:"job_name"`
	JobSerial         string    `json:"job_serial"`
	ExecutionSerial   string    `json:"execution_serial"`
	TotalTargets      int       `json:"total_targets"`
	SuccessfulTargets int       `json:"successful_targets"`
	FailedTargets     int       `json:"failed_targets"`
	CancelledTargets  int       `json:"cancelled_targets"`
	Timestamp         time.Time `json:"timestamp"`
}

// Sink publishes lifecycle Events. Implementations must not block the
// Orchestrator on a slow or unavailable subscriber.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// publisher is the sliver of *redis.Client's API RedisSink needs; narrowing
// it to an interface lets tests inject a fake without a live Redis server.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes JSON-encoded Events to a fixed channel via Redis
// pub/sub.
type RedisSink struct {
	Client  publisher
	Channel string
	Logger  core.Logger
}

func NewRedisSink(client *redis.Client, channel string, logger core.Logger) *RedisSink {
	return &RedisSink{Client: client, Channel: channel, Logger: logger}
}

func (s *RedisSink) Publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.Logger.Error("notify: failed to encode event", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := s.Client.Publish(ctx, s.Channel, payload).Err(); err != nil {
		s.Logger.Warn("notify: publish failed", map[string]interface{}{
			"channel": s.Channel, "error": err.Error(),
		})
	}
}

// NoOpSink discards every event; used when no notification backend is
// configured.
type NoOpSink struct{}

func (NoOpSink) Publish(ctx context.Context, event Event) {}
