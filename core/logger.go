package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// RateLimiter throttles repeated log lines (e.g. a target flapping through
// connection-refused errors every retry) to one emission per interval.
type RateLimiter struct {
	interval time.Duration
	mu       sync.Mutex
	lastTime time.Time
}

func NewRateLimiter(interval time.Duration) *RateLimiter {
	return &RateLimiter{interval: interval}
}

func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if now.Sub(r.lastTime) >= r.interval {
		r.lastTime = now
		return true
	}
	return false
}

// ProductionLogger is the default Logger: JSON lines when running under
// Kubernetes or when explicitly configured, human-readable text otherwise.
// Error logging is rate-limited to one line per second per logger instance,
// since a flapping target can otherwise produce a log line per retry.
type ProductionLogger struct {
	level        string
	format       string
	serviceName  string
	output       io.Writer
	mu           sync.RWMutex
	errorLimiter *RateLimiter
}

// NewProductionLogger builds a logger from LoggingConfig and the detected
// environment. format="" triggers Kubernetes auto-detection (KUBERNETES_
// SERVICE_HOST), mirroring how the runtime decides between text and JSON.
func NewProductionLogger(logging LoggingConfig, serviceName string) Logger {
	format := logging.Format
	if format == "" {
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		} else {
			format = "text"
		}
	}
	level := logging.Level
	if level == "" {
		level = "info"
	}
	return &ProductionLogger{
		level:        strings.ToUpper(level),
		format:       format,
		serviceName:  serviceName,
		output:       os.Stdout,
		errorLimiter: NewRateLimiter(time.Second),
	}
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.log(context.Background(), "INFO", msg, fields)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.log(context.Background(), "WARN", msg, fields)
}
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	p.log(context.Background(), "DEBUG", msg, fields)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	if p.errorLimiter != nil && !p.errorLimiter.Allow() {
		return
	}
	p.log(context.Background(), "ERROR", msg, fields)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(ctx, "INFO", msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(ctx, "WARN", msg, fields)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(ctx, "DEBUG", msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.errorLimiter != nil && !p.errorLimiter.Allow() {
		return
	}
	p.log(ctx, "ERROR", msg, fields)
}

func (p *ProductionLogger) log(_ context.Context, level, msg string, fields map[string]interface{}) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.shouldLog(level) {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": ts,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		for k, v := range fields {
			if _, reserved := entry[k]; !reserved {
				entry[k] = v
			}
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var b strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n", ts, level, p.serviceName, msg, b.String())
}

func (p *ProductionLogger) shouldLog(level string) bool {
	rank := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	cur, ok1 := rank[p.level]
	msg, ok2 := rank[level]
	if !ok1 || !ok2 {
		return true
	}
	return msg >= cur
}

// SetOutput redirects logger output; used by tests.
func (p *ProductionLogger) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = w
}
