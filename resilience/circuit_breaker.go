package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetconductor/conductor/core"
)

// CircuitBreaker stops dispatching calls once their error rate crosses
// ErrorThreshold: it stays open for SleepWindow, then probes with a handful
// of half-open requests before closing again. The engine and the remote
// adapters do not construct one.

type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier decides which errors count toward the error-rate budget.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts every non-nil error except validation, not
// found, state-conflict and cancellation errors — those indicate a
// caller/data problem or a deliberate stop, not a flapping target, so they
// don't move the circuit toward open.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsValidation(err) || core.IsNotFound(err) || core.IsStateConflict(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || core.IsCancellation(err) {
		return false
	}
	return true
}

// Config configures a CircuitBreaker instance, one per target host.
type Config struct {
	Name             string
	ErrorThreshold   float64
	VolumeThreshold  int
	SleepWindow      time.Duration
	HalfOpenRequests int
	SuccessThreshold float64
	WindowSize       time.Duration
	BucketCount      int
	ErrorClassifier  ErrorClassifier
	Logger           core.Logger
}

func DefaultConfig() *Config {
	return &Config{
		Name:             "default",
		ErrorThreshold:   0.5,
		VolumeThreshold:  10,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 5,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
	}
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be between 0 and 1, got %f", c.ErrorThreshold)
	}
	if c.VolumeThreshold < 0 {
		return fmt.Errorf("volume threshold must be non-negative, got %d", c.VolumeThreshold)
	}
	if c.SuccessThreshold < 0 || c.SuccessThreshold > 1 {
		return fmt.Errorf("success threshold must be between 0 and 1, got %f", c.SuccessThreshold)
	}
	if c.HalfOpenRequests < 1 {
		return fmt.Errorf("half-open requests must be at least 1, got %d", c.HalfOpenRequests)
	}
	if c.BucketCount < 1 {
		return fmt.Errorf("bucket count must be at least 1, got %d", c.BucketCount)
	}
	return nil
}

type executionToken struct {
	id         uint64
	startTime  time.Time
	isHalfOpen bool
}

type CircuitBreaker struct {
	config *Config

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time

	window *slidingWindow

	halfOpenTotal     atomic.Int32
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32
	halfOpenTokens    sync.Map // map[uint64]executionToken
	tokenCounter      atomic.Uint64

	forceOpen   atomic.Bool
	forceClosed atomic.Bool

	mu sync.Mutex
}

func NewCircuitBreaker(config *Config) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.WindowSize == 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount == 0 {
		config.BucketCount = 10
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 0.6
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 5
	}

	cb := &CircuitBreaker{
		config: config,
		window: newSlidingWindow(config.WindowSize, config.BucketCount),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	return cb, nil
}

// Execute runs fn under circuit-breaker protection with an optional timeout.
func (cb *CircuitBreaker) Execute(ctx context.Context, timeout time.Duration, fn func() error) error {
	token, allowed := cb.startExecution()
	if !allowed {
		return fmt.Errorf("circuit breaker '%s' is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				done <- fmt.Errorf("panic in circuit-breaker-protected call: %v\n%s", r, stack)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.completeExecution(token, err)
		return err
	case <-ctx.Done():
		go func() {
			err := <-done
			cb.completeExecution(token, err)
		}()
		return ctx.Err()
	}
}

func (cb *CircuitBreaker) startExecution() (executionToken, bool) {
	if cb.forceClosed.Load() {
		return executionToken{}, true
	}
	if cb.forceOpen.Load() {
		return executionToken{}, false
	}

	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return executionToken{id: cb.tokenCounter.Add(1), startTime: time.Now()}, true

	case StateOpen:
		changedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) > cb.config.SleepWindow {
			cb.mu.Lock()
			if cb.state.Load().(CircuitState) == StateOpen {
				cb.transitionLocked(StateHalfOpen)
			}
			cb.mu.Unlock()
			return cb.startExecution()
		}
		return executionToken{}, false

	case StateHalfOpen:
		for {
			current := cb.halfOpenTotal.Load()
			if cb.config.HalfOpenRequests > 0 && int(current) >= cb.config.HalfOpenRequests {
				return executionToken{}, false
			}
			if cb.halfOpenTotal.CompareAndSwap(current, current+1) {
				break
			}
		}
		token := executionToken{id: cb.tokenCounter.Add(1), startTime: time.Now(), isHalfOpen: true}
		cb.halfOpenTokens.Store(token.id, token)
		return token, true

	default:
		return executionToken{}, false
	}
}

func (cb *CircuitBreaker) completeExecution(token executionToken, err error) {
	if cb.forceClosed.Load() || cb.forceOpen.Load() {
		return
	}
	if token.isHalfOpen {
		cb.halfOpenTokens.Delete(token.id)
	}

	if err == nil || !cb.config.ErrorClassifier(err) {
		cb.window.recordSuccess()
		if token.isHalfOpen {
			cb.halfOpenSuccesses.Add(1)
		}
	} else {
		cb.window.recordFailure()
		if token.isHalfOpen {
			cb.halfOpenFailures.Add(1)
		}
	}
	cb.evaluateState()
}

func (cb *CircuitBreaker) evaluateState() {
	state := cb.state.Load().(CircuitState)
	switch state {
	case StateClosed:
		errorRate := cb.window.errorRate()
		total := cb.window.total()
		if cb.config.VolumeThreshold > 0 && total >= uint64(cb.config.VolumeThreshold) && errorRate >= cb.config.ErrorThreshold {
			cb.config.Logger.Warn("circuit breaker opening", map[string]interface{}{
				"name": cb.config.Name, "error_rate": errorRate, "total": total,
			})
			cb.mu.Lock()
			cb.transitionLocked(StateOpen)
			cb.mu.Unlock()
		}
	case StateHalfOpen:
		successes := cb.halfOpenSuccesses.Load()
		failures := cb.halfOpenFailures.Load()
		totalHalfOpen := successes + failures
		if cb.config.HalfOpenRequests > 0 && int(totalHalfOpen) >= cb.config.HalfOpenRequests {
			successRate := float64(successes) / float64(totalHalfOpen)
			cb.mu.Lock()
			if successRate >= cb.config.SuccessThreshold {
				cb.transitionLocked(StateClosed)
			} else {
				cb.transitionLocked(StateOpen)
			}
			cb.mu.Unlock()
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	old := cb.state.Load().(CircuitState)
	if old == newState {
		return
	}
	cb.state.Store(newState)
	cb.stateChangedAt.Store(time.Now())
	if newState == StateHalfOpen {
		cb.halfOpenTotal.Store(0)
		cb.halfOpenSuccesses.Store(0)
		cb.halfOpenFailures.Store(0)
		cb.halfOpenTokens.Range(func(k, _ interface{}) bool { cb.halfOpenTokens.Delete(k); return true })
	}
	cb.config.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.config.Name, "from": old.String(), "to": newState.String(),
	})
}

func (cb *CircuitBreaker) GetState() string { return cb.state.Load().(CircuitState).String() }

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	cb.window = newSlidingWindow(cb.config.WindowSize, cb.config.BucketCount)
	cb.halfOpenTokens.Range(func(k, _ interface{}) bool { cb.halfOpenTokens.Delete(k); return true })
}

// --- sliding window ---

type bucket struct {
	timestamp       time.Time
	success, failure uint64
}

type slidingWindow struct {
	buckets    []bucket
	windowSize time.Duration
	bucketSize time.Duration
	currentIdx int
	lastRot    time.Time
	mu         sync.RWMutex
}

func newSlidingWindow(windowSize time.Duration, bucketCount int) *slidingWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	buckets := make([]bucket, bucketCount)
	now := time.Now()
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &slidingWindow{
		buckets:    buckets,
		windowSize: windowSize,
		bucketSize: windowSize / time.Duration(bucketCount),
		lastRot:    now,
	}
}

func (sw *slidingWindow) rotate() {
	now := time.Now()
	elapsed := now.Sub(sw.lastRot)
	if elapsed < 0 {
		for i := range sw.buckets {
			sw.buckets[i] = bucket{timestamp: now}
		}
		sw.currentIdx = 0
		sw.lastRot = now
		return
	}
	if elapsed >= sw.bucketSize {
		toRotate := int(elapsed / sw.bucketSize)
		if toRotate > len(sw.buckets) {
			toRotate = len(sw.buckets)
		}
		for i := 0; i < toRotate; i++ {
			sw.currentIdx = (sw.currentIdx + 1) % len(sw.buckets)
			sw.buckets[sw.currentIdx] = bucket{timestamp: now}
		}
		sw.lastRot = now
	}
}

func (sw *slidingWindow) recordSuccess() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].success, 1)
}

func (sw *slidingWindow) recordFailure() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotate()
	atomic.AddUint64(&sw.buckets[sw.currentIdx].failure, 1)
}

func (sw *slidingWindow) counts() (success, failure uint64) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	cutoff := time.Now().Add(-sw.windowSize)
	for i := range sw.buckets {
		b := &sw.buckets[i]
		if b.timestamp.After(cutoff) {
			success += atomic.LoadUint64(&b.success)
			failure += atomic.LoadUint64(&b.failure)
		}
	}
	return
}

func (sw *slidingWindow) errorRate() float64 {
	success, failure := sw.counts()
	total := success + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}

func (sw *slidingWindow) total() uint64 {
	success, failure := sw.counts()
	return success + failure
}
