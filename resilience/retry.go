package resilience

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/fleetconductor/conductor/core"
)

// Classification is the outcome of judging one attempt (§4.3).
type Classification int

const (
	Success Classification = iota
	FatalFailure
	RetriableFailure
)

func (c Classification) String() string {
	switch c {
	case Success:
		return "success"
	case FatalFailure:
		return "fatal_failure"
	case RetriableFailure:
		return "retriable_failure"
	default:
		return "unknown"
	}
}

// retriableSubstrings is the fallback classifier the spec's design notes
// call fragile but required: transport errors are matched on text when the
// adapter hasn't already tagged the error as retriable/fatal via
// core.NewTransportError.
var retriableSubstrings = []string{
	"timeout",
	"connection refused",
	"network",
	"unreachable",
	"temporary failure",
	"reset by peer",
	"broken pipe",
}

// Classify judges the result of one attempt. exitCode/transportErr come from
// the Remote Executor; credentialErr indicates credential resolution itself
// failed (always fatal, per §4.2/§7).
func Classify(exitCode int, transportErr error, credentialErr bool) Classification {
	if credentialErr {
		return FatalFailure
	}
	if transportErr == nil {
		if exitCode == 0 {
			return Success
		}
		return FatalFailure
	}
	if core.IsFatalTransport(transportErr) {
		return FatalFailure
	}
	if core.IsRetryableTransport(transportErr) {
		return RetriableFailure
	}
	msg := strings.ToLower(transportErr.Error())
	for _, sub := range retriableSubstrings {
		if strings.Contains(msg, sub) {
			return RetriableFailure
		}
	}
	return FatalFailure
}

// Policy implements the Retry Policy (§4.3): it decides whether an attempt's
// outcome should be retried and computes the next back-off delay.
type Policy struct {
	Enabled     bool
	MaxRetries  int
	BackoffBase float64
}

// NewPolicy builds a Policy from engine configuration.
func NewPolicy(cfg *core.Config) *Policy {
	return &Policy{
		Enabled:     cfg.EnableRetry,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.RetryBackoffBase,
	}
}

// Delay returns the back-off delay before retry attempt k (0-indexed after
// the initial attempt): base**k seconds.
func (p *Policy) Delay(k int) time.Duration {
	seconds := math.Pow(p.BackoffBase, float64(k))
	return time.Duration(seconds * float64(time.Second))
}

// Decide applies ENABLE_RETRY to a raw classification: when retry is
// disabled, RetriableFailure degrades to FatalFailure (§6).
func (p *Policy) Decide(c Classification) Classification {
	if c == RetriableFailure && !p.Enabled {
		return FatalFailure
	}
	return c
}

// Attempt is one try's worth of bookkeeping returned by Run.
type Attempt struct {
	Index      int // 0-based
	Err        error
	Classified Classification
}

// Run drives attempt-and-retry for a single action against a single attempt
// function. fn returns (exitCode, err) for one transport call; err being
// non-nil signals a transport failure (retriable or fatal, see Classify).
// Run returns the final Classification (Success, FatalFailure, or
// RetriableFailure meaning retries were exhausted) plus the attempts made.
func (p *Policy) Run(ctx context.Context, fn func(ctx context.Context, attempt int) (exitCode int, err error, credentialErr bool)) (Classification, []Attempt) {
	var attempts []Attempt

	for k := 0; ; k++ {
		select {
		case <-ctx.Done():
			attempts = append(attempts, Attempt{Index: k, Err: ctx.Err(), Classified: FatalFailure})
			return FatalFailure, attempts
		default:
		}

		exitCode, err, credErr := fn(ctx, k)
		classified := p.Decide(Classify(exitCode, err, credErr))
		attempts = append(attempts, Attempt{Index: k, Err: err, Classified: classified})

		switch classified {
		case Success:
			return Success, attempts
		case FatalFailure:
			return FatalFailure, attempts
		case RetriableFailure:
			if k >= p.MaxRetries {
				return RetriableFailure, attempts // retries exhausted
			}
			delay := p.Delay(k)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				attempts = append(attempts, Attempt{Index: k + 1, Err: ctx.Err(), Classified: FatalFailure})
				return FatalFailure, attempts
			case <-timer.C:
			}
		}
	}
}
