package resilience

import "github.com/fleetconductor/conductor/core"

// NewTargetCircuitBreaker creates a circuit breaker with the package
// defaults under the given name. Nothing in the engine calls it; the Branch
// Executor's remote calls are not guarded by a breaker.
func NewTargetCircuitBreaker(name string, logger core.Logger) (*CircuitBreaker, error) {
	config := DefaultConfig()
	config.Name = name
	if logger != nil {
		config.Logger = logger
	}
	return NewCircuitBreaker(config)
}
