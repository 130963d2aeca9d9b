// Package remote specifies the Remote Executor capability (§4.4, §6) and a
// registry dispatching on CommunicationMethod.MethodType, preferring a
// registry of method_type -> executor over a switch chain (§9 design note).
package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/credential"
)

// Session is an established transport connection to one target.
type Session interface {
	// Execute runs one command with the given timeout and returns its
	// captured output. A timed-out or broken transport call must return an
	// error classified via core.NewTransportError(..., retriable).
	Execute(ctx context.Context, command string, timeout time.Duration) (Result, error)
	Close() error
}

// Result is one command's captured output.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor connects to a target via a named protocol (§4.4). Sessions are
// not pooled across branches by the core's contract; an implementation may
// pool internally if it's safe to do so.
type Executor interface {
	Connect(ctx context.Context, host string, port int, cred *credential.Resolved, timeout time.Duration) (Session, error)
}

// Registry dispatches on method_type, populated at startup (§9).
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(methodType string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[methodType] = executor
}

// Get returns the Executor for methodType, or a fatal TransportError if the
// protocol is unsupported (§4.3: "unsupported method_type" is always fatal).
func (r *Registry) Get(methodType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[methodType]
	if !ok {
		return nil, core.NewTransportError("remote.Registry.Get", fmt.Sprintf("unsupported method_type: %s", methodType), false)
	}
	return executor, nil
}
