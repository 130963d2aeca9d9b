// Package serial implements the Serial Allocator (§4.1): monotonically
// increasing, human-readable identifiers scoped to a parent.
package serial

import (
	"context"
	"fmt"
	"sync"

	"github.com/fleetconductor/conductor/core"
)

// Kind names an entity type within the serial scheme.
type Kind string

const (
	KindJob       Kind = "job"
	KindExecution Kind = "execution"
	KindBranch    Kind = "branch"
	KindAction    Kind = "action"
)

// widths saturate: a counter with more digits than its nominal width is
// still formatted (and remains parseable) rather than truncated.
var widths = map[Kind]int{
	KindJob:       6,
	KindExecution: 3,
	KindBranch:    3,
	KindAction:    3,
}

// maxCounter is the practical 32-bit cap past which allocation fails with
// core.ErrSerialExhausted.
const maxCounter = 1<<31 - 1

// FormatJob renders a Job's surrogate number as "J-000042".
func FormatJob(n int) string { return fmt.Sprintf("J-%0*d", widths[KindJob], n) }

// FormatExecution renders "<job_serial>.E-007".
func FormatExecution(jobSerial string, n int) string {
	return fmt.Sprintf("%s.E-%0*d", jobSerial, widths[KindExecution], n)
}

// FormatBranch renders "<execution_serial>.007".
func FormatBranch(executionSerial string, n int) string {
	return fmt.Sprintf("%s.%0*d", executionSerial, widths[KindBranch], n)
}

// FormatAction renders "<branch_serial>.A-005".
func FormatAction(branchSerial string, n int) string {
	return fmt.Sprintf("%s.A-%0*d", branchSerial, widths[KindAction], n)
}

// Allocator produces the next sequence number for a (kind, parentSerial)
// scope. Implementations must make Next serialisable with respect to other
// allocations in the same scope and allocate inside the caller's
// transaction, before the child row is flushed (§4.1).
type Allocator interface {
	Next(ctx context.Context, kind Kind, parentSerial string) (int, error)
}

// InMemoryAllocator is a mutex-guarded reference implementation used by the
// in-memory store and by tests. PostgresStore does not use it: job numbers
// come from the job_serial_seq sequence and execution numbers from
// MAX(execution_number)+1 under a row lock on the job; see store/postgres.go.
type InMemoryAllocator struct {
	mu       sync.Mutex
	counters map[string]int
}

func NewInMemoryAllocator() *InMemoryAllocator {
	return &InMemoryAllocator{counters: make(map[string]int)}
}

func (a *InMemoryAllocator) Next(_ context.Context, kind Kind, parentSerial string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := string(kind) + ":" + parentSerial
	next := a.counters[key] + 1
	if next > maxCounter {
		return 0, core.NewInternalError("serial.Next", core.ErrSerialExhausted)
	}
	a.counters[key] = next
	return next, nil
}
