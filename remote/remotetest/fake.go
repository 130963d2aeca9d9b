// Package remotetest provides an in-process, fully scripted remote.Executor
// for exercising the Branch Executor and Orchestrator without a network
// target.
package remotetest

import (
	"context"
	"time"

	"github.com/fleetconductor/conductor/credential"
	"github.com/fleetconductor/conductor/remote"
)

// Executor is a scripted remote.Executor.
type Executor struct {
	ConnectFn func(ctx context.Context, host string, port int, cred *credential.Resolved, timeout time.Duration) (remote.Session, error)
}

func (f *Executor) Connect(ctx context.Context, host string, port int, cred *credential.Resolved, timeout time.Duration) (remote.Session, error) {
	return f.ConnectFn(ctx, host, port, cred, timeout)
}

// Session is a scripted remote.Session.
type Session struct {
	ExecuteFn func(ctx context.Context, command string, timeout time.Duration) (remote.Result, error)
	Closed    bool
}

func (f *Session) Execute(ctx context.Context, command string, timeout time.Duration) (remote.Result, error) {
	return f.ExecuteFn(ctx, command, timeout)
}

func (f *Session) Close() error {
	f.Closed = true
	return nil
}
