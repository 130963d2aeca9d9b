package remote

import (
	"context"
	"strings"
	"time"

	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/credential"
	"github.com/masterzen/winrm"
)

// DefaultWinRMPort is the well-known default for the winrm protocol (§6).
const DefaultWinRMPort = 5985

// WinRMExecutor implements Executor for method_type "winrm". Windows targets
// authenticate with username/password only; an ssh_key credential is a
// configuration mismatch and is treated as fatal.
type WinRMExecutor struct{}

func NewWinRMExecutor() *WinRMExecutor { return &WinRMExecutor{} }

func (e *WinRMExecutor) Connect(ctx context.Context, host string, port int, cred *credential.Resolved, timeout time.Duration) (Session, error) {
	if port == 0 {
		port = DefaultWinRMPort
	}
	if cred.Kind != credential.KindPassword {
		return nil, core.NewAuthenticationFailure("winrm.Connect", "winrm requires a password credential")
	}

	endpoint := winrm.NewEndpoint(host, port, false, false, nil, nil, nil, timeout)
	client, err := winrm.NewClient(endpoint, cred.Username, cred.Password)
	if err != nil {
		return nil, classifyWinRMError(err)
	}
	return &winrmSession{client: client}, nil
}

func classifyWinRMError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unauthorized") || strings.Contains(msg, "access is denied") {
		return core.NewAuthenticationFailure("winrm.Connect", err.Error())
	}
	return core.NewTransportError("winrm.Connect", err.Error(), true)
}

type winrmSession struct {
	client *winrm.Client
}

func (s *winrmSession) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	var stdout, stderr strings.Builder

	done := make(chan error, 1)
	var exitCode int
	go func() {
		code, err := s.client.Run(command, &stdout, &stderr)
		exitCode = code
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return Result{}, core.NewTransportError("winrm.Execute", err.Error(), true)
		}
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
	case <-timer.C:
		return Result{}, core.NewTransportError("winrm.Execute", "command timed out", true)
	case <-ctx.Done():
		return Result{}, core.ErrCancellationRequested
	}
}

func (s *winrmSession) Close() error { return nil } // WinRM is stateless per-shell; nothing to release here
