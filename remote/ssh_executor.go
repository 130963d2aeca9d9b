package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/credential"
	"golang.org/x/crypto/ssh"
)

// DefaultSSHPort is the well-known default for the ssh protocol (§6).
const DefaultSSHPort = 22

// SSHExecutor implements Executor for method_type "ssh".
type SSHExecutor struct{}

func NewSSHExecutor() *SSHExecutor { return &SSHExecutor{} }

func (e *SSHExecutor) Connect(ctx context.Context, host string, port int, cred *credential.Resolved, timeout time.Duration) (Session, error) {
	if port == 0 {
		port = DefaultSSHPort
	}

	var auth ssh.AuthMethod
	switch cred.Kind {
	case credential.KindPassword:
		auth = ssh.Password(cred.Password)
	case credential.KindSSHKey:
		var signer ssh.Signer
		var err error
		if cred.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(cred.PrivateKey), []byte(cred.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		}
		if err != nil {
			return nil, core.NewAuthenticationFailure("ssh.Connect", "invalid private key: "+err.Error())
		}
		auth = ssh.PublicKeys(signer)
	default:
		return nil, core.NewAuthenticationFailure("ssh.Connect", "unsupported credential kind")
	}

	config := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // target fleet has no shared CA; host identity is out of scope
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, classifyDialError(err)
	}
	return &sshSession{client: conn}, nil
}

func classifyDialError(err error) error {
	if authErr, ok := err.(*ssh.PermissionError); ok {
		return core.NewAuthenticationFailure("ssh.Connect", authErr.Error())
	}
	return core.NewTransportError("ssh.Connect", err.Error(), true)
}

type sshSession struct {
	client *ssh.Client
}

func (s *sshSession) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return Result{}, core.NewTransportError("ssh.Execute", err.Error(), true)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case runErr := <-done:
		return resultFromRunErr(stdout.String(), stderr.String(), runErr)
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, core.NewTransportError("ssh.Execute", "command timed out", true)
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, core.ErrCancellationRequested
	}
}

func resultFromRunErr(stdout, stderr string, runErr error) (Result, error) {
	if runErr == nil {
		return Result{Stdout: stdout, Stderr: stderr, ExitCode: 0}, nil
	}
	if exitErr, ok := runErr.(*ssh.ExitError); ok {
		return Result{Stdout: stdout, Stderr: stderr, ExitCode: exitErr.ExitStatus()}, nil
	}
	return Result{}, core.NewTransportError("ssh.Execute", runErr.Error(), true)
}

func (s *sshSession) Close() error { return s.client.Close() }
