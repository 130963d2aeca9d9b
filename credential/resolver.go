// Package credential implements the Credential Resolver (§4.2): turning an
// encrypted blob attached to a CommunicationMethod into a usable credential.
package credential

import (
	"context"

	"github.com/fleetconductor/conductor/core"
	"github.com/fleetconductor/conductor/model"
)

// Decryptor is the external adapter (§6): decrypt(bytes) -> map<string,
// string>. No caching happens in the core.
type Decryptor interface {
	Decrypt(ctx context.Context, blob []byte) (map[string]string, error)
}

// Resolved is the tagged variant returned by Resolve (§4.2).
type Resolved struct {
	Username   string
	Password   string // set when Kind == KindPassword
	PrivateKey string // set when Kind == KindSSHKey
	Passphrase string // optional, KindSSHKey only
	Kind       Kind
}

type Kind string

const (
	KindPassword Kind = "password"
	KindSSHKey   Kind = "ssh_key"
)

// Resolver implements §4.2's algorithm.
type Resolver struct {
	Decryptor Decryptor
}

func New(d Decryptor) *Resolver {
	return &Resolver{Decryptor: d}
}

// Resolve scans method.Credentials in stored order, skipping empty blobs and
// blobs that fail to decrypt, and returns the first candidate that validates
// against its declared credential_type. It never logs plaintext secrets — only the
// resolved username may appear in caller diagnostics.
func (r *Resolver) Resolve(ctx context.Context, method model.CommunicationMethod) (*Resolved, error) {
	for _, cred := range method.Credentials {
		if len(cred.EncryptedCredentials) == 0 {
			continue
		}
		fields, err := r.Decryptor.Decrypt(ctx, cred.EncryptedCredentials)
		if err != nil {
			continue // try the next candidate; a malformed blob isn't fatal to the scan
		}
		resolved, ok := validate(cred.CredentialType, fields)
		if ok {
			return resolved, nil
		}
	}
	return nil, core.NewAuthenticationFailure("credential.Resolve", "no usable credentials: "+core.ErrNoCredentials.Error())
}

func validate(credentialType string, fields map[string]string) (*Resolved, bool) {
	switch credentialType {
	case string(KindPassword):
		username, hasUser := fields["username"]
		password, hasPass := fields["password"]
		if !hasUser || !hasPass || username == "" || password == "" {
			return nil, false
		}
		return &Resolved{Kind: KindPassword, Username: username, Password: password}, true

	case string(KindSSHKey):
		username, hasUser := fields["username"]
		key, hasKey := fields["private_key"]
		if !hasUser || !hasKey || username == "" || key == "" {
			return nil, false
		}
		return &Resolved{Kind: KindSSHKey, Username: username, PrivateKey: key, Passphrase: fields["passphrase"]}, true

	default:
		return nil, false
	}
}
