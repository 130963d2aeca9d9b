package remote

import (
	"testing"

	"github.com/fleetconductor/conductor/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetUnsupportedMethodIsFatal(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("rdp")
	require.Error(t, err)
	assert.True(t, core.IsFatalTransport(err))
}

func TestRegistry_GetRegistered(t *testing.T) {
	r := NewRegistry()
	r.Register("ssh", NewSSHExecutor())
	executor, err := r.Get("ssh")
	require.NoError(t, err)
	assert.NotNil(t, executor)
}
