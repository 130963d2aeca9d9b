package core

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, 50, c.MaxConcurrentTargets)
	assert.Equal(t, 30*time.Second, c.ConnectionTimeout)
	assert.Equal(t, 300*time.Second, c.CommandTimeout)
	assert.True(t, c.EnableRetry)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, 2.0, c.RetryBackoffBase)
}

func TestNewConfig_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_TARGETS", "10")
	t.Setenv("MAX_RETRIES", "5")
	os.Unsetenv("STORE_DSN")

	c, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, 10, c.MaxConcurrentTargets)
	assert.Equal(t, 5, c.MaxRetries)
}

func TestNewConfig_OptionsOverrideEnv(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_TARGETS", "10")

	c, err := NewConfig(WithMaxConcurrentTargets(7))
	require.NoError(t, err)
	assert.Equal(t, 7, c.MaxConcurrentTargets)
}

func TestConfig_Validate(t *testing.T) {
	c := DefaultConfig()
	c.MaxConcurrentTargets = 0
	assert.True(t, IsValidation(c.Validate()))

	c = DefaultConfig()
	c.RetryBackoffBase = 1.0
	assert.True(t, IsValidation(c.Validate()))
}
