package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, 60.0, c.RateLimitRate)
	require.Equal(t, 20, c.Concurrency)
	require.LessOrEqual(t, c.PoolMinSize, c.PoolMaxSize)
}

func TestLoadRejectsInvalidPoolSizing(t *testing.T) {
	t.Setenv("FLASHPIPE_POOL_MIN_SIZE", "10")
	t.Setenv("FLASHPIPE_POOL_MAX_SIZE", "5")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsNonPositiveRate(t *testing.T) {
	t.Setenv("FLASHPIPE_RATE", "0")
	_, err := Load()
	require.Error(t, err)
}
