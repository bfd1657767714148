package config_test

import (
	"testing"
	"time"

	"github.com/canonical/dqlite-core/config"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := config.New()
	require.Equal(t, 1.0, c.Latency)
	require.Equal(t, 4096, c.PageSize)
	require.Equal(t, 1000, c.CheckpointThreshold)
	require.Equal(t, 5*time.Second, c.BusyTimeout)
	require.Equal(t, "dqlite", c.VFSName)
}

func TestOptionsOverrideDefaults(t *testing.T) {
	c := config.New(
		config.Latency(0.1),
		config.PageSize(512),
		config.CheckpointThreshold(10),
		config.BusyTimeout(time.Second),
		config.VFSName("test"),
		config.LogLevel("debug"),
	)
	require.Equal(t, 0.1, c.Latency)
	require.Equal(t, 512, c.PageSize)
	require.Equal(t, 10, c.CheckpointThreshold)
	require.Equal(t, time.Second, c.BusyTimeout)
	require.Equal(t, "test", c.VFSName)
	require.Equal(t, "debug", c.LogLevel)
}
