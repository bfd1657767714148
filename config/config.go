// Package config is the functional-options configuration surface for a
// node: latency scaling, log level, page size, checkpoint threshold,
// busy timeout, and VFS name.
package config

import "time"

// Option customizes a Config returned by New.
type Option func(*Config)

// Config collects a node's tunables. No other package in this module reads
// it: node.New takes a node.Config, leader.New and gateway.New take the
// busy timeout as an argument, and the FSM uses a fixed checkpoint
// threshold.
type Config struct {
	// Latency is a factor for hashicorp/raft's default timeouts
	// (node.Config.Latency plays this role for node.New).
	Latency float64
	// LogLevel is the logrus level name ("debug", "info", "warn",
	// "error") this node logs at.
	LogLevel string
	// PageSize is the fixed SQLite page size new databases are created
	// with. 0 lets the engine choose.
	PageSize int
	// CheckpointThreshold is the WAL frame count past which Apply
	// opportunistically checkpoints.
	CheckpointThreshold int
	// BusyTimeout bounds how long a leader retries a write before
	// giving up with Busy.
	BusyTimeout time.Duration
	// VFSName is the name this node registers its VFS under.
	VFSName string
}

// LogLevel sets the logging level for messages emitted by this node's
// packages and by raft.
func LogLevel(level string) Option {
	return func(c *Config) { c.LogLevel = level }
}

// Latency is a coarse-grained measure of how fast/reliable this node's
// network links are; 1.0 keeps hashicorp/raft's default timeouts, values
// closer to 0 tighten them (useful for in-memory tests).
func Latency(latency float64) Option {
	return func(c *Config) { c.Latency = latency }
}

// PageSize fixes the page size new databases on this node are created
// with.
func PageSize(size int) Option {
	return func(c *Config) { c.PageSize = size }
}

// CheckpointThreshold sets the WAL frame count that triggers an
// opportunistic checkpoint.
func CheckpointThreshold(frames int) Option {
	return func(c *Config) { c.CheckpointThreshold = frames }
}

// BusyTimeout sets how long a leader retries a write transaction against
// a busy database before giving up.
func BusyTimeout(d time.Duration) Option {
	return func(c *Config) { c.BusyTimeout = d }
}

// VFSName sets the name this node's VFS registers under.
func VFSName(name string) Option {
	return func(c *Config) { c.VFSName = name }
}

// New returns a Config with the stock defaults, overridden by opts in
// order.
func New(opts ...Option) *Config {
	c := &Config{
		Latency:             1.0,
		LogLevel:            "error",
		PageSize:            4096,
		CheckpointThreshold: 1000,
		BusyTimeout:         5 * time.Second,
		VFSName:             "dqlite",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
