package node

import (
	"testing"
	"time"

	"github.com/meshpay/meshpay/src/common"
	"github.com/sirupsen/logrus"
)

// Config holds the consensus-level settings of a node.
type Config struct {
	// HeartbeatTimeout is the interval between gossip exchanges while there
	// is something to gossip about.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat"`

	// SlowHeartbeatTimeout is the interval between gossip exchanges when
	// there is nothing to gossip about.
	SlowHeartbeatTimeout time.Duration `mapstructure:"slow-heartbeat"`

	// TCPTimeout is the timeout of outgoing RPCs.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// CacheSize is the size of the store's recent-round window.
	CacheSize int `mapstructure:"cache-size"`

	// SyncLimit is the maximum number of blocks in one gossip exchange.
	SyncLimit int `mapstructure:"sync-limit"`

	// FanOut is the number of partners contacted per gossip round.
	FanOut int `mapstructure:"fan-out"`

	// Suspended starts the node without gossip; it still answers payment and
	// read RPCs.
	Suspended bool `mapstructure:"suspended"`

	Logger *logrus.Logger
}

// NewConfig creates a Config.
func NewConfig(heartbeat time.Duration,
	timeout time.Duration,
	cacheSize int,
	syncLimit int,
	fanOut int,
	logger *logrus.Logger) *Config {

	return &Config{
		HeartbeatTimeout:     heartbeat,
		SlowHeartbeatTimeout: 10 * heartbeat,
		TCPTimeout:           timeout,
		CacheSize:            cacheSize,
		SyncLimit:            syncLimit,
		FanOut:               fanOut,
		Logger:               logger,
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		HeartbeatTimeout:     100 * time.Millisecond,
		SlowHeartbeatTimeout: 1000 * time.Millisecond,
		TCPTimeout:           1000 * time.Millisecond,
		CacheSize:            5000,
		SyncLimit:            1000,
		FanOut:               3,
		Logger:               logger,
	}
}

// TestConfig returns a config with a logger adapted to the test framework.
func TestConfig(t *testing.T) *Config {
	config := DefaultConfig()
	config.Logger = common.NewTestLogger(t)
	return config
}
