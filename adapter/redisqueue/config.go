package redisqueue

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Config controls the Redis Streams durable queue.
type Config struct {
	// Client options
	Addr     string
	Username string
	Password string
	DB       int

	// Stream is the durable job stream.
	Stream string
	// Group and Consumer identify the consumer-group member for Consume.
	Group    string
	Consumer string

	// BatchSize caps entries fetched per read; Block bounds the blocking read.
	BatchSize int
	Block     time.Duration

	// DeadLetter receives jobs after retry exhaustion ("" disables).
	DeadLetter string
	// MaxAttempts caps deliveries per job before dead-lettering.
	MaxAttempts int

	// VisibilityTimeout is how long a fetched-but-unacknowledged job stays
	// invisible before it is reclaimed for redelivery.
	VisibilityTimeout time.Duration
	// ClaimInterval is how often the reclaim sweep runs.
	ClaimInterval time.Duration

	// Stream retention: approximate trim length (0 = unbounded).
	MaxLenApprox int64

	AutoCreate      bool
	AutoDeleteOnAck bool
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("redisqueue: addr cannot be empty")
	}
	if c.Stream == "" {
		return errors.New("redisqueue: stream cannot be empty")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Group == "" {
		c.Group = "xbroker"
	}
	if c.Consumer == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "xbroker"
		}
		c.Consumer = fmt.Sprintf("xbroker-%s-%d", hostname, os.Getpid())
	}
	if c.BatchSize < 1 {
		c.BatchSize = 128
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 30 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 15 * time.Second
	}
	return c
}
