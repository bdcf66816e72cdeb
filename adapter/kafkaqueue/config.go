package kafkaqueue

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/segmentio/kafka-go"
)

// RetryPolicy bounds redelivery of a failing job: exponential backoff between
// InitialBackoff and MaxBackoff, optional jitter.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

// DefaultRetryPolicy mirrors common production settings: 3 attempts,
// 1s..30s exponential backoff with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// backoffFor computes the wait before retry attempt (0-based), clamped to
// MaxBackoff even after jitter.
func backoffFor(p RetryPolicy, attempt int) time.Duration {
	wait := time.Duration(float64(p.InitialBackoff) * math.Pow(p.BackoffFactor, float64(attempt)))
	if wait > p.MaxBackoff {
		wait = p.MaxBackoff
	}
	if p.Jitter && wait > 0 {
		maxJitter := wait / 4
		if maxJitter > 0 {
			wait += time.Duration(rand.Int63n(int64(maxJitter)))
			if wait > p.MaxBackoff {
				wait = p.MaxBackoff
			}
		}
	}
	return wait
}

// Config controls the Kafka durable queue.
type Config struct {
	Brokers []string
	// Topic is the durable job stream.
	Topic string
	// GroupID is required for Consume.
	GroupID string
	// DeadLetterTopic receives jobs after retry exhaustion ("" disables).
	DeadLetterTopic string

	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	MaxWait      time.Duration
	// BatchSize caps messages fetched per read.
	BatchSize int

	RequiredAcks kafka.RequiredAcks
	Retry        RetryPolicy
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafkaqueue: brokers cannot be empty")
	}
	if c.Topic == "" {
		return errors.New("kafkaqueue: topic cannot be empty")
	}
	if c.WriteTimeout < 0 {
		return errors.New("kafkaqueue: writeTimeout cannot be negative")
	}
	if c.ReadTimeout < 0 {
		return errors.New("kafkaqueue: readTimeout cannot be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.MaxWait == 0 {
		c.MaxWait = 10 * time.Second
	}
	if c.BatchSize < 1 {
		c.BatchSize = 100
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireOne
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = DefaultRetryPolicy()
	}
	return c
}
