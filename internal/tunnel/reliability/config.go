package reliability

import (
	"errors"
	"time"
)

var (
	ErrWindowFull     = errors.New("reliability: send window full")
	ErrRetryExhausted = errors.New("reliability: retransmission retries exhausted")
)

// BackoffConfig defines retransmission backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config holds the timing knobs of one stream's trackers.
type Config struct {
	// MaxRetries bounds retransmissions of one sequence number.
	MaxRetries int
	Backoff    BackoffConfig
	// GapTimeout is how long a gap may stay open before the receiver acts.
	GapTimeout time.Duration
	// AckEvery sends a cumulative ACK after this many in-order messages.
	AckEvery int
	// MaxOutstanding caps unacknowledged messages; zero means bytes only.
	MaxOutstanding int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries: 5,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     8 * time.Second,
		},
		GapTimeout: 5 * time.Second,
		AckEvery:   1,
	}
}
