package sched

import "time"

// OverflowPolicy selects which pending commands are discarded when a peer's
// queue exceeds its capacity.
type OverflowPolicy int

const (
	// DropOldest removes commands from the head of the queue.
	DropOldest OverflowPolicy = iota
	// DropNewest removes commands from the tail, keeping the entry that
	// was just inserted.
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// DefaultWriteTimeout bounds how long the scheduler waits for a transport
// completion before synthesizing a failure.
const DefaultWriteTimeout = 500 * time.Millisecond

// Config tunes the scheduler. A new Config takes effect on the next
// scheduling decision; it never cancels an in-flight command.
type Config struct {
	// MinInterval is the minimum time between a command's completion and
	// the next command's start, per peer.
	MinInterval time.Duration
	// MaxQueuePerPeer caps pending commands per peer; must be >= 1.
	MaxQueuePerPeer int
	// Overflow selects the trimming policy when the cap is exceeded.
	Overflow OverflowPolicy
	// WriteTimeout is the per-operation completion deadline.
	WriteTimeout time.Duration
	// CommandsPerSecond enables a global token-bucket burst limiter across
	// all peers when > 0. Burst is the bucket size (defaults to 1).
	CommandsPerSecond float64
	Burst             int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinInterval:     0,
		MaxQueuePerPeer: 64,
		Overflow:        DropOldest,
		WriteTimeout:    DefaultWriteTimeout,
	}
}

// normalized clamps invalid values back into range.
func (c Config) normalized() Config {
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	if c.MaxQueuePerPeer < 1 {
		c.MaxQueuePerPeer = 1
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.CommandsPerSecond > 0 && c.Burst < 1 {
		c.Burst = 1
	}
	return c
}
