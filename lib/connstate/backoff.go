package connstate

import (
	"math/rand"
	"sync"
	"time"

	"github.com/anveio/mana/lib/sessionerr"
)

// BackoffConfig configures an exponential reconnect backoff with full
// jitter, following the Step/Max shape of retryutils.LinearConfig but
// doubling per attempt instead of stepping linearly.
type BackoffConfig struct {
	Base time.Duration // delay before the first retry
	Max  time.Duration // ceiling the delay never exceeds

	// Rand supplies jitter; when nil, NewBackoff gives the Backoff its
	// own math/rand source seeded with 1.
	// Tests inject a deterministic source for reproducible delays.
	Rand *rand.Rand
}

// Backoff tracks reconnect attempts and computes the delay before the
// next one, resetting once a connection reaches StateReady.
type Backoff struct {
	mu       sync.Mutex
	cfg      BackoffConfig
	attempts int
}

// NewBackoff validates cfg and returns a Backoff starting at attempt 0.
func NewBackoff(cfg BackoffConfig) (*Backoff, error) {
	if cfg.Base <= 0 {
		return nil, sessionerr.Invariant("connstate: backoff Base must be positive, got %s", cfg.Base)
	}
	if cfg.Max < cfg.Base {
		return nil, sessionerr.Invariant("connstate: backoff Max %s must be >= Base %s", cfg.Max, cfg.Base)
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}
	return &Backoff{cfg: cfg}, nil
}

// Next advances the attempt counter and returns the delay to wait
// before the next reconnect attempt: min(Max, Base*2^attempts) scaled
// by a uniform [0,1) jitter factor, the "full jitter" strategy.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	ceiling := b.cfg.Base << uint(min(b.attempts, 32))
	if ceiling <= 0 || ceiling > b.cfg.Max {
		ceiling = b.cfg.Max
	}
	b.attempts++
	return time.Duration(b.cfg.Rand.Int63n(int64(ceiling)))
}

// Attempts reports the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset zeroes the attempt counter, called once a connection reaches
// StateReady.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}
