// Package resume implements storage for the resume
// tickets handed out in mana.v1 HELLO/RESUME_TICKET control frames
// (see lib/manaframe), letting a client that reconnects within the
// grace window pick its session back up instead of renegotiating.
package resume

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/anveio/mana/lib/sessionerr"
)

// NewToken generates an opaque resume token, unique per issued ticket.
func NewToken() string { return uuid.NewString() }

// Record is one outstanding resume ticket.
type Record struct {
	Token          string
	ExpiresAt      time.Time
	LastSequenceRx uint32
}

// Store persists resume records between a client's disconnect and its
// reconnect attempt.
type Store interface {
	// Put saves or overwrites rec, keyed by rec.Token.
	Put(rec Record) error
	// Take looks up and removes the record for token, the ticket being
	// single-use. Returns ok=false if the token is unknown or expired;
	// an expired record found at lookup time is purged as a side effect.
	Take(token string) (Record, bool)
}

// memoryStore is an in-process Store backed by a map, suitable for a
// single-instance deployment or tests.
type memoryStore struct {
	mu    sync.Mutex
	clock clockwork.Clock
	byTok map[string]Record
}

// NewMemoryStore returns a Store that keeps records in memory until
// Take or expiry. clock is injectable for deterministic tests; pass
// nil to use the real wall clock.
func NewMemoryStore(clock clockwork.Clock) Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &memoryStore{clock: clock, byTok: make(map[string]Record)}
}

func (m *memoryStore) Put(rec Record) error {
	if rec.Token == "" {
		return sessionerr.Invariant("resume: record token must not be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTok[rec.Token] = rec
	return nil
}

func (m *memoryStore) Take(token string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, found := m.byTok[token]
	if !found {
		return Record{}, false
	}
	delete(m.byTok, token)
	if m.clock.Now().After(rec.ExpiresAt) {
		return Record{}, false
	}
	return rec, true
}

// disabledStore rejects every resume attempt, for deployments that
// opt out of resumability entirely.
type disabledStore struct{}

// NewDisabledStore returns a Store where Put is a no-op and Take
// always reports not found.
func NewDisabledStore() Store { return disabledStore{} }

func (disabledStore) Put(Record) error           { return nil }
func (disabledStore) Take(string) (Record, bool) { return Record{}, false }
