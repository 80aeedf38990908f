// Package connstate implements the mana.v1 connection lifecycle state
// machine shared by the WebSocket transport: idle, connecting,
// authenticating, ready, reconnecting, and closed, plus the event bus
// a caller watches for state changes, diagnostics, and reconnect
// policy decisions. Event delivery is built on lib/events.Dispatcher;
// the state names and transition discipline follow the
// Retry/RetryV2-style small state object idiom in
// api/utils/retryutils, adapted from a retry counter to a full
// connection lifecycle.
package connstate

import (
	"fmt"
	"sync"

	"github.com/anveio/mana/lib/events"
	"github.com/anveio/mana/lib/sessionerr"
)

// State is one node of the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// legalTransitions enumerates the edges a Machine will accept;
// anything else is an invariant violation by the caller driving it.
var legalTransitions = map[State]map[State]bool{
	StateIdle:           {StateConnecting: true, StateClosed: true},
	StateConnecting:     {StateAuthenticating: true, StateReconnecting: true, StateClosed: true},
	StateAuthenticating: {StateReady: true, StateReconnecting: true, StateClosed: true},
	StateReady:          {StateReconnecting: true, StateClosed: true},
	StateReconnecting:   {StateConnecting: true, StateClosed: true},
	StateClosed:         {},
}

// Event is the sum type delivered over a Machine's bus.
type Event interface{ isEvent() }

type baseEvent struct{}

func (baseEvent) isEvent() {}

// StateChangeEvent reports a committed transition.
type StateChangeEvent struct {
	baseEvent
	From, To State
}

// DiagnosticEvent carries a non-fatal observation (a dropped
// heartbeat ack, a slow frame) that does not itself change State.
type DiagnosticEvent struct {
	baseEvent
	Message string
	Err     error
}

// PolicyEvent reports a reconnect policy decision: the delay the
// Machine computed before its next StateConnecting attempt.
type PolicyEvent struct {
	baseEvent
	Attempt int
	Delay   float64 // seconds; float keeps the bus dependency-free of time.Duration formatting choices
}

// Machine drives the connection lifecycle and fans state changes out
// to a bounded event bus.
type Machine struct {
	mu    sync.Mutex
	state State
	bus   *events.Dispatcher[Event]

	backoff *Backoff
}

// New returns a Machine starting in StateIdle, with a bus buffering up
// to eventCapacity undelivered events (0 means unbounded).
func New(eventCapacity int, backoff *Backoff) *Machine {
	return &Machine{
		state:   StateIdle,
		bus:     events.NewDispatcher[Event](eventCapacity),
		backoff: backoff,
	}
}

// State reports the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events exposes the pull-based event iterator for this machine's bus.
func (m *Machine) Events() func() (Event, bool) { return m.bus.TryPop }

// Transition moves the machine to to, emitting a StateChangeEvent, or
// returns an invariant error if the edge is not legal from the current
// state. Transitioning into StateReconnecting also emits a PolicyEvent
// carrying the next backoff delay.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	allowed := legalTransitions[from][to]
	if !allowed {
		m.mu.Unlock()
		return sessionerr.Invariant("connstate: illegal transition %s -> %s", from, to)
	}
	m.state = to
	if to == StateReady {
		m.backoff.Reset()
	}
	m.mu.Unlock()

	m.bus.Push(StateChangeEvent{From: from, To: to})

	if to == StateReconnecting && m.backoff != nil {
		delay := m.backoff.Next()
		m.bus.Push(PolicyEvent{Attempt: m.backoff.attempts, Delay: delay.Seconds()})
	}
	return nil
}

// Diagnose emits a non-fatal observation without changing State.
func (m *Machine) Diagnose(message string, err error) {
	m.bus.Push(DiagnosticEvent{Message: message, Err: err})
}

// Close transitions to StateClosed from any non-terminal state and
// closes the event bus after the final StateChangeEvent is queued.
func (m *Machine) Close() error {
	m.mu.Lock()
	from := m.state
	if from == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	m.mu.Unlock()

	m.bus.Push(StateChangeEvent{From: from, To: StateClosed})
	m.bus.Close()
	return nil
}
