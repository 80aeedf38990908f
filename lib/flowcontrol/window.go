// Package flowcontrol implements the mana.v1 transport's own
// byte-credit flow control, layered above (and independent of) the
// SSH connection protocol's per-channel windows handled in
// lib/sshproto/session. Where an SSH channel window governs how much
// payload the remote SSH peer may send before an SSH_MSG_CHANNEL_WINDOW_ADJUST,
// a flowcontrol.Window governs how much mana.v1-framed data the local
// transport will accept before the peer must wait for a credit grant,
// batched via high/low watermarks the way TCP receive-window updates
// are coalesced, and additionally gated by the client's visibility and
// connectivity state. Grounded on the bucket/bucketCond pattern in
// smux's Session type, generalized from a single connection-wide
// counter to one instance per logical stream.
package flowcontrol

import (
	"sync"

	"github.com/anveio/mana/lib/sessionerr"
)

// Gate reflects external conditions that should suppress new credit
// grants even though buffer space is available: a backgrounded or
// offline client has no use for more inbound data until it returns.
type Gate int

const (
	GateOpen Gate = iota
	GateVisibilityHidden
	GateOffline
)

// Window tracks a receive buffer's available credit, coalescing
// returned credit into a single grant once it crosses lowWatermark
// rather than announcing every byte released.
type Window struct {
	mu sync.Mutex

	capacity     uint32
	lowWatermark uint32

	available    uint32 // credit already granted to the peer, not yet consumed
	pendingGrant uint32 // consumed credit not yet re-granted
	gate         Gate
}

// NewWindow returns a Window with capacity bytes of initial credit.
// lowWatermark must be <= capacity; it is clamped otherwise.
func NewWindow(capacity, lowWatermark uint32) *Window {
	if lowWatermark > capacity {
		lowWatermark = capacity
	}
	return &Window{capacity: capacity, lowWatermark: lowWatermark, available: capacity}
}

// Consume records the arrival of n bytes of data against the
// previously granted credit. A peer that sends more than Available
// has violated the protocol, and Consume returns a protocol error.
func (w *Window) Consume(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.available {
		return sessionerr.Protocol("flowcontrol: peer sent %d bytes exceeding available credit %d", n, w.available)
	}
	w.available -= n
	return nil
}

// Release returns n bytes of credit to the window after the
// application has finished with that data. It reports a grant amount
// and true once pendingGrant crosses lowWatermark and the gate is
// open; callers should send a credit-grant control frame for grant
// bytes and then call Grant to apply it locally.
func (w *Window) Release(n uint32) (grant uint32, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pendingGrant += n
	return w.maybeGrantLocked()
}

func (w *Window) maybeGrantLocked() (uint32, bool) {
	if w.gate != GateOpen || w.pendingGrant < w.lowWatermark {
		return 0, false
	}
	grant := w.pendingGrant
	w.pendingGrant = 0
	return grant, true
}

// Grant applies a credit grant this side has decided to send,
// increasing Available immediately so local bookkeeping matches what
// is about to go out on the wire.
func (w *Window) Grant(n uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.available += n
}

// SetGate updates the visibility/connectivity gate. Reopening a closed
// gate immediately flushes any credit that accumulated while it was
// shut, per the same threshold logic as Release.
func (w *Window) SetGate(g Gate) (grant uint32, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gate = g
	if g != GateOpen {
		return 0, false
	}
	return w.maybeGrantLocked()
}

// Available reports the credit currently granted to the peer.
func (w *Window) Available() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}

// Backpressured reports whether the window has exhausted its credit,
// meaning the peer must pause sending until a grant arrives.
func (w *Window) Backpressured() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available == 0
}
