// Package wsconn binds the mana.v1 frame codec (lib/manaframe) to a
// real WebSocket using gorilla/websocket: a single writer-locked send
// path, a read loop that reassembles fragmented data frames and
// dispatches control frames, and a heartbeat loop that detects a
// half-open socket before TCP would. The single writeMu guarding every
// WriteMessage call follows the same discipline as the terminal
// bridge in Websoft9-AppOS's internal/terminal package; the
// read/heartbeat goroutine coordination is grounded on
// golang.org/x/sync/errgroup's WithContext pattern, which cancels the
// sibling goroutine as soon as either one fails.
package wsconn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/anveio/mana/lib/connstate"
	"github.com/anveio/mana/lib/flowcontrol"
	"github.com/anveio/mana/lib/manaframe"
	"github.com/anveio/mana/lib/resume"
	"github.com/anveio/mana/lib/sessionerr"
)

// Config supplies the callbacks and timing parameters for a Conn.
type Config struct {
	// OnData is invoked with each fully reassembled data message.
	OnData func(payload []byte)
	// OnClose is invoked once, when the connection is torn down, with
	// the close code/reason if a CloseHint control frame preceded it.
	OnClose func(code uint16, reason string)
	// OnError is invoked for a transport-level error that is about to
	// end the connection (after OnClose's hint, if any, before Run returns).
	OnError func(err error)
	// OnResumeTicket is invoked when the server issues a resume ticket,
	// so the caller can persist it (typically via a resume.Store) for a
	// later reconnect attempt.
	OnResumeTicket func(resume.Record)

	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int

	// Clock is injectable for deterministic heartbeat tests; defaults
	// to the real wall clock.
	Clock clockwork.Clock

	// FlowWindowCapacity is the initial mana.v1-level credit budget for
	// this connection's single logical stream, mirrored symmetrically by
	// both peers the way an SSH channel's InitialWindowSize is. Zero
	// disables transport-level flow control entirely.
	FlowWindowCapacity uint32
	// FlowWindowLowWatermark is the pendingGrant threshold that triggers
	// a FlowCredit control frame; clamped to FlowWindowCapacity.
	FlowWindowLowWatermark uint32

	// State, if set, is driven through its connecting/authenticating/
	// ready/closed transitions as this Conn's lifecycle progresses.
	State *connstate.Machine
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 3
	}
	return c
}

// Conn is one mana.v1 session layered over a WebSocket connection.
type Conn struct {
	ws  *websocket.Conn
	cfg Config

	writeMu sync.Mutex
	seq     uint32

	hbMu      sync.Mutex
	hbNonce   uint64
	hbPending bool
	missed    int

	reassembler manaframe.Reassembler

	// inboundFlow governs how much data the peer may send before this
	// side grants more credit; outboundFlow mirrors it for data this
	// side sends, incremented as FlowCredit frames arrive from the peer.
	inboundFlow  *flowcontrol.Window
	outboundFlow *flowcontrol.Window

	closeOnce sync.Once
	closeCode uint16
	closeMsg  string
}

const helloTimeout = 10 * time.Second

// Dial opens a WebSocket to url, negotiates the mana.v1 subprotocol,
// and exchanges HELLO control frames before returning. resumeToken may
// be empty for a fresh session.
func Dial(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header, resumeToken string, cfg Config) (*Conn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	cfg = cfg.withDefaults()
	if cfg.State != nil {
		if err := cfg.State.Transition(connstate.StateConnecting); err != nil {
			return nil, err
		}
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if cfg.State != nil {
			cfg.State.Diagnose("dial failed", err)
			cfg.State.Transition(connstate.StateReconnecting)
		}
		return nil, sessionerr.Protocol("wsconn: dial %s: %v", url, err)
	}
	c := &Conn{ws: ws, cfg: cfg}
	if cfg.FlowWindowCapacity > 0 {
		c.inboundFlow = flowcontrol.NewWindow(cfg.FlowWindowCapacity, cfg.FlowWindowLowWatermark)
		c.outboundFlow = flowcontrol.NewWindow(cfg.FlowWindowCapacity, cfg.FlowWindowLowWatermark)
	}
	if cfg.State != nil {
		if err := cfg.State.Transition(connstate.StateAuthenticating); err != nil {
			ws.Close()
			return nil, err
		}
	}
	if err := c.performHello(resumeToken); err != nil {
		ws.Close()
		if cfg.State != nil {
			cfg.State.Diagnose("hello handshake failed", err)
			cfg.State.Transition(connstate.StateClosed)
		}
		return nil, err
	}
	if cfg.State != nil {
		if err := cfg.State.Transition(connstate.StateReady); err != nil {
			ws.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Conn) performHello(resumeToken string) error {
	payload, err := manaframe.EncodeControl(manaframe.OpHello, manaframe.Hello{
		ProtocolVersion: "mana.v1",
		ResumeToken:     resumeToken,
	})
	if err != nil {
		return err
	}
	if err := c.writeControlFrame(payload); err != nil {
		return err
	}

	c.ws.SetReadDeadline(time.Now().Add(helloTimeout))
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return sessionerr.Protocol("wsconn: hello handshake: %v", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		h, body, err := manaframe.DecodeFrame(data)
		if err != nil {
			return err
		}
		if h.Type != manaframe.TypeControl {
			continue
		}
		op, raw, err := manaframe.DecodeControl(body)
		if err != nil {
			return err
		}
		if op == manaframe.OpHello {
			hello, err := manaframe.DecodeHello(raw)
			if err != nil {
				return err
			}
			if hello.ProtocolVersion != "mana.v1" {
				return sessionerr.Protocol("wsconn: hello handshake: peer speaks %q, not mana.v1", hello.ProtocolVersion)
			}
			return nil
		}
	}
}

// Send fragments payload per manaframe.Fragment and writes each piece
// under the single writer lock. If a flow window was configured, Send
// reports an error instead of writing once the peer's granted credit
// is exhausted, so callers must wait for a FlowCredit grant.
func (c *Conn) Send(payload []byte) error {
	if c.outboundFlow != nil {
		if err := c.outboundFlow.Consume(uint32(len(payload))); err != nil {
			return err
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frames, err := manaframe.Fragment(c.seq, payload)
	if err != nil {
		return err
	}
	c.seq += uint32(len(frames))
	for _, frame := range frames {
		if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return sessionerr.Protocol("wsconn: write: %v", err)
		}
	}
	return nil
}

func (c *Conn) writeControlFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	frame, err := manaframe.EncodeFrame(manaframe.TypeControl, c.seq, true, payload)
	if err != nil {
		return err
	}
	c.seq++
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return sessionerr.Protocol("wsconn: write control: %v", err)
	}
	return nil
}

// Run drives the read and heartbeat loops until ctx is cancelled or
// either loop errors, at which point the other is cancelled too.
func (c *Conn) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })
	err := g.Wait()
	if c.cfg.OnClose != nil {
		c.closeOnce.Do(func() { c.cfg.OnClose(c.closeCode, c.closeMsg) })
	}
	if err != nil && c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
	if c.cfg.State != nil {
		if ctx.Err() != nil {
			// Caller-initiated shutdown: the lifecycle ends here.
			c.cfg.State.Transition(connstate.StateClosed)
		} else {
			// The transport failed on its own; StateReconnecting lets a
			// caller retry with the backoff delay carried on the bus.
			c.cfg.State.Diagnose("connection run loop ended", err)
			c.cfg.State.Transition(connstate.StateReconnecting)
		}
	}
	return err
}

func (c *Conn) readLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.ws.Close()
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		h, body, err := manaframe.DecodeFrame(data)
		if err != nil {
			return err
		}
		switch h.Type {
		case manaframe.TypeData:
			if complete, done := c.reassembler.Add(h, body); done {
				if c.inboundFlow != nil {
					if err := c.inboundFlow.Consume(uint32(len(complete))); err != nil {
						return err
					}
				}
				if c.cfg.OnData != nil {
					c.cfg.OnData(complete)
				}
				if c.inboundFlow != nil {
					if grant, ok := c.inboundFlow.Release(uint32(len(complete))); ok {
						c.inboundFlow.Grant(grant)
						if err := c.sendFlowCredit(grant); err != nil {
							return err
						}
					}
				}
			}
		case manaframe.TypeControl:
			if err := c.handleControl(body); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) handleControl(body []byte) error {
	op, raw, err := manaframe.DecodeControl(body)
	if err != nil {
		return err
	}
	switch op {
	case manaframe.OpHeartbeat:
		hb, err := manaframe.DecodeHeartbeat(raw)
		if err != nil {
			return err
		}
		if hb.Ack {
			c.hbMu.Lock()
			if hb.Nonce == c.hbNonce {
				c.hbPending = false
				c.missed = 0
			}
			c.hbMu.Unlock()
			return nil
		}
		payload, err := manaframe.EncodeControl(manaframe.OpHeartbeat, manaframe.Heartbeat{Nonce: hb.Nonce, Ack: true})
		if err != nil {
			return err
		}
		return c.writeControlFrame(payload)
	case manaframe.OpCloseHint:
		hint, err := manaframe.DecodeCloseHint(raw)
		if err != nil {
			return err
		}
		c.closeCode, c.closeMsg = hint.Code, hint.Reason
		return nil
	case manaframe.OpResumeTicket:
		ticket, err := manaframe.DecodeResumeTicket(raw)
		if err != nil {
			return err
		}
		if c.cfg.OnResumeTicket != nil {
			c.cfg.OnResumeTicket(resume.Record{
				Token:          ticket.Token,
				ExpiresAt:      time.Unix(ticket.ExpiresAtUnix, 0),
				LastSequenceRx: ticket.LastSequenceRx,
			})
		}
		return nil
	case manaframe.OpFlowCredit:
		credit, err := manaframe.DecodeFlowCredit(raw)
		if err != nil {
			return err
		}
		if c.outboundFlow != nil {
			c.outboundFlow.Grant(credit.Credit)
		}
		return nil
	case manaframe.OpErrorReport, manaframe.OpHello:
		return nil
	default:
		return sessionerr.NotImplemented("wsconn: unhandled control opcode %q", op)
	}
}

// sendFlowCredit announces a credit grant to the peer for this
// connection's single logical stream (channel ID 0; wsconn does not
// itself multiplex several mana.v1 streams per socket).
func (c *Conn) sendFlowCredit(credit uint32) error {
	payload, err := manaframe.EncodeControl(manaframe.OpFlowCredit, manaframe.FlowCredit{ChannelID: 0, Credit: credit})
	if err != nil {
		return err
	}
	return c.writeControlFrame(payload)
}

func (c *Conn) heartbeatLoop(ctx context.Context) error {
	if c.cfg.HeartbeatInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := c.cfg.Clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := c.sendHeartbeat(); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) sendHeartbeat() error {
	c.hbMu.Lock()
	if c.hbPending {
		c.missed++
		if c.missed >= c.cfg.MaxMissedHeartbeats {
			c.hbMu.Unlock()
			return sessionerr.Protocol("wsconn: missed %d consecutive heartbeat acks", c.missed)
		}
	}
	c.hbNonce++
	nonce := c.hbNonce
	c.hbPending = true
	c.hbMu.Unlock()

	payload, err := manaframe.EncodeControl(manaframe.OpHeartbeat, manaframe.Heartbeat{Nonce: nonce, Ack: false})
	if err != nil {
		return err
	}
	return c.writeControlFrame(payload)
}

// Close sends a CloseHint and closes the underlying WebSocket.
func (c *Conn) Close(code uint16, reason string) error {
	payload, err := manaframe.EncodeControl(manaframe.OpCloseHint, manaframe.CloseHint{Code: code, Reason: reason})
	if err == nil {
		c.writeControlFrame(payload)
	}
	return c.ws.Close()
}
