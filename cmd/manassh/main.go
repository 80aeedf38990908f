// Command manassh is a minimal demonstration client wiring the SSH
// protocol engine (lib/sshproto/session) to the mana.v1 WebSocket
// transport (lib/wsconn): dial, perform the SSH handshake and
// public-key authentication, open a session channel, request a PTY
// and a shell, then pipe stdio until the remote side closes.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anveio/mana/lib/connstate"
	"github.com/anveio/mana/lib/resume"
	"github.com/anveio/mana/lib/sshproto/session"
	"github.com/anveio/mana/lib/wsconn"
)

func main() {
	var (
		addr = flag.String("addr", "ws://127.0.0.1:8080/mana/v1", "mana.v1 WebSocket endpoint")
		user = flag.String("user", "", "remote username")
		term = flag.String("term", "xterm-256color", "TERM to request for the remote PTY")
	)
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "manassh: -user is required")
		os.Exit(2)
	}

	if err := run(*addr, *user, *term); err != nil {
		fmt.Fprintln(os.Stderr, "manassh:", err)
		os.Exit(1)
	}
}

// reconnectBase and reconnectMax bound the full-jitter backoff between
// dial attempts after a transport failure.
const (
	reconnectBase = 500 * time.Millisecond
	reconnectMax  = 30 * time.Second
)

func run(addr, user, term string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating client identity: %w", err)
	}

	// store and machine persist across reconnect attempts: store holds
	// the resume ticket the server last issued, machine tracks the
	// connection lifecycle and paces retries with full-jitter backoff.
	store := resume.NewMemoryStore(nil)
	backoff, err := connstate.NewBackoff(connstate.BackoffConfig{Base: reconnectBase, Max: reconnectMax})
	if err != nil {
		return fmt.Errorf("configuring reconnect backoff: %w", err)
	}
	machine := connstate.New(64, backoff)

	var lastToken string
	for {
		resumeToken := ""
		if lastToken != "" {
			if rec, ok := store.Take(lastToken); ok {
				resumeToken = rec.Token
			}
			lastToken = ""
		}

		runErr := dialAndRun(addr, user, term, pub, priv, resumeToken, store, machine, &lastToken)
		delay := drainMachineEvents(machine)

		if machine.State() != connstate.StateReconnecting {
			return runErr
		}
		slog.Warn("connection lost, reconnecting", "error", runErr, "delay", delay)
		time.Sleep(delay)
	}
}

// dialAndRun dials once, drives the session until the transport ends,
// and reports the resume ticket it received (if any) through token.
func dialAndRun(addr, user, term string, pub ed25519.PublicKey, priv ed25519.PrivateKey, resumeToken string, store resume.Store, machine *connstate.Machine, token *string) error {
	sess, err := session.Create(session.Config{
		Identity: &session.Identity{
			Username:  user,
			Algorithm: "ssh-ed25519",
			PublicKey: pub,
			Sign:      func(payload []byte) ([]byte, error) { return ed25519.Sign(priv, payload), nil },
		},
		HostKeys: session.HostKeyPolicy{
			Evaluate: func(session.HostKeyCandidate) session.HostKeyDecision { return session.HostKeyTrusted },
		},
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// sess is a single-owner async task cursor: Receive, Command and
	// NextEvent all mutate its internal queues, so every call from the
	// transport's read loop, the event-draining goroutine, and the
	// stdin-piping goroutine is serialized through sessMu.
	var sessMu sync.Mutex
	var channelID atomic.Uint32
	var channelReady atomic.Bool
	var ptyRequested atomic.Bool

	var conn *wsconn.Conn
	conn, err = wsconn.Dial(ctx, websocket.DefaultDialer, addr, nil, resumeToken, wsconn.Config{
		FlowWindowCapacity:     1 << 20,
		FlowWindowLowWatermark: 1 << 18,
		State:                  machine,
		OnData: func(payload []byte) {
			sessMu.Lock()
			defer sessMu.Unlock()
			if err := sess.Receive(payload); err != nil {
				slog.Error("session receive failed", "error", err)
				cancel()
				return
			}
			if err := flushOutboundLocked(sess, conn); err != nil {
				slog.Error("flushing outbound", "error", err)
				cancel()
			}
		},
		OnClose: func(code uint16, reason string) {
			slog.Info("connection closed", "code", code, "reason", reason)
			cancel()
		},
		OnError: func(err error) {
			// Not fatal: leave ctx alone so Run returns the error and the
			// connection state machine transitions to reconnecting.
			slog.Warn("transport error", "error", err)
		},
		OnResumeTicket: func(rec resume.Record) {
			if err := store.Put(rec); err != nil {
				slog.Warn("storing resume ticket", "error", err)
				return
			}
			*token = rec.Token
		},
	})
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close(1000, "bye")

	sessMu.Lock()
	err = flushOutboundLocked(sess, conn)
	sessMu.Unlock()
	if err != nil {
		return err
	}

	go drainEvents(ctx, sess, conn, &sessMu, &channelID, &channelReady, &ptyRequested, term, cancel)
	go pipeStdin(ctx, sess, conn, &sessMu, &channelID, &channelReady)

	return conn.Run(ctx)
}

// drainMachineEvents pops every event machine has buffered, logging
// diagnostics and state changes, and returns the delay carried by the
// most recent reconnect policy decision (zero if none was emitted).
func drainMachineEvents(machine *connstate.Machine) time.Duration {
	pop := machine.Events()
	var delay time.Duration
	for {
		ev, ok := pop()
		if !ok {
			return delay
		}
		switch e := ev.(type) {
		case connstate.StateChangeEvent:
			slog.Info("connection state changed", "from", e.From, "to", e.To)
		case connstate.DiagnosticEvent:
			slog.Warn(e.Message, "error", e.Err)
		case connstate.PolicyEvent:
			delay = time.Duration(e.Delay * float64(time.Second))
		}
	}
}

func drainEvents(ctx context.Context, sess *session.Session, conn *wsconn.Conn, sessMu *sync.Mutex, channelID *atomic.Uint32, channelReady *atomic.Bool, ptyRequested *atomic.Bool, term string, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sessMu.Lock()
		ev, ok := sess.NextEvent()
		if !ok {
			sessMu.Unlock()
			time.Sleep(10 * time.Millisecond)
			continue
		}
		switch e := ev.(type) {
		case session.ChannelOpenEvent:
			channelID.Store(e.ChannelID)
			channelReady.Store(true)
			if ptyRequested.CompareAndSwap(false, true) {
				sess.Command(session.RequestChannelIntent{
					ChannelID: e.ChannelID,
					Kind:      session.RequestPTY,
					WantReply: true,
					Term:      term,
					Cols:      80,
					Rows:      24,
				})
				sess.Command(session.RequestChannelIntent{
					ChannelID: e.ChannelID,
					Kind:      session.RequestShell,
					WantReply: true,
				})
				flushOutboundLocked(sess, conn)
			}
		case session.ChannelDataEvent:
			os.Stdout.Write(e.Data)
		case session.ChannelCloseEvent:
			sessMu.Unlock()
			cancel()
			continue
		case session.AuthSuccessEvent:
			sess.Command(session.OpenChannelIntent{Type: "session"})
			flushOutboundLocked(sess, conn)
		case session.WarningEvent:
			slog.Warn("session warning", "code", e.Code, "message", e.Message)
		}
		sessMu.Unlock()
	}
}

func pipeStdin(ctx context.Context, sess *session.Session, conn *wsconn.Conn, sessMu *sync.Mutex, channelID *atomic.Uint32, channelReady *atomic.Bool) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := os.Stdin.Read(buf)
		if n > 0 && channelReady.Load() {
			data := append([]byte(nil), buf[:n]...)
			sessMu.Lock()
			sess.Command(session.SendChannelDataIntent{ChannelID: channelID.Load(), Data: data})
			flushOutboundLocked(sess, conn)
			sessMu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				slog.Error("reading stdin", "error", err)
			}
			return
		}
	}
}

// flushOutboundLocked drains sess's outbound queue and writes it to
// conn; callers must already hold the session's serializing mutex.
func flushOutboundLocked(sess *session.Session, conn *wsconn.Conn) error {
	data := sess.FlushOutbound()
	if len(data) == 0 {
		return nil
	}
	return conn.Send(data)
}

func init() {
	// Restrict the default logger to warnings and above so interactive
	// stdio isn't interleaved with structured log lines by default.
	slog.SetLogLoggerLevel(slog.LevelWarn)
}
