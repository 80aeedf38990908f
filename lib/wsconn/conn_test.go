package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/anveio/mana/lib/connstate"
	"github.com/anveio/mana/lib/manaframe"
	"github.com/anveio/mana/lib/resume"
)

// echoServer speaks just enough of mana.v1 to complete the HELLO
// handshake and echo back whatever data frames it receives, so the
// client-side Conn can be exercised against a real WebSocket without a
// second wsconn instance acting as the server.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var seq uint32
		var reassembler manaframe.Reassembler
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h, body, err := manaframe.DecodeFrame(data)
			if err != nil {
				return
			}
			switch h.Type {
			case manaframe.TypeControl:
				op, raw, err := manaframe.DecodeControl(body)
				require.NoError(t, err)
				switch op {
				case manaframe.OpHello:
					reply, err := manaframe.EncodeControl(manaframe.OpHello, manaframe.Hello{ProtocolVersion: "mana.v1"})
					require.NoError(t, err)
					frame, err := manaframe.EncodeFrame(manaframe.TypeControl, seq, true, reply)
					require.NoError(t, err)
					seq++
					require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
				case manaframe.OpHeartbeat:
					hb, err := manaframe.DecodeHeartbeat(raw)
					require.NoError(t, err)
					if hb.Ack {
						continue
					}
					ack, err := manaframe.EncodeControl(manaframe.OpHeartbeat, manaframe.Heartbeat{Nonce: hb.Nonce, Ack: true})
					require.NoError(t, err)
					frame, err := manaframe.EncodeFrame(manaframe.TypeControl, seq, true, ack)
					require.NoError(t, err)
					seq++
					require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
				}
			case manaframe.TypeData:
				if msg, done := reassembler.Add(h, body); done {
					frame, err := manaframe.EncodeFrame(manaframe.TypeData, seq, true, msg)
					require.NoError(t, err)
					seq++
					require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
				}
			}
		}
	}))
}

func dialTestConn(t *testing.T, srv *httptest.Server, cfg Config) *Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := Dial(context.Background(), nil, wsURL, nil, "", cfg)
	require.NoError(t, err)
	return conn
}

func TestDialPerformsHelloHandshake(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	conn := dialTestConn(t, srv, Config{})
	defer conn.ws.Close()
}

func TestSendAndReceiveEchoedData(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	var mu sync.Mutex
	var received []byte
	got := make(chan struct{})
	conn := dialTestConn(t, srv, Config{OnData: func(p []byte) {
		mu.Lock()
		received = p
		mu.Unlock()
		close(got)
	}})
	defer conn.ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	require.NoError(t, conn.Send([]byte("ping")))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed data")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []byte("ping"), received)
}

func TestSendRejectsWhenOutboundCreditExhausted(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	conn := dialTestConn(t, srv, Config{FlowWindowCapacity: 4, FlowWindowLowWatermark: 2})
	defer conn.ws.Close()

	require.NoError(t, conn.Send([]byte("ab")))
	err := conn.Send([]byte("abc"))
	require.Error(t, err)
}

func TestInboundDataTriggersFlowCreditGrant(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	grants := make(chan manaframe.FlowCredit, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var seq uint32
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		_, body, err := manaframe.DecodeFrame(data)
		require.NoError(t, err)
		_, _, err = manaframe.DecodeControl(body)
		require.NoError(t, err)
		reply, err := manaframe.EncodeControl(manaframe.OpHello, manaframe.Hello{ProtocolVersion: "mana.v1"})
		require.NoError(t, err)
		frame, err := manaframe.EncodeFrame(manaframe.TypeControl, seq, true, reply)
		require.NoError(t, err)
		seq++
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

		data1, err := manaframe.EncodeFrame(manaframe.TypeData, seq, true, []byte("123456"))
		require.NoError(t, err)
		seq++
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data1))

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h, body, err := manaframe.DecodeFrame(raw)
			if err != nil {
				return
			}
			if h.Type != manaframe.TypeControl {
				continue
			}
			op, cbody, err := manaframe.DecodeControl(body)
			if err != nil {
				return
			}
			if op == manaframe.OpFlowCredit {
				fc, err := manaframe.DecodeFlowCredit(cbody)
				require.NoError(t, err)
				grants <- fc
				return
			}
		}
	}))
	defer srv.Close()

	conn := dialTestConn(t, srv, Config{FlowWindowCapacity: 10, FlowWindowLowWatermark: 4})
	defer conn.ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	select {
	case fc := <-grants:
		require.Equal(t, uint32(6), fc.Credit)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flow credit grant")
	}
}

func TestResumeTicketInvokesCallback(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var seq uint32
		_, _, err = conn.ReadMessage()
		require.NoError(t, err)
		reply, err := manaframe.EncodeControl(manaframe.OpHello, manaframe.Hello{ProtocolVersion: "mana.v1"})
		require.NoError(t, err)
		frame, err := manaframe.EncodeFrame(manaframe.TypeControl, seq, true, reply)
		require.NoError(t, err)
		seq++
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

		ticket, err := manaframe.EncodeControl(manaframe.OpResumeTicket, manaframe.ResumeTicket{Token: "resume-tok", ExpiresAtUnix: time.Now().Add(time.Hour).Unix(), LastSequenceRx: 3})
		require.NoError(t, err)
		frame, err = manaframe.EncodeFrame(manaframe.TypeControl, seq, true, ticket)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	store := resume.NewMemoryStore(nil)
	conn := dialTestConn(t, srv, Config{OnResumeTicket: func(rec resume.Record) {
		require.NoError(t, store.Put(rec))
	}})
	defer conn.ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := store.Take("resume-tok")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDialDrivesConnstateMachineToReady(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	backoff, err := connstate.NewBackoff(connstate.BackoffConfig{Base: time.Millisecond, Max: time.Second})
	require.NoError(t, err)
	machine := connstate.New(8, backoff)

	conn := dialTestConn(t, srv, Config{State: machine})
	defer conn.ws.Close()

	require.Equal(t, connstate.StateReady, machine.State())

	var transitions []connstate.State
	pop := machine.Events()
	for {
		ev, ok := pop()
		if !ok {
			break
		}
		if sc, isStateChange := ev.(connstate.StateChangeEvent); isStateChange {
			transitions = append(transitions, sc.To)
		}
	}
	require.Equal(t, []connstate.State{connstate.StateConnecting, connstate.StateAuthenticating, connstate.StateReady}, transitions)
}

func TestRunTransitionsToClosedOnCallerCancel(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	backoff, err := connstate.NewBackoff(connstate.BackoffConfig{Base: time.Millisecond, Max: time.Second})
	require.NoError(t, err)
	machine := connstate.New(8, backoff)

	conn := dialTestConn(t, srv, Config{State: machine})
	defer conn.ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()
	cancel()
	<-runErr

	require.Equal(t, connstate.StateClosed, machine.State())
}

func TestRunTransitionsToReconnectingOnTransportFailure(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	backoff, err := connstate.NewBackoff(connstate.BackoffConfig{Base: time.Millisecond, Max: time.Second})
	require.NoError(t, err)
	machine := connstate.New(8, backoff)

	clock := clockwork.NewFakeClock()
	conn := dialTestConn(t, srv, Config{State: machine, HeartbeatInterval: time.Second, MaxMissedHeartbeats: 1, Clock: clock})
	defer conn.ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	conn.hbMu.Lock()
	conn.hbPending = true
	conn.hbMu.Unlock()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	<-runErr

	require.Equal(t, connstate.StateReconnecting, machine.State())
}

func TestHeartbeatRoundTripKeepsConnectionAlive(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	conn := dialTestConn(t, srv, Config{HeartbeatInterval: time.Second, Clock: clock})
	defer conn.ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)

	conn.hbMu.Lock()
	missed := conn.missed
	conn.hbMu.Unlock()
	require.Equal(t, 0, missed)

	cancel()
	<-runErr
}
