package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anveio/mana/lib/sshproto/sshcrypto"
	"github.com/anveio/mana/lib/sshproto/wire"
)

// newTestSession builds a Session past identification/kex, wired with
// plain (unencrypted) directions so Connection-protocol logic can be
// exercised directly without a full handshake.
func newTestSession(t *testing.T) *Session {
	t.Helper()
	cfg := Config{}.withDefaults()
	s := &Session{
		config:   cfg,
		phase:    PhaseAuthenticated,
		channels: make(map[uint32]*channel),
		readDir:  sshcrypto.NewPlainDirection(),
		writeDir: sshcrypto.NewPlainDirection(),
	}
	return s
}

func TestOpenChannelQueuesOpenMessage(t *testing.T) {
	s := newTestSession(t)
	id, err := s.openChannel("session", 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0), id)

	ch := s.channels[id]
	require.Equal(t, ChannelOpening, ch.status)
	require.Equal(t, defaultInitialWindowSize, int(ch.inboundWindow))
	require.NotEmpty(t, s.FlushOutbound())
}

func TestChannelOpenConfirmationTransitionsToOpen(t *testing.T) {
	s := newTestSession(t)
	id, err := s.openChannel("session", 0, 0)
	require.NoError(t, err)
	s.FlushOutbound()

	confirm := &channelOpenConfirmationMsg{
		RecipientChannel:  id,
		SenderChannel:     99,
		InitialWindowSize: 64000,
		MaxPacketSize:     16384,
	}
	require.NoError(t, s.handleChannelOpenConfirmation(confirm.marshal()))

	ch := s.channels[id]
	require.Equal(t, ChannelOpen, ch.status)
	require.Equal(t, uint32(99), ch.remoteID)
	require.Equal(t, uint32(64000), ch.outboundWindow)
	require.Equal(t, PhaseConnected, s.phase)

	ev, ok := s.NextEvent()
	require.True(t, ok)
	_, isOpen := ev.(ChannelOpenEvent)
	require.True(t, isOpen)
}

func TestSendChannelDataEnforcesWindow(t *testing.T) {
	s := newTestSession(t)
	id, err := s.openChannel("session", 0, 0)
	require.NoError(t, err)
	s.FlushOutbound()
	confirm := &channelOpenConfirmationMsg{RecipientChannel: id, SenderChannel: 1, InitialWindowSize: 4, MaxPacketSize: 32768}
	require.NoError(t, s.handleChannelOpenConfirmation(confirm.marshal()))

	require.NoError(t, s.sendChannelData(id, []byte("1234")))
	require.Equal(t, uint32(0), s.channels[id].outboundWindow)

	err = s.sendChannelData(id, []byte("x"))
	require.Error(t, err)
}

func TestChannelDataEnforcesInboundWindow(t *testing.T) {
	s := newTestSession(t)
	id, err := s.openChannel("session", 0, 0)
	require.NoError(t, err)
	s.FlushOutbound()
	confirm := &channelOpenConfirmationMsg{RecipientChannel: id, SenderChannel: 1, InitialWindowSize: 100, MaxPacketSize: 32768}
	require.NoError(t, s.handleChannelOpenConfirmation(confirm.marshal()))
	s.channels[id].inboundWindow = 2

	data := &channelDataMsg{RecipientChannel: s.channels[id].localID, Data: []byte("abc")}
	err = s.handleChannelData(data.marshal())
	require.Error(t, err)
}

func TestChannelRequestRepliesAreFIFO(t *testing.T) {
	s := newTestSession(t)
	id, err := s.openChannel("session", 0, 0)
	require.NoError(t, err)
	s.FlushOutbound()
	confirm := &channelOpenConfirmationMsg{RecipientChannel: id, SenderChannel: 1, InitialWindowSize: 100000, MaxPacketSize: 32768}
	require.NoError(t, s.handleChannelOpenConfirmation(confirm.marshal()))
	s.NextEvent() // drain ChannelOpenEvent

	require.NoError(t, s.requestChannel(RequestChannelIntent{ChannelID: id, Kind: RequestPTY, WantReply: true, Term: "xterm"}))
	s.FlushOutbound()
	require.NoError(t, s.requestChannel(RequestChannelIntent{ChannelID: id, Kind: RequestShell, WantReply: true}))
	s.FlushOutbound()
	require.Len(t, s.channels[id].pendingRequests, 2)

	require.NoError(t, s.handleChannelSuccess((&channelSuccessMsg{RecipientChannel: s.channels[id].localID}).marshalSuccess()))
	ev, ok := s.NextEvent()
	require.True(t, ok)
	reqEv := ev.(ChannelRequestEvent)
	require.Equal(t, "pty-req", reqEv.RequestType)
	require.True(t, reqEv.Success)

	require.NoError(t, s.handleChannelFailure((&channelFailureMsg{RecipientChannel: s.channels[id].localID}).marshalFailure()))
	ev, ok = s.NextEvent()
	require.True(t, ok)
	reqEv = ev.(ChannelRequestEvent)
	require.Equal(t, "shell", reqEv.RequestType)
	require.False(t, reqEv.Success)
}

func TestChannelCloseRemovesFromTable(t *testing.T) {
	s := newTestSession(t)
	id, err := s.openChannel("session", 0, 0)
	require.NoError(t, err)
	s.FlushOutbound()
	confirm := &channelOpenConfirmationMsg{RecipientChannel: id, SenderChannel: 1, InitialWindowSize: 100, MaxPacketSize: 32768}
	require.NoError(t, s.handleChannelOpenConfirmation(confirm.marshal()))
	s.NextEvent()

	require.NoError(t, s.closeChannel(id))
	s.FlushOutbound()
	require.NoError(t, s.handleChannelClose(marshalChannelClose(s.channels[id].localID)))
	_, stillPresent := s.channels[id]
	require.False(t, stillPresent)
}

func TestMaxConcurrentChannelsEnforced(t *testing.T) {
	s := newTestSession(t)
	s.config.Channels.MaxConcurrent = 1
	_, err := s.openChannel("session", 0, 0)
	require.NoError(t, err)
	_, err = s.openChannel("session", 0, 0)
	require.Error(t, err)
}

func marshalChannelExtendedData(recipient, dataType uint32, data []byte) []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgChannelExtendedData)
	w.WriteUint32(recipient)
	w.WriteUint32(dataType)
	w.WriteString(string(data))
	return w.Bytes()
}

func TestChannelExtendedDataDecrementsWindowWithoutDataEvent(t *testing.T) {
	s := newTestSession(t)
	id, err := s.openChannel("session", 0, 0)
	require.NoError(t, err)
	s.FlushOutbound()
	confirm := &channelOpenConfirmationMsg{RecipientChannel: id, SenderChannel: 1, InitialWindowSize: 100, MaxPacketSize: 32768}
	require.NoError(t, s.handleChannelOpenConfirmation(confirm.marshal()))
	s.NextEvent()

	payload := marshalChannelExtendedData(s.channels[id].localID, 1, []byte("stderr output"))
	require.NoError(t, s.handleChannelExtendedData(payload))
	require.Equal(t, uint32(100-len("stderr output")), s.channels[id].inboundWindow)

	ev, ok := s.NextEvent()
	require.True(t, ok)
	warn, isWarning := ev.(WarningEvent)
	require.True(t, isWarning)
	require.Equal(t, WarnExtendedDataSeen, warn.Code)

	_, more := s.NextEvent()
	require.False(t, more)
}

func TestChannelExtendedDataEnforcesInboundWindow(t *testing.T) {
	s := newTestSession(t)
	id, err := s.openChannel("session", 0, 0)
	require.NoError(t, err)
	s.FlushOutbound()
	confirm := &channelOpenConfirmationMsg{RecipientChannel: id, SenderChannel: 1, InitialWindowSize: 100, MaxPacketSize: 32768}
	require.NoError(t, s.handleChannelOpenConfirmation(confirm.marshal()))
	s.channels[id].inboundWindow = 2

	payload := marshalChannelExtendedData(s.channels[id].localID, 1, []byte("abc"))
	err = s.handleChannelExtendedData(payload)
	require.Error(t, err)
}
