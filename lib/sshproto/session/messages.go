package session

import (
	"math/big"

	"github.com/anveio/mana/lib/sshproto/wire"
)

// kexInitMsg is SSH_MSG_KEXINIT (RFC 4253 §7.1): a cookie followed by
// ten algorithm name-lists, the first_kex_packet_follows boolean and a
// reserved uint32.
type kexInitMsg struct {
	Cookie                  [16]byte
	KexAlgos                []string
	ServerHostKeyAlgos      []string
	CiphersClientServer     []string
	CiphersServerClient     []string
	MACsClientServer        []string
	MACsServerClient        []string
	CompressionClientServer []string
	CompressionServerClient []string
	LanguagesClientServer   []string
	LanguagesServerClient   []string
	FirstKexPacketFollows   bool
}

func (m *kexInitMsg) marshal() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgKexInit)
	w.WriteBytes(m.Cookie[:])
	w.WriteNameList(m.KexAlgos)
	w.WriteNameList(m.ServerHostKeyAlgos)
	w.WriteNameList(m.CiphersClientServer)
	w.WriteNameList(m.CiphersServerClient)
	w.WriteNameList(m.MACsClientServer)
	w.WriteNameList(m.MACsServerClient)
	w.WriteNameList(m.CompressionClientServer)
	w.WriteNameList(m.CompressionServerClient)
	w.WriteNameList(m.LanguagesClientServer)
	w.WriteNameList(m.LanguagesServerClient)
	w.WriteBoolean(m.FirstKexPacketFollows)
	w.WriteUint32(0) // reserved
	return w.Bytes()
}

func decodeKexInit(payload []byte) (*kexInitMsg, error) {
	r := wire.NewReader(payload)
	if _, err := r.ReadUint8(); err != nil { // msg type, already dispatched on
		return nil, err
	}
	cookie, err := r.ReadBytes(16)
	if err != nil {
		return nil, err
	}
	m := &kexInitMsg{}
	copy(m.Cookie[:], cookie)

	fields := []*[]string{
		&m.KexAlgos, &m.ServerHostKeyAlgos,
		&m.CiphersClientServer, &m.CiphersServerClient,
		&m.MACsClientServer, &m.MACsServerClient,
		&m.CompressionClientServer, &m.CompressionServerClient,
		&m.LanguagesClientServer, &m.LanguagesServerClient,
	}
	for _, f := range fields {
		list, err := r.ReadNameList()
		if err != nil {
			return nil, err
		}
		*f = list
	}
	follows, err := r.ReadBoolean()
	if err != nil {
		return nil, err
	}
	m.FirstKexPacketFollows = follows
	if _, err := r.ReadUint32(); err != nil { // reserved
		return nil, err
	}
	return m, nil
}

// kexECDHInitMsg is SSH_MSG_KEX_ECDH_INIT (curve25519-sha256) carrying
// the client's 32-byte public key as a length-prefixed string.
type kexECDHInitMsg struct {
	ClientPublic []byte
}

func (m *kexECDHInitMsg) marshal() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgKexDHInit)
	w.WriteStringBytes(m.ClientPublic)
	return w.Bytes()
}

func decodeKexECDHInit(payload []byte) (*kexECDHInitMsg, error) {
	r := wire.NewReader(payload)
	if _, err := r.ReadUint8(); err != nil {
		return nil, err
	}
	pub, err := readStringField(r)
	if err != nil {
		return nil, err
	}
	return &kexECDHInitMsg{ClientPublic: pub}, nil
}

// kexECDHReplyMsg is SSH_MSG_KEX_ECDH_REPLY / SSH_MSG_KEXDH_REPLY: host
// key blob, server public value (string for curve25519, mpint for
// group14), and signature blob.
type kexECDHReplyMsg struct {
	HostKeyBlob   []byte
	ServerPublic  []byte // curve25519: raw 32 bytes
	SignatureBlob []byte
}

func (m *kexECDHReplyMsg) marshal() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgKexDHReply)
	w.WriteStringBytes(m.HostKeyBlob)
	w.WriteStringBytes(m.ServerPublic)
	w.WriteStringBytes(m.SignatureBlob)
	return w.Bytes()
}

func decodeKexECDHReply(payload []byte) (*kexECDHReplyMsg, error) {
	r := wire.NewReader(payload)
	if _, err := r.ReadUint8(); err != nil {
		return nil, err
	}
	hostKey, err := readStringField(r)
	if err != nil {
		return nil, err
	}
	serverPub, err := readStringField(r)
	if err != nil {
		return nil, err
	}
	sig, err := readStringField(r)
	if err != nil {
		return nil, err
	}
	return &kexECDHReplyMsg{HostKeyBlob: hostKey, ServerPublic: serverPub, SignatureBlob: sig}, nil
}

// kexDHInitMsg is SSH_MSG_KEXDH_INIT (diffie-hellman-group14-sha256)
// carrying the client's public value as an mpint.
type kexDHInitMsg struct {
	ClientPublic *big.Int
}

func (m *kexDHInitMsg) marshal() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgKexDHInit)
	w.WriteMpint(m.ClientPublic)
	return w.Bytes()
}

// kexDHReplyMsg mirrors kexECDHReplyMsg but with an mpint server
// public value, used for diffie-hellman-group14-sha256.
type kexDHReplyMsg struct {
	HostKeyBlob   []byte
	ServerPublic  *big.Int
	SignatureBlob []byte
}

func decodeKexDHReply(payload []byte) (*kexDHReplyMsg, error) {
	r := wire.NewReader(payload)
	if _, err := r.ReadUint8(); err != nil {
		return nil, err
	}
	hostKey, err := readStringField(r)
	if err != nil {
		return nil, err
	}
	y, err := r.ReadMpint()
	if err != nil {
		return nil, err
	}
	sig, err := readStringField(r)
	if err != nil {
		return nil, err
	}
	return &kexDHReplyMsg{HostKeyBlob: hostKey, ServerPublic: y, SignatureBlob: sig}, nil
}

func readStringField(r *wire.Reader) ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	return r.ReadBytes(int(n))
}

// hostKeyBlob is the (algorithm, rawKey) pair carried inside a host
// key or signature blob, RFC 4253 §6.6.
type hostKeyBlob struct {
	Algorithm string
	Raw       []byte
}

// decodeAlgoAndBlob parses a host-key or signature blob per RFC 4253
// §6.6 / RFC 8709: a string algorithm name followed by a single
// string field holding the key or signature material itself.
func decodeAlgoAndBlob(blob []byte) (hostKeyBlob, error) {
	r := wire.NewReader(blob)
	algo, err := r.ReadString()
	if err != nil {
		return hostKeyBlob{}, err
	}
	raw, err := readStringField(r)
	if err != nil {
		return hostKeyBlob{}, err
	}
	return hostKeyBlob{Algorithm: algo, Raw: raw}, nil
}

func marshalEd25519PublicKeyBlob(raw []byte) []byte {
	w := wire.NewWriter()
	w.WriteString("ssh-ed25519")
	w.WriteStringBytes(raw)
	return w.Bytes()
}

func marshalEd25519SignatureBlob(sig []byte) []byte {
	w := wire.NewWriter()
	w.WriteString("ssh-ed25519")
	w.WriteStringBytes(sig)
	return w.Bytes()
}

// --- Connection protocol messages (RFC 4254) ---

type channelOpenMsg struct {
	ChanType          string
	SenderChannel     uint32
	InitialWindowSize uint32
	MaxPacketSize     uint32
}

func (m *channelOpenMsg) marshal() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgChannelOpen)
	w.WriteString(m.ChanType)
	w.WriteUint32(m.SenderChannel)
	w.WriteUint32(m.InitialWindowSize)
	w.WriteUint32(m.MaxPacketSize)
	return w.Bytes()
}

type channelOpenConfirmationMsg struct {
	RecipientChannel  uint32
	SenderChannel     uint32
	InitialWindowSize uint32
	MaxPacketSize     uint32
}

// marshal is defined for channelOpenConfirmationMsg even though this
// engine only ever receives one (never a server) so that tests can
// build a well-formed fixture without hand-rolling the wire format.
func (m *channelOpenConfirmationMsg) marshal() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgChannelOpenConfirmation)
	w.WriteUint32(m.RecipientChannel)
	w.WriteUint32(m.SenderChannel)
	w.WriteUint32(m.InitialWindowSize)
	w.WriteUint32(m.MaxPacketSize)
	return w.Bytes()
}

func decodeChannelOpenConfirmation(payload []byte) (*channelOpenConfirmationMsg, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	m := &channelOpenConfirmationMsg{}
	var err error
	if m.RecipientChannel, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.SenderChannel, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.InitialWindowSize, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.MaxPacketSize, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	return m, nil
}

type channelOpenFailureMsg struct {
	RecipientChannel uint32
	ReasonCode       uint32
	Description      string
	Language         string
}

func decodeChannelOpenFailure(payload []byte) (*channelOpenFailureMsg, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	m := &channelOpenFailureMsg{}
	var err error
	if m.RecipientChannel, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.ReasonCode, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.Description, err = r.ReadString(); err != nil {
		return nil, err
	}
	if m.Language, err = r.ReadString(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *channelOpenFailureMsg) marshal() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgChannelOpenFailure)
	w.WriteUint32(m.RecipientChannel)
	w.WriteUint32(m.ReasonCode)
	w.WriteString(m.Description)
	w.WriteString(m.Language)
	return w.Bytes()
}

type channelWindowAdjustMsg struct {
	RecipientChannel uint32
	BytesToAdd       uint32
}

func (m *channelWindowAdjustMsg) marshal() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgChannelWindowAdjust)
	w.WriteUint32(m.RecipientChannel)
	w.WriteUint32(m.BytesToAdd)
	return w.Bytes()
}

func decodeChannelWindowAdjust(payload []byte) (*channelWindowAdjustMsg, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	m := &channelWindowAdjustMsg{}
	var err error
	if m.RecipientChannel, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.BytesToAdd, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	return m, nil
}

type channelDataMsg struct {
	RecipientChannel uint32
	Data             []byte
}

func (m *channelDataMsg) marshal() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgChannelData)
	w.WriteUint32(m.RecipientChannel)
	w.WriteStringBytes(m.Data)
	return w.Bytes()
}

func decodeChannelData(payload []byte) (*channelDataMsg, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	recip, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	data, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &channelDataMsg{RecipientChannel: recip, Data: []byte(data)}, nil
}

type channelExtendedDataMsg struct {
	RecipientChannel uint32
	DataTypeCode     uint32
	Data             []byte
}

func decodeChannelExtendedData(payload []byte) (*channelExtendedDataMsg, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	m := &channelExtendedDataMsg{}
	var err error
	if m.RecipientChannel, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.DataTypeCode, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	data, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	m.Data = []byte(data)
	return m, nil
}

type channelEOFMsg struct{ RecipientChannel uint32 }

func decodeChannelEOF(payload []byte) (*channelEOFMsg, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	recip, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	return &channelEOFMsg{RecipientChannel: recip}, nil
}

func marshalChannelEOF(channel uint32) []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgChannelEOF)
	w.WriteUint32(channel)
	return w.Bytes()
}

type channelCloseMsg struct{ RecipientChannel uint32 }

func decodeChannelClose(payload []byte) (*channelCloseMsg, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	recip, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	return &channelCloseMsg{RecipientChannel: recip}, nil
}

func marshalChannelClose(channel uint32) []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgChannelClose)
	w.WriteUint32(channel)
	return w.Bytes()
}

type channelRequestMsg struct {
	RecipientChannel uint32
	RequestType      string
	WantReply        bool
	TypeSpecificData []byte
}

func (m *channelRequestMsg) marshal() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgChannelRequest)
	w.WriteUint32(m.RecipientChannel)
	w.WriteString(m.RequestType)
	w.WriteBoolean(m.WantReply)
	w.WriteBytes(m.TypeSpecificData)
	return w.Bytes()
}

func decodeChannelRequest(payload []byte) (*channelRequestMsg, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	m := &channelRequestMsg{}
	var err error
	if m.RecipientChannel, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.RequestType, err = r.ReadString(); err != nil {
		return nil, err
	}
	if m.WantReply, err = r.ReadBoolean(); err != nil {
		return nil, err
	}
	m.TypeSpecificData = r.ReadRemaining()
	return m, nil
}

func marshalPTYRequest(channel uint32, term string, cols, rows, widthPx, heightPx uint32, modes []byte, wantReply bool) []byte {
	body := wire.NewWriter()
	body.WriteString(term)
	body.WriteUint32(cols)
	body.WriteUint32(rows)
	body.WriteUint32(widthPx)
	body.WriteUint32(heightPx)
	body.WriteStringBytes(modes)
	msg := &channelRequestMsg{RecipientChannel: channel, RequestType: "pty-req", WantReply: wantReply, TypeSpecificData: body.Bytes()}
	return msg.marshal()
}

func marshalShellRequest(channel uint32, wantReply bool) []byte {
	msg := &channelRequestMsg{RecipientChannel: channel, RequestType: "shell", WantReply: wantReply}
	return msg.marshal()
}

func marshalExecRequest(channel uint32, command string, wantReply bool) []byte {
	body := wire.NewWriter()
	body.WriteString(command)
	msg := &channelRequestMsg{RecipientChannel: channel, RequestType: "exec", WantReply: wantReply, TypeSpecificData: body.Bytes()}
	return msg.marshal()
}

type channelSuccessMsg struct{ RecipientChannel uint32 }

func (m *channelSuccessMsg) marshalSuccess() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgChannelSuccess)
	w.WriteUint32(m.RecipientChannel)
	return w.Bytes()
}

func decodeChannelSuccess(payload []byte) (*channelSuccessMsg, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	recip, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	return &channelSuccessMsg{RecipientChannel: recip}, nil
}

type channelFailureMsg struct{ RecipientChannel uint32 }

func decodeChannelFailure(payload []byte) (*channelFailureMsg, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	recip, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	return &channelFailureMsg{RecipientChannel: recip}, nil
}

func (m *channelFailureMsg) marshalFailure() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgChannelFailure)
	w.WriteUint32(m.RecipientChannel)
	return w.Bytes()
}

// readUint32Field reads a single uint32 out of channel-request
// type-specific data, used by the "exit-status" request (RFC 4254 §6.10).
func readUint32Field(data []byte) (uint32, error) {
	r := wire.NewReader(data)
	return r.ReadUint32()
}

// decodeExitSignal parses the "exit-signal" channel request body,
// RFC 4254 §6.10.
func decodeExitSignal(data []byte) (signalName string, coreDumped bool, message, language string, err error) {
	r := wire.NewReader(data)
	if signalName, err = r.ReadString(); err != nil {
		return
	}
	if coreDumped, err = r.ReadBoolean(); err != nil {
		return
	}
	if message, err = r.ReadString(); err != nil {
		return
	}
	language, err = r.ReadString()
	return
}

type globalRequestMsg struct {
	RequestName      string
	WantReply        bool
	TypeSpecificData []byte
}

func decodeGlobalRequest(payload []byte) (*globalRequestMsg, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	m := &globalRequestMsg{}
	var err error
	if m.RequestName, err = r.ReadString(); err != nil {
		return nil, err
	}
	if m.WantReply, err = r.ReadBoolean(); err != nil {
		return nil, err
	}
	m.TypeSpecificData = r.ReadRemaining()
	return m, nil
}

func marshalRequestFailure() []byte { return []byte{msgRequestFailure} }

type disconnectMsg struct {
	ReasonCode  uint32
	Description string
	Language    string
}

func decodeDisconnect(payload []byte) (*disconnectMsg, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	m := &disconnectMsg{}
	var err error
	if m.ReasonCode, err = r.ReadUint32(); err != nil {
		return nil, err
	}
	if m.Description, err = r.ReadString(); err != nil {
		return nil, err
	}
	if m.Language, err = r.ReadString(); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalDisconnect(code uint32, description string) []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgDisconnect)
	w.WriteUint32(code)
	w.WriteString(description)
	w.WriteString("en")
	return w.Bytes()
}

func marshalServiceRequest(name string) []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgServiceRequest)
	w.WriteString(name)
	return w.Bytes()
}

func decodeServiceAccept(payload []byte) (string, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	return r.ReadString()
}

// userAuthRequestPublicKeyMsg is SSH_MSG_USERAUTH_REQUEST for the
// "publickey" method with a real signature attached (RFC 4252 §7).
type userAuthRequestPublicKeyMsg struct {
	User      string
	Service   string
	Algorithm string
	PublicKey []byte
	Signature []byte
}

func (m *userAuthRequestPublicKeyMsg) marshal() []byte {
	w := wire.NewWriter()
	w.WriteUint8(msgUserAuthRequest)
	w.WriteString(m.User)
	w.WriteString(m.Service)
	w.WriteString("publickey")
	w.WriteBoolean(true) // signature included
	w.WriteString(m.Algorithm)
	w.WriteStringBytes(m.PublicKey)
	w.WriteStringBytes(m.Signature)
	return w.Bytes()
}

func decodeUserAuthFailure(payload []byte) ([]string, bool, error) {
	r := wire.NewReader(payload)
	r.ReadUint8()
	methods, err := r.ReadNameList()
	if err != nil {
		return nil, false, err
	}
	partial, err := r.ReadBoolean()
	if err != nil {
		return nil, false, err
	}
	return methods, partial, nil
}

func buildAuthSignaturePayload(sessionID []byte, user, service, algorithm string, publicKey []byte) []byte {
	w := wire.NewWriter()
	w.WriteStringBytes(sessionID)
	w.WriteUint8(msgUserAuthRequest)
	w.WriteString(user)
	w.WriteString(service)
	w.WriteString("publickey")
	w.WriteBoolean(true)
	w.WriteString(algorithm)
	w.WriteStringBytes(publicKey)
	return w.Bytes()
}
