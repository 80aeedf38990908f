package session

import "github.com/anveio/mana/lib/sessionerr"

// openChannel allocates a local channel ID and queues
// SSH_MSG_CHANNEL_OPEN per the SSH connection protocol, RFC 4254 §5.1.
func (s *Session) openChannel(chanType string, initialWindow, maxPacket uint32) (uint32, error) {
	if initialWindow == 0 {
		initialWindow = s.config.Channels.InitialWindowSize
	}
	if maxPacket == 0 {
		maxPacket = s.config.Channels.MaxPacketSize
	}
	if s.config.Channels.MaxConcurrent > 0 && len(s.channels) >= s.config.Channels.MaxConcurrent {
		return 0, sessionerr.Protocol("session: channel policy limit of %d concurrent channels reached", s.config.Channels.MaxConcurrent)
	}

	id := s.nextChannelID
	s.nextChannelID++
	ch := &channel{
		localID:          id,
		chanType:         chanType,
		status:           ChannelOpening,
		inboundWindow:    initialWindow,
		maxInboundPacket: maxPacket,
	}
	s.channels[id] = ch

	msg := &channelOpenMsg{
		ChanType:          chanType,
		SenderChannel:     id,
		InitialWindowSize: initialWindow,
		MaxPacketSize:     maxPacket,
	}
	if err := s.queueEncryptedOutbound(msg.marshal()); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Session) lookupChannel(id uint32) (*channel, error) {
	ch, ok := s.channels[id]
	if !ok {
		return nil, sessionerr.Protocol("session: unknown channel %d", id)
	}
	return ch, nil
}

func (s *Session) handleChannelOpenConfirmation(payload []byte) error {
	m, err := decodeChannelOpenConfirmation(payload)
	if err != nil {
		return err
	}
	ch, err := s.lookupChannel(m.RecipientChannel)
	if err != nil {
		return err
	}
	ch.remoteID = m.SenderChannel
	ch.hasRemoteID = true
	ch.outboundWindow = m.InitialWindowSize
	ch.maxOutboundPacket = m.MaxPacketSize
	ch.hasMaxOutbound = true
	ch.status = ChannelOpen
	if s.phase == PhaseAuthenticated {
		s.phase = PhaseConnected
	}
	s.emit(ChannelOpenEvent{ChannelID: ch.localID})
	return nil
}

func (s *Session) handleChannelOpenFailure(payload []byte) error {
	m, err := decodeChannelOpenFailure(payload)
	if err != nil {
		return err
	}
	ch, err := s.lookupChannel(m.RecipientChannel)
	if err != nil {
		return err
	}
	ch.status = ChannelClosed
	delete(s.channels, ch.localID)
	s.emit(WarningEvent{
		Code:    WarnChannelOpenFailed,
		Message: m.Description,
		Detail:  m.ReasonCode,
	})
	return nil
}

// sendChannelData queues SSH_MSG_CHANNEL_DATA, enforcing the outbound
// window and max-packet-size constraints.
func (s *Session) sendChannelData(id uint32, data []byte) error {
	ch, err := s.lookupChannel(id)
	if err != nil {
		return err
	}
	if ch.status != ChannelOpen {
		return sessionerr.Protocol("session: channel %d is not open", id)
	}
	if ch.hasMaxOutbound && uint32(len(data)) > ch.maxOutboundPacket {
		return sessionerr.Protocol("session: channel %d payload of %d bytes exceeds max packet size %d", id, len(data), ch.maxOutboundPacket)
	}
	if uint32(len(data)) > ch.outboundWindow {
		return sessionerr.Protocol("session: channel %d payload of %d bytes exceeds remaining window %d", id, len(data), ch.outboundWindow)
	}
	ch.outboundWindow -= uint32(len(data))
	msg := &channelDataMsg{RecipientChannel: ch.remoteID, Data: data}
	return s.queueEncryptedOutbound(msg.marshal())
}

func (s *Session) handleChannelWindowAdjust(payload []byte) error {
	m, err := decodeChannelWindowAdjust(payload)
	if err != nil {
		return err
	}
	ch, err := s.lookupChannel(m.RecipientChannel)
	if err != nil {
		return err
	}
	ch.outboundWindow += m.BytesToAdd
	s.emit(ChannelWindowAdjustEvent{ChannelID: ch.localID, Delta: m.BytesToAdd})
	return nil
}

// adjustInboundWindow grants the peer more inbound window; callers
// typically invoke this after draining received data.
func (s *Session) adjustInboundWindow(id uint32, delta uint32) error {
	ch, err := s.lookupChannel(id)
	if err != nil {
		return err
	}
	ch.inboundWindow += delta
	msg := &channelWindowAdjustMsg{RecipientChannel: ch.remoteID, BytesToAdd: delta}
	return s.queueEncryptedOutbound(msg.marshal())
}

func (s *Session) handleChannelData(payload []byte) error {
	m, err := decodeChannelData(payload)
	if err != nil {
		return err
	}
	ch, err := s.lookupChannel(m.RecipientChannel)
	if err != nil {
		return err
	}
	if uint32(len(m.Data)) > ch.inboundWindow {
		return sessionerr.Protocol("session: channel %d received %d bytes exceeding inbound window %d", ch.localID, len(m.Data), ch.inboundWindow)
	}
	ch.inboundWindow -= uint32(len(m.Data))
	s.emit(ChannelDataEvent{ChannelID: ch.localID, Data: m.Data})
	return nil
}

// handleChannelExtendedData accounts for SSH_MSG_CHANNEL_EXTENDED_DATA
// against the inbound window and reports it as a diagnostic warning;
// it is never surfaced as a ChannelDataEvent.
func (s *Session) handleChannelExtendedData(payload []byte) error {
	m, err := decodeChannelExtendedData(payload)
	if err != nil {
		return err
	}
	ch, err := s.lookupChannel(m.RecipientChannel)
	if err != nil {
		return err
	}
	if uint32(len(m.Data)) > ch.inboundWindow {
		return sessionerr.Protocol("session: channel %d received %d extended-data bytes exceeding inbound window %d", ch.localID, len(m.Data), ch.inboundWindow)
	}
	ch.inboundWindow -= uint32(len(m.Data))
	s.emit(WarningEvent{Code: WarnExtendedDataSeen, Message: "extended data received", Detail: m.DataTypeCode})
	return nil
}

func (s *Session) handleChannelEOF(payload []byte) error {
	m, err := decodeChannelEOF(payload)
	if err != nil {
		return err
	}
	ch, err := s.lookupChannel(m.RecipientChannel)
	if err != nil {
		return err
	}
	ch.remoteEOF = true
	s.emit(ChannelEOFEvent{ChannelID: ch.localID})
	return nil
}

func (s *Session) handleChannelClose(payload []byte) error {
	m, err := decodeChannelClose(payload)
	if err != nil {
		return err
	}
	ch, err := s.lookupChannel(m.RecipientChannel)
	if err != nil {
		return err
	}
	if ch.status != ChannelClosing {
		// Peer-initiated close: echo SSH_MSG_CHANNEL_CLOSE back, RFC 4254 §5.3.
		if err := s.queueEncryptedOutbound(marshalChannelClose(ch.remoteID)); err != nil {
			return err
		}
	}
	ch.status = ChannelClosed
	delete(s.channels, ch.localID)
	s.emit(ChannelCloseEvent{ChannelID: ch.localID, ExitStatus: ch.exitStatus})
	return nil
}

// closeChannel begins a local close.
func (s *Session) closeChannel(id uint32) error {
	ch, err := s.lookupChannel(id)
	if err != nil {
		return err
	}
	ch.status = ChannelClosing
	return s.queueEncryptedOutbound(marshalChannelClose(ch.remoteID))
}

func (s *Session) sendChannelEOF(id uint32) error {
	ch, err := s.lookupChannel(id)
	if err != nil {
		return err
	}
	return s.queueEncryptedOutbound(marshalChannelEOF(ch.remoteID))
}

func (s *Session) handleChannelRequest(payload []byte) error {
	m, err := decodeChannelRequest(payload)
	if err != nil {
		return err
	}
	ch, err := s.lookupChannel(m.RecipientChannel)
	if err != nil {
		return err
	}
	switch m.RequestType {
	case "exit-status":
		code, err := readUint32Field(m.TypeSpecificData)
		if err != nil {
			return err
		}
		ch.exitStatus = &code
		s.emit(ChannelExitStatusEvent{ChannelID: ch.localID, Code: code})
	case "exit-signal":
		sig, coreDumped, msg, lang, err := decodeExitSignal(m.TypeSpecificData)
		if err != nil {
			return err
		}
		s.emit(ChannelExitSignalEvent{ChannelID: ch.localID, Signal: sig, CoreDumped: coreDumped, Message: msg, LanguageTag: lang})
	default:
		s.emit(WarningEvent{Code: WarnUnhandledGlobalReq, Message: "unhandled channel request: " + m.RequestType})
		if m.WantReply {
			return s.queueEncryptedOutbound((&channelFailureMsg{RecipientChannel: ch.remoteID}).marshalFailure())
		}
	}
	return nil
}

// requestChannel sends a channel request (pty-req, shell, or exec),
// recording it in the channel's FIFO reply queue when a reply is
// wanted.
func (s *Session) requestChannel(intent RequestChannelIntent) error {
	ch, err := s.lookupChannel(intent.ChannelID)
	if err != nil {
		return err
	}
	var raw []byte
	switch intent.Kind {
	case RequestPTY:
		raw = marshalPTYRequest(ch.remoteID, intent.Term, intent.Cols, intent.Rows, intent.WidthPx, intent.HeightPx, intent.Modes, intent.WantReply)
	case RequestShell:
		raw = marshalShellRequest(ch.remoteID, intent.WantReply)
	case RequestExec:
		raw = marshalExecRequest(ch.remoteID, intent.Command, intent.WantReply)
	default:
		return sessionerr.NotImplemented("session: channel request kind %q not implemented", intent.Kind)
	}
	if intent.WantReply {
		ch.pendingRequests = append(ch.pendingRequests, pendingChannelRequest{requestType: string(intent.Kind)})
	}
	return s.queueEncryptedOutbound(raw)
}

func (s *Session) handleChannelSuccess(payload []byte) error {
	m, err := decodeChannelSuccess(payload)
	if err != nil {
		return err
	}
	return s.popPendingChannelRequest(m.RecipientChannel, true)
}

func (s *Session) handleChannelFailure(payload []byte) error {
	m, err := decodeChannelFailure(payload)
	if err != nil {
		return err
	}
	return s.popPendingChannelRequest(m.RecipientChannel, false)
}

func (s *Session) popPendingChannelRequest(localID uint32, success bool) error {
	ch, err := s.lookupChannel(localID)
	if err != nil {
		return err
	}
	if len(ch.pendingRequests) == 0 {
		return sessionerr.Protocol("session: channel %d received reply with no pending request", localID)
	}
	req := ch.pendingRequests[0]
	ch.pendingRequests = ch.pendingRequests[1:]
	s.emit(ChannelRequestEvent{ChannelID: ch.localID, RequestType: req.requestType, Success: success})
	return nil
}

func (s *Session) handleGlobalRequest(payload []byte) error {
	m, err := decodeGlobalRequest(payload)
	if err != nil {
		return err
	}
	s.emit(GlobalRequestEvent{RequestName: m.RequestName, WantReply: m.WantReply})
	if m.WantReply {
		return s.queueEncryptedOutbound(marshalRequestFailure())
	}
	return nil
}
