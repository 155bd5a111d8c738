package forwarder

import "github.com/flexvdi/conn-forward/internal/wire"

// HandleMessage decodes one inbound control message and routes it per
// spec §4.4. LISTEN, SHUTDOWN, and CONNECT are this side's own outbound
// messages and never arrive here; the dispatcher logs and drops them if
// the host's transport somehow delivers one anyway.
func (f *Forwarder) HandleMessage(cmd wire.Command, payload []byte) {
	switch cmd {
	case wire.CommandAccepted:
		f.handleAccepted(payload)
	case wire.CommandData:
		f.handleDataMsg(payload)
	case wire.CommandClose:
		f.handleCloseMsg(payload)
	case wire.CommandAck:
		f.handleAckMsg(payload)
	default:
		f.logger.Warn("unexpected inbound command", "cmd", cmd)
	}
}

// handleAccepted implements the ACCEPTED row of the dispatch table: an
// unknown listenId or an id already allocated locally gets an outbound
// CLOSE without ever entering the connections table; a colliding id that
// is already in the table is replaced by the new connection and the prior
// one is then closed without notify (agent bug), matching the error table's
// "Duplicate connection id on ACCEPTED" row.
func (f *Forwarder) handleAccepted(payload []byte) {
	msg, err := wire.DecodeAccepted(payload)
	if err != nil {
		f.logger.Warn("malformed ACCEPTED", "err", err)
		return
	}

	f.mu.Lock()
	assoc, ok := f.associations[uint16(msg.ListenID)]
	if !ok {
		f.mu.Unlock()
		f.logger.Warn("ACCEPTED for unknown association", "listenId", msg.ListenID, "id", msg.ID)
		f.send(wire.CommandClose, wire.Close{ID: msg.ID}.Encode())
		return
	}

	if f.ids.isOwn(msg.ID) {
		f.mu.Unlock()
		f.logger.Warn("ACCEPTED id collides with a locally allocated id", "id", msg.ID)
		f.send(wire.CommandClose, wire.Close{ID: msg.ID}.Encode())
		return
	}

	dup := f.conns[msg.ID]
	c := newConnection(f, msg.ID, nil)
	c.ackInterval = ackInterval(msg.WinSize)
	f.conns[msg.ID] = c
	f.mu.Unlock()

	if dup != nil {
		f.logger.Warn("duplicate connection id on ACCEPTED, closing prior connection", "id", msg.ID)
		dup.close(false)
	}

	go c.dial(assoc.target)
}

func (f *Forwarder) handleDataMsg(payload []byte) {
	msg, err := wire.DecodeData(payload)
	if err != nil {
		f.logger.Debug("malformed DATA", "err", err)
		return
	}
	f.mu.Lock()
	c, ok := f.conns[msg.ID]
	f.mu.Unlock()
	if !ok {
		f.logUnknownID("DATA", msg.ID)
		return
	}
	c.handleData(msg.Payload)
}

// logUnknownID distinguishes a straggler for a connection this side just
// tore down (expected, logged quietly) from an id this side never knew
// about at all (worth a louder log, since it suggests a peer bug or a
// desync between the two sides' connection tables).
func (f *Forwarder) logUnknownID(what string, id uint32) {
	if reason, ok := f.wasRecentlyClosed(id); ok {
		f.logger.Debug(what+" for a recently closed id, dropping", "id", id, "closed_because", reason)
		return
	}
	f.logger.Warn(what+" for an id this side has never allocated or accepted, dropping", "id", id)
}

func (f *Forwarder) handleCloseMsg(payload []byte) {
	msg, err := wire.DecodeClose(payload)
	if err != nil {
		f.logger.Debug("malformed CLOSE", "err", err)
		return
	}
	f.mu.Lock()
	c, ok := f.conns[msg.ID]
	f.mu.Unlock()
	if !ok {
		if _, recent := f.wasRecentlyClosed(msg.ID); !recent {
			f.logger.Debug("CLOSE for an id this side has never allocated or accepted", "id", msg.ID)
		}
		return
	}
	c.close(false)
}

func (f *Forwarder) handleAckMsg(payload []byte) {
	msg, err := wire.DecodeAck(payload)
	if err != nil {
		f.logger.Debug("malformed ACK", "err", err)
		return
	}
	f.mu.Lock()
	c, ok := f.conns[msg.ID]
	f.mu.Unlock()
	if !ok {
		f.logUnknownID("ACK", msg.ID)
		return
	}
	c.handleAck(msg.Size, msg.WinSize)
}
