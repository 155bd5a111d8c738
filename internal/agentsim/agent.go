// Package agentsim is a minimal stand-in for the guest agent side of the
// forwarding protocol: the peer that actually owns the listen sockets
// LISTEN asks it to open and the outbound sockets CONNECT asks it to
// dial. A real deployment's guest agent is a separate, non-Go process;
// this package exists only so cmd/forwarderd's demo can drive a
// complete LISTEN/CONNECT/ACCEPTED/DATA/CLOSE/ACK round trip against a
// real TCP target without a second binary.
package agentsim

import (
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/flexvdi/conn-forward/internal/wire"
)

// SendFunc delivers one outbound message back to the client side of the
// agent channel.
type SendFunc func(cmd wire.Command, payload []byte)

// Agent is the guest-agent-side reactor: it never initiates LISTEN or
// CONNECT itself, only reacts to them.
type Agent struct {
	send       SendFunc
	logger     *slog.Logger
	windowSize uint32

	mu        sync.Mutex
	listeners map[uint32]net.Listener
	conns     map[uint32]*agentConn
	nextID    uint32
}

// New constructs an Agent. windowSize is this side's own flow-control
// window, advertised in every ACCEPTED and initial ACK.
func New(send SendFunc, windowSize uint32) *Agent {
	return &Agent{
		send:       send,
		logger:     slog.Default().With("component", "agentsim"),
		windowSize: windowSize,
		listeners:  make(map[uint32]net.Listener),
		conns:      make(map[uint32]*agentConn),
	}
}

// HandleMessage reacts to one message sent by the client side.
func (a *Agent) HandleMessage(cmd wire.Command, payload []byte) {
	switch cmd {
	case wire.CommandListen:
		a.handleListen(payload)
	case wire.CommandShutdown:
		a.handleShutdown(payload)
	case wire.CommandConnect:
		a.handleConnect(payload)
	case wire.CommandData:
		a.handleData(payload)
	case wire.CommandClose:
		a.handleClose(payload)
	case wire.CommandAck:
		a.handleAck(payload)
	default:
		a.logger.Warn("unexpected message on the agent side", "cmd", cmd)
	}
}

func (a *Agent) handleListen(payload []byte) {
	msg, err := wire.DecodeListen(payload)
	if err != nil {
		a.logger.Warn("malformed LISTEN", "err", err)
		return
	}
	addr := msg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(addr, portString(msg.Port)))
	if err != nil {
		a.logger.Warn("LISTEN bind failed", "addr", addr, "port", msg.Port, "err", err)
		return
	}

	a.mu.Lock()
	if old, ok := a.listeners[msg.ID]; ok {
		old.Close()
	}
	a.listeners[msg.ID] = ln
	a.mu.Unlock()

	go a.acceptLoop(msg.ID, ln)
}

func (a *Agent) acceptLoop(listenID uint32, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		a.mu.Lock()
		a.nextID++
		id := a.nextID
		c := newAgentConn(a, id, conn)
		a.conns[id] = c
		a.mu.Unlock()

		c.state = agentStateOpen
		c.start()
		a.send(wire.CommandAccepted, wire.Accepted{ID: id, ListenID: listenID, WinSize: a.windowSize}.Encode())
	}
}

func (a *Agent) handleShutdown(payload []byte) {
	msg, err := wire.DecodeShutdown(payload)
	if err != nil {
		a.logger.Warn("malformed SHUTDOWN", "err", err)
		return
	}
	a.mu.Lock()
	ln, ok := a.listeners[msg.ListenID]
	delete(a.listeners, msg.ListenID)
	a.mu.Unlock()
	if ok {
		ln.Close()
	}
}

func (a *Agent) handleConnect(payload []byte) {
	msg, err := wire.DecodeConnect(payload)
	if err != nil {
		a.logger.Warn("malformed CONNECT", "err", err)
		return
	}

	a.mu.Lock()
	c := newAgentConn(a, msg.ID, nil)
	c.ackInterval = msg.WinSize / 2
	a.conns[msg.ID] = c
	a.mu.Unlock()

	conn, err := net.Dial("tcp", net.JoinHostPort(msg.Address, portString(msg.Port)))
	if err != nil {
		a.logger.Debug("CONNECT dial failed", "id", msg.ID, "err", err)
		a.mu.Lock()
		delete(a.conns, msg.ID)
		a.mu.Unlock()
		a.send(wire.CommandClose, wire.Close{ID: msg.ID}.Encode())
		return
	}

	a.mu.Lock()
	c.conn = conn
	c.state = agentStateOpen
	a.mu.Unlock()
	a.send(wire.CommandAck, wire.Ack{ID: msg.ID, Size: 0, WinSize: a.windowSize}.Encode())
	c.start()
}

func (a *Agent) handleData(payload []byte) {
	msg, err := wire.DecodeData(payload)
	if err != nil {
		a.logger.Debug("malformed DATA", "err", err)
		return
	}
	a.mu.Lock()
	c, ok := a.conns[msg.ID]
	a.mu.Unlock()
	if !ok {
		return
	}
	c.handleData(msg.Payload)
}

func (a *Agent) handleClose(payload []byte) {
	msg, err := wire.DecodeClose(payload)
	if err != nil {
		a.logger.Debug("malformed CLOSE", "err", err)
		return
	}
	a.mu.Lock()
	c, ok := a.conns[msg.ID]
	a.mu.Unlock()
	if !ok {
		return
	}
	c.close(false)
}

func (a *Agent) handleAck(payload []byte) {
	msg, err := wire.DecodeAck(payload)
	if err != nil {
		a.logger.Debug("malformed ACK", "err", err)
		return
	}
	a.mu.Lock()
	c, ok := a.conns[msg.ID]
	a.mu.Unlock()
	if !ok {
		return
	}
	c.handleAck(msg.Size)
}

// Close tears down every listener and connection this agent owns.
func (a *Agent) Close() {
	a.mu.Lock()
	listeners := a.listeners
	conns := a.conns
	a.listeners = make(map[uint32]net.Listener)
	a.conns = make(map[uint32]*agentConn)
	a.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	for _, c := range conns {
		c.close(false)
	}
}

func (a *Agent) removeConn(id uint32, c *agentConn) {
	a.mu.Lock()
	if a.conns[id] == c {
		delete(a.conns, id)
	}
	a.mu.Unlock()
}

func portString(port uint16) string {
	return strconv.FormatUint(uint64(port), 10)
}
