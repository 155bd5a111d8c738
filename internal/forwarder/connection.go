package forwarder

import (
	"context"
	"net"
	"sync"

	"github.com/flexvdi/conn-forward/internal/wire"
)

type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// connection is one multiplexed bidirectional stream. Its "refs" (spec.md
// §3/§4.3) are not a manual counter: the read-loop and write-loop
// goroutines are the references, and the connection is only eligible for
// collection once both have returned and removeConnection has dropped the
// map entry.
type connection struct {
	id  uint32
	fwd *Forwarder

	conn net.Conn // nil until a connect-initiated (ACCEPTED) stream dials out

	mu           sync.Mutex
	cond         *sync.Cond
	state        connState
	dataSent     uint32
	dataReceived uint32
	ackInterval  uint32
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc

	writeQueue chan []byte
	closeOnce  sync.Once
}

func newConnection(fwd *Forwarder, id uint32, conn net.Conn) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		id:         id,
		fwd:        fwd,
		conn:       conn,
		state:      stateConnecting,
		ctx:        ctx,
		cancel:     cancel,
		writeQueue: make(chan []byte, fwd.windowSize/uint32(fwd.bufferSize())+1),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// start begins the read and write loops. Call only after the connection's
// socket is known and its state has already been advanced to Open.
func (c *connection) start() {
	go c.readLoop()
	go c.writeLoop()
}

// dial performs the async-connect for an agent-initiated (ACCEPTED) stream.
// On success the connection transitions straight to Open and announces its
// receive window with an initial ACK, matching the connect-success branch
// of the state diagram (spec §4.3); on failure it closes with an outbound
// CLOSE, per the error table's "Async connect failure" row.
func (c *connection) dial(target Target) {
	conn, err := net.Dial("tcp", target.String())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	c.mu.Unlock()
	if err != nil {
		c.fwd.logger.Debug("connect-initiated dial failed", "id", c.id, "target", target, "err", err)
		c.close(true)
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.state = stateOpen
	c.mu.Unlock()

	c.fwd.send(wire.CommandAck, wire.Ack{ID: c.id, Size: 0, WinSize: c.fwd.windowSize}.Encode())
	c.start()
}

// handleAck applies an inbound ACK. On a Connecting connection this is the
// handshake completion for a locally-initiated (CONNECT-emitting) stream;
// on an Open connection it credits data_sent back per spec §4.3.
func (c *connection) handleAck(size, winSize uint32) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.state == stateConnecting {
		c.state = stateOpen
		c.ackInterval = ackInterval(winSize)
		c.mu.Unlock()
		c.start()
		return
	}
	if c.state != stateOpen {
		c.mu.Unlock()
		return
	}
	if size > c.dataSent {
		c.mu.Unlock()
		c.fwd.logger.Warn("ACK size exceeds data_sent, closing as protocol violation", "id", c.id, "size", size)
		c.close(true)
		return
	}
	was := c.dataSent
	c.dataSent -= size
	crossed := was >= c.fwd.windowSize && c.dataSent < c.fwd.windowSize
	c.mu.Unlock()
	if crossed {
		c.cond.Signal()
	}
}

// handleData appends an inbound DATA payload to the write queue. A
// Connecting connection rejects DATA outright (invariant 6); an unknown-id
// DATA never reaches here, since the dispatcher looks the id up first.
func (c *connection) handleData(payload []byte) {
	c.mu.Lock()
	if c.state != stateOpen {
		wasConnecting := c.state == stateConnecting
		c.mu.Unlock()
		if wasConnecting {
			c.fwd.logger.Warn("DATA while connecting, dropping", "id", c.id)
		}
		return
	}
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case c.writeQueue <- buf:
	case <-c.ctx.Done():
	}
}

// close is idempotent: entry removal and the outbound CLOSE (if any) happen
// exactly once regardless of how many close paths race to call it (local
// socket error, peer CLOSE, AgentDisconnected, or an explicit host Close).
// It returns the underlying socket's close error, if any, for Forwarder.Close
// to aggregate; repeat calls after the first always return nil.
func (c *connection) close(emitClose bool) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.state = stateClosing
		c.mu.Unlock()

		c.cancel()
		c.cond.Broadcast()
		close(c.writeQueue)
		if c.conn != nil {
			closeErr = c.conn.Close()
		}
		reason := "peer-initiated close"
		if emitClose {
			reason = "local teardown"
		}
		c.fwd.removeConnection(c, reason)

		if emitClose {
			c.fwd.send(wire.CommandClose, wire.Close{ID: c.id}.Encode())
		}
	})
	return closeErr
}

// readLoop is the outbound direction (socket -> peer): §4.3 "Outbound
// bytes". It arms a read only while data_sent is under the window, never
// reads more than the window has room for, and builds the DATA message in
// place in its own reusable buffer to avoid a copy, exactly as spec.md's
// buffer-reuse contract requires of the caller.
func (c *connection) readLoop() {
	buf := make([]byte, wire.DataHeadSize+c.fwd.bufferSize())
	for {
		c.mu.Lock()
		for c.dataSent >= c.fwd.windowSize && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		room := c.fwd.windowSize - c.dataSent
		c.mu.Unlock()

		chunk := buf[wire.DataHeadSize:]
		if uint32(len(chunk)) > room {
			chunk = chunk[:room]
		}
		n, err := c.conn.Read(chunk)
		if err != nil || n == 0 {
			c.close(true)
			return
		}

		wire.EncodeDataHeader(buf, c.id, uint32(n))
		c.fwd.send(wire.CommandData, buf[:wire.DataHeadSize+n])

		c.mu.Lock()
		c.dataSent += uint32(n)
		c.mu.Unlock()
	}
}

// writeLoop is the inbound direction (peer -> socket): §4.3 "Inbound
// bytes". It drains the write queue in FIFO order — Go's net.Conn.Write
// already loops until the full buffer lands or an error occurs, so there
// is no partial-write bookkeeping to carry from one iteration to the next.
func (c *connection) writeLoop() {
	for buf := range c.writeQueue {
		if _, err := c.conn.Write(buf); err != nil {
			c.close(true)
			return
		}

		c.mu.Lock()
		c.dataReceived += uint32(len(buf))
		var ackSize uint32
		emit := c.dataReceived >= c.ackInterval
		if emit {
			ackSize = c.dataReceived
			c.dataReceived = 0
		}
		winSize := c.fwd.windowSize
		c.mu.Unlock()

		if emit {
			c.fwd.send(wire.CommandAck, wire.Ack{ID: c.id, Size: ackSize, WinSize: winSize}.Encode())
		}
	}
}
