package agentsim

import (
	"context"
	"net"
	"sync"

	"github.com/flexvdi/conn-forward/internal/wire"
)

type agentState int32

const (
	agentStateConnecting agentState = iota
	agentStateOpen
)

const bufferSize = 32 * 1024

// agentConn mirrors forwarder.connection's flow-control bookkeeping for
// the agent side of one stream: same sliding-window discipline, same
// read/write goroutine pair, deliberately smaller since this side has only
// one Connecting->Open transition: an accepted agentConn is Open from the
// start, and a CONNECT-created one sits in the table as Connecting (no
// socket, DATA dropped) until its dial succeeds.
type agentConn struct {
	id uint32
	a  *Agent

	conn net.Conn

	mu           sync.Mutex
	cond         *sync.Cond
	state        agentState
	dataSent     uint32
	dataReceived uint32
	ackInterval  uint32
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc

	writeQueue chan []byte
	closeOnce  sync.Once
}

func newAgentConn(a *Agent, id uint32, conn net.Conn) *agentConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &agentConn{
		id: id, a: a, conn: conn, state: agentStateConnecting,
		ctx: ctx, cancel: cancel,
		ackInterval: a.windowSize / 2,
		writeQueue:  make(chan []byte, a.windowSize/bufferSize+1),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *agentConn) start() {
	go c.readLoop()
	go c.writeLoop()
}

func (c *agentConn) handleData(payload []byte) {
	c.mu.Lock()
	if c.state != agentStateOpen || c.closed {
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

func (c *agentConn) handleAck(size uint32) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if size > c.dataSent {
		c.mu.Unlock()
		c.a.logger.Warn("ACK size exceeds data_sent on agent side, closing", "id", c.id)
		c.close(true)
		return
	}
	was := c.dataSent
	c.dataSent -= size
	crossed := was >= c.a.windowSize && c.dataSent < c.a.windowSize
	c.mu.Unlock()
	if crossed {
		c.cond.Signal()
	}
}

func (c *agentConn) close(emitClose bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.cancel()
		c.cond.Broadcast()
		close(c.writeQueue)
		if c.conn != nil {
			c.conn.Close()
		}
		c.a.removeConn(c.id, c)
		if emitClose {
			c.a.send(wire.CommandClose, wire.Close{ID: c.id}.Encode())
		}
	})
}

func (c *agentConn) readLoop() {
	buf := make([]byte, wire.DataHeadSize+bufferSize)
	for {
		c.mu.Lock()
		for c.dataSent >= c.a.windowSize && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		room := c.a.windowSize - c.dataSent
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
		c.a.send(wire.CommandData, buf[:wire.DataHeadSize+n])
		c.mu.Lock()
		c.dataSent += uint32(n)
		c.mu.Unlock()
	}
}

func (c *agentConn) writeLoop() {
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
		winSize := c.a.windowSize
		c.mu.Unlock()
		if emit {
			c.a.send(wire.CommandAck, wire.Ack{ID: c.id, Size: ackSize, WinSize: winSize}.Encode())
		}
	}
}
