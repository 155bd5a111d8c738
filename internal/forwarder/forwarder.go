// Package forwarder multiplexes bidirectional TCP streams over a single
// message-oriented agent channel. A Forwarder owns an association table
// (remote listen port -> local target), a listener pool (local listen
// socket -> remote target), and a connection table (stream id ->
// connection); the host drives it by feeding decoded inbound commands to
// HandleMessage and installing a SendFunc to receive outbound ones.
package forwarder

import (
	"log/slog"
	"net"
	"sync"

	"github.com/flexvdi/conn-forward/internal/wire"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
)

// recentlyClosedCacheSize bounds the duplicate-CLOSE/ACK diagnostic
// cache: large enough to cover a burst of teardowns racing their last
// in-flight DATA/ACK, small enough to never matter for memory.
const recentlyClosedCacheSize = 256

// SendFunc delivers one outbound control message to the host's agent
// channel. It is assumed synchronous and non-blocking: a DATA message's
// payload is built in the connection's own reusable read buffer and is
// only valid for the duration of this call — the host must copy it before
// returning if it needs to defer the actual write.
type SendFunc func(cmd wire.Command, payload []byte, userCtx any)

// Forwarder is one instance of the engine, bound to one agent channel. It
// is not a singleton: a host may run several, each with its own tables, as
// described in the concurrency model's "Resource sharing" note.
type Forwarder struct {
	sendFunc SendFunc
	userCtx  any
	logger   *slog.Logger

	windowSize uint32
	maxMsgSize int

	mu           sync.Mutex
	associations map[uint16]association
	conns        map[uint32]*connection
	ids          *idAllocator
	closed       bool

	listeners *listenerPool

	// recentlyClosed records ids this Forwarder has itself torn down
	// recently, so a dispatch that finds no entry in conns can tell an
	// expected post-close straggler (peer's CLOSE/ACK/DATA racing our
	// own teardown) from a genuinely unknown id worth a louder log.
	recentlyClosed *lru.Cache[uint32, string]
}

// New constructs a Forwarder. send is called for every outbound message;
// userCtx is handed back to it unchanged.
func New(send SendFunc, userCtx any, opts ...Option) *Forwarder {
	recentlyClosed, err := lru.New[uint32, string](recentlyClosedCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// recentlyClosedCacheSize never is.
		panic(err)
	}

	f := &Forwarder{
		sendFunc:       send,
		userCtx:        userCtx,
		logger:         slog.Default(),
		windowSize:     WindowSize,
		maxMsgSize:     DefaultMaxMsgSize,
		associations:   make(map[uint16]association),
		conns:          make(map[uint32]*connection),
		ids:            newIDAllocator(true),
		recentlyClosed: recentlyClosed,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.listeners = newListenerPool(f)
	return f
}

func (f *Forwarder) send(cmd wire.Command, payload []byte) {
	f.sendFunc(cmd, payload, f.userCtx)
}

func (f *Forwarder) bufferSize() int {
	return bufferSize(f.maxMsgSize)
}

func (f *Forwarder) removeConnection(c *connection, reason string) {
	f.mu.Lock()
	if f.conns[c.id] == c {
		delete(f.conns, c.id)
	}
	f.mu.Unlock()
	f.recentlyClosed.Add(c.id, reason)
}

// wasRecentlyClosed reports whether id was torn down recently by this
// Forwarder, to tell an expected post-close straggler from a genuinely
// unknown id in the dispatcher's "no such connection" branches.
func (f *Forwarder) wasRecentlyClosed(id uint32) (string, bool) {
	return f.recentlyClosed.Get(id)
}

// AssociateRemote registers a remote->local rule: the peer agent is asked
// to listen on guest_port and relay accepted connections to host:host_port
// on this side. Re-registering an already-associated guest_port replaces
// the old rule, emitting SHUTDOWN for it before the fresh LISTEN.
func (f *Forwarder) AssociateRemote(rule string) bool {
	parsed, err := parseRemoteRule(rule)
	if err != nil {
		f.logger.Warn("associate_remote: malformed rule", "rule", rule, "err", err)
		return false
	}

	f.mu.Lock()
	_, replacing := f.associations[parsed.guestPort]
	f.associations[parsed.guestPort] = association{
		bindAddress: parsed.bindAddress,
		target:      parsed.target,
	}
	f.mu.Unlock()

	if replacing {
		f.send(wire.CommandShutdown, wire.Shutdown{ListenID: uint32(parsed.guestPort)}.Encode())
	}
	f.send(wire.CommandListen, wire.Listen{
		ID:      uint32(parsed.guestPort),
		Port:    parsed.guestPort,
		Proto:   wire.ProtoTCP,
		Address: parsed.bindAddress,
	}.Encode())
	return true
}

// DisassociateRemote tears down a previously registered remote->local
// rule, emitting SHUTDOWN. It reports false if no such rule was active.
func (f *Forwarder) DisassociateRemote(port uint16) bool {
	f.mu.Lock()
	_, existed := f.associations[port]
	delete(f.associations, port)
	f.mu.Unlock()

	if !existed {
		return false
	}
	f.send(wire.CommandShutdown, wire.Shutdown{ListenID: uint32(port)}.Encode())
	return true
}

// AssociateLocal binds a local listening socket and, on each accept, asks
// the peer agent to open a connection to host:host_port. Unlike
// AssociateRemote, re-registering the same bind address and port is
// disallowed rather than replaced.
func (f *Forwarder) AssociateLocal(rule string) bool {
	parsed, err := parseLocalRule(rule)
	if err != nil {
		f.logger.Warn("associate_local: malformed rule", "rule", rule, "err", err)
		return false
	}
	return f.listeners.add(parsed)
}

// acceptLocal is called by the listener pool on each accepted local
// connection: it allocates a connection id from the descending local
// sequence, registers a Connecting connection, and emits CONNECT.
func (f *Forwarder) acceptLocal(conn net.Conn, target Target) {
	f.mu.Lock()
	id := f.ids.alloc()
	c := newConnection(f, id, conn)
	f.conns[id] = c
	winSize := f.windowSize
	f.mu.Unlock()

	f.send(wire.CommandConnect, wire.Connect{
		ID:      id,
		WinSize: winSize,
		Port:    target.Port,
		Proto:   wire.ProtoTCP,
		Address: target.Host,
	}.Encode())
}

// AgentDisconnected purges both tables and cancels every live connection
// without emitting any outbound message, per spec §5 "Agent disconnect".
func (f *Forwarder) AgentDisconnected() {
	f.mu.Lock()
	conns := make([]*connection, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.associations = make(map[uint16]association)
	f.conns = make(map[uint32]*connection)
	f.mu.Unlock()

	for _, c := range conns {
		c.close(false)
	}
}

// Close tears down the Forwarder: every open connection and listener is
// closed. It aggregates per-connection teardown errors into a
// *multierror.Error; the host is free to ignore the return value, as the
// source's delete() has no error channel at all.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conns := make([]*connection, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.associations = make(map[uint16]association)
	f.conns = make(map[uint32]*connection)
	f.mu.Unlock()

	var result *multierror.Error
	for _, c := range conns {
		if err := c.close(false); err != nil {
			result = multierror.Append(result, err)
		}
	}
	f.listeners.close()
	return result.ErrorOrNil()
}
