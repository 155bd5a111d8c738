// Package transport provides an in-process, message-oriented agent
// channel. A real deployment carries the forwarder's wire messages over
// a socket to a remote guest agent; this package stands in for that link
// when both ends of the channel live in the same process, as
// cmd/forwarderd's demo does.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flexvdi/conn-forward/internal/wire"
)

var errSimulatedDialFailure = errors.New("transport: simulated dial failure")

// envelope is one outbound message queued on the channel.
type envelope struct {
	cmd     wire.Command
	payload []byte
}

// Channel is one directed leg of an agent channel: messages sent on it
// are delivered to the peer leg's handler. A Link is a pair of Channels
// wired to each other's handler.
type Channel struct {
	out     chan envelope
	handler func(cmd wire.Command, payload []byte)
	done    chan struct{}
}

// Link connects two Channels back to back, in-process, one standing in
// for the client side of the agent channel and the other for the guest
// agent side.
type Link struct {
	Client *Channel
	Agent  *Channel
}

// NewLink builds a connected pair of Channels with a bounded mailbox.
// connectFn simulates the cost of establishing the transport (e.g. a TLS
// handshake to the real guest agent) and is retried with exponential
// backoff if it returns an error, matching how a flaky dial is handled
// elsewhere in the stack rather than a fixed-interval retry loop.
func NewLink(ctx context.Context, connectFn func() error) (*Link, error) {
	if connectFn != nil {
		op := func() error { return connectFn() }
		bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		if err := backoff.Retry(op, bo); err != nil {
			return nil, err
		}
	}

	client := &Channel{out: make(chan envelope, 256), done: make(chan struct{})}
	agent := &Channel{out: make(chan envelope, 256), done: make(chan struct{})}
	return &Link{Client: client, Agent: agent}, nil
}

// SetHandler installs the function that receives messages sent by the
// peer leg. Must be called before Start.
func (c *Channel) SetHandler(h func(cmd wire.Command, payload []byte)) {
	c.handler = h
}

// Send implements forwarder.SendFunc's signature shape (modulo userCtx,
// which the caller partially applies away) and also doubles as the
// handle agentsim.Agent uses to talk back. payload is built in the
// caller's own reusable buffer and is only valid for the duration of
// this call (forwarder.SendFunc's doc comment), so it is copied before
// queueing: delivery happens on pump's goroutine, asynchronously from
// the next readLoop iteration that may already be overwriting the
// caller's buffer by the time this envelope is drained.
func (c *Channel) Send(cmd wire.Command, payload []byte) {
	cp := append([]byte(nil), payload...)
	select {
	case c.out <- envelope{cmd: cmd, payload: cp}:
	case <-c.done:
	}
}

// pump delivers everything sent on from's out queue to to's handler,
// until ctx is cancelled.
func pump(ctx context.Context, from, to *Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-from.out:
			if to.handler != nil {
				to.handler(e.cmd, e.payload)
			}
		}
	}
}

// Start launches the two delivery pumps; it returns immediately.
func (l *Link) Start(ctx context.Context) {
	go pump(ctx, l.Client, l.Agent)
	go pump(ctx, l.Agent, l.Client)
	go func() {
		<-ctx.Done()
		close(l.Client.done)
		close(l.Agent.done)
	}()
}

// SimulateFlakyDial returns a connectFn that fails a few times before
// succeeding, for exercising the backoff path without a real network.
func SimulateFlakyDial(failures int, delay time.Duration) func() error {
	attempt := 0
	return func() error {
		attempt++
		if attempt <= failures {
			slog.Debug("simulated agent channel dial failed", "attempt", attempt)
			time.Sleep(delay)
			return errSimulatedDialFailure
		}
		return nil
	}
}
