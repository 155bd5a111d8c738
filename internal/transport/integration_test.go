package transport_test

import (
	"context"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/flexvdi/conn-forward/internal/agentsim"
	"github.com/flexvdi/conn-forward/internal/forwarder"
	"github.com/flexvdi/conn-forward/internal/transport"
	"github.com/flexvdi/conn-forward/internal/wire"
)

// startEchoServer starts a TCP listener that echoes every byte it reads
// back to the same connection, and returns its address.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func reserveLocalAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// TestForwarderAgentRoundTripPreservesData wires a real forwarder.Forwarder
// and a real agentsim.Agent back to back over a transport.Link, exactly as
// cmd/forwarderd does, and drives a full local->remote stream through a
// real echo server. The window is deliberately tiny so the two sides
// exchange many back-to-back DATA/ACK messages, each built in
// forwarder.connection's single reusable per-connection buffer: this is
// the scenario that would surface a Channel.Send that queues by reference
// instead of copying before it returns.
func TestForwarderAgentRoundTripPreservesData(t *testing.T) {
	echoAddr := startEchoServer(t)
	host, portStr, err := net.SplitHostPort(echoAddr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link, err := transport.NewLink(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	const winSize = 64
	f := forwarder.New(
		func(cmd wire.Command, payload []byte, userCtx any) { link.Client.Send(cmd, payload) },
		nil,
		forwarder.WithWindowSize(winSize),
	)
	defer f.Close()

	agent := agentsim.New(func(cmd wire.Command, payload []byte) {
		link.Agent.Send(cmd, payload)
	}, winSize)
	defer agent.Close()

	link.Client.SetHandler(f.HandleMessage)
	link.Agent.SetHandler(agent.HandleMessage)
	link.Start(ctx)

	localAddr := reserveLocalAddr(t)
	rule := localAddr + ":" + host + ":" + strconv.Itoa(port)
	if !f.AssociateLocal(rule) {
		t.Fatalf("expected associate_local(%q) to succeed", rule)
	}

	appConn, err := net.Dial("tcp", localAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer appConn.Close()

	const payloadSize = 256 * 1024
	want := make([]byte, payloadSize)
	if _, err := rand.Read(want); err != nil {
		t.Fatal(err)
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := appConn.Write(want)
		writeErr <- err
	}()

	got := make([]byte, payloadSize)
	appConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(appConn, got); err != nil {
		t.Fatalf("reading echoed data: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("writing to forwarded connection: %v", err)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("echoed data diverges at byte %d: want %#x got %#x (buffer-reuse corruption)", i, want[i], got[i])
		}
	}
}
