package forwarder

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/flexvdi/conn-forward/internal/wire"
)

// reserveLocalAddr binds an OS-assigned port, closes the listener, and
// returns its address so a test can reuse the port number deterministically
// — the same two-step dance the teacher's tcp_test.go uses to avoid a
// flaky hardcoded port.
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

func TestParseRemoteRuleRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		rule string
		want string
	}{
		{"3 tokens default bind address", "9000:host:80", "localhost:9000:host:80"},
		{"4 tokens explicit bind address", "0.0.0.0:9000:host:80", "0.0.0.0:9000:host:80"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := parseRemoteRule(tc.rule)
			if err != nil {
				t.Fatalf("parseRemoteRule(%q): %v", tc.rule, err)
			}
			if got := r.String(); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseLocalRuleRoundTrip(t *testing.T) {
	r, err := parseLocalRule("7000:echo.host:9000")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := r.String(), "localhost:7000:echo.host:9000"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestParseRuleErrors(t *testing.T) {
	if _, err := parseRemoteRule("not:enough"); err == nil {
		t.Fatal("expected error for a rule with too few tokens")
	}
	if _, err := parseRemoteRule("9000:host:notaport"); err == nil {
		t.Fatal("expected error for a non-numeric port")
	}
	if _, err := parseLocalRule("a:b:c:d:e"); err == nil {
		t.Fatal("expected error for a rule with too many tokens")
	}
}

func TestAssociateRemoteMalformedRuleNoStateChange(t *testing.T) {
	f, sent, _ := newTestForwarder()
	if f.AssociateRemote("garbage") {
		t.Fatal("expected false for a malformed rule")
	}
	if len(sent()) != 0 {
		t.Fatal("expected no messages emitted for a malformed rule")
	}
}

// TestAssociateRemoteReplace covers S5: a second associate_remote on the
// same guest port replaces the first, emitting SHUTDOWN then a fresh
// LISTEN, and the association table ends up pointing at the new target.
func TestAssociateRemoteReplace(t *testing.T) {
	f, sent, notify := newTestForwarder()

	if !f.AssociateRemote("0.0.0.0:5000:a:80") {
		t.Fatal("expected first associate_remote to succeed")
	}
	waitForCount(t, notify, 1)

	if !f.AssociateRemote("0.0.0.0:5000:b:81") {
		t.Fatal("expected second associate_remote to succeed")
	}
	waitForCount(t, notify, 2)

	msgs := sent()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 outbound messages total, got %d", len(msgs))
	}
	if msgs[1].cmd != wire.CommandShutdown {
		t.Fatalf("expected SHUTDOWN before the replacement LISTEN, got %v", msgs[1].cmd)
	}
	shutdown, err := wire.DecodeShutdown(msgs[1].payload)
	if err != nil || shutdown.ListenID != 5000 {
		t.Fatalf("unexpected SHUTDOWN payload: %+v, err=%v", shutdown, err)
	}
	if msgs[2].cmd != wire.CommandListen {
		t.Fatalf("expected a fresh LISTEN, got %v", msgs[2].cmd)
	}
	listen, err := wire.DecodeListen(msgs[2].payload)
	if err != nil || listen.ID != 5000 || listen.Port != 5000 {
		t.Fatalf("unexpected LISTEN payload: %+v, err=%v", listen, err)
	}

	f.mu.Lock()
	assoc := f.associations[5000]
	f.mu.Unlock()
	if assoc.target != (Target{Host: "b", Port: 81}) {
		t.Fatalf("expected association to point at the replacement target, got %+v", assoc.target)
	}
}

func TestDisassociateRemoteUnknownPort(t *testing.T) {
	f, _, _ := newTestForwarder()
	if f.DisassociateRemote(1234) {
		t.Fatal("expected false disassociating a port with no active rule")
	}
}

func TestDisassociateRemote(t *testing.T) {
	f, sent, notify := newTestForwarder()
	if !f.AssociateRemote("5000:a:80") {
		t.Fatal("expected associate_remote to succeed")
	}
	waitForCount(t, notify, 1)

	if !f.DisassociateRemote(5000) {
		t.Fatal("expected disassociate_remote to succeed")
	}
	waitForCount(t, notify, 1)

	msgs := sent()
	if msgs[len(msgs)-1].cmd != wire.CommandShutdown {
		t.Fatalf("expected SHUTDOWN, got %v", msgs[len(msgs)-1].cmd)
	}
}

func TestAssociateLocalDuplicateRejected(t *testing.T) {
	f, _, _ := newTestForwarder()
	defer f.Close()

	addr := reserveLocalAddr(t)
	if !f.AssociateLocal(addr + ":host:80") {
		t.Fatal("expected the first associate_local to succeed")
	}
	if f.AssociateLocal(addr + ":other:81") {
		t.Fatal("expected a duplicate associate_local on the same address to fail")
	}
}

// TestHandleAcceptedUnknownAssociation covers S6: an ACCEPTED referencing
// a listenId with no association gets an outbound CLOSE and never touches
// the connections table.
func TestHandleAcceptedUnknownAssociation(t *testing.T) {
	f, sent, notify := newTestForwarder()

	f.HandleMessage(wire.CommandAccepted, wire.Accepted{ID: 42, ListenID: 9999, WinSize: 1024}.Encode())
	waitForCount(t, notify, 1)

	msgs := sent()
	if len(msgs) != 1 || msgs[0].cmd != wire.CommandClose {
		t.Fatalf("expected a single outbound CLOSE, got %+v", msgs)
	}
	closeMsg, err := wire.DecodeClose(msgs[0].payload)
	if err != nil || closeMsg.ID != 42 {
		t.Fatalf("unexpected CLOSE payload: %+v, err=%v", closeMsg, err)
	}

	f.mu.Lock()
	n := len(f.conns)
	f.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected the connections table to be unchanged, has %d entries", n)
	}
}

// TestAgentDisconnectedClearsState covers S4: five open streams are purged
// without emitting any outbound message, and every one of them is
// cancelled.
func TestAgentDisconnectedClearsState(t *testing.T) {
	f, _, notify := newTestForwarder()

	conns := make([]*connection, 0, 5)
	for i := uint32(1); i <= 5; i++ {
		c, appSide := newOpenTestConnection(f, i)
		defer appSide.Close()
		c.start()
		conns = append(conns, c)
	}

	f.mu.Lock()
	f.associations[9999] = association{bindAddress: "x", target: Target{Host: "y", Port: 1}}
	f.mu.Unlock()

	f.AgentDisconnected()

	f.mu.Lock()
	nConns, nAssoc := len(f.conns), len(f.associations)
	f.mu.Unlock()
	if nConns != 0 || nAssoc != 0 {
		t.Fatalf("expected empty tables, got %d conns and %d associations", nConns, nAssoc)
	}

	for _, c := range conns {
		select {
		case <-c.ctx.Done():
		default:
			t.Fatalf("connection %d was not cancelled", c.id)
		}
	}

	select {
	case <-notify:
		t.Fatal("agent_disconnected must not emit any outbound message")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestAssociateLocalEndToEnd drives a full local->remote stream: an app
// connects to the local listener, the engine emits CONNECT, a simulated
// peer ACKs to complete the handshake and then sends DATA, and the app's
// socket receives it, crossing the ack_interval threshold on its own ACK.
func TestAssociateLocalEndToEnd(t *testing.T) {
	const winSize = 10
	f, sent, notify := newTestForwarder(WithWindowSize(winSize))
	defer f.Close()

	addr := reserveLocalAddr(t)
	if !f.AssociateLocal(addr + ":echo.host:9000") {
		t.Fatal("expected associate_local to succeed")
	}

	appConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer appConn.Close()

	waitForCount(t, notify, 1)
	connectMsg := sent()[0]
	if connectMsg.cmd != wire.CommandConnect {
		t.Fatalf("expected CONNECT, got %v", connectMsg.cmd)
	}
	connect, err := wire.DecodeConnect(connectMsg.payload)
	if err != nil {
		t.Fatal(err)
	}
	if connect.ID != 0xFFFFFFFF {
		t.Errorf("expected the first locally allocated id to be 0xFFFFFFFF, got %#x", connect.ID)
	}
	if connect.Address != "echo.host" || connect.Port != 9000 {
		t.Errorf("unexpected target in CONNECT: %+v", connect)
	}
	if connect.WinSize != winSize {
		t.Errorf("expected the advertised window to be %d, got %d", winSize, connect.WinSize)
	}

	f.HandleMessage(wire.CommandAck, wire.Ack{ID: connect.ID, Size: 0, WinSize: winSize}.Encode())
	f.HandleMessage(wire.CommandData, wire.Data{ID: connect.ID, Payload: []byte("hello")}.Encode())

	buf := make([]byte, 5)
	appConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(appConn, buf); err != nil {
		t.Fatalf("reading forwarded data: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("got %q, want %q", buf, "hello")
	}

	waitForCount(t, notify, 1)
	ackMsg := sent()[1]
	if ackMsg.cmd != wire.CommandAck {
		t.Fatalf("expected an ACK once data_received crossed ack_interval, got %v", ackMsg.cmd)
	}
}
