package transport

import (
	"testing"

	"github.com/flexvdi/conn-forward/internal/wire"
)

// TestChannelSendCopiesPayload guards the buffer-reuse contract
// forwarder.SendFunc documents: a caller builds its message in a
// reusable buffer and must be free to overwrite it the instant Send
// returns. Delivery happens later, on pump's goroutine, so Send must
// copy before it enqueues.
func TestChannelSendCopiesPayload(t *testing.T) {
	c := &Channel{out: make(chan envelope, 1), done: make(chan struct{})}

	buf := []byte{1, 2, 3, 4}
	c.Send(wire.CommandData, buf)

	// A real readLoop reuses its buffer on the very next iteration; do
	// the same here to prove Send already has its own copy.
	for i := range buf {
		buf[i] = 0xFF
	}

	e := <-c.out
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if e.payload[i] != want[i] {
			t.Fatalf("Send must copy payload before enqueuing: got %v after the caller's buffer was overwritten, want %v", e.payload, want)
		}
	}
}
