package forwarder

import "github.com/flexvdi/conn-forward/internal/wire"

const (
	// WindowSize is the per-stream, per-direction in-flight byte limit.
	// A socket read is not armed for a stream whose data_sent has reached
	// this value; it resumes once an ACK credits enough of it back.
	WindowSize = 10 * 1024 * 1024

	// DefaultMaxMsgSize is the default ceiling on an outer-transport
	// message; BufferSize (the per-read chunk) is derived from it. Hosts
	// with a smaller transport MTU should override it via WithMaxMsgSize.
	DefaultMaxMsgSize = 64 * 1024

	// bufferSize returns the per-socket-read chunk size for a given max
	// message size: the message minus the DATA header that precedes the
	// payload in place.
)

func bufferSize(maxMsgSize int) int {
	return maxMsgSize - wire.DataHeadSize
}

// ackInterval is half of the peer's advertised window: the threshold of
// locally consumed bytes at which an ACK is emitted.
func ackInterval(winSize uint32) uint32 {
	return winSize / 2
}
