// Package wire encodes and decodes the seven control messages the
// forwarder exchanges with its peer agent over the agent channel: LISTEN,
// SHUTDOWN, CONNECT, ACCEPTED, DATA, CLOSE, ACK. Field order and widths are
// compatibility-critical and fixed by the forwarding protocol; this package
// is not a general-purpose codec, only these seven shapes.
package wire

import "encoding/binary"

// order is this protocol's fixed little-endian integer encoding, unless the
// outer transport mandates otherwise.
var order = binary.LittleEndian
