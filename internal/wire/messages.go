package wire

import (
	"errors"
	"fmt"
)

// ErrTruncated is returned when a payload is shorter than its message shape
// requires.
var ErrTruncated = errors.New("wire: truncated message")

// DataHeadSize is the fixed-width header (id, size) that precedes a DATA
// message's payload. The stream engine builds DATA messages in place at
// this offset inside its reusable read buffer to avoid a copy.
const DataHeadSize = 4 + 4 // id uint32 + size uint32

// Listen is emitted when associate_remote succeeds: it advertises a
// listening socket on the agent side.
type Listen struct {
	ID      uint32
	Port    uint16
	Proto   uint8
	Address string
}

func (m Listen) Encode() []byte {
	addr := addressBytes(m.Address)
	b := make([]byte, 4+2+1+2+len(addr))
	i := 0
	order.PutUint32(b[i:], m.ID)
	i += 4
	order.PutUint16(b[i:], m.Port)
	i += 2
	b[i] = m.Proto
	i++
	order.PutUint16(b[i:], uint16(len(addr)-1))
	i += 2
	copy(b[i:], addr)
	return b
}

func DecodeListen(b []byte) (Listen, error) {
	if len(b) < 4+2+1+2 {
		return Listen{}, fmt.Errorf("decode LISTEN: %w", ErrTruncated)
	}
	var m Listen
	i := 0
	m.ID = order.Uint32(b[i:])
	i += 4
	m.Port = order.Uint16(b[i:])
	i += 2
	m.Proto = b[i]
	i++
	addrLen := order.Uint16(b[i:])
	i += 2
	addr, err := readAddress(b[i:], addrLen)
	if err != nil {
		return Listen{}, fmt.Errorf("decode LISTEN: %w", err)
	}
	m.Address = addr
	return m, nil
}

// Shutdown is emitted when a previously advertised remote listen port is
// torn down, either by explicit disassociate or by re-registration.
type Shutdown struct {
	ListenID uint32
}

func (m Shutdown) Encode() []byte {
	b := make([]byte, 4)
	order.PutUint32(b, m.ListenID)
	return b
}

func DecodeShutdown(b []byte) (Shutdown, error) {
	if len(b) < 4 {
		return Shutdown{}, fmt.Errorf("decode SHUTDOWN: %w", ErrTruncated)
	}
	return Shutdown{ListenID: order.Uint32(b)}, nil
}

// Connect is emitted when a local accept completes on a local->remote
// listener: the client asks the agent to open a stream to host:port.
type Connect struct {
	ID      uint32
	WinSize uint32
	Port    uint16
	Proto   uint8
	Address string
}

func (m Connect) Encode() []byte {
	addr := addressBytes(m.Address)
	b := make([]byte, 4+4+2+1+2+len(addr))
	i := 0
	order.PutUint32(b[i:], m.ID)
	i += 4
	order.PutUint32(b[i:], m.WinSize)
	i += 4
	order.PutUint16(b[i:], m.Port)
	i += 2
	b[i] = m.Proto
	i++
	order.PutUint16(b[i:], uint16(len(addr)-1))
	i += 2
	copy(b[i:], addr)
	return b
}

func DecodeConnect(b []byte) (Connect, error) {
	if len(b) < 4+4+2+1+2 {
		return Connect{}, fmt.Errorf("decode CONNECT: %w", ErrTruncated)
	}
	var m Connect
	i := 0
	m.ID = order.Uint32(b[i:])
	i += 4
	m.WinSize = order.Uint32(b[i:])
	i += 4
	m.Port = order.Uint16(b[i:])
	i += 2
	m.Proto = b[i]
	i++
	addrLen := order.Uint16(b[i:])
	i += 2
	addr, err := readAddress(b[i:], addrLen)
	if err != nil {
		return Connect{}, fmt.Errorf("decode CONNECT: %w", err)
	}
	m.Address = addr
	return m, nil
}

// Accepted is sent by the peer agent when it accepts an inbound connection
// on one of our advertised LISTEN ports.
type Accepted struct {
	ID       uint32
	ListenID uint32
	WinSize  uint32
}

func (m Accepted) Encode() []byte {
	b := make([]byte, 12)
	order.PutUint32(b[0:], m.ID)
	order.PutUint32(b[4:], m.ListenID)
	order.PutUint32(b[8:], m.WinSize)
	return b
}

func DecodeAccepted(b []byte) (Accepted, error) {
	if len(b) < 12 {
		return Accepted{}, fmt.Errorf("decode ACCEPTED: %w", ErrTruncated)
	}
	return Accepted{
		ID:       order.Uint32(b[0:]),
		ListenID: order.Uint32(b[4:]),
		WinSize:  order.Uint32(b[8:]),
	}, nil
}

// Data carries a chunk of forwarded bytes for one stream.
type Data struct {
	ID      uint32
	Payload []byte
}

// Encode allocates a fresh buffer. EncodeDataHeader is used on the hot path to
// avoid the allocation by writing the header into a caller-owned buffer
// that already holds the payload.
func (m Data) Encode() []byte {
	b := make([]byte, DataHeadSize+len(m.Payload))
	EncodeDataHeader(b, m.ID, uint32(len(m.Payload)))
	copy(b[DataHeadSize:], m.Payload)
	return b
}

// EncodeDataHeader writes the DATA header (id, size) into the first
// DataHeadSize bytes of b. The caller is expected to have already placed
// the payload at b[DataHeadSize:] — this is how the stream engine builds a
// DATA message in place inside its reusable read buffer without a copy.
func EncodeDataHeader(b []byte, id, size uint32) {
	order.PutUint32(b[0:], id)
	order.PutUint32(b[4:], size)
}

func DecodeData(b []byte) (Data, error) {
	if len(b) < DataHeadSize {
		return Data{}, fmt.Errorf("decode DATA: %w", ErrTruncated)
	}
	id := order.Uint32(b[0:])
	size := order.Uint32(b[4:])
	if uint32(len(b)-DataHeadSize) < size {
		return Data{}, fmt.Errorf("decode DATA: %w", ErrTruncated)
	}
	return Data{ID: id, Payload: b[DataHeadSize : DataHeadSize+size]}, nil
}

// Close tears down one stream, identified by id. Emitted by either side;
// the recipient must not reply with its own CLOSE.
type Close struct {
	ID uint32
}

func (m Close) Encode() []byte {
	b := make([]byte, 4)
	order.PutUint32(b, m.ID)
	return b
}

func DecodeClose(b []byte) (Close, error) {
	if len(b) < 4 {
		return Close{}, fmt.Errorf("decode CLOSE: %w", ErrTruncated)
	}
	return Close{ID: order.Uint32(b)}, nil
}

// Ack credits size bytes back to the stream's sender and (re)states the
// receiver's advertised window.
type Ack struct {
	ID      uint32
	Size    uint32
	WinSize uint32
}

func (m Ack) Encode() []byte {
	b := make([]byte, 12)
	order.PutUint32(b[0:], m.ID)
	order.PutUint32(b[4:], m.Size)
	order.PutUint32(b[8:], m.WinSize)
	return b
}

func DecodeAck(b []byte) (Ack, error) {
	if len(b) < 12 {
		return Ack{}, fmt.Errorf("decode ACK: %w", ErrTruncated)
	}
	return Ack{
		ID:      order.Uint32(b[0:]),
		Size:    order.Uint32(b[4:]),
		WinSize: order.Uint32(b[8:]),
	}, nil
}

// addressBytes returns addr as a NUL-terminated byte string, matching the
// wire's char[addressLength+1] encoding.
func addressBytes(addr string) []byte {
	b := make([]byte, len(addr)+1)
	copy(b, addr)
	b[len(addr)] = 0
	return b
}

// readAddress reads an addrLen+1 byte NUL-terminated string starting at b[0].
func readAddress(b []byte, addrLen uint16) (string, error) {
	total := int(addrLen) + 1
	if len(b) < total {
		return "", ErrTruncated
	}
	return string(b[:addrLen]), nil
}
