package router

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
)

// Router frames are 3-part multiparts [targetNID | routeHeader | payload],
// each part length-prefixed with a u32 LE.
const (
	maxTargetPart  = 256
	maxHeaderPart  = 4096
	maxPayloadPart = protocol.MaxPayloadLen
)

// Message is one multipart as it travels through the socket.
type Message struct {
	Target  string // destination NID outbound, our NID inbound
	Header  []byte // marshaled protocol.RouteHeader
	Payload []byte
}

// writeMessage writes the three parts with a single writev.
func writeMessage(w io.Writer, m *Message) error {
	var lens [12]byte
	binary.LittleEndian.PutUint32(lens[0:], uint32(len(m.Target)))
	binary.LittleEndian.PutUint32(lens[4:], uint32(len(m.Header)))
	binary.LittleEndian.PutUint32(lens[8:], uint32(len(m.Payload)))

	bufs := net.Buffers{lens[0:4], []byte(m.Target), lens[4:8], m.Header, lens[8:12], m.Payload}
	if _, err := bufs.WriteTo(w); err != nil {
		return fmt.Errorf("writing multipart: %w", err)
	}
	return nil
}

// readMessage reads one multipart from r.
func readMessage(r io.Reader) (*Message, error) {
	target, err := readPart(r, maxTargetPart)
	if err != nil {
		return nil, err
	}
	header, err := readPart(r, maxHeaderPart)
	if err != nil {
		return nil, fmt.Errorf("reading header part: %w", err)
	}
	payload, err := readPart(r, maxPayloadPart)
	if err != nil {
		return nil, fmt.Errorf("reading payload part: %w", err)
	}
	return &Message{Target: string(target), Header: header, Payload: payload}, nil
}

func readPart(r io.Reader, limit int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenBuf[:]))
	if n > limit {
		return nil, fmt.Errorf("part of %d bytes exceeds limit %d", n, limit)
	}
	if n == 0 {
		return nil, nil
	}
	part := make([]byte, n)
	if _, err := io.ReadFull(r, part); err != nil {
		return nil, fmt.Errorf("reading part body: %w", err)
	}
	return part, nil
}
