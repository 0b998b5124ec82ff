package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Client frame layout (little-endian):
//
//	client→server: bodySize u32 | msgIdLen u8 | msgId | msgSeq u16 | stageId i64 | payload
//	server→client: bodySize u32 | msgIdLen u8 | msgId | msgSeq u16 | stageId i64 | errorCode u16 | originalSize u32 | payload
//
// bodySize counts only the payload bytes.
const (
	clientFixedHeader = 4 + 1 + 2 + 8
	serverFixedExtra  = 2 + 4
)

// WriteClientFrame writes a server→client frame to w.
// Takes payload ownership from p.
func WriteClientFrame(w io.Writer, p *Packet) error {
	if len(p.MsgID) > MaxMsgIDLen {
		return NewPlayError(InvalidMessage, fmt.Sprintf("msgId too long: %d", len(p.MsgID)))
	}
	body := p.TakePayload()
	if len(body) > MaxPayloadLen {
		return NewPlayError(InvalidMessage, fmt.Sprintf("payload too large: %d", len(body)))
	}

	header := make([]byte, 0, clientFixedHeader+serverFixedExtra+len(p.MsgID))
	header = binary.LittleEndian.AppendUint32(header, uint32(len(body)))
	header = append(header, byte(len(p.MsgID)))
	header = append(header, p.MsgID...)
	header = binary.LittleEndian.AppendUint16(header, p.MsgSeq)
	header = binary.LittleEndian.AppendUint64(header, uint64(p.StageID))
	header = binary.LittleEndian.AppendUint16(header, uint16(p.ErrorCode))
	header = binary.LittleEndian.AppendUint32(header, p.OriginalSize)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}

// EncodeClientFrame appends a server→client frame to dst and returns it.
// Used by the session write pump to batch frames before a single write.
func EncodeClientFrame(dst []byte, p *Packet) ([]byte, error) {
	if len(p.MsgID) > MaxMsgIDLen {
		return dst, NewPlayError(InvalidMessage, fmt.Sprintf("msgId too long: %d", len(p.MsgID)))
	}
	body := p.TakePayload()
	if len(body) > MaxPayloadLen {
		return dst, NewPlayError(InvalidMessage, fmt.Sprintf("payload too large: %d", len(body)))
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(body)))
	dst = append(dst, byte(len(p.MsgID)))
	dst = append(dst, p.MsgID...)
	dst = binary.LittleEndian.AppendUint16(dst, p.MsgSeq)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(p.StageID))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(p.ErrorCode))
	dst = binary.LittleEndian.AppendUint32(dst, p.OriginalSize)
	dst = append(dst, body...)
	return dst, nil
}

// WriteServerBoundFrame writes a client→server frame to w (no errorCode or
// originalSize). Used by test clients. Takes payload ownership from p.
func WriteServerBoundFrame(w io.Writer, p *Packet) error {
	if len(p.MsgID) > MaxMsgIDLen {
		return NewPlayError(InvalidMessage, fmt.Sprintf("msgId too long: %d", len(p.MsgID)))
	}
	body := p.TakePayload()
	if len(body) > MaxPayloadLen {
		return NewPlayError(InvalidMessage, fmt.Sprintf("payload too large: %d", len(body)))
	}

	header := make([]byte, 0, clientFixedHeader+len(p.MsgID))
	header = binary.LittleEndian.AppendUint32(header, uint32(len(body)))
	header = append(header, byte(len(p.MsgID)))
	header = append(header, p.MsgID...)
	header = binary.LittleEndian.AppendUint16(header, p.MsgSeq)
	header = binary.LittleEndian.AppendUint64(header, uint64(p.StageID))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadServerBoundFrame reads one client→server frame from r.
func ReadServerBoundFrame(r io.Reader) (*Packet, error) {
	var fixed [5]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	bodySize := binary.LittleEndian.Uint32(fixed[:4])
	msgIDLen := int(fixed[4])

	if bodySize > MaxPayloadLen {
		return nil, NewPlayError(InvalidMessage, fmt.Sprintf("payload too large: %d", bodySize))
	}

	rest := make([]byte, msgIDLen+2+8)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	p := &Packet{
		MsgID:   string(rest[:msgIDLen]),
		MsgSeq:  binary.LittleEndian.Uint16(rest[msgIDLen:]),
		StageID: int64(binary.LittleEndian.Uint64(rest[msgIDLen+2:])),
	}

	if bodySize > 0 {
		p.payload = make([]byte, bodySize)
		if _, err := io.ReadFull(r, p.payload); err != nil {
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return p, nil
}

// ReadClientFrame reads one server→client frame from r. Used by test clients.
func ReadClientFrame(r io.Reader) (*Packet, error) {
	var fixed [5]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return nil, err
	}
	bodySize := binary.LittleEndian.Uint32(fixed[:4])
	msgIDLen := int(fixed[4])

	if bodySize > MaxPayloadLen {
		return nil, NewPlayError(InvalidMessage, fmt.Sprintf("payload too large: %d", bodySize))
	}

	rest := make([]byte, msgIDLen+2+8+2+4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	p := &Packet{
		MsgID:        string(rest[:msgIDLen]),
		MsgSeq:       binary.LittleEndian.Uint16(rest[msgIDLen:]),
		StageID:      int64(binary.LittleEndian.Uint64(rest[msgIDLen+2:])),
		ErrorCode:    ErrorCode(binary.LittleEndian.Uint16(rest[msgIDLen+10:])),
		OriginalSize: binary.LittleEndian.Uint32(rest[msgIDLen+12:]),
	}

	if bodySize > 0 {
		p.payload = make([]byte, bodySize)
		if _, err := io.ReadFull(r, p.payload); err != nil {
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return p, nil
}
