package protocol

// Reserved msgIds understood by the framework itself.
const (
	MsgIDHeartbeat = "@Heart@Beat@"
	MsgIDDebug     = "@Debug@"
	MsgIDTimeout   = "@Timeout@"
)

// Wire limits enforced by the codecs. The msgId length travels in a single
// byte, so 255 is the largest encodable id.
const (
	MaxMsgIDLen   = 255
	MaxPayloadLen = 2 * 1024 * 1024
)

// Packet is the canonical in-memory message. MsgSeq zero means push; nonzero
// correlates a request with its reply. The payload is move-only on send: the
// transport takes ownership via TakePayload and subsequent Payload calls
// return nil.
type Packet struct {
	MsgID        string
	MsgSeq       uint16
	StageID      int64
	ErrorCode    ErrorCode
	OriginalSize uint32

	payload []byte
	moved   bool
}

// NewPacket builds a push packet with the given payload.
func NewPacket(msgID string, payload []byte) *Packet {
	return &Packet{MsgID: msgID, payload: payload}
}

// NewRequest builds a request packet with a correlation sequence.
func NewRequest(msgID string, seq uint16, payload []byte) *Packet {
	return &Packet{MsgID: msgID, MsgSeq: seq, payload: payload}
}

// NewReply builds a reply to req carrying code and payload. The reply keeps
// the request's seq and stageId so the caller side can correlate it.
func NewReply(req *Packet, code ErrorCode, payload []byte) *Packet {
	return &Packet{
		MsgID:     req.MsgID,
		MsgSeq:    req.MsgSeq,
		StageID:   req.StageID,
		ErrorCode: code,
		payload:   payload,
	}
}

// NewErrorReply builds an empty-bodied reply carrying only an error code.
func NewErrorReply(msgID string, seq uint16, stageID int64, code ErrorCode) *Packet {
	return &Packet{MsgID: msgID, MsgSeq: seq, StageID: stageID, ErrorCode: code}
}

// IsRequest reports whether the packet expects a reply.
func (p *Packet) IsRequest() bool {
	return p.MsgSeq != 0
}

// Payload returns the payload, or nil once ownership has been transferred.
func (p *Packet) Payload() []byte {
	if p.moved {
		return nil
	}
	return p.payload
}

// PayloadLen returns the remaining payload length (0 after transfer).
func (p *Packet) PayloadLen() int {
	return len(p.Payload())
}

// TakePayload transfers payload ownership to the caller. Reusing the packet's
// payload after a send is a programmer error; this makes it observable by
// returning nil from every later access.
func (p *Packet) TakePayload() []byte {
	if p.moved {
		return nil
	}
	p.moved = true
	body := p.payload
	p.payload = nil
	return body
}

// Moved reports whether the payload has already been transferred.
func (p *Packet) Moved() bool {
	return p.moved
}
