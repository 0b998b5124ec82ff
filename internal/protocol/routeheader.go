package protocol

import (
	"encoding/binary"
	"fmt"
)

// ServiceType identifies the role of a server in the mesh.
type ServiceType uint8

const (
	ServiceTypeUnknown ServiceType = 0
	ServiceTypePlay    ServiceType = 1
	ServiceTypeAPI     ServiceType = 2
	ServiceTypeSession ServiceType = 3
)

func (t ServiceType) String() string {
	switch t {
	case ServiceTypePlay:
		return "Play"
	case ServiceTypeAPI:
		return "Api"
	case ServiceTypeSession:
		return "Session"
	default:
		return fmt.Sprintf("ServiceType(%d)", uint8(t))
	}
}

// ParseServiceType maps a config string to a ServiceType.
func ParseServiceType(s string) (ServiceType, error) {
	switch s {
	case "play", "Play":
		return ServiceTypePlay, nil
	case "api", "Api":
		return ServiceTypeAPI, nil
	case "session", "Session":
		return ServiceTypeSession, nil
	default:
		return ServiceTypeUnknown, fmt.Errorf("unknown service type %q", s)
	}
}

const routeHeaderVersion = 1

const (
	flagSystem  = 1 << 0
	flagReply   = 1 << 1
	flagBase    = 1 << 2
	flagBackend = 1 << 3
)

// RouteHeader travels with every inter-server packet as the second multipart
// frame. From and To are NIDs ("{serviceId}:{serverId}").
type RouteHeader struct {
	From       string
	To         string
	ServiceID  uint16
	ServerType ServiceType
	MsgID      string
	MsgSeq     uint16
	StageID    int64
	AccountID  int64
	ErrorCode  ErrorCode

	IsSystem  bool
	IsReply   bool
	IsBase    bool
	IsBackend bool
}

// Marshal encodes the header to its little-endian wire form.
//
//	version u8 | flags u8 | serviceId u16 | serverType u8 | errorCode u16
//	| msgSeq u16 | stageId i64 | accountId i64
//	| fromLen u8 | from | toLen u8 | to | msgIdLen u8 | msgId
func (h *RouteHeader) Marshal() ([]byte, error) {
	if len(h.From) > 255 || len(h.To) > 255 {
		return nil, NewPlayError(InvalidMessage, "NID too long")
	}
	if len(h.MsgID) > MaxMsgIDLen {
		return nil, NewPlayError(InvalidMessage, fmt.Sprintf("msgId too long: %d", len(h.MsgID)))
	}

	var flags byte
	if h.IsSystem {
		flags |= flagSystem
	}
	if h.IsReply {
		flags |= flagReply
	}
	if h.IsBase {
		flags |= flagBase
	}
	if h.IsBackend {
		flags |= flagBackend
	}

	buf := make([]byte, 0, 25+len(h.From)+len(h.To)+len(h.MsgID)+3)
	buf = append(buf, routeHeaderVersion, flags)
	buf = binary.LittleEndian.AppendUint16(buf, h.ServiceID)
	buf = append(buf, byte(h.ServerType))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(h.ErrorCode))
	buf = binary.LittleEndian.AppendUint16(buf, h.MsgSeq)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.StageID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.AccountID))
	buf = append(buf, byte(len(h.From)))
	buf = append(buf, h.From...)
	buf = append(buf, byte(len(h.To)))
	buf = append(buf, h.To...)
	buf = append(buf, byte(len(h.MsgID)))
	buf = append(buf, h.MsgID...)
	return buf, nil
}

// UnmarshalRouteHeader decodes a header produced by Marshal.
func UnmarshalRouteHeader(data []byte) (*RouteHeader, error) {
	if len(data) < 25 {
		return nil, NewPlayError(InvalidMessage, fmt.Sprintf("route header too short: %d", len(data)))
	}
	if data[0] != routeHeaderVersion {
		return nil, NewPlayError(InvalidMessage, fmt.Sprintf("route header version %d", data[0]))
	}

	flags := data[1]
	h := &RouteHeader{
		ServiceID:  binary.LittleEndian.Uint16(data[2:]),
		ServerType: ServiceType(data[4]),
		ErrorCode:  ErrorCode(binary.LittleEndian.Uint16(data[5:])),
		MsgSeq:     binary.LittleEndian.Uint16(data[7:]),
		StageID:    int64(binary.LittleEndian.Uint64(data[9:])),
		AccountID:  int64(binary.LittleEndian.Uint64(data[17:])),
		IsSystem:   flags&flagSystem != 0,
		IsReply:    flags&flagReply != 0,
		IsBase:     flags&flagBase != 0,
		IsBackend:  flags&flagBackend != 0,
	}

	off := 25
	for i, dst := range []*string{&h.From, &h.To, &h.MsgID} {
		if off >= len(data) {
			return nil, NewPlayError(InvalidMessage, fmt.Sprintf("route header truncated at field %d", i))
		}
		n := int(data[off])
		off++
		if off+n > len(data) {
			return nil, NewPlayError(InvalidMessage, fmt.Sprintf("route header truncated at field %d", i))
		}
		*dst = string(data[off : off+n])
		off += n
	}
	return h, nil
}
