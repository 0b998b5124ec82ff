package protocol

import (
	"encoding/binary"
	"fmt"
)

// System msgIds used by the framework between servers. User msgIds never
// start with '$'.
const (
	MsgIDCreateStage      = "$CreateStage$"
	MsgIDJoinStage        = "$JoinStage$"
	MsgIDLeaveStage       = "$LeaveStage$"
	MsgIDCloseStage       = "$CloseStage$"
	MsgIDDisconnect       = "$Disconnect$"
	MsgIDToClient         = "$ToClient$"
	MsgIDBindSession      = "$BindSession$"
	MsgIDBindStage        = "$BindStage$"
	MsgIDDisconnectClient = "$DisconnectClient$"
)

// CreateStageReq asks a play server to create a stage. The stage id travels
// in the route header.
type CreateStageReq struct {
	StageType   string
	UserPayload []byte
}

func (m *CreateStageReq) Marshal() []byte {
	buf := make([]byte, 0, 2+len(m.StageType)+4+len(m.UserPayload))
	buf = appendString(buf, m.StageType)
	buf = appendBytes(buf, m.UserPayload)
	return buf
}

func UnmarshalCreateStageReq(data []byte) (*CreateStageReq, error) {
	var m CreateStageReq
	var err error
	if m.StageType, data, err = readString(data); err != nil {
		return nil, fmt.Errorf("create stage req: %w", err)
	}
	if m.UserPayload, _, err = readBytes(data); err != nil {
		return nil, fmt.Errorf("create stage req: %w", err)
	}
	return &m, nil
}

// JoinStageReq asks a play server to bind an account to a stage. Account and
// stage ids travel in the route header. CreateIfAbsent carries the stage type
// so create-and-join works in one round trip. Resume preserves an existing
// actor's authentication across a reconnect.
type JoinStageReq struct {
	StageType      string
	CreateIfAbsent bool
	Resume         bool
	SessionNID     string
	SessionID      int64
	UserPayload    []byte
}

func (m *JoinStageReq) Marshal() []byte {
	buf := make([]byte, 0, 16+len(m.StageType)+len(m.SessionNID)+len(m.UserPayload))
	buf = appendString(buf, m.StageType)
	buf = append(buf, boolByte(m.CreateIfAbsent), boolByte(m.Resume))
	buf = appendString(buf, m.SessionNID)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.SessionID))
	buf = appendBytes(buf, m.UserPayload)
	return buf
}

func UnmarshalJoinStageReq(data []byte) (*JoinStageReq, error) {
	var m JoinStageReq
	var err error
	if m.StageType, data, err = readString(data); err != nil {
		return nil, fmt.Errorf("join stage req: %w", err)
	}
	if len(data) < 2 {
		return nil, NewPlayError(InvalidMessage, "join stage req truncated")
	}
	m.CreateIfAbsent = data[0] != 0
	m.Resume = data[1] != 0
	data = data[2:]
	if m.SessionNID, data, err = readString(data); err != nil {
		return nil, fmt.Errorf("join stage req: %w", err)
	}
	if len(data) < 8 {
		return nil, NewPlayError(InvalidMessage, "join stage req truncated")
	}
	m.SessionID = int64(binary.LittleEndian.Uint64(data))
	data = data[8:]
	if m.UserPayload, _, err = readBytes(data); err != nil {
		return nil, fmt.Errorf("join stage req: %w", err)
	}
	return &m, nil
}

// BindSessionMsg tells a gateway that a session is now an authenticated
// account.
type BindSessionMsg struct {
	SessionID int64
	AccountID int64
}

func (m *BindSessionMsg) Marshal() []byte {
	buf := make([]byte, 0, 16)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.SessionID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.AccountID))
	return buf
}

func UnmarshalBindSessionMsg(data []byte) (*BindSessionMsg, error) {
	if len(data) < 16 {
		return nil, NewPlayError(InvalidMessage, "bind session msg truncated")
	}
	return &BindSessionMsg{
		SessionID: int64(binary.LittleEndian.Uint64(data)),
		AccountID: int64(binary.LittleEndian.Uint64(data[8:])),
	}, nil
}

// BindStageMsg tells a gateway which play server and stage a session's
// account now lives on.
type BindStageMsg struct {
	SessionID int64
	AccountID int64
	PlayNID   string
	StageID   int64
}

func (m *BindStageMsg) Marshal() []byte {
	buf := make([]byte, 0, 26+len(m.PlayNID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.SessionID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.AccountID))
	buf = appendString(buf, m.PlayNID)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.StageID))
	return buf
}

func UnmarshalBindStageMsg(data []byte) (*BindStageMsg, error) {
	if len(data) < 16 {
		return nil, NewPlayError(InvalidMessage, "bind stage msg truncated")
	}
	m := &BindStageMsg{
		SessionID: int64(binary.LittleEndian.Uint64(data)),
		AccountID: int64(binary.LittleEndian.Uint64(data[8:])),
	}
	var err error
	data = data[16:]
	if m.PlayNID, data, err = readString(data); err != nil {
		return nil, fmt.Errorf("bind stage msg: %w", err)
	}
	if len(data) < 8 {
		return nil, NewPlayError(InvalidMessage, "bind stage msg truncated")
	}
	m.StageID = int64(binary.LittleEndian.Uint64(data))
	return m, nil
}

// DisconnectClientMsg asks a gateway to close a session, e.g. when a newer
// connection preempts it.
type DisconnectClientMsg struct {
	SessionID int64
}

func (m *DisconnectClientMsg) Marshal() []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(m.SessionID))
}

func UnmarshalDisconnectClientMsg(data []byte) (*DisconnectClientMsg, error) {
	if len(data) < 8 {
		return nil, NewPlayError(InvalidMessage, "disconnect client msg truncated")
	}
	return &DisconnectClientMsg{SessionID: int64(binary.LittleEndian.Uint64(data))}, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, NewPlayError(InvalidMessage, "truncated string")
	}
	n := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	if len(data) < n {
		return "", nil, NewPlayError(InvalidMessage, "truncated string")
	}
	return string(data[:n]), data[n:], nil
}

func readBytes(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, NewPlayError(InvalidMessage, "truncated bytes")
	}
	n := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if len(data) < n {
		return nil, nil, NewPlayError(InvalidMessage, "truncated bytes")
	}
	if n == 0 {
		return nil, data, nil
	}
	return data[:n], data[n:], nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
