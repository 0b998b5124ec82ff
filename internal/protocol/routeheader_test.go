package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteHeaderRoundtrip(t *testing.T) {
	h := &RouteHeader{
		From:       "2:api-1",
		To:         "1:play-1",
		ServiceID:  1,
		ServerType: ServiceTypePlay,
		MsgID:      "JoinStageReq",
		MsgSeq:     42,
		StageID:    100,
		AccountID:  777,
		ErrorCode:  Success,
		IsSystem:   true,
		IsBackend:  true,
	}

	data, err := h.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalRouteHeader(data)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestRouteHeaderReplyFlag(t *testing.T) {
	h := &RouteHeader{
		From:      "1:play-1",
		To:        "2:api-1",
		MsgSeq:    42,
		ErrorCode: StageNotFound,
		IsReply:   true,
	}
	data, err := h.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalRouteHeader(data)
	require.NoError(t, err)
	assert.True(t, got.IsReply)
	assert.Equal(t, uint16(42), got.MsgSeq, "reply must carry the request seq")
	assert.Equal(t, StageNotFound, got.ErrorCode)
	assert.False(t, got.IsSystem)
	assert.False(t, got.IsBase)
}

func TestRouteHeaderMsgIDBoundary(t *testing.T) {
	longest := strings.Repeat("m", MaxMsgIDLen)

	h := &RouteHeader{From: "1:a", To: "2:b", MsgID: longest}
	data, err := h.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalRouteHeader(data)
	require.NoError(t, err)
	assert.Equal(t, longest, got.MsgID)

	h.MsgID = longest + "m"
	_, err = h.Marshal()
	require.Error(t, err)
	assert.Equal(t, InvalidMessage, CodeOf(err))
}

func TestRouteHeaderTruncated(t *testing.T) {
	h := &RouteHeader{From: "1:a", To: "2:b", MsgID: "Msg"}
	data, err := h.Marshal()
	require.NoError(t, err)

	for _, n := range []int{0, 10, 24, len(data) - 1} {
		_, err := UnmarshalRouteHeader(data[:n])
		assert.Error(t, err, "prefix of %d bytes must not parse", n)
		assert.Equal(t, InvalidMessage, CodeOf(err))
	}
}

func TestRouteHeaderBadVersion(t *testing.T) {
	h := &RouteHeader{From: "1:a", To: "2:b"}
	data, err := h.Marshal()
	require.NoError(t, err)

	data[0] = 99
	_, err = UnmarshalRouteHeader(data)
	require.Error(t, err)
}

func TestParseServiceType(t *testing.T) {
	for s, want := range map[string]ServiceType{
		"play":    ServiceTypePlay,
		"api":     ServiceTypeAPI,
		"session": ServiceTypeSession,
	} {
		got, err := ParseServiceType(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseServiceType("mystery")
	assert.Error(t, err)
}
