package router

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultipartRoundtrip(t *testing.T) {
	msg := &Message{
		Target:  "1:play-1",
		Header:  []byte{0x01, 0x02, 0x03},
		Payload: []byte("payload"),
	}

	var w bytes.Buffer
	require.NoError(t, writeMessage(&w, msg))

	got, err := readMessage(&w)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestMultipartEmptyParts(t *testing.T) {
	msg := &Message{Target: "1:a"}

	var w bytes.Buffer
	require.NoError(t, writeMessage(&w, msg))

	got, err := readMessage(&w)
	require.NoError(t, err)
	assert.Equal(t, "1:a", got.Target)
	assert.Nil(t, got.Header)
	assert.Nil(t, got.Payload)
}

func TestMultipartRejectsOversizedPart(t *testing.T) {
	var w bytes.Buffer
	w.Write([]byte{0xFF, 0xFF, 0xFF, 0x7F}) // absurd target length

	_, err := readMessage(&w)
	require.Error(t, err)
}

func startSocket(t *testing.T, ctx context.Context) *Socket {
	t.Helper()
	s := NewSocket(Config{BindEndpoint: "127.0.0.1:0", TCPKeepalive: true})
	require.NoError(t, s.Bind())
	go s.Run(ctx)
	t.Cleanup(s.Close)
	return s
}

func TestSendReceiveBetweenSockets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startSocket(t, ctx)
	b := startSocket(t, ctx)

	require.NoError(t, a.Connect(b.Addr().String()))

	msg := &Message{Target: "2:b", Header: []byte{0x01}, Payload: []byte("hello b")}
	require.NoError(t, a.Send(b.Addr().String(), msg))

	select {
	case got := <-b.Recv():
		assert.Equal(t, "2:b", got.Target)
		assert.Equal(t, []byte("hello b"), got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestSendPreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startSocket(t, ctx)
	b := startSocket(t, ctx)
	require.NoError(t, a.Connect(b.Addr().String()))

	const n = 100
	for i := 0; i < n; i++ {
		msg := &Message{Target: "2:b", Payload: []byte{byte(i)}}
		require.NoError(t, a.Send(b.Addr().String(), msg))
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-b.Recv():
			require.Equal(t, byte(i), got.Payload[0], "out-of-order delivery at %d", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing message %d", i)
		}
	}
}

func TestSendToUnconnectedPeerIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startSocket(t, ctx)
	// Queued fine; the send loop drops it with a warning.
	assert.NoError(t, a.Send("127.0.0.1:1", &Message{Target: "x"}))
}

func TestSendBackpressure(t *testing.T) {
	s := NewSocket(Config{BindEndpoint: "127.0.0.1:0", SendHWM: 4, SendWait: 20 * time.Millisecond})
	require.NoError(t, s.Bind())
	t.Cleanup(s.Close)
	// Run is never started, so the queue fills up.

	var overflowed bool
	for i := 0; i < 10; i++ {
		err := s.Send("127.0.0.1:1", &Message{Target: "x", Payload: []byte{byte(i)}})
		if err != nil {
			require.ErrorIs(t, err, ErrBufferOverflow)
			overflowed = true
			break
		}
	}
	assert.True(t, overflowed, "full queue must surface ErrBufferOverflow")
}

func TestConnectTwiceIsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startSocket(t, ctx)
	b := startSocket(t, ctx)

	require.NoError(t, a.Connect(b.Addr().String()))
	require.NoError(t, a.Connect(b.Addr().String()))
}

func TestSendAfterCloseFails(t *testing.T) {
	s := NewSocket(Config{BindEndpoint: "127.0.0.1:0"})
	require.NoError(t, s.Bind())
	s.Close()

	err := s.Send("127.0.0.1:1", &Message{Target: "x"})
	assert.Error(t, err)
}
