package serverinfo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
)

func play(id string, state State) ServerInfo {
	return ServerInfo{
		ServiceType:   protocol.ServiceTypePlay,
		ServiceID:     1,
		ServerID:      id,
		Endpoint:      "tcp://10.0.0." + id + ":7000",
		State:         state,
		Weight:        1,
		LastHeartbeat: time.Now(),
	}
}

func TestUpdateDiff(t *testing.T) {
	c := NewCenter()

	events := c.Update([]ServerInfo{play("1", StateRunning), play("2", StateRunning)})
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, EventAdded, ev.Kind)
	}

	// Same snapshot again: no events.
	events = c.Update([]ServerInfo{play("1", StateRunning), play("2", StateRunning)})
	assert.Empty(t, events)

	// State change surfaces as Updated, missing server as Removed.
	events = c.Update([]ServerInfo{play("1", StateDisabled)})
	require.Len(t, events, 2)
	kinds := map[EventKind]string{}
	for _, ev := range events {
		kinds[ev.Kind] = ev.Server.ServerID
	}
	assert.Equal(t, "1", kinds[EventUpdated])
	assert.Equal(t, "2", kinds[EventRemoved])
}

func TestFindByEndpoint(t *testing.T) {
	c := NewCenter()
	c.Update([]ServerInfo{play("1", StateRunning)})

	info, ok := c.FindByEndpoint("tcp://10.0.0.1:7000")
	require.True(t, ok)
	assert.Equal(t, "1:1", info.NID())

	_, ok = c.FindByEndpoint("tcp://10.0.0.9:7000")
	assert.False(t, ok)
}

func TestRoundRobinSkipsDisabled(t *testing.T) {
	c := NewCenter()
	c.Update([]ServerInfo{
		play("1", StateRunning),
		play("2", StateDisabled),
		play("3", StateRunning),
	})

	var picked []string
	for i := 0; i < 4; i++ {
		info, ok := c.FindRoundRobin(1)
		require.True(t, ok)
		picked = append(picked, info.ServerID)
	}
	assert.Equal(t, []string{"1", "3", "1", "3"}, picked)
}

func TestRoundRobinEmpty(t *testing.T) {
	c := NewCenter()
	_, ok := c.FindRoundRobin(1)
	assert.False(t, ok)

	c.Update([]ServerInfo{play("1", StateDisabled)})
	_, ok = c.FindRoundRobin(1)
	assert.False(t, ok)
}

func TestFindByAccountIDStable(t *testing.T) {
	c := NewCenter()
	c.Update([]ServerInfo{play("1", StateRunning), play("2", StateRunning), play("3", StateRunning)})

	first, ok := c.FindByAccountID(1, 777)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, ok := c.FindByAccountID(1, 777)
		require.True(t, ok)
		assert.Equal(t, first.NID(), again.NID(), "same account must shard to the same server")
	}

	// Different accounts spread over more than one server.
	seen := map[string]struct{}{}
	for acc := int64(0); acc < 100; acc++ {
		info, ok := c.FindByAccountID(1, acc)
		require.True(t, ok)
		seen[info.NID()] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)
}

func TestExpireBefore(t *testing.T) {
	c := NewCenter()

	stale := play("1", StateRunning)
	stale.LastHeartbeat = time.Now().Add(-time.Minute)
	fresh := play("2", StateRunning)

	c.Update([]ServerInfo{stale, fresh})

	events := c.ExpireBefore(time.Now().Add(-10 * time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, EventRemoved, events[0].Kind)
	assert.Equal(t, "1", events[0].Server.ServerID)

	_, ok := c.FindByNID("1:1")
	assert.False(t, ok)
	_, ok = c.FindByNID("1:2")
	assert.True(t, ok)
}
