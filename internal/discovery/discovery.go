// Package discovery drives periodic server registration and keeps the
// serverinfo center converged with the shared registry.
package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/serverinfo"
)

// Publisher is the pluggable registry backend. UpdateServerInfo publishes
// self's heartbeat and returns the full active list. TTL-based eviction of
// stale rows is the backend's concern; the controller additionally expires
// cache entries locally so a dead backend cannot pin dead peers.
type Publisher interface {
	UpdateServerInfo(ctx context.Context, self serverinfo.ServerInfo) ([]serverinfo.ServerInfo, error)
}

// EventListener receives registry change events, one batch per refresh.
type EventListener interface {
	OnServerEvents(events []serverinfo.Event)
}

const (
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultTTL               = 10 * time.Second
)

// Controller owns the heartbeat loop of one server.
type Controller struct {
	self      serverinfo.ServerInfo
	publisher Publisher
	center    *serverinfo.Center
	listener  EventListener

	interval time.Duration
	ttl      time.Duration
}

// NewController wires a heartbeat loop. interval and ttl fall back to the
// defaults when non-positive.
func NewController(self serverinfo.ServerInfo, pub Publisher, center *serverinfo.Center, listener EventListener, interval, ttl time.Duration) *Controller {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Controller{
		self:      self,
		publisher: pub,
		center:    center,
		listener:  listener,
		interval:  interval,
		ttl:       ttl,
	}
}

// Run publishes immediately and then on every interval tick until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	c.refresh(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

// Refresh runs a single publish + diff cycle. Exposed for tests.
func (c *Controller) Refresh(ctx context.Context) {
	c.refresh(ctx)
}

func (c *Controller) refresh(ctx context.Context) {
	c.self.LastHeartbeat = time.Now()

	callCtx, cancel := context.WithTimeout(ctx, c.interval)
	defer cancel()

	list, err := c.publisher.UpdateServerInfo(callCtx, c.self)
	if err != nil {
		slog.Warn("server info refresh failed", "self", c.self.NID(), "error", err)
		// Fall through: TTL eviction below still prunes the cache.
	} else {
		c.dispatch(c.center.Update(list))
	}

	c.dispatch(c.center.ExpireBefore(time.Now().Add(-c.ttl)))
}

func (c *Controller) dispatch(events []serverinfo.Event) {
	if len(events) == 0 {
		return
	}
	for _, ev := range events {
		slog.Info("server registry change",
			"kind", ev.Kind,
			"nid", ev.Server.NID(),
			"endpoint", ev.Server.Endpoint,
			"state", ev.Server.State)
	}
	if c.listener != nil {
		c.listener.OnServerEvents(events)
	}
}
