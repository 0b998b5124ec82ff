package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
	"github.com/ulala-x/playhouse-net-sub015/internal/serverinfo"
)

// ServerRegistry is the Postgres-backed discovery publisher: each server
// upserts its own heartbeat row and reads back everyone still inside the TTL.
// Expired rows are swept opportunistically on each publish.
type ServerRegistry struct {
	db  *DB
	ttl time.Duration
}

// NewServerRegistry builds a registry over an open DB. ttl bounds how stale a
// row may be and still count as alive.
func NewServerRegistry(db *DB, ttl time.Duration) *ServerRegistry {
	return &ServerRegistry{db: db, ttl: ttl}
}

// UpdateServerInfo publishes self and returns the live server list.
func (r *ServerRegistry) UpdateServerInfo(ctx context.Context, self serverinfo.ServerInfo) ([]serverinfo.ServerInfo, error) {
	now := time.Now()

	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO servers (nid, service_type, service_id, server_id, endpoint, state, weight, last_heartbeat)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (nid) DO UPDATE SET
		   endpoint = EXCLUDED.endpoint,
		   state = EXCLUDED.state,
		   weight = EXCLUDED.weight,
		   last_heartbeat = EXCLUDED.last_heartbeat`,
		self.NID(), int16(self.ServiceType), int32(self.ServiceID), self.ServerID,
		self.Endpoint, string(self.State), int32(self.Weight), now,
	)
	if err != nil {
		return nil, fmt.Errorf("publishing server %s: %w", self.NID(), err)
	}

	if _, err := r.db.pool.Exec(ctx,
		`DELETE FROM servers WHERE last_heartbeat < $1`, now.Add(-r.ttl),
	); err != nil {
		return nil, fmt.Errorf("sweeping expired servers: %w", err)
	}

	rows, err := r.db.pool.Query(ctx,
		`SELECT service_type, service_id, server_id, endpoint, state, weight, last_heartbeat
		 FROM servers WHERE last_heartbeat >= $1`, now.Add(-r.ttl),
	)
	if err != nil {
		return nil, fmt.Errorf("listing live servers: %w", err)
	}
	defer rows.Close()

	var list []serverinfo.ServerInfo
	for rows.Next() {
		var (
			serviceType int16
			serviceID   int32
			state       string
			weight      int32
			info        serverinfo.ServerInfo
		)
		if err := rows.Scan(&serviceType, &serviceID, &info.ServerID,
			&info.Endpoint, &state, &weight, &info.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("scanning server row: %w", err)
		}
		info.ServiceType = protocol.ServiceType(serviceType)
		info.ServiceID = uint16(serviceID)
		info.State = serverinfo.State(state)
		info.Weight = int(weight)
		list = append(list, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating server rows: %w", err)
	}
	return list, nil
}

// Remove deletes this server's row, for clean shutdown.
func (r *ServerRegistry) Remove(ctx context.Context, nid string) error {
	if _, err := r.db.pool.Exec(ctx, `DELETE FROM servers WHERE nid = $1`, nid); err != nil {
		return fmt.Errorf("removing server %s: %w", nid, err)
	}
	return nil
}
