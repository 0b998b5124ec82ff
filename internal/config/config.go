package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mesh holds the settings every server shares: identity, the router
// endpoint and the discovery cadence.
type Mesh struct {
	// Identity
	ServerID  string `yaml:"server_id"`
	ServiceID uint16 `yaml:"service_id"`

	// Router
	BindEndpoint string `yaml:"bind_endpoint"`
	SendHWM      int    `yaml:"send_hwm"`
	RecvHWM      int    `yaml:"recv_hwm"`
	TCPKeepalive bool   `yaml:"tcp_keepalive"`

	// Messaging
	RequestTimeoutMs int `yaml:"request_timeout_ms"`

	// Discovery
	DiscoveryIntervalMs int `yaml:"discovery_interval_ms"`
	DiscoveryTTLMs      int `yaml:"discovery_ttl_ms"`

	LogLevel string `yaml:"log_level"`

	// Database backs the shared server registry. Leave host empty to run
	// with the in-memory publisher (single-process setups and tests).
	Database DatabaseConfig `yaml:"database"`
}

// RequestTimeout returns the mesh request timeout as a duration.
func (m Mesh) RequestTimeout() time.Duration {
	return time.Duration(m.RequestTimeoutMs) * time.Millisecond
}

// DiscoveryInterval returns the publish cadence as a duration.
func (m Mesh) DiscoveryInterval() time.Duration {
	return time.Duration(m.DiscoveryIntervalMs) * time.Millisecond
}

// DiscoveryTTL returns the liveness window as a duration.
func (m Mesh) DiscoveryTTL() time.Duration {
	return time.Duration(m.DiscoveryTTLMs) * time.Millisecond
}

// SlogLevel maps the configured log_level onto slog. Unknown values fall
// back to info.
func (m Mesh) SlogLevel() slog.Level {
	switch m.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// Enabled reports whether a database was configured at all.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// GameLoopConfig sets the fixed-timestep defaults handed to stages that
// start a game loop.
type GameLoopConfig struct {
	FixedTimestepMs     int `yaml:"fixed_timestep_ms"`
	MaxAccumulatorCapMs int `yaml:"max_accumulator_cap_ms"`
}

// PlayServer holds all configuration for a play node.
type PlayServer struct {
	Mesh Mesh `yaml:"mesh"`

	// Stage execution
	Workers               int            `yaml:"workers"`
	AuthenticateMessageID string         `yaml:"authenticate_message_id"`
	DefaultStageType      string         `yaml:"default_stage_type"`
	GameLoop              GameLoopConfig `yaml:"game_loop"`
}

// ApiServer holds all configuration for an api node, including its
// client-facing session gateway.
type ApiServer struct {
	Mesh Mesh `yaml:"mesh"`

	// Routing
	PlayServiceID uint16 `yaml:"play_service_id"`

	// Accounts
	AuthenticateMessageID string `yaml:"authenticate_message_id"`
	AutoCreateAccounts    bool   `yaml:"auto_create_accounts"`

	Gateway GatewayConfig `yaml:"gateway"`
}

// GatewayConfig configures the client session listeners. A port of zero
// disables that listener.
type GatewayConfig struct {
	BindAddress string `yaml:"bind_address"`
	TCPPort     int    `yaml:"tcp_port"`
	TLSPort     int    `yaml:"tls_port"`
	WSPort      int    `yaml:"ws_port"`
	WSSPort     int    `yaml:"wss_port"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	HeartbeatIntervalMs       int `yaml:"heartbeat_interval_ms"`
	SessionHeartbeatTTLFactor int `yaml:"session_heartbeat_ttl_factor"`
	SendQueueSize             int `yaml:"send_queue_size"`
	WriteTimeoutMs            int `yaml:"write_timeout_ms"`
}

// HeartbeatInterval returns the expected client heartbeat cadence.
func (g GatewayConfig) HeartbeatInterval() time.Duration {
	return time.Duration(g.HeartbeatIntervalMs) * time.Millisecond
}

// WriteTimeout returns the per-write deadline for client sockets.
func (g GatewayConfig) WriteTimeout() time.Duration {
	return time.Duration(g.WriteTimeoutMs) * time.Millisecond
}

func defaultMesh(serverID string, serviceID uint16, routerPort int) Mesh {
	return Mesh{
		ServerID:            serverID,
		ServiceID:           serviceID,
		BindEndpoint:        fmt.Sprintf("tcp://127.0.0.1:%d", routerPort),
		SendHWM:             100000,
		RecvHWM:             100000,
		TCPKeepalive:        true,
		RequestTimeoutMs:    30000,
		DiscoveryIntervalMs: 3000,
		DiscoveryTTLMs:      10000,
		LogLevel:            "info",
		Database: DatabaseConfig{
			Port:     5432,
			User:     "playhouse",
			Password: "playhouse",
			DBName:   "playhouse",
			SSLMode:  "disable",
		},
	}
}

// DefaultPlayServer returns PlayServer config with sensible defaults.
func DefaultPlayServer() PlayServer {
	return PlayServer{
		Mesh:                  defaultMesh("play-1", 1, 10570),
		Workers:               0, // 0 means the pool default
		AuthenticateMessageID: "AuthenticateReq",
		DefaultStageType:      "ChatStage",
		GameLoop: GameLoopConfig{
			FixedTimestepMs:     50,
			MaxAccumulatorCapMs: 250,
		},
	}
}

// DefaultApiServer returns ApiServer config with sensible defaults.
func DefaultApiServer() ApiServer {
	return ApiServer{
		Mesh:                  defaultMesh("api-1", 2, 10571),
		PlayServiceID:         1,
		AuthenticateMessageID: "LoginReq",
		AutoCreateAccounts:    true,
		Gateway: GatewayConfig{
			BindAddress:               "0.0.0.0",
			TCPPort:                   10114,
			WSPort:                    10115,
			HeartbeatIntervalMs:       10000,
			SessionHeartbeatTTLFactor: 3,
			SendQueueSize:             256,
			WriteTimeoutMs:            5000,
		},
	}
}

// LoadPlayServer loads play server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadPlayServer(path string) (PlayServer, error) {
	cfg := DefaultPlayServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// LoadApiServer loads api server config from a YAML file.
// If the file doesn't exist, returns defaults. Environment overrides are
// applied after the file.
func LoadApiServer(path string) (ApiServer, error) {
	cfg := DefaultApiServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
