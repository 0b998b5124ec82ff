package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
)

// Environment overrides, applied after the config file. Container setups
// use these to remap ports without rewriting the YAML.
//
//	TCP_PORT         gateway tcp listener port
//	HTTP_PORT        gateway websocket listener port
//	ENABLE_TLS       "true"/"false", toggles the tls and wss listeners
//	ENABLE_WEBSOCKET "true"/"false", toggles the ws and wss listeners
//	ZMQ_PORT_OFFSET  integer added to the router bind port

// ApplyEnv mutates the config from process environment variables.
func (c *ApiServer) ApplyEnv() error {
	if v, ok := envInt("TCP_PORT"); ok {
		c.Gateway.TCPPort = v
	}
	if v, ok := envInt("HTTP_PORT"); ok {
		c.Gateway.WSPort = v
	}
	if v, ok := envBool("ENABLE_TLS"); ok && !v {
		c.Gateway.TLSPort = 0
		c.Gateway.WSSPort = 0
	}
	if v, ok := envBool("ENABLE_WEBSOCKET"); ok && !v {
		c.Gateway.WSPort = 0
		c.Gateway.WSSPort = 0
	}
	return c.Mesh.applyEnv()
}

// ApplyEnv mutates the config from process environment variables.
func (c *PlayServer) ApplyEnv() error {
	return c.Mesh.applyEnv()
}

func (m *Mesh) applyEnv() error {
	offset, ok := envInt("ZMQ_PORT_OFFSET")
	if !ok {
		return nil
	}
	endpoint, err := shiftEndpointPort(m.BindEndpoint, offset)
	if err != nil {
		return err
	}
	m.BindEndpoint = endpoint
	return nil
}

func shiftEndpointPort(endpoint string, offset int) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing bind endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return "", fmt.Errorf("bind endpoint %q has no numeric port", endpoint)
	}
	return fmt.Sprintf("%s://%s:%d", u.Scheme, u.Hostname(), port+offset), nil
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(name string) (bool, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
