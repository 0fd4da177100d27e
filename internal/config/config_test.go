package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("PROTOWORKER_AUTH_TOKEN", "tok")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "/ws/protocol", cfg.Server.Path)
	assert.Equal(t, "redis:6379", cfg.Store.RedisAddr)
	assert.Equal(t, "tok", cfg.Server.AuthToken)
	assert.Equal(t, "tok", cfg.Client.AuthToken)
	assert.Equal(t, TransportWebsocket, cfg.Client.Transport)
	assert.Equal(t, 30, cfg.Client.RequestTimeoutSeconds)
}

func TestLoadJSONWithComments(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	path := write(t, "protoworker.json", `{
		// delegate
		"server": {
			"host": "0.0.0.0",
			"port": 9000,
			"protocols": ["foo", "bar"],
		},
		"client": {"legacy_envelope": true},
		"routes": [{"protocol": "foo", "url": "ws://delegate:9000/ws/protocol"}],
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, []string{"foo", "bar"}, cfg.Server.Protocols)
	assert.True(t, cfg.Client.LegacyEnvelope)
	require.Len(t, cfg.Routes, 1)
	assert.Equal(t, "foo", cfg.Routes[0].Protocol)
	assert.Equal(t, "/ws/protocol", cfg.Server.Path)
}

func TestLoadYAML(t *testing.T) {
	path := write(t, "protoworker.yaml", `
log:
  level: debug
  format: json
server:
  listen_addr: ":7000"
  path: /pw
  transport: [websocket, redis]
store:
  redis_addr: localhost:6379
  dedupe_ttl_seconds: 60
client:
  transport: redis
  request_timeout_seconds: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	assert.Equal(t, []string{TransportWebsocket, TransportRedis}, cfg.Server.Transport)
	assert.Equal(t, 60, cfg.Store.DedupeTTLSeconds)
	assert.Equal(t, TransportRedis, cfg.Client.Transport)
	assert.Equal(t, "ws://localhost:7000/pw", cfg.Server.RouteURL())
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"bad json", "c.json", `{"server": `, "parse config failed"},
		{"bad yaml", "c.yml", "server: [", "parse config failed"},
		{"unknown transport", "c.json", `{"client": {"transport": "carrier-pigeon"}}`, "unknown transport"},
		{"redis without addr", "c.json", `{"server": {"transport": ["redis"]}}`, "needs store.redis_addr"},
		{"incomplete route", "c.json", `{"routes": [{"protocol": "foo"}]}`, "routes[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(write(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read config failed")
}

func TestRouteURL(t *testing.T) {
	assert.Equal(t, "wss://example.com/ws", ServerConfig{PublicURL: "wss://example.com/ws"}.RouteURL())
	assert.Equal(t, "ws://10.0.0.1:80/ws/protocol", ServerConfig{ListenAddr: "10.0.0.1:80", Path: "/ws/protocol"}.RouteURL())
}
