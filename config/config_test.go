package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portrpc/codec"
	"portrpc/engine"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, codec.CodecTypeJSON, cfg.CodecType())
	assert.Equal(t, engine.LateWarn, cfg.LatePolicyValue())
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "portrpc.yaml", `
listen: 127.0.0.1:7000
websocket_listen: 127.0.0.1:7001
streams: [rpc, config]
codec: cbor
heartbeat: 5s
late_policy: silent
rate_limit:
  rps: 100
  burst: 20
etcd:
  endpoints: [127.0.0.1:2379]
  advertise_addr: 10.0.0.1:7000
methods:
  eth_chainId: "0x1"
  net_info:
    peers: 3
schemas:
  eth_call: '{"type":"array"}'
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "127.0.0.1:7001", cfg.WebSocketListen)
	assert.Equal(t, []string{"rpc", "config"}, cfg.Streams)
	assert.Equal(t, codec.CodecTypeCBOR, cfg.CodecType())
	assert.Equal(t, Duration(5*time.Second), cfg.Heartbeat)
	assert.Equal(t, engine.LateSilent, cfg.LatePolicyValue())
	assert.Equal(t, RateLimitConfig{RPS: 100, Burst: 20}, cfg.RateLimit)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, int64(10), cfg.Etcd.TTL, "unset fields keep defaults")
	assert.Equal(t, "0x1", cfg.Methods["eth_chainId"])
	assert.Equal(t, map[string]any{"peers": 3}, cfg.Methods["net_info"])
	assert.Equal(t, `{"type":"array"}`, cfg.Schemas["eth_call"])
	assert.Equal(t, "portrpc-server", cfg.Name)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "portrpc.toml", `
listen = "127.0.0.1:7100"
heartbeat = "1m"
balancer = "consistent_hash"

[rate_limit]
rps = 2.5
burst = 5

[methods]
version = "1.2.3"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7100", cfg.Listen)
	assert.Equal(t, Duration(time.Minute), cfg.Heartbeat)
	assert.Equal(t, "consistent_hash", cfg.Balancer)
	assert.Equal(t, RateLimitConfig{RPS: 2.5, Burst: 5}, cfg.RateLimit)
	assert.Equal(t, "1.2.3", cfg.Methods["version"])
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORTRPC_LISTEN", "0.0.0.0:8000")
	t.Setenv("PORTRPC_CODEC", "cbor")
	t.Setenv("PORTRPC_HEARTBEAT", "2s")
	t.Setenv("PORTRPC_RATE_LIMIT_RPS", "10")
	t.Setenv("PORTRPC_RATE_LIMIT_BURST", "not-a-number")
	t.Setenv("PORTRPC_ETCD_ENDPOINTS", "a:2379, b:2379,")
	t.Setenv("PORTRPC_STREAMS", "rpc,ui")

	path := writeFile(t, "portrpc.yml", "listen: 127.0.0.1:1\nrate_limit:\n  burst: 3\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.Listen)
	assert.Equal(t, codec.CodecTypeCBOR, cfg.CodecType())
	assert.Equal(t, Duration(2*time.Second), cfg.Heartbeat)
	assert.Equal(t, 10.0, cfg.RateLimit.RPS)
	assert.Equal(t, 3, cfg.RateLimit.Burst, "unparsable env keeps the file value")
	assert.Equal(t, []string{"a:2379", "b:2379"}, cfg.Etcd.Endpoints)
	assert.Equal(t, []string{"rpc", "ui"}, cfg.Streams)
}

func TestLoadRejects(t *testing.T) {
	_, err := Load(writeFile(t, "portrpc.json", "{}"))
	assert.ErrorContains(t, err, "unsupported file type")

	_, err = Load(writeFile(t, "bad.yaml", "codec: msgpack\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "late_policy: loud\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "rate_limit:\n  rps: 5\n"))
	assert.ErrorContains(t, err, "burst")

	_, err = Load(writeFile(t, "bad.yaml", "heartbeat: soon\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
