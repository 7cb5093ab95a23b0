package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portrpc/config"
	"portrpc/engine"
	"portrpc/logging"
	"portrpc/message"
	"portrpc/metrics"
)

func startConfiguredServer(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	cfg.Methods = map[string]any{
		"Info.Version": "1.0",
		"Info.Limits":  map[string]any{"burst": 3},
	}
	cfg.Schemas = map[string]string{"Info.Version": `{"type":"null"}`}

	svr, cleanup, err := buildServer(cfg, logging.Discard(), metrics.New())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	assert.Equal(t, []string{"Info.Limits", "Info.Version"}, svr.Methods())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return l.Addr().String()
}

func TestCallCommand(t *testing.T) {
	addr := startConfiguredServer(t)

	var out bytes.Buffer
	app := buildApp(&out)
	err := app.RunContext(context.Background(), []string{"portrpc", "call", "--addr", addr, "--method", "Info.Limits"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"burst":3}`, out.String())
}

func TestRunCallErrors(t *testing.T) {
	addr := startConfiguredServer(t)
	base := callOptions{addr: addr, codec: "json", timeout: 2 * time.Second, balancer: "round_robin"}

	var out bytes.Buffer
	opts := base
	opts.method = "Info.Missing"
	err := runCall(context.Background(), &out, opts)
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeMethodNotFound, rpcErr.Code)

	opts = base
	opts.method = "Info.Version"
	opts.params = `{"unexpected":true}`
	err = runCall(context.Background(), &out, opts)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeInvalidParams, rpcErr.Code)

	opts.params = `{not json`
	assert.ErrorContains(t, runCall(context.Background(), &out, opts), "not valid JSON")

	opts = base
	opts.addr = ""
	opts.method = "Info.Version"
	assert.Error(t, runCall(context.Background(), &out, opts))
	assert.Empty(t, out.String())
}

func TestNotifyCommand(t *testing.T) {
	addr := startConfiguredServer(t)
	var out bytes.Buffer
	err := runCall(context.Background(), &out, callOptions{
		addr: addr, method: "Info.Version", codec: "json", timeout: 2 * time.Second, notify: true,
	})
	require.NoError(t, err)
	assert.Empty(t, out.String())
}

func TestCallOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.LatePolicy = "silent"
	cfg.Codec = "cbor"
	cfg.Etcd.Endpoints = []string{"127.0.0.1:2379"}

	opts := callOptionsFrom(cfg)
	assert.Equal(t, engine.LateSilent, opts.late)
	assert.Equal(t, "cbor", opts.codec)
	assert.Equal(t, []string{"127.0.0.1:2379"}, opts.etcd)
	assert.Equal(t, "round_robin", opts.balancer)

	assert.Equal(t, engine.LateWarn, callOptionsFrom(config.Default()).late)
}

func TestCallCommandWithConfigFile(t *testing.T) {
	addr := startConfiguredServer(t)
	path := filepath.Join(t.TempDir(), "call.yaml")
	require.NoError(t, os.WriteFile(path, []byte("late_policy: silent\ncodec: json\n"), 0o600))

	var out bytes.Buffer
	err := buildApp(&out).RunContext(context.Background(),
		[]string{"portrpc", "call", "--config", path, "--addr", addr, "--method", "Info.Limits"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"burst":3}`, out.String())

	err = buildApp(&out).RunContext(context.Background(),
		[]string{"portrpc", "call", "--config", path, "--late-policy", "loud", "--addr", addr, "--method", "Info.Limits"})
	assert.ErrorContains(t, err, "late policy")
}
