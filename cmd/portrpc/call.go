package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"portrpc/client"
	"portrpc/codec"
	"portrpc/config"
	"portrpc/engine"
	"portrpc/loadbalance"
	"portrpc/logging"
	"portrpc/registry"
)

type callOptions struct {
	addr     string
	etcd     []string
	balancer string
	method   string
	params   string
	codec    string
	late     engine.LatePolicy
	timeout  time.Duration
	notify   bool
}

// callOptionsFrom takes discovery, codec and late policy settings from a
// validated config.
func callOptionsFrom(cfg config.Config) callOptions {
	return callOptions{
		etcd:     cfg.Etcd.Endpoints,
		balancer: cfg.Balancer,
		codec:    cfg.Codec,
		late:     cfg.LatePolicyValue(),
	}
}

func runCall(ctx context.Context, out io.Writer, opts callOptions) error {
	var params any
	if opts.params != "" {
		if !json.Valid([]byte(opts.params)) {
			return fmt.Errorf("--params is not valid JSON")
		}
		params = json.RawMessage(opts.params)
	}
	ct, err := codec.ParseCodecType(opts.codec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	clientOpts := []client.Option{
		client.WithCodec(ct),
		client.WithHeartbeat(0),
		client.WithLogger(logging.Discard()),
		client.WithLatePolicy(opts.late),
	}

	var result json.RawMessage
	switch {
	case opts.addr != "":
		conn, err := client.Dial(ctx, opts.addr, clientOpts...)
		if err != nil {
			return err
		}
		defer conn.Close()
		if opts.notify {
			return conn.Notify(ctx, opts.method, params)
		}
		if err := conn.Call(ctx, opts.method, params, &result); err != nil {
			return err
		}
	case len(opts.etcd) > 0:
		if opts.notify {
			return errors.New("--notify needs --addr")
		}
		bal, err := loadbalance.New(opts.balancer)
		if err != nil {
			return err
		}
		reg, err := registry.NewEtcdRegistry(opts.etcd)
		if err != nil {
			return err
		}
		defer reg.Close()
		cli := client.NewClient(reg, bal, clientOpts...)
		defer cli.Close()
		err = cli.Call(ctx, opts.method, params, &result)
		if err != nil {
			return err
		}
	default:
		return errors.New("one of --addr or --etcd is required")
	}

	_, err = fmt.Fprintln(out, string(result))
	return err
}
