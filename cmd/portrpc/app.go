package main

import (
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"portrpc/config"
)

func buildApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "portrpc",
		Usage:   "JSON-RPC over framed TCP and WebSocket ports",
		Version: version,
		Writer:  out,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "serve the method table from a config file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML or TOML config file", EnvVars: []string{"PORTRPC_CONFIG"}},
				},
				Action: func(ctx *cli.Context) error {
					cfg, err := config.Load(ctx.String("config"))
					if err != nil {
						return err
					}
					return runServe(ctx.Context, cfg)
				},
			},
			{
				Name:  "call",
				Usage: "perform one call and print the result",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML or TOML config file", EnvVars: []string{"PORTRPC_CONFIG"}},
					&cli.StringFlag{Name: "addr", Usage: "host:port or ws:// URL"},
					&cli.StringSliceFlag{Name: "etcd", Usage: "discover the service in etcd instead of dialing --addr"},
					&cli.StringFlag{Name: "balancer", Value: "round_robin", Usage: "endpoint selection with --etcd"},
					&cli.StringFlag{Name: "method", Required: true},
					&cli.StringFlag{Name: "params", Usage: "params as JSON"},
					&cli.StringFlag{Name: "codec", Value: "json", Usage: "frame codec: json or cbor"},
					&cli.StringFlag{Name: "late-policy", Value: "warn", Usage: "answers after --timeout: warn or silent"},
					&cli.DurationFlag{Name: "timeout", Value: 10 * time.Second},
					&cli.BoolFlag{Name: "notify", Usage: "send a notification and expect no result"},
				},
				Action: func(ctx *cli.Context) error {
					cfg, err := config.Load(ctx.String("config"))
					if err != nil {
						return err
					}
					// Flags given on the command line win over the file.
					if ctx.IsSet("etcd") {
						cfg.Etcd.Endpoints = ctx.StringSlice("etcd")
					}
					if ctx.IsSet("balancer") {
						cfg.Balancer = ctx.String("balancer")
					}
					if ctx.IsSet("codec") {
						cfg.Codec = ctx.String("codec")
					}
					if ctx.IsSet("late-policy") {
						cfg.LatePolicy = ctx.String("late-policy")
					}
					if err := cfg.Validate(); err != nil {
						return err
					}

					opts := callOptionsFrom(cfg)
					opts.addr = ctx.String("addr")
					opts.method = ctx.String("method")
					opts.params = ctx.String("params")
					opts.timeout = ctx.Duration("timeout")
					opts.notify = ctx.Bool("notify")
					return runCall(ctx.Context, ctx.App.Writer, opts)
				},
			},
		},
	}
}
