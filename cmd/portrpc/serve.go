package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"portrpc/config"
	"portrpc/logging"
	"portrpc/metrics"
	"portrpc/registry"
	"portrpc/server"
)

const shutdownTimeout = 10 * time.Second

// buildServer wires a server from cfg. The returned cleanup releases the
// registry connection, if any.
func buildServer(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*server.Server, func(), error) {
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithCodec(cfg.CodecType()),
		server.WithHeartbeat(time.Duration(cfg.Heartbeat)),
		server.WithNames(cfg.Name, cfg.PeerName),
		server.WithStreams(cfg.Streams...),
		server.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		server.WithParamsSchemas(cfg.Schemas),
		server.WithOriginPatterns(cfg.OriginPatterns...),
	}

	cleanup := func() {}
	if len(cfg.Etcd.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints,
			registry.WithPrefix(cfg.Etcd.Prefix),
			registry.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect etcd: %w", err)
		}
		cleanup = func() { reg.Close() }
		opts = append(opts, server.WithRegistry(reg, cfg.Etcd.AdvertiseAddr, cfg.Etcd.TTL))
	}

	svr := server.NewServer(opts...)
	for method, result := range cfg.Methods {
		if err := svr.Handle(method, result); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	return svr, cleanup, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger(logging.Options{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Writer:    os.Stderr,
		Component: "portrpc",
	})
	slog.SetDefault(logger)
	m := metrics.New()

	svr, cleanup, err := buildServer(cfg, logger, m)
	if err != nil {
		return err
	}
	defer cleanup()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svr.Serve("tcp", cfg.Listen)
	})

	if cfg.WebSocketListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", svr.WebSocketHandler())
		mux.Handle("/metrics", m.Handler())
		hs := &http.Server{
			Addr:              cfg.WebSocketListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving websocket and metrics", "addr", cfg.WebSocketListen)
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return svr.Shutdown(shutdownTimeout)
	})

	return g.Wait()
}
