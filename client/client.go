// Package client calls JSON-RPC methods on portrpc servers.
//
// Conn is a single session over one port. Client sits on top: it resolves a
// "Service.Method" name through a registry, picks an endpoint with a load
// balancer and keeps one session per endpoint address.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"portrpc/loadbalance"
	"portrpc/registry"
)

type Client struct {
	registry registry.Registry // find service endpoints
	balancer loadbalance.Balancer
	opts     []Option
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*Conn // one session per endpoint address
}

// NewClient returns a client discovering endpoints in reg. opts apply to every
// session it dials.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	return &Client{
		registry: reg,
		balancer: bal,
		opts:     opts,
		logger:   applyOptions(opts).logger,
		conns:    make(map[string]*Conn),
	}
}

// Call invokes serviceMethod ("Service.Method") on an endpoint registered for
// Service and decodes the result into reply.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	serviceName, _, ok := strings.Cut(serviceMethod, ".")
	if !ok || serviceName == "" {
		return fmt.Errorf("client: invalid service method %q", serviceMethod)
	}

	endpoints, err := c.registry.Discover(ctx, serviceName)
	if err != nil {
		return err
	}

	// Keying on the full method keeps a method on one node under consistent hashing.
	ep, err := c.balancer.Pick(serviceMethod, endpoints)
	if err != nil {
		return fmt.Errorf("client: %s: %w", serviceName, err)
	}

	conn, err := c.session(ctx, ep.Addr)
	if err != nil {
		return err
	}
	return conn.Call(ctx, serviceMethod, args, reply)
}

// session returns the live session for addr, dialing a new one when there is
// none or the previous one ended.
func (c *Client) session(ctx context.Context, addr string) (*Conn, error) {
	c.mu.Lock()
	conn, ok := c.conns[addr]
	c.mu.Unlock()
	if ok {
		select {
		case <-conn.Done():
			c.logger.Debug("session ended, redialing", "addr", addr)
		default:
			return conn, nil
		}
	}

	fresh, err := Dial(ctx, addr, c.opts...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.conns[addr]; ok && current != conn {
		// Someone else replaced the session while we were dialing.
		select {
		case <-current.Done():
		default:
			go fresh.Close()
			return current, nil
		}
	}
	c.conns[addr] = fresh
	return fresh, nil
}

// Close ends every session.
func (c *Client) Close() error {
	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[string]*Conn)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return nil
}
