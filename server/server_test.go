package server

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portrpc/client"
	"portrpc/engine"
	"portrpc/message"
	"portrpc/registry"
	"portrpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct {
	release chan struct{}
	started chan struct{}
}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Divide(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

func (a *Arith) Slow(ctx context.Context, args *Args, reply *Reply) error {
	a.started <- struct{}{}
	select {
	case <-a.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	reply.Result = args.A
	return nil
}

// Not an RPC method: wrong signature.
func (a *Arith) Helper(x int) int { return x }

func newArith() *Arith {
	return &Arith{release: make(chan struct{}), started: make(chan struct{}, 1)}
}

func listen(t *testing.T, svr *Server) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l)
	return l.Addr().String()
}

func dial(t *testing.T, addr string) *client.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := client.Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, code, rpcErr.Code, rpcErr.Message)
}

func TestRegisterScansMethods(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith()))
	assert.Equal(t, []string{"Arith.Add", "Arith.Divide", "Arith.Slow"}, svr.Methods())

	assert.Error(t, svr.Register(Arith{}))
	assert.Error(t, svr.Register(&struct{}{}))
}

func TestServeConnOverPipe(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith()))

	cp, sp := transport.NewPipe("client", "server")
	defer sp.Close()
	go svr.ServeConn(context.Background(), sp)

	conn, err := client.NewConn(callCtx(t), cp)
	require.NoError(t, err)
	defer conn.Close()

	var reply Reply
	require.NoError(t, conn.Call(callCtx(t), "Arith.Add", &Args{A: 1, B: 2}, &reply))
	assert.Equal(t, 3, reply.Result)
}

func TestServerOverTCP(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith()))
	require.NoError(t, svr.Handle("Server.Version", "1.0"))
	defer svr.Shutdown(time.Second)

	conn := dial(t, listen(t, svr))
	ctx := callCtx(t)

	var reply Reply
	require.NoError(t, conn.Call(ctx, "Arith.Add", &Args{A: 10, B: 20}, &reply))
	assert.Equal(t, 30, reply.Result)

	// Positional params carry the argument struct first.
	require.NoError(t, conn.Call(ctx, "Arith.Add", []any{Args{A: 4, B: 5}}, &reply))
	assert.Equal(t, 9, reply.Result)

	var version string
	require.NoError(t, conn.Call(ctx, "Server.Version", nil, &version))
	assert.Equal(t, "1.0", version)

	err := conn.Call(ctx, "Arith.Divide", &Args{A: 1}, &reply)
	requireCode(t, err, message.CodeInternal)
	assert.Contains(t, err.Error(), "divide by zero")

	requireCode(t, conn.Call(ctx, "Arith.Missing", nil, nil), message.CodeMethodNotFound)
	requireCode(t, conn.Call(ctx, "Arith.Add", "not an object", &reply), message.CodeInvalidParams)
	assert.Equal(t, 0, conn.Pending())
}

func TestServerOverWebSocket(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith()))
	ts := httptest.NewServer(svr.WebSocketHandler())
	defer ts.Close()
	defer svr.Shutdown(time.Second)

	conn := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http"))

	var reply Reply
	require.NoError(t, conn.Call(callCtx(t), "Arith.Add", &Args{A: 2, B: 2}, &reply))
	assert.Equal(t, 4, reply.Result)
}

func TestConcurrentCallsOnOneSession(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith()))
	defer svr.Shutdown(time.Second)
	conn := dial(t, listen(t, svr))

	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		go func() {
			var reply Reply
			if err := conn.Call(callCtx(t), "Arith.Add", &Args{A: i, B: i}, &reply); err != nil {
				errs <- err
				return
			}
			if reply.Result != 2*i {
				errs <- errors.New("mismatched reply")
				return
			}
			errs <- nil
		}()
	}
	for i := 0; i < 50; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestRateLimit(t *testing.T) {
	svr := NewServer(WithRateLimit(0.001, 1))
	require.NoError(t, svr.Register(newArith()))
	defer svr.Shutdown(time.Second)
	conn := dial(t, listen(t, svr))

	var reply Reply
	require.NoError(t, conn.Call(callCtx(t), "Arith.Add", &Args{A: 1, B: 1}, &reply))
	requireCode(t, conn.Call(callCtx(t), "Arith.Add", &Args{A: 1, B: 1}, &reply), message.CodeLimitExceeded)
}

func TestParamsSchema(t *testing.T) {
	svr := NewServer(WithParamsSchemas(map[string]string{
		"Arith.Add": `{"type":"object","required":["A","B"]}`,
	}))
	require.NoError(t, svr.Register(newArith()))
	defer svr.Shutdown(time.Second)
	conn := dial(t, listen(t, svr))

	var reply Reply
	err := conn.Call(callCtx(t), "Arith.Add", map[string]int{"A": 1}, &reply)
	requireCode(t, err, message.CodeInvalidParams)
	require.NoError(t, conn.Call(callCtx(t), "Arith.Add", &Args{A: 1, B: 1}, &reply))
}

func TestRegisterAfterServing(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith()))
	defer svr.Shutdown(time.Second)
	dial(t, listen(t, svr))

	assert.ErrorIs(t, svr.Handle("Late.Method", 1), ErrServing)
	assert.ErrorIs(t, svr.Register(newArith()), ErrServing)
}

func TestShutdownWithdrawsEndpoints(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()

	svr := NewServer(WithRegistry(reg, addr, 10))
	require.NoError(t, svr.Register(newArith()))
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(l) }()

	require.Eventually(t, func() bool {
		eps, _ := reg.Discover(context.Background(), "Arith")
		return len(eps) == 1 && eps[0].Addr == addr
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, svr.Shutdown(time.Second))
	eps, err := reg.Discover(context.Background(), "Arith")
	require.NoError(t, err)
	assert.Empty(t, eps)

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeListener should return after Shutdown")
	}
}

func TestShutdownWaitsForInflightRequests(t *testing.T) {
	arith := newArith()
	svr := NewServer()
	require.NoError(t, svr.Register(arith))
	conn := dial(t, listen(t, svr))

	result := make(chan error, 1)
	go func() {
		var reply Reply
		result <- conn.Call(callCtx(t), "Arith.Slow", &Args{A: 7}, &reply)
	}()
	<-arith.started

	stopped := make(chan error, 1)
	go func() { stopped <- svr.Shutdown(2 * time.Second) }()

	select {
	case <-stopped:
		t.Fatal("Shutdown returned while a request was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(arith.release)
	assert.NoError(t, <-result)
	assert.NoError(t, <-stopped)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session should end after Shutdown")
	}
}

func TestShutdownTimesOut(t *testing.T) {
	arith := newArith()
	svr := NewServer()
	require.NoError(t, svr.Register(arith))
	conn := dial(t, listen(t, svr))

	go conn.Call(context.Background(), "Arith.Slow", &Args{}, nil)
	<-arith.started

	err := svr.Shutdown(50 * time.Millisecond)
	assert.ErrorContains(t, err, "timeout")
}

func TestUseRunsBeforeMethodTable(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(newArith()))
	seen := make(chan string, 1)
	require.NoError(t, svr.Use(engine.PassThrough(func(_ context.Context, req *message.Request, _ *message.Response) {
		seen <- req.Method
	})))
	defer svr.Shutdown(time.Second)
	conn := dial(t, listen(t, svr))

	var reply Reply
	require.NoError(t, conn.Call(callCtx(t), "Arith.Add", &Args{A: 1, B: 1}, &reply))
	assert.Equal(t, "Arith.Add", <-seen)
	assert.ErrorIs(t, svr.Use(engine.PassThrough(nil)), ErrServing)
}
