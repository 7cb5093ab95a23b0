package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketPortChannel(t *testing.T) {
	accepted := make(chan *WebSocketPort, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := AcceptWebSocket(w, r, nil, WithHeartbeat(0))
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- p
		<-p.Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientPort, err := DialWebSocket(ctx, url, WithHeartbeat(0))
	require.NoError(t, err)
	defer clientPort.Close()

	var serverPort *WebSocketPort
	select {
	case serverPort = <-accepted:
	case <-ctx.Done():
		t.Fatal("server never accepted")
	}

	client := mustChannel(t, "portrpc-client", "portrpc-server", clientPort)
	server := mustChannel(t, "portrpc-server", "portrpc-client", serverPort)
	waitReady(t, client, server)

	require.NoError(t, client.Write(json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, string(mustRead(t, server)))

	clientPort.Close()
	select {
	case <-server.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server channel should close after the client disconnects")
	}
}
