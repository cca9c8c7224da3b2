package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagefleet/internal/engine"
	"github.com/JakeFAU/pagefleet/internal/engine/enginetest"
	"github.com/JakeFAU/pagefleet/internal/wire"
)

func send(t *testing.T, port int, raw string) string {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write([]byte(raw))
	require.NoError(t, err)
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(data)
}

func TestServerReplyConventions(t *testing.T) {
	t.Parallel()

	backend := enginetest.NewBackend()
	backend.SetPage("https://c.example/", enginetest.Page{HTML: "<b>c</b>", Eval: map[string]any{"1+1": 2.0}})
	srv := enginetest.Serve(t, backend)
	port := srv.Port()

	assert.JSONEq(t, `{"result":"DONE"}`, send(t, port, `{"command":"RESET","args":""}`))
	assert.JSONEq(t, `{"result":"DONE"}`, send(t, port, `{"command":"SET_URL","args":"https://c.example/"}`))
	assert.JSONEq(t, `{"result":"True"}`, send(t, port, `{"command":"HAS_PAGE_LOADED","args":""}`))
	assert.JSONEq(t, `{"result":"False"}`, send(t, port, `{"command":"IS_PAGE_ERROR","args":""}`))
	assert.JSONEq(t, `{"result":2}`, send(t, port, `{"command":"EVAL_JS","args":"1+1"}`))
	assert.Equal(t, "8", send(t, port, `{"command":"GET_HTML_LEN","args":""}`))
	assert.Equal(t, "<b>c</b>", send(t, port, `{"command":"GET_HTML","args":""}`))
	assert.JSONEq(t, `{"result":"DONE"}`, send(t, port, `{"command":"SET_PROXY","args":["socks",  "10.1.1.1", 1080]}`))

	var reply wire.Reply
	require.NoError(t, json.Unmarshal([]byte(send(t, port, `{"command":"FLY","args":""}`)), &reply))
	assert.JSONEq(t, `"ERROR"`, string(reply.Result))
	assert.Contains(t, reply.Message, "unknown command")

	require.NoError(t, json.Unmarshal([]byte(send(t, port, `{"command":"SET_HEADER","args":["only-name"]}`)), &reply))
	assert.JSONEq(t, `"ERROR"`, string(reply.Result))

	require.NoError(t, json.Unmarshal([]byte(send(t, port, `not json`)), &reply))
	assert.JSONEq(t, `"ERROR"`, string(reply.Result))
}

func TestServerLengthMatchesPendingPayload(t *testing.T) {
	t.Parallel()

	backend := enginetest.NewBackend()
	backend.SetPage("https://d.example/", enginetest.Page{HTML: "first"})
	srv := enginetest.Serve(t, backend)
	port := srv.Port()

	send(t, port, `{"command":"SET_URL","args":"https://d.example/"}`)
	n := send(t, port, `{"command":"GET_HTML_LEN","args":""}`)
	assert.Equal(t, "5", n)

	// The page changes between the two calls; the announced payload still wins.
	backend.SetPage("https://d.example/", enginetest.Page{HTML: "second, longer"})
	assert.Equal(t, "first", send(t, port, `{"command":"GET_HTML","args":""}`))
	assert.Equal(t, "second, longer", send(t, port, `{"command":"GET_HTML","args":""}`))
}

func TestServerCloseStopsServe(t *testing.T) {
	t.Parallel()

	srv := engine.NewServer(enginetest.NewBackend(), nil, time.Second)
	require.NoError(t, srv.Listen("127.0.0.1", 0))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, engine.ErrServerClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
	require.NoError(t, srv.Close())
}
