// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcp-transport/runtime/transport"
)

var upgrader = websocket.Upgrader{Subprotocols: []string{"mcp"}}

func echoWSServer(t *testing.T, handle func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func TestSendAndAsyncDeliver(t *testing.T) {
	received := make(chan []byte, 1)
	srv := echoWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, data)
	})

	c := New(Config{URL: wsURL(srv.URL)})
	c.onMessage = func(_ context.Context, _ any, payload []byte) ([]byte, error) {
		received <- payload
		return nil, nil
	}
	if err := c.Start(context.Background(), c.onMessage, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("never reached Connected state")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := c.Send(context.Background(), []byte(`{"id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != `{"id":1,"method":"ping"}` {
			t.Fatalf("received = %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async delivery")
	}
}

func TestSendSyncRequestResponse(t *testing.T) {
	srv := echoWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(websocket.TextMessage, data)
		}
	})

	c := New(Config{URL: wsURL(srv.URL)})
	if err := c.Start(context.Background(), nil, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("never reached Connected state")
		}
		time.Sleep(10 * time.Millisecond)
	}

	reply, err := c.SendSync(context.Background(), []byte(`{"id":42,"method":"ping"}`), "42", 2000)
	if err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	if string(reply) != `{"id":42,"method":"ping"}` {
		t.Fatalf("reply = %q", reply)
	}
}

// TestReceiveWaitsForLastSentID exercises the uniform transport.Client
// path (Send then Receive) rather than the bespoke SendSync method,
// confirming Receive waits for the reply to the id embedded in the most
// recently sent payload.
func TestReceiveWaitsForLastSentID(t *testing.T) {
	srv := echoWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(websocket.TextMessage, data)
		}
	})

	var c transport.Client = New(Config{URL: wsURL(srv.URL)})
	if err := c.Start(context.Background(), nil, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	ws := c.(*Transport)
	deadline := time.Now().Add(2 * time.Second)
	for ws.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("never reached Connected state")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := c.Send(context.Background(), []byte(`{"id":5,"method":"ping"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply, err := c.Receive(context.Background(), 2000)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(reply) != `{"id":5,"method":"ping"}` {
		t.Fatalf("reply = %q", reply)
	}
}

func TestReceiveWithoutPriorSendReturnsInvalidArg(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"})
	_, err := c.Receive(context.Background(), 100)
	if err == nil {
		t.Fatal("Receive before any Send = nil error, want an error")
	}
	var terr *transport.Error
	if !errors.As(err, &terr) || terr.Kind != transport.KindInvalidArg {
		t.Fatalf("err = %v, want KindInvalidArg", err)
	}
}

// TestSyncTimeoutLateReplyNoContamination reproduces scenario S3: a
// request (id 7) times out client-side before the server's delayed
// reply arrives; that late reply must be recognized and discarded
// without being mistaken for the answer to a subsequent request (id 8)
// that starts waiting in the meantime.
func TestSyncTimeoutLateReplyNoContamination(t *testing.T) {
	srv := echoWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()

		_, req7, err := conn.ReadMessage()
		if err != nil {
			return
		}
		time.Sleep(250 * time.Millisecond)
		if err := conn.WriteMessage(websocket.TextMessage, req7); err != nil {
			return
		}

		_, req8, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, req8)
	})

	c := New(Config{URL: wsURL(srv.URL)})
	if err := c.Start(context.Background(), nil, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatal("never reached Connected state")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err := c.SendSync(context.Background(), []byte(`{"id":7,"method":"slow"}`), "7", 100)
	if err != transport.ErrTimeout {
		t.Fatalf("request 7 err = %v, want ErrTimeout", err)
	}

	reply, err := c.SendSync(context.Background(), []byte(`{"id":8,"method":"fast"}`), "8", 2000)
	if err != nil {
		t.Fatalf("request 8 SendSync: %v", err)
	}
	if string(reply) != `{"id":8,"method":"fast"}` {
		t.Fatalf("request 8 reply = %q, want the id-8 payload (cross-contamination from id 7's late reply)", reply)
	}
}

func TestAsciiOnlyDetection(t *testing.T) {
	if !asciiOnly([]byte("hello world, this is plain ascii")) {
		t.Fatal("want ascii-only true")
	}
	if asciiOnly([]byte("hello \xc3\xa9 world")) {
		t.Fatal("want ascii-only false for a high-bit byte")
	}
}

func TestExtractID(t *testing.T) {
	cases := map[string]string{
		`{"id":42,"method":"x"}`:      "42",
		`{"id": 7}`:                   "7",
		`{"method":"notify"}`:         "",
		`{"id":"string-id"}`:          "",
	}
	for input, want := range cases {
		if got := extractID([]byte(input)); got != want {
			t.Errorf("extractID(%q) = %q, want %q", input, got, want)
		}
	}
}
