// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wsserver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestEchoThroughServer(t *testing.T) {
	srv := New(Config{MaxClients: 2})
	onMessage := func(_ context.Context, _ any, payload []byte) ([]byte, error) {
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}
	if err := srv.Start(context.Background(), onMessage, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("reply = %q, want %q", data, "hello")
	}

	time.Sleep(50 * time.Millisecond)
	if got := srv.Stats().Active; got != 1 {
		t.Fatalf("Active = %d, want 1", got)
	}
}

func TestCapacityRejection(t *testing.T) {
	srv := New(Config{MaxClients: 1})
	block := make(chan struct{})
	onMessage := func(_ context.Context, _ any, payload []byte) ([]byte, error) {
		<-block
		return nil, nil
	}
	if err := srv.Start(context.Background(), onMessage, nil, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		close(block)
		srv.Stop()
	}()

	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer conn1.Close()
	conn1.WriteMessage(websocket.TextMessage, []byte("x"))

	time.Sleep(50 * time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	if err == nil {
		t.Fatal("dial 2: want rejection, got success")
	}
	if resp != nil && resp.StatusCode != 503 {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}
