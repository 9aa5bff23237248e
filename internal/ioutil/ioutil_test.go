// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package ioutil

import (
	"net"
	"testing"
	"time"
)

func pipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestSendRecvExact(t *testing.T) {
	client, server := pipe(t)
	want := []byte("exactly sixteen!")

	go SendExact(client, want, nil)

	got := make([]byte, len(want))
	r := NewReader(server)
	if err := RecvExact(r, got, nil); err != nil {
		t.Fatalf("RecvExact: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWaitReadableDoesNotConsume(t *testing.T) {
	client, server := pipe(t)
	go client.Write([]byte("ab"))

	r := NewReader(server)
	if err := WaitReadable(r, 1000, nil); err != nil {
		t.Fatalf("WaitReadable: %v", err)
	}

	got := make([]byte, 2)
	if err := RecvExact(r, got, nil); err != nil {
		t.Fatalf("RecvExact: %v", err)
	}
	if string(got) != "ab" {
		t.Fatalf("got %q, want %q (WaitReadable must not consume bytes)", got, "ab")
	}
}

func TestWaitReadableTimeout(t *testing.T) {
	_, server := pipe(t)
	r := NewReader(server)

	start := time.Now()
	err := WaitReadable(r, 300, nil)
	if err == nil {
		t.Fatal("WaitReadable: want timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("WaitReadable took %v, want close to 300ms", elapsed)
	}
}

func TestWaitReadableCancelled(t *testing.T) {
	_, server := pipe(t)
	r := NewReader(server)
	cancel := &CancelFlag{}
	cancel.Cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- WaitReadable(r, 0, cancel)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("WaitReadable: want error when cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitReadable did not return promptly after cancel")
	}
}

func TestSendVectors(t *testing.T) {
	client, server := pipe(t)
	go SendVectors(client, [][]byte{[]byte("foo"), []byte("bar")}, nil)

	got := make([]byte, 6)
	if err := RecvExact(NewReader(server), got, nil); err != nil {
		t.Fatalf("RecvExact: %v", err)
	}
	if string(got) != "foobar" {
		t.Fatalf("got %q, want %q", got, "foobar")
	}
}

func TestRecvExactConnectionClosed(t *testing.T) {
	client, server := pipe(t)
	client.Close()

	got := make([]byte, 4)
	err := RecvExact(NewReader(server), got, nil)
	if err == nil {
		t.Fatal("RecvExact: want error after peer close")
	}
}
