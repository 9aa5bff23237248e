// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package framing

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mcp-transport/runtime/internal/ioutil"
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

func TestEncodeRoundTrip(t *testing.T) {
	for _, payload := range [][]byte{
		{},
		[]byte("hi"),
		bytes.Repeat([]byte("x"), 70000),
	} {
		encoded, err := Encode(payload, 1<<20)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if got, want := len(encoded), PrefixSize+len(payload); got != want {
			t.Fatalf("len(encoded) = %d, want %d", got, want)
		}
		if diff := cmp.Diff(payload, encoded[PrefixSize:]); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEncodeRefusesOversize(t *testing.T) {
	_, err := Encode(make([]byte, 10), 4)
	if err == nil {
		t.Fatal("Encode: want error for oversize payload")
	}
}

func TestSendRecvFramedRoundTrip(t *testing.T) {
	client, server := pipe(t)

	want := []byte(`{"id":1,"method":"echo","params":{"t":"hi"}}`)
	done := make(chan error, 1)
	go func() {
		done <- SendFramed(client, want, 1<<20, nil)
	}()

	got, err := RecvFramed(ioutil.NewReader(server), 1<<20, nil)
	if err != nil {
		t.Fatalf("RecvFramed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendFramed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestRecvFramedZeroLength(t *testing.T) {
	client, server := pipe(t)
	go SendFramed(client, nil, 1<<20, nil)

	got, err := RecvFramed(ioutil.NewReader(server), 1<<20, nil)
	if err != nil {
		t.Fatalf("RecvFramed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}

func TestRecvFramedOversizePrefix(t *testing.T) {
	client, server := pipe(t)
	go func() {
		// Write a length prefix claiming more than maxLen; the receiver
		// must fail before attempting to read a body that never arrives.
		SendFramed(client, make([]byte, 100), 1<<20, nil)
	}()

	_, err := RecvFramed(ioutil.NewReader(server), 10, nil)
	if err == nil {
		t.Fatal("RecvFramed: want framing error for oversize prefix")
	}
}

func TestRecvFramedCancelled(t *testing.T) {
	_, server := pipe(t)
	cancel := &ioutil.CancelFlag{}
	cancel.Cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := RecvFramed(ioutil.NewReader(server), 1<<20, cancel)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("RecvFramed: want error when cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RecvFramed did not return promptly after cancel")
	}
}
