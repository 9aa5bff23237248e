// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package bufpool

import "testing"

func TestAcquireReleaseReuse(t *testing.T) {
	p := New(2, 64)

	a := p.Acquire()
	b := p.Acquire()
	if a == nil || b == nil {
		t.Fatal("expected two buffers from a fresh pool")
	}
	if got := p.Acquire(); got != nil {
		t.Fatalf("pool of 2 gave a 3rd buffer: %v", got)
	}
	if p.Misses() != 1 {
		t.Fatalf("misses = %d, want 1", p.Misses())
	}

	p.Release(b)
	got := p.Acquire()
	if &got[0] != &b[0] {
		t.Fatal("expected the released buffer to be reused")
	}
}

func TestReleaseWrongSizeDropped(t *testing.T) {
	p := New(1, 64)
	buf := p.Acquire()
	p.Release(buf)

	p.Release(make([]byte, 32)) // wrong size, must be dropped not queued
	if got := p.Acquire(); got == nil {
		t.Fatal("expected the correctly-sized buffer back")
	}
	if got := p.Acquire(); got != nil {
		t.Fatal("wrong-sized release must not have grown the pool")
	}
}

func TestNeverGrows(t *testing.T) {
	p := New(3, 16)
	bufs := make([][]byte, 0, 5)
	for i := 0; i < 5; i++ {
		bufs = append(bufs, p.Acquire())
	}
	nonNil := 0
	for _, b := range bufs {
		if b != nil {
			nonNil++
		}
	}
	if nonNil != 3 {
		t.Fatalf("got %d non-nil acquires, want 3 (pool size)", nonNil)
	}
	if p.Cap() != 3 {
		t.Fatalf("Cap() = %d, want 3", p.Cap())
	}
}
