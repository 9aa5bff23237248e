// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package bufpool implements the fixed-slot buffer pool from spec §4.3: a
// pool of N buffers of size S that never grows, handing back nil under
// pressure so callers can fall back to a heap allocation and account the
// miss. The free list is a buffered channel, so buffers are handed out in
// the order they were released (FIFO), not newest-first.
//
// This is hand-rolled rather than built on sync.Pool: sync.Pool is
// unbounded and GC-swept, which doesn't give the fixed-N / no-growth /
// miss-accounted semantics the spec pins down (see DESIGN.md, C3). A Pool
// holds buffers of a single size; there are no size-class tiers.
package bufpool

import "sync/atomic"

// Pool is a fixed-slot slab of buffers of size Size. It is safe for
// concurrent use.
type Pool struct {
	Size int

	free chan []byte

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Pool of n buffers, each size bytes, pre-allocated.
func New(n, size int) *Pool {
	p := &Pool{
		Size: size,
		free: make(chan []byte, n),
	}
	for i := 0; i < n; i++ {
		p.free <- make([]byte, size)
	}
	return p
}

// Acquire returns a pool buffer, or nil if the pool is exhausted. On a nil
// return the caller is expected to allocate from the heap and may use
// Misses to observe pressure.
func (p *Pool) Acquire() []byte {
	select {
	case buf := <-p.free:
		p.hits.Add(1)
		return buf[:cap(buf)]
	default:
		p.misses.Add(1)
		return nil
	}
}

// Release returns buf to the pool. Buffers not originating from this pool
// (wrong size) or offered when the pool is already full are silently
// dropped — the pool never grows.
func (p *Pool) Release(buf []byte) {
	if cap(buf) != p.Size {
		return
	}
	select {
	case p.free <- buf:
	default:
		// Pool full (shouldn't happen if callers pair Acquire/Release 1:1,
		// but a caller-supplied buffer of the right size is tolerated).
	}
}

// Hits returns the number of Acquire calls satisfied from the pool.
func (p *Pool) Hits() int64 { return p.hits.Load() }

// Misses returns the number of Acquire calls that found the pool empty.
func (p *Pool) Misses() int64 { return p.misses.Load() }

// Cap returns the pool's fixed slot count.
func (p *Pool) Cap() int { return cap(p.free) }
