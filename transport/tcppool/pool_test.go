// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tcppool

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// echoServer starts a TCP listener that accepts connections and counts them,
// without doing anything with the data (the pool's own liveness probes
// never see unsolicited bytes).
func echoServer(t *testing.T) (addr string, accepted *int64) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	var count int64
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt64(&count, 1)
			go func() {
				buf := make([]byte, 1024)
				for {
					if _, err := conn.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String(), &count
}

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

func TestPoolGetReleaseReuse(t *testing.T) {
	addr, accepted := echoServer(t)
	host, port := hostPort(t, addr)

	p := New(Config{Host: host, Port: port, Min: 0, Max: 4, ConnectTimeout: time.Second})
	defer p.Close()

	// S2-style reuse check with max=4 (Min is 0 here, so no warm top-up
	// dials are made). Issue 10 sequential requests;
	// assert no more than 4 sockets are ever opened, because releases feed
	// the idle list back for reuse.
	for i := 0; i < 10; i++ {
		conn, err := p.Get(context.Background(), 1000)
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		p.Release(conn, true)
	}

	if got := atomic.LoadInt64(accepted); got > 4 {
		t.Fatalf("accepted %d connections, want <= 4 (pool must reuse)", got)
	}
	stats := p.Stats()
	if stats.InUse != 0 {
		t.Fatalf("InUse = %d after all released, want 0", stats.InUse)
	}
}

func TestPoolBoundsConcurrent(t *testing.T) {
	addr, _ := echoServer(t)
	host, port := hostPort(t, addr)

	p := New(Config{Host: host, Port: port, Min: 0, Max: 4, ConnectTimeout: time.Second})
	defer p.Close()

	var maxInUse int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.Get(context.Background(), 2000)
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			stats := p.Stats()
			for {
				cur := atomic.LoadInt64(&maxInUse)
				if int64(stats.InUse) <= cur || atomic.CompareAndSwapInt64(&maxInUse, cur, int64(stats.InUse)) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			p.Release(conn, true)
		}()
	}
	wg.Wait()

	if maxInUse > 4 {
		t.Fatalf("observed InUse = %d, want <= 4 (Max)", maxInUse)
	}
}

func TestPoolReleaseInvalidCloses(t *testing.T) {
	addr, _ := echoServer(t)
	host, port := hostPort(t, addr)

	p := New(Config{Host: host, Port: port, Max: 2, ConnectTimeout: time.Second})
	defer p.Close()

	conn, err := p.Get(context.Background(), 1000)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p.Release(conn, false)

	if stats := p.Stats(); stats.Idle != 0 {
		t.Fatalf("Idle = %d after invalid release, want 0", stats.Idle)
	}
}
