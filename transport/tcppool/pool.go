// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package tcppool implements the TCP connection pool from spec §4.6: warm
// connections, idle eviction, health checks, and get/release with
// connect/request timeout discipline.
package tcppool

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mcp-transport/runtime/transport"
)

// Config configures a Pool (spec §4.6, §6 "TCP pool" knobs).
type Config struct {
	Host string
	Port int

	Min, Max int

	IdleTimeout       time.Duration
	ConnectTimeout    time.Duration
	HealthCheckPeriod time.Duration
	HealthCheckTimeout time.Duration

	// MaxAge is accepted but not enforced: neither Release nor the
	// maintenance scan checks a connection's age. Connections are retired
	// only by an invalid release, a full idle list, idle eviction, or a
	// failed probe or health check.
	MaxAge time.Duration

	Logger *logrus.Logger
}

func (c *Config) setDefaults() {
	if c.Max <= 0 {
		c.Max = 4
	}
	if c.Min < 0 {
		c.Min = 0
	}
	if c.Min > c.Max {
		c.Min = c.Max
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = 2 * time.Second
	}
}

// pooledConn is one entry in the pool (spec §3 "Pooled connection").
type pooledConn struct {
	conn     net.Conn
	lastUsed time.Time
	created  time.Time
	inUse    bool
}

// Pool is a TCP connection pool against a single peer address.
type Pool struct {
	cfg Config
	log *logrus.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*pooledConn
	inUse    int
	total    int // connections ever created, for the "no more than max opened" testable property
	shutdown bool

	stopMaintenance chan struct{}
	maintenanceDone chan struct{}
}

// New creates a Pool and starts its background maintenance goroutine.
func New(cfg Config) *Pool {
	cfg.setDefaults()
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(nopWriter{})
	}
	p := &Pool{
		cfg:             cfg,
		log:             log,
		stopMaintenance: make(chan struct{}),
		maintenanceDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.maintain()
	return p
}

type nopWriter struct{}

func (nopWriter) Write(b []byte) (int, error) { return len(b), nil }

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Idle, InUse, Total int
}

// Stats returns a snapshot of the pool's current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Idle: len(p.idle), InUse: p.inUse, Total: p.total}
}

func (p *Pool) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: p.cfg.ConnectTimeout}
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, transport.Wrap(transport.KindIOError, "dial", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// Get acquires a connection, waiting up to waitMS for one to become
// available if the pool is at capacity (spec §4.6). waitMS == 0 means
// "use ConnectTimeout as the overall budget".
func (p *Pool) Get(ctx context.Context, waitMS int) (net.Conn, error) {
	deadline := time.Now().Add(p.cfg.ConnectTimeout)
	if waitMS > 0 {
		deadline = time.Now().Add(time.Duration(waitMS) * time.Millisecond)
	}

	p.mu.Lock()
	for {
		if p.shutdown {
			p.mu.Unlock()
			return nil, transport.ErrNotRunning
		}

		// Prefer an idle connection, validating non-destructively.
		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if p.probe(pc.conn) {
				pc.inUse = true
				p.inUse++
				p.mu.Unlock()
				return pc.conn, nil
			}
			pc.conn.Close()
		}

		if p.inUse+len(p.idle) < p.cfg.Max {
			p.inUse++
			p.total++
			p.mu.Unlock()

			dialCtx, cancel := context.WithDeadline(ctx, deadline)
			conn, err := p.dial(dialCtx)
			cancel()
			if err != nil {
				p.mu.Lock()
				p.inUse--
				p.mu.Unlock()
				return nil, err
			}
			return conn, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.mu.Unlock()
			return nil, transport.ErrTimeout
		}
		waitDone := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			p.mu.Lock()
			close(waitDone)
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		p.cond.Wait()
		timer.Stop()
		select {
		case <-waitDone:
			p.mu.Unlock()
			return nil, transport.ErrTimeout
		default:
		}
	}
}

// probe performs a non-destructive liveness check on an idle connection
// before handing it back out (spec §4.6 "validate non-destructively").
// Must be called with p.mu held.
func (p *Pool) probe(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	var b [1]byte
	n, err := conn.Read(b[:])
	conn.SetReadDeadline(time.Time{})
	if n > 0 {
		// Unexpected unsolicited data; treat the connection as unhealthy
		// rather than silently discarding the byte.
		return false
	}
	if err == nil {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true // no data waiting: healthy and idle, as expected
	}
	return false
}

// Release returns conn to the pool. valid=false (or a pool already
// shutting down) closes and discards it (spec §4.6).
func (p *Pool) Release(conn net.Conn, valid bool) {
	p.mu.Lock()
	p.inUse--

	if !valid || p.shutdown {
		p.mu.Unlock()
		conn.Close()
		p.cond.Broadcast()
		return
	}

	if len(p.idle) >= p.cfg.Max {
		p.mu.Unlock()
		conn.Close()
		p.cond.Broadcast()
		return
	}

	p.idle = append(p.idle, &pooledConn{conn: conn, lastUsed: time.Now(), created: time.Now()})
	p.mu.Unlock()
	p.cond.Broadcast()
}

// maintain runs the background idle-eviction and health-check scan (spec
// §4.6 "background scan ~every second").
func (p *Pool) maintain() {
	defer close(p.maintenanceDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastHealthCheck := time.Now()
	for {
		select {
		case <-p.stopMaintenance:
			return
		case <-ticker.C:
			p.evictIdle()
			if time.Since(lastHealthCheck) >= p.cfg.HealthCheckPeriod {
				lastHealthCheck = time.Now()
				p.healthCheck()
			}
			p.topUpMin()
		}
	}
}

func (p *Pool) evictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return
	}
	kept := p.idle[:0]
	for _, pc := range p.idle {
		tooOld := time.Since(pc.lastUsed) > p.cfg.IdleTimeout
		overMin := len(kept)+p.inUse >= p.cfg.Min
		if tooOld && overMin && len(p.idle) > p.cfg.Min {
			pc.conn.Close()
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
}

func (p *Pool) healthCheck() {
	p.mu.Lock()
	candidates := append([]*pooledConn(nil), p.idle...)
	p.mu.Unlock()

	var unhealthy []*pooledConn
	for _, pc := range candidates {
		pc.conn.SetReadDeadline(time.Now().Add(p.cfg.HealthCheckTimeout))
		var b [1]byte
		n, err := pc.conn.Read(b[:])
		pc.conn.SetReadDeadline(time.Time{})
		healthy := n == 0 && err != nil
		if ne, ok := err.(net.Error); healthy && (!ok || !ne.Timeout()) {
			healthy = false
		}
		if !healthy {
			unhealthy = append(unhealthy, pc)
		}
	}
	if len(unhealthy) == 0 {
		return
	}

	p.mu.Lock()
	kept := p.idle[:0]
	for _, pc := range p.idle {
		drop := false
		for _, u := range unhealthy {
			if u == pc {
				drop = true
				break
			}
		}
		if drop {
			pc.conn.Close()
			p.log.WithField("component", "tcppool").Debug("closed unhealthy idle connection")
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
	p.mu.Unlock()
}

// topUpMin ensures at least Min healthy warm connections are kept while
// not shutting down (spec §4.6 invariant), unless the peer is unreachable.
func (p *Pool) topUpMin() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	need := p.cfg.Min - (len(p.idle) + p.inUse)
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
		conn, err := p.dial(ctx)
		cancel()
		if err != nil {
			p.log.WithField("component", "tcppool").WithError(err).Debug("top-up dial failed; peer likely unreachable")
			return
		}
		p.mu.Lock()
		if p.shutdown || len(p.idle)+p.inUse >= p.cfg.Max {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.total++
		p.idle = append(p.idle, &pooledConn{conn: conn, lastUsed: time.Now(), created: time.Now()})
		p.mu.Unlock()
	}
}

// Close shuts the pool down: no more connections are issued, all idle
// connections are closed, and the maintenance goroutine is joined.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, pc := range idle {
		pc.conn.Close()
	}

	close(p.stopMaintenance)
	<-p.maintenanceDone
	return nil
}
