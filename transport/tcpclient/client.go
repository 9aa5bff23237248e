// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package tcpclient implements the pooled TCP client transport from spec
// §4.7: every Send/SendV acquires a connection from a tcppool.Pool, writes
// one framed message, reads the framed reply, and releases the connection
// back to the pool.
package tcpclient

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mcp-transport/runtime/internal/framing"
	"github.com/mcp-transport/runtime/internal/ioutil"
	"github.com/mcp-transport/runtime/transport"
	"github.com/mcp-transport/runtime/transport/tcppool"
)

// Config configures a Transport (spec §4.7, §6 "TCP pooled client" knobs).
type Config struct {
	Host string
	Port int

	PoolMin, PoolMax int
	PoolIdleTimeout  time.Duration
	ConnectTimeout   time.Duration
	RequestTimeoutMS int
	MaxPayload       uint32

	Logger *logrus.Logger
}

func (c *Config) setDefaults() {
	if c.MaxPayload == 0 {
		c.MaxPayload = 1 << 20
	}
	if c.RequestTimeoutMS == 0 {
		c.RequestTimeoutMS = 5000
	}
}

// Transport is the pooled TCP client transport (spec §4.7). It implements
// transport.Client, except Receive, which returns ErrNotSupported because
// every reply is consumed synchronously inside Send/SendV — a design
// carried over unchanged from the teacher's one-shot-request carriers,
// which never expose a separate async receive path either.
type Transport struct {
	cfg  Config
	pool *tcppool.Pool

	running atomic.Bool

	sent, received atomic.Int64
	bytesOut, bytesIn atomic.Int64
	errs            atomic.Int64
}

// New constructs a Transport. Start must be called before Send/SendV.
func New(cfg Config) *Transport {
	cfg.setDefaults()
	return &Transport{cfg: cfg}
}

// Start creates the underlying connection pool. onMessage and onError are
// accepted to satisfy transport.Client but are never invoked: this
// carrier's only delivery path is the synchronous reply from Send/SendV
// (spec §4.7).
func (t *Transport) Start(ctx context.Context, onMessage transport.MessageCallback, userData any, onError transport.ErrorCallback) error {
	if t.running.Load() {
		return nil
	}
	t.pool = tcppool.New(tcppool.Config{
		Host:           t.cfg.Host,
		Port:           t.cfg.Port,
		Min:            t.cfg.PoolMin,
		Max:            t.cfg.PoolMax,
		IdleTimeout:    t.cfg.PoolIdleTimeout,
		ConnectTimeout: t.cfg.ConnectTimeout,
		Logger:         t.cfg.Logger,
	})
	t.running.Store(true)
	return nil
}

// Stop closes the underlying pool. Safe to call multiple times.
func (t *Transport) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	if t.pool != nil {
		return t.pool.Close()
	}
	return nil
}

// Destroy calls Stop if needed.
func (t *Transport) Destroy() error {
	return t.Stop()
}

// Send performs one request/reply round trip over a pooled connection
// (spec §4.7): acquire, send_framed, recv_framed, release(valid).
func (t *Transport) Send(ctx context.Context, data []byte) error {
	_, err := t.roundTrip(ctx, [][]byte{data})
	return err
}

// SendV is the vectored form of Send; the buffers in iov are concatenated
// into one payload and sent as a single framed message.
func (t *Transport) SendV(ctx context.Context, iov [][]byte) error {
	_, err := t.roundTrip(ctx, iov)
	return err
}

// Receive is not supported by this carrier: every reply is already
// returned by the Send/SendV call that produced it (spec §4.7).
func (t *Transport) Receive(ctx context.Context, timeoutMS int) ([]byte, error) {
	return nil, transport.ErrNotSupported
}

// LastReply performs one round trip with data, exactly like Send, and
// returns the framed reply payload that Send discards. It does not return
// a reply from an earlier Send or SendV call.
func (t *Transport) LastReply(ctx context.Context, data []byte) ([]byte, error) {
	return t.roundTrip(ctx, [][]byte{data})
}

func (t *Transport) roundTrip(ctx context.Context, iov [][]byte) ([]byte, error) {
	if !t.running.Load() {
		return nil, transport.ErrNotRunning
	}

	conn, err := t.pool.Get(ctx, t.cfg.RequestTimeoutMS)
	if err != nil {
		t.errs.Add(1)
		return nil, err
	}

	cancel := &ioutil.CancelFlag{}
	payload := concat(iov)

	if err := framing.SendFramed(conn, payload, t.cfg.MaxPayload, cancel); err != nil {
		t.errs.Add(1)
		t.pool.Release(conn, false)
		return nil, err
	}
	t.sent.Add(1)
	t.bytesOut.Add(int64(len(payload)))

	reader := ioutil.NewReader(conn)
	if err := ioutil.WaitReadable(reader, t.cfg.RequestTimeoutMS, cancel); err != nil {
		t.errs.Add(1)
		t.pool.Release(conn, false)
		return nil, err
	}

	reply, err := framing.RecvFramed(reader, t.cfg.MaxPayload, cancel)
	if err != nil {
		t.errs.Add(1)
		t.pool.Release(conn, false)
		return nil, err
	}
	t.received.Add(1)
	t.bytesIn.Add(int64(len(reply)))

	t.pool.Release(conn, true)
	return reply, nil
}

func concat(iov [][]byte) []byte {
	if len(iov) == 1 {
		return iov[0]
	}
	n := 0
	for _, b := range iov {
		n += len(b)
	}
	out := make([]byte, 0, n)
	for _, b := range iov {
		out = append(out, b...)
	}
	return out
}

// Stats is a snapshot of this transport's request/reply counters.
type Stats struct {
	Sent, Received     int64
	BytesOut, BytesIn  int64
	Errors             int64
}

// Stats returns a snapshot of the transport's counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:     t.sent.Load(),
		Received: t.received.Load(),
		BytesOut: t.bytesOut.Load(),
		BytesIn:  t.bytesIn.Load(),
		Errors:   t.errs.Load(),
	}
}

var _ transport.Client = (*Transport)(nil)
