// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wsserver implements the WebSocket server transport from spec
// §4.9: a fixed-array client slot table with bitmap occupancy tracking,
// ping-based liveness, and a periodic cleanup pass, built as an
// http.Handler on top of the gorilla/websocket upgrader.
package wsserver

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mcp-transport/runtime/transport"
)

// ClientState is a server-tracked client's lifecycle state (spec §3).
type ClientState int32

const (
	ClientFree ClientState = iota
	ClientActive
	ClientClosing
	ClientError
)

const wsBufferPoolBufferSize = 4096 // spec §4.9 WS_BUFFER_POOL_BUFFER_SIZE

// client is one slot of the fixed client table (spec §3 "WebSocket server
// client").
type client struct {
	mu           sync.Mutex
	state        ClientState
	conn         *websocket.Conn
	recvBuf      []byte
	lastActivity time.Time
	pingsSent    int
	pendingData  bool
}

// Config configures a Transport (spec §4.9, §6 "WebSocket server" knobs).
type Config struct {
	MaxClients int // M in spec §4.9, default 64

	PingInterval    time.Duration
	PingTimeout     time.Duration
	MaxPingsBeforeClose int
	CleanupInterval time.Duration
	StaleAfter      time.Duration // "≥ 5s ago" in spec §4.9

	CheckOrigin func(r *http.Request) bool
	Logger      *logrus.Logger
}

func (c *Config) setDefaults() {
	if c.MaxClients <= 0 {
		c.MaxClients = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.MaxPingsBeforeClose <= 0 {
		c.MaxPingsBeforeClose = 3
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Second
	}
}

// Transport is the WebSocket server transport (spec §4.9).
type Transport struct {
	cfg      Config
	log      *logrus.Logger
	upgrader websocket.Upgrader

	// occupancy is a word-packed bitmap, one bit per slot (spec §4.9
	// "bitmap word tracks occupancy, packed 32 per word").
	occMu     sync.Mutex
	occupancy []uint32
	clients   []*client

	onMessage transport.MessageCallback
	onError   transport.ErrorCallback
	userData  any

	total, active, peak, rejected atomic.Int64

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Transport. Start begins the liveness/cleanup
// background loops; ServeHTTP is wired into an http.Server by the caller.
func New(cfg Config) *Transport {
	cfg.setDefaults()
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(nopWriter{})
	}
	words := (cfg.MaxClients + 31) / 32
	t := &Transport{
		cfg:       cfg,
		log:       log,
		occupancy: make([]uint32, words),
		clients:   make([]*client, cfg.MaxClients),
	}
	for i := range t.clients {
		t.clients[i] = &client{}
	}
	t.upgrader = websocket.Upgrader{
		Subprotocols: []string{"mcp"},
		CheckOrigin:  cfg.CheckOrigin,
	}
	if t.upgrader.CheckOrigin == nil {
		t.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return t
}

type nopWriter struct{}

func (nopWriter) Write(b []byte) (int, error) { return len(b), nil }

// Start begins the ping-liveness and cleanup background loops (spec
// §4.9). ServeHTTP can be mounted before or after Start.
func (t *Transport) Start(ctx context.Context, onMessage transport.MessageCallback, userData any, onError transport.ErrorCallback) error {
	if !t.running.CompareAndSwap(false, true) {
		return nil
	}
	t.onMessage = onMessage
	t.onError = onError
	t.userData = userData
	t.stop = make(chan struct{})

	t.wg.Add(2)
	go t.livenessLoop()
	go t.cleanupLoop()
	return nil
}

// allocSlot performs the word-wise scan for a free slot described in spec
// §4.9, claiming it atomically under occMu.
func (t *Transport) allocSlot() int {
	t.occMu.Lock()
	defer t.occMu.Unlock()
	for w, word := range t.occupancy {
		if word == 0xFFFFFFFF {
			continue
		}
		for b := 0; b < 32; b++ {
			idx := w*32 + b
			if idx >= len(t.clients) {
				break
			}
			if word&(1<<uint(b)) == 0 {
				t.occupancy[w] = word | (1 << uint(b))
				return idx
			}
		}
	}
	return -1
}

func (t *Transport) freeSlot(idx int) {
	t.occMu.Lock()
	defer t.occMu.Unlock()
	w, b := idx/32, uint(idx%32)
	t.occupancy[w] &^= 1 << b
}

// ServeHTTP upgrades the request to a WebSocket connection and claims a
// slot, rejecting the connection if the table is at capacity (spec §4.9
// "established").
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	idx := t.allocSlot()
	if idx < 0 {
		t.rejected.Add(1)
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.freeSlot(idx)
		t.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := t.clients[idx]
	c.mu.Lock()
	c.state = ClientActive
	c.conn = conn
	c.recvBuf = c.recvBuf[:0]
	c.lastActivity = time.Now()
	c.pingsSent = 0
	c.pendingData = false
	c.mu.Unlock()

	t.total.Add(1)
	active := t.active.Add(1)
	for {
		peak := t.peak.Load()
		if active <= peak || t.peak.CompareAndSwap(peak, active) {
			break
		}
	}

	t.serveClient(idx, c)
}

// serveClient runs the blocking read loop for one accepted connection
// (spec §4.9 receive path: grow buffer 1.5x rounded to the pool slot
// size, deliver on final fragment).
func (t *Transport) serveClient(idx int, c *client) {
	conn := c.conn
	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.pingsSent = 0
		c.lastActivity = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		c.mu.Lock()
		closing := c.state != ClientActive
		c.mu.Unlock()
		if closing {
			break
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		needed := len(data)
		growTo := int(float64(needed) * 1.5)
		if rem := growTo % wsBufferPoolBufferSize; rem != 0 {
			growTo += wsBufferPoolBufferSize - rem
		}
		if cap(c.recvBuf) < growTo {
			nb := make([]byte, 0, growTo)
			c.recvBuf = append(nb, c.recvBuf...)
		}
		c.recvBuf = append(c.recvBuf[:0], data...)
		payload := append([]byte(nil), c.recvBuf...)
		c.mu.Unlock()

		if t.onMessage != nil {
			reply, err := t.onMessage(context.Background(), t.userData, payload)
			if err == nil && reply != nil {
				conn.WriteMessage(websocket.TextMessage, reply)
			}
		}
	}

	t.closeClient(idx, c)
}

// closeClient marks the slot Closing, releases the socket, and frees the
// slot (spec §4.9 "on closed": release immediately when no pending data).
func (t *Transport) closeClient(idx int, c *client) {
	c.mu.Lock()
	if c.state == ClientFree {
		c.mu.Unlock()
		return
	}
	c.state = ClientClosing
	conn := c.conn
	pending := c.pendingData
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if !pending {
		c.mu.Lock()
		c.state = ClientFree
		c.conn = nil
		c.recvBuf = nil
		c.mu.Unlock()
		t.freeSlot(idx)
		t.active.Add(-1)
	}
}

// livenessLoop implements spec §4.9's ping-liveness check: every
// PingInterval, for each Active client whose last activity exceeds
// PingTimeout, either request a ping or, past MaxPingsBeforeClose, mark
// Closing and close the socket.
func (t *Transport) livenessLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.checkLiveness()
		}
	}
}

func (t *Transport) checkLiveness() {
	now := time.Now()
	for _, c := range t.clients {
		c.mu.Lock()
		if c.state != ClientActive {
			c.mu.Unlock()
			continue
		}
		stale := now.Sub(c.lastActivity) > t.cfg.PingTimeout
		if !stale {
			c.mu.Unlock()
			continue
		}
		if c.pingsSent >= t.cfg.MaxPingsBeforeClose {
			c.state = ClientClosing
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			continue
		}
		conn := c.conn
		c.pingsSent++
		c.mu.Unlock()
		if conn != nil {
			conn.WriteControl(websocket.PingMessage, nil, now.Add(time.Second))
		}
	}
}

// cleanupLoop implements spec §4.9's cleanup pass: scan every client slot
// for clients in Error or Closing-without-handle whose last activity is
// stale, and free their slots.
func (t *Transport) cleanupLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Transport) sweep() {
	now := time.Now()
	for idx, c := range t.clients {
		c.mu.Lock()
		stale := (c.state == ClientError || (c.state == ClientClosing && c.conn == nil)) &&
			now.Sub(c.lastActivity) >= t.cfg.StaleAfter
		if stale {
			c.state = ClientFree
			c.conn = nil
			c.recvBuf = nil
		}
		c.mu.Unlock()
		if stale {
			t.freeSlot(idx)
		}
	}
}

// Stats is a snapshot of the server's occupancy counters (spec §4.9
// "Update active/peak/total counters").
type Stats struct {
	Total, Active, Peak, Rejected int64
}

// Stats returns a snapshot of the transport's counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Total:    t.total.Load(),
		Active:   t.active.Load(),
		Peak:     t.peak.Load(),
		Rejected: t.rejected.Load(),
	}
}

// Stop quiesces background loops and closes every open connection.
func (t *Transport) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stop)
	t.wg.Wait()

	for idx, c := range t.clients {
		c.mu.Lock()
		conn := c.conn
		active := c.state == ClientActive || c.state == ClientClosing
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if active {
			t.freeSlot(idx)
		}
	}
	return nil
}

// Destroy calls Stop if needed.
func (t *Transport) Destroy() error {
	return t.Stop()
}

var _ transport.Server = (*Transport)(nil)
