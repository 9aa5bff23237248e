// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package tcpserver implements the TCP server transport from spec §4.5:
// an acceptor loop, a bounded slot table, a fixed-size worker pool, and a
// per-connection framed request/response handler.
package tcpserver

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mcp-transport/runtime/internal/framing"
	"github.com/mcp-transport/runtime/internal/ioutil"
	"github.com/mcp-transport/runtime/transport"
)

// SlotState is a server slot's lifecycle state (spec §3).
type SlotState int32

const (
	SlotInactive SlotState = iota
	SlotInitializing
	SlotActive
	SlotClosing
)

// Config configures a Transport (spec §6 "TCP server" knobs).
type Config struct {
	Host string
	Port int

	// MaxClients bounds the slot table (N in spec §3).
	MaxClients int
	// Workers sizes the fixed worker pool. 0 uses MaxClients.
	Workers int
	// IdleTimeout closes a connection whose last activity is older than
	// this. 0 disables idle cleanup.
	IdleTimeout time.Duration
	// MaxPayload bounds a single framed message (spec §3, §6). 0 uses 1 MiB.
	MaxPayload uint32
	// AcceptRate, if non-zero, bounds the sustained rate of accepted
	// connections via a token bucket (domain-stack addition, SPEC_FULL.md);
	// bursts beyond the bucket are rejected and counted, same as a full
	// slot table.
	AcceptRate  rate.Limit
	AcceptBurst int

	Logger *logrus.Logger
}

func (c *Config) setDefaults() {
	if c.MaxClients <= 0 {
		c.MaxClients = 256
	}
	if c.Workers <= 0 {
		c.Workers = c.MaxClients
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = 1 << 20
	}
}

// slot is one entry of the fixed slot table (spec §3 "Server slot").
type slot struct {
	mu          sync.Mutex
	state       SlotState
	conn        net.Conn
	reader      *ioutil.Reader
	peerAddr    string
	lastActive  atomic.Int64 // unix nanos
	connectedAt time.Time
	messages    atomic.Int64
	index       int
	cancel      *ioutil.CancelFlag
}

// Stats is a snapshot of acceptor-maintained counters (spec §4.5).
type Stats struct {
	Total, Active, Peak, Rejected     int64
	MessagesIn, MessagesOut           int64
	BytesIn, BytesOut                 int64
	Errors                            int64
	StartTime                         time.Time
}

// Transport is the TCP server transport (spec §4.5). It implements
// transport.Server.
type Transport struct {
	cfg Config
	log *logrus.Logger

	ln       net.Listener
	slots    []*slot
	slotsMu  sync.Mutex
	limiter  *rate.Limiter

	workCh chan *slot
	wg     sync.WaitGroup

	onMessage transport.MessageCallback
	onError   transport.ErrorCallback
	userData  any

	running atomic.Bool
	stop    chan struct{}

	total, active, peak, rejected     atomic.Int64
	messagesIn, messagesOut           atomic.Int64
	bytesIn, bytesOut                 atomic.Int64
	errs                              atomic.Int64
	startTime                         time.Time
}

// New constructs a Transport. Start performs the actual bind.
func New(cfg Config) *Transport {
	cfg.setDefaults()
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(nopWriter{})
	}
	t := &Transport{cfg: cfg, log: log}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(cfg.AcceptRate, burst)
	}
	t.slots = make([]*slot, cfg.MaxClients)
	for i := range t.slots {
		t.slots[i] = &slot{index: i}
	}
	return t
}

type nopWriter struct{}

func (nopWriter) Write(b []byte) (int, error) { return len(b), nil }

// Start binds the listener and begins the acceptor, worker pool, and
// cleanup loop (spec §4.4, §4.5).
func (t *Transport) Start(ctx context.Context, onMessage transport.MessageCallback, userData any, onError transport.ErrorCallback) error {
	if t.running.Load() {
		return nil // idempotent per §4.4
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return transport.Wrap(transport.KindIOError, "listen", err)
	}

	t.ln = ln
	t.onMessage = onMessage
	t.onError = onError
	t.userData = userData
	t.stop = make(chan struct{})
	t.workCh = make(chan *slot, t.cfg.MaxClients)
	t.startTime = time.Now()
	t.running.Store(true)

	for i := 0; i < t.cfg.Workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}

	t.wg.Add(1)
	go t.acceptLoop()

	if t.cfg.IdleTimeout > 0 {
		t.wg.Add(1)
		go t.cleanupLoop()
	}

	return nil
}

// acceptLoop is the acceptor described in spec §4.5. Listener.Accept has no
// built-in cancel, so we race it against the stop channel by closing the
// listener on Stop — the POSIX self-pipe / Windows short-select
// alternatives in §9 collapse to this one portable idiom in Go.
func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
			}
			t.errs.Add(1)
			continue
		}

		select {
		case <-t.stop:
			conn.Close()
			return
		default:
		}

		if t.limiter != nil && !t.limiter.Allow() {
			conn.Close()
			t.rejected.Add(1)
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		s := t.claimSlot(conn)
		if s == nil {
			conn.Close()
			t.rejected.Add(1)
			continue
		}

		select {
		case t.workCh <- s:
			t.activateSlot(s)
		default:
			conn.Close()
			t.revertSlot(s)
			t.errs.Add(1)
		}
	}
}

// claimSlot finds an Inactive slot and transitions it to Initializing,
// populating socket/peer/timestamps, all under the slot-table lock so no
// slot is ever claimed twice (spec §3 invariant, §8 property 3).
func (t *Transport) claimSlot(conn net.Conn) *slot {
	t.slotsMu.Lock()
	defer t.slotsMu.Unlock()
	for _, s := range t.slots {
		s.mu.Lock()
		if s.state == SlotInactive {
			s.state = SlotInitializing
			s.conn = conn
			s.reader = ioutil.NewReader(conn)
			s.peerAddr = conn.RemoteAddr().String()
			s.connectedAt = time.Now()
			s.lastActive.Store(time.Now().UnixNano())
			s.messages.Store(0)
			s.cancel = &ioutil.CancelFlag{}
			s.mu.Unlock()
			return s
		}
		s.mu.Unlock()
	}
	return nil
}

// activateSlot marks a successfully-enqueued slot Active, and updates
// total/active/peak counters (spec §4.5 step 5).
func (t *Transport) activateSlot(s *slot) {
	s.mu.Lock()
	if s.state == SlotInitializing {
		s.state = SlotActive
	}
	s.mu.Unlock()

	t.total.Add(1)
	active := t.active.Add(1)
	for {
		peak := t.peak.Load()
		if active <= peak || t.peak.CompareAndSwap(peak, active) {
			break
		}
	}
}

// revertSlot reverts a slot back to Inactive after a failed submission
// (spec §4.5 step 5).
func (t *Transport) revertSlot(s *slot) {
	s.mu.Lock()
	s.state = SlotInactive
	s.conn = nil
	s.reader = nil
	s.mu.Unlock()
}

// worker is one fixed worker-pool goroutine; it runs the per-connection
// handler loop for whatever slot it is handed (spec §4.5).
func (t *Transport) worker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		case s := <-t.workCh:
			t.handleConnection(s)
		}
	}
}

// handleConnection loops wait_readable -> recv_framed -> invoke msg_cb ->
// if reply, send_framed (spec §4.5 "Per-connection handler").
func (t *Transport) handleConnection(s *slot) {
	ctx := context.Background()
	for {
		s.mu.Lock()
		closing := s.state != SlotActive
		cancel := s.cancel
		reader := s.reader
		conn := s.conn
		s.mu.Unlock()
		if closing {
			break
		}

		err := ioutil.WaitReadable(reader, 1000, cancel)
		if err != nil {
			if terr, ok := err.(*transport.Error); ok && terr.Kind == transport.KindTimeout {
				continue
			}
			break
		}

		payload, err := framing.RecvFramed(reader, t.cfg.MaxPayload, cancel)
		if err != nil {
			t.errs.Add(1)
			if t.onError != nil {
				kind := transport.KindIOError
				if terr, ok := err.(*transport.Error); ok {
					kind = terr.Kind
				}
				t.onError(t.userData, kind, err)
			}
			break
		}

		s.lastActive.Store(time.Now().UnixNano())
		t.messagesIn.Add(1)
		t.bytesIn.Add(int64(len(payload)))

		reply, cbErr := t.onMessage(ctx, t.userData, payload)
		if cbErr != nil {
			// Per-request callback errors do not tear down the connection
			// (spec §7); the caller already saw the error via the return
			// value when this carrier is used synchronously, and there is
			// no reply to send unless the callback itself encodes one.
			continue
		}
		if reply == nil {
			continue
		}

		if err := framing.SendFramed(conn, reply, t.cfg.MaxPayload, cancel); err != nil {
			t.errs.Add(1)
			if t.onError != nil {
				t.onError(t.userData, transport.KindIOError, err)
			}
			break
		}
		t.messagesOut.Add(1)
		t.bytesOut.Add(int64(len(reply)))
		s.messages.Add(1)
		s.lastActive.Store(time.Now().UnixNano())
	}
	t.closeSlot(s)
}

// closeSlot transitions a slot Active -> Closing -> Inactive, shutting
// down and closing its socket exactly once (spec §4.5, §5 "Sockets are
// closed by exactly one owner").
func (t *Transport) closeSlot(s *slot) {
	s.mu.Lock()
	if s.state == SlotInactive {
		s.mu.Unlock()
		return
	}
	s.state = SlotClosing
	conn := s.conn
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel.Cancel()
	}
	if conn != nil {
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseRead()
			tc.CloseWrite()
		}
		conn.Close()
	}

	s.mu.Lock()
	s.state = SlotInactive
	s.conn = nil
	s.reader = nil
	s.mu.Unlock()

	t.active.Add(-1)
}

// cleanupLoop wakes roughly every second to check shutdown, and every
// idle_timeout/2 (bounded below at 30s) scans Active slots for staleness
// (spec §4.5 "Cleanup loop").
func (t *Transport) cleanupLoop() {
	defer t.wg.Done()
	scanPeriod := t.cfg.IdleTimeout / 2
	if scanPeriod < 30*time.Second {
		scanPeriod = 30 * time.Second
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastScan := time.Now()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if time.Since(lastScan) < scanPeriod {
				continue
			}
			lastScan = time.Now()
			t.scanIdleSlots()
		}
	}
}

func (t *Transport) scanIdleSlots() {
	now := time.Now()
	for _, s := range t.slots {
		s.mu.Lock()
		active := s.state == SlotActive
		lastActive := time.Unix(0, s.lastActive.Load())
		cancel := s.cancel
		s.mu.Unlock()
		if active && now.Sub(lastActive) > t.cfg.IdleTimeout {
			if cancel != nil {
				cancel.Cancel()
			}
		}
	}
}

// Stop quiesces the transport: stops accepting, cancels all in-flight
// handlers, closes the listener and every open socket, and joins every
// background goroutine (spec §4.4).
func (t *Transport) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stop)
	if t.ln != nil {
		t.ln.Close()
	}

	for _, s := range t.slots {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel.Cancel()
		}
	}

	t.wg.Wait()

	for _, s := range t.slots {
		t.closeSlot(s)
	}
	return nil
}

// Destroy calls Stop if needed and releases resources. Calling Destroy
// twice on the same Transport is a programming error (spec §6).
func (t *Transport) Destroy() error {
	return t.Stop()
}

// Stats returns a snapshot of the acceptor's counters (spec §4.5).
func (t *Transport) Stats() Stats {
	return Stats{
		Total:        t.total.Load(),
		Active:       t.active.Load(),
		Peak:         t.peak.Load(),
		Rejected:     t.rejected.Load(),
		MessagesIn:   t.messagesIn.Load(),
		MessagesOut:  t.messagesOut.Load(),
		BytesIn:      t.bytesIn.Load(),
		BytesOut:     t.bytesOut.Load(),
		Errors:       t.errs.Load(),
		StartTime:    t.startTime,
	}
}

// Addr returns the bound listener address, valid after Start succeeds.
func (t *Transport) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

var _ transport.Server = (*Transport)(nil)
