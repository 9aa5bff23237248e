// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wsclient implements the WebSocket client transport from spec
// §4.8: a state machine, an event-service goroutine with an adaptive poll
// quantum, a synchronous request/response waiter keyed by JSON-RPC id,
// ping/pong liveness, and backoff-with-jitter reconnection, grounded on
// the gorilla/websocket client dialer.
package wsclient

import (
	"context"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mcp-transport/runtime/internal/bufpool"
	"github.com/mcp-transport/runtime/internal/rtdebug"
	"github.com/mcp-transport/runtime/transport"
)

// State is the client connection state machine (spec §3).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const (
	smallThreshold   = 4096
	baseReconnectDur = 2 * time.Second
	maxReconnectDur  = 60 * time.Second
	maxReconnectTry  = 10
	activityFastWin  = 10 * time.Second
	fastPollQuantum  = 10 * time.Millisecond
	slowPollQuantum  = 50 * time.Millisecond
	pingInterval     = 5 * time.Second
	activityCheckDur = time.Second
	maxMissedPongs   = 3
)

// Config configures a Transport (spec §4.8, §6 "WebSocket client" knobs).
type Config struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer

	BufferPool *bufpool.Pool // optional tier-2 allocation source
	Logger     *logrus.Logger
}

// Stats exposes the buffer-strategy counters spec §4.8 calls for.
type Stats struct {
	Reuses, PoolAllocs, Mallocs int64
	AsciiFastPaths              int64
	Utf8ValidationsSkipped      int64
	MissedPongs                 int64
	ReconnectAttempts           int64
}

// Transport is the WebSocket client transport (spec §4.8).
type Transport struct {
	cfg Config
	log *logrus.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	state State
	conn  *websocket.Conn

	onMessage transport.MessageCallback
	onError   transport.ErrorCallback
	userData  any

	lastActivity time.Time
	lastPing     time.Time
	pingInFlight bool
	missedPongs  int

	reconnectAttempt int
	lastReconnectAt  time.Time
	lastDelay        time.Duration

	// sync-mode request/response waiter (spec §4.8 "Synchronous
	// request/response").
	respMu      sync.Mutex
	respCond    *sync.Cond
	syncActive  bool
	syncID      string
	syncTimeout bool
	syncReply   []byte
	lastSentID  string // id extracted from the last Send/SendV payload, for Receive

	sendBuf   []byte // reusable small-message buffer, guarded by sendMu
	sendMu    sync.Mutex

	stats struct {
		reuses, poolAllocs, mallocs     atomic.Int64
		asciiFastPaths, utf8Skipped     atomic.Int64
		missedPongs, reconnectAttempts  atomic.Int64
	}

	stop    chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

// New constructs a Transport.
func New(cfg Config) *Transport {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(nopWriter{})
	}
	t := &Transport{cfg: cfg, log: log, sendBuf: make([]byte, 0, smallThreshold)}
	t.cond = sync.NewCond(&t.mu)
	t.respCond = sync.NewCond(&t.respMu)
	return t
}

type nopWriter struct{}

func (nopWriter) Write(b []byte) (int, error) { return len(b), nil }

// Start dials the server and begins the event-service goroutine (spec §4.8).
func (t *Transport) Start(ctx context.Context, onMessage transport.MessageCallback, userData any, onError transport.ErrorCallback) error {
	if !t.running.CompareAndSwap(false, true) {
		return nil
	}
	t.onMessage = onMessage
	t.onError = onError
	t.userData = userData
	t.stop = make(chan struct{})

	t.wg.Add(1)
	go t.eventLoop()
	return nil
}

// setState updates the state under lock and broadcasts to waiters.
func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.cond.Broadcast()
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) connect(ctx context.Context) error {
	t.setState(StateConnecting)

	dialer := t.cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	dialer.Subprotocols = []string{"mcp"}

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		t.setState(StateError)
		if t.onError != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			_ = status
			t.onError(t.userData, transport.KindIOError, err)
		}
		return transport.Wrap(transport.KindIOError, "websocket dial failed", err)
	}

	conn.SetPongHandler(func(string) error {
		t.mu.Lock()
		t.pingInFlight = false
		t.missedPongs = 0
		t.lastActivity = time.Now()
		t.mu.Unlock()
		return nil
	})

	t.mu.Lock()
	t.conn = conn
	t.lastActivity = time.Now()
	t.reconnectAttempt = 0
	t.mu.Unlock()

	t.setState(StateConnected)
	return nil
}

// eventLoop is the single event-service goroutine described in spec §4.8:
// it services reads with an adaptive poll quantum, and on fixed intervals
// checks reconnect need and ping liveness.
func (t *Transport) eventLoop() {
	defer t.wg.Done()

	ctx := context.Background()
	if err := t.connect(ctx); err != nil {
		t.log.WithError(err).Debug("initial websocket connect failed")
	}

	lastActivityCheck := time.Now()
	lastPingCheck := time.Now()

	for {
		select {
		case <-t.stop:
			t.closeConn()
			return
		default:
		}

		state := t.State()
		if state == StateConnected {
			t.readOnce()
		} else if state == StateError || state == StateDisconnected {
			if !t.tryReconnect(ctx) {
				time.Sleep(slowPollQuantum)
			}
		}

		now := time.Now()
		if now.Sub(lastActivityCheck) >= activityCheckDur {
			lastActivityCheck = now
		}
		if now.Sub(lastPingCheck) >= pingInterval {
			lastPingCheck = now
			t.maybePing()
		}
	}
}

// pollQuantum implements the adaptive 10ms/50ms schedule (spec §4.8).
// The fast and slow quanta can be overridden at runtime via
// MCPTRANSPORTDEBUG=wsclientfastpollms=...,wsclientslowpollms=... for
// reproducing timing-sensitive bugs without a code change.
func (t *Transport) pollQuantum() time.Duration {
	t.mu.Lock()
	last := t.lastActivity
	t.mu.Unlock()
	if time.Since(last) < activityFastWin {
		return time.Duration(rtdebug.IntValue("wsclientfastpollms", int(fastPollQuantum/time.Millisecond))) * time.Millisecond
	}
	return time.Duration(rtdebug.IntValue("wsclientslowpollms", int(slowPollQuantum/time.Millisecond))) * time.Millisecond
}

func (t *Transport) readOnce() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(t.pollQuantum()))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			t.setState(StateDisconnected)
			return
		}
		t.setState(StateError)
		if t.onError != nil {
			t.onError(t.userData, transport.KindIOError, err)
		}
		return
	}
	if msgType != websocket.TextMessage {
		return
	}

	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()

	t.deliver(data)
}

// deliver routes a completed frame to the sync waiter if one is pending
// and the id matches/mismatches per §4.8's late-reply rule, else to the
// async message callback.
func (t *Transport) deliver(data []byte) {
	if asciiOnly(data) {
		t.stats.asciiFastPaths.Add(1)
		t.stats.utf8Skipped.Add(1)
	}

	t.respMu.Lock()
	if t.syncActive {
		id := extractID(data)
		matches := id != "" && id == t.syncID
		if t.syncTimeout {
			// Only a reply matching the timed-out request's id ends
			// sync-mode; anything else is a stray and sync-mode stays
			// active, waiting for the current request.
			if matches {
				t.syncActive = false
				t.syncTimeout = false
			}
			t.respMu.Unlock()
			return
		}
		if matches {
			t.syncReply = data
			t.syncActive = false
			t.respCond.Broadcast()
		}
		// A non-matching frame while still waiting (not yet timed out)
		// is a stray for some other id — discard it and keep waiting,
		// same late-reply-swallow rule as the timed-out branch above.
		t.respMu.Unlock()
		return
	}
	t.respMu.Unlock()

	if t.onMessage != nil {
		t.onMessage(context.Background(), t.userData, data)
	}
}

// extractID implements the spec's textual id scan: `"id":` followed by an
// integer, returned as its decimal text for comparison purposes.
func extractID(data []byte) string {
	const key = `"id":`
	idx := indexOf(data, []byte(key))
	if idx < 0 {
		return ""
	}
	i := idx + len(key)
	for i < len(data) && (data[i] == ' ' || data[i] == '\t') {
		i++
	}
	start := i
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	if i == start {
		return ""
	}
	return string(data[start:i])
}

func indexOf(haystack, needle []byte) int {
	n, m := len(haystack), len(needle)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i <= n-m; i++ {
		match := true
		for j := 0; j < m; j++ {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// asciiOnly implements the fast ASCII-only detection described in spec
// §4.8: an 8-byte stride mask against the high bit, falling back to a
// byte scan for the tail.
func asciiOnly(data []byte) bool {
	const mask = uint64(0x8080808080808080)
	i := 0
	for ; i+8 <= len(data); i += 8 {
		var word uint64
		for k := 0; k < 8; k++ {
			word |= uint64(data[i+k]) << (8 * k)
		}
		if word&mask != 0 {
			return false
		}
	}
	for ; i < len(data); i++ {
		if data[i]&0x80 != 0 {
			return false
		}
	}
	return true
}

// tryReconnect applies the bounded-attempts, backoff-with-jitter policy
// from spec §4.8.
func (t *Transport) tryReconnect(ctx context.Context) bool {
	t.mu.Lock()
	attempt := t.reconnectAttempt
	lastAt := t.lastReconnectAt
	lastDelay := t.lastDelay
	t.mu.Unlock()

	if attempt >= maxReconnectTry {
		return false
	}

	var delay time.Duration
	if attempt == 0 || time.Since(lastAt) >= 60*time.Second {
		delay = baseReconnectDur
	} else {
		next := time.Duration(float64(lastDelay) * 1.5)
		if next > maxReconnectDur {
			next = maxReconnectDur
		}
		delay = next
	}
	jitterFrac := (rand.Float64()*2 - 1) * 0.2
	delay = time.Duration(float64(delay) * (1 + jitterFrac))
	if delay < 0 {
		delay = 0
	}

	time.Sleep(delay)

	t.mu.Lock()
	t.reconnectAttempt = attempt + 1
	t.lastReconnectAt = time.Now()
	t.lastDelay = delay
	t.mu.Unlock()
	t.stats.reconnectAttempts.Add(1)

	return t.connect(ctx) == nil
}

// maybePing implements the ping/pong liveness policy of spec §4.8.
func (t *Transport) maybePing() {
	t.mu.Lock()
	conn := t.conn
	state := t.state
	pingInFlight := t.pingInFlight
	lastActivity := t.lastActivity
	lastPing := t.lastPing
	syncActive := t.syncModeActive()
	t.mu.Unlock()

	if state != StateConnected || conn == nil || syncActive {
		return
	}

	now := time.Now()
	if !pingInFlight && now.Sub(lastActivity) >= pingInterval {
		if err := conn.WriteControl(websocket.PingMessage, nil, now.Add(time.Second)); err == nil {
			t.mu.Lock()
			t.pingInFlight = true
			t.lastPing = now
			t.mu.Unlock()
		}
		return
	}

	pingTimeout := pingInterval // spec reuses the same interval family for ping_timeout_ms by default
	if pingInFlight && now.Sub(lastPing) >= pingTimeout {
		t.mu.Lock()
		t.missedPongs++
		missed := t.missedPongs
		t.mu.Unlock()
		t.stats.missedPongs.Add(1)
		if missed >= maxMissedPongs {
			t.mu.Lock()
			t.missedPongs = 0
			t.pingInFlight = false
			t.mu.Unlock()
			t.log.WithField("component", "wsclient").Warn("exceeded max missed pongs, resetting liveness tracker")
		}
	}
}

func (t *Transport) syncModeActive() bool {
	t.respMu.Lock()
	defer t.respMu.Unlock()
	return t.syncActive
}

func (t *Transport) closeConn() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.state = StateClosing
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	t.setState(StateDisconnected)
}

// Stop transitions to Closing, closes the socket, and joins the event
// goroutine.
func (t *Transport) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stop)
	t.wg.Wait()
	return nil
}

// Destroy calls Stop if needed.
func (t *Transport) Destroy() error {
	return t.Stop()
}

// acquireSendBuffer implements the three-way allocation strategy of spec
// §4.8: reusable per-client buffer under its mutex, else the shared pool,
// else malloc.
func (t *Transport) acquireSendBuffer(n int) (buf []byte, fromReusable, fromPool bool) {
	if n <= smallThreshold {
		t.sendMu.Lock()
		if cap(t.sendBuf) >= n {
			t.stats.reuses.Add(1)
			return t.sendBuf[:n], true, false
		}
		t.sendMu.Unlock()
	}
	if t.cfg.BufferPool != nil && n <= t.cfg.BufferPool.Size {
		if b := t.cfg.BufferPool.Acquire(); b != nil {
			t.stats.poolAllocs.Add(1)
			return b[:n], false, true
		}
	}
	t.stats.mallocs.Add(1)
	return make([]byte, n), false, false
}

func (t *Transport) releaseSendBuffer(buf []byte, fromReusable, fromPool bool) {
	if fromReusable {
		t.sendMu.Unlock()
		return
	}
	if fromPool && t.cfg.BufferPool != nil {
		t.cfg.BufferPool.Release(buf)
	}
}

// Send transmits payload as a single WebSocket text frame (spec §4.8, §6
// "Wire format — WebSocket": no length prefix on outgoing messages).
func (t *Transport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	state := t.state
	t.mu.Unlock()
	if state != StateConnected || conn == nil {
		return transport.ErrNotRunning
	}

	buf, fromReusable, fromPool := t.acquireSendBuffer(len(data))
	copy(buf, data)
	defer t.releaseSendBuffer(buf, fromReusable, fromPool)

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
		return transport.Wrap(transport.KindIOError, "websocket write error", err)
	}
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()

	t.respMu.Lock()
	t.lastSentID = extractID(data)
	t.respMu.Unlock()
	return nil
}

// SendV concatenates iov and sends it as one frame.
func (t *Transport) SendV(ctx context.Context, iov [][]byte) error {
	n := 0
	for _, b := range iov {
		n += len(b)
	}
	out := make([]byte, 0, n)
	for _, b := range iov {
		out = append(out, b...)
	}
	return t.Send(ctx, out)
}

// Receive performs the synchronous request/response wait of spec §4.8
// through the uniform transport.Client contract: it waits for the reply
// to whichever request id was extracted from the most recent Send/SendV
// payload (`"id":` followed by an integer), the same way SendSync waits
// for the id it was given directly. Returns a KindInvalidArg error if
// nothing has been sent yet, or the last payload carried no JSON-RPC id to
// wait on.
func (t *Transport) Receive(ctx context.Context, timeoutMS int) ([]byte, error) {
	t.respMu.Lock()
	id := t.lastSentID
	t.respMu.Unlock()
	if id == "" {
		return nil, transport.Wrap(transport.KindInvalidArg, "no pending request id to receive a reply for", nil)
	}

	t.respMu.Lock()
	t.syncActive = true
	t.syncID = id
	t.syncTimeout = false
	t.syncReply = nil
	t.respMu.Unlock()

	return t.waitSyncReply(ctx, timeoutMS)
}

// SendSync sends data (expected to embed a JSON-RPC "id") and blocks for
// the matching reply, implementing spec §4.8's synchronous request/
// response path. id must be the decimal text of that request's id field.
func (t *Transport) SendSync(ctx context.Context, data []byte, id string, timeoutMS int) ([]byte, error) {
	t.respMu.Lock()
	t.syncActive = true
	t.syncID = id
	t.syncTimeout = false
	t.syncReply = nil
	t.respMu.Unlock()

	if err := t.Send(ctx, data); err != nil {
		t.respMu.Lock()
		t.syncActive = false
		t.respMu.Unlock()
		return nil, err
	}

	return t.waitSyncReply(ctx, timeoutMS)
}

// waitSyncReply polls the sync-response slot under respMu, sleeping in
// growing wait chunks (10ms -> 1.5x -> cap 250ms) between checks, until
// timeoutMS elapses or deliver matches a reply against the armed
// t.syncID; shared by Receive and SendSync.
func (t *Transport) waitSyncReply(ctx context.Context, timeoutMS int) ([]byte, error) {
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	chunk := 10 * time.Millisecond

	t.respMu.Lock()
	for t.syncActive {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.syncTimeout = true
			t.respMu.Unlock()
			return nil, transport.ErrTimeout
		}
		wait := chunk
		if wait > remaining {
			wait = remaining
		}
		t.respMu.Unlock()
		time.Sleep(wait)
		t.respMu.Lock()
		chunk = time.Duration(float64(chunk) * 1.5)
		if chunk > 250*time.Millisecond {
			chunk = 250 * time.Millisecond
		}
	}
	reply := t.syncReply
	t.respMu.Unlock()
	return reply, nil
}

// Stats returns a snapshot of this transport's buffer/liveness counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Reuses:                 t.stats.reuses.Load(),
		PoolAllocs:             t.stats.poolAllocs.Load(),
		Mallocs:                t.stats.mallocs.Load(),
		AsciiFastPaths:         t.stats.asciiFastPaths.Load(),
		Utf8ValidationsSkipped: t.stats.utf8Skipped.Load(),
		MissedPongs:            t.stats.missedPongs.Load(),
		ReconnectAttempts:      t.stats.reconnectAttempts.Load(),
	}
}

var _ transport.Client = (*Transport)(nil)
