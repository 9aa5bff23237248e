// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package sse implements the HTTP+SSE server transport from spec §4.10:
// the landing/tools/call_tool/events routes, a circular event store with
// per-client filtering and session targeting, and periodic heartbeats.
package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	segjson "github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"

	"github.com/mcp-transport/runtime/internal/evtstore"
	"github.com/mcp-transport/runtime/transport"
)

// Config configures a Transport (spec §4.10, §6 knobs).
type Config struct {
	LandingHTML []byte
	ToolsJSON   []byte
	DocRoot     string // static file fallback; empty disables it

	EventCapacity       int
	HeartbeatInterval   time.Duration // 0 disables heartbeats
	AllowedOrigins      []string      // first entry is sent as Access-Control-Allow-Origin ("*" when empty); requests are not checked against the list

	Logger *logrus.Logger
}

func (c *Config) setDefaults() {
	if c.EventCapacity <= 0 {
		c.EventCapacity = 256
	}
}

// sseClient is one open `GET /events` connection (spec §4.10 "SSE
// delivery").
type sseClient struct {
	w           http.ResponseWriter
	flusher     http.Flusher
	eventFilter string // empty means "no filter"; serveEvents never sets it
	sessionID   string // empty means "broadcast target"
	lastEventID string
	done        chan struct{}
}

// Transport is the HTTP+SSE server (spec §4.10). It implements
// http.Handler directly; Start/Stop manage an internal heartbeat loop
// (there is no accept loop of our own — net/http owns the listener).
type Transport struct {
	cfg Config
	log *logrus.Logger

	onMessage transport.MessageCallback
	onError   transport.ErrorCallback
	userData  any

	store *evtstore.Store

	clientsMu sync.Mutex
	clients   map[*sseClient]struct{}

	heartbeatCounter atomic.Int64

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Transport.
func New(cfg Config) *Transport {
	cfg.setDefaults()
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(nopWriter{})
	}
	return &Transport{
		cfg:     cfg,
		log:     log,
		store:   evtstore.New(cfg.EventCapacity),
		clients: make(map[*sseClient]struct{}),
	}
}

type nopWriter struct{}

func (nopWriter) Write(b []byte) (int, error) { return len(b), nil }

// Start begins the heartbeat loop (spec §4.10 "Heartbeats"). Serving
// HTTP requests is done by mounting the Transport as an http.Handler on
// the caller's own http.Server.
func (t *Transport) Start(ctx context.Context, onMessage transport.MessageCallback, userData any, onError transport.ErrorCallback) error {
	if !t.running.CompareAndSwap(false, true) {
		return nil
	}
	t.onMessage = onMessage
	t.onError = onError
	t.userData = userData
	t.stop = make(chan struct{})

	if t.cfg.HeartbeatInterval > 0 {
		t.wg.Add(1)
		go t.heartbeatLoop()
	}
	return nil
}

// Stop closes every open SSE connection and joins the heartbeat loop.
func (t *Transport) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	close(t.stop)
	t.wg.Wait()

	t.clientsMu.Lock()
	for c := range t.clients {
		close(c.done)
	}
	t.clients = make(map[*sseClient]struct{})
	t.clientsMu.Unlock()
	return nil
}

// Destroy calls Stop if needed.
func (t *Transport) Destroy() error {
	return t.Stop()
}

func (t *Transport) heartbeatLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			n := t.heartbeatCounter.Add(1)
			t.broadcastRaw(fmt.Sprintf(": heartbeat %d\n\n", n))
		}
	}
}

func (t *Transport) broadcastRaw(s string) {
	t.clientsMu.Lock()
	defer t.clientsMu.Unlock()
	for c := range t.clients {
		fmt.Fprint(c.w, s)
		c.flusher.Flush()
	}
}

// ServeHTTP dispatches to the routes of spec §4.10.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		t.writeCORS(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	t.writeCORS(w)

	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		t.serveLanding(w, r)
	case r.URL.Path == "/tools" && r.Method == http.MethodGet:
		t.serveTools(w, r)
	case r.URL.Path == "/call_tool":
		t.serveCallTool(w, r)
	case r.URL.Path == "/events" && r.Method == http.MethodGet:
		t.serveEvents(w, r)
	default:
		t.serveStatic(w, r)
	}
}

func (t *Transport) writeCORS(w http.ResponseWriter) {
	origin := "*"
	if len(t.cfg.AllowedOrigins) > 0 {
		origin = t.cfg.AllowedOrigins[0]
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id, Last-Event-ID")
}

func (t *Transport) serveLanding(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if t.cfg.LandingHTML != nil {
		w.Write(t.cfg.LandingHTML)
	} else {
		w.Write([]byte("<html><body><h1>mcp-transport-runtime</h1></body></html>"))
	}
}

func (t *Transport) serveTools(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if t.cfg.ToolsJSON != nil {
		w.Write(t.cfg.ToolsJSON)
	} else {
		w.Write([]byte(`{"tools":[]}`))
	}
}

// serveCallTool implements the GET/POST `/call_tool` envelope
// construction of spec §4.10.
func (t *Transport) serveCallTool(w http.ResponseWriter, r *http.Request) {
	var payload []byte

	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		name := q.Get("name")
		args := make(map[string]string)
		for k, v := range q {
			if strings.HasPrefix(k, "param_") && len(v) > 0 {
				decoded, err := url.QueryUnescape(v[0])
				if err != nil {
					decoded = v[0]
				}
				args[strings.TrimPrefix(k, "param_")] = decoded
			}
		}
		envelope := map[string]any{
			"jsonrpc": "2.0",
			"method":  "call_tool",
			"params": map[string]any{
				"name":      name,
				"arguments": args,
			},
		}
		payload, _ = segjson.Marshal(envelope)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.writeJSONRPCError(w, -32700, "failed to read request body")
			return
		}
		payload = body

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if t.onMessage == nil {
		t.writeJSONRPCError(w, -32603, "no message handler configured")
		return
	}

	reply, err := t.onMessage(r.Context(), t.userData, payload)
	if err != nil {
		code := -32603
		if terr, ok := err.(*transport.Error); ok && terr.Kind == transport.KindCallbackError {
			code = terr.Code
		}
		t.writeJSONRPCError(w, code, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(reply)
}

// jsonRPCStatus maps a JSON-RPC error code to an HTTP status per spec
// §4.10's "standard code→message mapping".
func jsonRPCStatus(code int) int {
	switch code {
	case -32600, -32602:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func jsonRPCMessage(code int) string {
	switch code {
	case -32700:
		return "Parse error"
	case -32600:
		return "Invalid Request"
	case -32601:
		return "Method not found"
	case -32602:
		return "Invalid params"
	case -32603:
		return "Internal error"
	default:
		if code <= -32000 && code >= -32099 {
			return "Server error"
		}
		return "Error"
	}
}

func (t *Transport) writeJSONRPCError(w http.ResponseWriter, code int, detail string) {
	envelope := map[string]any{
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    code,
			"message": jsonRPCMessage(code),
			"data":    detail,
		},
		"id": nil,
	}
	body, _ := segjson.Marshal(envelope)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(jsonRPCStatus(code))
	w.Write(body)
}

// extractLastEventID implements spec §4.10/§4.11's shared Last-Event-ID
// header rule: accepted characters are [A-Za-z0-9_-] only; empty values
// are ignored.
func extractLastEventID(r *http.Request) (string, error) {
	id := r.Header.Get("Last-Event-ID")
	if id == "" {
		return "", nil
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '_' && c != '-' {
			return "", transport.Wrap(transport.KindInvalidArg, "invalid Last-Event-ID header", nil)
		}
	}
	return id, nil
}

// serveEvents opens a long-lived SSE stream (spec §4.10 "GET /events"),
// replaying any buffered events since Last-Event-ID before the client is
// registered for live delivery (spec §8 property 7 "Replay correctness").
func (t *Transport) serveEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	lastEventID, err := extractLastEventID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sessionID := r.URL.Query().Get("session_id")
	c := &sseClient{w: w, flusher: flusher, sessionID: sessionID, done: make(chan struct{})}

	for _, ev := range t.store.Since(lastEventID) {
		if !writeSSEEvent(c, ev) {
			return
		}
		c.lastEventID = ev.ID
	}

	t.clientsMu.Lock()
	t.clients[c] = struct{}{}
	t.clientsMu.Unlock()

	defer func() {
		t.clientsMu.Lock()
		delete(t.clients, c)
		t.clientsMu.Unlock()
	}()

	select {
	case <-r.Context().Done():
	case <-c.done:
	case <-t.stop:
	}
}

func (t *Transport) serveStatic(w http.ResponseWriter, r *http.Request) {
	if t.cfg.DocRoot == "" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, t.cfg.DocRoot+r.URL.Path)
}

// Publish implements spec §4.10's `publish(event_type?, data, session_id?)`:
// assign the next id, append to the circular store, and write the event
// to every matching connected client.
func (t *Transport) Publish(eventType string, data []byte, sessionID string) error {
	if err := validateSSEText(eventType); err != nil {
		return err
	}
	if err := validateSSEText(string(data)); err != nil {
		return err
	}
	if sessionID != "" && !validSessionID(sessionID) {
		return transport.Wrap(transport.KindInvalidArg, "invalid session id", nil)
	}

	ev := t.store.Append(eventType, data, "")

	t.clientsMu.Lock()
	defer t.clientsMu.Unlock()
	for c := range t.clients {
		if !clientMatches(c, eventType, sessionID) {
			continue
		}
		if !writeSSEEvent(c, ev) {
			continue
		}
		c.lastEventID = ev.ID
	}
	return nil
}

// clientMatches implements spec §4.10 step 3's filter/targeting rules.
func clientMatches(c *sseClient, eventType, sessionID string) bool {
	if c.eventFilter != "" && c.eventFilter != eventType {
		return false
	}
	if sessionID != "" {
		if c.sessionID != sessionID && !strings.EqualFold(c.sessionID, sessionID) {
			return false
		}
		return true
	}
	return c.sessionID == ""
}

func writeSSEEvent(c *sseClient, ev evtstore.Event) bool {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", ev.ID)
	if ev.Type != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	_, err := fmt.Fprint(c.w, b.String())
	if err != nil {
		return false
	}
	c.flusher.Flush()
	return true
}

// validateSSEText implements spec §4.10's "Input validation": no ASCII
// control characters except \n, \r, \t.
func validateSSEText(s string) error {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			return transport.Wrap(transport.KindInvalidArg, "invalid control character in SSE text", nil)
		}
	}
	return nil
}

// validSessionID implements spec §4.10's additional session-id rule:
// visible ASCII only (0x21-0x7E).
func validSessionID(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7E {
			return false
		}
	}
	return true
}

// Stats is a snapshot of connected-client count, useful for diagnostics.
type Stats struct {
	ConnectedClients int
}

// Stats returns a snapshot of the transport's counters.
func (t *Transport) Stats() Stats {
	t.clientsMu.Lock()
	defer t.clientsMu.Unlock()
	return Stats{ConnectedClients: len(t.clients)}
}

var _ transport.Server = (*Transport)(nil)
var _ http.Handler = (*Transport)(nil)
