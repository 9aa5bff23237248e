// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package streamable implements the HTTP streamable transport from spec
// §4.11: per-session SSE streams with replay, an origin allow-list, and
// Mcp-Session-Id / Last-Event-ID header handling, grounded directly on the
// teacher's session-multiplexed streamable transport. It does not serve
// the sse package's landing, /tools, /call_tool or /events routes.
package streamable

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	segjson "github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"

	"github.com/mcp-transport/runtime/internal/evtstore"
	"github.com/mcp-transport/runtime/session"
	"github.com/mcp-transport/runtime/transport"
)

// Config configures a Transport (spec §4.11, §6 knobs).
type Config struct {
	// AllowedOrigins, when non-empty, enables origin checking (spec
	// §4.11 "Origin policy"). Entries may end with "*" as a wildcard
	// suffix.
	AllowedOrigins []string

	EventCapacityPerSession int // C in spec §4.11, default 256
	SessionTimeoutSeconds   int

	Logger *logrus.Logger
}

func (c *Config) setDefaults() {
	if c.EventCapacityPerSession <= 0 {
		c.EventCapacityPerSession = 256
	}
}

// Transport is the HTTP streamable server transport (spec §4.11).
type Transport struct {
	cfg Config
	log *logrus.Logger

	sessions *session.Manager

	onMessage transport.MessageCallback
	onError   transport.ErrorCallback
	userData  any

	streamsMu sync.Mutex
	streams   map[string]chan struct{} // sessionID -> closed-on-disconnect signal, for replay coordination

	running bool
	mu      sync.Mutex
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
		cfg:      cfg,
		log:      log,
		sessions: session.NewManager(session.Options{}),
		streams:  make(map[string]chan struct{}),
	}
}

type nopWriter struct{}

func (nopWriter) Write(b []byte) (int, error) { return len(b), nil }

// Start records the message/error callbacks. There is no background
// loop: sessions expire lazily on Get, and nothing in this transport
// calls the session manager's CleanupExpired.
func (t *Transport) Start(ctx context.Context, onMessage transport.MessageCallback, userData any, onError transport.ErrorCallback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.onMessage = onMessage
	t.onError = onError
	t.userData = userData
	t.running = true
	return nil
}

// Stop signals every open per-session stream to disconnect.
func (t *Transport) Stop() error {
	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	t.streamsMu.Lock()
	for id, ch := range t.streams {
		close(ch)
		delete(t.streams, id)
	}
	t.streamsMu.Unlock()
	return nil
}

// Destroy calls Stop if needed.
func (t *Transport) Destroy() error {
	return t.Stop()
}

// checkOrigin implements spec §4.11's wildcard-suffix allow-list.
func (t *Transport) checkOrigin(r *http.Request) bool {
	if len(t.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, allowed := range t.cfg.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if strings.HasSuffix(allowed, "*") {
			prefix := strings.TrimSuffix(allowed, "*")
			if strings.HasPrefix(origin, prefix) {
				return true
			}
			continue
		}
		if origin == allowed {
			return true
		}
	}
	return false
}

// extractSessionID implements spec §4.11's Mcp-Session-Id header rule.
func extractSessionID(r *http.Request) (string, error) {
	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		return "", nil
	}
	if !session.ValidID(id) {
		return "", transport.Wrap(transport.KindInvalidArg, "invalid Mcp-Session-Id header", nil)
	}
	return id, nil
}

// extractLastEventID implements spec §4.11's Last-Event-ID header rule:
// accepted characters are [A-Za-z0-9_-] only; empty values are ignored.
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

// ServeHTTP handles the §4.11 session-multiplexed requests. It dispatches
// on the request method alone (POST, GET, DELETE); the URL path is not
// consulted, and the §4.10 landing, /tools, /call_tool and /events routes
// are not served here.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sessionID, err := extractSessionID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		t.servePost(w, r, sessionID)
	case http.MethodGet:
		t.serveGet(w, r, sessionID)
	case http.MethodDelete:
		t.serveDelete(w, sessionID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// streamFor returns the evtstore.Store for a session, creating the
// session if id is empty (spec §4.11 "Stream context per session").
func (t *Transport) streamFor(id string) (*session.Session, *evtstore.Store, error) {
	if id != "" {
		s := t.sessions.Get(id)
		if s == nil {
			return nil, nil, transport.ErrSessionNotFound
		}
		store, _ := s.UserData().(*evtstore.Store)
		return s, store, nil
	}
	store := evtstore.New(t.cfg.EventCapacityPerSession)
	s, err := t.sessions.Create(t.cfg.SessionTimeoutSeconds, store)
	if err != nil {
		return nil, nil, err
	}
	return s, store, nil
}

// servePost handles a JSON-RPC request body, dispatching to the message
// callback and replying via the response helper (spec §4.11 "Response
// helper").
func (t *Transport) servePost(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, err := extractLastEventID(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.writeResponse(w, http.StatusBadRequest, []byte(`{"error":"failed to read body"}`), "")
		return
	}

	sess, store, err := t.streamFor(sessionID)
	if err != nil {
		status := http.StatusNotFound
		if err == transport.ErrSessionNotFound {
			status = http.StatusNotFound
		}
		t.writeResponse(w, status, []byte(`{"error":"`+err.Error()+`"}`), "")
		return
	}
	t.sessions.Touch(sess)
	store.Append("message", body, "")

	if t.onMessage == nil {
		t.writeResponse(w, http.StatusInternalServerError, []byte(`{"error":"no message handler configured"}`), sess.ID())
		return
	}

	reply, cbErr := t.onMessage(r.Context(), t.userData, body)
	if cbErr != nil {
		code := -32603
		if terr, ok := cbErr.(*transport.Error); ok && terr.Kind == transport.KindCallbackError {
			code = terr.Code
		}
		status := http.StatusInternalServerError
		if code == -32600 || code == -32602 {
			status = http.StatusBadRequest
		}
		envelope, _ := segjson.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"error":   map[string]any{"code": code, "message": cbErr.Error()},
			"id":      nil,
		})
		t.writeResponse(w, status, envelope, sess.ID())
		return
	}

	t.writeResponse(w, http.StatusOK, reply, sess.ID())
}

// serveGet opens the session's SSE replay stream (spec §4.11 §4.10).
func (t *Transport) serveGet(w http.ResponseWriter, r *http.Request, sessionID string) {
	lastEventID, err := extractLastEventID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sessionID == "" {
		http.Error(w, "GET requires an Mcp-Session-Id header", http.StatusBadRequest)
		return
	}

	sess, store, err := t.streamFor(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	t.sessions.Touch(sess)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Mcp-Session-Id", sess.ID())
	w.WriteHeader(http.StatusOK)

	replayed := t.replay(w, flusher, store, lastEventID)
	t.log.WithField("component", "streamable").WithField("replayed", replayed).Debug("replayed session stream")

	done := make(chan struct{})
	t.streamsMu.Lock()
	t.streams[sess.ID()] = done
	t.streamsMu.Unlock()
	defer func() {
		t.streamsMu.Lock()
		delete(t.streams, sess.ID())
		t.streamsMu.Unlock()
	}()

	select {
	case <-r.Context().Done():
	case <-done:
	}
}

// replay implements spec §4.11's `replay(conn, last_id?)`: best-effort,
// stopping on first write failure and returning the count delivered.
func (t *Transport) replay(w http.ResponseWriter, flusher http.Flusher, store *evtstore.Store, lastEventID string) int {
	events := store.Since(lastEventID)
	count := 0
	for _, ev := range events {
		if _, err := w.Write(formatSSEEvent(ev)); err != nil {
			return count
		}
		flusher.Flush()
		count++
	}
	return count
}

func formatSSEEvent(ev evtstore.Event) []byte {
	var b strings.Builder
	b.WriteString("id: ")
	b.WriteString(ev.ID)
	b.WriteByte('\n')
	if ev.Type != "" {
		b.WriteString("event: ")
		b.WriteString(ev.Type)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(ev.Data)
	b.WriteString("\n\n")
	return []byte(b.String())
}

func (t *Transport) serveDelete(w http.ResponseWriter, sessionID string) {
	if sessionID == "" {
		http.Error(w, "DELETE requires an Mcp-Session-Id header", http.StatusBadRequest)
		return
	}
	if !t.sessions.Terminate(sessionID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	t.streamsMu.Lock()
	if ch, ok := t.streams[sessionID]; ok {
		close(ch)
		delete(t.streams, sessionID)
	}
	t.streamsMu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// writeResponse implements spec §4.11's "Response helper": status line,
// Content-Type, Content-Length, and an optional Mcp-Session-Id header,
// written before the body.
func (t *Transport) writeResponse(w http.ResponseWriter, status int, body []byte, sessionID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if sessionID != "" {
		w.Header().Set("Mcp-Session-Id", sessionID)
	}
	w.WriteHeader(status)
	w.Write(body)
}

var _ transport.Server = (*Transport)(nil)
var _ http.Handler = (*Transport)(nil)
