// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package session implements the fixed-slot session manager from spec
// §4.12: session creation with cryptographically random IDs, timeout-based
// expiry, and an optional state-transition callback.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/mcp-transport/runtime/transport"
)

// State is a session's lifecycle state (spec §3).
type State int

const (
	StateActive State = iota
	StateExpired
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MaxIDLength is the maximum length, in bytes, of a session ID (spec §3).
const MaxIDLength = 64

// DefaultMaxSessions is the default fixed slot-table size (spec §4.12).
const DefaultMaxSessions = 10000

// DefaultTimeoutSeconds is used when a caller passes timeoutSeconds == 0 to
// Create.
const DefaultTimeoutSeconds = 300

// EventCallback is invoked when a session transitions to Terminated or
// Expired (spec §4.12).
type EventCallback func(id string, newState State, userData any)

// Session is one entry in the manager's slot table.
type Session struct {
	mu sync.Mutex

	id             string
	createdAt      time.Time
	lastAccess     time.Time
	timeoutSeconds int64 // <= 0 means "no timeout"; Create maps 0 to DefaultTimeoutSeconds and stores negative input as-is
	state          State
	userData       any
	inUse          bool
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserData returns the opaque value attached to the session at creation.
func (s *Session) UserData() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userData
}

// SetUserData replaces the opaque value attached to the session.
func (s *Session) SetUserData(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userData = v
}

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// LastAccess returns the session's last-access time.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Manager is a fixed-size table of sessions (spec §4.12).
type Manager struct {
	mu       sync.Mutex
	sessions []*Session
	active   int
	onEvent  EventCallback
}

// Options configures a Manager.
type Options struct {
	// MaxSessions bounds the slot table. 0 uses DefaultMaxSessions.
	MaxSessions int
	// OnEvent, if non-nil, is invoked on Terminated/Expired transitions.
	OnEvent EventCallback
}

// NewManager creates a Manager with a fixed-size slot table.
func NewManager(opts Options) *Manager {
	n := opts.MaxSessions
	if n <= 0 {
		n = DefaultMaxSessions
	}
	return &Manager{
		sessions: make([]*Session, 0, n),
		onEvent:  opts.OnEvent,
	}
}

// ValidID reports whether id satisfies the session-id validity rule in
// spec §4.12: non-empty, strictly shorter than MaxIDLength, and every byte
// visible ASCII (0x21-0x7E).
func ValidID(id string) bool {
	if id == "" || len(id) >= MaxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7E {
			return false
		}
	}
	return true
}

// generateID renders 16 bytes of crypto/rand randomness as 32 lowercase
// hex characters (spec §3, §4.12). This stays on crypto/rand + encoding/hex
// rather than a third-party UUID/ID library: the wire format (32 lowercase
// hex chars, no dashes) is pinned by the spec and doesn't match UUID's
// canonical dashed form, so reaching for a UUID package would mean
// reformatting its output anyway — no net win over the two-line stdlib call.
func generateID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Create allocates a new session. timeoutSeconds == 0 uses
// DefaultTimeoutSeconds; a negative value means "no timeout" (spec §3).
func (m *Manager) Create(timeoutSeconds int, userData any) (*Session, error) {
	id, err := generateID()
	if err != nil {
		return nil, err
	}

	effTimeout := int64(timeoutSeconds)
	if timeoutSeconds == 0 {
		effTimeout = DefaultTimeoutSeconds
	}

	now := time.Now()
	s := &Session{
		id:             id,
		createdAt:      now,
		lastAccess:     now,
		timeoutSeconds: effTimeout,
		state:          StateActive,
		userData:       userData,
		inUse:          true,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= cap(m.sessions) {
		// Look for a freed slot before reporting exhaustion.
		for i, existing := range m.sessions {
			if existing == nil {
				m.sessions[i] = s
				m.active++
				return s, nil
			}
		}
		return nil, transport.ErrCapacityExhausted
	}
	m.sessions = append(m.sessions, s)
	m.active++
	return s, nil
}

// Get looks up a session by id. If found but expired (per its own
// timeout), it is transitioned to Expired, the event callback (if any) is
// invoked, and Get returns nil, matching spec §4.12.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	var found *Session
	for _, s := range m.sessions {
		if s != nil && s.id == id {
			found = s
			break
		}
	}
	m.mu.Unlock()
	if found == nil {
		return nil
	}

	found.mu.Lock()
	if !found.inUse || found.state != StateActive {
		found.mu.Unlock()
		return nil
	}
	expired := found.timeoutSeconds > 0 &&
		time.Since(found.lastAccess) > time.Duration(found.timeoutSeconds)*time.Second
	if expired {
		found.state = StateExpired
		found.inUse = false
	}
	found.mu.Unlock()

	if expired {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
		if m.onEvent != nil {
			m.onEvent(found.id, StateExpired, found.UserData())
		}
		return nil
	}
	return found
}

// Touch updates a session's last-access time to now.
func (m *Manager) Touch(s *Session) {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// Terminate transitions an active session to Terminated, freeing its slot.
// Returns false if the session was not active (already terminated/expired,
// or unknown).
func (m *Manager) Terminate(id string) bool {
	m.mu.Lock()
	var found *Session
	var idx int
	for i, s := range m.sessions {
		if s != nil && s.id == id {
			found, idx = s, i
			break
		}
	}
	m.mu.Unlock()
	if found == nil {
		return false
	}

	found.mu.Lock()
	if found.state != StateActive {
		found.mu.Unlock()
		return false
	}
	found.state = StateTerminated
	found.inUse = false
	userData := found.userData
	found.mu.Unlock()

	m.mu.Lock()
	m.sessions[idx] = nil
	m.active--
	m.mu.Unlock()

	if m.onEvent != nil {
		m.onEvent(id, StateTerminated, userData)
	}
	return true
}

// CleanupExpired scans all in-use sessions and transitions any whose
// inactivity exceeds their timeout to Expired, returning the count
// cleaned.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			candidates = append(candidates, s)
		}
	}
	m.mu.Unlock()

	cleaned := 0
	for _, s := range candidates {
		s.mu.Lock()
		shouldExpire := s.inUse && s.state == StateActive && s.timeoutSeconds > 0 &&
			time.Since(s.lastAccess) > time.Duration(s.timeoutSeconds)*time.Second
		if shouldExpire {
			s.state = StateExpired
			s.inUse = false
		}
		userData := s.userData
		id := s.id
		s.mu.Unlock()

		if shouldExpire {
			m.mu.Lock()
			m.active--
			m.mu.Unlock()
			cleaned++
			if m.onEvent != nil {
				m.onEvent(id, StateExpired, userData)
			}
		}
	}
	return cleaned
}

// ActiveCount returns the number of currently active sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
