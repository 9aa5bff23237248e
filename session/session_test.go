// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"errors"
	"testing"
	"time"

	"github.com/mcp-transport/runtime/transport"
)

func TestCreateGetLifecycle(t *testing.T) {
	// S7: create(timeout=1s), get after 100ms succeeds, after a further
	// 1.2s get returns nil and reports an Expired transition.
	var gotEvents []State
	m := NewManager(Options{
		OnEvent: func(id string, s State, _ any) { gotEvents = append(gotEvents, s) },
	})

	s, err := m.Create(1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !ValidID(s.ID()) {
		t.Fatalf("generated id %q is not a valid session id", s.ID())
	}

	time.Sleep(100 * time.Millisecond)
	if got := m.Get(s.ID()); got == nil {
		t.Fatal("Get within timeout: want session, got nil")
	}

	time.Sleep(1200 * time.Millisecond)
	if got := m.Get(s.ID()); got != nil {
		t.Fatal("Get after timeout: want nil")
	}
	if len(gotEvents) != 1 || gotEvents[0] != StateExpired {
		t.Fatalf("events = %v, want [Expired]", gotEvents)
	}
}

func TestIDsUnique(t *testing.T) {
	m := NewManager(Options{MaxSessions: 100})
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := m.Create(60, nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if seen[s.ID()] {
			t.Fatalf("duplicate session id %q", s.ID())
		}
		seen[s.ID()] = true
	}
}

func TestCapacityExhausted(t *testing.T) {
	m := NewManager(Options{MaxSessions: 1})
	if _, err := m.Create(60, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := m.Create(60, nil)
	if err == nil {
		t.Fatal("want capacity exhausted error")
	}
	var terr *transport.Error
	if !errors.As(err, &terr) || terr.Kind != transport.KindCapacityExhausted {
		t.Fatalf("err = %v, want KindCapacityExhausted", err)
	}
}

func TestTerminateFreesSlot(t *testing.T) {
	m := NewManager(Options{MaxSessions: 1})
	s, _ := m.Create(60, nil)
	if !m.Terminate(s.ID()) {
		t.Fatal("Terminate: want true")
	}
	if m.Terminate(s.ID()) {
		t.Fatal("second Terminate: want false (already terminated)")
	}
	if _, err := m.Create(60, nil); err != nil {
		t.Fatalf("Create after Terminate: want slot reused, got %v", err)
	}
}

func TestNoTimeoutMeansNoExpiry(t *testing.T) {
	m := NewManager(Options{})
	s, _ := m.Create(-1, nil)
	time.Sleep(50 * time.Millisecond)
	if got := m.Get(s.ID()); got == nil {
		t.Fatal("negative timeout should mean no expiry")
	}
}

func TestValidID(t *testing.T) {
	cases := map[string]bool{
		"":                       false,
		"abc123":                 true,
		" leadingspace":          false,
		string(make([]byte, 64)): false,
	}
	for id, want := range cases {
		if got := ValidID(id); got != want {
			t.Errorf("ValidID(%q) = %v, want %v", id, got, want)
		}
	}
}
