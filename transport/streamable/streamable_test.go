// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package streamable

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPostCreatesSessionAndReplies(t *testing.T) {
	srv := New(Config{})
	srv.Start(context.Background(), func(_ context.Context, _ any, payload []byte) ([]byte, error) {
		return []byte(`{"jsonrpc":"2.0","result":"ok","id":1}`), nil
	}, nil, nil)
	defer srv.Stop()

	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL, "application/json", strings.NewReader(`{"jsonrpc":"2.0","method":"x","id":1}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	sid := resp.Header.Get("Mcp-Session-Id")
	if sid == "" {
		t.Fatal("want Mcp-Session-Id header on first POST")
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPostWithUnknownSessionIDReturnsNotFound(t *testing.T) {
	srv := New(Config{})
	srv.Start(context.Background(), func(_ context.Context, _ any, payload []byte) ([]byte, error) {
		return []byte(`{}`), nil
	}, nil, nil)
	defer srv.Stop()

	ts := httptest.NewServer(srv)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader(`{}`))
	req.Header.Set("Mcp-Session-Id", "0123456789abcdef0123456789abcdef")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOriginPolicyRejectsDisallowedOrigin(t *testing.T) {
	srv := New(Config{AllowedOrigins: []string{"http://localhost:*"}})
	srv.Start(context.Background(), func(_ context.Context, _ any, payload []byte) ([]byte, error) {
		return []byte(`{}`), nil
	}, nil, nil)
	defer srv.Stop()

	ts := httptest.NewServer(srv)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader(`{}`))
	req.Header.Set("Origin", "http://evil.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader(`{}`))
	req2.Header.Set("Origin", "http://localhost:5173")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for allowed wildcard origin", resp2.StatusCode)
	}
}

func TestDeleteTerminatesSession(t *testing.T) {
	srv := New(Config{})
	srv.Start(context.Background(), func(_ context.Context, _ any, payload []byte) ([]byte, error) {
		return []byte(`{}`), nil
	}, nil, nil)
	defer srv.Stop()

	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, _ := http.Post(ts.URL, "application/json", strings.NewReader(`{}`))
	sid := resp.Header.Get("Mcp-Session-Id")
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL, nil)
	req.Header.Set("Mcp-Session-Id", sid)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", delResp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader(`{}`))
	req2.Header.Set("Mcp-Session-Id", sid)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("POST after DELETE: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want 404", resp2.StatusCode)
	}
}
