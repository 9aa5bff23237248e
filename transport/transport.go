// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import "context"

// Role tags a transport handle as playing the client or server side of a
// carrier, per spec §3.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Carrier tags the concrete wire mechanism backing a transport handle.
type Carrier int

const (
	CarrierTCP Carrier = iota
	CarrierTCPPool
	CarrierHTTP
	CarrierHTTPStreamable
	CarrierWebSocket
)

func (c Carrier) String() string {
	switch c {
	case CarrierTCP:
		return "tcp"
	case CarrierTCPPool:
		return "tcp_pool"
	case CarrierHTTP:
		return "http"
	case CarrierHTTPStreamable:
		return "http_streamable"
	case CarrierWebSocket:
		return "ws"
	default:
		return "unknown"
	}
}

// MessageCallback is invoked for every inbound framed message. It returns an
// optional reply to be sent back on the same logical connection (nil means
// no reply), and an error that, when non-nil, is translated by the carrier
// into the standard JSON-RPC error envelope where applicable (§4.10) without
// tearing down the connection (§7).
type MessageCallback func(ctx context.Context, userData any, payload []byte) (reply []byte, err error)

// ErrorCallback is invoked only for connection-fatal errors (§4.4). Expected,
// recoverable conditions — a single request timing out, a peer-initiated
// close — must not invoke it.
type ErrorCallback func(userData any, kind Kind, err error)

// Client is the operations exposed by a client-role transport (§4.4).
type Client interface {
	// Start begins background work (connect, accept loop, event thread).
	// Idempotent: calling Start while already running is a no-op.
	Start(ctx context.Context, onMessage MessageCallback, userData any, onError ErrorCallback) error
	// Stop quiesces background work: sets the shutdown flag, wakes blocked
	// operations, joins workers, closes sockets. Safe to call multiple times.
	Stop() error
	// Destroy calls Stop if needed and releases all resources. A second call
	// on an already-destroyed handle is a programming error (§6 Exit
	// behaviour), not a runtime-recoverable condition.
	Destroy() error
	// Send transmits a single framed payload.
	Send(ctx context.Context, data []byte) error
	// SendV transmits a payload assembled from multiple buffers. The
	// carriers in this module concatenate the buffers into one payload
	// before sending.
	SendV(ctx context.Context, iov [][]byte) error
	// Receive blocks for a reply for up to timeout_ms milliseconds; there
	// is no carrier default, and the WebSocket client times out at once
	// when timeout_ms <= 0. Carriers whose replies are consumed inside
	// Send/SendV (the pooled TCP client, §4.7) return ErrNotSupported.
	Receive(ctx context.Context, timeout_ms int) ([]byte, error)
}

// Server is the operations exposed by a server-role transport (§4.4).
// Replies are produced by returning a non-nil buffer from the message
// callback; there is no separate Send path.
type Server interface {
	Start(ctx context.Context, onMessage MessageCallback, userData any, onError ErrorCallback) error
	Stop() error
	Destroy() error
}

// Handle is the opaque, role- and carrier-tagged transport handle described
// in spec §3. The carrier packages in this module do not embed or return
// it; each carrier's role is given by whether it implements Client or
// Server.
type Handle struct {
	Role    Role
	Carrier Carrier
}
