// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package netutil holds small address-classification helpers shared by
// the carriers and the demo CLI — currently just loopback detection,
// used to warn when a server is bound to a non-local interface without
// an origin allow-list configured.
package netutil

import (
	"net"
	"net/netip"
	"strings"
)

// IsLoopback reports whether addr (a "host:port" pair or a bare host)
// resolves to a loopback address or the literal name "localhost". An empty
// host (e.g. ":8080" or "") is also reported as loopback.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = strings.Trim(addr, "[]")
	}
	if host == "" || host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}
