// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command mcp-transport-example is a demo/ops CLI around the transport
// runtime: it serves one carrier at a time and logs periodic Stats()
// snapshots, for exercising the package in isolation or in conformance
// smoke tests.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
