// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one transport carrier until interrupted",
	}
	cmd.AddCommand(newServeTCPCmd())
	cmd.AddCommand(newServeWSCmd())
	cmd.AddCommand(newServeHTTPCmd())
	return cmd
}

// runUntilSignal blocks until SIGINT/SIGTERM, calling status every
// statusInterval to log a /debug-style status line.
func runUntilSignal(statusInterval time.Duration, status func()) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if statusInterval <= 0 || status == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status()
		}
	}
}
