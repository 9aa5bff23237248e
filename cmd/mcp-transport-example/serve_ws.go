// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mcp-transport/runtime/internal/netutil"
	"github.com/mcp-transport/runtime/transport/wsserver"
)

func newServeWSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ws",
		Short: "Serve the WebSocket carrier",
		RunE:  runServeWS,
	}
	f := cmd.Flags()
	f.String("addr", "127.0.0.1:9001", "bind address")
	f.String("path", "/ws", "HTTP path to mount the upgrader on")
	f.Int("max-clients", 64, "bitmap slot table size")
	f.Duration("ping-interval", 30*time.Second, "liveness ping interval")
	f.Duration("ping-timeout", 10*time.Second, "time to wait for a pong before counting a miss")
	f.Int("max-missed-pings", 3, "missed pongs before closing a client")
	return cmd
}

func runServeWS(cmd *cobra.Command, _ []string) error {
	v := viperFrom(cmd.Context())

	cfg := wsserver.Config{
		MaxClients:          v.GetInt("max-clients"),
		PingInterval:        v.GetDuration("ping-interval"),
		PingTimeout:         v.GetDuration("ping-timeout"),
		MaxPingsBeforeClose: v.GetInt("max-missed-pings"),
		Logger:              logger,
	}

	addr := v.GetString("addr")
	if !netutil.IsLoopback(addr) {
		logger.WithField("addr", addr).Warn("binding WebSocket server to a non-loopback address with CheckOrigin unset (allows any origin)")
	}

	srv := wsserver.New(cfg)
	if err := srv.Start(context.Background(), echoCallback(logger), nil, errorCallback(logger)); err != nil {
		return err
	}
	defer srv.Stop()

	path := v.GetString("path")
	mux := http.NewServeMux()
	mux.Handle(path, srv)
	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("ws http server exited")
		}
	}()
	defer httpSrv.Close()

	logger.WithFields(logrus.Fields{"addr": addr, "path": path}).Info("ws server listening")
	runUntilSignal(30*time.Second, func() {
		s := srv.Stats()
		logger.WithFields(logrus.Fields{
			"total":    s.Total,
			"active":   s.Active,
			"peak":     s.Peak,
			"rejected": s.Rejected,
		}).Info("ws server status")
	})
	return nil
}
