// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/mcp-transport/runtime/internal/netutil"
	"github.com/mcp-transport/runtime/internal/rtdebug"
	"github.com/mcp-transport/runtime/transport/tcpserver"
)

func newServeTCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tcp",
		Short: "Serve the raw length-prefixed TCP carrier",
		RunE:  runServeTCP,
	}
	f := cmd.Flags()
	f.String("host", "127.0.0.1", "bind host")
	f.Int("port", 9000, "bind port")
	f.Int("max-clients", 256, "slot table size")
	f.Int("workers", 0, "worker pool size (0 = max-clients)")
	f.Duration("idle-timeout", 5*time.Minute, "idle connection timeout (0 disables)")
	f.Float64("accept-rate", 0, "sustained accept rate, connections/sec (0 disables limiting)")
	f.Int("accept-burst", 0, "accept token-bucket burst size")
	return cmd
}

func runServeTCP(cmd *cobra.Command, _ []string) error {
	v := viperFrom(cmd.Context())

	cfg := tcpserver.Config{
		Host:        v.GetString("host"),
		Port:        v.GetInt("port"),
		MaxClients:  v.GetInt("max-clients"),
		Workers:     v.GetInt("workers"),
		IdleTimeout: v.GetDuration("idle-timeout"),
		AcceptRate:  rate.Limit(v.GetFloat64("accept-rate")),
		AcceptBurst: v.GetInt("accept-burst"),
		Logger:      logger,
	}
	cfg.Workers = rtdebug.IntValue("tcpserverworkers", cfg.Workers)

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	if !netutil.IsLoopback(addr) {
		logger.WithField("addr", addr).Warn("binding TCP server to a non-loopback address")
	}

	srv := tcpserver.New(cfg)
	if err := srv.Start(context.Background(), echoCallback(logger), nil, errorCallback(logger)); err != nil {
		return err
	}
	defer srv.Stop()

	logger.WithFields(logrus.Fields{"host": cfg.Host, "port": cfg.Port}).Info("tcp server listening")
	runUntilSignal(30*time.Second, func() {
		s := srv.Stats()
		logger.WithFields(logrus.Fields{
			"total":    s.Total,
			"active":   s.Active,
			"peak":     s.Peak,
			"rejected": s.Rejected,
		}).Info("tcp server status")
	})
	return nil
}
