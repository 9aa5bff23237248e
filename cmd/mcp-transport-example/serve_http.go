// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mcp-transport/runtime/internal/netutil"
	"github.com/mcp-transport/runtime/transport/sse"
	"github.com/mcp-transport/runtime/transport/streamable"
)

func newServeHTTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "http",
		Short: "Serve the HTTP+SSE or HTTP-streamable carrier",
		RunE:  runServeHTTP,
	}
	f := cmd.Flags()
	f.String("addr", "127.0.0.1:9002", "bind address")
	f.Bool("streamable", false, "use the session-multiplexed streamable transport instead of plain SSE")
	f.StringSlice("allowed-origins", nil, "allowed Origin values; streamable: enforced, wildcard suffix '*' supported, empty allows all; sse: first entry sent as Access-Control-Allow-Origin, not enforced")
	f.Duration("heartbeat-interval", 15*time.Second, "SSE heartbeat interval (0 disables, SSE transport only)")
	f.Int("event-capacity", 256, "replay buffer capacity per store/session")
	return cmd
}

func runServeHTTP(cmd *cobra.Command, _ []string) error {
	v := viperFrom(cmd.Context())

	addr := v.GetString("addr")
	origins := v.GetStringSlice("allowed-origins")
	if !netutil.IsLoopback(addr) && len(origins) == 0 {
		logger.WithField("addr", addr).Warn("binding HTTP server to a non-loopback address with no allowed-origins configured")
	}

	var handler http.Handler
	var stopper func() error

	if v.GetBool("streamable") {
		srv := streamable.New(streamable.Config{
			AllowedOrigins:          origins,
			EventCapacityPerSession: v.GetInt("event-capacity"),
			Logger:                  logger,
		})
		if err := srv.Start(context.Background(), echoCallback(logger), nil, errorCallback(logger)); err != nil {
			return err
		}
		handler, stopper = srv, srv.Stop
	} else {
		srv := sse.New(sse.Config{
			AllowedOrigins:    origins,
			HeartbeatInterval: v.GetDuration("heartbeat-interval"),
			EventCapacity:     v.GetInt("event-capacity"),
		})
		if err := srv.Start(context.Background(), echoCallback(logger), nil, errorCallback(logger)); err != nil {
			return err
		}
		handler, stopper = srv, srv.Stop
	}
	defer stopper()

	httpSrv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("http server exited")
		}
	}()
	defer httpSrv.Close()

	logger.WithFields(logrus.Fields{"addr": addr, "streamable": v.GetBool("streamable")}).Info("http server listening")
	runUntilSignal(0, nil)
	return nil
}
