// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mcp-transport/runtime/transport"
)

// echoCallback builds a transport.MessageCallback that logs and echoes
// every inbound message back to the sender, tagging each invocation with
// a correlation id for log-line stitching — there's no per-message id in
// the payload to reuse, so one is minted here the way the demo harness
// needs, not the way a session id (crypto/rand hex, spec §4.12) would be.
func echoCallback(log *logrus.Logger) transport.MessageCallback {
	return func(_ context.Context, userData any, payload []byte) ([]byte, error) {
		log.WithFields(logrus.Fields{
			"correlation_id": uuid.NewString(),
			"bytes":          len(payload),
		}).Debug("message received, echoing")
		return payload, nil
	}
}

func errorCallback(log *logrus.Logger) transport.ErrorCallback {
	return func(userData any, kind transport.Kind, err error) {
		log.WithFields(logrus.Fields{
			"correlation_id": uuid.NewString(),
			"kind":           kind.String(),
		}).Warnf("connection error: %v", err)
	}
}
