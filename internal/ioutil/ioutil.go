// Copyright 2025 The Go MCP SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package ioutil is the small portable socket layer spec §9 asks for in
// place of per-platform #ifdef forks: exact-send/exact-recv, vectored
// send, and a cancellable readable-wait built on net.Conn deadlines rather
// than OS-specific polling primitives.
package ioutil

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/mcp-transport/runtime/transport"
)

// Conn is the subset of net.Conn every operation here needs. Production
// callers pass a *net.TCPConn; tests can pass net.Pipe ends or any other
// net.Conn.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// pollQuantum bounds every blocking wait so a CancelFlag check is reached
// promptly even under a long or absent caller-supplied timeout (spec §4.2,
// §5 "bounded quantum (≤ 500-1000 ms)").
const pollQuantum = 250 * time.Millisecond

// CancelFlag is a word-sized shutdown signal polled between blocking calls,
// per §9's "stored word with acquire/release semantics" instruction.
type CancelFlag struct {
	flag atomic.Bool
}

// Cancel sets the flag. Safe to call from any goroutine, any number of
// times.
func (c *CancelFlag) Cancel() { c.flag.Store(true) }

// Cancelled reports whether Cancel has been called.
func (c *CancelFlag) Cancelled() bool { return c.flag.Load() }

// isCancelled treats a nil *CancelFlag as "never cancelled".
func isCancelled(c *CancelFlag) bool {
	return c != nil && c.Cancelled()
}

// Reader wraps a Conn with a buffered, peekable front end so WaitReadable
// can detect readability without consuming the bytes RecvExact/RecvFramed
// will need next (spec §4.2's wait_readable must not disturb message
// framing).
type Reader struct {
	conn Conn
	br   *bufio.Reader
}

// NewReader returns a Reader over conn.
func NewReader(conn Conn) *Reader {
	return &Reader{conn: conn, br: bufio.NewReaderSize(connReader{conn}, 4096)}
}

// connReader adapts Conn to io.Reader for bufio.NewReader.
type connReader struct{ Conn }

// SendExact writes buf to conn in full, looping through short writes and
// classifying errors per §4.2.
func SendExact(conn Conn, buf []byte, cancel *CancelFlag) error {
	for len(buf) > 0 {
		if isCancelled(cancel) {
			return transport.ErrCancelled
		}
		conn.SetWriteDeadline(time.Now().Add(pollQuantum))
		n, err := conn.Write(buf)
		buf = buf[n:]
		if err != nil {
			if isTimeout(err) {
				continue // poll quantum elapsed; re-check cancel flag
			}
			return classifyIOError(err)
		}
	}
	return nil
}

// RecvExact reads len(buf) bytes from r into buf, looping through short
// reads and polling cancel between them. A zero-byte read (EOF on an
// orderly stream close) is reported as connection_closed per §4.1.
func RecvExact(r *Reader, buf []byte, cancel *CancelFlag) error {
	for len(buf) > 0 {
		if isCancelled(cancel) {
			return transport.ErrCancelled
		}
		r.conn.SetReadDeadline(time.Now().Add(pollQuantum))
		n, err := r.br.Read(buf)
		buf = buf[n:]
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return transport.ErrConnectionClosed
			}
			return classifyIOError(err)
		}
		if n == 0 {
			return transport.ErrConnectionClosed
		}
	}
	return nil
}

// SendVectors performs a gather-send of iov, advancing through short
// writes without concatenating the buffers up front (spec §4.2).
func SendVectors(conn Conn, iov [][]byte, cancel *CancelFlag) error {
	buffers := net.Buffers(append([][]byte(nil), iov...))
	for len(buffers) > 0 {
		if isCancelled(cancel) {
			return transport.ErrCancelled
		}
		conn.SetWriteDeadline(time.Now().Add(pollQuantum))
		_, err := buffers.WriteTo(writerOnly{conn})
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return classifyIOError(err)
		}
		return nil
	}
	return nil
}

// writerOnly adapts Conn to io.Writer for net.Buffers.WriteTo.
type writerOnly struct{ Conn }

// WaitReadable waits up to timeoutMS (0 meaning "no overall deadline, still
// poll the cancel flag") for r to have at least one byte available,
// without consuming it, polling in quanta no larger than pollQuantum so
// cancellation is observed promptly (§4.2).
func WaitReadable(r *Reader, timeoutMS int, cancel *CancelFlag) error {
	var deadline time.Time
	hasDeadline := timeoutMS > 0
	if hasDeadline {
		deadline = time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	}
	for {
		if isCancelled(cancel) {
			return transport.ErrCancelled
		}
		quantum := pollQuantum
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return transport.ErrTimeout
			}
			if remaining < quantum {
				quantum = remaining
			}
		}
		r.conn.SetReadDeadline(time.Now().Add(quantum))
		_, err := r.br.Peek(1)
		if err != nil {
			if isTimeout(err) {
				if hasDeadline && !time.Now().Before(deadline) {
					return transport.ErrTimeout
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return transport.ErrConnectionClosed
			}
			return classifyIOError(err)
		}
		return nil
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classifyIOError translates a raw net/syscall error into one of the kinds
// in §7; nothing downstream of SendExact/RecvExact/SendVectors/WaitReadable
// sees a raw net.Error.
func classifyIOError(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return transport.ErrConnectionClosed
	}
	return transport.Wrap(transport.KindIOError, "socket i/o error", err)
}
