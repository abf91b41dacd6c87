// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

// Package transport provides framed text connections between the runtime
// and plugin processes. Every frame is a single JSON object terminated by
// a newline; framing is the transport's job, frame contents are not.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrClosed is returned by Send and Receive once a connection is gone,
// whether closed locally or by the peer.
var ErrClosed = errors.New("connection closed")

// Connection carries one frame per Send or Receive call.
type Connection interface {
	// Send writes a single frame. Safe for concurrent use.
	Send(frame string) error
	// Receive blocks until the next frame arrives. Only one goroutine
	// may call Receive at a time.
	Receive() (string, error)
	// Close tears down the connection. Calling it more than once is a no-op.
	Close() error
}

// ConnectFunc serves one established connection and returns when the
// connection is no longer usable or the context is done.
type ConnectFunc func(ctx context.Context, conn Connection)

// Controller establishes connections for one transport mode and hands
// each to the connect callback.
type Controller interface {
	// Run blocks until the context is cancelled or the transport is
	// exhausted (for example the spawned process exited).
	Run(ctx context.Context, connect ConnectFunc) error
}

// IsClosed reports whether err means the peer is gone rather than a
// protocol or I/O fault worth surfacing.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
