// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

const (
	dialBackoffBase = 500 * time.Millisecond
	dialBackoffCap  = 10 * time.Second
	dialMaxRetries  = 10
)

// ListenerController accepts inbound plugin connections on a TCP address
// and serves each one on its own goroutine. Debug plugins connect here.
type ListenerController struct {
	addr     string
	mu       sync.RWMutex
	listener net.Listener
}

// NewListenerController creates a controller listening on addr.
func NewListenerController(addr string) *ListenerController {
	return &ListenerController{addr: addr}
}

// Addr returns the resolved listen address, or "" before Run binds it.
func (c *ListenerController) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Run listens and accepts until the context is cancelled. It returns
// after every accepted connection's callback has finished.
func (c *ListenerController) Run(ctx context.Context, connect ConnectFunc) error {
	listener, err := net.Listen("tcp", c.addr)
	if err != nil {
		return oops.Code("LISTEN_FAILED").With("addr", c.addr).Wrap(err)
	}

	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()

	slog.Info("plugin listener started", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			slog.Debug("error closing listener", "error", err)
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("accept failed", "error", err)
				continue
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			framed := NewIOConn(conn, conn, conn)
			defer func() { _ = framed.Close() }()
			connect(ctx, framed)
		}()
	}
}

// DialerController maintains an outbound connection to a runtime,
// redialing with exponential backoff when it drops. A plugin launched
// against a remote runtime uses this instead of stdio.
type DialerController struct {
	addr      string
	reconnect bool
}

// NewDialerController creates a controller dialing addr. With reconnect
// set, a dropped connection is re-established and served again.
func NewDialerController(addr string, reconnect bool) *DialerController {
	return &DialerController{addr: addr, reconnect: reconnect}
}

// Run dials and serves until the context is cancelled, the dial budget is
// exhausted, or (without reconnect) the first connection ends.
func (c *DialerController) Run(ctx context.Context, connect ConnectFunc) error {
	for {
		conn, err := dialRetry(ctx, c.addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		connect(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil || !c.reconnect {
			return nil
		}
		slog.Info("connection lost, redialing", "addr", c.addr)
	}
}

func dialRetry(ctx context.Context, addr string) (Connection, error) {
	var conn Connection

	backoff := retry.WithCappedDuration(dialBackoffCap, retry.NewExponential(dialBackoffBase))
	backoff = retry.WithMaxRetries(dialMaxRetries, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var dialer net.Dialer
		netConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn = NewIOConn(netConn, netConn, netConn)
		return nil
	})
	if err != nil {
		return nil, oops.Code("DIAL_FAILED").With("addr", addr).Wrap(err)
	}
	return conn, nil
}

// Dial opens a single framed connection without retry.
func Dial(ctx context.Context, addr string) (Connection, error) {
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, oops.Code("DIAL_FAILED").With("addr", addr).Wrap(err)
	}
	return NewIOConn(netConn, netConn, netConn), nil
}
