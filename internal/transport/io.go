// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package transport

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
)

// ioConn frames messages over a reader/writer pair, one JSON object per
// newline-terminated line. bufio.Reader (not Scanner) so frames larger
// than the default token limit still arrive whole.
type ioConn struct {
	reader  *bufio.Reader
	writer  io.Writer
	closers []io.Closer

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

// NewIOConn wraps a reader/writer pair as a Connection. Any closers are
// closed when the connection closes.
func NewIOConn(r io.Reader, w io.Writer, closers ...io.Closer) Connection {
	return &ioConn{
		reader:  bufio.NewReader(r),
		writer:  w,
		closers: closers,
	}
}

// Stdio returns the connection a spawned plugin process uses to talk to
// the runtime that launched it: frames in on stdin, frames out on stdout.
// Anything the plugin prints to stdout outside this connection corrupts
// the stream, so plugin logs belong on stderr.
func Stdio() Connection {
	return NewIOConn(os.Stdin, os.Stdout)
}

func (c *ioConn) Send(frame string) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := io.WriteString(c.writer, frame+"\n"); err != nil {
		if IsClosed(err) {
			return ErrClosed
		}
		return oops.Code("TRANSPORT_WRITE_FAILED").Wrap(err)
	}
	return nil
}

func (c *ioConn) Receive() (string, error) {
	for {
		if c.closed.Load() {
			return "", ErrClosed
		}

		line, err := c.reader.ReadString('\n')
		if err != nil {
			// A final frame without its newline still counts.
			if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
				return trimmed, nil
			}
			if IsClosed(err) {
				return "", ErrClosed
			}
			return "", oops.Code("TRANSPORT_READ_FAILED").Wrap(err)
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			continue
		}
		return trimmed, nil
	}
}

func (c *ioConn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		for _, closer := range c.closers {
			if cerr := closer.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
