// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package transport

import "sync"

// pipeBufferSize smooths bursts so neither end blocks the other's
// dispatch loop during normal exchanges.
const pipeBufferSize = 16

type pipeShared struct {
	done chan struct{}
	once sync.Once
}

func (p *pipeShared) close() {
	p.once.Do(func() { close(p.done) })
}

// pipeEnd is one side of an in-memory connection pair.
type pipeEnd struct {
	shared *pipeShared
	send   chan string
	recv   chan string
}

// Pipe returns two connected in-memory Connections. Frames sent on one
// end arrive on the other in order. Closing either end closes both.
// Used for in-process plugins and tests.
func Pipe() (Connection, Connection) {
	shared := &pipeShared{done: make(chan struct{})}
	aToB := make(chan string, pipeBufferSize)
	bToA := make(chan string, pipeBufferSize)

	a := &pipeEnd{shared: shared, send: aToB, recv: bToA}
	b := &pipeEnd{shared: shared, send: bToA, recv: aToB}
	return a, b
}

func (e *pipeEnd) Send(frame string) error {
	select {
	case <-e.shared.done:
		return ErrClosed
	default:
	}

	select {
	case e.send <- frame:
		return nil
	case <-e.shared.done:
		return ErrClosed
	}
}

func (e *pipeEnd) Receive() (string, error) {
	// Drain delivered frames before reporting closure.
	select {
	case frame := <-e.recv:
		return frame, nil
	default:
	}

	select {
	case frame := <-e.recv:
		return frame, nil
	case <-e.shared.done:
		return "", ErrClosed
	}
}

func (e *pipeEnd) Close() error {
	e.shared.close()
	return nil
}
