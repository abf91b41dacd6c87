// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

// Package rpc implements the action protocol: concurrent request/response
// exchange over a framed connection, with seq_id correlation, streamed
// responses, and per-call timeouts. The runtime and every plugin each run
// one Handler per connection; both sides can originate calls.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/chatplug/chatplug/internal/transport"
	"github.com/chatplug/chatplug/pkg/api"
)

// DefaultCallTimeout bounds a call awaiting its response, and the gap
// between fragments of a streamed response.
const DefaultCallTimeout = 10 * time.Second

// responseBuffer is the per-call response queue depth. Streamed fragments
// queue here when the consumer lags behind the read loop.
const responseBuffer = 64

// ActionFunc handles a unary action and returns the response data.
type ActionFunc func(ctx context.Context, data map[string]any) (map[string]any, error)

// StreamActionFunc handles a streaming action. Each yield sends one
// fragment; returning nil ends the stream cleanly, returning an error
// sends a failure frame instead of the terminator.
type StreamActionFunc func(ctx context.Context, data map[string]any, yield func(map[string]any) error) error

// StreamFrame is one element of a streamed call result. A frame with Err
// set is terminal.
type StreamFrame struct {
	Data map[string]any
	Err  error
}

// SessionState is a Handler's position in the connection lifecycle.
type SessionState string

const (
	StateConnected    SessionState = "connected"
	StateDisconnected SessionState = "disconnected"
	StateReconnecting SessionState = "reconnecting"
	StateTerminated   SessionState = "terminated"
)

// DisconnectFunc decides whether a dropped session continues. It may
// block while arranging a replacement; returning true after attaching a
// new connection resumes the receive loop, false terminates the handler.
type DisconnectFunc func(h *Handler) bool

type callResult struct {
	resp *api.ActionResponse
	err  error
}

// Handler multiplexes the action protocol over one connection. Requests
// and responses interleave freely: every outbound request carries a fresh
// seq_id, and inbound responses are routed back to their waiting call by
// that id. Inbound requests each run on their own goroutine, so a slow
// action never blocks the exchange.
type Handler struct {
	name        string
	callTimeout time.Duration

	seq atomic.Int64

	mu           sync.Mutex
	conn         transport.Connection
	state        SessionState
	onDisconnect DisconnectFunc
	pending      map[int64]chan callResult
	actions      map[string]ActionFunc
	streams      map[string]StreamActionFunc
}

// NewHandler creates a handler named for logging and metrics. Every
// handler answers ping out of the box.
func NewHandler(name string) *Handler {
	h := &Handler{
		name:        name,
		callTimeout: DefaultCallTimeout,
		state:       StateDisconnected,
		pending:     make(map[int64]chan callResult),
		actions:     make(map[string]ActionFunc),
		streams:     make(map[string]StreamActionFunc),
	}
	h.RegisterAction(api.ActionPing, func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	return h
}

// Name returns the handler's logging name.
func (h *Handler) Name() string { return h.name }

// SetCallTimeout overrides DefaultCallTimeout for calls without their own
// deadline.
func (h *Handler) SetCallTimeout(d time.Duration) {
	if d > 0 {
		h.callTimeout = d
	}
}

// RegisterAction binds fn to an action name, replacing any previous
// binding.
func (h *Handler) RegisterAction(action string, fn ActionFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams, action)
	h.actions[action] = fn
}

// RegisterStream binds a streaming handler to an action name.
func (h *Handler) RegisterStream(action string, fn StreamActionFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.actions, action)
	h.streams[action] = fn
}

// SetDisconnectCallback installs fn as the reconnect decision. Without
// one, the first connection loss terminates the session. Install before
// Serve.
func (h *Handler) SetDisconnectCallback(fn DisconnectFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

// Attach substitutes the live connection. Meant to be called from a
// disconnect callback before it returns true.
func (h *Handler) Attach(conn transport.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn = conn
}

// State reports where the handler is in its connection lifecycle.
func (h *Handler) State() SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) setState(s SessionState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Serve processes frames on conn until the session terminates. When a
// connection drops, every call in flight on it fails with
// ErrConnectionClosed; the disconnect callback then decides whether a
// replacement connection resumes the loop or the session is over. The
// action registry and seq_id counter span reconnects, pending calls
// never do.
func (h *Handler) Serve(ctx context.Context, conn transport.Connection) error {
	h.Attach(conn)

	for {
		h.setState(StateConnected)
		err := h.serveConn(ctx, conn)
		h.failPending(ErrConnectionClosed)

		if ctx.Err() != nil {
			h.setState(StateTerminated)
			return nil
		}
		h.setState(StateDisconnected)

		h.mu.Lock()
		callback := h.onDisconnect
		h.mu.Unlock()
		if callback == nil {
			h.setState(StateTerminated)
			return err
		}

		h.setState(StateReconnecting)
		slog.Info("session dropped, awaiting replacement connection", "peer", h.name)
		if !callback(h) {
			h.setState(StateTerminated)
			return err
		}

		h.mu.Lock()
		conn = h.conn
		h.mu.Unlock()
		if conn == nil {
			h.setState(StateTerminated)
			return err
		}
		slog.Info("session resumed on replacement connection", "peer", h.name)
	}
}

// serveConn runs the receive loop for one connection and returns why it
// ended.
func (h *Handler) serveConn(ctx context.Context, conn transport.Connection) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.Attach(conn)

	// Unblock Receive when the context ends.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-serveCtx.Done():
			_ = conn.Close()
		case <-watcherDone:
		}
	}()

	var wg sync.WaitGroup
	var serveErr error

	for {
		frame, err := conn.Receive()
		if err != nil {
			if !transport.IsClosed(err) && ctx.Err() == nil {
				serveErr = oops.Code("TRANSPORT_FAILED").With("peer", h.name).Wrap(err)
			} else if ctx.Err() == nil {
				serveErr = ErrConnectionClosed
			}
			break
		}

		decoded, err := api.DecodeFrame(frame)
		if err != nil {
			slog.Warn("dropping malformed frame", "peer", h.name, "error", err)
			RecordFrameDropped(h.name, DropReasonMalformed)
			continue
		}

		switch {
		case decoded.Request != nil:
			req := decoded.Request
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.dispatch(serveCtx, req)
			}()
		case decoded.Response != nil:
			h.route(serveCtx, decoded.Response)
		}
	}

	cancel()
	_ = conn.Close()

	h.mu.Lock()
	if h.conn == conn {
		h.conn = nil
	}
	h.mu.Unlock()

	wg.Wait()
	return serveErr
}

// Call sends a request and waits for its response. Without a deadline on
// ctx the handler's call timeout applies. A timed-out call abandons its
// seq_id; if the response arrives later it is dropped, never delivered to
// a different call.
func (h *Handler) Call(ctx context.Context, action string, data map[string]any) (map[string]any, error) {
	ctx, cancel := h.callContext(ctx)
	defer cancel()

	seq := h.seq.Add(1)
	ch := h.addPending(seq)
	defer h.removePending(seq)

	if err := h.send(&api.ActionRequest{Action: action, Data: data, SeqID: seq}); err != nil {
		return nil, err
	}
	RecordCallStarted(h.name, action)

	select {
	case result := <-ch:
		if result.err != nil {
			RecordCallFinished(h.name, action, StatusDisconnected)
			return nil, oops.Code("ACTION_CALL_FAILED").With("action", action).Wrap(result.err)
		}
		resp := result.resp
		if !resp.OK() {
			RecordCallFinished(h.name, action, StatusError)
			return nil, &CallError{Action: action, Code: resp.Code, Message: resp.Message}
		}
		RecordCallFinished(h.name, action, StatusSuccess)
		return resp.Data, nil

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			RecordCallFinished(h.name, action, StatusTimeout)
			return nil, oops.Code("ACTION_CALL_TIMEOUT").With("action", action).With("seq_id", seq).Wrap(ErrCallTimeout)
		}
		RecordCallFinished(h.name, action, StatusCancelled)
		return nil, ctx.Err()
	}
}

// CallStream sends a request and returns a channel of response fragments.
// The channel closes after the terminator frame; a terminal failure
// arrives as a frame with Err set. The caller must drain the channel or
// cancel ctx, otherwise the pump goroutine leaks. Streaming calls carry
// no timeout of their own; a caller wanting one bounds ctx.
func (h *Handler) CallStream(ctx context.Context, action string, data map[string]any) (<-chan StreamFrame, error) {
	seq := h.seq.Add(1)
	ch := h.addPending(seq)

	if err := h.send(&api.ActionRequest{Action: action, Data: data, SeqID: seq}); err != nil {
		h.removePending(seq)
		return nil, err
	}
	RecordCallStarted(h.name, action)

	out := make(chan StreamFrame)
	go h.pumpStream(ctx, action, seq, ch, out)
	return out, nil
}

func (h *Handler) pumpStream(ctx context.Context, action string, seq int64, ch chan callResult, out chan StreamFrame) {
	defer close(out)
	defer h.removePending(seq)

	emit := func(frame StreamFrame) bool {
		select {
		case out <- frame:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case result := <-ch:
			if result.err != nil {
				RecordCallFinished(h.name, action, StatusDisconnected)
				emit(StreamFrame{Err: oops.Code("ACTION_CALL_FAILED").With("action", action).Wrap(result.err)})
				return
			}
			resp := result.resp
			if !resp.OK() {
				RecordCallFinished(h.name, action, StatusError)
				emit(StreamFrame{Err: &CallError{Action: action, Code: resp.Code, Message: resp.Message}})
				return
			}
			if resp.EOF() {
				RecordCallFinished(h.name, action, StatusSuccess)
				return
			}
			if !emit(StreamFrame{Data: resp.Data}) {
				RecordCallFinished(h.name, action, StatusCancelled)
				return
			}
			if resp.Message != api.MessageChunk {
				// Unary responder; that one frame was the whole stream.
				RecordCallFinished(h.name, action, StatusSuccess)
				return
			}

		case <-ctx.Done():
			RecordCallFinished(h.name, action, StatusCancelled)
			emit(StreamFrame{Err: ctx.Err()})
			return
		}
	}
}

// Notify sends a request without waiting for any response. The seq_id is
// still consumed so a peer that answers anyway hits the drop path instead
// of a live call.
func (h *Handler) Notify(action string, data map[string]any) error {
	seq := h.seq.Add(1)
	return h.send(&api.ActionRequest{Action: action, Data: data, SeqID: seq})
}

func (h *Handler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.callTimeout)
}

func (h *Handler) addPending(seq int64) chan callResult {
	ch := make(chan callResult, responseBuffer)
	h.mu.Lock()
	h.pending[seq] = ch
	h.mu.Unlock()
	return ch
}

func (h *Handler) removePending(seq int64) {
	h.mu.Lock()
	delete(h.pending, seq)
	h.mu.Unlock()
}

func (h *Handler) failPending(err error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[int64]chan callResult)
	h.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- callResult{err: err}:
		default:
		}
	}
}

func (h *Handler) send(req *api.ActionRequest) error {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return oops.Code("ACTION_CALL_FAILED").With("action", req.Action).Wrap(ErrConnectionClosed)
	}

	wire, err := api.EncodeRequest(req)
	if err != nil {
		return err
	}
	if err := conn.Send(wire); err != nil {
		if transport.IsClosed(err) {
			return oops.Code("ACTION_CALL_FAILED").With("action", req.Action).Wrap(ErrConnectionClosed)
		}
		return oops.Code("ACTION_CALL_FAILED").With("action", req.Action).Wrap(err)
	}
	return nil
}

// route delivers a response frame to the call waiting on its seq_id.
// Responses without a waiter are dropped so a timed-out call's late
// answer can never be delivered to a different call.
func (h *Handler) route(ctx context.Context, resp *api.ActionResponse) {
	h.mu.Lock()
	ch, ok := h.pending[resp.SeqID]
	h.mu.Unlock()

	if !ok {
		slog.Debug("dropping response with no waiter", "peer", h.name, "seq_id", resp.SeqID)
		RecordFrameDropped(h.name, DropReasonNoWaiter)
		return
	}

	select {
	case ch <- callResult{resp: resp}:
	case <-ctx.Done():
	}
}

func (h *Handler) dispatch(ctx context.Context, req *api.ActionRequest) {
	start := time.Now()

	h.mu.Lock()
	action, isUnary := h.actions[req.Action]
	stream, isStream := h.streams[req.Action]
	h.mu.Unlock()

	var status string
	switch {
	case isUnary:
		status = h.dispatchUnary(ctx, req, action)
	case isStream:
		status = h.dispatchStream(ctx, req, stream)
	default:
		resp := api.Error(NewWireError(ClassActionNotFound, "no handler for action %q", req.Action).Error())
		resp.SeqID = req.SeqID
		_ = h.reply(resp)
		status = StatusNotFound
	}

	RecordActionHandled(h.name, req.Action, status, time.Since(start))
}

func (h *Handler) dispatchUnary(ctx context.Context, req *api.ActionRequest, fn ActionFunc) string {
	data, err := h.invoke(ctx, fn, req.Data)

	var resp *api.ActionResponse
	status := StatusSuccess
	if err != nil {
		resp = api.Error(wireMessage(err))
		status = StatusError
	} else {
		resp = api.Success(data)
	}
	resp.SeqID = req.SeqID
	_ = h.reply(resp)
	return status
}

func (h *Handler) dispatchStream(ctx context.Context, req *api.ActionRequest, fn StreamActionFunc) string {
	yield := func(data map[string]any) error {
		fragment := api.Chunk(data)
		fragment.SeqID = req.SeqID
		return h.reply(fragment)
	}

	err := h.invokeStream(ctx, fn, req.Data, yield)

	var terminator *api.ActionResponse
	status := StatusSuccess
	if err != nil {
		terminator = api.Error(wireMessage(err))
		status = StatusError
	} else {
		terminator = api.EndOfStream()
	}
	terminator.SeqID = req.SeqID
	_ = h.reply(terminator)
	return status
}

// invoke runs an action handler with panic containment. One misbehaving
// handler must not take down the whole exchange.
func (h *Handler) invoke(ctx context.Context, fn ActionFunc, data map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.Code("ACTION_PANIC").With("peer", h.name).Errorf("action handler panicked: %v", r)
		}
	}()
	return fn(ctx, data)
}

func (h *Handler) invokeStream(ctx context.Context, fn StreamActionFunc, data map[string]any, yield func(map[string]any) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = oops.Code("ACTION_PANIC").With("peer", h.name).Errorf("action handler panicked: %v", r)
		}
	}()
	return fn(ctx, data, yield)
}

func (h *Handler) reply(resp *api.ActionResponse) error {
	wire, err := api.EncodeResponse(resp)
	if err != nil {
		slog.Error("encoding response failed", "peer", h.name, "error", err)
		return err
	}

	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}
	if err := conn.Send(wire); err != nil {
		if transport.IsClosed(err) {
			return ErrConnectionClosed
		}
		return oops.Code("TRANSPORT_FAILED").With("peer", h.name).Wrap(err)
	}
	return nil
}
