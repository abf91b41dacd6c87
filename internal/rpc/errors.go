// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package rpc

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes carried on the wire. A failure response's message is
// "<Class>: <description>" so peers in any language can match on the
// class without a shared error type.
const (
	ClassConnectionClosed  = "ConnectionClosedError"
	ClassActionNotFound    = "ActionNotFoundError"
	ClassActionCallTimeout = "ActionCallTimeoutError"
	ClassActionCall        = "ActionCallError"
	ClassDuplicatePlugin   = "DuplicatePluginError"
	ClassToolNotFound      = "ToolNotFoundError"
	ClassCommandNotFound   = "CommandNotFoundError"
	ClassRAGEngineNotFound = "RAGEngineNotFoundError"
	ClassInternal          = "InternalError"
)

var (
	// ErrConnectionClosed means the peer went away before a call completed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCallTimeout means no response arrived within the call timeout.
	ErrCallTimeout = errors.New("action call timed out")
)

// WireError is an action failure with an explicit wire class. Handlers
// return one when the failure should be recognizable on the peer side;
// any other error is reported as InternalError.
type WireError struct {
	Class   string
	Message string
}

// NewWireError builds a classified action failure.
func NewWireError(class, format string, args ...any) *WireError {
	return &WireError{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface in the wire format.
func (e *WireError) Error() string {
	return e.Class + ": " + e.Message
}

// CallError is the caller-side view of a non-zero response frame.
type CallError struct {
	Action  string
	Code    int
	Message string
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("action %q failed with code %d: %s", e.Action, e.Code, e.Message)
}

// Class extracts the error class prefix from the wire message, or ""
// when the peer sent an unclassified message.
func (e *CallError) Class() string {
	idx := strings.Index(e.Message, ":")
	if idx <= 0 {
		return ""
	}
	class := e.Message[:idx]
	if strings.ContainsAny(class, " \t") || !strings.HasSuffix(class, "Error") {
		return ""
	}
	return class
}

// HasClass reports whether err is a CallError or WireError carrying the
// given wire class.
func HasClass(err error, class string) bool {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Class() == class
	}
	var wireErr *WireError
	if errors.As(err, &wireErr) {
		return wireErr.Class == class
	}
	return false
}

// wireMessage renders a handler failure for the response frame.
func wireMessage(err error) string {
	var wireErr *WireError
	if errors.As(err, &wireErr) {
		return wireErr.Error()
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		// Pass a downstream failure through with its class intact.
		if callErr.Class() != "" {
			return callErr.Message
		}
		return ClassActionCall + ": " + callErr.Message
	}
	switch {
	case errors.Is(err, ErrConnectionClosed):
		return ClassConnectionClosed + ": " + err.Error()
	case errors.Is(err, ErrCallTimeout):
		return ClassActionCallTimeout + ": " + err.Error()
	}
	return ClassInternal + ": " + err.Error()
}
