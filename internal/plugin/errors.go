// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package plugin

import (
	"github.com/chatplug/chatplug/internal/rpc"
)

// Routing and install failures carry wire error classes so both local
// callers (rpc.HasClass) and peers across the protocol can match them.

func errToolNotFound(name string) error {
	return rpc.NewWireError(rpc.ClassToolNotFound, "no tool named %q", name)
}

func errCommandNotFound(name string) error {
	return rpc.NewWireError(rpc.ClassCommandNotFound, "no command named %q", name)
}

func errRAGEngineNotFound(name string) error {
	if name == "" {
		return rpc.NewWireError(rpc.ClassRAGEngineNotFound, "no RAG engine available")
	}
	return rpc.NewWireError(rpc.ClassRAGEngineNotFound, "no RAG engine named %q", name)
}

func errDuplicatePlugin(key string) error {
	return rpc.NewWireError(rpc.ClassDuplicatePlugin, "plugin %s is already installed", key)
}
