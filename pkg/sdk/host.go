// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package sdk

import (
	"context"
	"encoding/base64"

	"github.com/samber/oops"

	"github.com/chatplug/chatplug/internal/rpc"
	"github.com/chatplug/chatplug/pkg/api"
)

// Host exposes the runtime-provided API to plugin code. Every method is a
// call back over the plugin's connection; calls made while the runtime has
// no application attached fail with the runtime's APP_UNAVAILABLE error.
type Host struct {
	handler *rpc.Handler
}

// RuntimeVersion reports the runtime's version string.
func (h *Host) RuntimeVersion(ctx context.Context) (string, error) {
	data, err := h.handler.Call(ctx, api.ActionGetRuntimeVersion, nil)
	if err != nil {
		return "", err
	}
	version, _ := data["version"].(string)
	return version, nil
}

// GetBots lists the application's connected bot accounts.
func (h *Host) GetBots(ctx context.Context) (map[string]any, error) {
	return h.handler.Call(ctx, api.ActionGetBots, nil)
}

// SendMessage sends a message through the application. The payload shape
// (target, message chain) is defined by the application and passed through
// opaque.
func (h *Host) SendMessage(ctx context.Context, data map[string]any) (map[string]any, error) {
	return h.handler.Call(ctx, api.ActionSendMessage, data)
}

// ReplyMessage replies to the message an event was raised for.
func (h *Host) ReplyMessage(ctx context.Context, data map[string]any) (map[string]any, error) {
	return h.handler.Call(ctx, api.ActionReplyMessage, data)
}

// InvokeLLM runs a completion on the application's configured model.
func (h *Host) InvokeLLM(ctx context.Context, data map[string]any) (map[string]any, error) {
	return h.handler.Call(ctx, api.ActionInvokeLLM, data)
}

// InvokeEmbedding embeds text with the application's configured model.
func (h *Host) InvokeEmbedding(ctx context.Context, data map[string]any) (map[string]any, error) {
	return h.handler.Call(ctx, api.ActionInvokeEmbedding, data)
}

// VectorUpsert writes vectors into the application's vector store.
func (h *Host) VectorUpsert(ctx context.Context, data map[string]any) (map[string]any, error) {
	return h.handler.Call(ctx, api.ActionVectorUpsert, data)
}

// VectorSearch queries the application's vector store.
func (h *Host) VectorSearch(ctx context.Context, data map[string]any) (map[string]any, error) {
	return h.handler.Call(ctx, api.ActionVectorSearch, data)
}

// VectorDelete removes vectors from the application's vector store.
func (h *Host) VectorDelete(ctx context.Context, data map[string]any) (map[string]any, error) {
	return h.handler.Call(ctx, api.ActionVectorDelete, data)
}

// GetConfigFile fetches a named configuration file from the application.
func (h *Host) GetConfigFile(ctx context.Context, name string) (map[string]any, error) {
	return h.handler.Call(ctx, api.ActionGetConfigFile, map[string]any{"file": name})
}

// Storage accesses the plugin's own key-value namespace. Entries are
// invisible to other plugins and survive restarts.
func (h *Host) Storage() *Storage {
	return &Storage{handler: h.handler, scope: "plugin"}
}

// WorkspaceStorage accesses the key-value namespace shared by all plugins.
func (h *Host) WorkspaceStorage() *Storage {
	return &Storage{handler: h.handler, scope: "workspace"}
}

// Storage is a scoped view of the runtime's key-value store. Values are
// arbitrary bytes.
type Storage struct {
	handler *rpc.Handler
	scope   string
}

// Set writes a value, replacing any previous one for the same key.
func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.handler.Call(ctx, api.ActionStorageSet, map[string]any{
		"scope": s.scope,
		"key":   key,
		"value": base64.StdEncoding.EncodeToString(value),
	})
	return err
}

// Get reads a value. Found is false for a missing key.
func (s *Storage) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	data, err := s.handler.Call(ctx, api.ActionStorageGet, map[string]any{
		"scope": s.scope,
		"key":   key,
	})
	if err != nil {
		return nil, false, err
	}
	if hit, _ := data["found"].(bool); !hit {
		return nil, false, nil
	}
	encoded, _ := data["value"].(string)
	value, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, oops.Code("KV_INVALID_VALUE").With("key", key).Wrap(err)
	}
	return value, true, nil
}

// Delete removes a key. Deleting a missing key is a no-op.
func (s *Storage) Delete(ctx context.Context, key string) error {
	_, err := s.handler.Call(ctx, api.ActionStorageDelete, map[string]any{
		"scope": s.scope,
		"key":   key,
	})
	return err
}

// Keys lists the keys in this scope matching pattern, in key order. An
// empty pattern matches everything; otherwise pattern is a glob.
func (s *Storage) Keys(ctx context.Context, pattern string) ([]string, error) {
	data, err := s.handler.Call(ctx, api.ActionStorageList, map[string]any{
		"scope":   s.scope,
		"pattern": pattern,
	})
	if err != nil {
		return nil, err
	}
	raw, _ := data["keys"].([]any)
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if key, ok := k.(string); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
