// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

// Package api defines the plugin protocol surface shared by the runtime and
// the plugin SDK: wire frames, action names, the container model, and the
// event context passed through the emission pipeline.
//
// Everything in this package serializes to JSON. Payloads the runtime does
// not interpret (message chains, LLM messages, RAG documents) are carried as
// map[string]any or json.RawMessage and passed through untouched.
package api

import (
	"encoding/json"

	"github.com/samber/oops"
)

// Actions shared by both sides of every connection.
const (
	ActionPing = "ping"
)

// Actions sent by a plugin to the runtime.
const (
	ActionRegisterPlugin    = "register_plugin"
	ActionGetPluginSettings = "get_plugin_settings"
	ActionGetRuntimeVersion = "get_runtime_version"
	ActionGetBots           = "get_bots"
	ActionSendMessage       = "send_message"
	ActionReplyMessage      = "reply_message"
	ActionInvokeLLM         = "invoke_llm"
	ActionInvokeEmbedding   = "invoke_embedding"
	ActionVectorUpsert      = "vector_upsert"
	ActionVectorSearch      = "vector_search"
	ActionVectorDelete      = "vector_delete"
	ActionGetConfigFile     = "get_config_file"
	ActionStorageGet        = "storage_get"
	ActionStorageSet        = "storage_set"
	ActionStorageDelete     = "storage_delete"
	ActionStorageList       = "storage_list"
)

// Actions sent by the runtime to a plugin.
const (
	ActionInitializePlugin    = "initialize_plugin"
	ActionGetPluginContainer  = "get_plugin_container"
	ActionEmitEvent           = "emit_event"
	ActionCallTool            = "call_tool"
	ActionExecuteCommand      = "execute_command"
	ActionIngestDocument      = "ingest_document"
	ActionDeleteDocument      = "delete_document"
	ActionOnKBCreate          = "on_kb_create"
	ActionOnKBDelete          = "on_kb_delete"
	ActionGetRAGCapabilities  = "get_rag_capabilities"
	ActionRetrieveKnowledge   = "retrieve_knowledge"
	ActionGetPluginIcon       = "get_plugin_icon"
	ActionGetPluginReadme     = "get_plugin_readme"
	ActionGetPluginAssetsFile = "get_plugin_assets_file"
	ActionShutdown            = "shutdown"
)

// Actions sent by the owning application to the runtime over the control
// connection. Routing actions (emit_event, call_tool, execute_command and the
// RAG set) reuse the runtime-to-plugin names above.
const (
	ActionListPlugins      = "list_plugins"
	ActionGetPluginInfo    = "get_plugin_info"
	ActionInstallPlugin    = "install_plugin"
	ActionUninstallPlugin  = "uninstall_plugin"
	ActionSetPluginEnabled = "set_plugin_enabled"
	ActionListTools        = "list_tools"
	ActionListCommands     = "list_commands"
)

// Actions sent by the runtime to the owning application.
const (
	ActionInitializePluginSettings = "initialize_plugin_settings"
)

// Response messages with protocol meaning. Every frame of a streamed call
// carries MessageChunk except the final frame, which carries MessageEOF.
const (
	MessageOK    = "ok"
	MessageChunk = "chunk"
	MessageEOF   = "EOF"
)

// ActionRequest is one call frame. SeqID is unique per handler for the
// lifetime of one connection and assigned monotonically by the caller.
type ActionRequest struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data"`
	SeqID  int64          `json:"seq_id"`
}

// ActionResponse is one reply frame. Code zero signals success; any other
// value signals failure with Message carrying the cause. Streamed calls
// produce one response per element plus a terminator, all sharing the
// request's SeqID.
type ActionResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
	SeqID   int64          `json:"seq_id"`
}

// OK returns true when the response signals success.
func (r *ActionResponse) OK() bool {
	return r.Code == 0
}

// EOF returns true when the response is a stream terminator.
func (r *ActionResponse) EOF() bool {
	return r.Code == 0 && r.Message == MessageEOF
}

// Success builds a success response with the given payload.
func Success(data map[string]any) *ActionResponse {
	if data == nil {
		data = map[string]any{}
	}
	return &ActionResponse{Code: 0, Message: MessageOK, Data: data}
}

// Chunk builds one element frame of a streamed response.
func Chunk(data map[string]any) *ActionResponse {
	if data == nil {
		data = map[string]any{}
	}
	return &ActionResponse{Code: 0, Message: MessageChunk, Data: data}
}

// EndOfStream builds the terminator frame of a streamed response.
func EndOfStream() *ActionResponse {
	return &ActionResponse{Code: 0, Message: MessageEOF, Data: map[string]any{}}
}

// Error builds a failure response. The message should follow the
// "<Kind>: <description>" convention used at the dispatch boundary.
func Error(message string) *ActionResponse {
	return &ActionResponse{Code: 1, Message: message, Data: map[string]any{}}
}

// Frame is one decoded wire message: exactly one of Request or Response is
// non-nil. A message with an "action" key decodes as a request; a message
// with a "code" key decodes as a response.
type Frame struct {
	Request  *ActionRequest
	Response *ActionResponse
}

// frameProbe sniffs which frame shape a wire message carries.
type frameProbe struct {
	Action *string `json:"action"`
	Code   *int    `json:"code"`
}

// DecodeFrame parses one wire message into a Frame.
func DecodeFrame(text string) (*Frame, error) {
	var probe frameProbe
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		return nil, oops.Code("FRAME_DECODE_FAILED").Wrapf(err, "parse wire message")
	}

	switch {
	case probe.Action != nil:
		var req ActionRequest
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return nil, oops.Code("FRAME_DECODE_FAILED").Wrapf(err, "parse action request")
		}
		return &Frame{Request: &req}, nil
	case probe.Code != nil:
		var resp ActionResponse
		if err := json.Unmarshal([]byte(text), &resp); err != nil {
			return nil, oops.Code("FRAME_DECODE_FAILED").Wrapf(err, "parse action response")
		}
		return &Frame{Response: &resp}, nil
	default:
		return nil, oops.Code("FRAME_DECODE_FAILED").Errorf("wire message carries neither action nor code")
	}
}

// EncodeRequest serializes a request to its wire form.
func EncodeRequest(req *ActionRequest) (string, error) {
	if req.Data == nil {
		req.Data = map[string]any{}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return "", oops.Code("FRAME_ENCODE_FAILED").With("action", req.Action).Wrap(err)
	}
	return string(b), nil
}

// EncodeResponse serializes a response to its wire form.
func EncodeResponse(resp *ActionResponse) (string, error) {
	if resp.Data == nil {
		resp.Data = map[string]any{}
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return "", oops.Code("FRAME_ENCODE_FAILED").With("seq_id", resp.SeqID).Wrap(err)
	}
	return string(b), nil
}
