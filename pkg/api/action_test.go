// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_Request(t *testing.T) {
	frame, err := DecodeFrame(`{"action":"call_tool","data":{"tool_name":"weather"},"seq_id":7}`)
	require.NoError(t, err)
	require.NotNil(t, frame.Request)
	assert.Nil(t, frame.Response)
	assert.Equal(t, "call_tool", frame.Request.Action)
	assert.Equal(t, int64(7), frame.Request.SeqID)
	assert.Equal(t, "weather", frame.Request.Data["tool_name"])
}

func TestDecodeFrame_Response(t *testing.T) {
	frame, err := DecodeFrame(`{"code":0,"message":"ok","data":{"bots":["a"]},"seq_id":3}`)
	require.NoError(t, err)
	require.NotNil(t, frame.Response)
	assert.Nil(t, frame.Request)
	assert.True(t, frame.Response.OK())
	assert.Equal(t, int64(3), frame.Response.SeqID)
}

func TestDecodeFrame_ErrorResponse(t *testing.T) {
	frame, err := DecodeFrame(`{"code":1,"message":"ToolNotFoundError: no such tool","data":{},"seq_id":9}`)
	require.NoError(t, err)
	require.NotNil(t, frame.Response)
	assert.False(t, frame.Response.OK())
	assert.Contains(t, frame.Response.Message, "ToolNotFoundError")
}

func TestDecodeFrame_Invalid(t *testing.T) {
	_, err := DecodeFrame(`{"neither":"nor"}`)
	require.Error(t, err)

	_, err = DecodeFrame(`not json at all`)
	require.Error(t, err)
}

func TestDecodeFrame_CodeZeroStillResponse(t *testing.T) {
	// code 0 must decode as a response even though 0 is the zero value.
	frame, err := DecodeFrame(`{"code":0,"message":"","data":{},"seq_id":1}`)
	require.NoError(t, err)
	require.NotNil(t, frame.Response)
}

func TestEncodeRequest_RoundTrip(t *testing.T) {
	req := &ActionRequest{
		Action: "emit_event",
		Data: map[string]any{
			"text":   "hello",
			"count":  float64(3),
			"truthy": true,
			"nested": map[string]any{"list": []any{"a", "b"}},
		},
		SeqID: 42,
	}

	wire, err := EncodeRequest(req)
	require.NoError(t, err)

	frame, err := DecodeFrame(wire)
	require.NoError(t, err)
	require.NotNil(t, frame.Request)
	assert.Equal(t, req.Action, frame.Request.Action)
	assert.Equal(t, req.SeqID, frame.Request.SeqID)
	assert.Equal(t, req.Data, frame.Request.Data)
}

func TestEncodeRequest_NilData(t *testing.T) {
	wire, err := EncodeRequest(&ActionRequest{Action: "ping", SeqID: 1})
	require.NoError(t, err)
	assert.Contains(t, wire, `"data":{}`)
}

func TestResponseConstructors(t *testing.T) {
	ok := Success(map[string]any{"x": 1})
	assert.True(t, ok.OK())
	assert.False(t, ok.EOF())
	assert.Equal(t, MessageOK, ok.Message)

	chunk := Chunk(map[string]any{"part": 1})
	assert.True(t, chunk.OK())
	assert.False(t, chunk.EOF())

	eof := EndOfStream()
	assert.True(t, eof.OK())
	assert.True(t, eof.EOF())

	fail := Error("ActionNotFoundError: nope")
	assert.False(t, fail.OK())
	assert.Equal(t, 1, fail.Code)
}
