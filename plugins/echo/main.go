// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

// Package main implements the echo example plugin. It demonstrates the
// three behavioral component kinds: an EventListener that echoes chat
// messages, a Tool that repeats its input, and a streaming Command.
//
// Build and install:
//
//	go build -o echo ./plugins/echo
//	chatplug runtime   # with this directory under the plugins dir
//
// For iterating without reinstalling, run the binary by hand against the
// runtime's debug listener:
//
//	CHATPLUG_DEBUG_ADDR=127.0.0.1:8311 CHATPLUG_DEBUG_KEY=... ./echo
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/chatplug/chatplug/pkg/api"
	"github.com/chatplug/chatplug/pkg/sdk"
)

func main() {
	p := sdk.New("chatplug", "echo", "0.1.0")
	p.Describe("en", "echoes messages, tool calls, and commands back")

	p.EventListener("echo-listener", nil, onMessage)

	p.Tool("echo", map[string]any{
		"doc": "repeats the given text",
		"params": map[string]any{
			"text": "string",
		},
	}, echoTool)

	p.Command("echo-n", map[string]any{
		"doc": "streams the given text back n times",
	}, echoCommand)

	if err := p.Serve(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "echo plugin: %v\n", err)
		os.Exit(1)
	}
}

// onMessage echoes message_received events back to their channel. Echoed
// messages are marked so the listener never answers itself.
func onMessage(ctx context.Context, host *sdk.Host, ec *api.EventContext) (bool, error) {
	if ec.EventName != "message_received" {
		return false, nil
	}
	if echoed, _ := ec.EventField("echoed"); echoed == true {
		return false, nil
	}
	content, ok := ec.EventField("content")
	if !ok {
		return false, nil
	}
	text, ok := content.(string)
	if !ok || strings.TrimSpace(text) == "" {
		return false, nil
	}

	_, err := host.ReplyMessage(ctx, map[string]any{
		"content": "Echo: " + text,
		"echoed":  true,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func echoTool(_ context.Context, _ *sdk.Host, params map[string]any) (map[string]any, error) {
	text, _ := params["text"].(string)
	return map[string]any{"text": text}, nil
}

// echoCommand streams the text back n times, defaulting to once.
func echoCommand(_ context.Context, _ *sdk.Host, data map[string]any, yield func(map[string]any) error) error {
	text, _ := data["text"].(string)
	n := 1
	if raw, ok := data["n"].(float64); ok && raw > 0 {
		n = int(raw)
	}
	for i := 0; i < n; i++ {
		if err := yield(map[string]any{"text": text, "index": i}); err != nil {
			return err
		}
	}
	return nil
}
