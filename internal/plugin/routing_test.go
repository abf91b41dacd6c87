// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package plugin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chatplug/chatplug/internal/rpc"
	"github.com/chatplug/chatplug/pkg/api"
)

func toolManifest(author, name, tool string) api.Manifest {
	return testManifest(author, name, api.ComponentManifest{Kind: api.KindTool, Name: tool})
}

func TestCallTool_RoutesToDeclaringPlugin(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)

	other := startFakePlugin(t, m, toolManifest("acme", "alpha", "translate"))
	require.NoError(t, other.register(t))

	target := startFakePlugin(t, m, toolManifest("acme", "beta", "summarize"))
	target.onTool = func(name string, params map[string]any) (map[string]any, error) {
		return map[string]any{"tool": name, "len": params["len"]}, nil
	}
	require.NoError(t, target.register(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := m.CallTool(ctx, "summarize", map[string]any{"len": "short"})
	require.NoError(t, err)
	assert.Equal(t, "summarize", result["tool"])
	assert.Equal(t, "short", result["len"])
}

func TestCallTool_NotFound(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	fp := startFakePlugin(t, m, toolManifest("acme", "alpha", "translate"))
	require.NoError(t, fp.register(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.CallTool(ctx, "nope", nil)
	require.Error(t, err)
	assert.True(t, rpc.HasClass(err, rpc.ClassToolNotFound))
}

func TestCallTool_ExcludesDisabledPlugin(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	fp := startFakePlugin(t, m, toolManifest("acme", "alpha", "translate"))
	require.NoError(t, fp.register(t))

	lp, ok := m.Plugin("acme/alpha")
	require.True(t, ok)
	lp.Container.Enabled = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := m.CallTool(ctx, "translate", nil)
	require.Error(t, err)
	assert.True(t, rpc.HasClass(err, rpc.ClassToolNotFound))
}

func TestExecuteCommand_StreamsInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	fp := startFakePlugin(t, m, testManifest("acme", "alpha",
		api.ComponentManifest{Kind: api.KindCommand, Name: "deploy"}))
	fp.commandNames = []string{"building", "pushing", "done"}
	require.NoError(t, fp.register(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var lines []string
	err := m.ExecuteCommand(ctx, map[string]any{"command": "deploy"}, func(data map[string]any) error {
		line, _ := data["line"].(string)
		lines = append(lines, line)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"building", "pushing", "done"}, lines)
}

func TestExecuteCommand_NotFound(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.ExecuteCommand(ctx, map[string]any{"command": "nope"}, func(map[string]any) error {
		t.Fatal("yield must not be called")
		return nil
	})
	require.Error(t, err)
	assert.True(t, rpc.HasClass(err, rpc.ClassCommandNotFound))
}

func TestRAG_FirstEngineWins(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)

	plain := startFakePlugin(t, m, toolManifest("acme", "plain", "translate"))
	require.NoError(t, plain.register(t))

	first := startFakePlugin(t, m, testManifest("acme", "first",
		api.ComponentManifest{Kind: api.KindRAGEngine, Name: "vectors"}))
	require.NoError(t, first.register(t))

	second := startFakePlugin(t, m, testManifest("acme", "second",
		api.ComponentManifest{Kind: api.KindRAGEngine, Name: "keywords"}))
	require.NoError(t, second.register(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := m.IngestDocument(ctx, map[string]any{"doc": "d-1"})
	require.NoError(t, err)
	assert.Equal(t, "acme/first", result["engine_plugin"])
}

func TestRAG_NamedEngine(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)

	first := startFakePlugin(t, m, testManifest("acme", "first",
		api.ComponentManifest{Kind: api.KindRAGEngine, Name: "vectors"}))
	require.NoError(t, first.register(t))

	second := startFakePlugin(t, m, testManifest("acme", "second",
		api.ComponentManifest{Kind: api.KindRAGEngine, Name: "keywords"}))
	require.NoError(t, second.register(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := m.RetrieveKnowledge(ctx, map[string]any{"engine": "keywords", "query": "q"})
	require.NoError(t, err)
	assert.Equal(t, "acme/second", result["engine_plugin"])
}

func TestRAG_EngineNotFound(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.DeleteDocument(ctx, map[string]any{"doc": "d-1"})
	require.Error(t, err)
	assert.True(t, rpc.HasClass(err, rpc.ClassRAGEngineNotFound))

	_, err = m.RAGCapabilities(ctx, map[string]any{"engine": "missing"})
	require.Error(t, err)
	assert.True(t, rpc.HasClass(err, rpc.ClassRAGEngineNotFound))
}

func TestListToolsAndCommands(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)

	alpha := startFakePlugin(t, m, testManifest("acme", "alpha",
		api.ComponentManifest{Kind: api.KindTool, Name: "translate"},
		api.ComponentManifest{Kind: api.KindCommand, Name: "deploy"}))
	require.NoError(t, alpha.register(t))

	beta := startFakePlugin(t, m, testManifest("acme", "beta",
		api.ComponentManifest{Kind: api.KindTool, Name: "summarize"}))
	require.NoError(t, beta.register(t))

	tools := m.ListTools()
	require.Len(t, tools, 2)
	assert.Equal(t, "acme/alpha", tools[0].Plugin)
	assert.Equal(t, "translate", tools[0].Name)
	assert.Equal(t, "summarize", tools[1].Name)

	commands := m.ListCommands()
	require.Len(t, commands, 1)
	assert.Equal(t, "deploy", commands[0].Name)
}

func TestPluginAsset_UnknownPlugin(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.PluginAsset(ctx, "acme/missing", api.ActionGetPluginIcon, nil)
	require.Error(t, err)
}
