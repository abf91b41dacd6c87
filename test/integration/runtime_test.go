// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/chatplug/chatplug/internal/control"
	"github.com/chatplug/chatplug/internal/plugin"
	"github.com/chatplug/chatplug/internal/rpc"
	"github.com/chatplug/chatplug/internal/store"
	"github.com/chatplug/chatplug/internal/transport"
	"github.com/chatplug/chatplug/pkg/api"
	"github.com/chatplug/chatplug/pkg/sdk"
)

const itestDebugKey = "itest-debug-key"

// freeAddr reserves an ephemeral port and returns its address. The
// listener is closed before returning, so the port can be rebound by the
// component under test.
func freeAddr() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := l.Addr().String()
	Expect(l.Close()).To(Succeed())
	return addr
}

// runtime is one fully wired runtime instance listening on real TCP
// ports, as the runtime command assembles it.
type runtime struct {
	manager     *plugin.Manager
	control     *control.Server
	controlAddr string
	debugAddr   string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startRuntime(tmpDir string) *runtime {
	st, err := store.Open(filepath.Join(tmpDir, "chatplug.db"))
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = st.Close() })

	mgr := plugin.NewManager(filepath.Join(tmpDir, "plugins"), st,
		plugin.WithDebugKey(itestDebugKey),
		plugin.WithVersion("itest"))

	rt := &runtime{
		manager:     mgr,
		controlAddr: freeAddr(),
		debugAddr:   freeAddr(),
	}
	rt.control = control.NewServer(rt.controlAddr, mgr)
	mgr.SetAppGateway(rt.control)

	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel

	rt.wg.Add(2)
	go func() {
		defer rt.wg.Done()
		_ = rt.control.Run(ctx)
	}()
	debugListener := transport.NewListenerController(rt.debugAddr)
	go func() {
		defer rt.wg.Done()
		_ = debugListener.Run(ctx, func(connCtx context.Context, conn transport.Connection) {
			mgr.ServeDebugConnection(connCtx, conn)
		})
	}()

	DeferCleanup(func() {
		cancel()
		rt.wg.Wait()
	})
	return rt
}

// appClient is the fake owning application: an RPC session dialed into
// the runtime's control address.
type appClient struct {
	handler *rpc.Handler

	mu           sync.Mutex
	sentMessages []map[string]any
}

func connectApp(rt *runtime) *appClient {
	ctx, cancel := context.WithCancel(context.Background())

	var conn transport.Connection
	Eventually(func() error {
		var err error
		conn, err = transport.Dial(ctx, rt.controlAddr)
		return err
	}, 2*time.Second, 10*time.Millisecond).Should(Succeed())

	app := &appClient{handler: rpc.NewHandler("itest-app")}
	app.handler.RegisterAction(api.ActionGetPluginSettings, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{
			"enabled":  true,
			"priority": float64(5),
			"config":   map[string]any{"greeting": "ahoy"},
		}, nil
	})
	app.handler.RegisterAction(api.ActionInitializePluginSettings, func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	app.handler.RegisterAction(api.ActionSendMessage, func(_ context.Context, data map[string]any) (map[string]any, error) {
		app.mu.Lock()
		app.sentMessages = append(app.sentMessages, data)
		app.mu.Unlock()
		return map[string]any{"delivered": true}, nil
	})
	app.handler.RegisterAction(api.ActionReplyMessage, func(_ context.Context, data map[string]any) (map[string]any, error) {
		app.mu.Lock()
		app.sentMessages = append(app.sentMessages, data)
		app.mu.Unlock()
		return map[string]any{"delivered": true}, nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = app.handler.Serve(ctx, conn)
	}()

	DeferCleanup(func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	})

	Eventually(rt.control.Connected, 2*time.Second, 10*time.Millisecond).Should(BeTrue())
	return app
}

func (a *appClient) sent() []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]map[string]any, len(a.sentMessages))
	copy(out, a.sentMessages)
	return out
}

// startEchoPlugin serves an SDK plugin into the runtime's debug listener
// and waits for it to land in the roster.
func startEchoPlugin(rt *runtime) {
	p := sdk.New("itest", "echo", "0.1.0")
	p.EventListener("echo-listener", nil, func(ctx context.Context, host *sdk.Host, ec *api.EventContext) (bool, error) {
		content, ok := ec.EventField("content")
		if !ok {
			return false, nil
		}
		ec.AddReturn("content", "Echo: "+content.(string))
		return true, nil
	})
	p.Tool("shout", nil, func(ctx context.Context, host *sdk.Host, params map[string]any) (map[string]any, error) {
		text, _ := params["text"].(string)
		if notify, _ := params["notify"].(bool); notify {
			if _, err := host.SendMessage(ctx, map[string]any{"content": text}); err != nil {
				return nil, err
			}
		}
		return map[string]any{"text": text + "!"}, nil
	})
	p.Command("count", nil, func(_ context.Context, _ *sdk.Host, data map[string]any, yield func(map[string]any) error) error {
		upTo, _ := data["up_to"].(float64)
		for i := 1; i <= int(upTo); i++ {
			if err := yield(map[string]any{"n": i}); err != nil {
				return err
			}
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer GinkgoRecover()
		err := p.Serve(ctx,
			sdk.WithDebugAddr(rt.debugAddr),
			sdk.WithDebugKey(itestDebugKey))
		Expect(err).NotTo(HaveOccurred())
	}()

	DeferCleanup(func() {
		cancel()
		wg.Wait()
	})

	Eventually(func() bool {
		_, ok := rt.manager.Plugin("itest/echo")
		return ok
	}, 5*time.Second, 10*time.Millisecond).Should(BeTrue())
}

var _ = Describe("Plugin runtime", func() {
	var (
		rt  *runtime
		app *appClient
		ctx context.Context
	)

	BeforeEach(func() {
		rt = startRuntime(GinkgoT().TempDir())
		app = connectApp(rt)
		startEchoPlugin(rt)
		ctx = context.Background()
	})

	It("registers debug plugins with settings fetched from the application", func() {
		reply, err := app.handler.Call(ctx, api.ActionGetPluginInfo,
			map[string]any{"plugin_key": "itest/echo"})
		Expect(err).NotTo(HaveOccurred())

		info, ok := reply["plugin_container"].(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(info["status"]).To(Equal("initialized"))
		Expect(info["enabled"]).To(Equal(true))
		Expect(info["priority"]).To(Equal(float64(5)))
	})

	It("lists plugins and their components over the control surface", func() {
		reply, err := app.handler.Call(ctx, api.ActionListPlugins, nil)
		Expect(err).NotTo(HaveOccurred())

		plugins, ok := reply["plugins"].([]any)
		Expect(ok).To(BeTrue())
		Expect(plugins).To(HaveLen(1))

		tools, err := app.handler.Call(ctx, api.ActionListTools, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(tools["tools"]).To(HaveLen(1))
	})

	It("routes tool calls end to end", func() {
		reply, err := app.handler.Call(ctx, api.ActionCallTool, map[string]any{
			"tool_name": "shout",
			"params":    map[string]any{"text": "hello"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(reply["text"]).To(Equal("hello!"))
	})

	It("passes plugin host-API calls through to the application", func() {
		_, err := app.handler.Call(ctx, api.ActionCallTool, map[string]any{
			"tool_name": "shout",
			"params":    map[string]any{"text": "ping", "notify": true},
		})
		Expect(err).NotTo(HaveOccurred())

		Eventually(app.sent, 2*time.Second, 10*time.Millisecond).Should(HaveLen(1))
		Expect(app.sent()[0]["content"]).To(Equal("ping"))
	})

	It("streams command executions frame by frame", func() {
		frames, err := app.handler.CallStream(ctx, api.ActionExecuteCommand, map[string]any{
			"command": "count",
			"up_to":   float64(3),
		})
		Expect(err).NotTo(HaveOccurred())

		var ns []float64
		for frame := range frames {
			Expect(frame.Err).NotTo(HaveOccurred())
			if n, ok := frame.Data["n"].(float64); ok {
				ns = append(ns, n)
			}
		}
		Expect(ns).To(Equal([]float64{1, 2, 3}))
	})

	It("emits events through the chain and reconciles return values", func() {
		ec := api.NewEventContext("message_received", json.RawMessage(`{"content":"hi"}`))
		ecMap, err := ec.AsMap()
		Expect(err).NotTo(HaveOccurred())

		reply, err := app.handler.Call(ctx, api.ActionEmitEvent,
			map[string]any{"event_context": ecMap})
		Expect(err).NotTo(HaveOccurred())

		Expect(reply["emitted"]).To(HaveLen(1))
		finalData, ok := reply["event_context"].(map[string]any)
		Expect(ok).To(BeTrue())
		final, err := api.EventContextFromMap(finalData)
		Expect(err).NotTo(HaveOccurred())

		content, _ := final.EventField("content")
		Expect(content).To(Equal("Echo: hi"))
	})

	It("disables and re-enables a plugin through the control surface", func() {
		_, err := app.handler.Call(ctx, api.ActionSetPluginEnabled,
			map[string]any{"plugin_key": "itest/echo", "enabled": false})
		Expect(err).NotTo(HaveOccurred())

		_, err = app.handler.Call(ctx, api.ActionCallTool,
			map[string]any{"tool_name": "shout", "params": map[string]any{}})
		Expect(rpc.HasClass(err, rpc.ClassToolNotFound)).To(BeTrue())

		_, err = app.handler.Call(ctx, api.ActionSetPluginEnabled,
			map[string]any{"plugin_key": "itest/echo", "enabled": true})
		Expect(err).NotTo(HaveOccurred())

		_, err = app.handler.Call(ctx, api.ActionCallTool,
			map[string]any{"tool_name": "shout", "params": map[string]any{"text": "back"}})
		Expect(err).NotTo(HaveOccurred())
	})
})
