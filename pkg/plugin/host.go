package plugin

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
)

// Host manages hook process lifecycle and event fan-out.
type Host struct {
	mu       sync.RWMutex
	hooks    map[string]*LoadedHook
	hookDir  string
	pipePath string
	api      API
}

// LoadedHook is one running hook process.
type LoadedHook struct {
	Name    string
	Version string
	Hook    Hook
	Client  *plugin.Client
}

// Handshake is the hook process handshake config.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "ROSTER_PLUGIN",
	MagicCookieValue: "roster",
}

// HookMap is the go-plugin type map.
var HookMap = map[string]plugin.Plugin{
	"hook": &GRPCHook{},
}

// NewHost creates a host that loads hook binaries from hookDir,
// exporting pipePath into their environment.
func NewHost(hookDir, pipePath string, api API) *Host {
	return &Host{
		hooks:    make(map[string]*LoadedHook),
		hookDir:  hookDir,
		pipePath: pipePath,
		api:      api,
	}
}

// LoadAll loads every binary in the hook directory.
func (h *Host) LoadAll() error {
	if h.hookDir == "" {
		return nil
	}
	entries, err := os.ReadDir(h.hookDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(h.hookDir, entry.Name())
		if err := h.Load(path); err != nil {
			log.Printf("Failed to load hook %s: %v", entry.Name(), err)
		}
	}
	return nil
}

// Load starts one hook process and initializes it.
func (h *Host) Load(path string) error {
	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), PipeEnvVar+"="+h.pipePath)

	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         HookMap,
		Cmd:             cmd,
		AllowedProtocols: []plugin.Protocol{
			plugin.ProtocolGRPC,
		},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to connect to hook: %w", err)
	}
	raw, err := rpcClient.Dispense("hook")
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to dispense hook: %w", err)
	}

	hook := raw.(Hook)
	if err := hook.Init(context.Background(), h.api); err != nil {
		client.Kill()
		return fmt.Errorf("failed to initialize hook: %w", err)
	}

	h.mu.Lock()
	h.hooks[hook.Name()] = &LoadedHook{
		Name:    hook.Name(),
		Version: hook.Version(),
		Hook:    hook,
		Client:  client,
	}
	h.mu.Unlock()
	return nil
}

// Dispatch fans one event out to every loaded hook.
func (h *Host) Dispatch(ev Event) {
	h.mu.RLock()
	hooks := make([]*LoadedHook, 0, len(h.hooks))
	for _, lh := range h.hooks {
		hooks = append(hooks, lh)
	}
	h.mu.RUnlock()

	for _, lh := range hooks {
		if err := lh.Hook.HandleEvent(ev); err != nil {
			log.Printf("hook %s: %v", lh.Name, err)
		}
	}
}

// Unload stops one hook.
func (h *Host) Unload(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	lh := h.hooks[name]
	if lh == nil {
		return nil
	}
	_ = lh.Hook.Stop()
	lh.Client.Kill()
	delete(h.hooks, name)
	return nil
}

// UnloadAll stops every hook.
func (h *Host) UnloadAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name, lh := range h.hooks {
		_ = lh.Hook.Stop()
		lh.Client.Kill()
		delete(h.hooks, name)
	}
}

// List returns the loaded hooks.
func (h *Host) List() []*LoadedHook {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*LoadedHook, 0, len(h.hooks))
	for _, lh := range h.hooks {
		out = append(out, lh)
	}
	return out
}

// Serve runs the hook-binary side of the protocol; hook programs call
// it from main.
func Serve(h Hook) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"hook": &GRPCHook{Impl: h},
		},
		GRPCServer: plugin.DefaultGRPCServer,
	})
}

// GRPCHook is the go-plugin glue for the Hook interface.
type GRPCHook struct {
	plugin.Plugin
	Impl Hook
}

// GRPCServer registers the hook service on the plugin side.
func (p *GRPCHook) GRPCServer(broker *plugin.GRPCBroker, s *grpc.Server) error {
	// The wire service is registered by the generated bindings when a
	// hook binary links this package with Impl set.
	return nil
}

// GRPCClient returns the host-side hook stub.
func (p *GRPCHook) GRPCClient(ctx context.Context, broker *plugin.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return nil, nil
}
