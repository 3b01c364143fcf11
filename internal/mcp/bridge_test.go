package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/antinomyhq/forge/internal/agent"
)

type fakeToolCaller struct {
	serverID string
	toolName string
	args     map[string]any
	result   *ToolCallResult
	err      error
}

func (f *fakeToolCaller) CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	f.serverID = serverID
	f.toolName = toolName
	f.args = arguments
	return f.result, f.err
}

func TestSafeToolNameSanitizes(t *testing.T) {
	used := make(map[string]struct{})
	name := safeToolName("git-hub", "search/repo", used)
	if name != "mcp_git_hub_search_repo" {
		t.Fatalf("expected sanitized name, got %q", name)
	}
}

func TestSafeToolNameDeduplicates(t *testing.T) {
	used := make(map[string]struct{})
	first := safeToolName("foo-bar", "baz", used)
	second := safeToolName("foo_bar", "baz", used)

	if first == second {
		t.Fatalf("expected unique name for duplicate tool, got %q", second)
	}
	if !strings.HasPrefix(second, first+"_") {
		t.Fatalf("expected duplicate name to include hash suffix, got %q", second)
	}
}

func TestSafeToolNameTruncates(t *testing.T) {
	used := make(map[string]struct{})
	serverID := strings.Repeat("server", 10)
	toolName := strings.Repeat("tool", 10)
	name := safeToolName(serverID, toolName, used)

	if len(name) > maxToolNameLen {
		t.Fatalf("expected name length <= %d, got %d (%q)", maxToolNameLen, len(name), name)
	}
	if !strings.HasSuffix(name, toolNameHash(serverID, toolName)) {
		t.Fatalf("expected truncated name to include hash suffix, got %q", name)
	}
}

func TestMCPToolBridgeExecute(t *testing.T) {
	caller := &fakeToolCaller{
		result: &ToolCallResult{
			Content: []ToolResultContent{{Type: "text", Text: "ok"}},
		},
	}
	tool := &MCPTool{
		Name:        "do_thing",
		Description: "Does the thing",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"value":{"type":"string"}}}`),
	}
	bridge := NewToolBridge(caller, "server", tool, "mcp_server_do_thing")

	result, err := bridge.Execute(context.Background(), json.RawMessage(`{"value":"hi"}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Content != "ok" {
		t.Fatalf("expected content %q, got %q", "ok", result.Content)
	}
	if caller.serverID != "server" || caller.toolName != "do_thing" {
		t.Fatalf("expected call server/tool %q/%q, got %q/%q", "server", "do_thing", caller.serverID, caller.toolName)
	}
	if caller.args["value"] != "hi" {
		t.Fatalf("expected arg value %q, got %v", "hi", caller.args["value"])
	}
}

type fakeReloader struct {
	registered  []string
	unregisters int
}

func (f *fakeReloader) RegisterMCP(tool agent.Tool) error {
	f.registered = append(f.registered, tool.Name())
	return nil
}

func (f *fakeReloader) UnregisterMCP() []string {
	f.unregisters++
	return nil
}

// ReloadTools drops the cached bridges before re-registering, even when
// the manager currently reports no tools at all.
func TestReloadToolsSweepsBeforeReregister(t *testing.T) {
	mgr := NewManager(&Config{Enabled: true}, slog.Default())
	reloader := &fakeReloader{}

	names, err := ReloadTools(context.Background(), reloader, mgr)
	if err != nil {
		t.Fatalf("ReloadTools: %v", err)
	}
	if reloader.unregisters != 1 {
		t.Fatalf("expected exactly one UnregisterMCP sweep, got %d", reloader.unregisters)
	}
	if len(names) != 0 || len(reloader.registered) != 0 {
		t.Fatalf("expected no registrations from an empty manager, got %v", names)
	}
}

func TestReloadToolsNilArgs(t *testing.T) {
	names, err := ReloadTools(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("ReloadTools: %v", err)
	}
	if names != nil {
		t.Fatalf("expected nil for nil args, got %v", names)
	}
}

// collidingRegistry refuses every registration, simulating a built-in
// that already owns the name.
type collidingRegistry struct{}

func (collidingRegistry) RegisterMCP(agent.Tool) error {
	return errors.New("name already owned by a builtin")
}

// A name the registry refuses fails the whole load eagerly instead of
// being silently dropped.
func TestRegisterToolsCollisionFailsEagerly(t *testing.T) {
	mgr := NewManager(&Config{Enabled: true}, slog.Default())
	client := &Client{config: &ServerConfig{ID: "srv"}, logger: slog.Default()}
	client.tools = []*MCPTool{{Name: "read", InputSchema: json.RawMessage(`{"type":"object"}`)}}
	mgr.clients["srv"] = client

	if _, err := RegisterTools(collidingRegistry{}, mgr); err == nil {
		t.Fatal("expected a collision to fail the load")
	}
}
