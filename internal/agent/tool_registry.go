package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/antinomyhq/forge/pkg/models"
)

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Tools are registered by name and can be retrieved for execution during agent conversations.
type ToolRegistry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	provenance map[string]models.ToolProvenance
	agentIDs   map[string]string
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:      make(map[string]Tool),
		provenance: make(map[string]models.ToolProvenance),
		agentIDs:   make(map[string]string),
	}
}

// Register adds a built-in tool to the registry by its name.
// If a tool with the same name already exists, it is replaced. Built-in
// registration is used by the composition root at startup and is not
// subject to the MCP/agent collision rules below.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.provenance[tool.Name()] = models.ProvenanceBuiltin
	delete(r.agentIDs, tool.Name())
}

// precedence orders provenance classes for collision resolution: built-in
// tools win over MCP tools, which win over agent-as-tool delegations.
func precedence(p models.ToolProvenance) int {
	switch p {
	case models.ProvenanceBuiltin:
		return 2
	case models.ProvenanceMCP:
		return 1
	default:
		return 0
	}
}

// RegisterMCP adds an MCP-backed tool, refusing the registration if a
// built-in tool already owns the name.
func (r *ToolRegistry) RegisterMCP(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if existing, ok := r.provenance[name]; ok && precedence(existing) > precedence(models.ProvenanceMCP) {
		return fmt.Errorf("tool %q already registered as %s, refusing mcp registration", name, existing)
	}
	r.tools[name] = tool
	r.provenance[name] = models.ProvenanceMCP
	delete(r.agentIDs, name)
	return nil
}

// RegisterAgentDelegation adds an agent-as-tool delegation, refusing the
// registration if a built-in or MCP tool already owns the name.
func (r *ToolRegistry) RegisterAgentDelegation(tool Tool, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if existing, ok := r.provenance[name]; ok && precedence(existing) > precedence(models.ProvenanceAgent) {
		return fmt.Errorf("tool %q already registered as %s, refusing agent delegation registration", name, existing)
	}
	r.tools[name] = tool
	r.provenance[name] = models.ProvenanceAgent
	r.agentIDs[name] = agentID
	return nil
}

// UnregisterMCP removes every MCP-provenance tool from the registry,
// returning the removed names. This is the explicit recache half of the
// MCP reload path: drop the cached bridges, then re-register whatever the
// servers report now.
func (r *ToolRegistry) UnregisterMCP() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for name, prov := range r.provenance {
		if prov != models.ProvenanceMCP {
			continue
		}
		delete(r.tools, name)
		delete(r.provenance, name)
		delete(r.agentIDs, name)
		removed = append(removed, name)
	}
	sort.Strings(removed)
	return removed
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.provenance, name)
	delete(r.agentIDs, name)
}

// DelegationAgentID returns the agent id an agent-as-tool delegation
// dispatches to, if name was registered via RegisterAgentDelegation.
func (r *ToolRegistry) DelegationAgentID(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.provenance[name] != models.ProvenanceAgent {
		return "", false
	}
	id, ok := r.agentIDs[name]
	return id, ok
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Execute runs a tool by name with the given JSON parameters.
// Returns an error result if the tool is not found, parameters are invalid,
// or the arguments fail the tool's own input schema. A schema mismatch
// never invokes the tool.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{
			Content: "tool not found: " + name,
			IsError: true,
		}, nil
	}

	if err := validateToolInput(tool, params); err != nil {
		return &ToolResult{
			Content: fmt.Sprintf("schema violation for tool %q: %v", name, err),
			IsError: true,
		}, nil
	}

	return tool.Execute(ctx, params)
}

// AsLLMTools returns all registered tools as a slice for passing to LLM providers.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// List returns the registered tools as ToolDefinitions, sorted by name
// for deterministic output.
func (r *ToolRegistry) List() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, models.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
			Provenance:  r.provenance[t.Name()],
			AgentID:     r.agentIDs[t.Name()],
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// FilterAllowed returns only the tools whose name appears in allowed, plus
// attempt_completion, which is always implicitly allowed.
func (r *ToolRegistry) FilterAllowed(allowed []string) []Tool {
	set := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		set[name] = struct{}{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(set)+1)
	for name, tool := range r.tools {
		if name == "attempt_completion" {
			out = append(out, tool)
			continue
		}
		if _, ok := set[name]; ok {
			out = append(out, tool)
		}
	}
	return out
}

// validateToolInput checks params against the tool's own JSON Schema
// before invocation; a mismatch is reported without ever calling Execute.
// Tools with no schema, or an empty object schema, accept anything.
func validateToolInput(tool Tool, params json.RawMessage) error {
	schema := bytes.TrimSpace(tool.Schema())
	if len(schema) == 0 || bytes.Equal(schema, []byte("{}")) {
		return nil
	}

	compiled, err := jsonschema.CompileString(tool.Name()+".json", string(schema))
	if err != nil {
		// A tool shipping an uncompilable schema is a bug in the tool, not
		// a caller error; let the call through rather than masking it.
		return nil
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(params, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return compiled.Validate(doc)
}

func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}

func matchesToolPatterns(patterns []string, toolName string) bool {
	for _, pattern := range patterns {
		if matchToolPattern(pattern, toolName) {
			return true
		}
	}
	return false
}

