package models

import "encoding/json"

// ToolProvenance classes the source of a tool definition. The registry
// resolves collisions by precedence: built-in tools win over MCP tools,
// which win over agent-as-tool definitions; same-name collisions within a
// class fail registry load.
type ToolProvenance string

const (
	ProvenanceBuiltin ToolProvenance = "builtin"
	ProvenanceMCP     ToolProvenance = "mcp"
	ProvenanceAgent   ToolProvenance = "agent"
)

// ToolDefinition is the registry's record of one callable tool: its name,
// description, and JSON Schema for argument validation, plus where it
// came from.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	Provenance  ToolProvenance  `json:"provenance"`

	// AgentID is set when Provenance == ProvenanceAgent: invoking this
	// tool spawns a child conversation driven by the named agent.
	AgentID string `json:"agent_id,omitempty"`
}
