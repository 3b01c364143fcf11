package agent

import "github.com/antinomyhq/forge/pkg/models"

// ResponseChunk is a legacy streaming element produced by ChunkAdapterSink
// for callers that consume a plain channel of chunks instead of the
// structured AgentEvent stream. Exactly one field is populated per chunk.
type ResponseChunk struct {
	// Text carries an incremental model text delta.
	Text string

	// ToolResult carries a completed (or timed-out) tool result.
	ToolResult *models.ToolResult

	// Error terminates the stream with a non-retryable failure.
	Error error

	// Event carries a lifecycle signal with no direct text/result payload.
	Event *models.RuntimeEvent
}
