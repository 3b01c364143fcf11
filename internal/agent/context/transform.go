package context

import (
	"encoding/json"
	"strings"

	"github.com/antinomyhq/forge/pkg/models"
)

// Metadata keys the pipeline uses to annotate messages with side-channel
// decisions a pure message-list transform can't return any other way
// (which messages are cache breakpoints, what reasoning effort a run
// should use). The orchestrator reads these back off the rewritten list
// after running the pipeline.
const (
	MetaCacheBreakpoint  = "forge_cache_breakpoint"
	MetaReasoningEffort  = "forge_reasoning_effort"
	MetaAuthMessage      = "forge_auth_message"
	MetaVerificationHint = "forge_verification_reminder"
)

// TransformContext carries everything a transform's When/Apply needs beyond
// the message list itself: which provider and model the upcoming call
// targets, the outbound tool list (some transforms rewrite tool schemas
// rather than messages), and the configured auth identity line.
type TransformContext struct {
	Provider    string
	Model       string
	AuthMessage string

	// Tools is the tool list about to be sent to the provider. Transforms
	// that touch schema shape (tool-schema normalization) rewrite it in
	// place through this pointer rather than through the message list.
	Tools *[]models.ToolDefinition
}

// Transform is one named, provider-gated rewrite of a message list. Apply
// must treat its input as read-only and return a new slice; it must not
// mutate the caller's underlying array.
type Transform struct {
	Name  string
	When  func(tc TransformContext) bool
	Apply func(tc TransformContext, messages []*models.Message) []*models.Message
}

// TransformPipeline runs a fixed, ordered sequence of Transforms immediately
// before a provider call. Later transforms observe the output of earlier
// ones, which is why ordering is part of the contract rather than an
// implementation detail.
type TransformPipeline struct {
	transforms []Transform
}

// NewTransformPipeline builds a pipeline from an explicit transform list,
// for tests that want to exercise one or two steps in isolation.
func NewTransformPipeline(transforms ...Transform) *TransformPipeline {
	return &TransformPipeline{transforms: transforms}
}

// DefaultTransformPipeline returns the pipeline in its fixed production
// order: role collapse, tool-name capitalization, tool-schema
// normalization, tool-call dropping, document/image relocation,
// keep-first-user-message, auth system message, cache breakpoint
// placement, reasoning-effort selection.
func DefaultTransformPipeline() *TransformPipeline {
	return NewTransformPipeline(
		roleCollapseTransform(),
		toolNameCapitalizationTransform(),
		toolSchemaNormalizationTransform(),
		toolCallDroppingTransform(),
		documentImageRelocationTransform(),
		keepFirstUserMessageTransform(),
		authSystemMessageTransform(),
		cacheBreakpointPlacementTransform(),
		reasoningEffortSelectionTransform(),
	)
}

// Run applies every gated transform in order and returns the rewritten
// message list.
func (p *TransformPipeline) Run(tc TransformContext, messages []*models.Message) []*models.Message {
	out := messages
	for _, t := range p.transforms {
		if t.When != nil && !t.When(tc) {
			continue
		}
		out = t.Apply(tc, out)
	}
	return out
}

// Names returns the configured transform names in order, for diagnostics.
func (p *TransformPipeline) Names() []string {
	names := make([]string, len(p.transforms))
	for i, t := range p.transforms {
		names[i] = t.Name
	}
	return names
}

// capabilities is a small, explicit, extend-as-needed table of per-provider
// quirks the pipeline's When guards key off. It is deliberately data, not
// scattered string comparisons, so a newly discovered provider constraint
// is one entry rather than a new code path.
type capabilities struct {
	rejectsSystemRole       bool
	requiresPascalCaseTools bool
	forbidsToolCallHistory  bool
	rejectsBinaryToolResult bool
	supportsPromptCaching   bool
	supportsReasoningEffort bool
}

func capabilitiesFor(provider, model string) capabilities {
	switch provider {
	case "anthropic":
		return capabilities{
			supportsPromptCaching:   true,
			supportsReasoningEffort: true,
		}
	case "openai":
		reasoningOnly := strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
		return capabilities{
			rejectsSystemRole:       reasoningOnly,
			rejectsBinaryToolResult: true,
		}
	case "bedrock":
		return capabilities{
			requiresPascalCaseTools: true,
		}
	default:
		return capabilities{}
	}
}

func always(TransformContext) bool { return true }

// roleCollapseTransform rewrites System-role messages to User for models
// that reject a dedicated system role.
func roleCollapseTransform() Transform {
	return Transform{
		Name: "role_collapse",
		When: func(tc TransformContext) bool {
			return capabilitiesFor(tc.Provider, tc.Model).rejectsSystemRole
		},
		Apply: func(_ TransformContext, messages []*models.Message) []*models.Message {
			out := make([]*models.Message, len(messages))
			for i, m := range messages {
				if m.Role != models.RoleSystem {
					out[i] = m
					continue
				}
				clone := *m
				clone.Role = models.RoleUser
				out[i] = &clone
			}
			return out
		},
	}
}

// toolNameCapitalizationTransform rewrites outbound tool-call names to
// PascalCase for providers that require it, and the accompanying tool
// definitions through tc.Tools so the call and its definition agree.
func toolNameCapitalizationTransform() Transform {
	return Transform{
		Name: "tool_name_capitalization",
		When: func(tc TransformContext) bool {
			return capabilitiesFor(tc.Provider, tc.Model).requiresPascalCaseTools
		},
		Apply: func(tc TransformContext, messages []*models.Message) []*models.Message {
			if tc.Tools != nil {
				for i, def := range *tc.Tools {
					def.Name = capitalizeFirst(def.Name)
					(*tc.Tools)[i] = def
				}
			}
			out := make([]*models.Message, len(messages))
			for i, m := range messages {
				if len(m.ToolCalls) == 0 {
					out[i] = m
					continue
				}
				clone := *m
				clone.ToolCalls = make([]models.ToolCall, len(m.ToolCalls))
				copy(clone.ToolCalls, m.ToolCalls)
				for j := range clone.ToolCalls {
					clone.ToolCalls[j].Name = capitalizeFirst(clone.ToolCalls[j].Name)
				}
				out[i] = &clone
			}
			return out
		},
	}
}

func capitalizeFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// toolSchemaNormalizationTransform strips top-level description/title from
// each tool's parameter schema and ensures object schemas carry an explicit
// (possibly empty) properties map, since some providers reject schemas
// missing it.
func toolSchemaNormalizationTransform() Transform {
	return Transform{
		Name: "tool_schema_normalization",
		When: always,
		Apply: func(tc TransformContext, messages []*models.Message) []*models.Message {
			if tc.Tools != nil {
				for i, def := range *tc.Tools {
					def.Schema = normalizeSchema(def.Schema)
					(*tc.Tools)[i] = def
				}
			}
			return messages
		},
	}
}

// toolCallDroppingTransform strips tool-call history for models that
// forbid tool calls reappearing in a subsequent request's message list.
func toolCallDroppingTransform() Transform {
	return Transform{
		Name: "tool_call_dropping",
		When: func(tc TransformContext) bool {
			return capabilitiesFor(tc.Provider, tc.Model).forbidsToolCallHistory
		},
		Apply: func(_ TransformContext, messages []*models.Message) []*models.Message {
			out := make([]*models.Message, len(messages))
			for i, m := range messages {
				if len(m.ToolCalls) == 0 {
					out[i] = m
					continue
				}
				clone := *m
				clone.ToolCalls = nil
				out[i] = &clone
			}
			return out
		},
	}
}

// documentImageRelocationTransform moves image/document attachments out of
// assistant/tool messages and into a synthetic user message placed
// immediately after, for providers that reject binary payloads riding
// alongside tool results.
func documentImageRelocationTransform() Transform {
	return Transform{
		Name: "document_image_relocation",
		When: func(tc TransformContext) bool {
			return capabilitiesFor(tc.Provider, tc.Model).rejectsBinaryToolResult
		},
		Apply: func(_ TransformContext, messages []*models.Message) []*models.Message {
			out := make([]*models.Message, 0, len(messages))
			for _, m := range messages {
				if len(m.Attachments) == 0 || m.Role == models.RoleUser {
					out = append(out, m)
					continue
				}
				clone := *m
				clone.Attachments = nil
				out = append(out, &clone)

				synthetic := &models.Message{
					ID:          clone.ID + "-attachments",
					Kind:        models.KindUserText,
					Role:        models.RoleUser,
					Content:     "(relocated attachments from a prior tool/assistant message)",
					Attachments: m.Attachments,
					CreatedAt:   m.CreatedAt,
				}
				out = append(out, synthetic)
			}
			return out
		},
	}
}

// keepFirstUserMessageTransform collapses any run of consecutive user-role
// messages (a common artifact of summarization splicing) down to the
// first.
func keepFirstUserMessageTransform() Transform {
	return Transform{
		Name: "keep_first_user_message",
		When: always,
		Apply: func(_ TransformContext, messages []*models.Message) []*models.Message {
			out := make([]*models.Message, 0, len(messages))
			prevUser := false
			for _, m := range messages {
				if m.Role == models.RoleUser {
					if prevUser {
						continue
					}
					prevUser = true
				} else {
					prevUser = false
				}
				out = append(out, m)
			}
			return out
		},
	}
}

// authSystemMessageTransform prepends a provider-mandated identity line
// when OAuth-backed auth is configured, tagging it so repeated pipeline
// runs over the same growing history don't duplicate it.
func authSystemMessageTransform() Transform {
	return Transform{
		Name: "auth_system_message",
		When: func(tc TransformContext) bool {
			return strings.TrimSpace(tc.AuthMessage) != ""
		},
		Apply: func(tc TransformContext, messages []*models.Message) []*models.Message {
			for _, m := range messages {
				if m.Metadata != nil {
					if v, ok := m.Metadata[MetaAuthMessage]; ok {
						if b, ok := v.(bool); ok && b {
							return messages
						}
					}
				}
			}
			authMsg := &models.Message{
				ID:      "auth-identity",
				Kind:    models.KindSystemText,
				Role:    models.RoleSystem,
				Content: tc.AuthMessage,
				Metadata: map[string]any{
					MetaAuthMessage: true,
				},
			}
			out := make([]*models.Message, 0, len(messages)+1)
			out = append(out, authMsg)
			out = append(out, messages...)
			return out
		},
	}
}

// cacheBreakpointPlacementTransform marks the first system message and the
// last message as cache breakpoints, clearing the tag everywhere else so
// exactly two breakpoints survive per call.
func cacheBreakpointPlacementTransform() Transform {
	return Transform{
		Name: "cache_breakpoint_placement",
		When: func(tc TransformContext) bool {
			return capabilitiesFor(tc.Provider, tc.Model).supportsPromptCaching
		},
		Apply: func(_ TransformContext, messages []*models.Message) []*models.Message {
			if len(messages) == 0 {
				return messages
			}
			out := make([]*models.Message, len(messages))
			firstSystem := -1
			for i, m := range messages {
				if m.Role == models.RoleSystem && firstSystem < 0 {
					firstSystem = i
				}
			}
			for i, m := range messages {
				clone := *m
				clone.Metadata = cloneMetadataWithout(m.Metadata, MetaCacheBreakpoint)
				if i == firstSystem || i == len(messages)-1 {
					clone.Metadata[MetaCacheBreakpoint] = true
				}
				out[i] = &clone
			}
			return out
		},
	}
}

// reasoningEffortSelectionTransform tags the most recent message with the
// reasoning-effort level a provider offering {low, high} thinking budgets
// should use: high while the conversation is young or a verification
// reminder is present, low otherwise.
func reasoningEffortSelectionTransform() Transform {
	return Transform{
		Name: "reasoning_effort_selection",
		When: func(tc TransformContext) bool {
			return capabilitiesFor(tc.Provider, tc.Model).supportsReasoningEffort
		},
		Apply: func(_ TransformContext, messages []*models.Message) []*models.Message {
			if len(messages) == 0 {
				return messages
			}
			assistantCount := 0
			verificationHint := false
			for _, m := range messages {
				if m.Role == models.RoleAssistant {
					assistantCount++
				}
				if m.Metadata != nil {
					if v, ok := m.Metadata[MetaVerificationHint]; ok {
						if b, ok := v.(bool); ok && b {
							verificationHint = true
						}
					}
				}
			}
			effort := "low"
			if assistantCount < 5 || verificationHint {
				effort = "high"
			}
			out := make([]*models.Message, len(messages))
			copy(out, messages)
			last := len(out) - 1
			clone := *out[last]
			clone.Metadata = cloneMetadataWithout(out[last].Metadata, MetaReasoningEffort)
			clone.Metadata[MetaReasoningEffort] = effort
			out[last] = &clone
			return out
		},
	}
}

func cloneMetadataWithout(src map[string]any, drop string) map[string]any {
	out := make(map[string]any, len(src)+1)
	for k, v := range src {
		if k == drop {
			continue
		}
		out[k] = v
	}
	return out
}

// ExtractCacheBreakpoints returns the indices the cache breakpoint
// placement transform tagged, in ascending order, for building a
// CompletionRequest.CacheBreakpoints value.
func ExtractCacheBreakpoints(messages []*models.Message) []int {
	var idx []int
	for i, m := range messages {
		if m.Metadata == nil {
			continue
		}
		if v, ok := m.Metadata[MetaCacheBreakpoint]; ok {
			if b, ok := v.(bool); ok && b {
				idx = append(idx, i)
			}
		}
	}
	return idx
}

// ExtractReasoningEffort returns the effort level the reasoning-effort
// selection transform tagged onto the last message, or "" if none ran.
func ExtractReasoningEffort(messages []*models.Message) string {
	if len(messages) == 0 {
		return ""
	}
	last := messages[len(messages)-1]
	if last.Metadata == nil {
		return ""
	}
	if v, ok := last.Metadata[MetaReasoningEffort]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// normalizeSchema strips top-level description/title keys and backfills an
// empty properties object for object schemas that omit it, matching the
// shape some providers require and others merely tolerate.
func normalizeSchema(schema []byte) []byte {
	m, ok := decodeSchemaObject(schema)
	if !ok {
		return schema
	}
	delete(m, "description")
	delete(m, "title")
	if t, _ := m["type"].(string); t == "object" {
		if _, ok := m["properties"]; !ok {
			m["properties"] = map[string]any{}
		}
	}
	return encodeSchemaObject(m, schema)
}

// decodeSchemaObject unmarshals schema into a generic map, returning
// ok=false for empty/non-object input so callers can leave it untouched
// rather than fabricate structure the tool never declared.
func decodeSchemaObject(schema []byte) (map[string]any, bool) {
	if len(schema) == 0 {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(schema, &m); err != nil {
		return nil, false
	}
	return m, true
}

// encodeSchemaObject marshals m back to JSON, falling back to the
// original bytes if marshaling somehow fails.
func encodeSchemaObject(m map[string]any, fallback []byte) []byte {
	out, err := json.Marshal(m)
	if err != nil {
		return fallback
	}
	return out
}
