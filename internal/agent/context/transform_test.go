package context

import (
	"encoding/json"
	"testing"

	"github.com/antinomyhq/forge/pkg/models"
)

func textMsg(role models.Role, content string) *models.Message {
	return &models.Message{ID: content, Kind: models.KindUserText, Role: role, Content: content}
}

func TestRoleCollapse_OnlyAppliesWhenGated(t *testing.T) {
	messages := []*models.Message{
		{ID: "sys", Kind: models.KindSystemText, Role: models.RoleSystem, Content: "be nice"},
		textMsg(models.RoleUser, "hi"),
	}

	pipeline := NewTransformPipeline(roleCollapseTransform())
	out := pipeline.Run(TransformContext{Provider: "openai", Model: "o1-preview"}, messages)
	if out[0].Role != models.RoleUser {
		t.Fatalf("expected system role collapsed to user for o1, got %s", out[0].Role)
	}
	if messages[0].Role != models.RoleSystem {
		t.Fatal("Apply must not mutate the input message in place")
	}

	out2 := pipeline.Run(TransformContext{Provider: "anthropic", Model: "claude-sonnet-4"}, messages)
	if out2[0].Role != models.RoleSystem {
		t.Fatal("role collapse must not fire for a provider that accepts system role")
	}
}

func TestToolNameCapitalization(t *testing.T) {
	messages := []*models.Message{
		{ID: "a1", Kind: models.KindAssistant, Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "1", Name: "shell"}}},
	}
	tools := []models.ToolDefinition{{Name: "shell"}}
	tc := TransformContext{Provider: "bedrock", Model: "anthropic.claude", Tools: &tools}

	out := toolNameCapitalizationTransform().Apply(tc, messages)
	if out[0].ToolCalls[0].Name != "Shell" {
		t.Fatalf("expected capitalized tool call name, got %q", out[0].ToolCalls[0].Name)
	}
	if tools[0].Name != "Shell" {
		t.Fatalf("expected capitalized tool definition name, got %q", tools[0].Name)
	}
	if messages[0].ToolCalls[0].Name != "shell" {
		t.Fatal("Apply must not mutate the input message in place")
	}
}

func TestToolSchemaNormalization(t *testing.T) {
	tools := []models.ToolDefinition{
		{Name: "fs_read", Schema: []byte(`{"type":"object","description":"reads a file","title":"FsRead"}`)},
	}
	tc := TransformContext{Tools: &tools}
	toolSchemaNormalizationTransform().Apply(tc, nil)

	var decoded map[string]any
	if err := json.Unmarshal(tools[0].Schema, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, has := decoded["description"]; has {
		t.Fatal("expected description stripped")
	}
	if _, has := decoded["title"]; has {
		t.Fatal("expected title stripped")
	}
	if _, has := decoded["properties"]; !has {
		t.Fatal("expected properties backfilled for object schema")
	}
}

func TestToolCallDropping(t *testing.T) {
	messages := []*models.Message{
		{ID: "a1", Kind: models.KindAssistant, Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "1", Name: "shell"}}},
	}
	out := toolCallDroppingTransform().Apply(TransformContext{}, messages)
	if len(out[0].ToolCalls) != 0 {
		t.Fatal("expected tool calls dropped")
	}
	if len(messages[0].ToolCalls) != 1 {
		t.Fatal("Apply must not mutate the input message in place")
	}
}

func TestKeepFirstUserMessage(t *testing.T) {
	messages := []*models.Message{
		textMsg(models.RoleUser, "u1"),
		textMsg(models.RoleUser, "u2"),
		textMsg(models.RoleAssistant, "a1"),
		textMsg(models.RoleUser, "u3"),
	}
	out := keepFirstUserMessageTransform().Apply(TransformContext{}, messages)
	if len(out) != 3 {
		t.Fatalf("expected consecutive user run collapsed, got %d messages", len(out))
	}
	if out[0].Content != "u1" || out[2].Content != "u3" {
		t.Fatalf("unexpected surviving messages: %q %q", out[0].Content, out[2].Content)
	}
}

func TestAuthSystemMessage_PrependsOnceOnly(t *testing.T) {
	tc := TransformContext{AuthMessage: "Authenticated as acme-corp"}
	messages := []*models.Message{textMsg(models.RoleUser, "hi")}

	once := authSystemMessageTransform().Apply(tc, messages)
	if len(once) != 2 || once[0].Content != tc.AuthMessage {
		t.Fatalf("expected auth message prepended, got %+v", once)
	}

	twice := authSystemMessageTransform().Apply(tc, once)
	if len(twice) != 2 {
		t.Fatalf("expected no duplicate auth message on a second pass, got %d messages", len(twice))
	}
}

func TestCacheBreakpointPlacement_MarksFirstSystemAndLast(t *testing.T) {
	messages := []*models.Message{
		{ID: "s1", Kind: models.KindSystemText, Role: models.RoleSystem, Content: "sys"},
		textMsg(models.RoleUser, "u1"),
		textMsg(models.RoleAssistant, "a1"),
	}
	out := cacheBreakpointPlacementTransform().Apply(TransformContext{Provider: "anthropic"}, messages)
	breakpoints := ExtractCacheBreakpoints(out)
	if len(breakpoints) != 2 || breakpoints[0] != 0 || breakpoints[1] != 2 {
		t.Fatalf("expected breakpoints at [0 2], got %v", breakpoints)
	}
}

func TestReasoningEffortSelection(t *testing.T) {
	var messages []*models.Message
	for i := 0; i < 2; i++ {
		messages = append(messages, textMsg(models.RoleAssistant, "a"))
	}
	messages = append(messages, textMsg(models.RoleUser, "u"))

	out := reasoningEffortSelectionTransform().Apply(TransformContext{Provider: "anthropic"}, messages)
	if got := ExtractReasoningEffort(out); got != "high" {
		t.Fatalf("expected high effort with few assistant turns, got %q", got)
	}

	var long []*models.Message
	for i := 0; i < 6; i++ {
		long = append(long, textMsg(models.RoleAssistant, "a"))
	}
	long = append(long, textMsg(models.RoleUser, "u"))
	out2 := reasoningEffortSelectionTransform().Apply(TransformContext{Provider: "anthropic"}, long)
	if got := ExtractReasoningEffort(out2); got != "low" {
		t.Fatalf("expected low effort once past the warm-up window, got %q", got)
	}
}

func TestDocumentImageRelocation(t *testing.T) {
	messages := []*models.Message{
		{
			ID:          "tool1",
			Kind:        models.KindToolResult,
			Role:        models.RoleTool,
			Attachments: []models.Attachment{{ID: "img1", Type: "image"}},
		},
	}
	out := documentImageRelocationTransform().Apply(TransformContext{Provider: "openai"}, messages)
	if len(out) != 2 {
		t.Fatalf("expected relocation to split into two messages, got %d", len(out))
	}
	if len(out[0].Attachments) != 0 {
		t.Fatal("expected attachments removed from the original message")
	}
	if out[1].Role != models.RoleUser || len(out[1].Attachments) != 1 {
		t.Fatalf("expected a synthetic user message carrying the attachment, got %+v", out[1])
	}
}

func TestDefaultTransformPipeline_FixedOrder(t *testing.T) {
	pipeline := DefaultTransformPipeline()
	want := []string{
		"role_collapse",
		"tool_name_capitalization",
		"tool_schema_normalization",
		"tool_call_dropping",
		"document_image_relocation",
		"keep_first_user_message",
		"auth_system_message",
		"cache_breakpoint_placement",
		"reasoning_effort_selection",
	}
	got := pipeline.Names()
	if len(got) != len(want) {
		t.Fatalf("expected %d transforms, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transform %d = %q, want %q", i, got[i], want[i])
		}
	}
}
