package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/antinomyhq/forge/internal/compaction"
	"github.com/antinomyhq/forge/pkg/models"
)

// DefaultSummaryTemplate is used when a conversation's CompactionConfig
// leaves SummaryTemplate empty.
const DefaultSummaryTemplate = "Summarize the following conversation segment concisely, preserving key decisions, outstanding tasks, and tool results a later turn would need:\n\n%s"

// CompactionResult reports what the compaction engine did to a
// conversation's message log, for surfacing in run telemetry.
type CompactionResult struct {
	Applied       bool
	OriginalCount int
	NewCount      int
	RangeStart    int
	RangeEnd      int
	Summary       *models.Message
}

// Compactor collapses a run of a conversation's older messages into a
// single model-generated summary message once the conversation's
// CompactionConfig.RetentionWindow is exceeded. It never touches the most
// recent RetentionWindow messages, and it never splits a tool call from
// its tool result.
type Compactor struct {
	provider LLMProvider
	model    string
}

// NewCompactor builds a Compactor that asks provider/model to produce
// summaries.
func NewCompactor(provider LLMProvider, model string) *Compactor {
	return &Compactor{provider: provider, model: model}
}

// Compact inspects conv's message log against its CompactionConfig and,
// if a summarizable interval exists, replaces it in place with a single
// summary message. It is a no-op (Applied=false) when RetentionWindow is
// unset, the log is too short, or no interval between two user messages
// is available to summarize.
func (c *Compactor) Compact(ctx context.Context, conv *models.Conversation) (*CompactionResult, error) {
	cfg := conv.WorkflowConfig.Compaction
	history := conv.Context

	result := &CompactionResult{OriginalCount: len(history), NewCount: len(history)}

	if cfg.RetentionWindow <= 0 {
		return result, nil
	}
	if !shouldCompact(cfg, history) {
		return result, nil
	}

	// Messages at or after rangeEnd are within the retention window and
	// are never summarized.
	rangeEnd := len(history) - cfg.RetentionWindow

	var userIdx []int
	for i := 0; i < rangeEnd; i++ {
		if history[i].Role == models.RoleUser {
			userIdx = append(userIdx, i)
		}
	}

	start, end := -1, -1
	for i := 0; i+1 < len(userIdx); i++ {
		candidateStart := userIdx[i] + 1
		candidateEnd := userIdx[i+1] - 1
		if candidateEnd > candidateStart {
			start, end = candidateStart, candidateEnd
			break
		}
	}
	if start < 0 {
		return result, nil
	}

	start, end = widenForToolIntegrity(history, start, end)

	toSummarize := history[start : end+1]
	summaryText, err := c.summarize(ctx, cfg, toSummarize)
	if err != nil {
		return nil, fmt.Errorf("compaction: summarize range [%d,%d]: %w", start, end, err)
	}

	summaryMsg := models.Message{
		ID:        uuid.NewString(),
		Kind:      models.KindAssistant,
		Role:      models.RoleAssistant,
		Content:   summaryText,
		Metadata:  map[string]any{contextSummaryMetadataKey: true},
		CreatedAt: time.Now(),
	}

	newHistory := make([]models.Message, 0, len(history)-(end-start+1)+1)
	newHistory = append(newHistory, history[:start]...)
	newHistory = append(newHistory, summaryMsg)
	newHistory = append(newHistory, history[end+1:]...)

	conv.Context = newHistory

	result.Applied = true
	result.NewCount = len(newHistory)
	result.RangeStart = start
	result.RangeEnd = end
	result.Summary = &summaryMsg
	return result, nil
}

// contextSummaryMetadataKey mirrors internal/agent/context's summary
// metadata tag so a compacted message is recognizable by the same
// convention, without importing that package's []*models.Message-shaped
// helpers into this []models.Message-shaped engine.
const contextSummaryMetadataKey = "forge_summary"

// shouldCompact decides whether history is long enough to attempt
// compaction. With MessageThreshold or TokenThreshold configured, either
// one firing triggers compaction (both token- and message-count
// triggers are honored); with neither set, the legacy behavior of
// triggering purely once history exceeds RetentionWindow applies.
func shouldCompact(cfg models.CompactionConfig, history []models.Message) bool {
	if cfg.MessageThreshold <= 0 && cfg.TokenThreshold <= 0 {
		return len(history) > cfg.RetentionWindow
	}
	if cfg.MessageThreshold > 0 && len(history) >= cfg.MessageThreshold {
		return true
	}
	if cfg.TokenThreshold > 0 && estimateHistoryTokens(history) >= cfg.TokenThreshold {
		return true
	}
	return false
}

// estimateHistoryTokens sums the pack's character-per-token heuristic
// (compaction.CharsPerToken) across a conversation's messages, including
// rendered tool calls and results.
func estimateHistoryTokens(history []models.Message) int64 {
	var total int64
	for _, m := range history {
		msg := &compaction.Message{Content: m.Content}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls += tc.Name
			msg.ToolCalls += string(tc.Input)
		}
		for _, tr := range m.ToolResults {
			msg.ToolResults += tr.Content
		}
		total += int64(compaction.EstimateTokens(msg))
	}
	return total
}

// widenForToolIntegrity extends [start,end] outward so the interval never
// begins on an orphaned tool result or ends on an assistant message whose
// tool calls aren't yet answered.
func widenForToolIntegrity(history []models.Message, start, end int) (int, int) {
	for start > 0 && history[start].Kind == models.KindToolResult {
		start--
	}
	for end < len(history)-1 && len(history[end].ToolCalls) > 0 {
		end++
	}
	return start, end
}

// summarize asks the configured provider for a summary of messages,
// rendered through cfg.SummaryTemplate (or DefaultSummaryTemplate).
func (c *Compactor) summarize(ctx context.Context, cfg models.CompactionConfig, messages []models.Message) (string, error) {
	template := cfg.SummaryTemplate
	if strings.TrimSpace(template) == "" {
		template = DefaultSummaryTemplate
	}

	prompt := fmt.Sprintf(template, renderCompactionTranscript(messages))

	req := &CompletionRequest{
		Model: c.model,
		Messages: []CompletionMessage{
			{Role: string(models.RoleUser), Content: prompt},
		},
		MaxTokens: 1024,
	}

	chunks, err := c.provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", chunk.Error
		}
		sb.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}

	summary := strings.TrimSpace(sb.String())
	if summary == "" {
		return "", fmt.Errorf("compaction: provider returned an empty summary")
	}
	return summary, nil
}

// renderCompactionTranscript formats messages the way the summarization
// prompt expects: one line per message, tool calls and results
// abbreviated rather than dropped, since the invariant that tool pairing
// stays intact means both halves are always present in the range.
func renderCompactionTranscript(messages []models.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(fmt.Sprintf("[%s] ", m.Role))
		if m.Content != "" {
			sb.WriteString(m.Content)
		}
		for _, tc := range m.ToolCalls {
			sb.WriteString(fmt.Sprintf("\n  called %s", tc.Name))
		}
		for _, tr := range m.ToolResults {
			content := tr.Content
			if len(content) > 200 {
				content = content[:200] + "..."
			}
			status := "ok"
			if tr.IsError {
				status = "error"
			}
			sb.WriteString(fmt.Sprintf("\n  result (%s): %s", status, content))
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}
