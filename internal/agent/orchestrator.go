package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	agentcontext "github.com/antinomyhq/forge/internal/agent/context"
	"github.com/antinomyhq/forge/internal/backoff"
	ctxwindow "github.com/antinomyhq/forge/internal/context"
	"github.com/antinomyhq/forge/internal/storage"
	"github.com/antinomyhq/forge/pkg/models"
)

// ToolCallTimeout is the per-call ceiling the orchestrator applies to
// every built-in and MCP tool invocation. Agent-as-tool delegations are
// exempt and unbounded by design.
const ToolCallTimeout = 300 * time.Second

// OrchestratorConfig wires an Orchestrator to its collaborators: the tool
// registry/executor, the conversation repository, the provider set, the
// context transform pipeline, and the event sink every turn reports
// through in addition to its returned ChatResponse stream.
type OrchestratorConfig struct {
	Registry  *ToolRegistry
	Executor  *ToolExecutor
	Repo      storage.Repository
	Providers map[string]LLMProvider
	Pipeline  *agentcontext.TransformPipeline
	Sink      EventSink
	Logger    *slog.Logger
	Workspace string

	// Workflow is the loaded workflow config snapshot every new
	// conversation is stamped with at creation time; a config reload on
	// disk never changes the semantics of an in-flight conversation.
	Workflow models.WorkflowConfigSnapshot

	// ToolResultGuard redacts secrets and truncates oversized content out
	// of every tool result before it is appended to the conversation and
	// persisted. A request-scoped override can still tighten it via
	// WithRuntimeOptions; this is the floor applied to every turn.
	ToolResultGuard ToolResultGuard
}

// Orchestrator runs the per-turn agent loop described by the orchestrator
// contract: Init -> AwaitingModel -> ExecutingTools -> (AwaitingModel |
// Retry) -> one of TerminalSuccess/TerminalFail/TerminalInterrupt. One
// Orchestrator instance is shared across conversations; all per-turn
// state lives in the *models.Conversation it reads and writes.
type Orchestrator struct {
	registry  *ToolRegistry
	executor  *ToolExecutor
	repo      storage.Repository
	providers map[string]LLMProvider
	pipeline  *agentcontext.TransformPipeline
	sink      EventSink
	log       *slog.Logger
	workspace string
	workflow  models.WorkflowConfigSnapshot
	guard     ToolResultGuard
}

// NewOrchestrator builds an Orchestrator from its collaborators, applying
// defaults (a nop sink, the default slog logger, an empty-workspace
// binding) for fields left zero.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:  cfg.Registry,
		executor:  cfg.Executor,
		repo:      cfg.Repo,
		providers: cfg.Providers,
		pipeline:  cfg.Pipeline,
		sink:      sink,
		log:       logger,
		workspace: cfg.Workspace,
		workflow:  cfg.Workflow,
		guard:     cfg.ToolResultGuard,
	}
}

// turnState accumulates the bookkeeping one call to Chat needs across its
// AwaitingModel/ExecutingTools cycles: request and tool-failure budgets,
// the per-tool failure tally an Interrupt reports, and the sequence
// counter stamped onto every AgentEvent the turn emits.
type turnState struct {
	runID          string
	seq            uint64
	iter           int
	requests       int
	toolFailures   int
	failuresByTool map[string]int
}

// emitEvent stamps run/sequence metadata onto e and delivers it to the
// configured sink, which observes the turn alongside the returned
// ChatResponse stream. Sequence numbers are monotonic within a turn.
func (o *Orchestrator) emitEvent(ctx context.Context, state *turnState, e models.AgentEvent) {
	state.seq++
	e.Version = 1
	e.Sequence = state.seq
	e.RunID = state.runID
	e.IterIndex = state.iter
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.sink.Emit(ctx, e)
}

// Chat runs one turn of the orchestrator loop against the agent named by
// agentID, driven by event, and returns a channel of ChatResponse values.
// The channel is closed once a terminal ChatResponse (TaskComplete or an
// Interrupt, or a ChatResponse with Err set) has been sent.
func (o *Orchestrator) Chat(ctx context.Context, agentID string, event models.Event) (<-chan models.ChatResponse, error) {
	conv, isNew, err := o.resolveConversation(ctx, agentID, event)
	if err != nil {
		return nil, err
	}

	out := make(chan models.ChatResponse, 8)
	go func() {
		defer close(out)
		o.runTurn(ctx, conv, isNew, event, out)
	}()
	return out, nil
}

// resolveConversation loads the conversation named by event.ConversationID,
// or starts a new one bound to agentID when the id is empty or unknown.
func (o *Orchestrator) resolveConversation(ctx context.Context, agentID string, event models.Event) (*models.Conversation, bool, error) {
	if event.ConversationID != "" {
		conv, err := o.repo.Find(ctx, event.ConversationID)
		if err == nil {
			return conv, false, nil
		}
		if err != storage.ErrNotFound {
			return nil, false, fmt.Errorf("orchestrator: load conversation %s: %w", event.ConversationID, err)
		}
	}

	if _, ok := o.workflow.Agents[agentID]; !ok {
		return nil, false, fmt.Errorf("orchestrator: unknown agent %q", agentID)
	}

	id := event.ConversationID
	if id == "" {
		id = uuid.NewString()
	}
	conv := &models.Conversation{
		ID:             id,
		Workspace:      o.workspace,
		WorkflowConfig: o.workflow,
		ActiveAgentID:  agentID,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	return conv, true, nil
}

// runTurn drives the state machine for a single turn and emits every
// ChatResponse onto out, closing it is the caller's responsibility.
func (o *Orchestrator) runTurn(ctx context.Context, conv *models.Conversation, isNew bool, event models.Event, out chan<- models.ChatResponse) {
	agentDef, ok := conv.WorkflowConfig.Agents[conv.ActiveAgentID]
	if !ok {
		out <- models.ChatResponse{Err: fmt.Errorf("orchestrator: agent %q not present in workflow config", conv.ActiveAgentID)}
		return
	}

	userMsg := models.Message{
		ID:        uuid.NewString(),
		Kind:      models.KindUserText,
		Role:      models.RoleUser,
		Content:   renderUserPrompt(agentDef, event.Value),
		Attachments: event.Attachments,
		CreatedAt: time.Now(),
	}
	conv.Context = append(conv.Context, userMsg)
	conv.UpdatedAt = time.Now()
	if err := o.repo.Upsert(ctx, conv); err != nil {
		out <- models.ChatResponse{Err: fmt.Errorf("orchestrator: persist conversation: %w", err)}
		return
	}

	o.runHook(ctx, agentDef, models.HookPreChat, conv, nil)

	state := &turnState{runID: uuid.NewString(), failuresByTool: map[string]int{}}
	limits := conv.WorkflowConfig.Limits
	retryPolicy := conv.WorkflowConfig.RetryPolicy
	o.emitEvent(ctx, state, models.AgentEvent{Type: models.AgentEventRunStarted})

	for {
		state.iter++
		if ctx.Err() != nil {
			o.terminalInterrupt(ctx, conv, out, models.InterruptCancelled, state)
			return
		}

		if limits.MaxRequestsPerTurn > 0 && state.requests >= limits.MaxRequestsPerTurn {
			o.terminalInterrupt(ctx, conv, out, models.InterruptMaxRequestsPerTurn, state)
			return
		}

		assistantMsg, toolCalls, cancelled, err := o.awaitingModel(ctx, conv, agentDef, retryPolicy, state, out)
		if err != nil {
			o.persist(ctx, conv)
			o.emitEvent(ctx, state, models.AgentEvent{Type: models.AgentEventRunError, Error: &models.ErrorEventPayload{Message: err.Error(), Err: err}})
			out <- models.ChatResponse{Err: err}
			return
		}
		if cancelled {
			o.terminalInterrupt(ctx, conv, out, models.InterruptCancelled, state)
			return
		}

		if len(toolCalls) == 0 {
			o.emitEvent(ctx, state, models.AgentEvent{Type: models.AgentEventRunFinished})
			out <- models.ChatResponse{Kind: models.ChatResponseTaskComplete, TaskComplete: &models.TaskCompletePayload{Summary: assistantMsg.Content}}
			return
		}

		// Every tool call the assistant requested, the completion and
		// follow_up sentinels included, is dispatched and
		// gets a matching ToolResult appended to context before the turn
		// ends (data-model invariant: an assistant message's tool_calls
		// must all be resolved before the next assistant message, and the
		// sentinel's own call is no exception).
		toolMsg, interrupted := o.executingTools(ctx, conv, agentDef, toolCalls, limits, state, out)
		conv.Context = append(conv.Context, toolMsg)
		conv.UpdatedAt = time.Now()
		o.persist(ctx, conv)

		if completion, ok := completionCall(toolCalls); ok {
			summary := completionSummary(completion, toolMsg.ToolResults, assistantMsg.Content)
			o.emitEvent(ctx, state, models.AgentEvent{Type: models.AgentEventRunFinished})
			out <- models.ChatResponse{Kind: models.ChatResponseTaskComplete, TaskComplete: &models.TaskCompletePayload{Summary: summary}}
			return
		}

		if interrupted {
			o.terminalInterrupt(ctx, conv, out, models.InterruptToolFailureLimit, state)
			return
		}

		o.maybeCompact(ctx, conv, agentDef)
	}
}

// awaitingModel runs the AwaitingModel phase: transform the context,
// call the provider, retry retryable failures with backoff, and stream
// TaskMessage/TaskReasoning/RetryAttempt ChatResponses as they occur.
// When the resolved provider fails without a retryable error left to
// spend, the workflow's fallback chain is tried in order before the
// turn is failed. Returns the finished assistant message and the tool
// calls the model requested.
func (o *Orchestrator) awaitingModel(ctx context.Context, conv *models.Conversation, agentDef models.Agent, policy models.RetryPolicy, state *turnState, out chan<- models.ChatResponse) (models.Message, []models.ToolCall, bool, error) {
	providerName, model := o.resolveProviderModel(conv, agentDef)
	candidates := o.providerCandidates(providerName, conv.WorkflowConfig.ProviderFallbacks)
	if len(candidates) == 0 {
		return models.Message{}, nil, false, fmt.Errorf("orchestrator: unknown provider %q", providerName)
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for ci, name := range candidates {
		provider := o.providers[name]
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			state.requests++
			req := o.buildRequest(conv, agentDef, name, model)

			chunks, err := provider.Complete(ctx, req)
			if err != nil {
				lastErr = err
			} else {
				msg, toolCalls, cancelled, streamErr := o.consumeStream(ctx, chunks, out)
				if streamErr == nil {
					return msg, toolCalls, cancelled, nil
				}
				lastErr = streamErr
			}

			if ctx.Err() != nil {
				return models.Message{}, nil, true, nil
			}
			if !provider.IsRetryable(lastErr) || attempt >= maxAttempts {
				break
			}

			out <- models.ChatResponse{Kind: models.ChatResponseRetryAttempt, RetryAttempt: &models.RetryAttemptPayload{Attempt: attempt, Reason: lastErr.Error()}}
			delay := backoff.ComputeBackoff(backoff.BackoffPolicy{
				InitialMs: float64(policy.BaseDelay.Milliseconds()),
				MaxMs:     float64(policy.MaxDelay.Milliseconds()),
				Factor:    2,
				Jitter:    policy.JitterFactor,
			}, attempt)
			o.emitEvent(ctx, state, models.AgentEvent{Type: models.AgentEventRetryAttempt, Retry: &models.RetryEventPayload{Attempt: attempt, MaxAttempts: maxAttempts, Delay: delay, Reason: lastErr.Error()}})
			if err := backoff.SleepWithContext(ctx, delay); err != nil {
				return models.Message{}, nil, true, nil
			}
		}

		if ci+1 < len(candidates) {
			o.log.Warn("provider failed, trying fallback",
				"provider", name,
				"fallback", candidates[ci+1],
				"err", lastErr)
		}
	}
	return models.Message{}, nil, false, fmt.Errorf("orchestrator: provider %s: %w", candidates[len(candidates)-1], lastErr)
}

// providerCandidates returns the resolved provider followed by the
// workflow's fallback chain, dropping duplicates and names with no
// constructed provider.
func (o *Orchestrator) providerCandidates(primary string, fallbacks []string) []string {
	seen := make(map[string]bool, len(fallbacks)+1)
	out := make([]string, 0, len(fallbacks)+1)
	for _, name := range append([]string{primary}, fallbacks...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := o.providers[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// consumeStream drains a provider's chunk channel into an assistant
// message, surfacing text/reasoning deltas as ChatResponses as they
// arrive.
func (o *Orchestrator) consumeStream(ctx context.Context, chunks <-chan *CompletionChunk, out chan<- models.ChatResponse) (models.Message, []models.ToolCall, bool, error) {
	var text strings.Builder
	var toolCalls []models.ToolCall
	var usage models.Usage

	for chunk := range chunks {
		if chunk.Error != nil {
			return models.Message{}, nil, false, chunk.Error
		}
		if chunk.Thinking != "" {
			out <- models.ChatResponse{Kind: models.ChatResponseTaskReasoning, TaskReasoning: &models.TaskReasoningPayload{Text: chunk.Thinking}}
		}
		if chunk.Text != "" {
			if text.Len()+len(chunk.Text) > MaxResponseTextSize {
				return models.Message{}, nil, false, fmt.Errorf("response text exceeded %d bytes", MaxResponseTextSize)
			}
			text.WriteString(chunk.Text)
			out <- models.ChatResponse{Kind: models.ChatResponseTaskMessage, TaskMessage: &models.TaskMessagePayload{Text: chunk.Text}}
		}
		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				return models.Message{}, nil, false, fmt.Errorf("model requested more than %d tool calls in one turn", MaxToolCallsPerIteration)
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		usage.PromptTokens += int64(chunk.InputTokens)
		usage.CompletionTokens += int64(chunk.OutputTokens)
		usage.CachedTokens += int64(chunk.CachedTokens)
		if chunk.Done {
			break
		}
		if ctx.Err() != nil {
			return models.Message{}, nil, true, nil
		}
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	msg := models.Message{
		ID:        uuid.NewString(),
		Kind:      models.KindAssistant,
		Role:      models.RoleAssistant,
		Content:   text.String(),
		ToolCalls: toolCalls,
		CreatedAt: time.Now(),
	}
	return msg, toolCalls, false, nil
}

// executingTools runs the ExecutingTools phase: allow-list enforcement,
// dispatch through the registry/executor (or, for agent-as-tool
// delegations, a nested Chat call with no per-call timeout), and
// ToolCallStart/ToolCallEnd emission in the model's requested order.
// Returns the tool-result message to append to the conversation and
// whether the turn's tool-failure budget was exceeded.
func (o *Orchestrator) executingTools(ctx context.Context, conv *models.Conversation, agentDef models.Agent, toolCalls []models.ToolCall, limits models.WorkflowLimits, state *turnState, out chan<- models.ChatResponse) (models.Message, bool) {
	results := make([]models.ToolResult, len(toolCalls))
	delegations := make(map[int]string)
	var batch []models.ToolCall
	batchIdx := make(map[string]int)

	for i, tc := range toolCalls {
		if !agentDef.HasTool(tc.Name) {
			results[i] = models.ToolResult{ToolCallID: tc.ID, Content: "tool not allowed for this agent: " + tc.Name, IsError: true}
			continue
		}
		if agentID, ok := o.registry.DelegationAgentID(tc.Name); ok {
			// Dispatched in order inside the emission loop below, so every
			// event the delegated child produces on the shared sink lands
			// between this call's ToolCallStart and ToolCallEnd.
			delegations[i] = agentID
			continue
		}
		batchIdx[tc.ID] = i
		batch = append(batch, tc)
	}

	// Batch-executed tools emit nothing of their own (the executor's event
	// callback is nil), so running them ahead of their start events cannot
	// reorder anything observable.
	if len(batch) > 0 {
		execResults := o.executor.ExecuteConcurrently(ctx, batch, nil)
		for _, r := range execResults {
			results[batchIdx[r.ToolCall.ID]] = r.Result
		}
	}

	guard := o.guard
	if override, ok := runtimeOptionsFromContext(ctx); ok && override.ToolResultGuard.active() {
		guard = override.ToolResultGuard
	}

	for i, tc := range toolCalls {
		out <- models.ChatResponse{Kind: models.ChatResponseToolCallStart, ToolCallStart: &models.ToolCallStartPayload{CallID: tc.ID, Name: tc.Name, Args: tc.Input}}
		o.emitEvent(ctx, state, models.AgentEvent{Type: models.AgentEventToolStarted, Tool: &models.ToolEventPayload{CallID: tc.ID, Name: tc.Name, ArgsJSON: tc.Input}})
		if agentID, ok := delegations[i]; ok {
			results[i] = o.runDelegation(ctx, conv, agentID, tc)
		}
		if guard.active() {
			results[i] = guard.Apply(tc.Name, results[i])
		}
		out <- models.ChatResponse{Kind: models.ChatResponseToolCallEnd, ToolCallEnd: &models.ToolCallEndPayload{CallID: tc.ID, Name: tc.Name, Result: results[i]}}
		o.emitEvent(ctx, state, models.AgentEvent{Type: models.AgentEventToolFinished, Tool: &models.ToolEventPayload{CallID: tc.ID, Name: tc.Name, Success: !results[i].IsError, ResultJSON: []byte(results[i].Content)}})
		o.recordMetric(conv, tc.Name, results[i].IsError)
		o.recordFileOp(conv, tc, results[i])
		o.recordPlan(conv, tc, results[i])
		if results[i].IsError {
			state.toolFailures++
			state.failuresByTool[tc.Name]++
		}
		o.runHook(ctx, agentDef, models.HookPostToolCall, conv, &results[i])
	}

	msg := models.Message{
		ID:          uuid.NewString(),
		Kind:        models.KindToolResult,
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now(),
	}

	interrupted := limits.MaxToolFailures > 0 && state.toolFailures >= limits.MaxToolFailures
	return msg, interrupted
}

// runDelegation dispatches an agent-as-tool call: a nested conversation
// driven by the delegate agent, run to its own TaskComplete/Interrupt/
// error terminus, with its summary (or failure reason) folded back into
// a single ToolResult. Delegations are exempt from ToolCallTimeout and
// unbounded by design; the only bound is the parent turn's own
// cancellation, which a delegated child inherits verbatim since
// delegateCtx is ctx itself.
func (o *Orchestrator) runDelegation(ctx context.Context, conv *models.Conversation, delegateAgentID string, tc models.ToolCall) models.ToolResult {
	delegateCtx := ctx

	child := *conv
	child.ID = conv.ID + "/" + tc.ID
	child.ActiveAgentID = delegateAgentID
	child.Context = append([]models.Message(nil), conv.Context...)

	var value string
	var parsed struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(tc.Input, &parsed); err == nil && parsed.Task != "" {
		value = parsed.Task
	} else {
		value = string(tc.Input)
	}

	stream, err := o.Chat(delegateCtx, delegateAgentID, models.Event{
		Name:           delegateAgentID + "/user_task_init",
		ConversationID: child.ID,
		Value:          value,
	})
	if err != nil {
		return models.ToolResult{ToolCallID: tc.ID, Content: err.Error(), IsError: true}
	}
	if err := o.repo.Upsert(ctx, &child); err != nil {
		return models.ToolResult{ToolCallID: tc.ID, Content: err.Error(), IsError: true}
	}

	var summary string
	var failed bool
	for resp := range stream {
		switch resp.Kind {
		case models.ChatResponseTaskComplete:
			summary = resp.TaskComplete.Summary
		case models.ChatResponseInterrupt:
			summary = "delegation interrupted: " + string(resp.Interrupt.Reason)
			failed = true
		}
		if resp.Err != nil {
			summary = resp.Err.Error()
			failed = true
		}
	}
	return models.ToolResult{ToolCallID: tc.ID, Content: summary, IsError: failed}
}

// runHook invokes the hook bound to point, if any, for agentDef. Command
// hooks run as a shell invocation in the conversation's workspace;
// agent-id hooks delegate like an agent-as-tool call. Hook failures are
// logged, not surfaced to the turn; an observer never breaks the loop.
func (o *Orchestrator) runHook(ctx context.Context, agentDef models.Agent, point models.HookKind, conv *models.Conversation, result *models.ToolResult) {
	binding, ok := agentDef.Hooks[string(point)]
	if !ok {
		return
	}
	timeout := binding.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if binding.Command != "" {
		cmd := exec.CommandContext(hookCtx, "sh", "-c", binding.Command)
		cmd.Dir = conv.Workspace
		if result != nil {
			cmd.Env = append(cmd.Env, "FORGE_TOOL_RESULT="+result.Content)
		}
		if err := cmd.Run(); err != nil {
			o.log.Warn("hook command failed", "point", point, "err", err)
		}
		return
	}
	if binding.AgentID != "" {
		tc := models.ToolCall{ID: uuid.NewString(), Name: string(point), Input: json.RawMessage(`{}`)}
		if r := o.runDelegation(hookCtx, conv, binding.AgentID, tc); r.IsError {
			o.log.Warn("hook delegation failed", "point", point, "detail", r.Content)
		}
	}
}

// maybeCompact runs the compaction engine against conv using the turn's
// provider/model, logging (but not failing the turn on) summarization
// errors. It also tracks the model's context window so an operator sees
// a warning before the history grows past what the model accepts.
func (o *Orchestrator) maybeCompact(ctx context.Context, conv *models.Conversation, agentDef models.Agent) {
	providerName, model := o.resolveProviderModel(conv, agentDef)
	provider, ok := o.providers[providerName]
	if !ok {
		return
	}

	window := ctxwindow.NewWindowForModel(model)
	for i := range conv.Context {
		window.AddText(conv.Context[i].Content)
	}
	if info := window.Info(); info.ShouldWarn() {
		o.log.Warn("context window nearing capacity",
			"conversation", conv.ID,
			"model", model,
			"used_tokens", info.UsedTokens,
			"remaining_tokens", info.RemainingTokens)
	}

	compactor := NewCompactor(provider, model)
	if _, err := compactor.Compact(ctx, conv); err != nil {
		o.log.Warn("compaction failed", "conversation", conv.ID, "err", err)
	}
}

// buildRequest renders agentDef's prompt templates, runs the transform
// pipeline over conv's message log, and assembles a CompletionRequest.
func (o *Orchestrator) buildRequest(conv *models.Conversation, agentDef models.Agent, providerName, model string) *CompletionRequest {
	system := renderSystemPrompt(agentDef)

	pointers := make([]*models.Message, len(conv.Context))
	for i := range conv.Context {
		pointers[i] = &conv.Context[i]
	}

	tools := o.registry.List()
	allowed := make([]models.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if agentDef.HasTool(t.Name) {
			allowed = append(allowed, t)
		}
	}

	tc := agentcontext.TransformContext{
		Provider:    providerName,
		Model:       model,
		AuthMessage: conv.WorkflowConfig.AuthMessage,
		Tools:       &allowed,
	}
	transformed := pointers
	if o.pipeline != nil {
		transformed = o.pipeline.Run(tc, pointers)
	}

	messages := make([]CompletionMessage, 0, len(transformed)+1)
	for _, m := range transformed {
		messages = append(messages, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}

	req := &CompletionRequest{
		Model:                model,
		System:               system,
		Messages:             messages,
		Tools:                allowed,
		CacheBreakpoints:      agentcontext.ExtractCacheBreakpoints(transformed),
		EnableThinking:        agentcontext.ExtractReasoningEffort(transformed) == "high",
	}
	if req.EnableThinking {
		req.ThinkingBudgetTokens = 4096
	}
	return req
}

// metaDefaultProvider and metaDefaultModel mirror
// config.MetaDefaultProvider/MetaDefaultModel; duplicated here (rather than
// imported) to avoid an agent->config->mcp->agent import cycle.
const (
	metaDefaultProvider = "forge_default_provider"
	metaDefaultModel    = "forge_default_model"
)

// resolveProviderModel picks the provider/model for a turn: the agent's
// override if set, otherwise the workflow's configured default.
func (o *Orchestrator) resolveProviderModel(conv *models.Conversation, agentDef models.Agent) (string, string) {
	provider := agentDef.Provider
	if provider == "" {
		provider = conv.WorkflowConfig.Metadata[metaDefaultProvider]
	}
	model := agentDef.Model
	if model == "" {
		model = conv.WorkflowConfig.Metadata[metaDefaultModel]
	}
	return provider, model
}

// terminalInterrupt emits an Interrupt ChatResponse and persists conv's
// final state.
func (o *Orchestrator) terminalInterrupt(ctx context.Context, conv *models.Conversation, out chan<- models.ChatResponse, reason models.InterruptKind, state *turnState) {
	o.persist(ctx, conv)
	eventType := models.AgentEventRunInterrupt
	if reason == models.InterruptCancelled {
		eventType = models.AgentEventRunCancelled
	}
	o.emitEvent(ctx, state, models.AgentEvent{Type: eventType, Text: &models.TextEventPayload{Text: string(reason)}})
	out <- models.ChatResponse{Kind: models.ChatResponseInterrupt, Interrupt: &models.InterruptPayload{Reason: reason, ToolFailure: state.failuresByTool}}
}

func (o *Orchestrator) persist(ctx context.Context, conv *models.Conversation) {
	conv.UpdatedAt = time.Now()
	if err := o.repo.Upsert(ctx, conv); err != nil {
		o.log.Error("persist conversation failed", "conversation", conv.ID, "err", err)
	}
}

func (o *Orchestrator) recordMetric(conv *models.Conversation, tool string, failed bool) {
	if conv.ToolMetrics == nil {
		conv.ToolMetrics = map[string]models.ToolMetric{}
	}
	m := conv.ToolMetrics[tool]
	m.Calls++
	if failed {
		m.Failures++
	}
	conv.ToolMetrics[tool] = m
}

// fileOpToolResult is the structured shape fs_write/fs_patch/fs_remove
// return so the orchestrator can append a FileOperation without parsing
// tool-specific content.
type fileOpToolResult struct {
	Path   string `json:"path"`
	Op     string `json:"op"`
	Before []byte `json:"before,omitempty"`
	After  []byte `json:"after,omitempty"`
}

func (o *Orchestrator) recordFileOp(conv *models.Conversation, tc models.ToolCall, result models.ToolResult) {
	if result.IsError {
		return
	}
	switch tc.Name {
	case "fs_write", "fs_patch", "fs_remove":
	default:
		return
	}
	var parsed fileOpToolResult
	if err := json.Unmarshal([]byte(result.Content), &parsed); err != nil || parsed.Path == "" {
		return
	}
	conv.FileOperations = append(conv.FileOperations, models.FileOperation{
		Path:       parsed.Path,
		Op:         parsed.Op,
		Before:     parsed.Before,
		After:      parsed.After,
		ToolCallID: tc.ID,
		CreatedAt:  time.Now(),
	})
}

// recordPlan updates conv.Tasks from a successful plan_create call's
// structured result.
func (o *Orchestrator) recordPlan(conv *models.Conversation, tc models.ToolCall, result models.ToolResult) {
	if tc.Name != "plan_create" || result.IsError {
		return
	}
	var parsed struct {
		Tasks []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
			Done bool   `json:"done"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(result.Content), &parsed); err != nil {
		return
	}
	tasks := make([]models.TaskItem, 0, len(parsed.Tasks))
	now := time.Now()
	for _, t := range parsed.Tasks {
		tasks = append(tasks, models.TaskItem{ID: t.ID, Text: t.Text, Done: t.Done, CreatedAt: now})
	}
	conv.Tasks = tasks
}

// renderSystemPrompt composes an agent's rendered system prompt: the
// template verbatim (the workflow loader has already resolved any
// {{var}} substitutions it supports), followed by custom rules one per
// line.
func renderSystemPrompt(a models.Agent) string {
	var sb strings.Builder
	sb.WriteString(a.SystemPromptTemplate)
	for _, rule := range a.CustomRules {
		sb.WriteString("\n")
		sb.WriteString(rule)
	}
	return sb.String()
}

// renderUserPrompt applies an agent's optional user-prompt template as a
// prefix to the raw event value, or returns value unchanged when no
// template is configured.
func renderUserPrompt(a models.Agent, value string) string {
	if strings.TrimSpace(a.UserPromptTemplate) == "" {
		return value
	}
	return strings.ReplaceAll(a.UserPromptTemplate, "{{input}}", value)
}

// completionCall returns the attempt_completion call in toolCalls, if
// present. A model may request other tools alongside it; by convention
// attempt_completion always wins and ends the turn.
func completionCall(toolCalls []models.ToolCall) (*models.ToolCall, bool) {
	for i := range toolCalls {
		if toolCalls[i].Name == "attempt_completion" || toolCalls[i].Name == "follow_up" {
			return &toolCalls[i], true
		}
	}
	return nil, false
}

// completionSummary extracts the turn-ending call's resolved ToolResult
// content: the CompletionTool/FollowUpTool's own output (the "result"/
// "question" field it echoed back), prefixed for follow_up so a caller
// can tell the turn ended on a question rather than a finished task.
// Falls back to the assistant's final text if, for any reason, no
// matching ToolResult was produced.
func completionSummary(call *models.ToolCall, results []models.ToolResult, fallback string) string {
	if call == nil {
		return fallback
	}
	for _, r := range results {
		if r.ToolCallID != call.ID {
			continue
		}
		if r.IsError || r.Content == "" {
			return fallback
		}
		if call.Name == "follow_up" {
			return "follow_up: " + r.Content
		}
		return r.Content
	}
	return fallback
}
