// Command forge is the minimal, non-interactive composition root for the
// agent orchestration core. It loads forge.yaml, wires the ambient
// logging/metrics/tracing stack, constructs whichever providers have
// credentials in the environment, registers the built-in tool surface
// plus any configured MCP servers, opens the conversation repository,
// and runs one orchestrator turn for a single event read from argv,
// rendering the ChatResponse stream to stdout.
//
// It is deliberately not a REPL/TUI: the CLI/TUI front end is out of
// scope for the orchestration core (see the package docs under
// internal/agent); this just proves every component wires together
// into a running program.
//
//	forge -workspace . -agent forge -conversation "" "say hi"
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	agentcontext "github.com/antinomyhq/forge/internal/agent/context"
	"github.com/antinomyhq/forge/internal/agent/providers"
	"github.com/antinomyhq/forge/internal/config"
	"github.com/antinomyhq/forge/internal/jobs"
	"github.com/antinomyhq/forge/internal/mcp"
	"github.com/antinomyhq/forge/internal/observability"
	"github.com/antinomyhq/forge/internal/providers/venice"
	"github.com/antinomyhq/forge/internal/storage"
	"github.com/antinomyhq/forge/internal/tools/codesearch"
	"github.com/antinomyhq/forge/internal/tools/control"
	"github.com/antinomyhq/forge/internal/tools/exec"
	"github.com/antinomyhq/forge/internal/tools/files"
	jobtools "github.com/antinomyhq/forge/internal/tools/jobs"
	"github.com/antinomyhq/forge/internal/tools/system"
	"github.com/antinomyhq/forge/internal/tools/websearch"
	"github.com/antinomyhq/forge/internal/usage"

	agentpkg "github.com/antinomyhq/forge/internal/agent"
	"github.com/antinomyhq/forge/pkg/models"
)

func main() {
	workspace := flag.String("workspace", ".", "workspace root the orchestrator and its filesystem tools are scoped to")
	agentID := flag.String("agent", "", "agent id to run; defaults to the workflow's default_agent_id")
	conversationID := flag.String("conversation", "", "conversation id to continue; empty starts a new conversation")
	dbPath := flag.String("db", "", "sqlite path for the conversation repository; empty uses an in-memory repository")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	eventValue := strings.Join(flag.Args(), " ")
	if eventValue == "" {
		fmt.Fprintln(os.Stderr, "usage: forge [-workspace dir] [-agent id] [-conversation id] [-db path] <prompt>")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *workspace, *agentID, *conversationID, *dbPath, eventValue); err != nil {
		logger.Error("forge: run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, workspace, agentID, conversationID, dbPath, eventValue string) error {
	cfg, err := config.Load(workspace)
	if err != nil {
		logger.Warn("forge: no forge.yaml found, falling back to a single default agent", "workspace", workspace, "detail", err)
		cfg = defaultConfig()
	}

	if agentID == "" {
		agentID = cfg.DefaultAgentID
	}

	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	obsLogger.Info(ctx, "forge: starting turn", "agent", agentID, "workspace", workspace)

	// Registers the ambient Prometheus gauges/counters against the
	// default registry; scraping them is the outer protocol layer's job.
	_ = observability.NewMetrics()

	var tracerShutdown func(context.Context) error
	if cfg.Tracing.Enabled {
		_, tracerShutdown = observability.NewTracer(observability.TraceConfig{
			ServiceName: cfg.Tracing.ServiceName,
			Environment: cfg.Tracing.Environment,
			Endpoint:    cfg.Tracing.Endpoint,
			SamplingRate: cfg.Tracing.SampleRatio,
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracerShutdown(shutdownCtx)
		}()
	}

	workflow, agents := cfg.ToWorkflow()
	if _, ok := agents[agentID]; !ok {
		return fmt.Errorf("forge: agent %q not present in %s", agentID, config.WorkflowFileName)
	}

	registry := agentpkg.NewToolRegistry()
	registerBuiltinTools(registry, cfg, workspace)
	registerAgentDelegations(registry, agents)

	mgr, err := startMCP(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("forge: starting mcp servers: %w", err)
	}
	if mgr != nil {
		names, err := mcp.RegisterTools(registry, mgr)
		if err != nil {
			return fmt.Errorf("forge: registering mcp tools: %w", err)
		}
		for _, name := range names {
			logger.Info("forge: registered mcp tool", "name", name)
		}
	}

	executor := agentpkg.NewToolExecutor(registry, agentpkg.DefaultToolExecConfig())

	repo, err := openRepository(dbPath)
	if err != nil {
		return fmt.Errorf("forge: opening repository: %w", err)
	}
	defer repo.Close()

	providerSet := buildProviders(cfg)
	if len(providerSet) == 0 {
		return fmt.Errorf("forge: no LLM provider credentials found in the environment (ANTHROPIC_API_KEY, OPENAI_API_KEY, AWS credentials, or VENICE_API_KEY)")
	}

	orch := agentpkg.NewOrchestrator(agentpkg.OrchestratorConfig{
		Registry:  registry,
		Executor:  executor,
		Repo:      repo,
		Providers: providerSet,
		Pipeline:  agentcontext.DefaultTransformPipeline(),
		Sink:      agentpkg.NopSink{},
		Logger:    logger,
		Workspace: workspace,
		Workflow:  workflow,
		ToolResultGuard: agentpkg.ToolResultGuard{
			Enabled:         true,
			SanitizeSecrets: true,
			MaxChars:        cfg.Limits.ShellOutputMaxBytes * 4,
		},
	})

	eventName := agentID + "/user_task_init"
	if conversationID != "" {
		eventName = agentID + "/user_task_update"
	}

	stream, err := orch.Chat(ctx, agentID, models.Event{
		Name:           eventName,
		ConversationID: conversationID,
		Value:          eventValue,
	})
	if err != nil {
		return err
	}

	return renderStream(stream)
}

// renderStream prints each ChatResponse to stdout as it arrives, in the
// order the orchestrator produced it, and returns the stream's terminal
// error (if any) once the channel closes.
func renderStream(stream <-chan models.ChatResponse) error {
	var terminalErr error
	for resp := range stream {
		switch resp.Kind {
		case models.ChatResponseTaskMessage:
			if resp.TaskMessage != nil {
				fmt.Println(resp.TaskMessage.Text)
			}
		case models.ChatResponseTaskReasoning:
			if resp.TaskReasoning != nil {
				fmt.Fprintln(os.Stderr, "[reasoning]", resp.TaskReasoning.Text)
			}
		case models.ChatResponseToolCallStart:
			p := resp.ToolCallStart
			fmt.Fprintf(os.Stderr, "-> %s %s\n", p.Name, string(p.Args))
		case models.ChatResponseToolCallEnd:
			p := resp.ToolCallEnd
			fmt.Fprintf(os.Stderr, "<- %s (error=%v) %s\n", p.Name, p.Result.IsError, p.Result.Content)
		case models.ChatResponseRetryAttempt:
			fmt.Fprintf(os.Stderr, "retrying (attempt %d): %s\n", resp.RetryAttempt.Attempt, resp.RetryAttempt.Reason)
		case models.ChatResponseInterrupt:
			fmt.Fprintf(os.Stderr, "interrupted: %s\n", resp.Interrupt.Reason)
		case models.ChatResponseTaskComplete:
			fmt.Println(resp.TaskComplete.Summary)
		}
		if resp.Err != nil {
			terminalErr = resp.Err
		}
	}
	return terminalErr
}

// registerBuiltinTools registers the full built-in tool surface.
// codebase_search is registered without a backend; it refuses with a
// configuration error until an operator wires an indexing service in,
// which keeps the tool name stable across deployments.
func registerBuiltinTools(registry *agentpkg.ToolRegistry, cfg *config.Config, workspace string) {
	undo := files.NewUndoLog()
	fileCfg := files.Config{Workspace: workspace, Undo: undo}
	registry.Register(files.NewReadTool(fileCfg))
	registry.Register(files.NewWriteTool(fileCfg))
	registry.Register(files.NewEditTool(fileCfg))
	registry.Register(files.NewRemoveTool(fileCfg))
	registry.Register(files.NewUndoTool(fileCfg))
	registry.Register(files.NewSearchTool(fileCfg))

	execManager := exec.NewManager(workspace)
	registry.Register(exec.NewExecTool("shell", execManager))
	registry.Register(exec.NewProcessTool(execManager))

	fetchMax := cfg.Limits.FetchResponseMaxBytes
	registry.Register(websearch.NewWebFetchTool(&websearch.FetchConfig{MaxChars: fetchMax}))
	registry.Register(websearch.NewWebSearchTool(&websearch.Config{
		SearXNGURL:         os.Getenv("SEARXNG_URL"),
		BraveAPIKey:        os.Getenv("BRAVE_API_KEY"),
		DefaultBackend:     websearch.BackendDuckDuckGo,
		DefaultResultCount: 10,
	}))

	jobStore := jobs.NewMemoryStore()
	registry.Register(jobtools.NewStatusTool(jobStore))
	registry.Register(jobtools.NewCancelTool(jobStore))
	registry.Register(jobtools.NewListTool(jobStore))

	registry.Register(codesearch.NewTool(nil))

	registry.Register(control.CompletionTool{})
	registry.Register(control.FollowUpTool{})
	registry.Register(control.ThinkTool{})
	registry.Register(control.NewPlanCreateTool())

	if cache := buildUsageCache(); cache != nil {
		registry.Register(system.NewUsageTool(cache))
	}
}

// buildUsageCache wires a provider-usage fetcher registry for whichever
// providers have credentials present, behind the 5-minute cache the
// usage tool reads through. Returns nil if no fetcher could be built,
// in which case the provider_usage tool is simply not registered.
func buildUsageCache() *usage.UsageCache {
	fetchers := usage.NewUsageFetcherRegistry()
	registered := false
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		fetchers.Register(&usage.AnthropicUsageFetcher{APIKey: key})
		registered = true
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		fetchers.Register(&usage.OpenAIUsageFetcher{APIKey: key})
		registered = true
	}
	if !registered {
		return nil
	}
	return usage.NewUsageCache(fetchers, 5*time.Minute)
}

// delegationTool is the agent.Tool the registry requires to surface an
// agent-as-tool definition's name/description/schema. Its Execute is
// never called: the orchestrator's executingTools intercepts any call
// whose name resolves through ToolRegistry.DelegationAgentID and runs a
// nested Orchestrator.Chat instead of dispatching through the executor.
type delegationTool struct {
	name        string
	description string
}

func (t delegationTool) Name() string        { return t.name }
func (t delegationTool) Description() string { return t.description }
func (t delegationTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {"type": "string", "description": "The task to delegate to this agent."}
		},
		"required": ["task"]
	}`)
}
func (t delegationTool) Execute(context.Context, json.RawMessage) (*agentpkg.ToolResult, error) {
	return nil, fmt.Errorf("delegation tool %q is not directly executable", t.name)
}

// registerAgentDelegations surfaces every configured agent as a callable
// tool named "agent_<id>" so other agents can delegate to it.
func registerAgentDelegations(registry *agentpkg.ToolRegistry, agents map[string]*models.Agent) {
	for id := range agents {
		tool := delegationTool{
			name:        "agent_" + id,
			description: fmt.Sprintf("Delegate a task to the %q agent and return its result.", id),
		}
		if err := registry.RegisterAgentDelegation(tool, id); err != nil {
			slog.Default().Warn("forge: skipping agent delegation tool", "agent", id, "error", err)
		}
	}
}

// startMCP starts the configured MCP servers (if any) and returns the
// manager, or nil if no servers are configured.
func startMCP(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mcp.Manager, error) {
	if len(cfg.MCP) == 0 {
		return nil, nil
	}
	servers := make([]*mcp.ServerConfig, 0, len(cfg.MCP))
	for id, sc := range cfg.MCP {
		entry := sc
		entry.ID = id
		servers = append(servers, &entry)
	}
	mgr := mcp.NewManager(&mcp.Config{Enabled: true, Servers: servers}, logger)
	if err := mgr.Start(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

// buildProviders constructs an LLMProvider for each provider with
// credentials present in the environment, honoring the per-provider
// overrides in forge.yaml's llm.providers section (API-key env var
// name, base URL). Provider selection stays at this outer composition
// root; the core takes its providers by value.
func buildProviders(cfg *config.Config) map[string]agentpkg.LLMProvider {
	out := make(map[string]agentpkg.LLMProvider)
	keyFor := func(provider, conventionalEnv string) string {
		if env := cfg.LLM.Providers[provider].APIKeyEnv; env != "" {
			return os.Getenv(env)
		}
		return os.Getenv(conventionalEnv)
	}

	if key := keyFor("anthropic", "ANTHROPIC_API_KEY"); key != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  key,
			BaseURL: cfg.LLM.Providers["anthropic"].BaseURL,
		})
		if err == nil {
			out["anthropic"] = p
		}
	}
	if key := keyFor("openai", "OPENAI_API_KEY"); key != "" {
		out["openai"] = providers.NewOpenAIProvider(key)
	}
	if region := os.Getenv("AWS_REGION"); region != "" || os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		p, err := providers.NewBedrockProvider(providers.BedrockConfig{
			Region:          region,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		})
		if err == nil {
			out["bedrock"] = p
		}
	}
	if key := keyFor("venice", "VENICE_API_KEY"); key != "" {
		p, err := venice.NewVeniceProvider(venice.VeniceConfig{
			APIKey:  key,
			BaseURL: cfg.LLM.Providers["venice"].BaseURL,
		})
		if err == nil {
			out["venice"] = p
		}
	}

	return out
}

// openRepository opens a sqlite-backed conversation repository at path,
// or an in-memory one when path is empty.
func openRepository(path string) (storage.Repository, error) {
	if strings.TrimSpace(path) == "" {
		return storage.NewMemoryRepository(), nil
	}
	return storage.NewSQLiteRepository(path)
}

// defaultConfig is the fallback workflow used when no forge.yaml is
// discoverable: a single "forge" agent allowed every built-in tool.
func defaultConfig() *config.Config {
	return &config.Config{
		Version:        1,
		DefaultAgentID: "forge",
		Agents: map[string]config.AgentConfig{
			"forge": {
				SystemPromptTemplate: "You are Forge, a careful coding agent. Use attempt_completion when the task is done.",
				AllowedTools: []string{
					"fs_read", "fs_write", "fs_patch", "fs_remove", "fs_undo", "fs_search",
					"shell", "process", "fetch", "web_search",
					"job_status", "job_cancel", "job_list",
					"follow_up", "plan_create", "think",
				},
			},
		},
		Retry: config.RetryPolicyConfig{
			MaxAttempts:  5,
			BaseDelay:    500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			JitterFactor: 0.2,
		},
		Limits: config.LimitsConfig{
			MaxRequestsPerTurn:    50,
			MaxToolFailures:       5,
			ToolTimeout:           2 * time.Minute,
			ShellOutputMaxBytes:   64000,
			FetchResponseMaxBytes: 40000,
		},
		Logging: config.LoggingConfig{Level: "info", Format: "json"},
	}
}
