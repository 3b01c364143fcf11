package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antinomyhq/forge/internal/mcp"
	"github.com/antinomyhq/forge/pkg/models"
)

// WorkflowFileName is the workflow config file LoadWorkflow walks from the
// working directory up to $HOME looking for.
const WorkflowFileName = "forge.yaml"

// Config is the root of a loaded forge.yaml workflow document: agent
// definitions, the default model/provider, retry policy, resource limits,
// MCP servers, and the ambient logging/tracing knobs.
type Config struct {
	Version int `yaml:"version"`

	DefaultAgentID  string `yaml:"default_agent_id"`
	DefaultProvider string `yaml:"default_provider"`
	DefaultModel    string `yaml:"default_model"`

	Agents map[string]AgentConfig `yaml:"agents"`

	LLM LLMConfig `yaml:"llm"`

	Retry      RetryPolicyConfig `yaml:"retry"`
	Compaction CompactionConfig  `yaml:"compaction"`
	Limits     LimitsConfig      `yaml:"limits"`

	// AuthMessage, when non-empty, is surfaced by the transform pipeline's
	// auth-system-message step as a prepended identity line.
	AuthMessage string `yaml:"auth_message"`

	MCP map[string]mcp.ServerConfig `yaml:"mcp"`

	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Metadata map[string]string `yaml:"metadata"`
}

// AgentConfig is the on-disk shape of one agent entry under Config.Agents.
type AgentConfig struct {
	SystemPromptTemplate string                       `yaml:"system_prompt"`
	UserPromptTemplate   string                       `yaml:"user_prompt"`
	AllowedTools         []string                     `yaml:"allowed_tools"`
	Model                string                       `yaml:"model"`
	Provider             string                       `yaml:"provider"`
	CustomRules          []string                     `yaml:"custom_rules"`
	Hooks                map[string]HookBindingConfig `yaml:"hooks"`
	Metadata             map[string]any               `yaml:"metadata"`
}

// HookBindingConfig is the on-disk shape of one agent hook binding.
type HookBindingConfig struct {
	Command string        `yaml:"command"`
	AgentID string        `yaml:"agent_id"`
	Timeout time.Duration `yaml:"timeout"`
}

// RetryPolicyConfig is the on-disk shape of models.RetryPolicy.
type RetryPolicyConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	JitterFactor float64       `yaml:"jitter_factor"`
}

// CompactionConfig is the on-disk shape of models.CompactionConfig.
type CompactionConfig struct {
	RetentionWindow  int    `yaml:"retention_window"`
	TokenThreshold   int64  `yaml:"token_threshold"`
	MessageThreshold int    `yaml:"message_threshold"`
	SummaryTemplate  string `yaml:"summary_template"`
}

// LimitsConfig is the on-disk shape of models.WorkflowLimits.
type LimitsConfig struct {
	MaxRequestsPerTurn    int           `yaml:"max_requests_per_turn"`
	MaxToolFailures       int           `yaml:"max_tool_failures"`
	ToolTimeout           time.Duration `yaml:"tool_timeout"`
	ShellOutputMaxBytes   int           `yaml:"shell_output_max_bytes"`
	FetchResponseMaxBytes int           `yaml:"fetch_response_max_bytes"`
}

// LoggingConfig configures the ambient structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig configures the ambient OpenTelemetry tracer.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	Endpoint       string  `yaml:"endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
}

// defaultLimits ships usable defaults rather than requiring every
// field in forge.yaml.
func defaultLimits() LimitsConfig {
	return LimitsConfig{
		MaxRequestsPerTurn:    50,
		MaxToolFailures:       5,
		ToolTimeout:           2 * time.Minute,
		ShellOutputMaxBytes:   64000,
		FetchResponseMaxBytes: 40000,
	}
}

func defaultRetry() RetryPolicyConfig {
	return RetryPolicyConfig{
		MaxAttempts:  5,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.2,
	}
}

// Load discovers forge.yaml by walking from dir upward to $HOME (inclusive),
// returning the first match, resolves its $include directives, and decodes
// it into a Config with defaults applied.
func Load(dir string) (*Config, error) {
	path, err := discover(dir)
	if err != nil {
		return nil, err
	}
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// discover walks from dir up to (and including) $HOME looking for
// forge.yaml.
func discover(dir string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	cur, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(cur, WorkflowFileName)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
		if home != "" && cur == home {
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	return "", fmt.Errorf("%s not found between %s and %s", WorkflowFileName, dir, home)
}

func applyDefaults(cfg *Config) {
	if cfg.Limits.MaxRequestsPerTurn == 0 && cfg.Limits.MaxToolFailures == 0 && cfg.Limits.ToolTimeout == 0 {
		cfg.Limits = defaultLimits()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = defaultRetry()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// ToWorkflow converts a loaded Config into the runtime shapes the
// orchestrator and tool registry consume: a WorkflowConfigSnapshot plus the
// set of configured agents.
func (c *Config) ToWorkflow() (models.WorkflowConfigSnapshot, map[string]*models.Agent) {
	agents := make(map[string]*models.Agent, len(c.Agents))
	now := time.Time{}
	for id, a := range c.Agents {
		hooks := make(map[string]models.HookBinding, len(a.Hooks))
		for point, h := range a.Hooks {
			hooks[point] = models.HookBinding{
				Command: h.Command,
				AgentID: h.AgentID,
				Timeout: h.Timeout,
			}
		}
		agents[id] = &models.Agent{
			ID:                   id,
			SystemPromptTemplate: a.SystemPromptTemplate,
			UserPromptTemplate:   a.UserPromptTemplate,
			AllowedTools:         a.AllowedTools,
			Model:                a.Model,
			Provider:             a.Provider,
			CustomRules:          a.CustomRules,
			Hooks:                hooks,
			Metadata:             a.Metadata,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
	}

	snapshotAgents := make(map[string]models.Agent, len(agents))
	for id, a := range agents {
		snapshotAgents[id] = *a
	}

	snapshot := models.WorkflowConfigSnapshot{
		DefaultAgentID: c.DefaultAgentID,
		Agents:         snapshotAgents,
		Compaction: models.CompactionConfig{
			RetentionWindow:  c.Compaction.RetentionWindow,
			TokenThreshold:   c.Compaction.TokenThreshold,
			MessageThreshold: c.Compaction.MessageThreshold,
			SummaryTemplate:  c.Compaction.SummaryTemplate,
		},
		RetryPolicy: models.RetryPolicy{
			MaxAttempts:  c.Retry.MaxAttempts,
			BaseDelay:    c.Retry.BaseDelay,
			MaxDelay:     c.Retry.MaxDelay,
			JitterFactor: c.Retry.JitterFactor,
		},
		Limits: models.WorkflowLimits{
			MaxRequestsPerTurn:    c.Limits.MaxRequestsPerTurn,
			MaxToolFailures:       c.Limits.MaxToolFailures,
			ToolTimeout:           c.Limits.ToolTimeout,
			ShellOutputMaxBytes:   c.Limits.ShellOutputMaxBytes,
			FetchResponseMaxBytes: c.Limits.FetchResponseMaxBytes,
		},
		AuthMessage:       c.AuthMessage,
		Metadata:          withWorkflowDefaults(c.Metadata, c.DefaultProvider, c.DefaultModel),
		ProviderFallbacks: c.LLM.FallbackChain,
	}

	return snapshot, agents
}

// Metadata keys the orchestrator reads back off a WorkflowConfigSnapshot to
// recover the workflow-level default provider/model for agents that don't
// override either, since models.WorkflowConfigSnapshot has no dedicated
// fields for them.
const (
	MetaDefaultProvider = "forge_default_provider"
	MetaDefaultModel    = "forge_default_model"
)

func withWorkflowDefaults(base map[string]string, defaultProvider, defaultModel string) map[string]string {
	out := make(map[string]string, len(base)+2)
	for k, v := range base {
		out[k] = v
	}
	if defaultProvider != "" {
		out[MetaDefaultProvider] = defaultProvider
	}
	if defaultModel != "" {
		out[MetaDefaultModel] = defaultModel
	}
	return out
}
