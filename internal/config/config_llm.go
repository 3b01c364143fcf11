package config

// LLMConfig tunes provider selection beyond the workflow's single
// default_provider: per-provider connection settings the composition
// root applies when constructing provider clients, and an ordered
// fallback chain the orchestrator walks when the resolved provider
// fails a turn with no retryable error left to spend.
type LLMConfig struct {
	Providers map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain lists provider names tried in order after the
	// resolved provider fails non-retryably or exhausts its retry
	// budget. Names without a constructed provider are skipped.
	FallbackChain []string `yaml:"fallback_chain"`
}

// LLMProviderConfig holds one provider's connection settings.
type LLMProviderConfig struct {
	// APIKeyEnv names the environment variable holding the API key,
	// overriding the provider's conventional variable name.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default endpoint, for proxies
	// and compatible self-hosted gateways.
	BaseURL string `yaml:"base_url"`
}
