package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentcore/agentcore/internal/mcp"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the runtime.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Quota      QuotaConfig      `yaml:"quota"`
	Agents     AgentsConfig     `yaml:"agents"`
	MCP        mcp.Config       `yaml:"mcp"`
	LLM        LLMConfig        `yaml:"llm"`
	Tools      ToolsConfig      `yaml:"tools"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	GRPCPort    int    `yaml:"grpc_port"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
	OAuth       OAuthConfig    `yaml:"oauth"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}

type OAuthConfig struct {
	Google OAuthProviderConfig `yaml:"google"`
	GitHub OAuthProviderConfig `yaml:"github"`
}

type OAuthProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// CheckpointConfig controls the Checkpointer's retention sweep.
type CheckpointConfig struct {
	// Backend selects the checkpoint store: "memory" or "cockroach".
	Backend string `yaml:"backend"`

	// Retention is how long to keep a checkpoint once it falls outside
	// KeepPerThread, regardless of branch. Default: 720h (30 days).
	Retention time.Duration `yaml:"retention"`

	// KeepPerThread is the number of most recent checkpoints per thread that
	// always survive a sweep, irrespective of age. Default: 50.
	KeepPerThread int `yaml:"keep_per_thread"`

	// SweepInterval is how often the retention sweep runs. Default: 1h.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// QuotaConfig sets the default per-capability limits enforced by the
// Quota/Credential Arbiter for users without a custom provider credential.
type QuotaConfig struct {
	// Capabilities maps capability name ("text", "image", "embedding") to its
	// default rolling limit and reset window.
	Capabilities map[string]QuotaCapabilityConfig `yaml:"capabilities"`

	// MonthlyTokenLimit bounds total tokens per user per rolling month.
	// Zero means unlimited.
	MonthlyTokenLimit int64 `yaml:"monthly_token_limit"`
}

// QuotaCapabilityConfig is the default limit and reset window for one capability.
type QuotaCapabilityConfig struct {
	Limit      int64         `yaml:"limit"`
	ResetAfter time.Duration `yaml:"reset_after"`
}

// AgentsConfig holds the default ThreadConfig binding applied when a thread
// doesn't specify an agent_binding override, plus named bindings the
// Dispatcher can resolve a thread against.
type AgentsConfig struct {
	Default  AgentBindingConfig            `yaml:"default"`
	Bindings map[string]AgentBindingConfig `yaml:"bindings"`
}

// AgentBindingConfig mirrors the immutable ThreadConfig binding: the model,
// prompt, and tool surface a thread's turns run against.
type AgentBindingConfig struct {
	SystemPrompt      string               `yaml:"system_prompt"`
	Model             string               `yaml:"model"`
	Temperature       float64              `yaml:"temperature"`
	MaxTokens         int                  `yaml:"max_tokens"`
	MaxIterations     int                  `yaml:"max_iterations"`
	EnabledTools      []string             `yaml:"enabled_tools"`
	EnabledMCPServers []string             `yaml:"enabled_mcp_servers"`
	ContextPruning    ContextPruningConfig `yaml:"context_pruning"`
}

// ContextPruningConfig controls in-memory tool result pruning for a thread's turns.
type ContextPruningConfig struct {
	Mode                 string                  `yaml:"mode"`
	TTL                  *time.Duration          `yaml:"ttl"`
	KeepLastAssistants   *int                    `yaml:"keep_last_assistants"`
	SoftTrimRatio        *float64                `yaml:"soft_trim_ratio"`
	HardClearRatio       *float64                `yaml:"hard_clear_ratio"`
	MinPrunableToolChars *int                    `yaml:"min_prunable_tool_chars"`
	Tools                ContextPruningToolMatch `yaml:"tools"`
	SoftTrim             ContextPruningSoftTrim  `yaml:"soft_trim"`
	HardClear            ContextPruningHardClear `yaml:"hard_clear"`
}

type ContextPruningToolMatch struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type ContextPruningSoftTrim struct {
	MaxChars  *int `yaml:"max_chars"`
	HeadChars *int `yaml:"head_chars"`
	TailChars *int `yaml:"tail_chars"`
}

type ContextPruningHardClear struct {
	Enabled     *bool  `yaml:"enabled"`
	Placeholder string `yaml:"placeholder"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`

	// FallbackChain specifies provider IDs to try if the default provider fails.
	// Providers are tried in order until one succeeds.
	FallbackChain []string `yaml:"fallback_chain"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type ToolsConfig struct {
	Sandbox   SandboxConfig       `yaml:"sandbox"`
	Execution ToolExecutionConfig `yaml:"execution"`
	Elevated  ElevatedConfig      `yaml:"elevated"`
	Jobs      ToolJobsConfig      `yaml:"jobs"`
}

// ToolJobsConfig controls async tool job persistence.
type ToolJobsConfig struct {
	// Retention is how long to keep completed jobs. Default: 24h.
	Retention time.Duration `yaml:"retention"`
	// PruneInterval is how often to prune old jobs. Default: 1h.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// ToolExecutionConfig controls runtime tool execution behavior.
type ToolExecutionConfig struct {
	MaxIterations   int            `yaml:"max_iterations"`
	Parallelism     int            `yaml:"parallelism"`
	Timeout         time.Duration  `yaml:"timeout"`
	MaxAttempts     int            `yaml:"max_attempts"`
	RetryBackoff    time.Duration  `yaml:"retry_backoff"`
	DisableEvents   bool           `yaml:"disable_events"`
	MaxToolCalls    int            `yaml:"max_tool_calls"`
	RequireApproval []string       `yaml:"require_approval"`
	Async           []string       `yaml:"async"`
	Approval        ApprovalConfig `yaml:"approval"`
}

// ApprovalConfig controls tool approval (HITL) behavior for the Tool Invoker.
type ApprovalConfig struct {
	// Profile is a pre-configured tool access level.
	// Valid profiles: "coding", "messaging", "readonly", "full", "minimal".
	Profile string `yaml:"profile"`

	// Allowlist contains tools that are always allowed (no approval needed).
	// Supports patterns like "mcp:*", "read_*", "*" (all).
	Allowlist []string `yaml:"allowlist"`

	// Denylist contains tools that are always denied.
	Denylist []string `yaml:"denylist"`

	// SafeBins are stdin-only tools that are safe to auto-allow.
	SafeBins []string `yaml:"safe_bins"`

	// AskFallback queues approval when the caller is unavailable instead of denying.
	AskFallback *bool `yaml:"ask_fallback"`

	// DefaultDecision when no rule matches: "allowed", "denied", or "pending".
	DefaultDecision string `yaml:"default_decision"`

	// RequestTTL is how long approval requests remain valid.
	RequestTTL time.Duration `yaml:"request_ttl"`
}

// ElevatedConfig controls elevated tool execution behavior and allowlists.
type ElevatedConfig struct {
	// Enabled gates elevated execution. When nil, elevated is disabled by default.
	Enabled *bool `yaml:"enabled"`

	// Tools lists tool patterns that elevated callers can bypass approvals for.
	Tools []string `yaml:"tools"`
}

// SandboxConfig configures the Sandbox Session Manager and its SandboxDriver.
type SandboxConfig struct {
	Enabled        bool           `yaml:"enabled"`
	Backend        string         `yaml:"backend"`
	PoolSize       int            `yaml:"pool_size"`
	MaxPoolSize    int            `yaml:"max_pool_size"`
	Timeout        time.Duration  `yaml:"timeout"`
	NetworkEnabled bool           `yaml:"network_enabled"`
	Limits         ResourceLimits `yaml:"limits"`

	// Policy bounds sandbox lifetime and per-user concurrency.
	Policy SandboxPolicyConfig `yaml:"policy"`
}

type ResourceLimits struct {
	MaxCPU    int    `yaml:"max_cpu"`
	MaxMemory string `yaml:"max_memory"`
}

// SandboxPolicyConfig is the Sandbox Session Manager's eviction/quota policy:
// plain data passed into the manager, opaque to the SandboxDriver it delegates to.
type SandboxPolicyConfig struct {
	// IdleTimeout evicts a sandbox after this much time without activity. Default: 15m.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxDuration evicts a sandbox after this much time regardless of activity. Default: 6h.
	MaxDuration time.Duration `yaml:"max_duration"`

	// MaxPerUser caps concurrent sandboxes per user. Default: 3.
	MaxPerUser int `yaml:"max_per_user"`

	// ReaperInterval is how often the orphan sweep runs. Default: 5m.
	ReaperInterval time.Duration `yaml:"reaper_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)

	// Apply defaults
	applyDefaults(&cfg)

	// Validate config
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyAuthDefaults(&cfg.Auth)
	applyCheckpointDefaults(&cfg.Checkpoint)
	applyQuotaDefaults(&cfg.Quota)
	applyToolsDefaults(cfg)
	applyLLMDefaults(&cfg.LLM)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.GRPCPort == 0 {
		cfg.GRPCPort = 50051
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.TokenExpiry == 0 {
		cfg.TokenExpiry = 24 * time.Hour
	}
}

func applyCheckpointDefaults(cfg *CheckpointConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.Retention == 0 {
		cfg.Retention = 720 * time.Hour
	}
	if cfg.KeepPerThread == 0 {
		cfg.KeepPerThread = 50
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
}

func applyQuotaDefaults(cfg *QuotaConfig) {
	if cfg.Capabilities == nil {
		cfg.Capabilities = map[string]QuotaCapabilityConfig{
			"text":      {Limit: 200, ResetAfter: 24 * time.Hour},
			"image":     {Limit: 20, ResetAfter: 24 * time.Hour},
			"embedding": {Limit: 1000, ResetAfter: 24 * time.Hour},
		}
		return
	}
	for capability, limitCfg := range cfg.Capabilities {
		if limitCfg.ResetAfter == 0 {
			limitCfg.ResetAfter = 24 * time.Hour
			cfg.Capabilities[capability] = limitCfg
		}
	}
}

func applyToolsDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Tools.Jobs.Retention == 0 {
		cfg.Tools.Jobs.Retention = 24 * time.Hour
	}
	if cfg.Tools.Jobs.PruneInterval == 0 {
		cfg.Tools.Jobs.PruneInterval = time.Hour
	}
	applySandboxDefaults(&cfg.Tools.Sandbox)
}

func applySandboxDefaults(cfg *SandboxConfig) {
	if cfg.Backend == "" {
		cfg.Backend = "daytona"
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 4
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 32
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Policy.IdleTimeout == 0 {
		cfg.Policy.IdleTimeout = 15 * time.Minute
	}
	if cfg.Policy.MaxDuration == 0 {
		cfg.Policy.MaxDuration = 6 * time.Hour
	}
	if cfg.Policy.MaxPerUser == 0 {
		cfg.Policy.MaxPerUser = 3
	}
	if cfg.Policy.ReaperInterval == 0 {
		cfg.Policy.ReaperInterval = 5 * time.Minute
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv("AGENTCORE_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_GRPC_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.GRPCPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_HTTP_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_METRICS_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.MetricsPort = parsed
		}
	}

	if value := strings.TrimSpace(os.Getenv("DATABASE_URL")); value != "" {
		cfg.Database.URL = value
	}

	if value := strings.TrimSpace(os.Getenv("JWT_SECRET")); value != "" {
		cfg.Auth.JWTSecret = value
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_JWT_SECRET")); value != "" {
		cfg.Auth.JWTSecret = value
	}
	if value := strings.TrimSpace(os.Getenv("AGENTCORE_TOKEN_EXPIRY")); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			cfg.Auth.TokenExpiry = parsed
		}
	}
}

type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	defaultProvider := strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	if defaultProvider != "" {
		if _, ok := cfg.LLM.Providers[defaultProvider]; !ok {
			if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
				issues = append(issues, fmt.Sprintf("llm.providers missing entry for default_provider %q", cfg.LLM.DefaultProvider))
			}
		}
	}

	seenKeys := map[string]struct{}{}
	for i, entry := range cfg.Auth.APIKeys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].key must be set", i))
			continue
		}
		if _, ok := seenKeys[key]; ok {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].key must be unique", i))
		} else {
			seenKeys[key] = struct{}{}
		}
	}

	// JWT secret validation: require minimum 32 bytes when set
	if jwtSecret := strings.TrimSpace(cfg.Auth.JWTSecret); jwtSecret != "" {
		if len(jwtSecret) < 32 {
			issues = append(issues, "auth.jwt_secret must be at least 32 characters for security")
		}
	}

	if cfg.Checkpoint.KeepPerThread < 0 {
		issues = append(issues, "checkpoint.keep_per_thread must be >= 0")
	}
	if cfg.Checkpoint.Retention < 0 {
		issues = append(issues, "checkpoint.retention must be >= 0")
	}
	if backend := strings.ToLower(strings.TrimSpace(cfg.Checkpoint.Backend)); backend != "" {
		switch backend {
		case "memory", "cockroach":
		default:
			issues = append(issues, "checkpoint.backend must be \"memory\" or \"cockroach\"")
		}
	}

	for capability, limitCfg := range cfg.Quota.Capabilities {
		if limitCfg.Limit < 0 {
			issues = append(issues, fmt.Sprintf("quota.capabilities[%s].limit must be >= 0", capability))
		}
		if limitCfg.ResetAfter < 0 {
			issues = append(issues, fmt.Sprintf("quota.capabilities[%s].reset_after must be >= 0", capability))
		}
	}
	if cfg.Quota.MonthlyTokenLimit < 0 {
		issues = append(issues, "quota.monthly_token_limit must be >= 0")
	}

	if cfg.Tools.Execution.MaxIterations < 0 {
		issues = append(issues, "tools.execution.max_iterations must be >= 0")
	}
	if cfg.Tools.Execution.Parallelism < 0 {
		issues = append(issues, "tools.execution.parallelism must be >= 0")
	}
	if cfg.Tools.Execution.Timeout < 0 {
		issues = append(issues, "tools.execution.timeout must be >= 0")
	}
	if cfg.Tools.Execution.MaxAttempts < 0 {
		issues = append(issues, "tools.execution.max_attempts must be >= 0")
	}
	if cfg.Tools.Execution.RetryBackoff < 0 {
		issues = append(issues, "tools.execution.retry_backoff must be >= 0")
	}
	if cfg.Tools.Execution.MaxToolCalls < 0 {
		issues = append(issues, "tools.execution.max_tool_calls must be >= 0")
	}
	if profile := strings.ToLower(strings.TrimSpace(cfg.Tools.Execution.Approval.Profile)); profile != "" {
		switch profile {
		case "coding", "messaging", "readonly", "full", "minimal":
		default:
			issues = append(issues, "tools.execution.approval.profile must be \"coding\", \"messaging\", \"readonly\", \"full\", or \"minimal\"")
		}
	}
	if decision := strings.ToLower(strings.TrimSpace(cfg.Tools.Execution.Approval.DefaultDecision)); decision != "" {
		switch decision {
		case "allowed", "denied", "pending":
		default:
			issues = append(issues, "tools.execution.approval.default_decision must be \"allowed\", \"denied\", or \"pending\"")
		}
	}

	if cfg.Tools.Sandbox.Policy.MaxPerUser < 0 {
		issues = append(issues, "tools.sandbox.policy.max_per_user must be >= 0")
	}
	if cfg.Tools.Sandbox.Policy.IdleTimeout < 0 {
		issues = append(issues, "tools.sandbox.policy.idle_timeout must be >= 0")
	}
	if cfg.Tools.Sandbox.Policy.MaxDuration < 0 {
		issues = append(issues, "tools.sandbox.policy.max_duration must be >= 0")
	}
	if backend := strings.ToLower(strings.TrimSpace(cfg.Tools.Sandbox.Backend)); backend != "" {
		switch backend {
		case "daytona", "firecracker", "docker":
		default:
			issues = append(issues, "tools.sandbox.backend must be \"daytona\", \"firecracker\", or \"docker\"")
		}
	}

	if pluginIssues := pluginValidationIssues(cfg); len(pluginIssues) > 0 {
		issues = append(issues, pluginIssues...)
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}

	return nil
}
