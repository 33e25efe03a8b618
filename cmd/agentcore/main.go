// Package main provides the CLI entry point for the agentcore runtime.
//
// agentcore wires the Turn Dispatcher, Checkpointer, LLM Key/Quota Arbiter,
// and Tool Invoker/Sandbox Session Manager into a single process driven by a
// configured set of LLM providers. The gRPC/HTTP transport layer and request
// routing are deliberately out of scope here: this binary brings the core
// up and keeps it running behind a signal-driven graceful shutdown, ready
// for an external transport to drive it through the Dispatcher's Go API.
//
// # Basic Usage
//
// Start the core:
//
//	agentcore serve --config agentcore.yaml
//
// Manage database migrations:
//
//	agentcore migrate up
//	agentcore migrate status
//
// # Environment Variables
//
//   - AGENTCORE_CONFIG: path to the configuration file (default: agentcore.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY: LLM provider keys,
//     used when the corresponding section of the config file omits api_key
//   - AGENTCORE_CREDENTIAL_KEY: 32-byte key (hex or raw) used to encrypt
//     stored per-user provider credentials at rest
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcore/agentcore/internal/agent"
	"github.com/agentcore/agentcore/internal/agent/providers"
	"github.com/agentcore/agentcore/internal/agent/routing"
	"github.com/agentcore/agentcore/internal/checkpoint"
	"github.com/agentcore/agentcore/internal/config"
	"github.com/agentcore/agentcore/internal/dispatcher"
	"github.com/agentcore/agentcore/internal/jobs"
	"github.com/agentcore/agentcore/internal/observability"
	"github.com/agentcore/agentcore/internal/quota"
	"github.com/agentcore/agentcore/internal/sessions"
	"github.com/agentcore/agentcore/internal/tools/sandbox"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentcore",
		Short: "agentcore - Turn-based agent runtime core",
		Long: `agentcore accepts turns against a conversation thread, runs them through a
configured LLM provider and tool set, and checkpoints state on every
human-in-the-loop interrupt so a turn can be resumed later.

Supported LLM providers: Anthropic, OpenAI, Google, Azure OpenAI, AWS
Bedrock, OpenRouter, Ollama, GitHub Copilot proxy
Durable storage: CockroachDB (falls back to in-memory stores when no
database URL is configured)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)

	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("AGENTCORE_CONFIG")); env != "" {
		return env
	}
	return "agentcore.yaml"
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	if cfg == nil || strings.TrimSpace(cfg.Database.URL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Database.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxConnections)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bring up the agentcore runtime",
		Long: `Bring up the agentcore runtime with all configured LLM providers and tools.

The process will:
1. Load configuration from the specified file (or agentcore.yaml)
2. Open the configured durable stores (sessions, checkpoints, quota ledger,
   async tool jobs), or fall back to in-memory stores when no database URL
   is configured
3. Construct the configured LLM providers behind a routing layer
4. Start the Sandbox Session Manager's reaper and the Checkpointer's
   retention sweep
5. Hold the process open for an external transport to drive the Turn
   Dispatcher, until a shutdown signal arrives

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  agentcore serve

  # Start with custom config
  agentcore serve --config /etc/agentcore/production.yaml

  # Start with debug logging
  agentcore serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

// coreComponents holds every long-lived component runServe constructs, so
// shutdown can close them in reverse order.
type coreComponents struct {
	db            *sql.DB
	dispatcher    *dispatcher.Dispatcher
	checkptCancel context.CancelFunc
	sandboxCancel context.CancelFunc
	jobsCancel    context.CancelFunc
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := "info"
	if debug {
		level = "debug"
	}
	log := observability.NewLogger(observability.LogConfig{Level: level, Format: "json"})
	log.Info(ctx, "starting agentcore", "version", version, "commit", commit, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log.Info(ctx, "configuration loaded",
		"grpc_port", cfg.Server.GRPCPort,
		"http_port", cfg.Server.HTTPPort,
		"llm_default_provider", cfg.LLM.DefaultProvider,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	components, err := buildCoreComponents(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build core components: %w", err)
	}

	log.Info(ctx, "agentcore runtime started",
		"grpc_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort),
		"http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
	)

	<-ctx.Done()
	log.Info(context.Background(), "shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	shutdownCoreComponents(shutdownCtx, components, log)

	log.Info(context.Background(), "agentcore runtime stopped gracefully")
	return nil
}

// buildCoreComponents wires the durable stores, LLM providers, and the
// Dispatcher together from cfg. When cfg.Database.URL is empty it falls
// back to in-memory stores, which is the expected local/dev path since
// the spec treats the database as an external collaborator, not a
// hard dependency of the core.
func buildCoreComponents(ctx context.Context, cfg *config.Config, log *observability.Logger) (*coreComponents, error) {
	components := &coreComponents{}

	sessionStore, checkptStore, jobStore, quotaStore, credStore, db, err := buildStores(cfg, log)
	if err != nil {
		return nil, err
	}
	components.db = db

	cipher, err := buildCredentialCipher()
	if err != nil {
		return nil, err
	}

	arbiter := quota.NewArbiter(credStore, quotaStore, cipher, cfg.LLM, cfg.Quota)

	provider, err := buildProviderRouter(cfg)
	if err != nil {
		return nil, err
	}

	var sandboxMgr *sandbox.SandboxSessionManager
	if cfg.Tools.Sandbox.Enabled {
		mgr, sandboxCancel, err := buildSandboxManager(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		sandboxMgr = mgr
		components.sandboxCancel = sandboxCancel
	}

	runtime := agent.NewAgenticRuntime(provider, sessionStore, agent.DefaultLoopConfig())

	components.dispatcher = dispatcher.New(sessionStore, checkptStore, arbiter, sandboxMgr, runtime, cfg.Agents, jobStore)

	checkptCtx, checkptCancel := context.WithCancel(ctx)
	components.checkptCancel = checkptCancel
	retention := checkpoint.RetentionConfig{
		RetentionWindow: cfg.Checkpoint.Retention,
		KeepPerThread:   cfg.Checkpoint.KeepPerThread,
		SweepInterval:   cfg.Checkpoint.SweepInterval,
	}
	reaper := checkpoint.NewReaper(checkptStore, retention, func(evicted int64, err error) {
		if err != nil {
			log.Error(checkptCtx, "checkpoint retention sweep failed", "error", err)
			return
		}
		if evicted > 0 {
			log.Info(checkptCtx, "checkpoint retention sweep complete", "evicted", evicted)
		}
	})
	go reaper.Run(checkptCtx)

	if cfg.Tools.Jobs.PruneInterval > 0 {
		jobsCtx, jobsCancel := context.WithCancel(ctx)
		components.jobsCancel = jobsCancel
		go runJobsPruner(jobsCtx, jobStore, cfg.Tools.Jobs, log)
	}

	return components, nil
}

func buildStores(cfg *config.Config, log *observability.Logger) (
	sessions.Store, checkpoint.Store, jobs.Store, quota.QuotaRepository, quota.CredentialRepository, *sql.DB, error,
) {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		log.Warn(context.Background(), "no database url configured, using in-memory stores (state does not survive a restart)")
		return sessions.NewMemoryStore(), checkpoint.NewMemoryStore(), jobs.NewMemoryStore(),
			quota.NewMemoryQuotaRepository(), quota.NewMemoryCredentialRepository(), nil, nil
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	sessionCfg := sessions.DefaultCockroachConfig()
	if cfg.Database.MaxConnections > 0 {
		sessionCfg.MaxOpenConns = cfg.Database.MaxConnections
	}
	sessionStore, err := sessions.NewCockroachStoreFromDSN(cfg.Database.URL, sessionCfg)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("open session store: %w", err)
	}

	checkptStore, err := checkpoint.NewCockroachStoreFromDSN(cfg.Database.URL, checkpoint.DefaultCockroachConfig())
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	jobStore, err := jobs.NewCockroachStoreFromDSN(cfg.Database.URL, jobs.DefaultCockroachConfig())
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("open jobs store: %w", err)
	}

	cipher, err := buildCredentialCipher()
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	quotaStore, err := quota.NewCockroachStoreFromDSN(cfg.Database.URL, quota.DefaultCockroachConfig(), cipher)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, fmt.Errorf("open quota store: %w", err)
	}

	// quotaStore implements both QuotaRepository and CredentialRepository.
	return sessionStore, checkptStore, jobStore, quotaStore, quotaStore, db, nil
}

// buildCredentialCipher builds the AES-256-GCM cipher used to encrypt
// per-user provider credentials at rest. Returns a nil cipher (credentials
// stored as given) when AGENTCORE_CREDENTIAL_KEY is unset, which is only
// safe for local/dev use.
func buildCredentialCipher() (quota.KeyCipher, error) {
	raw := strings.TrimSpace(os.Getenv("AGENTCORE_CREDENTIAL_KEY"))
	if raw == "" {
		return nil, nil
	}
	key := []byte(raw)
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == 32 {
		key = decoded
	}
	cipher, err := quota.NewAESGCMCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build credential cipher: %w", err)
	}
	return cipher, nil
}

// buildProviderRouter constructs every LLM provider named in cfg.LLM.Providers
// and wraps them behind a routing.Router so the Dispatcher always has a
// single agent.LLMProvider to hand the Engine, regardless of how many
// backends are configured.
func buildProviderRouter(cfg *config.Config) (agent.LLMProvider, error) {
	built := make(map[string]agent.LLMProvider, len(cfg.LLM.Providers))
	for name, pc := range cfg.LLM.Providers {
		provider, err := buildProvider(name, pc)
		if err != nil {
			return nil, fmt.Errorf("build provider %q: %w", name, err)
		}
		if provider != nil {
			built[name] = provider
		}
	}
	if len(built) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	routerCfg := routing.Config{
		DefaultProvider: cfg.LLM.DefaultProvider,
	}
	for _, name := range cfg.LLM.FallbackChain {
		if target, ok := built[name]; ok {
			routerCfg.Fallback = routing.Target{Provider: name, Model: firstModel(target)}
			break
		}
	}
	return routing.NewRouter(routerCfg, built), nil
}

func firstModel(p agent.LLMProvider) string {
	if models := p.Models(); len(models) > 0 {
		return models[0].ID
	}
	return ""
}

func buildProvider(name string, pc config.LLMProviderConfig) (agent.LLMProvider, error) {
	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       orEnv(pc.APIKey, "ANTHROPIC_API_KEY"),
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	case "openai":
		return providers.NewOpenAIProvider(orEnv(pc.APIKey, "OPENAI_API_KEY")), nil
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey: orEnv(pc.APIKey, "GOOGLE_API_KEY"),
		})
	case "azure":
		return providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			Endpoint:     pc.BaseURL,
			APIKey:       pc.APIKey,
			DefaultModel: pc.DefaultModel,
		})
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			DefaultModel: pc.DefaultModel,
		})
	case "openrouter":
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       orEnv(pc.APIKey, "OPENROUTER_API_KEY"),
			DefaultModel: pc.DefaultModel,
		})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		}), nil
	case "copilot_proxy":
		return providers.NewCopilotProxyProvider(providers.CopilotProxyConfig{
			BaseURL: pc.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func orEnv(configured, envVar string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	return os.Getenv(envVar)
}

func buildSandboxManager(ctx context.Context, cfg *config.Config, log *observability.Logger) (*sandbox.SandboxSessionManager, context.CancelFunc, error) {
	sc := cfg.Tools.Sandbox
	backend := sandbox.BackendDocker
	switch sc.Backend {
	case string(sandbox.BackendFirecracker):
		backend = sandbox.BackendFirecracker
	case string(sandbox.BackendDaytona):
		backend = sandbox.BackendDaytona
	}

	pool, err := sandbox.NewPool(&sandbox.Config{
		Backend:        backend,
		PoolSize:       sc.PoolSize,
		MaxPoolSize:    sc.MaxPoolSize,
		DefaultTimeout: sc.Timeout,
		DefaultCPU:     sc.Limits.MaxCPU,
		NetworkEnabled: sc.NetworkEnabled,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build sandbox pool: %w", err)
	}

	driver := sandbox.NewPoolDriver(pool, "")
	mgr := sandbox.NewSandboxSessionManager(driver, sc.Policy)

	reaperCtx, cancel := context.WithCancel(ctx)
	reaper := sandbox.NewReaper(mgr, sc.Policy.ReaperInterval, func(reclaimed int, err error) {
		if err != nil {
			log.Error(reaperCtx, "sandbox orphan reclaim failed", "error", err)
			return
		}
		if reclaimed > 0 {
			log.Info(reaperCtx, "sandbox orphans reclaimed", "count", reclaimed)
		}
	})
	go reaper.Run(reaperCtx)

	return mgr, cancel, nil
}

func runJobsPruner(ctx context.Context, store jobs.Store, cfg config.ToolJobsConfig, log *observability.Logger) {
	interval := cfg.PruneInterval
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := store.Prune(ctx, retention)
			if err != nil {
				log.Error(ctx, "job prune failed", "error", err)
				continue
			}
			if pruned > 0 {
				log.Info(ctx, "pruned completed jobs", "count", pruned)
			}
		}
	}
}

func shutdownCoreComponents(ctx context.Context, c *coreComponents, log *observability.Logger) {
	if c.sandboxCancel != nil {
		c.sandboxCancel()
	}
	if c.jobsCancel != nil {
		c.jobsCancel()
	}
	if c.checkptCancel != nil {
		c.checkptCancel()
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			log.Error(ctx, "failed to close database", "error", err)
		}
	}
}

// buildMigrateCmd creates the "migrate" command group for database migrations.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateDownCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run pending migrations",
		Long: `Apply all pending database migrations.

This connects to the database specified in your config and applies any
migrations that haven't been run yet, in order.`,
		Example: `  # Apply all pending migrations
  agentcore migrate up

  # Apply only the next 2 migrations
  agentcore migrate up --steps 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator, err := sessions.NewMigrator(db)
			if err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			applied, err := migrator.Up(cmd.Context(), steps)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				slog.Info("no pending migrations")
				return nil
			}
			for _, id := range applied {
				slog.Info("applied migration", "id", id)
			}
			slog.Info("migrations completed successfully")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var (
		configPath string
		steps      int
	)
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator, err := sessions.NewMigrator(db)
			if err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			reverted, err := migrator.Down(cmd.Context(), steps)
			if err != nil {
				return err
			}
			for _, id := range reverted {
				slog.Info("reverted migration", "id", id)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator, err := sessions.NewMigrator(db)
			if err != nil {
				return fmt.Errorf("failed to initialize migrator: %w", err)
			}
			applied, pending, err := migrator.Status(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range applied {
				fmt.Printf("applied  %s  %s\n", m.ID, m.AppliedAt.Format(time.RFC3339))
			}
			for _, m := range pending {
				fmt.Printf("pending  %s\n", m.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	return cmd
}
