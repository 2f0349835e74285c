package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/mnemo/internal/agent"
	"github.com/nugget/mnemo/internal/config"
	"github.com/nugget/mnemo/internal/events"
	"github.com/nugget/mnemo/internal/generator"
	"github.com/nugget/mnemo/internal/llm"
	"github.com/nugget/mnemo/internal/memory"
	"github.com/nugget/mnemo/internal/steplog"
	"github.com/nugget/mnemo/internal/todo"
	"github.com/nugget/mnemo/internal/tools"

	_ "modernc.org/sqlite" // pure-Go SQLite driver for the to-do database
)

// app holds every wired component shared by the subcommands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  memory.Store
	todoDB *sql.DB
	todos  *todo.Store
	steps  *steplog.Logger
	bus    *events.Bus
	client *llm.Router
	loop   *agent.Loop
}

// openApp loads configuration and builds the agent with its stores,
// tools and model client. Logs go to logOut.
func openApp(ctx context.Context, logOut io.Writer, configPath string) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	// ParseLogLevel is already validated by config.Validate().
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(logOut, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"store", cfg.Store.Backend,
		"model", cfg.Models.Default,
	)

	a := &app{cfg: cfg, logger: logger, bus: events.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	a.store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Todo.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create todo directory: %w", err)
	}
	a.todoDB, err = sql.Open("sqlite", cfg.Todo.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open todo database: %w", err)
	}
	a.todos, err = todo.NewStore(a.todoDB)
	if err != nil {
		return nil, fmt.Errorf("todo store: %w", err)
	}

	registry, err := tools.NewRegistry(tools.Builtins(a.store, a.todos)...)
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	registry.SetTimeout(cfg.Agent.ToolTimeout())
	registry.SetLogger(logger.With("component", "tools"))

	a.client = createLLMClient(cfg, logger)
	gen, err := generator.New(a.client, cfg.Models.Default, registry.List(), logger)
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	a.steps = steplog.New(a.store, cfg.StepLog.QueueSize, logger)

	a.loop = agent.NewLoop(logger.With("component", "agent"), a.store, gen, registry, a.steps, agent.Config{
		MaxToolLoops: cfg.Agent.MaxToolLoops,
		TurnTimeout:  cfg.Agent.TurnTimeout(),
		ModelTimeout: cfg.Agent.ModelTimeout(),
	})
	a.loop.SetEventBus(a.bus)

	logger.Info("agent ready", "tools", registry.Names(), "max_tool_loops", cfg.Agent.MaxToolLoops)
	ok = true
	return a, nil
}

// Close drains queued log steps and closes the stores. Steps are
// flushed before the memory store closes so none are lost.
func (a *app) Close() {
	if a.steps != nil {
		a.steps.Close()
	}
	if a.todoDB != nil {
		if err := a.todoDB.Close(); err != nil {
			a.logger.Warn("close todo database", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close memory store", "error", err)
		}
	}
}

// openStore opens the configured memory backend, optionally behind the
// fact cache.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (memory.Store, error) {
	var store memory.Store
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory store; conversations are lost on exit")
		store = memory.NewMemStore()
	case config.BackendFirestore:
		fs, err := memory.NewFirestoreStore(ctx, cfg.Store.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("open firestore store: %w", err)
		}
		store = fs
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		s, err := memory.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		store = s
	}

	if !cfg.Store.CacheFacts {
		return store, nil
	}
	cached, err := memory.NewCachedStore(store, cfg.Store.CacheMaxFacts)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("fact cache: %w", err)
	}
	logger.Info("fact cache enabled", "max_facts", cfg.Store.CacheMaxFacts)
	return cached, nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// createLLMClient builds a provider router from the configuration.
// Models not claimed by a provider fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.Router {
	router := llm.NewRouter("ollama")

	claims := make(map[string][]string)
	// Model providers are already defaulted to "ollama" by applyDefaults.
	for _, m := range cfg.Models.Available {
		claims[m.Provider] = append(claims[m.Provider], m.Name)
	}

	router.Register("ollama", llm.NewOllamaClient(cfg.Models.OllamaURL, logger), claims["ollama"]...)

	if cfg.Anthropic.Configured() {
		anthropicClient := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)
		for _, name := range claims["anthropic"] {
			anthropicClient.SetMaxTokens(name, cfg.MaxTokensFor(name))
		}
		router.Register("anthropic", anthropicClient, claims["anthropic"]...)
		logger.Info("Anthropic provider configured")
	}

	provider, _, err := router.Route(cfg.Models.Default)
	if err != nil {
		logger.Warn("default model has no provider", "model", cfg.Models.Default, "error", err)
	}
	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", provider)
	return router
}
