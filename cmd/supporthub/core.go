package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/nugget/supporthub/internal/agent"
	"github.com/nugget/supporthub/internal/chat"
	"github.com/nugget/supporthub/internal/config"
	"github.com/nugget/supporthub/internal/events"
	"github.com/nugget/supporthub/internal/knowledge"
	"github.com/nugget/supporthub/internal/llm"
	"github.com/nugget/supporthub/internal/session"
	"github.com/nugget/supporthub/internal/tools"
	"github.com/nugget/supporthub/internal/usage"
)

// core holds the components shared by serve and ask: the knowledge
// base, reasoning gateway, session store and chat orchestrator.
type core struct {
	docs     *knowledge.Store
	usage    *usage.Store
	sessions *session.Store
	gateway  *agent.Gateway
	chat     *chat.Service
	bus      *events.Bus
}

// openCore wires the conversation path from cfg. The caller must Close
// the result.
func openCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core, error) {
	c := &core{bus: events.New()}

	// --- Knowledge base ---
	docs, err := knowledge.Open(cfg.Knowledge.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open knowledge base %s: %w", cfg.Knowledge.DBPath, err)
	}
	c.docs = docs
	if cfg.Knowledge.ShouldSeed() {
		n, err := docs.SeedDefaults(ctx)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("seed knowledge base: %w", err)
		}
		if n > 0 {
			logger.Info("knowledge base seeded with starter articles", "count", n)
		}
	}

	registry := tools.NewRegistry()
	registry.Register(&tools.Tool{
		Name:        knowledge.ToolName,
		Description: knowledge.ToolDescription,
		Parameters:  knowledge.ToolDefinition(),
		Handler:     knowledge.ToolHandler(docs, cfg.Knowledge.SearchLimit),
	})

	// --- Reasoning gateway ---
	instructions, err := loadInstructions(cfg.Reasoning.InstructionsFile)
	if err != nil {
		c.Close()
		return nil, err
	}
	gateway, err := agent.NewGateway(createLLMClient(cfg, logger), registry, agent.Config{
		Model:             cfg.Reasoning.Model,
		Instructions:      instructions,
		MaxToolIterations: cfg.Reasoning.MaxToolIterations,
		Timeout:           cfg.Reasoning.Timeout(),
	}, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("reasoning gateway: %w", err)
	}
	gateway.SetEventBus(c.bus)
	c.gateway = gateway

	// --- Sessions and orchestrator ---
	c.sessions = session.NewStore(session.Options{
		MaxSessions: cfg.Sessions.MaxSessions,
		Logger:      logger,
	})
	c.chat = chat.NewService(c.sessions, gateway, logger)
	c.chat.SetEventBus(c.bus)

	// --- Usage ledger ---
	if cfg.Usage.Enabled {
		u, err := usage.NewStore(cfg.Usage.DBPath)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open usage store %s: %w", cfg.Usage.DBPath, err)
		}
		c.usage = u
		c.chat.SetUsage(u, cfg.Reasoning.Provider, cfg.Usage.Pricing)
		logger.Info("usage ledger enabled", "path", cfg.Usage.DBPath, "priced_models", len(cfg.Usage.Pricing))
	}

	return c, nil
}

// Close releases the databases opened by openCore.
func (c *core) Close() error {
	var errs []error
	if c.usage != nil {
		errs = append(errs, c.usage.Close())
	}
	if c.docs != nil {
		errs = append(errs, c.docs.Close())
	}
	return errors.Join(errs...)
}

// createLLMClient builds the client for the configured provider.
// Validate has already rejected unknown providers.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	opts := llm.Options{
		BaseURL:   cfg.Reasoning.BaseURL,
		APIKey:    cfg.Reasoning.APIKey,
		MaxTokens: cfg.Reasoning.MaxTokens,
	}
	logger.Info("reasoning client initialized", "provider", cfg.Reasoning.Provider, "model", cfg.Reasoning.Model)
	if cfg.Reasoning.Provider == "anthropic" {
		return llm.NewAnthropicClient(opts, logger)
	}
	return llm.NewOpenAIClient(opts, logger)
}

// loadInstructions reads the optional system prompt override.
func loadInstructions(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read instructions file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
