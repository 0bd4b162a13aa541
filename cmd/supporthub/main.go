// Supporthub is a conversational customer support backend.
//
// It answers customer questions through a reasoning backend that can
// search a company knowledge base, keeps per-session conversation
// history, and escalates unresolved issues to an append-only ticket log
// with optional MQTT, email and GitHub notifications. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]), with the reasoning endpoint overridable
// from the environment.
//
// Usage:
//
//	supporthub serve              Start the API server
//	supporthub init [dir]         Initialize a working directory with defaults
//	supporthub ask <question>     Ask a single question (for testing)
//	supporthub ingest <file>      Import a markdown or text document into the knowledge base
//	supporthub tickets [-n N]     Show the most recent support tickets
//	supporthub version            Print version and build information
//	supporthub -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/supporthub/internal/api"
	"github.com/nugget/supporthub/internal/buildinfo"
	"github.com/nugget/supporthub/internal/chat"
	"github.com/nugget/supporthub/internal/config"
	"github.com/nugget/supporthub/internal/email"
	"github.com/nugget/supporthub/internal/health"
	"github.com/nugget/supporthub/internal/helpdesk"
	"github.com/nugget/supporthub/internal/httpkit"
	"github.com/nugget/supporthub/internal/knowledge"
	"github.com/nugget/supporthub/internal/mqtt"
	"github.com/nugget/supporthub/internal/ticket"
)

// main only gathers the OS environment and hands it to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; command
// output also goes to stdout and fatal errors are returned to main.
// Arguments are parsed by hand to keep the flag package's globals out
// of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: supporthub ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "ingest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: supporthub ingest <file>")
		}
		return runIngest(ctx, stdout, configPath, cmdArgs[0])
	case "tickets":
		n, err := parseCount(cmdArgs, 10)
		if err != nil {
			return err
		}
		return runTickets(stdout, configPath, n, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// parseCount reads "-n N" from subcommand arguments.
func parseCount(args []string, def int) (int, error) {
	n := def
	for i := 0; i < len(args); i++ {
		var raw string
		switch {
		case args[i] == "-n" && i+1 < len(args):
			raw = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-n="):
			raw = strings.TrimPrefix(args[i], "-n=")
		default:
			return 0, fmt.Errorf("unknown tickets argument: %s", args[i])
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return 0, fmt.Errorf("-n must be a positive integer, got %q", raw)
		}
		n = v
	}
	return n, nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Supporthub - Intelligent Customer Support Backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: supporthub [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the API server")
	fmt.Fprintln(w, "  init [dir]     Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask            Ask a single question (for testing)")
	fmt.Fprintln(w, "  ingest <file>  Import a markdown or text document into the knowledge base")
	fmt.Fprintln(w, "  tickets [-n N] Show the N most recent tickets (default 10)")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/supporthub/config.yaml, /etc/supporthub/config.yaml")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  SUPPORTHUB_BASE_URL, SUPPORTHUB_API_KEY, SUPPORTHUB_MODEL override the reasoning backend")
	return nil
}

// runAsk answers one question through the same orchestrator the server
// uses, without starting the API or any notifier.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	question := strings.Join(args, " ")

	// Logs go to stderr so the answer is the only thing on stdout.
	logger := newLogger(stderr, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	c, err := openCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.chat.ProcessFrom(ctx, chat.ChannelCLI, question, "")
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, res.Reply)
	return nil
}

// runIngest imports one document into the knowledge base. Markdown is
// split into one article per heading; re-ingesting the same file
// replaces its earlier articles.
func runIngest(ctx context.Context, stdout io.Writer, configPath string, filePath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if !knowledge.IsSupported(filePath, "") {
		return fmt.Errorf("unsupported document type %q (expected .md or .txt)", filepath.Ext(filePath))
	}
	content, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("read %s: %w", filePath, err)
	}

	docs, err := knowledge.Open(cfg.Knowledge.DBPath)
	if err != nil {
		return fmt.Errorf("open knowledge base %s: %w", cfg.Knowledge.DBPath, err)
	}
	defer docs.Close()

	abs, err := filepath.Abs(filePath)
	if err != nil {
		abs = filePath
	}
	source := "file:" + abs
	logger.Info("ingesting document", "file", filePath, "source", source)

	count, err := knowledge.NewIngester(docs, "docs").Ingest(ctx, source, "", content)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	logger.Info("ingestion complete", "documents", count, "source", source)
	fmt.Fprintf(stdout, "Successfully ingested %d articles from %s\n", count, filePath)
	return nil
}

// runTickets prints the n newest tickets from the ticket log.
func runTickets(w io.Writer, configPath string, n int, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := ticket.OpenStore(cfg.Tickets.Path, newLogger(io.Discard, slog.LevelError, "text"))
	if err != nil {
		return err
	}
	recent, err := store.Recent(n)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		if recent == nil {
			recent = []ticket.Ticket{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recent)
	}

	if len(recent) == 0 {
		fmt.Fprintln(w, "No tickets.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tPRIORITY\tEMAIL\tMESSAGE")
	for _, t := range recent {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.CreatedAt.Local().Format("2006-01-02 15:04"),
			t.Priority,
			dash(t.UserEmail),
			truncate(firstLine(t.UserMessage), 60),
		)
	}
	return tw.Flush()
}

// runServe is the primary operating mode. It wires every component,
// starts the API server and any configured publisher, and blocks until
// SIGINT or SIGTERM.
//
// Shutdown order:
//  1. the signal cancels ctx
//  2. the HTTP server drains in-flight requests
//  3. pending ticket notifications finish
//  4. the MQTT publisher announces offline and disconnects
//  5. databases close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting supporthub", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Validate has already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Reasoning.Provider,
		"model", cfg.Reasoning.Model,
		"base_url", cfg.Reasoning.BaseURL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := openCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	// --- Ticket store and escalation manager ---
	ticketStore, err := ticket.OpenStore(cfg.Tickets.Path, logger)
	if err != nil {
		return fmt.Errorf("open ticket log: %w", err)
	}
	tickets := ticket.NewManager(ticketStore, logger)
	tickets.SetDefaultPriority(cfg.Tickets.DefaultPriority)
	tickets.SetEventBus(c.bus)
	logger.Info("ticket log opened", "path", ticketStore.Path())

	// --- Notifiers ---
	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		publisher = mqtt.New(cfg.MQTT, mqtt.NewDailyCounters(time.Local), &mqttStatsAdapter{
			model:    cfg.Reasoning.Model,
			sessions: c.sessions,
		}, logger)
		publisher.SetEventBus(c.bus)
		tickets.AddNotifier("mqtt", publisher)
		logger.Info("mqtt publisher configured", "broker", cfg.MQTT.Broker, "topic_prefix", cfg.MQTT.TopicPrefix)
	}
	if cfg.Email.Configured() {
		tickets.AddNotifier("email", email.NewNotifier(cfg.Email, logger))
		logger.Info("email acknowledgements enabled", "smtp_host", cfg.Email.SMTP.Host, "from", cfg.Email.From)
	}
	if cfg.GitHub.Configured() {
		sink, err := helpdesk.NewGitHubSink(httpkit.NewClient(httpkit.WithLogger(logger)), cfg.GitHub, logger)
		if err != nil {
			return fmt.Errorf("github sink: %w", err)
		}
		tickets.AddNotifier("github", sink)
		logger.Info("github issue mirror enabled", "repo", cfg.GitHub.Repo)
	}

	// --- Dependency health ---
	var monitor *health.Monitor
	if !cfg.Health.Disabled {
		monitor = health.NewMonitor(health.Schedule{Poll: cfg.Health.PollInterval()}, logger)
		monitor.SetEventBus(c.bus)
		monitor.Watch(ctx, "reasoning", c.gateway.Ping)
		monitor.Watch(ctx, "knowledge_db", c.docs.Ping)
		defer monitor.Stop()
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, c.chat, tickets, c.sessions, logger)
	server.SetKnowledge(c.docs, knowledge.NewIngester(c.docs, "uploads"), cfg.Knowledge.MaxUploadBytes)
	server.SetEventBus(c.bus)
	server.SetCORSOrigins(cfg.CORSOrigins)
	if c.usage != nil {
		server.SetUsageStore(c.usage)
	}
	if monitor != nil {
		server.SetHealth(monitor)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if publisher != nil {
		g.Go(func() error {
			if err := publisher.Start(gctx); err != nil {
				// The API keeps serving without the broker.
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown incomplete", "error", err)
		}
		tickets.Wait()
		if publisher != nil {
			if err := publisher.Stop(shutdownCtx); err != nil {
				logger.Warn("mqtt disconnect failed", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("supporthub stopped")
	return nil
}

// newLogger creates a structured logger writing to w at level. Format
// is "text" or "json"; anything else falls back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration. An explicit path
// must exist. Without one, a missing file is not an error: defaults plus
// environment overrides are used and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		cfg := config.Default()
		cfg.ApplyEnv(os.LookupEnv)
		return cfg, "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter feeds build info and session counts to the MQTT
// stats document.
type mqttStatsAdapter struct {
	model    string
	sessions interface{ Len() int }
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) Model() string         { return a.model }
func (a *mqttStatsAdapter) ActiveSessions() int   { return a.sessions.Len() }
