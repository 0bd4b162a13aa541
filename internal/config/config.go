// Package config handles supporthub configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/supporthub/config.yaml, /etc/supporthub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "supporthub", "config.yaml"))
	}

	paths = append(paths, "/etc/supporthub/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Environment variables that override the reasoning backend settings.
// The unprefixed names are accepted for compatibility with deployments
// that predate the SUPPORTHUB_ prefix.
var (
	envBaseURL = []string{"SUPPORTHUB_BASE_URL", "BASE_URL"}
	envAPIKey  = []string{"SUPPORTHUB_API_KEY", "API_KEY"}
	envModel   = []string{"SUPPORTHUB_MODEL", "MODEL_NAME"}
)

// Config holds all supporthub configuration.
type Config struct {
	Listen      ListenConfig    `yaml:"listen"`
	Reasoning   ReasoningConfig `yaml:"reasoning"`
	Sessions    SessionsConfig  `yaml:"sessions"`
	Tickets     TicketsConfig   `yaml:"tickets"`
	Knowledge   KnowledgeConfig `yaml:"knowledge"`
	Usage       UsageConfig     `yaml:"usage"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	Email       EmailConfig     `yaml:"email"`
	GitHub      GitHubConfig    `yaml:"github"`
	Health      HealthConfig    `yaml:"health"`
	DataDir     string          `yaml:"data_dir"`
	LogLevel    string          `yaml:"log_level"`
	LogFormat   string          `yaml:"log_format"` // text (default) or json
	CORSOrigins []string        `yaml:"cors_origins"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ReasoningConfig defines the reasoning backend the chat agent talks to.
// BaseURL, APIKey and Model are all required; the process refuses to
// start without them.
type ReasoningConfig struct {
	// Provider selects the wire protocol: "openai" (any OpenAI-compatible
	// chat completions endpoint, the default) or "anthropic".
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`

	// TimeoutSec bounds a single reasoning call, including every tool
	// round trip inside it. Default 60.
	TimeoutSec int `yaml:"timeout_sec"`

	// MaxToolIterations caps model/tool round trips per message. Default 5.
	MaxToolIterations int `yaml:"max_tool_iterations"`

	// MaxTokens caps the reply length. Default 1024.
	MaxTokens int `yaml:"max_tokens"`

	// InstructionsFile optionally replaces the built-in agent instructions.
	InstructionsFile string `yaml:"instructions_file"`
}

// Timeout returns the reasoning deadline as a duration.
func (r ReasoningConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSec) * time.Second
}

// SessionsConfig bounds the in-memory session store.
type SessionsConfig struct {
	// MaxSessions caps the number of retained conversations. Zero keeps
	// every session for the life of the process. When set, the least
	// recently used idle session is evicted.
	MaxSessions int `yaml:"max_sessions"`
}

// TicketsConfig locates the append-only ticket log.
type TicketsConfig struct {
	// Path is the JSON Lines file. Default: <data_dir>/support_tickets.jsonl.
	Path string `yaml:"path"`
	// DefaultPriority applies when a request omits priority. Default "medium".
	DefaultPriority string `yaml:"default_priority"`
}

// KnowledgeConfig defines the knowledge base store.
type KnowledgeConfig struct {
	// DBPath is the SQLite database. Default: <data_dir>/knowledge.db.
	DBPath string `yaml:"db_path"`
	// SeedDefaults loads the starter articles into an empty knowledge base.
	SeedDefaults *bool `yaml:"seed_defaults"`
	// SearchLimit is the maximum number of articles returned to the agent
	// per lookup. Default 3.
	SearchLimit int `yaml:"search_limit"`
	// MaxUploadBytes caps /upload-document bodies. Default 10 MiB.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// ShouldSeed reports whether starter articles should be loaded.
func (k KnowledgeConfig) ShouldSeed() bool {
	return k.SeedDefaults == nil || *k.SeedDefaults
}

// UsageConfig defines the token usage ledger.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"` // Default: <data_dir>/usage.db
	// Pricing maps model name to per-million token prices in USD.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// MQTTConfig defines the optional broker that receives ticket events.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883, mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // Default: supporthub
	ClientID    string `yaml:"client_id"`    // Default: supporthub-<hostname>
	// PublishIntervalSec is how often the stats topic is refreshed.
	// Default 60.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// EmailConfig defines outbound SMTP for ticket acknowledgements.
type EmailConfig struct {
	From string     `yaml:"from"`
	SMTP SMTPConfig `yaml:"smtp"`
	// Bcc receives a blind copy of every acknowledgement, typically the
	// support team inbox.
	Bcc []string `yaml:"bcc"`
}

// SMTPConfig holds SMTP server connection settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // Default 587
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// StartTLS upgrades a plain connection (port 587). When false the
	// connection uses implicit TLS (port 465).
	StartTLS *bool `yaml:"starttls"`
}

// UseStartTLS reports whether STARTTLS is used (the default).
func (s SMTPConfig) UseStartTLS() bool {
	return s.StartTLS == nil || *s.StartTLS
}

// Configured reports whether acknowledgement email is enabled.
func (e EmailConfig) Configured() bool {
	return e.SMTP.Host != "" && e.From != ""
}

// GitHubConfig mirrors created tickets into GitHub issues.
type GitHubConfig struct {
	Token   string   `yaml:"token"`
	Repo    string   `yaml:"repo"`     // owner/name
	BaseURL string   `yaml:"base_url"` // GitHub Enterprise API URL; empty for github.com
	Labels  []string `yaml:"labels"`
}

// Configured reports whether the GitHub mirror is enabled.
func (g GitHubConfig) Configured() bool {
	return g.Token != "" && g.Repo != ""
}

// HealthConfig controls dependency probing for /health.
type HealthConfig struct {
	// PollIntervalSec is how often reachable dependencies are probed.
	// Probing the reasoning backend may cost a request. Default 300.
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// Disabled turns dependency probing off.
	Disabled bool `yaml:"disabled"`
}

// PollInterval returns the probe interval as a duration.
func (h HealthConfig) PollInterval() time.Duration {
	return time.Duration(h.PollIntervalSec) * time.Second
}

// Load reads configuration from a YAML file, expands ${VAR} references,
// applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// reasoning backend. Callers must supply one (usually via ApplyEnv)
// before Validate will pass.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// ApplyEnv overrides reasoning settings from the environment. lookup is
// normally os.LookupEnv; tests pass a map-backed function.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	first := func(names []string) (string, bool) {
		for _, n := range names {
			if v, ok := lookup(n); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}
	if v, ok := first(envBaseURL); ok {
		c.Reasoning.BaseURL = v
	}
	if v, ok := first(envAPIKey); ok {
		c.Reasoning.APIKey = v
	}
	if v, ok := first(envModel); ok {
		c.Reasoning.Model = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Reasoning.Provider == "" {
		c.Reasoning.Provider = "openai"
	}
	if c.Reasoning.TimeoutSec == 0 {
		c.Reasoning.TimeoutSec = 60
	}
	if c.Reasoning.MaxToolIterations == 0 {
		c.Reasoning.MaxToolIterations = 5
	}
	if c.Reasoning.MaxTokens == 0 {
		c.Reasoning.MaxTokens = 1024
	}
	if c.Tickets.Path == "" {
		c.Tickets.Path = filepath.Join(c.DataDir, "support_tickets.jsonl")
	}
	if c.Tickets.DefaultPriority == "" {
		c.Tickets.DefaultPriority = "medium"
	}
	if c.Knowledge.DBPath == "" {
		c.Knowledge.DBPath = filepath.Join(c.DataDir, "knowledge.db")
	}
	if c.Knowledge.SearchLimit == 0 {
		c.Knowledge.SearchLimit = 3
	}
	if c.Knowledge.MaxUploadBytes == 0 {
		c.Knowledge.MaxUploadBytes = 10 << 20
	}
	if c.Usage.DBPath == "" {
		c.Usage.DBPath = filepath.Join(c.DataDir, "usage.db")
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "supporthub"
	}
	if c.MQTT.ClientID == "" {
		host, _ := os.Hostname()
		c.MQTT.ClientID = "supporthub-" + host
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.Email.SMTP.Port == 0 {
		c.Email.SMTP.Port = 587
	}
	if c.Health.PollIntervalSec == 0 {
		c.Health.PollIntervalSec = 300
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
}

// Validate checks that the configuration can start a server. Missing
// reasoning endpoint, credential, or model are reported together so the
// operator can fix them in one pass.
func (c *Config) Validate() error {
	var errs []error

	if c.Reasoning.BaseURL == "" {
		errs = append(errs, errors.New("reasoning.base_url is required (or set SUPPORTHUB_BASE_URL)"))
	}
	if c.Reasoning.APIKey == "" {
		errs = append(errs, errors.New("reasoning.api_key is required (or set SUPPORTHUB_API_KEY)"))
	}
	if c.Reasoning.Model == "" {
		errs = append(errs, errors.New("reasoning.model is required (or set SUPPORTHUB_MODEL)"))
	}
	switch c.Reasoning.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("reasoning.provider %q is not supported (valid: openai, anthropic)", c.Reasoning.Provider))
	}
	if c.Reasoning.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("reasoning.timeout_sec must be positive, got %d", c.Reasoning.TimeoutSec))
	}
	if c.Reasoning.MaxToolIterations < 0 {
		errs = append(errs, fmt.Errorf("reasoning.max_tool_iterations must be positive, got %d", c.Reasoning.MaxToolIterations))
	}
	if c.Sessions.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("sessions.max_sessions must not be negative, got %d", c.Sessions.MaxSessions))
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not supported (valid: text, json)", c.LogFormat))
	}
	if c.MQTT.Configured() && c.MQTT.PublishIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("mqtt.publish_interval_sec must be positive, got %d", c.MQTT.PublishIntervalSec))
	}
	if c.Health.PollIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("health.poll_interval_sec must be positive, got %d", c.Health.PollIntervalSec))
	}
	if c.GitHub.Repo != "" && !strings.Contains(c.GitHub.Repo, "/") {
		errs = append(errs, fmt.Errorf("github.repo %q must be owner/name", c.GitHub.Repo))
	}

	return errors.Join(errs...)
}
