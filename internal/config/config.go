package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Workspace string         `yaml:"workspace"`
	Limits    LimitsConfig   `yaml:"limits"`
	Runner    RunnerConfig   `yaml:"runner"`
	Backend   BackendConfig  `yaml:"backend"`
	Store     StoreConfig    `yaml:"store"`
	NATS      NATSConfig     `yaml:"nats"`
	Web       WebConfig      `yaml:"web"`
	Sweeper   SweeperConfig  `yaml:"sweeper"`
	Telegram  TelegramConfig `yaml:"telegram"`
	Log       LogConfig      `yaml:"log"`
}

// LimitsConfig holds the anti-spiral limits copied onto every new task.
type LimitsConfig struct {
	MaxAgents     int  `yaml:"max_agents"`
	MaxConcurrent int  `yaml:"max_concurrent"`
	MaxDepth      int  `yaml:"max_depth"`
	EnforceDepth  bool `yaml:"enforce_depth"`
}

type RunnerConfig struct {
	Executable   string        `yaml:"executable"`
	Flags        string        `yaml:"flags"`
	StartGrace   time.Duration `yaml:"start_grace"`
	StartTimeout time.Duration `yaml:"start_timeout"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

type BackendConfig struct {
	Kind   string       `yaml:"kind"` // "tmux" or "docker"
	Tmux   TmuxConfig   `yaml:"tmux"`
	Docker DockerConfig `yaml:"docker"`
}

type TmuxConfig struct {
	Binary string `yaml:"binary"`
}

type DockerConfig struct {
	Image      string `yaml:"image"`
	Network    string `yaml:"network"`
	Dockerfile string `yaml:"dockerfile"` // built when the image is missing
}

type StoreConfig struct {
	Driver      string        `yaml:"driver"` // "fs" or "sqlite"
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	URL     string `yaml:"url"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SweeperConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Schedule     string        `yaml:"schedule"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Parallelism  int           `yaml:"parallelism"`
}

// TelegramConfig enables notifications for severe findings and failing
// agents. Empty Token disables them.
type TelegramConfig struct {
	Token       string `yaml:"token"`
	ChatID      int64  `yaml:"chat_id"`
	MinSeverity string `yaml:"min_severity"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DefaultExecutable = "codex"
	DefaultFlags      = "--print --output-format stream-json --verbose --dangerously-skip-permissions"
)

func defaults() Config {
	return Config{
		Workspace: ".agent-workspace",
		Limits: LimitsConfig{
			MaxAgents:     25,
			MaxConcurrent: 8,
			MaxDepth:      5,
		},
		Runner: RunnerConfig{
			Executable:   DefaultExecutable,
			Flags:        DefaultFlags,
			StartGrace:   2 * time.Second,
			StartTimeout: 30 * time.Second,
			CheckTimeout: 5 * time.Second,
		},
		Backend: BackendConfig{
			Kind: "tmux",
			Tmux: TmuxConfig{Binary: "tmux"},
			Docker: DockerConfig{
				Image: "treeherd-agent:latest",
			},
		},
		Store: StoreConfig{
			Driver:      "fs",
			Path:        "data/treeherd.db",
			BusyTimeout: 60 * time.Second,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Sweeper: SweeperConfig{
			Enabled:      true,
			Schedule:     "* * * * *",
			PollInterval: 15 * time.Second,
			Parallelism:  4,
		},
		Telegram: TelegramConfig{
			MinSeverity: "high",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Defaults returns the built-in configuration without reading any file or
// environment variable.
func Defaults() Config {
	return defaults()
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("TREEHERD_CONFIG")
	if path == "" {
		path = "config/treeherd.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TREEHERD_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	envInt("TREEHERD_MAX_AGENTS", &cfg.Limits.MaxAgents)
	envInt("TREEHERD_MAX_CONCURRENT", &cfg.Limits.MaxConcurrent)
	envInt("TREEHERD_MAX_DEPTH", &cfg.Limits.MaxDepth)
	if v := os.Getenv("TREEHERD_EXECUTABLE"); v != "" {
		cfg.Runner.Executable = v
	}
	if v := os.Getenv("TREEHERD_FLAGS"); v != "" {
		cfg.Runner.Flags = v
	}
	if v := os.Getenv("TREEHERD_BACKEND"); v != "" {
		cfg.Backend.Kind = v
	}
	if v := os.Getenv("TREEHERD_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("TREEHERD_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	envInt("TREEHERD_NATS_PORT", &cfg.NATS.Port)
	if v := os.Getenv("TREEHERD_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	envInt("TREEHERD_WEB_PORT", &cfg.Web.Port)
	if v := os.Getenv("TREEHERD_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("TREEHERD_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TREEHERD_TELEGRAM_CHAT_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = n
		}
	}
	if v := os.Getenv("TREEHERD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace must not be empty")
	}
	if c.Limits.MaxAgents <= 0 {
		return fmt.Errorf("limits.max_agents must be positive, got %d", c.Limits.MaxAgents)
	}
	if c.Limits.MaxConcurrent <= 0 {
		return fmt.Errorf("limits.max_concurrent must be positive, got %d", c.Limits.MaxConcurrent)
	}
	if c.Limits.MaxDepth <= 0 {
		return fmt.Errorf("limits.max_depth must be positive, got %d", c.Limits.MaxDepth)
	}
	if strings.TrimSpace(c.Runner.Executable) == "" {
		return fmt.Errorf("runner.executable must not be empty")
	}
	switch c.Backend.Kind {
	case "tmux", "docker":
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	switch c.Store.Driver {
	case "fs", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required when a telegram token is set")
	}
	return nil
}
