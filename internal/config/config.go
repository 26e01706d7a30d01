package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Stage                  string        `yaml:"stage" env:"STAGE"`
	Addr                   string        `yaml:"addr" env:"REPBOT_ADDR"`
	StoreDriver            string        `yaml:"store" env:"REPBOT_STORE"`
	DatabaseURL            string        `yaml:"database_url" env:"DATABASE_URL"`
	SQLitePath             string        `yaml:"sqlite_path" env:"REPBOT_SQLITE_PATH"`
	PollInterval           time.Duration `yaml:"poll_interval" env:"REPBOT_POLL_INTERVAL"`
	GameExpiry             time.Duration `yaml:"game_expiry" env:"REPBOT_GAME_EXPIRY"`
	RouletteDuration       time.Duration `yaml:"roulette_duration" env:"REPBOT_ROULETTE_DURATION"`
	MinPlayersBeforeRejoin int           `yaml:"min_players_before_rejoin" env:"REPBOT_MIN_PLAYERS_BEFORE_REJOIN"`
	RandomSeed             string        `yaml:"random_seed" env:"RANDOM_SEED"`
	Timezone               string        `yaml:"timezone" env:"REPBOT_TIMEZONE"`
	JobMaxAttempts         int           `yaml:"job_max_attempts" env:"REPBOT_JOB_MAX_ATTEMPTS"`
	JobRetryBase           time.Duration `yaml:"job_retry_base" env:"REPBOT_JOB_RETRY_BASE"`
	LogLevel               string        `yaml:"log_level" env:"LOG_LEVEL"`

	location *time.Location
}

type CLIConfig struct {
	APIBaseURL string `env:"REPCTL_API_BASE_URL" envDefault:"http://localhost:8080"`
	RealmID    string `env:"REPCTL_REALM_ID"`
	MemberID   string `env:"REPCTL_MEMBER_ID"`
	MemberName string `env:"REPCTL_MEMBER_NAME"`
	JoinedAt   string `env:"REPCTL_JOINED_AT"`
}

// Load builds the server config: built-in defaults, then the YAML file named by
// REPBOT_CONFIG (if any), then environment variables.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("REPBOT_CONFIG")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		if !strings.HasPrefix(port, ":") {
			port = ":" + port
		}
		cfg.Addr = port
	}
	cfg.applyStageDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Stage:            "local",
		Addr:             ":8080",
		StoreDriver:      DriverSQLite,
		SQLitePath:       "repbot.db",
		PollInterval:     5 * time.Second,
		RouletteDuration: 30 * time.Second,
		RandomSeed:       "repbot-default-seed",
		Timezone:         "America/Los_Angeles",
		JobMaxAttempts:   3,
		JobRetryBase:     2 * time.Second,
		LogLevel:         "info",
	}
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

// Local stages rejoin after a single player and expire games after five minutes.
func (c *Config) applyStageDefaults() {
	local := c.IsLocal()
	if c.MinPlayersBeforeRejoin <= 0 {
		if local {
			c.MinPlayersBeforeRejoin = 1
		} else {
			c.MinPlayersBeforeRejoin = 4
		}
	}
	if c.GameExpiry <= 0 {
		if local {
			c.GameExpiry = 300 * time.Second
		} else {
			c.GameExpiry = 86400 * time.Second
		}
	}
}

func (c Config) IsLocal() bool {
	stage := strings.ToLower(strings.TrimSpace(c.Stage))
	return stage == "local" || stage == "dev"
}

func (c *Config) Validate() error {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("REPBOT_SQLITE_PATH is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be > 0")
	}
	if c.RouletteDuration <= 0 {
		return fmt.Errorf("roulette duration must be > 0")
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("job max attempts must be >= 1")
	}
	if strings.TrimSpace(c.RandomSeed) == "" {
		return fmt.Errorf("RANDOM_SEED must not be empty")
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	c.location = loc
	return nil
}

// Location is the zone used for daily limits. UTC until Validate has run.
func (c Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func LoadCLI() CLIConfig {
	var cfg CLIConfig
	if err := env.Parse(&cfg); err != nil {
		return CLIConfig{APIBaseURL: "http://localhost:8080"}
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	return cfg
}
