package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. DKPBOT_BOT_PREFIX.
const EnvPrefix = "DKPBOT_"

// DefaultWipePhrase must be typed after the wipe command to clear the ledger.
const DefaultWipePhrase = "ifyourenteringthisyouaredoingthisonpurposeass"

// Config represents the application configuration.
type Config struct {
	Bot            BotConfig            `yaml:"bot" envPrefix:"BOT_"`
	Roles          RolesConfig          `yaml:"roles" envPrefix:"ROLES_"`
	Auction        AuctionConfig        `yaml:"auction" envPrefix:"AUCTION_"`
	Wipe           WipeConfig           `yaml:"wipe" envPrefix:"WIPE_"`
	Journal        JournalConfig        `yaml:"journal" envPrefix:"JOURNAL_"`
	Server         ServerConfig         `yaml:"server" envPrefix:"SERVER_"`
	Telemetry      TelemetryConfig      `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Log            LogConfig            `yaml:"log" envPrefix:"LOG_"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election" envPrefix:"LEADER_ELECTION_"`
}

// BotConfig holds chat bot settings. The token is deliberately absent; it is
// only ever typed in at startup.
type BotConfig struct {
	Prefix       string `yaml:"prefix" env:"PREFIX"`
	GuildID      string `yaml:"guild_id" env:"GUILD_ID"`
	HistoryLimit int    `yaml:"history_limit" env:"HISTORY_LIMIT"`
}

// RolesConfig names the role labels that unlock privileged commands.
type RolesConfig struct {
	General   string `yaml:"general" env:"GENERAL"`
	Commander string `yaml:"commander" env:"COMMANDER"`
}

// AuctionConfig holds bidding rules. MaxBid 0 disables the ceiling.
type AuctionConfig struct {
	MaxBid int `yaml:"max_bid" env:"MAX_BID"`
}

// WipeConfig holds the confirmation phrase for wiping the ledger.
type WipeConfig struct {
	Confirmation string `yaml:"confirmation" env:"CONFIRMATION"`
}

// JournalConfig selects and configures the audit journal backend.
type JournalConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"` // "memory", "postgres" or "sqlite"

	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	DBName   string `yaml:"dbname" env:"DBNAME"`
	SSLMode  string `yaml:"sslmode" env:"SSLMODE"`

	// Path is the sqlite database file.
	Path string `yaml:"path" env:"PATH"`
}

// DSN returns the Postgres connection string.
func (j JournalConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		j.Host, j.Port, j.User, j.Password, j.DBName, j.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" env:"SERVICE_NAME"`
	ServiceVersion string `yaml:"service_version" env:"SERVICE_VERSION"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure       bool   `yaml:"insecure" env:"INSECURE"`
}

// LogConfig holds the local log file settings.
type LogConfig struct {
	Dir   string `yaml:"dir" env:"DIR"`
	Level string `yaml:"level" env:"LEVEL"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	LeaseName      string        `yaml:"lease_name" env:"LEASE_NAME"`
	LeaseNamespace string        `yaml:"lease_namespace" env:"LEASE_NAMESPACE"`
	LeaseDuration  time.Duration `yaml:"lease_duration" env:"LEASE_DURATION"`
	RenewDeadline  time.Duration `yaml:"renew_deadline" env:"RENEW_DEADLINE"`
	RetryPeriod    time.Duration `yaml:"retry_period" env:"RETRY_PERIOD"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Bot: BotConfig{
			Prefix:       "!",
			HistoryLimit: 10,
		},
		Roles: RolesConfig{
			General:   "General",
			Commander: "Commander",
		},
		Auction: AuctionConfig{
			MaxBid: 30,
		},
		Wipe: WipeConfig{
			Confirmation: DefaultWipePhrase,
		},
		Journal: JournalConfig{
			Driver:  "memory",
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Path:    "dkpbot.db",
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "dkpbot",
			ServiceVersion: "0.1.0",
		},
		Log: LogConfig{
			Dir:   "logs",
			Level: "info",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "dkpbot-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// Load reads a YAML configuration file from the given path and applies
// DKPBOT_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Journal.Driver {
	case "memory", "postgres":
		// valid
	case "sqlite":
		if c.Journal.Path == "" {
			return fmt.Errorf("journal driver \"sqlite\" requires a path")
		}
	default:
		return fmt.Errorf("unsupported journal driver %q: must be \"memory\", \"postgres\" or \"sqlite\"", c.Journal.Driver)
	}
	if strings.TrimSpace(c.Bot.Prefix) == "" {
		return fmt.Errorf("bot prefix must not be empty")
	}
	if c.Auction.MaxBid < 0 {
		return fmt.Errorf("auction max_bid must not be negative, got %d", c.Auction.MaxBid)
	}
	if c.Wipe.Confirmation == "" {
		return fmt.Errorf("wipe confirmation phrase must not be empty")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Log.Level)
	}
	return nil
}
