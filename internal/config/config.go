package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for our application
type Config struct {
	DiscordToken string `yaml:"-"`
	DatabaseDSN  string `yaml:"-"`
	GuildID      string `yaml:"guild_id"`

	Log         LogConfig      `yaml:"log"`
	MetricsAddr string         `yaml:"metrics_addr"`
	Voice       VoiceConfig    `yaml:"voicechannels"`
	Tracking    TrackingConfig `yaml:"tracking"`
	Cleanup     CleanupConfig  `yaml:"cleanup"`
	Discord     DiscordConfig  `yaml:"discord"`
}

// LogConfig configures the structured logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// VoiceConfig configures dynamic channel management
type VoiceConfig struct {
	Enabled              bool          `yaml:"enabled"`
	CategoryName         string        `yaml:"category_name"`
	LobbyName            string        `yaml:"lobby_name"`
	OfflineLobbyName     string        `yaml:"offline_lobby_name"`
	ChannelPrefix        string        `yaml:"channel_prefix"`
	ChannelSuffix        string        `yaml:"channel_suffix"`
	ControlPanelEnabled  bool          `yaml:"control_panel_enabled"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	HealthInterval       time.Duration `yaml:"health_interval"`
	OwnershipGracePeriod time.Duration `yaml:"ownership_grace_period"`
}

// TrackingConfig configures voice session tracking
type TrackingConfig struct {
	Enabled           bool          `yaml:"enabled"`
	ExcludedChannels  []string      `yaml:"excluded_channels"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// CleanupConfig configures the retention truncation run
type CleanupConfig struct {
	Enabled               bool            `yaml:"enabled"`
	Schedule              string          `yaml:"schedule"`
	NotificationChannelID string          `yaml:"notification_channel_id"`
	Retention             RetentionConfig `yaml:"retention"`
}

// RetentionConfig holds the truncation horizons
type RetentionConfig struct {
	DetailedSessionsDays   int `yaml:"detailed_sessions_days"`
	MonthlySummariesMonths int `yaml:"monthly_summaries_months"`
	YearlySummariesYears   int `yaml:"yearly_summaries_years"`
}

// DiscordConfig tunes platform API calls
type DiscordConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	EventWorkers   int           `yaml:"event_workers"`
}

// Default returns the configuration used when nothing overrides a field
func Default() *Config {
	return &Config{
		Log:         LogConfig{Level: "info", Format: "text", Output: "stdout"},
		MetricsAddr: ":9090",
		Voice: VoiceConfig{
			Enabled:             true,
			CategoryName:        "Dynamic Voice Channels",
			LobbyName:           "Lobby",
			OfflineLobbyName:    "🔴 Lobby",
			ChannelPrefix:       "🎮",
			ChannelSuffix:       "'s Room",
			ControlPanelEnabled: true,
			SweepInterval:        5 * time.Minute,
			HealthInterval:       15 * time.Minute,
			OwnershipGracePeriod: 30 * time.Second,
		},
		Tracking: TrackingConfig{
			Enabled:           true,
			HeartbeatInterval: 2 * time.Minute,
		},
		Cleanup: CleanupConfig{
			Enabled:  false,
			Schedule: "0 3 * * *",
			Retention: RetentionConfig{
				DetailedSessionsDays:   30,
				MonthlySummariesMonths: 12,
				YearlySummariesYears:   5,
			},
		},
		Discord: DiscordConfig{
			RequestTimeout: 10 * time.Second,
			MaxAttempts:    4,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     8 * time.Second,
			EventWorkers:   8,
		},
	}
}

// Load loads configuration from the optional settings file and environment variables
func Load() (*Config, error) {
	// .env file is optional, continue with environment variables
	_ = godotenv.Load()

	config := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Field: "CONFIG_FILE", Message: fmt.Sprintf("failed to read %s: %v", path, err)}
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return &ConfigError{Field: "CONFIG_FILE", Message: fmt.Sprintf("failed to parse %s: %v", path, err)}
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DiscordToken = os.Getenv("DISCORD_TOKEN")
	c.DatabaseDSN = os.Getenv("DATABASE_DSN")

	setString(&c.GuildID, "GUILD_ID")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.MetricsAddr, "METRICS_ADDR")
	setString(&c.Voice.CategoryName, "VC_CATEGORY_NAME")
	setString(&c.Voice.LobbyName, "LOBBY_CHANNEL_NAME")
	setString(&c.Voice.OfflineLobbyName, "LOBBY_CHANNEL_NAME_OFFLINE")
	setString(&c.Cleanup.Schedule, "CLEANUP_SCHEDULE")
	setString(&c.Cleanup.NotificationChannelID, "CLEANUP_CHANNEL_ID")

	if v := os.Getenv("EXCLUDED_VC_CHANNELS"); v != "" {
		c.Tracking.ExcludedChannels = splitList(v)
	}

	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"ENABLE_VC_MANAGEMENT", &c.Voice.Enabled},
		{"ENABLE_VC_TRACKING", &c.Tracking.Enabled},
		{"ENABLE_CLEANUP", &c.Cleanup.Enabled},
	} {
		if err := setBool(b.dst, b.key); err != nil {
			return err
		}
	}

	if v := os.Getenv("VC_OWNERSHIP_GRACE_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "VC_OWNERSHIP_GRACE_SECONDS", Message: "VC_OWNERSHIP_GRACE_SECONDS must be an integer"}
		}
		c.Voice.OwnershipGracePeriod = time.Duration(n) * time.Second
	}

	if v := os.Getenv("RETENTION_DETAILED_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: "RETENTION_DETAILED_DAYS", Message: "RETENTION_DETAILED_DAYS must be an integer"}
		}
		c.Cleanup.Retention.DetailedSessionsDays = n
	}
	return nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return &ConfigError{Field: "DISCORD_TOKEN", Message: "DISCORD_TOKEN is required"}
	}
	if c.DatabaseDSN == "" {
		return &ConfigError{Field: "DATABASE_DSN", Message: "DATABASE_DSN is required"}
	}
	if c.GuildID == "" {
		return &ConfigError{Field: "GUILD_ID", Message: "GUILD_ID is required"}
	}
	if c.Voice.LobbyName == "" || c.Voice.CategoryName == "" {
		return &ConfigError{Field: "voicechannels", Message: "lobby and category names must not be empty"}
	}
	if c.Voice.LobbyName == c.Voice.OfflineLobbyName {
		return &ConfigError{Field: "voicechannels.offline_lobby_name", Message: "offline lobby name must differ from the lobby name"}
	}
	if c.Voice.OwnershipGracePeriod < 0 {
		return &ConfigError{Field: "voicechannels.ownership_grace_period", Message: "ownership grace period must not be negative"}
	}
	if c.Cleanup.Retention.DetailedSessionsDays < 1 {
		return &ConfigError{Field: "cleanup.retention.detailed_sessions_days", Message: "detailed_sessions_days must be at least 1"}
	}
	if c.Discord.EventWorkers < 1 {
		c.Discord.EventWorkers = 1
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return &ConfigError{Field: key, Message: key + " must be a boolean"}
	}
	*dst = b
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
