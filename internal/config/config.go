package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "DAILYGRID"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "dailygrid.db"
	defaultLogLevel     = "info"
	defaultTimezone     = "UTC"
	defaultUserID       = "local-player"
	defaultHighWater    = 5
	defaultDebounce     = 2 * time.Second
	defaultBackoffBase  = time.Second
	defaultBackoffCap   = 60 * time.Second
	defaultPullInterval = 30 * time.Second
	defaultCacheTTL     = 90 * time.Second
	defaultLocalSession = false
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	Timezone      string
	UserID        string
	DisplayName   string
	GroupID       string
	RemoteURL     string
	LocalSession  bool
	SyncHighWater int
	SyncDebounce  time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	PullInterval  time.Duration
	CacheTTL      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("day.timezone", defaultTimezone)
	configViper.SetDefault("user.id", defaultUserID)
	configViper.SetDefault("user.display_name", "")
	configViper.SetDefault("group.id", "")
	configViper.SetDefault("sync.remote_url", "")
	configViper.SetDefault("sync.local_session", defaultLocalSession)
	configViper.SetDefault("sync.high_water", defaultHighWater)
	configViper.SetDefault("sync.debounce", defaultDebounce)
	configViper.SetDefault("sync.backoff_base", defaultBackoffBase)
	configViper.SetDefault("sync.backoff_cap", defaultBackoffCap)
	configViper.SetDefault("sync.pull_interval", defaultPullInterval)
	configViper.SetDefault("leaderboard.cache_ttl", defaultCacheTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		Timezone:      configViper.GetString("day.timezone"),
		UserID:        configViper.GetString("user.id"),
		DisplayName:   configViper.GetString("user.display_name"),
		GroupID:       configViper.GetString("group.id"),
		RemoteURL:     configViper.GetString("sync.remote_url"),
		LocalSession:  configViper.GetBool("sync.local_session"),
		SyncHighWater: configViper.GetInt("sync.high_water"),
		SyncDebounce:  configViper.GetDuration("sync.debounce"),
		BackoffBase:   configViper.GetDuration("sync.backoff_base"),
		BackoffCap:    configViper.GetDuration("sync.backoff_cap"),
		PullInterval:  configViper.GetDuration("sync.pull_interval"),
		CacheTTL:      configViper.GetDuration("leaderboard.cache_ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("user.id is required")
	}
	if c.SyncHighWater <= 0 {
		return fmt.Errorf("sync.high_water must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("sync backoff bounds are invalid")
	}
	if c.PullInterval <= 0 {
		return fmt.Errorf("sync.pull_interval must be positive")
	}
	return nil
}
