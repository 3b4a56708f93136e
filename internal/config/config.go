package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "ACTIVITY_PANEL"
	defaultHTTPAddress       = "127.0.0.1:9470"
	defaultCacheSubdirectory = "activity-panel"
	defaultFetchLimit        = 200
	defaultInitialPageLimit  = 500
	defaultLogLevel          = "info"
	defaultRemoteTimeout     = 30
	defaultTokenTTLMinutes   = 720
)

// AppConfig captures runtime configuration for the panel bridge.
type AppConfig struct {
	HTTPAddress      string
	CacheDirectory   string
	FetchLimit       int
	InitialPageLimit int
	LogLevel         string
	SiteURL          string
	ScriptName       string
	APIKey           string
	RemoteTimeout    time.Duration
	SigningSecret    string
	TokenTTL         time.Duration
}

// ThumbnailDirectory is where downloaded thumbnails are kept.
func (c AppConfig) ThumbnailDirectory() string {
	return filepath.Join(c.CacheDirectory, "thumbnails")
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
	configViper.SetDefault("cache.directory", defaultCacheDirectory())
	configViper.SetDefault("cache.fetch_limit", defaultFetchLimit)
	configViper.SetDefault("stream.initial_page_limit", defaultInitialPageLimit)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeout)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
}

func defaultCacheDirectory() string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, defaultCacheSubdirectory)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		CacheDirectory:   configViper.GetString("cache.directory"),
		FetchLimit:       configViper.GetInt("cache.fetch_limit"),
		InitialPageLimit: configViper.GetInt("stream.initial_page_limit"),
		LogLevel:         configViper.GetString("log.level"),
		SiteURL:          configViper.GetString("remote.site_url"),
		ScriptName:       configViper.GetString("remote.script_name"),
		APIKey:           configViper.GetString("remote.api_key"),
		RemoteTimeout:    time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.CacheDirectory) == "" {
		return fmt.Errorf("cache.directory is required")
	}
	if c.FetchLimit <= 0 {
		return fmt.Errorf("cache.fetch_limit must be positive")
	}
	if c.InitialPageLimit <= 0 {
		return fmt.Errorf("stream.initial_page_limit must be positive")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be positive")
	}
	return nil
}

// ValidateBridge checks the settings the HTTP bridge needs beyond the cache.
func (c AppConfig) ValidateBridge() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.SiteURL) == "" {
		return fmt.Errorf("remote.site_url is required")
	}
	if strings.TrimSpace(c.ScriptName) == "" || strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("remote.script_name and remote.api_key are required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}
