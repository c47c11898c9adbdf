package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "MARKETCHAT"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "marketchat.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultAuthIssuer      = "marketchat-auth"
	defaultCookieName      = "app_session"
	defaultUploadsDir      = "uploads"
	defaultUploadsPrefix   = "/uploads"
	defaultUploadsMaxBytes = 5 << 20
	defaultNotifyQueue     = "notifications"
	defaultWatchLimit      = 200
	defaultSendBuffer      = 128
)

// AppConfig captures runtime configuration for the chat service.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	LogFormat     string
	SigningSecret string
	AuthIssuer    string
	CookieName    string

	UploadsDir      string
	UploadsPrefix   string
	UploadsMaxBytes int64

	NotificationsRedisURL string
	NotificationsQueue    string

	WatchLimit     int
	AllowedOrigins []string
	SendBuffer     int
	AllowAnonymous bool
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("uploads.dir", defaultUploadsDir)
	configViper.SetDefault("uploads.public_prefix", defaultUploadsPrefix)
	configViper.SetDefault("uploads.max_bytes", defaultUploadsMaxBytes)
	configViper.SetDefault("notifications.queue", defaultNotifyQueue)
	configViper.SetDefault("realtime.watch_limit", defaultWatchLimit)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.allow_anonymous", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		LogFormat:             configViper.GetString("log.format"),
		SigningSecret:         configViper.GetString("auth.signing_secret"),
		AuthIssuer:            configViper.GetString("auth.issuer"),
		CookieName:            configViper.GetString("auth.cookie_name"),
		UploadsDir:            configViper.GetString("uploads.dir"),
		UploadsPrefix:         configViper.GetString("uploads.public_prefix"),
		UploadsMaxBytes:       configViper.GetInt64("uploads.max_bytes"),
		NotificationsRedisURL: configViper.GetString("notifications.redis_url"),
		NotificationsQueue:    configViper.GetString("notifications.queue"),
		WatchLimit:            configViper.GetInt("realtime.watch_limit"),
		AllowedOrigins:        splitList(configViper.GetStringSlice("realtime.allowed_origins")),
		SendBuffer:            configViper.GetInt("realtime.send_buffer"),
		AllowAnonymous:        configViper.GetBool("realtime.allow_anonymous"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.UploadsDir) == "" {
		return fmt.Errorf("uploads.dir is required")
	}
	if c.UploadsMaxBytes <= 0 {
		return fmt.Errorf("uploads.max_bytes must be positive")
	}
	if c.WatchLimit <= 0 {
		return fmt.Errorf("realtime.watch_limit must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	return nil
}

// splitList accepts both list values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
