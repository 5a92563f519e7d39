package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/toolflow/internal/tools"
)

// Config holds all toolflow configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	ListenAddr              string                      `mapstructure:"listen_addr"`
	DBPath                  string                      `mapstructure:"db_path"`
	LogLevel                string                      `mapstructure:"log_level"`
	PoolSize                int                         `mapstructure:"pool_size"`
	NodeTimeout             time.Duration               `mapstructure:"node_timeout"`
	ScanInterval            time.Duration               `mapstructure:"scan_interval"`
	CronSecret              string                      `mapstructure:"cron_secret"`
	RequireWebhookSignature bool                        `mapstructure:"require_webhook_signature"`
	QuotaDSN                string                      `mapstructure:"quota_dsn"`
	Quotas                  map[string]tools.QuotaLimit `mapstructure:"quotas"`
	APIs                    map[string]tools.APIConfig  `mapstructure:"apis"`
	HTTPRetries             uint64                      `mapstructure:"http_retries"`
}

// newViper returns a viper instance that keeps dots inside keys, since tool
// ids such as "http.request" appear as map keys under quotas.
func newViper() *viper.Viper {
	return viper.NewWithOptions(viper.KeyDelimiter("::"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":4100")
	v.SetDefault("db_path", filepath.Join(toolflowDir(), "toolflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("pool_size", 8)
	v.SetDefault("node_timeout", 30*time.Second)
	v.SetDefault("scan_interval", time.Minute)
	v.SetDefault("cron_secret", "")
	v.SetDefault("require_webhook_signature", false)
	v.SetDefault("quota_dsn", "")
	v.SetDefault("http_retries", 2)
}

func toolflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".toolflow"
	}
	return filepath.Join(home, ".toolflow")
}

// loadConfig layers defaults, the settings file and TOOLFLOW_* env vars.
// configFile overrides the ~/.toolflow/settings.{yaml,json} lookup; a missing
// default settings file is not an error.
func loadConfig(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("TOOLFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// Deployments commonly hand the cron secret over as a bare CRON_SECRET.
	if err := v.BindEnv("cron_secret", "TOOLFLOW_CRON_SECRET", "CRON_SECRET"); err != nil {
		return Config{}, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("settings")
		v.AddConfigPath(toolflowDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// apiList returns the configured named APIs sorted by name.
func (c Config) apiList() []tools.APIConfig {
	names := make([]string, 0, len(c.APIs))
	for name := range c.APIs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]tools.APIConfig, 0, len(names))
	for _, name := range names {
		api := c.APIs[name]
		api.Name = name
		out = append(out, api)
	}
	return out
}
