package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/procflow/internal/scheduler"
)

// Config holds the procflow server configuration.
// Priority: flags > PROCFLOW_* env vars > settings.json > defaults.
type Config struct {
	DBPath                 string        `mapstructure:"db_path"`
	LogLevel               string        `mapstructure:"log_level"`
	SchedulerInterval      time.Duration `mapstructure:"scheduler_interval"`
	ExcludeCanceledHistory bool          `mapstructure:"exclude_canceled_history"`
	MaxSteps               int           `mapstructure:"max_steps"`
}

func procflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".procflow"
	}
	return filepath.Join(home, ".procflow")
}

func settingsPath(dir string) string {
	return filepath.Join(dir, "settings.json")
}

// loadConfig layers defaults, dir/settings.json, environment and, when cmd
// is non-nil, the command's flags.
func loadConfig(dir string, cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetDefault("db_path", filepath.Join(dir, "procflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("scheduler_interval", scheduler.DefaultInterval)
	v.SetDefault("exclude_canceled_history", false)
	v.SetDefault("max_steps", 1000)

	// A missing settings.json is not an error.
	path := settingsPath(dir)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("PROCFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for key, flag := range map[string]string{"db_path": "db-path", "log_level": "log-level"} {
			f := cmd.Flags().Lookup(flag)
			if f == nil {
				f = cmd.InheritedFlags().Lookup(flag)
			}
			if f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.SchedulerInterval <= 0 {
		return Config{}, fmt.Errorf("scheduler_interval must be positive, got %s", cfg.SchedulerInterval)
	}
	return cfg, nil
}

// dsn turns a plain database path into the file URI libsql expects.
func (c Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
