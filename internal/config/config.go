package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// StoreConfig 元数据库 (jobs, servers, logs)
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type SyncConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
}

type MirrorConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Timezone string `mapstructure:"timezone"`
}

// LoadConfig reads configPath. An empty path loads defaults and environment
// overrides only.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")

	// 环境变量配置
	v.SetEnvPrefix("APP")                              // 环境变量前缀 APP_
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // 支持嵌套配置 使用 _ 分隔
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "batchsync.db")
	v.SetDefault("sync.batch_size", 1000)
	v.SetDefault("sync.query_timeout", 30*time.Second)
	v.SetDefault("sync.lock_timeout", time.Duration(0))
	v.SetDefault("mirror.path", "db_servers.ini")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timezone", "Asia/Seoul")
}

func validateConfig(cfg *Config) error {
	switch cfg.Store.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store dsn is required")
	}

	if cfg.Sync.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be greater than 0")
	}
	if cfg.Sync.QueryTimeout < 0 || cfg.Sync.LockTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if cfg.Mirror.Path == "" {
		return fmt.Errorf("mirror path is required")
	}

	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s", cfg.Log.Format)
	}

	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return fmt.Errorf("invalid scheduler timezone: %w", err)
	}
	return nil
}

// SetupLogging applies the log section to the standard logrus logger.
func (c *Config) SetupLogging() {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if c.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// Location returns the scheduler time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
