package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ignatij/replog/pkg/models"
	"github.com/spf13/viper"
)

// Config holds runtime settings for replog.
type Config struct {
	Database DatabaseConfig        `mapstructure:"database"`
	HTTP     HTTPConfig            `mapstructure:"http"`
	Log      LogConfig             `mapstructure:"log"`
	Pipeline PipelineConfig        `mapstructure:"pipeline"`
	Defaults TaskConfig            `mapstructure:"defaults"`
	Tasks    map[string]TaskConfig `mapstructure:"tasks" validate:"dive"`
}

type DatabaseConfig struct {
	Driver      string `mapstructure:"driver" validate:"oneof=postgres pgx sqlite"`
	DSN         string `mapstructure:"dsn"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port" validate:"gte=0,lte=65535"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Name        string `mapstructure:"name"`
	SSLMode     string `mapstructure:"sslmode"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type HTTPConfig struct {
	Port           string        `mapstructure:"port"`
	ExecuteTimeout time.Duration `mapstructure:"execute_timeout"` // Bounds POST /tasks/{name}/execute
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}

type PipelineConfig struct {
	ScanWindow int64 `mapstructure:"scan_window"`
	Workers    int   `mapstructure:"workers" validate:"gte=0"`
}

// TaskConfig overrides a task's policy. Pointer fields distinguish "unset"
// from an explicit zero.
type TaskConfig struct {
	Enabled           *bool             `mapstructure:"enabled"`
	EntityTypes       []string          `mapstructure:"entity_types"`
	BatchSize         int               `mapstructure:"batch_size" validate:"gte=0"`
	MaxRetries        *int              `mapstructure:"max_retries" validate:"omitempty,gte=0"`
	RetryBackoff      *time.Duration    `mapstructure:"retry_backoff"`
	BackoffMultiplier float64           `mapstructure:"backoff_multiplier" validate:"omitempty,gte=1"`
	MaxBackoff        time.Duration     `mapstructure:"max_backoff"`
	BatchTimeout      time.Duration     `mapstructure:"batch_timeout"`
	StaleAfter        *time.Duration    `mapstructure:"stale_after"`
	Options           map[string]string `mapstructure:"options"`
}

// Load reads config.yaml from configPath (if present) and applies REPLOG_*
// and DB_* environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.SetEnvPrefix("REPLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.execute_timeout", "30m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("pipeline.scan_window", 10000)

	// the DB_* names are shared with replog-migrate and the test harness
	_ = v.BindEnv("database.dsn", "REPLOG_DATABASE_DSN", "DB_DSN")
	_ = v.BindEnv("database.host", "REPLOG_DATABASE_HOST", "DB_HOST")
	_ = v.BindEnv("database.port", "REPLOG_DATABASE_PORT", "DB_PORT")
	_ = v.BindEnv("database.user", "REPLOG_DATABASE_USER", "DB_USERNAME")
	_ = v.BindEnv("database.password", "REPLOG_DATABASE_PASSWORD", "DB_PASSWORD")
	_ = v.BindEnv("database.name", "REPLOG_DATABASE_NAME", "DB_NAME")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ConnString returns the explicit DSN or one assembled from the parts.
func (d DatabaseConfig) ConnString() (string, error) {
	if d.DSN != "" {
		return d.DSN, nil
	}
	if d.Driver == "sqlite" {
		return "", fmt.Errorf("database.dsn is required for sqlite")
	}
	if d.User == "" || d.Host == "" || d.Name == "" {
		return "", fmt.Errorf("database.dsn or database host, user and name are required")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode), nil
}

// Policy resolves the policy of a task: built-in defaults, then the defaults
// section, then the task's own section.
func (c *Config) Policy(task string) models.TaskPolicy {
	p := models.DefaultTaskPolicy()
	c.Defaults.apply(&p)
	if tc, ok := c.Task(task); ok {
		tc.apply(&p)
	}
	return p
}

// Task returns the section of a task. Viper lowercases map keys, so the
// lookup ignores case.
func (c *Config) Task(name string) (TaskConfig, bool) {
	if tc, ok := c.Tasks[name]; ok {
		return tc, true
	}
	for key, tc := range c.Tasks {
		if strings.EqualFold(key, name) {
			return tc, true
		}
	}
	return TaskConfig{}, false
}

// EntityTypes is the configured subset for a task, empty when unrestricted.
func (c *Config) EntityTypes(task string) []string {
	tc, _ := c.Task(task)
	return tc.EntityTypes
}

// TaskOption reads a consumer specific option of a task.
func (c *Config) TaskOption(task, key, fallback string) string {
	tc, _ := c.Task(task)
	for k, v := range tc.Options {
		if strings.EqualFold(k, key) && v != "" {
			return v
		}
	}
	return fallback
}

func (tc TaskConfig) apply(p *models.TaskPolicy) {
	if tc.Enabled != nil {
		p.Enabled = *tc.Enabled
	}
	if tc.BatchSize > 0 {
		p.BatchSize = tc.BatchSize
	}
	if tc.MaxRetries != nil {
		p.MaxRetries = *tc.MaxRetries
	}
	if tc.RetryBackoff != nil {
		p.RetryBackoff = *tc.RetryBackoff
	}
	if tc.BackoffMultiplier > 0 {
		p.BackoffMultiplier = tc.BackoffMultiplier
	}
	if tc.MaxBackoff > 0 {
		p.MaxBackoff = tc.MaxBackoff
	}
	if tc.BatchTimeout > 0 {
		p.BatchTimeout = tc.BatchTimeout
	}
	if tc.StaleAfter != nil {
		p.StaleAfter = *tc.StaleAfter
	}
}
