package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"coinlink/models"
)

const (
	DefaultConfigPath = "config.yml"

	envToken     = "COINLINK_TOKEN"
	envWSURL     = "COINLINK_WS_URL"
	envAPIURL    = "COINLINK_API_URL"
	envSubjectID = "COINLINK_SUBJECT_ID"
	envSessionID = "COINLINK_SESSION_ID"
)

var envConfigPaths = map[string]string{
	environmentProduction: "config.production.yml",
	environmentStaging:    "config.staging.yml",
}

type Config struct {
	App        AppConfig        `yaml:"app"`
	Connection ConnectionConfig `yaml:"connection"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ConnectionConfig struct {
	URL       string   `yaml:"url"`
	Token     string   `yaml:"token"`
	SubjectID string   `yaml:"subject_id"`
	Topics    []string `yaml:"topics"`

	MaxAttempts      int           `yaml:"max_attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongWait         time.Duration `yaml:"pong_wait"`
}

type APIConfig struct {
	URL               string  `yaml:"url"`
	SessionID         string  `yaml:"session_id"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
	FeedbackAttempts  int     `yaml:"feedback_attempts"`
}

type MetricsConfig struct {
	Enabled      bool             `yaml:"enabled"`
	TopicUpdates bool             `yaml:"topic_updates"`
	CloudWatch   CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		App: AppConfig{Name: "coinlink", Version: "dev"},
		Connection: ConnectionConfig{
			Topics:           models.TopicStrings(models.AllTopics()),
			MaxAttempts:      5,
			BackoffBase:      2 * time.Second,
			BackoffCap:       30 * time.Second,
			DialTimeout:      15 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			AckTimeout:       10 * time.Second,
			PingInterval:     20 * time.Second,
			PongWait:         60 * time.Second,
		},
		API: APIConfig{
			RequestsPerSecond: 2,
			BurstSize:         1,
			FeedbackAttempts:  3,
		},
		Metrics: MetricsConfig{
			Enabled:      true,
			TopicUpdates: true,
			CloudWatch:   CloudWatchConfig{Namespace: "CoinLink", Dashboard: "CoinLink"},
		},
		Dashboard: DashboardConfig{
			Address:         "127.0.0.1:8088",
			RefreshInterval: 5 * time.Second,
			LogHistory:      200,
			MetricsHistory:  200,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: time.Minute,
		},
	}
}

// ResolvePath picks the environment specific file for APP_ENV when the
// caller asked for the default path.
func ResolvePath(path string) string {
	return resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envToken); v != "" {
		cfg.Connection.Token = strings.TrimSpace(v)
	}
	if v := os.Getenv(envWSURL); v != "" {
		cfg.Connection.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv(envSubjectID); v != "" {
		cfg.Connection.SubjectID = strings.TrimSpace(v)
	}
	if v := os.Getenv(envAPIURL); v != "" {
		cfg.API.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv(envSessionID); v != "" {
		cfg.API.SessionID = strings.TrimSpace(v)
	}
	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if err := validateURL(cfg.Connection.URL, "connection.url", "ws", "wss"); err != nil {
		return err
	}
	if cfg.API.URL != "" {
		if err := validateURL(cfg.API.URL, "api.url", "http", "https"); err != nil {
			return err
		}
	}

	if _, invalid := models.ParseTopics(cfg.Connection.Topics); len(invalid) > 0 {
		return fmt.Errorf("connection.topics contains unknown topics: %s", strings.Join(invalid, ", "))
	}

	if cfg.Connection.MaxAttempts < 0 {
		return fmt.Errorf("connection.max_attempts must not be negative")
	}
	if cfg.Connection.BackoffBase <= 0 {
		return fmt.Errorf("connection.backoff_base must be greater than 0")
	}
	if cfg.Connection.BackoffCap < cfg.Connection.BackoffBase {
		return fmt.Errorf("connection.backoff_cap must not be less than connection.backoff_base")
	}
	if cfg.Connection.PingInterval > 0 && cfg.Connection.PongWait > 0 && cfg.Connection.PongWait <= cfg.Connection.PingInterval {
		return fmt.Errorf("connection.pong_wait must be greater than connection.ping_interval")
	}

	if cfg.API.FeedbackAttempts < 0 {
		return fmt.Errorf("api.feedback_attempts must not be negative")
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Address == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}

	return nil
}

func validateURL(raw, key string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", key, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %s with a host, got %q", key, strings.Join(schemes, "/"), raw)
}
