package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the errand service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	Env       string `mapstructure:"env"` // dev, prod
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address     string   `mapstructure:"address"`
	JWTSecret   string   `mapstructure:"jwt_secret"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type           string              `mapstructure:"type"` // openai, anthropic
	APIKey         string              `mapstructure:"api_key"`
	BaseURL        string              `mapstructure:"base_url"`
	EmbeddingModel string              `mapstructure:"embedding_model"`
	Models         map[string]LLMModel `mapstructure:"models"`
	MaxRetries     int                 `mapstructure:"max_retries"`
	Timeout        time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string   `mapstructure:"name"`
	APIName         string   `mapstructure:"api_name"`
	MaxTokens       int      `mapstructure:"max_tokens"`
	Temperature     float64  `mapstructure:"temperature"`
	CostPer1K       float64  `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64  `mapstructure:"cost_per_1k_output"`
	Capabilities    []string `mapstructure:"capabilities"`
}

// LLMRoutingConfig defines which model to use for different stages of a run
type LLMRoutingConfig struct {
	Planning  string `mapstructure:"planning"`  // per-round tool planning
	Selection string `mapstructure:"selection"` // expert classification
	Synthesis string `mapstructure:"synthesis"` // final answer synthesis
	Vision    string `mapstructure:"vision"`    // image analysis
	Fallback  string `mapstructure:"fallback"`  // fallback model
}

// DefaultEmbeddingModel returns the embedding model of the first provider
// declaring one, preferring openai. Empty keeps retrieval BM25-only.
func (c LLMConfig) DefaultEmbeddingModel() string {
	if p, ok := c.Providers["openai"]; ok && p.EmbeddingModel != "" {
		return p.EmbeddingModel
	}
	for _, p := range c.Providers {
		if p.EmbeddingModel != "" {
			return p.EmbeddingModel
		}
	}
	return ""
}

// AgentConfig tunes the execution loop and orchestrator
type AgentConfig struct {
	RunTimeout       time.Duration `mapstructure:"run_timeout"`        // wall clock per expert run
	MaxRounds        int           `mapstructure:"max_rounds"`         // simple experts
	MaxRoundsSearch  int           `mapstructure:"max_rounds_search"`  // multi-step web experts
	PlanRetries      int           `mapstructure:"plan_retries"`       // LLM parse retries before fallback
	PlanRetryBackoff time.Duration `mapstructure:"plan_retry_backoff"` // delay between parse retries
	MinSamples       int           `mapstructure:"min_samples"`        // performance override sample floor
	LowSuccessRate   float64       `mapstructure:"low_success_rate"`   // performance override threshold
	HistoryLimit     int           `mapstructure:"history_limit"`      // prior outcomes shown to the planner
}

func (a AgentConfig) Validate() error {
	if a.RunTimeout <= 0 {
		return fmt.Errorf("agent.run_timeout must be > 0")
	}
	if a.MaxRounds <= 0 || a.MaxRoundsSearch <= 0 {
		return fmt.Errorf("agent.max_rounds and agent.max_rounds_search must be > 0")
	}
	if a.LowSuccessRate < 0 || a.LowSuccessRate > 1 {
		return fmt.Errorf("agent.low_success_rate must be within [0,1]")
	}
	return nil
}

// ToolsConfig contains settings for the builtin tools
type ToolsConfig struct {
	WebSearch  WebSearchConfig  `mapstructure:"web_search"`
	WebFetch   WebFetchConfig   `mapstructure:"web_fetch"`
	Download   DownloadConfig   `mapstructure:"download"`
	Screenshot ScreenshotConfig `mapstructure:"screenshot"`
}

// WebSearchConfig contains web search settings
type WebSearchConfig struct {
	Provider     string        `mapstructure:"provider"` // brave, serper
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// WebFetchConfig controls the headless browser fetcher
type WebFetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	MaxBody   int           `mapstructure:"max_body"` // runes kept from extracted article text
}

// DownloadConfig controls the file download tool
type DownloadConfig struct {
	Dir      string        `mapstructure:"dir"`
	MaxBytes int64         `mapstructure:"max_bytes"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ScreenshotConfig controls the page screenshot tool
type ScreenshotConfig struct {
	Dir     string        `mapstructure:"dir"`
	Timeout time.Duration `mapstructure:"timeout"`
	Quality int           `mapstructure:"quality"`
}

// MemoryConfig controls document memory and conversation context
type MemoryConfig struct {
	MaxDocuments int `mapstructure:"max_documents"`
	RecentTurns  int `mapstructure:"recent_turns"`
	RetrieveTopK int `mapstructure:"retrieve_top_k"`
}

// BudgetConfig caps LLM spend per run; zero values mean unlimited
type BudgetConfig struct {
	MaxCost   float64 `mapstructure:"max_cost"`
	MaxTokens int64   `mapstructure:"max_tokens"`
}

func (b BudgetConfig) Validate() error {
	if b.MaxCost < 0 {
		return fmt.Errorf("budget.max_cost cannot be negative")
	}
	if b.MaxTokens < 0 {
		return fmt.Errorf("budget.max_tokens cannot be negative")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the go-redis client.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// QueueConfig controls the Redis Streams run queue
type QueueConfig struct {
	RunStream   string `mapstructure:"run_stream"`
	EventStream string `mapstructure:"event_stream"`
	Group       string `mapstructure:"group"`
	Consumer    string `mapstructure:"consumer"`
	MaxLen      int64  `mapstructure:"max_len"`
}

func (q QueueConfig) Validate() error {
	if strings.TrimSpace(q.RunStream) == "" {
		return fmt.Errorf("queue.run_stream required")
	}
	if strings.TrimSpace(q.Group) == "" {
		return fmt.Errorf("queue.group required")
	}
	return nil
}

// SchedulerConfig controls recurring task scheduling
type SchedulerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Tick    time.Duration `mapstructure:"tick"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file and ERRAND_* environment variables.
// A missing config file is tolerated; env and defaults still apply.
func LoadConfig(path string) *Config {
	viper.SetConfigName("errand")
	viper.SetConfigType("yaml")

	setDefaults()

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("ERRAND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Agent.Validate(); err != nil {
		panic(err)
	}
	if err := config.Budget.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}

func setDefaults() {
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.env", "dev")

	viper.SetDefault("server.address", ":10011")

	viper.SetDefault("agent.run_timeout", "300s")
	viper.SetDefault("agent.max_rounds", 3)
	viper.SetDefault("agent.max_rounds_search", 5)
	viper.SetDefault("agent.plan_retries", 2)
	viper.SetDefault("agent.plan_retry_backoff", "500ms")
	viper.SetDefault("agent.min_samples", 5)
	viper.SetDefault("agent.low_success_rate", 0.3)
	viper.SetDefault("agent.history_limit", 6)

	viper.SetDefault("tools.web_search.provider", "brave")
	viper.SetDefault("tools.web_search.max_results", 8)
	viper.SetDefault("tools.web_search.timeout", "15s")
	viper.SetDefault("tools.web_fetch.timeout", "25s")
	viper.SetDefault("tools.web_fetch.max_body", 4000)
	viper.SetDefault("tools.download.dir", "downloads")
	viper.SetDefault("tools.download.max_bytes", 10<<20)
	viper.SetDefault("tools.download.timeout", "30s")
	viper.SetDefault("tools.screenshot.dir", "screenshots")
	viper.SetDefault("tools.screenshot.timeout", "30s")
	viper.SetDefault("tools.screenshot.quality", 80)

	viper.SetDefault("memory.max_documents", 64)
	viper.SetDefault("memory.recent_turns", 6)
	viper.SetDefault("memory.retrieve_top_k", 5)

	viper.SetDefault("queue.run_stream", "errand:runs")
	viper.SetDefault("queue.event_stream", "errand:events")
	viper.SetDefault("queue.group", "errand-workers")
	viper.SetDefault("queue.max_len", 10000)

	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.tick", "1m")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.metrics_port", 9091)
	viper.SetDefault("telemetry.cost_tracking", true)
}
