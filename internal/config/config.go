package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	OCR       OCRConfig       `yaml:"ocr" mapstructure:"ocr"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Risk      RiskConfig      `yaml:"risk" mapstructure:"risk"`
	Taxonomy  TaxonomyConfig  `yaml:"taxonomy" mapstructure:"taxonomy"`
	DLQ       DLQConfig       `yaml:"dlq" mapstructure:"dlq"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the operator HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// AnthropicConfig holds Anthropic API settings for classification,
// extraction and action proposals.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// OCRConfig configures document text extraction.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_key" mapstructure:"mistral_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// PipelineConfig configures the stage dispatcher and reconciliation.
type PipelineConfig struct {
	AutoApplyThreshold float64        `yaml:"auto_apply_threshold" mapstructure:"auto_apply_threshold"`
	QueueSize          int            `yaml:"queue_size" mapstructure:"queue_size"`
	StageTimeoutSecs   int            `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	Concurrency        map[string]int `yaml:"concurrency" mapstructure:"concurrency"`
	AIActions          bool           `yaml:"ai_actions" mapstructure:"ai_actions"`
}

// RetryConfig configures the per-job retry budget.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RiskConfig holds the tunable risk weighting coefficients.
type RiskConfig struct {
	ImpactWeights     map[string]float64 `yaml:"impact_weights" mapstructure:"impact_weights"`
	StatusMultipliers map[string]float64 `yaml:"status_multipliers" mapstructure:"status_multipliers"`
}

// TaxonomyConfig locates the read-only taxonomy pack.
type TaxonomyConfig struct {
	Path                string `yaml:"path" mapstructure:"path"`
	DefaultPracticeArea string `yaml:"default_practice_area" mapstructure:"default_practice_area"`
}

// DLQConfig selects the dead-letter store backend.
type DLQConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
}

// TelemetryConfig configures opt-in tracing.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" mapstructure:"service_name"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DOCINTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.requests_per_second", 5.0)
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
	v.SetDefault("pipeline.auto_apply_threshold", 0.8)
	v.SetDefault("pipeline.queue_size", 256)
	v.SetDefault("pipeline.stage_timeout_secs", 120)
	v.SetDefault("pipeline.concurrency", map[string]int{
		"intake":    4,
		"ocr":       2,
		"classify":  4,
		"extract":   4,
		"reconcile": 8,
		"actions":   8,
	})
	v.SetDefault("pipeline.ai_actions", true)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("risk.impact_weights", map[string]float64{
		"low":      2,
		"medium":   5,
		"high":     10,
		"critical": 20,
	})
	v.SetDefault("risk.status_multipliers", map[string]float64{
		"conflict":     1.5,
		"pending":      1.0,
		"revised":      0.5,
		"accepted":     0.25,
		"auto_applied": 0.25,
		"rejected":     0,
	})
	v.SetDefault("taxonomy.default_practice_area", "general")
	v.SetDefault("dlq.backend", "durable")
	v.SetDefault("telemetry.service_name", "docintel")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys a command mode depends on. Mode is "serve",
// "process" or "" for read-only commands.
func (c *Config) Validate(mode string) error {
	var missing []string

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url")
	}
	if mode == "serve" || mode == "process" {
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key")
		}
		if c.OCR.Provider == "mistral" && c.OCR.MistralKey == "" {
			missing = append(missing, "ocr.mistral_key")
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("config: missing required keys for %q: %s", mode, strings.Join(missing, ", "))
	}

	if t := c.Pipeline.AutoApplyThreshold; t < 0 || t > 1 {
		return eris.Errorf("config: pipeline.auto_apply_threshold must be within [0,1], got %v", t)
	}
	switch c.DLQ.Backend {
	case "", "durable", "memory":
	default:
		return eris.Errorf("config: unknown dlq.backend %q", c.DLQ.Backend)
	}
	return nil
}

// StageConcurrency returns the worker count for a stage, defaulting to 1.
func (p PipelineConfig) StageConcurrency(stage string) int {
	if n, ok := p.Concurrency[stage]; ok && n > 0 {
		return n
	}
	return 1
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
