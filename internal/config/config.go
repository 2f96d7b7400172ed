package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Dataset    DatasetConfig    `yaml:"dataset" mapstructure:"dataset"`
	Reference  ReferenceConfig  `yaml:"reference" mapstructure:"reference"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Impute     ImputeConfig     `yaml:"impute" mapstructure:"impute"`
	Embedding  EmbeddingConfig  `yaml:"embedding" mapstructure:"embedding"`
	Model      ModelConfig      `yaml:"model" mapstructure:"model"`
	History    HistoryConfig    `yaml:"history" mapstructure:"history"`
	Lock       LockConfig       `yaml:"lock" mapstructure:"lock"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// SourceConfig locates the raw external catalog extract. Location may be a
// local path or an http(s):// or ftp:// URL.
type SourceConfig struct {
	Location    string `yaml:"location" mapstructure:"location"`
	Sheet       string `yaml:"sheet" mapstructure:"sheet"`
	HeaderRow   int    `yaml:"header_row" mapstructure:"header_row"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSec  int    `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// DatasetConfig configures the persisted programs workbook shared with reviewers.
type DatasetConfig struct {
	Path          string `yaml:"path" mapstructure:"path"`
	Sheet         string `yaml:"sheet" mapstructure:"sheet"`
	BackupDir     string `yaml:"backup_dir" mapstructure:"backup_dir"`
	RetryAttempts int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelayMs  int    `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
}

// RetryDelay returns the configured delay between busy-store retries.
func (d DatasetConfig) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelayMs) * time.Millisecond
}

// ReferenceConfig points at the read-only reference tables.
type ReferenceConfig struct {
	CatalogPath  string `yaml:"catalog_path" mapstructure:"catalog_path"`
	TrainingPath string `yaml:"training_path" mapstructure:"training_path"`
	ValueMapPath string `yaml:"value_map_path" mapstructure:"value_map_path"`
}

// ClassifierConfig configures the match decision.
type ClassifierConfig struct {
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
	TopK      int     `yaml:"top_k" mapstructure:"top_k"`
}

// ImputeConfig controls filling missing broad fields during normalization.
type ImputeConfig struct {
	Enabled   bool `yaml:"enabled" mapstructure:"enabled"`
	Neighbors int  `yaml:"neighbors" mapstructure:"neighbors"`
}

// EmbeddingConfig configures the text embedding function. Backend is
// "hashing" (Dim applies) or "onnx" (ModelPath and VocabPath apply).
type EmbeddingConfig struct {
	Backend        string `yaml:"backend" mapstructure:"backend"`
	Dim            int    `yaml:"dim" mapstructure:"dim"`
	BatchSize      int    `yaml:"batch_size" mapstructure:"batch_size"`
	Workers        int    `yaml:"workers" mapstructure:"workers"`
	MaxBatchBytes  int64  `yaml:"max_batch_bytes" mapstructure:"max_batch_bytes"`
	ModelPath      string `yaml:"model_path" mapstructure:"model_path"`
	VocabPath      string `yaml:"vocab_path" mapstructure:"vocab_path"`
	ProjectionPath string `yaml:"projection_path" mapstructure:"projection_path"`
	RuntimePath    string `yaml:"runtime_path" mapstructure:"runtime_path"`
	MaxSeqLen      int    `yaml:"max_seq_len" mapstructure:"max_seq_len"`
	Threads        int    `yaml:"threads" mapstructure:"threads"`
}

// ModelConfig configures the versioned model repository and training.
type ModelConfig struct {
	Dir          string  `yaml:"dir" mapstructure:"dir"`
	AutoTrain    bool    `yaml:"auto_train" mapstructure:"auto_train"`
	Epochs       int     `yaml:"epochs" mapstructure:"epochs"`
	LearningRate float64 `yaml:"learning_rate" mapstructure:"learning_rate"`
	L2           float64 `yaml:"l2" mapstructure:"l2"`
}

// HistoryConfig configures the history ledger and snapshots.
type HistoryConfig struct {
	Dir                string `yaml:"dir" mapstructure:"dir"`
	ConsolidationBound int    `yaml:"consolidation_bound" mapstructure:"consolidation_bound"`
}

// LockConfig configures the run lease.
type LockConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	TTLMinutes int    `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
}

// TTL returns the lease time-to-live.
func (l LockConfig) TTL() time.Duration {
	return time.Duration(l.TTLMinutes) * time.Minute
}

// StoreConfig configures the run ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures run-health alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (optional) and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from the given YAML file, or from
// ./config.yaml when path is empty. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("REFERENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.header_row", 0)
	v.SetDefault("source.timeout_secs", 60)
	v.SetDefault("source.user_agent", "referent-cli/1.0")
	v.SetDefault("source.rate_per_sec", 2)
	v.SetDefault("dataset.path", "data/programs.xlsx")
	v.SetDefault("dataset.sheet", "Programs")
	v.SetDefault("dataset.backup_dir", "data/backups")
	v.SetDefault("dataset.retry_attempts", 3)
	v.SetDefault("dataset.retry_delay_ms", 2000)
	v.SetDefault("reference.catalog_path", "ref/catalog.xlsx")
	v.SetDefault("reference.training_path", "ref/training.xlsx")
	v.SetDefault("reference.value_map_path", "")
	v.SetDefault("classifier.threshold", 0.70)
	v.SetDefault("classifier.top_k", 5)
	v.SetDefault("impute.enabled", false)
	v.SetDefault("impute.neighbors", 5)
	v.SetDefault("embedding.backend", "hashing")
	v.SetDefault("embedding.dim", 256)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.workers", 4)
	v.SetDefault("embedding.max_batch_bytes", 64<<20)
	v.SetDefault("embedding.max_seq_len", 128)
	v.SetDefault("embedding.threads", 4)
	v.SetDefault("model.dir", "models")
	v.SetDefault("model.auto_train", false)
	v.SetDefault("model.epochs", 300)
	v.SetDefault("model.learning_rate", 0.5)
	v.SetDefault("model.l2", 0.0001)
	v.SetDefault("history.dir", "data/history")
	v.SetDefault("history.consolidation_bound", 20)
	v.SetDefault("lock.path", "")
	v.SetDefault("lock.ttl_minutes", 30)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "data/runs.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	if errors.As(err, &nf) {
		return true
	}
	// SetConfigFile on a missing path surfaces the os error instead.
	return errors.Is(err, fs.ErrNotExist)
}

// Validate checks settings the pipeline cannot run without.
func (c *Config) Validate() error {
	var problems []string
	if c.Dataset.Path == "" {
		problems = append(problems, "dataset.path is required")
	}
	if c.Classifier.Threshold < 0 || c.Classifier.Threshold > 1 {
		problems = append(problems, "classifier.threshold must be within [0,1]")
	}
	if c.Classifier.TopK <= 0 {
		problems = append(problems, "classifier.top_k must be positive")
	}
	if c.History.ConsolidationBound <= 0 {
		problems = append(problems, "history.consolidation_bound must be positive")
	}
	switch c.Embedding.Backend {
	case "", "hashing":
		if c.Embedding.Dim <= 0 {
			problems = append(problems, "embedding.dim must be positive")
		}
	case "onnx":
		if c.Embedding.ModelPath == "" || c.Embedding.VocabPath == "" {
			problems = append(problems, "embedding.model_path and embedding.vocab_path are required for the onnx backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("embedding.backend %q is not hashing or onnx", c.Embedding.Backend))
	}
	if c.Lock.TTLMinutes <= 0 {
		problems = append(problems, "lock.ttl_minutes must be positive")
	}
	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
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
