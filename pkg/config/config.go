package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Neo4j    Neo4jConfig    `mapstructure:"neo4j"`
	Detector DetectorConfig `mapstructure:"detector"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	ReadTimeout    int      `mapstructure:"read_timeout"`
	WriteTimeout   int      `mapstructure:"write_timeout"`
	BodyLimit      int      `mapstructure:"body_limit"`
	RateLimit      int      `mapstructure:"rate_limit"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	Development    bool     `mapstructure:"development"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	ProgressTTL int    `mapstructure:"progress_ttl"`
	RulesTTL    int    `mapstructure:"rules_ttl"`
}

type Neo4jConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type DetectorConfig struct {
	URL        string `mapstructure:"url"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type SymbolicConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	RulesSource string `mapstructure:"rules_source"`
}

type PipelineConfig struct {
	ConfidenceThreshold float64           `mapstructure:"confidence_threshold"`
	IoUThreshold        float64           `mapstructure:"iou_threshold"`
	SliceWidth          int               `mapstructure:"slice_width"`
	SliceHeight         int               `mapstructure:"slice_height"`
	OverlapRatio        float64           `mapstructure:"overlap_ratio"`
	DeviceHint          string            `mapstructure:"device_hint"`
	TileConcurrency     int               `mapstructure:"tile_concurrency"`
	SymbolicReasoning   SymbolicConfig    `mapstructure:"symbolic_reasoning"`
	ClassMap            map[string]string `mapstructure:"class_map"`
}

type WorkerConfig struct {
	Count     int `mapstructure:"count"`
	QueueSize int `mapstructure:"queue_size"`
}

type StorageConfig struct {
	UploadDir    string   `mapstructure:"upload_dir"`
	ResultsDir   string   `mapstructure:"results_dir"`
	MaxImages    int      `mapstructure:"max_images"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load reads configuration from config.yaml (if present), NSAI_* environment
// variables and defaults, in increasing order of precedence for env.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path searches
// the default locations.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/nsai-detect")
	}

	v.SetEnvPrefix("NSAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	p := c.Pipeline
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("pipeline.confidence_threshold must be in [0,1], got %v", p.ConfidenceThreshold)
	}
	if p.IoUThreshold < 0 || p.IoUThreshold > 1 {
		return fmt.Errorf("pipeline.iou_threshold must be in [0,1], got %v", p.IoUThreshold)
	}
	if p.SliceWidth <= 0 || p.SliceHeight <= 0 {
		return fmt.Errorf("pipeline slice dimensions must be positive, got %dx%d", p.SliceWidth, p.SliceHeight)
	}
	if p.OverlapRatio < 0 || p.OverlapRatio >= 1 {
		return fmt.Errorf("pipeline.overlap_ratio must be in [0,1), got %v", p.OverlapRatio)
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be positive, got %d", c.Worker.Count)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.body_limit", 10485760)
	v.SetDefault("server.rate_limit", 60)
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/nsai.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.progress_ttl", 86400)
	v.SetDefault("redis.rules_ttl", 300)

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("detector.url", "http://localhost:8001/predict")
	v.SetDefault("detector.timeout_sec", 30)
	v.SetDefault("detector.max_retries", 3)

	v.SetDefault("pipeline.confidence_threshold", 0.25)
	v.SetDefault("pipeline.iou_threshold", 0.45)
	v.SetDefault("pipeline.slice_width", 640)
	v.SetDefault("pipeline.slice_height", 640)
	v.SetDefault("pipeline.overlap_ratio", 0.2)
	v.SetDefault("pipeline.device_hint", "cpu")
	v.SetDefault("pipeline.tile_concurrency", 4)
	v.SetDefault("pipeline.symbolic_reasoning.enabled", true)
	v.SetDefault("pipeline.symbolic_reasoning.rules_source", "./rules/rules.pl")

	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.queue_size", 64)

	v.SetDefault("storage.upload_dir", "./data/uploads")
	v.SetDefault("storage.results_dir", "./data/results")
	v.SetDefault("storage.max_images", 100)
	v.SetDefault("storage.allowed_types", []string{".jpg", ".jpeg", ".png", ".bmp", ".tiff"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")
}
