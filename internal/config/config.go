// Package config loads bowlingMate configuration from struct defaults,
// an optional YAML file and BOWLINGMATE_* environment variables, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/bowlingmate/config.yaml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces environment overrides, e.g.
// BOWLINGMATE_BACKEND_BASE_URL -> backend.base_url.
const envPrefix = "BOWLINGMATE_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Backend  BackendConfig  `koanf:"backend"`
	Scan     ScanConfig     `koanf:"scan"`
	Clip     ClipConfig     `koanf:"clip"`
	Analysis AnalysisConfig `koanf:"analysis"`
	Storage  StorageConfig  `koanf:"storage"`
	Log      LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Port          int   `koanf:"port"`
	MaxUploadSize int64 `koanf:"max_upload_size"`
}

// BackendConfig points at the remote Scout/Coach service.
type BackendConfig struct {
	BaseURL        string        `koanf:"base_url"`
	APISecret      string        `koanf:"api_secret"`
	DetectTimeout  time.Duration `koanf:"detect_timeout"`
	AnalysisWindow time.Duration `koanf:"analysis_window"`
	DetectRPS      float64       `koanf:"detect_rps"`
}

type ScanConfig struct {
	ChunkSeconds   float64 `koanf:"chunk_seconds"`
	OverlapSeconds float64 `koanf:"overlap_seconds"`
	MaxConcurrent  int     `koanf:"max_concurrent"`
	DedupThreshold float64 `koanf:"dedup_threshold"`
	// Prefetch controls warm-uploading finished clips to the backend:
	// none, first or all.
	Prefetch string `koanf:"prefetch"`
}

type ClipConfig struct {
	PreRollSeconds  float64       `koanf:"pre_roll_seconds"`
	PostRollSeconds float64       `koanf:"post_roll_seconds"`
	PreviewTimeout  time.Duration `koanf:"preview_timeout"`
	// PreviewTimeoutPerSecond extends the preview timeout for longer
	// windows.
	PreviewTimeoutPerSecond time.Duration `koanf:"preview_timeout_per_second"`
	PrecisionTimeout        time.Duration `koanf:"precision_timeout"`
	// PrecisionContention extends the precision timeout per concurrent
	// extraction already in flight.
	PrecisionContention time.Duration `koanf:"precision_contention"`
}

type AnalysisConfig struct {
	MaxConcurrent int    `koanf:"max_concurrent"`
	Depth         string `koanf:"depth"`
	Language      string `koanf:"language"`
}

type StorageConfig struct {
	UploadDir string `koanf:"upload_dir"`
	ClipDir   string `koanf:"clip_dir"`
	DBPath    string `koanf:"db_path"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8080,
			MaxUploadSize: 500 << 20,
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8000",
			DetectTimeout:  2 * time.Minute,
			AnalysisWindow: 8 * time.Minute,
			DetectRPS:      2,
		},
		Scan: ScanConfig{
			ChunkSeconds:   120,
			OverlapSeconds: 2.5,
			MaxConcurrent:  5,
			DedupThreshold: 2.0,
			Prefetch:       "first",
		},
		Clip: ClipConfig{
			PreRollSeconds:          3,
			PostRollSeconds:         2,
			PreviewTimeout:          10 * time.Second,
			PreviewTimeoutPerSecond: 250 * time.Millisecond,
			PrecisionTimeout:        30 * time.Second,
			PrecisionContention:     10 * time.Second,
		},
		Analysis: AnalysisConfig{
			MaxConcurrent: 1,
			Depth:         "club",
			Language:      "en",
		},
		Storage: StorageConfig{
			UploadDir: "./uploads",
			ClipDir:   "./clips",
			DBPath:    "./bowlingmate.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, file and environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		return strings.Replace(s, "_", ".", 1)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Scan.ChunkSeconds <= 0 {
		return fmt.Errorf("scan.chunk_seconds must be positive, got %v", c.Scan.ChunkSeconds)
	}
	if c.Scan.OverlapSeconds < 0 || c.Scan.OverlapSeconds >= c.Scan.ChunkSeconds {
		return fmt.Errorf("scan.overlap_seconds must be in [0, chunk_seconds), got %v", c.Scan.OverlapSeconds)
	}
	if c.Scan.MaxConcurrent < 1 {
		return fmt.Errorf("scan.max_concurrent must be at least 1, got %d", c.Scan.MaxConcurrent)
	}
	if c.Scan.DedupThreshold <= 0 {
		return fmt.Errorf("scan.dedup_threshold must be positive, got %v", c.Scan.DedupThreshold)
	}
	switch c.Scan.Prefetch {
	case "none", "first", "all":
	default:
		return fmt.Errorf("scan.prefetch must be none, first or all, got %q", c.Scan.Prefetch)
	}
	if c.Analysis.MaxConcurrent < 1 {
		return fmt.Errorf("analysis.max_concurrent must be at least 1, got %d", c.Analysis.MaxConcurrent)
	}
	if c.Clip.PreRollSeconds < 0 || c.Clip.PostRollSeconds < 0 {
		return fmt.Errorf("clip pre/post roll must not be negative")
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
