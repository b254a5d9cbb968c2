package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"SceneForge-server/apperr"
)

const (
	StrategyPersistent = "persistent"
	StrategySingleShot = "single_shot"
	StrategyQueue      = "queue"
)

type Config struct {
	Server struct {
		Port string `yaml:"port" env:"SCENEFORGE_PORT"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver" env:"SCENEFORGE_DB_DRIVER"` // mysql | sqlite
		DSN    string `yaml:"dsn" env:"SCENEFORGE_DB_DSN"`
	} `yaml:"database"`
	Provider   ProviderConfig   `yaml:"provider"`
	Generation GenerationConfig `yaml:"generation"`
	Execution  struct {
		Strategy string `yaml:"strategy" env:"SCENEFORGE_EXECUTION_STRATEGY"`
	} `yaml:"execution"`
	Story struct {
		ID          string `yaml:"id"`
		PayloadPath string `yaml:"payload_path"`
	} `yaml:"story"`
	References ReferencesConfig `yaml:"references"`
	Character  CharacterConfig  `yaml:"character"`
	Redis      struct {
		Addr     string `yaml:"addr" env:"SCENEFORGE_REDIS_ADDR"`
		Password string `yaml:"password" env:"SCENEFORGE_REDIS_PASSWORD"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY"`
		SecretKey string `yaml:"secret_key" env:"MINIO_SECRET_KEY"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
	Webhook struct {
		Secret string `yaml:"secret" env:"WAVESPEED_WEBHOOK_SECRET"`
	} `yaml:"webhook"`
}

type ProviderConfig struct {
	BaseURL               string `yaml:"base_url"`
	APIKey                string `yaml:"api_key" env:"WAVESPEED_API_KEY"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	ImageModel            string `yaml:"image_model"`
	VideoModel            string `yaml:"video_model"`
}

type GenerationConfig struct {
	PollIntervalSeconds  int    `yaml:"poll_interval_seconds"`
	PollTimeoutSeconds   int    `yaml:"poll_timeout_seconds"`
	ImageResolution      string `yaml:"image_resolution"`
	ImageOutputFormat    string `yaml:"image_output_format"`
	VideoDurationSeconds int    `yaml:"video_duration_seconds"`
	VideoResolution      string `yaml:"video_resolution"`
	MovementAmplitude    string `yaml:"movement_amplitude"`
	GenerateAudio        bool   `yaml:"generate_audio"`
	BGM                  bool   `yaml:"bgm"`
}

type ReferencesConfig struct {
	Root                  string   `yaml:"root"`
	ShortLinkDomains      []string `yaml:"short_link_domains"`
	RequestTimeoutSeconds int      `yaml:"request_timeout_seconds"`
}

type CharacterConfig struct {
	Name               string   `yaml:"name" env:"SCENEFORGE_CHARACTER_NAME"`
	RegistryReuse      bool     `yaml:"registry_reuse"`
	AuditEnabled       bool     `yaml:"audit_enabled"`
	MinConfidenceScore float64  `yaml:"min_confidence_score"`
	AuditSources       []string `yaml:"audit_sources"`
	SerpAPIKey         string   `yaml:"serpapi_key" env:"SERPAPI_KEY"`
}

// Default returns the values used when config.yaml leaves a field out.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = ":8080"
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "data/sceneforge.db"
	cfg.Provider.BaseURL = "https://api.wavespeed.ai/api/v3"
	cfg.Provider.RequestTimeoutSeconds = 90
	cfg.Provider.ImageModel = "google/nano-banana-pro/edit"
	cfg.Provider.VideoModel = "wavespeed-ai/wan-2.2/image-to-video"
	cfg.Generation = GenerationConfig{
		PollIntervalSeconds:  5,
		PollTimeoutSeconds:   1200,
		ImageResolution:      "1k",
		ImageOutputFormat:    "png",
		VideoDurationSeconds: 6,
		VideoResolution:      "720p",
		MovementAmplitude:    "auto",
		GenerateAudio:        true,
		BGM:                  true,
	}
	cfg.Execution.Strategy = StrategyPersistent
	cfg.References.Root = "."
	cfg.References.ShortLinkDomains = []string{"pin.it", "pinterest."}
	cfg.References.RequestTimeoutSeconds = 20
	cfg.Character.RegistryReuse = true
	cfg.Character.AuditEnabled = true
	cfg.Character.MinConfidenceScore = 0.72
	cfg.Character.AuditSources = []string{"web", "encyclopedia", "commons"}
	cfg.MinIO.Bucket = "sceneforge"
	return cfg
}

// Load reads the base document, merges the optional override document and
// finally applies environment variables.
func Load(path, overridePath string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if overridePath != "" {
		o, err := LoadOverride(overridePath)
		if err != nil {
			return nil, err
		}
		cfg.Apply(o)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing env: %w", err)
	}
	return cfg, nil
}

// Validate checks settings every command needs. Credentials for live
// generation are checked where live generation is attempted.
func (c *Config) Validate() error {
	switch c.Execution.Strategy {
	case StrategyPersistent, StrategySingleShot:
	case StrategyQueue:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return apperr.Configuration("redis.addr is required for the queue strategy")
		}
	default:
		return apperr.Configuration("unknown execution strategy %q", c.Execution.Strategy)
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return apperr.Configuration("unknown database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return apperr.Configuration("database.dsn is required")
	}
	if c.Generation.PollIntervalSeconds <= 0 || c.Generation.PollTimeoutSeconds <= 0 {
		return apperr.Configuration("poll interval and timeout must be positive")
	}
	if c.Character.MinConfidenceScore < 0 || c.Character.MinConfidenceScore > 1 {
		return apperr.Configuration("character.min_confidence_score must be within [0,1]")
	}
	return nil
}

func (g GenerationConfig) PollInterval() time.Duration {
	return time.Duration(g.PollIntervalSeconds) * time.Second
}

func (g GenerationConfig) PollTimeout() time.Duration {
	return time.Duration(g.PollTimeoutSeconds) * time.Second
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (p ProviderConfig) RequestTimeout() time.Duration { return seconds(p.RequestTimeoutSeconds) }

func (r ReferencesConfig) RequestTimeout() time.Duration { return seconds(r.RequestTimeoutSeconds) }
