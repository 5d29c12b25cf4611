package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/finitoshi/chibi/pkg/models"
)

// Config holds all gateway configuration.
type Config struct {
	Listen    string             `yaml:"listen"`
	DBPath    string             `yaml:"db_path"`
	Log       LogConfig          `yaml:"log"`
	Telegram  TelegramConfig     `yaml:"telegram"`
	Backend   BackendConfig      `yaml:"backend"`
	Router    RouterConfig       `yaml:"router"`
	Chain     ChainConfig        `yaml:"chain"`
	Image     ImageConfig        `yaml:"image"`
	Storage   StorageConfig      `yaml:"storage"`
	Cache     CacheConfig        `yaml:"cache"`
	Session   SessionConfig      `yaml:"session"`
	Audit     models.AuditConfig `yaml:"audit"`
	RateLimit RateLimitConfig    `yaml:"ratelimit"`
}

// LogConfig selects the log level ("debug", "info", "warn", "error").
type LogConfig struct {
	Level string `yaml:"level"`
}

// TelegramConfig defines the messaging platform credentials.
type TelegramConfig struct {
	BotToken      string        `yaml:"bot_token"`
	APIURL        string        `yaml:"api_url"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Timeout       time.Duration `yaml:"timeout"`
}

// BackendConfig defines the inference backend and its retry policy.
type BackendConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Temperature    float64       `yaml:"temperature"`
}

// RouterConfig maps capability tiers to backend models.
type RouterConfig struct {
	TextModel    string `yaml:"text_model"`
	VisionModel  string `yaml:"vision_model"`
	TextSystem   string `yaml:"text_system"`
	VisionSystem string `yaml:"vision_system"`
}

// ChainConfig defines the RPC endpoint and the gated asset identifiers.
type ChainConfig struct {
	RPCURL        string        `yaml:"rpc_url"`
	StandardAsset string        `yaml:"standard_asset"`
	VisionAsset   string        `yaml:"vision_asset"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ImageConfig defines the image generation backend.
type ImageConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

// StorageConfig selects where artifacts are persisted. A mongodb:// URI
// selects MongoDB; anything else is treated as a SQLite path.
type StorageConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Driver        string        `yaml:"driver"`
	TTL           time.Duration `yaml:"ttl"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// SessionConfig selects the session store driver ("memory" or "sqlite").
type SessionConfig struct {
	Driver string `yaml:"driver"`
}

// RateLimitConfig bounds inbound updates per chat.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// envOverrides lists the environment variables that take precedence over
// the YAML file.
type envOverrides struct {
	BotToken      string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramAPI   string `env:"TELEGRAM_API_URL"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	BackendKey    string `env:"GROK_API_KEY"`
	BackendURL    string `env:"GROK_API_URL"`
	RPCURL        string `env:"SOLANA_RPC_URL"`
	StandardAsset string `env:"CHIBI_NFT_ADDRESS"`
	VisionAsset   string `env:"BITTY_NFT_ADDRESS"`
	ImageURL      string `env:"HUGGINGFACE_SPACE_URL"`
	ImageToken    string `env:"HUGGINGFACE_API_TOKEN"`
	MongoURI      string `env:"MONGO_URI"`
	StorageURI    string `env:"STORAGE_URI"`
	RedisAddr     string `env:"REDIS_ADDR"`
	Port          string `env:"PORT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8000",
		DBPath: "chibi.db",
		Log:    LogConfig{Level: "info"},
		Telegram: TelegramConfig{
			APIURL:  "https://api.telegram.org",
			Timeout: 30 * time.Second,
		},
		Backend: BackendConfig{
			URL:            "https://api.x.ai/v1/chat/completions",
			MaxAttempts:    3,
			BaseDelay:      2 * time.Second,
			AttemptTimeout: 60 * time.Second,
		},
		Router: RouterConfig{
			TextModel:    "grok-beta",
			VisionModel:  "grok-vision-beta",
			TextSystem:   "You are Grok, a chatbot inspired by the Hitchhiker's Guide to the Galaxy.",
			VisionSystem: "You are Grok with vision capabilities.",
		},
		Chain: ChainConfig{
			RPCURL:  "https://api.mainnet-beta.solana.com",
			Timeout: 10 * time.Second,
		},
		Image: ImageConfig{
			PollInterval: time.Second,
			MaxWait:      2 * time.Minute,
		},
		Storage: StorageConfig{
			Database: "bot_db",
		},
		Cache: CacheConfig{
			Driver:        "sqlite",
			TTL:           60 * time.Second,
			PurgeInterval: 5 * time.Minute,
		},
		Session: SessionConfig{Driver: "memory"},
		Audit: models.AuditConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 1,
			Burst:     5,
		},
	}
}

// Load reads an optional YAML config file, expands environment variables in
// it, and applies environment overrides. A .env file in the working
// directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.fillDerived()
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("decode environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.BotToken, env.BotToken)
	set(&cfg.Telegram.APIURL, env.TelegramAPI)
	set(&cfg.Telegram.WebhookSecret, env.WebhookSecret)
	set(&cfg.Backend.APIKey, env.BackendKey)
	set(&cfg.Backend.URL, env.BackendURL)
	set(&cfg.Chain.RPCURL, env.RPCURL)
	set(&cfg.Chain.StandardAsset, env.StandardAsset)
	set(&cfg.Chain.VisionAsset, env.VisionAsset)
	set(&cfg.Image.URL, env.ImageURL)
	set(&cfg.Image.Token, env.ImageToken)
	set(&cfg.Storage.URI, env.MongoURI)
	set(&cfg.Storage.URI, env.StorageURI)
	if env.RedisAddr != "" {
		cfg.Cache.RedisAddr = env.RedisAddr
		cfg.Cache.Driver = "redis"
	}
	if env.Port != "" {
		cfg.Listen = ":" + strings.TrimPrefix(env.Port, ":")
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.Telegram.WebhookSecret == "" {
		c.Telegram.WebhookSecret = c.Telegram.BotToken
	}
	if c.Storage.URI == "" {
		c.Storage.URI = c.DBPath
	}
	if c.Audit.DBPath == "" {
		c.Audit.DBPath = c.DBPath
	}
}

// IsMongo reports whether the storage URI selects MongoDB.
func (s StorageConfig) IsMongo() bool {
	return strings.HasPrefix(s.URI, "mongodb://") || strings.HasPrefix(s.URI, "mongodb+srv://")
}
