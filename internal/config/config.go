package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "gochat"

type Config struct {
	ServerAddr       string        `envconfig:"SERVER_ADDR" default:"localhost:8000"`
	MongoURI         string        `envconfig:"MONGO_URI" required:"true"`
	MongoDatabase    string        `envconfig:"MONGO_DATABASE" default:"gochat"`
	SigningSecret    string        `envconfig:"SIGNING_KEY" required:"true"`
	AllowedOrigins   []string      `envconfig:"ALLOWED_ORIGINS"`
	JoinTimeout      time.Duration `envconfig:"JOIN_TIMEOUT" default:"3s"`
	TouchTimeout     time.Duration `envconfig:"TOUCH_TIMEOUT" default:"5s"`
	ProfileCacheSize int           `envconfig:"PROFILE_CACHE_SIZE" default:"1024"`
	ProfileCacheTTL  time.Duration `envconfig:"PROFILE_CACHE_TTL" default:"1m"`
	SendBuffer       int           `envconfig:"SEND_BUFFER" default:"256"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	LogLevel         string        `envconfig:"LOG_LEVEL" default:"info"`
	LogDevelopment   bool          `envconfig:"LOG_DEVELOPMENT" default:"false"`

	SigningKey []byte `ignored:"true"`
}

// Load reads GOCHAT_* variables, after loading envFile into the environment
// when one is given. Variables already set take precedence over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func (c *Config) validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.MongoURI == "" {
		return fmt.Errorf("mongo uri cannot be empty")
	}
	if c.MongoDatabase == "" {
		return fmt.Errorf("mongo database cannot be empty")
	}
	if c.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	for name, d := range map[string]time.Duration{
		"join timeout":      c.JoinTimeout,
		"touch timeout":     c.TouchTimeout,
		"profile cache ttl": c.ProfileCacheTTL,
		"shutdown timeout":  c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ProfileCacheSize <= 0 {
		return fmt.Errorf("profile cache size must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send buffer must be positive")
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	return nil
}

// NewLogger builds the process logger: JSON in production, console output in
// development mode.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}
