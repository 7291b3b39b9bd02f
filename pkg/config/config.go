// Package config loads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the settings shared by the recorder and chunkstore binaries
type Config struct {
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// LogFile, when set, also writes logs to a rotating file
	LogFile string `mapstructure:"log_file"`

	NATSURL         string `mapstructure:"nats_url" validate:"required,url"`
	MongoURI        string `mapstructure:"mongodb_uri" validate:"required"`
	MongoDatabase   string `mapstructure:"mongodb_database" validate:"required"`
	JWTSecret       string `mapstructure:"jwt_secret" validate:"required"`
	ChunkstoreQueue string `mapstructure:"chunkstore_queue" validate:"required"`

	CaptureInterval  time.Duration `mapstructure:"capture_interval" validate:"gt=0"`
	SyncInterval     time.Duration `mapstructure:"sync_interval" validate:"gt=0"`
	SyncMaxInFlight  int           `mapstructure:"sync_max_in_flight" validate:"min=1"`
	SyncMaxBackoff   time.Duration `mapstructure:"sync_max_backoff" validate:"gtfield=SyncInterval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	CombineTimeout   time.Duration `mapstructure:"combine_timeout" validate:"gt=0"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
	RecordingIdleTTL time.Duration `mapstructure:"recording_idle_ttl" validate:"gt=0"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

func setDefault(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("NATS_URL", "nats://127.0.0.1:4222")
	v.SetDefault("MONGODB_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGODB_DATABASE", "precepto")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("CHUNKSTORE_QUEUE", "chunkstore")

	v.SetDefault("CAPTURE_INTERVAL", 250*time.Millisecond)
	v.SetDefault("SYNC_INTERVAL", 5*time.Second)
	v.SetDefault("SYNC_MAX_IN_FLIGHT", 8)
	v.SetDefault("SYNC_MAX_BACKOFF", time.Minute)
	v.SetDefault("REQUEST_TIMEOUT", 5*time.Second)
	v.SetDefault("COMBINE_TIMEOUT", 135*time.Second)
	v.SetDefault("CLEANUP_INTERVAL", time.Minute)
	v.SetDefault("RECORDING_IDLE_TTL", 30*time.Minute)
	v.SetDefault("SHUTDOWN_TIMEOUT", 10*time.Second)
}

// Load reads .env files (the working directory's .env when none are given),
// then the environment, and validates the result. Missing .env files are
// not an error.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	v := viper.New()
	setDefault(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Addr is the listen address of the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
