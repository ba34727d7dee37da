package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/arnavshah/ecs-timetable/pkg/models"
)

// Config holds the service configuration, read from the environment
type Config struct {
	Port        string `envconfig:"PORT" default:"8000"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// DatabaseURL selects Postgres; without it a sqlite file at DataPath is used.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DataPath    string `envconfig:"DATA_PATH" default:"timetable.db"`

	JWTSecret       string `envconfig:"JWT_SECRET"`
	APIMasterSecret string `envconfig:"API_MASTER_SECRET"`
	AdminUsername   string `envconfig:"ADMIN_USERNAME" default:"admin"`
	AdminPassword   string `envconfig:"ADMIN_PASSWORD" default:"admin123"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	OptimizeTimeout  time.Duration `envconfig:"OPTIMIZE_TIMEOUT" default:"2m"`
	LockTTL          time.Duration `envconfig:"LOCK_TTL" default:"30s"`
	GAPopulationSize int           `envconfig:"GA_POPULATION_SIZE" default:"100"`
	GAGenerations    int           `envconfig:"GA_GENERATIONS" default:"100"`

	DBConnectTimeout time.Duration `envconfig:"DB_CONNECT_TIMEOUT" default:"30s"`
}

// envPaths are the .env candidates, first match wins
var envPaths = []string{".env", "../.env", "../../.env"}

// LoadDotEnv loads the first .env file found
func LoadDotEnv() {
	for _, p := range envPaths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// Load reads .env (if any) and decodes the environment
func Load() (*Config, error) {
	LoadDotEnv()
	return FromEnv()
}

// FromEnv decodes the environment without touching .env files
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that have no sensible default
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.APIMasterSecret == "" {
			return fmt.Errorf("API_MASTER_SECRET is required in production")
		}
	}
	if c.OptimizeTimeout <= 0 {
		return fmt.Errorf("OPTIMIZE_TIMEOUT must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}
	if c.GAPopulationSize < 1 || c.GAPopulationSize > models.MaxPopulationSize {
		return fmt.Errorf("GA_POPULATION_SIZE must be between 1 and %d", models.MaxPopulationSize)
	}
	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
