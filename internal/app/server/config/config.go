package config

import (
	"errors"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPath  = ".env"
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"

	defaultRunAddress      = ":8080"
	defaultMigrations      = "migrations"
	defaultShutdownTimeout = 10 * time.Second
)

var (
	ErrNoDatabaseURI = errors.New("DATABASE_URI is required")
	ErrNoAPIKeyHash  = errors.New("API_KEY_HASH is required")
)

type Config struct {
	Env    string
	DB     DB
	Server Server
	Logger Logger
	Auth   Auth
}

type DB struct {
	DatabaseURI string `env:"DATABASE_URI"`
	Migrations  string `env:"MIGRATIONS_PATH"`
}

type Server struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

type Logger struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type Auth struct {
	APIKeyHash string `env:"API_KEY_HASH"`
}

// MustLoad читает .env (если есть) и переменные окружения
func MustLoad() *Config {
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Printf("failed to load %s: %v", envPath, err)
		}
	}

	cfg, err := Load()
	if err != nil {
		log.Fatalf("invalid server config: %v", err)
	}
	return cfg
}

// Load собирает конфигурацию из окружения через viper
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("app_env", EnvLocal)
	v.SetDefault("run_address", defaultRunAddress)
	v.SetDefault("migrations_path", defaultMigrations)
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", defaultShutdownTimeout)

	cfg := &Config{
		Env: v.GetString("app_env"),
		DB: DB{
			DatabaseURI: v.GetString("database_uri"),
			Migrations:  v.GetString("migrations_path"),
		},
		Server: Server{
			RunAddress:      v.GetString("run_address"),
			ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		},
		Logger: Logger{LogLevel: v.GetString("log_level")},
		Auth:   Auth{APIKeyHash: v.GetString("api_key_hash")},
	}

	if cfg.DB.DatabaseURI == "" {
		return nil, ErrNoDatabaseURI
	}
	if cfg.Auth.APIKeyHash == "" {
		return nil, ErrNoAPIKeyHash
	}
	return cfg, nil
}
