package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fieldsync/internal/domain/delta"
	"fieldsync/internal/domain/queue"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultServerAddress = "localhost:8080"
	defaultLogLevel      = "info"
	defaultEnv           = "local"
	defaultConfigDir     = ".fieldsync"
)

type Config struct {
	Env                 string `mapstructure:"app_env"`
	ServerAddress       string `mapstructure:"server_address"`
	LogLevel            string `mapstructure:"log_level"`
	ConfigDir           string `mapstructure:"config_dir"`
	TokenPath           string `mapstructure:"token_path"`
	DataPath            string `mapstructure:"data_path"`
	DeviceID            string `mapstructure:"device_id"`
	EnableTLS           bool   `mapstructure:"enable_tls"`
	EnableNotifications bool   `mapstructure:"enable_notifications"`
	SyncInterval        int    `mapstructure:"sync_interval_seconds"`

	Sync  SyncConfig  `mapstructure:"sync"`
	Queue QueueConfig `mapstructure:"queue"`
	Media MediaConfig `mapstructure:"media"`
}

type SyncConfig struct {
	BatchSize          int     `mapstructure:"batch_size"`
	MaxRetries         int     `mapstructure:"max_retries"`
	RetryDelayMs       int     `mapstructure:"retry_delay_ms"`
	MaxRetryDelayMs    int     `mapstructure:"max_retry_delay_ms"`
	BackoffMultiplier  float64 `mapstructure:"backoff_multiplier"`
	ConflictResolution string  `mapstructure:"conflict_resolution"`
	EnableOT           bool    `mapstructure:"enable_ot"`
}

type QueueConfig struct {
	RetryDelayMs        int `mapstructure:"retry_delay_ms"`
	MaxAttempts         int `mapstructure:"max_attempts"`
	FailedRetentionDays int `mapstructure:"failed_retention_days"`
}

type MediaConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// MustLoad загружает конфигурацию клиента
func MustLoad() *Config {
	// Определяем путь к .env файлу (относительно места запуска)
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		envPath = "../.env"
	}

	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			fmt.Printf("Ошибка загрузки .env файла: %v\n", err)
		}
	}

	config, err := Load()
	if err != nil {
		panic(fmt.Sprintf("Ошибка конфигурации: %v", err))
	}

	return config
}

func setDefaults() {
	viper.SetDefault("APP_ENV", defaultEnv)
	viper.SetDefault("SERVER_ADDRESS", defaultServerAddress)
	viper.SetDefault("LOG_LEVEL", defaultLogLevel)
	viper.SetDefault("CONFIG_DIR", defaultConfigDir)
	viper.SetDefault("SYNC_INTERVAL_SECONDS", 30)
	viper.SetDefault("ENABLE_TLS", true)
	viper.SetDefault("ENABLE_NOTIFICATIONS", true)

	policy := delta.DefaultPolicy()
	viper.SetDefault("SYNC_BATCH_SIZE", policy.BatchSize)
	viper.SetDefault("SYNC_MAX_RETRIES", policy.MaxRetries)
	viper.SetDefault("SYNC_RETRY_DELAY_MS", policy.RetryDelay.Milliseconds())
	viper.SetDefault("SYNC_MAX_RETRY_DELAY_MS", policy.MaxRetryDelay.Milliseconds())
	viper.SetDefault("SYNC_BACKOFF_MULTIPLIER", policy.BackoffMultiplier)
	viper.SetDefault("SYNC_CONFLICT_RESOLUTION", string(policy.ConflictResolution))
	viper.SetDefault("SYNC_ENABLE_OT", policy.EnableOperationalTransform)

	qc := queue.DefaultConfig()
	viper.SetDefault("QUEUE_RETRY_DELAY_MS", qc.RetryDelay.Milliseconds())
	viper.SetDefault("QUEUE_MAX_ATTEMPTS", qc.MaxAttempts)
	viper.SetDefault("QUEUE_FAILED_RETENTION_DAYS", 7)

	viper.SetDefault("MEDIA_REGION", "us-east-1")
}

// Load читает конфигурацию из окружения и файла, подключенного через viper
func Load() (*Config, error) {
	viper.AutomaticEnv()
	setDefaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	configDir := viper.GetString("CONFIG_DIR")
	if configDir == defaultConfigDir {
		configDir = filepath.Join(homeDir, configDir)
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("ошибка создания директории конфигурации: %w", err)
	}

	dataPath := viper.GetString("DATA_PATH")
	if dataPath == "" {
		dataPath = filepath.Join(configDir, "fieldsync.db")
	}

	deviceID := viper.GetString("DEVICE_ID")
	if deviceID == "" {
		deviceID = defaultDeviceID()
	}

	config := &Config{
		Env:                 viper.GetString("APP_ENV"),
		ServerAddress:       viper.GetString("SERVER_ADDRESS"),
		LogLevel:            viper.GetString("LOG_LEVEL"),
		ConfigDir:           configDir,
		TokenPath:           filepath.Join(configDir, "token"),
		DataPath:            dataPath,
		DeviceID:            deviceID,
		EnableTLS:           viper.GetBool("ENABLE_TLS"),
		EnableNotifications: viper.GetBool("ENABLE_NOTIFICATIONS"),
		SyncInterval:        viper.GetInt("SYNC_INTERVAL_SECONDS"),
		Sync: SyncConfig{
			BatchSize:          viper.GetInt("SYNC_BATCH_SIZE"),
			MaxRetries:         viper.GetInt("SYNC_MAX_RETRIES"),
			RetryDelayMs:       viper.GetInt("SYNC_RETRY_DELAY_MS"),
			MaxRetryDelayMs:    viper.GetInt("SYNC_MAX_RETRY_DELAY_MS"),
			BackoffMultiplier:  viper.GetFloat64("SYNC_BACKOFF_MULTIPLIER"),
			ConflictResolution: viper.GetString("SYNC_CONFLICT_RESOLUTION"),
			EnableOT:           viper.GetBool("SYNC_ENABLE_OT"),
		},
		Queue: QueueConfig{
			RetryDelayMs:        viper.GetInt("QUEUE_RETRY_DELAY_MS"),
			MaxAttempts:         viper.GetInt("QUEUE_MAX_ATTEMPTS"),
			FailedRetentionDays: viper.GetInt("QUEUE_FAILED_RETENTION_DAYS"),
		},
		Media: MediaConfig{
			Bucket:          viper.GetString("MEDIA_BUCKET"),
			Region:          viper.GetString("MEDIA_REGION"),
			Endpoint:        viper.GetString("MEDIA_ENDPOINT"),
			AccessKeyID:     viper.GetString("MEDIA_ACCESS_KEY_ID"),
			SecretAccessKey: viper.GetString("MEDIA_SECRET_ACCESS_KEY"),
			UsePathStyle:    viper.GetBool("MEDIA_USE_PATH_STYLE"),
		},
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("server_address не может быть пустым")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("device_id не может быть пустым")
	}
	if _, err := c.SyncPolicy(); err != nil {
		return err
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue_max_attempts должен быть больше нуля")
	}
	return nil
}

// SyncPolicy собирает политику синхронизации из настроек
func (c *Config) SyncPolicy() (delta.Policy, error) {
	strategy, err := delta.ParseStrategy(c.Sync.ConflictResolution)
	if err != nil {
		return delta.Policy{}, err
	}

	policy := delta.Policy{
		BatchSize:                  c.Sync.BatchSize,
		MaxRetries:                 c.Sync.MaxRetries,
		RetryDelay:                 time.Duration(c.Sync.RetryDelayMs) * time.Millisecond,
		MaxRetryDelay:              time.Duration(c.Sync.MaxRetryDelayMs) * time.Millisecond,
		BackoffMultiplier:          c.Sync.BackoffMultiplier,
		ConflictResolution:         strategy,
		EnableOperationalTransform: c.Sync.EnableOT,
	}
	if err := policy.Validate(); err != nil {
		return delta.Policy{}, err
	}
	return policy, nil
}

// QueueSettings настройки очереди повторов
func (c *Config) QueueSettings() queue.Config {
	return queue.Config{
		RetryDelay:  time.Duration(c.Queue.RetryDelayMs) * time.Millisecond,
		MaxAttempts: c.Queue.MaxAttempts,
	}
}

// SyncEvery интервал автоматической синхронизации, 0 отключает ее
func (c *Config) SyncEvery() time.Duration {
	return time.Duration(c.SyncInterval) * time.Second
}

// MediaEnabled загрузка фото включена, если задан бакет
func (c *Config) MediaEnabled() bool {
	return c.Media.Bucket != ""
}

func defaultDeviceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

// IsProd проверяет, prod ли окружение
func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

// IsDev проверяет, dev ли окружение
func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

// IsLocal проверяет, local ли окружение
func (c *Config) IsLocal() bool {
	return c.Env == "local" || c.Env == ""
}
