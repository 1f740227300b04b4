package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	DB        DatabaseConfig
	Auth      AuthConfig
	Mesh      MeshConfig
	Broadcast BroadcastConfig
	Detector  DetectorConfig
	Worker    WorkerConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	Path string
}

type AuthConfig struct {
	JWTSecret string
}

type MeshConfig struct {
	KeyGracePeriod time.Duration
	SyncBatchLimit int
}

type BroadcastConfig struct {
	SendTimeout time.Duration
	BufferSize  int
}

type DetectorConfig struct {
	Enabled      bool
	URL          string
	PollInterval time.Duration
}

type WorkerConfig struct {
	Count      int
	BufferSize int
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "localhost"),
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		DB: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/campus-alerts.db"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Mesh: MeshConfig{
			KeyGracePeriod: getEnvDuration("MESH_KEY_GRACE_PERIOD", 7*24*time.Hour),
			SyncBatchLimit: getEnvInt("MESH_SYNC_BATCH_LIMIT", 1000),
		},
		Broadcast: BroadcastConfig{
			SendTimeout: getEnvDuration("BROADCAST_SEND_TIMEOUT", 5*time.Second),
			BufferSize:  getEnvInt("BROADCAST_BUFFER_SIZE", 64),
		},
		Detector: DetectorConfig{
			Enabled:      getEnvBool("DETECTOR_ENABLED", false),
			URL:          getEnv("DETECTOR_URL", ""),
			PollInterval: getEnvDuration("DETECTOR_POLL_INTERVAL", time.Minute),
		},
		Worker: WorkerConfig{
			Count:      getEnvInt("WORKER_COUNT", 2),
			BufferSize: getEnvInt("WORKER_BUFFER_SIZE", 20),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Mesh.KeyGracePeriod < time.Hour {
		return fmt.Errorf("mesh key grace period must be at least 1 hour")
	}
	if c.Mesh.SyncBatchLimit < 1 {
		return fmt.Errorf("mesh sync batch limit must be positive")
	}

	if c.Broadcast.SendTimeout <= 0 {
		return fmt.Errorf("broadcast send timeout must be positive")
	}

	if c.Detector.Enabled && c.Detector.URL == "" {
		return fmt.Errorf("DETECTOR_URL is required when the detector is enabled")
	}
	if c.Detector.Enabled && c.Detector.PollInterval < time.Second {
		return fmt.Errorf("detector poll interval must be at least 1 second")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
