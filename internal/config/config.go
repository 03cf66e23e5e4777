package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Broker     BrokerConfig
	Fleet      FleetConfig
	Docker     DockerConfig
	Saga       SagaConfig
	Archive    ArchiveConfig
	MarketData MarketDataConfig
	Events     EventsConfig
	Storage    StorageConfig
	API        APIConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type LogConfig struct {
	Level string
}

type BrokerConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	Namespace         string
	ReplyNamespace    string
	NodeID            string
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
}

type FleetConfig struct {
	ReconcileInterval time.Duration
	LivenessWindow    time.Duration
	HistoryTimeout    time.Duration
}

type DockerConfig struct {
	Host          string
	NameMarker    string
	ExcludeMarker string
}

type SagaConfig struct {
	GracePeriod       time.Duration
	StopAttempts      int
	StopRetryInterval time.Duration
}

type ArchiveConfig struct {
	BotsDir         string
	LocalDir        string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	AccessKeyID     string
	SecretAccessKey string
}

type MarketDataConfig struct {
	GatewayURL      string
	CleanupInterval time.Duration
	FeedTimeout     time.Duration
}

type EventsConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
}

type StorageConfig struct {
	DataDir string
}

type APIConfig struct {
	Token      string
	MCPEnabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:     8000,
			MaxConns: 256,
		},
		Log: LogConfig{
			Level: "info",
		},
		Broker: BrokerConfig{
			Host:              "localhost",
			Port:              1883,
			Namespace:         "hbot",
			ReplyNamespace:    "backend-api/response",
			NodeID:            "backend-api",
			ReconnectInterval: 5 * time.Second,
			ConnectTimeout:    10 * time.Second,
		},
		Fleet: FleetConfig{
			ReconcileInterval: time.Second,
			LivenessWindow:    30 * time.Second,
			HistoryTimeout:    30 * time.Second,
		},
		Docker: DockerConfig{
			NameMarker:    "hummingbot",
			ExcludeMarker: "broker",
		},
		Saga: SagaConfig{
			GracePeriod:       15 * time.Second,
			StopAttempts:      10,
			StopRetryInterval: 3 * time.Second,
		},
		Archive: ArchiveConfig{
			BotsDir: "bots",
		},
		MarketData: MarketDataConfig{
			CleanupInterval: 300 * time.Second,
			FeedTimeout:     600 * time.Second,
		},
		Events: EventsConfig{
			KafkaTopic: "bot-events",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		API: APIConfig{
			MCPEnabled: true,
		},
	}
}

// Load reads configuration from the YAML file at
// $XDG_CONFIG_HOME/fleetctl/config.yaml, then applies FLEETCTL_*
// environment overrides. Secrets are read from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level %q: want debug, info, warn or error", cfg.Log.Level)
	}
	for _, p := range []struct {
		key  string
		port int
	}{{"server.port", cfg.Server.Port}, {"broker.port", cfg.Broker.Port}} {
		if p.port <= 0 || p.port > 65535 {
			return fmt.Errorf("invalid %s %d", p.key, p.port)
		}
	}
	if cfg.Saga.StopAttempts <= 0 {
		return fmt.Errorf("saga.stop_attempts must be positive, got %d", cfg.Saga.StopAttempts)
	}
	if cfg.Fleet.ReconcileInterval <= 0 || cfg.MarketData.CleanupInterval <= 0 {
		return fmt.Errorf("reconcile and cleanup intervals must be positive")
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "fleetctl-data"
		}
	}
	return filepath.Join(dir, "fleetctl")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "fleetctl", "config.yaml")
}
