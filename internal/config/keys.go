package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
	kList // comma-separated
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FLEETCTL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "FLEETCTL_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "log.level", typ: kString, env: "FLEETCTL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "broker.host", typ: kString, env: "FLEETCTL_BROKER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Broker.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Broker.Host },
	},
	{
		key: "broker.port", typ: kInt, env: "FLEETCTL_BROKER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Broker.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Broker.Port },
	},
	{
		key: "broker.username", typ: kString, env: "FLEETCTL_BROKER_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.Broker.Username = v.(string) },
		extract: func(cfg Config) any { return cfg.Broker.Username },
	},
	{
		key: "broker.password", typ: kString, env: "FLEETCTL_BROKER_PASSWORD",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Broker.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Broker.Password },
	},
	{
		key: "broker.namespace", typ: kString, env: "FLEETCTL_BROKER_NAMESPACE",
		apply:   func(cfg *Config, v any) { cfg.Broker.Namespace = v.(string) },
		extract: func(cfg Config) any { return cfg.Broker.Namespace },
	},
	{
		key: "broker.reply_namespace", typ: kString, env: "FLEETCTL_BROKER_REPLY_NAMESPACE",
		apply:   func(cfg *Config, v any) { cfg.Broker.ReplyNamespace = v.(string) },
		extract: func(cfg Config) any { return cfg.Broker.ReplyNamespace },
	},
	{
		key: "broker.node_id", typ: kString, env: "FLEETCTL_BROKER_NODE_ID",
		apply:   func(cfg *Config, v any) { cfg.Broker.NodeID = v.(string) },
		extract: func(cfg Config) any { return cfg.Broker.NodeID },
	},
	{
		key: "broker.reconnect_interval", typ: kDuration, env: "FLEETCTL_BROKER_RECONNECT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Broker.ReconnectInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Broker.ReconnectInterval },
	},
	{
		key: "broker.connect_timeout", typ: kDuration, env: "FLEETCTL_BROKER_CONNECT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Broker.ConnectTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Broker.ConnectTimeout },
	},
	{
		key: "fleet.reconcile_interval", typ: kDuration, env: "FLEETCTL_FLEET_RECONCILE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Fleet.ReconcileInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Fleet.ReconcileInterval },
	},
	{
		key: "fleet.liveness_window", typ: kDuration, env: "FLEETCTL_FLEET_LIVENESS_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Fleet.LivenessWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Fleet.LivenessWindow },
	},
	{
		key: "fleet.history_timeout", typ: kDuration, env: "FLEETCTL_FLEET_HISTORY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Fleet.HistoryTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Fleet.HistoryTimeout },
	},
	{
		key: "docker.host", typ: kString, env: "FLEETCTL_DOCKER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Docker.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Docker.Host },
	},
	{
		key: "docker.name_marker", typ: kString, env: "FLEETCTL_DOCKER_NAME_MARKER",
		apply:   func(cfg *Config, v any) { cfg.Docker.NameMarker = v.(string) },
		extract: func(cfg Config) any { return cfg.Docker.NameMarker },
	},
	{
		key: "docker.exclude_marker", typ: kString, env: "FLEETCTL_DOCKER_EXCLUDE_MARKER",
		apply:   func(cfg *Config, v any) { cfg.Docker.ExcludeMarker = v.(string) },
		extract: func(cfg Config) any { return cfg.Docker.ExcludeMarker },
	},
	{
		key: "saga.grace_period", typ: kDuration, env: "FLEETCTL_SAGA_GRACE_PERIOD",
		apply:   func(cfg *Config, v any) { cfg.Saga.GracePeriod = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Saga.GracePeriod },
	},
	{
		key: "saga.stop_attempts", typ: kInt, env: "FLEETCTL_SAGA_STOP_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Saga.StopAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Saga.StopAttempts },
	},
	{
		key: "saga.stop_retry_interval", typ: kDuration, env: "FLEETCTL_SAGA_STOP_RETRY_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Saga.StopRetryInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Saga.StopRetryInterval },
	},
	{
		key: "archive.bots_dir", typ: kString, env: "FLEETCTL_ARCHIVE_BOTS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Archive.BotsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.BotsDir },
	},
	{
		key: "archive.local_dir", typ: kString, env: "FLEETCTL_ARCHIVE_LOCAL_DIR",
		apply:   func(cfg *Config, v any) { cfg.Archive.LocalDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.LocalDir },
	},
	{
		key: "archive.s3_bucket", typ: kString, env: "FLEETCTL_ARCHIVE_S3_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Archive.S3Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.S3Bucket },
	},
	{
		key: "archive.s3_region", typ: kString, env: "FLEETCTL_ARCHIVE_S3_REGION",
		apply:   func(cfg *Config, v any) { cfg.Archive.S3Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.S3Region },
	},
	{
		key: "archive.s3_endpoint", typ: kString, env: "FLEETCTL_ARCHIVE_S3_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Archive.S3Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.S3Endpoint },
	},
	{
		key: "archive.aws_access_key_id", typ: kString, env: "FLEETCTL_AWS_ACCESS_KEY_ID",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Archive.AccessKeyID = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.AccessKeyID },
	},
	{
		key: "archive.aws_secret_access_key", typ: kString, env: "FLEETCTL_AWS_SECRET_ACCESS_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Archive.SecretAccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.SecretAccessKey },
	},
	{
		key: "market_data.gateway_url", typ: kString, env: "FLEETCTL_MARKET_DATA_GATEWAY_URL",
		apply:   func(cfg *Config, v any) { cfg.MarketData.GatewayURL = v.(string) },
		extract: func(cfg Config) any { return cfg.MarketData.GatewayURL },
	},
	{
		key: "market_data.cleanup_interval", typ: kDuration, env: "FLEETCTL_MARKET_DATA_CLEANUP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.MarketData.CleanupInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.MarketData.CleanupInterval },
	},
	{
		key: "market_data.feed_timeout", typ: kDuration, env: "FLEETCTL_MARKET_DATA_FEED_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.MarketData.FeedTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.MarketData.FeedTimeout },
	},
	{
		key: "events.kafka_brokers", typ: kList, env: "FLEETCTL_EVENTS_KAFKA_BROKERS",
		apply:   func(cfg *Config, v any) { cfg.Events.KafkaBrokers = v.([]string) },
		extract: func(cfg Config) any { return cfg.Events.KafkaBrokers },
	},
	{
		key: "events.kafka_topic", typ: kString, env: "FLEETCTL_EVENTS_KAFKA_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Events.KafkaTopic = v.(string) },
		extract: func(cfg Config) any { return cfg.Events.KafkaTopic },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FLEETCTL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "api.token", typ: kString, env: "FLEETCTL_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.API.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Token },
	},
	{
		key: "api.mcp_enabled", typ: kBool, env: "FLEETCTL_API_MCP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.API.MCPEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.API.MCPEnabled },
	},
}

// parseValue converts raw into the Go type for t.
func parseValue(t keyType, raw string) (any, error) {
	switch t {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	}
	return nil, fmt.Errorf("unknown key type %d", t)
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func typeName(t keyType) string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kDuration:
		return "duration"
	case kList:
		return "list"
	}
	return "string"
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", typeName(s.typ), s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", typeName(s.typ), s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
