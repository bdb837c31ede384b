package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     string
	LogLevel string

	Postgres      DBConfig
	RedisAddr     string
	RedisPassword string
	MQTTBrokerURL string
	MQTTClientID  string

	Polling   PollingConfig
	Discovery DiscoveryConfig
	Rollup    RollupConfig
	Weather   WeatherConfig
	Sync      SyncConfig

	OTLPEndpoint string
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

type PollingConfig struct {
	Interval       time.Duration
	MaxConcurrent  int
	RequestTimeout time.Duration
	ErrorThreshold int
}

type DiscoveryConfig struct {
	Timeout        time.Duration
	QueryInterval  time.Duration
	RequestTimeout time.Duration
	ScanInterval   time.Duration
	TCPScanEnabled bool
	TCPConcurrent  int
	IPRanges       []string
}

type RollupConfig struct {
	RawRetentionDays    int
	MinuteRetentionDays int
	BackfillMinutes     int
}

type WeatherConfig struct {
	APIKey         string
	ZipCode        string
	UpdateInterval time.Duration
	FallbackTemp   float64
	RetryAttempts  int
	RetryBase      time.Duration
}

type SyncConfig struct {
	Enabled   bool
	BaseURL   string
	SiteID    string
	SiteToken string

	StatusInterval  time.Duration
	MinuteInterval  time.Duration
	CommandInterval time.Duration
	AckInterval     time.Duration

	ImmediateBatchSize int
	ImmediateWindow    time.Duration
	MaxBatchSize       int

	RetryAttempts int
	RetryDelay    time.Duration
	Timeout       time.Duration
}

func Load() *Config {
	cfg := &Config{
		Port:     getEnv("AGENT_PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Postgres: DBConfig{
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   getEnv("POSTGRES_DB", "thermostat"),
			Host:     getEnv("POSTGRES_HOST", "localhost"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		MQTTBrokerURL: strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		MQTTClientID:  getEnv("MQTT_CLIENT_ID", "thermostat-agent"),
		Polling: PollingConfig{
			Interval:       parseDuration(getEnv("POLL_INTERVAL", "5s")),
			MaxConcurrent:  parseInt(getEnv("POLL_MAX_CONCURRENT", "5")),
			RequestTimeout: parseDuration(getEnv("POLL_REQUEST_TIMEOUT", "5s")),
			ErrorThreshold: parseInt(getEnv("POLL_ERROR_THRESHOLD", "10")),
		},
		Discovery: DiscoveryConfig{
			Timeout:        parseDuration(getEnv("DISCOVERY_TIMEOUT", "10s")),
			QueryInterval:  parseDuration(getEnv("DISCOVERY_QUERY_INTERVAL", "3s")),
			RequestTimeout: parseDuration(getEnv("DISCOVERY_REQUEST_TIMEOUT", "5s")),
			ScanInterval:   parseDuration(getEnv("DISCOVERY_SCAN_INTERVAL", "30m")),
			TCPScanEnabled: parseBool(getEnv("DISCOVERY_TCP_SCAN", "false")),
			TCPConcurrent:  parseInt(getEnv("DISCOVERY_TCP_CONCURRENT", "10")),
			IPRanges:       splitList(os.Getenv("DISCOVERY_IP_RANGES")),
		},
		Rollup: RollupConfig{
			RawRetentionDays:    parseInt(getEnv("RAW_RETENTION_DAYS", "14")),
			MinuteRetentionDays: parseInt(getEnv("MINUTE_RETENTION_DAYS", "365")),
			BackfillMinutes:     parseInt(getEnv("ROLLUP_BACKFILL_MINUTES", "120")),
		},
		Weather: WeatherConfig{
			APIKey:         strings.TrimSpace(os.Getenv("OWM_API_KEY")),
			ZipCode:        strings.TrimSpace(os.Getenv("WEATHER_ZIP")),
			UpdateInterval: parseDuration(getEnv("WEATHER_UPDATE_INTERVAL", "10m")),
			FallbackTemp:   parseFloat(getEnv("WEATHER_FALLBACK_TEMP", "50")),
			RetryAttempts:  parseInt(getEnv("WEATHER_RETRY_ATTEMPTS", "3")),
			RetryBase:      parseDuration(getEnv("WEATHER_RETRY_BASE", "1s")),
		},
		Sync: SyncConfig{
			Enabled:            parseBool(getEnv("SYNC_ENABLED", "false")),
			BaseURL:            strings.TrimRight(strings.TrimSpace(os.Getenv("SYNC_BASE_URL")), "/"),
			SiteID:             strings.TrimSpace(os.Getenv("SYNC_SITE_ID")),
			SiteToken:          os.Getenv("SYNC_SITE_TOKEN"),
			StatusInterval:     parseDuration(getEnv("SYNC_STATUS_INTERVAL", "30s")),
			MinuteInterval:     parseDuration(getEnv("SYNC_MINUTE_INTERVAL", "60s")),
			CommandInterval:    parseDuration(getEnv("SYNC_COMMAND_INTERVAL", "10s")),
			AckInterval:        parseDuration(getEnv("SYNC_ACK_INTERVAL", "2s")),
			ImmediateBatchSize: parseInt(getEnv("SYNC_IMMEDIATE_BATCH", "10")),
			ImmediateWindow:    parseDuration(getEnv("SYNC_IMMEDIATE_WINDOW", "5s")),
			MaxBatchSize:       parseInt(getEnv("SYNC_MAX_BATCH", "100")),
			RetryAttempts:      parseInt(getEnv("SYNC_RETRY_ATTEMPTS", "3")),
			RetryDelay:         parseDuration(getEnv("SYNC_RETRY_DELAY", "2s")),
			Timeout:            parseDuration(getEnv("SYNC_TIMEOUT", "15s")),
		},
		OTLPEndpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
	}
	slog.Info("thermostat-agent config loaded",
		"port", cfg.Port,
		"poll_interval", cfg.Polling.Interval,
		"sync_enabled", cfg.Sync.Enabled,
		"tcp_scan", cfg.Discovery.TCPScanEnabled,
	)
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func parseInt(val string) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		slog.Warn("invalid integer in config, using 0", "value", val)
		return 0
	}
	return n
}

func parseFloat(val string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		slog.Warn("invalid float in config, using 0", "value", val)
		return 0
	}
	return f
}

func parseDuration(val string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		slog.Warn("invalid duration in config, using 0", "value", val)
		return 0
	}
	return d
}

func splitList(val string) []string {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
