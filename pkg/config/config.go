package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// BrokerEndpoint describes one broker gateway and its environments.
type BrokerEndpoint struct {
	ID           string            `yaml:"id"`
	Environments map[string]string `yaml:"environments"` // environment -> ws url
	Shared       bool              `yaml:"shared"`       // one socket per environment, shared across accounts
}

// Config holds environment-driven settings for the sync core.
type Config struct {
	Port     string
	DBPath   string
	LogLevel string
	LogFile  string

	// Credential for the gateway handshake.
	AuthToken string

	// Bearer token guarding the local HTTP API; empty disables the check.
	APIToken string

	// Gateway endpoints: either a single URL or a YAML file of brokers.
	GatewayURL  string
	BrokersFile string
	Brokers     []BrokerEndpoint

	// Connection timing.
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	PongWait          time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	MaxReconnects     int

	// Outbound rate limits (messages per window, per category).
	RateWindow     time.Duration
	RateDefault    int
	RateMarketData int
	RateOrders     int

	// Read-side cache.
	CachePersistInterval time.Duration

	// Request correlation.
	RequestTimeout time.Duration
}

// Load reads environment variables (optionally via .env) into Config and
// parses the broker endpoint file when one is configured.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8081"),
		DBPath:      getEnv("DB_PATH", "./data/sync.db"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFile:     getEnv("LOG_FILE", "logs/sync-core.log"),
		AuthToken:   os.Getenv("GATEWAY_AUTH_TOKEN"),
		APIToken:    os.Getenv("API_TOKEN"),
		GatewayURL:  os.Getenv("GATEWAY_URL"),
		BrokersFile: getEnv("BROKERS_FILE", ""),

		HandshakeTimeout:  getEnvDuration("HANDSHAKE_TIMEOUT", 120*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 25*time.Second),
		PongWait:          getEnvDuration("PONG_WAIT", 60*time.Second),
		ReconnectBase:     getEnvDuration("RECONNECT_BASE", time.Second),
		ReconnectCap:      getEnvDuration("RECONNECT_CAP", 30*time.Second),
		MaxReconnects:     getEnvInt("MAX_RECONNECTS", 5),

		RateWindow:     getEnvDuration("RATE_WINDOW", time.Minute),
		RateDefault:    getEnvInt("RATE_DEFAULT", 120),
		RateMarketData: getEnvInt("RATE_MARKET_DATA", 100),
		RateOrders:     getEnvInt("RATE_ORDERS", 60),

		CachePersistInterval: getEnvDuration("CACHE_PERSIST_INTERVAL", time.Minute),
		RequestTimeout:       getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
	}

	if cfg.BrokersFile != "" {
		brokers, err := loadBrokers(cfg.BrokersFile)
		if err != nil {
			return nil, err
		}
		cfg.Brokers = brokers
	}
	return cfg, nil
}

// EndpointFor resolves the websocket URL for a broker/environment pair.
// The single GATEWAY_URL acts as a catch-all when no broker file is loaded.
func (c *Config) EndpointFor(brokerID, environment string) (string, error) {
	for _, b := range c.Brokers {
		if b.ID != brokerID {
			continue
		}
		if u, ok := b.Environments[environment]; ok {
			return u, nil
		}
		return "", fmt.Errorf("broker %s has no environment %q", brokerID, environment)
	}
	if c.GatewayURL != "" {
		return c.GatewayURL, nil
	}
	return "", fmt.Errorf("no endpoint configured for broker %s", brokerID)
}

// SharedFor reports whether the broker uses one shared socket per environment.
func (c *Config) SharedFor(brokerID string) bool {
	for _, b := range c.Brokers {
		if b.ID == brokerID {
			return b.Shared
		}
	}
	return false
}

func loadBrokers(path string) ([]BrokerEndpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read brokers file: %w", err)
	}
	var doc struct {
		Brokers []BrokerEndpoint `yaml:"brokers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse brokers file: %w", err)
	}
	for i, b := range doc.Brokers {
		if strings.TrimSpace(b.ID) == "" {
			return nil, fmt.Errorf("brokers file: entry %d is missing an id", i)
		}
		if len(b.Environments) == 0 {
			return nil, fmt.Errorf("brokers file: broker %s has no environments", b.ID)
		}
	}
	return doc.Brokers, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
