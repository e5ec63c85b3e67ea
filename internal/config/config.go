package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "STUEBLE"

// DatabaseConfig captures storage configuration.
type DatabaseConfig struct {
	Path string `envconfig:"DB_PATH" default:"stueble.db"`
}

// BridgeConfig tunes the change-bus bridge.
type BridgeConfig struct {
	// QueueSize bounds buffered notifications; submissions beyond it are
	// rejected rather than queued without limit.
	QueueSize int `envconfig:"BRIDGE_QUEUE_SIZE" default:"256"`
	// Retries bounds downstream attempts per notification before it is
	// dropped with a warning.
	Retries    int           `envconfig:"BRIDGE_RETRIES" default:"3"`
	RetryDelay time.Duration `envconfig:"BRIDGE_RETRY_DELAY" default:"250ms"`
}

// ServerConfig holds settings for the realtime server runtime.
type ServerConfig struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":3000"`
	Database   DatabaseConfig
	Bridge     BridgeConfig

	// HeartbeatTimeout is how long a connection may stay silent before it
	// is treated as half-open and torn down.
	HeartbeatTimeout time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"60s"`
	WriteTimeout     time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	SendBuffer       int           `envconfig:"SEND_BUFFER" default:"64"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	// SigningSeed is the base64-encoded Ed25519 seed used to sign entry
	// passes. Empty means an ephemeral key is generated at startup.
	SigningSeed string `envconfig:"SIGNING_SEED"`
}

// ClientConfig holds settings for the terminal client.
type ClientConfig struct {
	ServerURL         string        `envconfig:"SERVER_URL" default:"ws://localhost:3000/ws"`
	SessionToken      string        `envconfig:"SESSION_TOKEN"`
	HeartbeatInterval time.Duration `envconfig:"CLIENT_HEARTBEAT_INTERVAL" default:"25s"`
}

// LoadServerConfig builds the server configuration from the environment,
// honoring an optional .env file in the working directory.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	var cfg ServerConfig
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("load server config: %w", err)
	}
	return cfg, nil
}

// LoadClientConfig builds the client configuration from the environment.
func LoadClientConfig() (ClientConfig, error) {
	_ = godotenv.Load()

	var cfg ClientConfig
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("load client config: %w", err)
	}
	return cfg, nil
}
