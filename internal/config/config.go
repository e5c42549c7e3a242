// Package config loads relay server settings from the environment. A .env
// file in the working directory, when present, is applied first.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/courier/relay/internal/ws"
)

// Prefix is prepended to every variable name, e.g. RELAY_LISTEN_ADDR.
const Prefix = "RELAY"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid value")

// Config holds every tunable of the relay server.
type Config struct {
	ListenAddr        string        `envconfig:"LISTEN_ADDR" default:":8081"`
	WorkerPoolSize    int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections    int           `envconfig:"MAX_CONNECTIONS" default:"10000"`
	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s"`
	MaxFrameBytes     int64         `envconfig:"MAX_FRAME_BYTES" default:"65536"`
	SendBufferSize    int           `envconfig:"SEND_BUFFER_SIZE" default:"256"`

	// OfflineQueueCap bounds each recipient's offline queue; 0 is unbounded.
	OfflineQueueCap int `envconfig:"OFFLINE_QUEUE_CAP" default:"0"`

	// Optional backends. Empty disables them.
	RedisAddr string `envconfig:"REDIS_ADDR"`
	NATSURL   string `envconfig:"NATS_URL"`

	ServerName        string        `envconfig:"SERVER_NAME"`
	MessageRateLimit  int           `envconfig:"MESSAGE_RATE_LIMIT" default:"20"`
	MessageRateWindow time.Duration `envconfig:"MESSAGE_RATE_WINDOW" default:"10s"`
}

// Load applies an optional .env file and then reads the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the environment only, fills derived defaults and validates.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "relay-1"
	}

	return cfg, cfg.Validate()
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	case c.WorkerPoolSize <= 0:
		return fmt.Errorf("%w: worker pool size must be positive, got %d", ErrInvalid, c.WorkerPoolSize)
	case c.MaxConnections <= 0:
		return fmt.Errorf("%w: max connections must be positive, got %d", ErrInvalid, c.MaxConnections)
	case c.ReadTimeout < 0 || c.WriteTimeout < 0:
		return fmt.Errorf("%w: timeouts cannot be negative", ErrInvalid)
	case c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0:
		return fmt.Errorf("%w: heartbeat durations cannot be negative", ErrInvalid)
	case c.SendBufferSize <= 0:
		return fmt.Errorf("%w: send buffer size must be positive, got %d", ErrInvalid, c.SendBufferSize)
	case c.MaxFrameBytes < 0:
		return fmt.Errorf("%w: max frame bytes cannot be negative, got %d", ErrInvalid, c.MaxFrameBytes)
	case c.OfflineQueueCap < 0:
		return fmt.Errorf("%w: offline queue cap cannot be negative, got %d", ErrInvalid, c.OfflineQueueCap)
	case c.RedisAddr != "" && (c.MessageRateLimit <= 0 || c.MessageRateWindow <= 0):
		return fmt.Errorf("%w: message rate limit needs a positive limit and window", ErrInvalid)
	}
	return nil
}

// Server returns the transport settings.
func (c Config) Server() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:        c.ListenAddr,
		WorkerPoolSize:    c.WorkerPoolSize,
		MaxConnections:    c.MaxConnections,
		ReadTimeout:       c.ReadTimeout,
		WriteTimeout:      c.WriteTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		MaxFrameBytes:     c.MaxFrameBytes,
		SendBufferSize:    c.SendBufferSize,
	}
}
