package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime configuration for the chatrelay gateway.
// Every field is overridable through the environment; cmd/chatrelay loads an
// optional .env file before parsing.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Auth      AuthConfig
	Redis     RedisConfig
	NATS      NATSConfig
	WebSocket WebSocketConfig
	Rate      RateConfig
}

// ServerConfig contains network level settings for the HTTP/WebSocket listener.
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	// TrustProxyHeaders enables X-Forwarded-For resolution of the peer
	// address. Only set behind a trusted reverse proxy.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
}

// LogConfig controls zerolog level and output encoding.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"` // json or pretty
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	JWTSecret       string        `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	TokenExpiration time.Duration `env:"TOKEN_EXPIRATION" envDefault:"24h"`
}

// RedisConfig locates the shared key-value store used for connection and
// message accounting across gateway replicas.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// NATSConfig controls the optional cross-replica broadcast relay. An empty
// URL disables the relay; the gateway runs single-replica without it.
type NATSConfig struct {
	URL              string  `env:"NATS_URL" envDefault:""`
	Subject          string  `env:"NATS_SUBJECT" envDefault:"chatrelay.broadcast"`
	RelayMaxPerSec   float64 `env:"NATS_RELAY_MAX_PER_SEC" envDefault:"500"`
	RelayBurst       int     `env:"NATS_RELAY_BURST" envDefault:"100"`
	MaxReconnects    int     `env:"NATS_MAX_RECONNECTS" envDefault:"60"`
	ReconnectWaitSec int     `env:"NATS_RECONNECT_WAIT_SEC" envDefault:"2"`
}

// WebSocketConfig controls the connection runtime.
type WebSocketConfig struct {
	Path                  string        `env:"WS_PATH" envDefault:"/ws"`
	MaxConnectionsPerUser int64         `env:"WS_MAX_CONNECTIONS_PER_USER" envDefault:"5"`
	PingInterval          time.Duration `env:"WS_PING_INTERVAL" envDefault:"20s"`
	PingTimeout           time.Duration `env:"WS_PING_TIMEOUT" envDefault:"20s"`
	MaxHistorySize        int           `env:"WS_MAX_HISTORY_SIZE" envDefault:"100"`
	MaxMessageLength      int           `env:"WS_MAX_MESSAGE_LENGTH" envDefault:"1048576"`
	ChunkSize             int           `env:"WS_CHUNK_SIZE" envDefault:"8"`
	ChunkDelay            time.Duration `env:"WS_CHUNK_DELAY" envDefault:"50ms"`
	WriteWait             time.Duration `env:"WS_WRITE_WAIT" envDefault:"10s"`
	ReadBufferSize        int           `env:"WS_READ_BUFFER_SIZE" envDefault:"4096"`
	WriteBufferSize       int           `env:"WS_WRITE_BUFFER_SIZE" envDefault:"4096"`
}

// RateConfig holds the multi-window message caps and the backoff schedule.
// Anonymous caps derive from the authenticated ones (half the per-second cap,
// a quarter of the rest, floored at one).
type RateConfig struct {
	AuthPerSecond int64 `env:"WS_MSG_PER_SECOND" envDefault:"10"`
	AuthPerMinute int64 `env:"WS_MSG_PER_MINUTE" envDefault:"60"`
	AuthPerHour   int64 `env:"WS_MSG_PER_HOUR" envDefault:"1000"`
	AuthPerDay    int64 `env:"WS_MSG_PER_DAY" envDefault:"10000"`

	BackoffBase  time.Duration `env:"WS_BACKOFF_BASE" envDefault:"2s"`
	BackoffMax   time.Duration `env:"WS_BACKOFF_MAX" envDefault:"300s"`
	BackoffReset time.Duration `env:"WS_BACKOFF_RESET" envDefault:"600s"`

	// ConnTTL guards connection counters against leaks if a replica dies
	// without releasing them.
	ConnTTL time.Duration `env:"WS_CONN_TTL" envDefault:"24h"`

	// FailOpen admits traffic when the key-value store is unreachable.
	// Default is fail-closed: the client receives a "store unavailable"
	// error frame instead.
	FailOpen bool `env:"RATE_LIMIT_FAIL_OPEN" envDefault:"false"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot operate under.
func (c *Config) Validate() error {
	if c.WebSocket.MaxConnectionsPerUser < 1 {
		return fmt.Errorf("config: WS_MAX_CONNECTIONS_PER_USER must be >= 1")
	}
	if c.WebSocket.MaxHistorySize < 1 {
		return fmt.Errorf("config: WS_MAX_HISTORY_SIZE must be >= 1")
	}
	if c.WebSocket.ChunkSize < 1 {
		return fmt.Errorf("config: WS_CHUNK_SIZE must be >= 1")
	}
	if c.Rate.BackoffBase <= 0 || c.Rate.BackoffMax < c.Rate.BackoffBase {
		return fmt.Errorf("config: backoff schedule invalid (base=%s max=%s)",
			c.Rate.BackoffBase, c.Rate.BackoffMax)
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
