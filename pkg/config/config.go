// Package config holds the jamcore configuration tree: defaults, YAML file
// loading and environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration for a jamcore server
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// CORS configuration for the HTTP surface
	CORS CORSConfig `json:"cors" yaml:"cors"`

	// RateLimit configuration for per-event caps
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Admission configuration for connection caps and queueing
	Admission AdmissionConfig `json:"admission" yaml:"admission"`

	// Cleanup configuration for the background scheduler
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup"`

	// Storage configuration for region audio blobs
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Cache configuration (optional Redis-backed repository cache)
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Auth configuration for room tokens and API keys
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	// Host is the listen address
	Host string `json:"host" yaml:"host"`

	// Port is the listen port
	Port int `json:"port" yaml:"port"`

	// NodeEnv is the deployment environment (development, production)
	NodeEnv string `json:"node_env" yaml:"node_env"`

	// TLSKeyPath is the TLS private key path (empty = plain TCP)
	TLSKeyPath string `json:"tls_key_path" yaml:"tls_key_path"`

	// TLSCertPath is the TLS certificate path
	TLSCertPath string `json:"tls_cert_path" yaml:"tls_cert_path"`

	// HeartbeatInterval is the websocket ping cadence
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	// ReadTimeout is the maximum duration for reading a request
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// CORSConfig holds CORS configuration for the HTTP surface
type CORSConfig struct {
	// Origin is the allowed origin list
	Origin []string `json:"origin" yaml:"origin"`

	// Credentials allows cookies/authorization headers cross-origin
	Credentials bool `json:"credentials" yaml:"credentials"`

	// StrictMode rejects requests from unlisted origins outright
	StrictMode bool `json:"strict_mode" yaml:"strict_mode"`

	// DevelopmentOrigins are additionally allowed outside strict mode
	DevelopmentOrigins []string `json:"development_origins" yaml:"development_origins"`
}

// RateLimitConfig holds per-event rate caps (events per minute)
type RateLimitConfig struct {
	PlayNote           int `json:"play_note" yaml:"play_note"`
	ChatMessage        int `json:"chat_message" yaml:"chat_message"`
	VoiceOffer         int `json:"voice_offer" yaml:"voice_offer"`
	VoiceAnswer        int `json:"voice_answer" yaml:"voice_answer"`
	VoiceIceCandidate  int `json:"voice_ice_candidate" yaml:"voice_ice_candidate"`
	UpdateSynthParams  int `json:"update_synth_params" yaml:"update_synth_params"`
	UpdateEffectsChain int `json:"update_effects_chain" yaml:"update_effects_chain"`
	CreateRoom         int `json:"create_room" yaml:"create_room"`
	JoinRoom           int `json:"join_room" yaml:"join_room"`
	ChangeInstrument   int `json:"change_instrument" yaml:"change_instrument"`

	// DisableSynthRateLimit turns off synth-parameter limiting entirely
	DisableSynthRateLimit bool `json:"disable_synth_rate_limit" yaml:"disable_synth_rate_limit"`

	// DisableVoiceRateLimit turns off voice signaling limiting entirely
	DisableVoiceRateLimit bool `json:"disable_voice_rate_limit" yaml:"disable_voice_rate_limit"`
}

// AdmissionConfig holds connection admission configuration
type AdmissionConfig struct {
	// MaxConnectionsPerRoom caps live connections per room
	MaxConnectionsPerRoom int `json:"max_connections_per_room" yaml:"max_connections_per_room"`

	// MaxConnectionsGlobal caps live connections process-wide
	MaxConnectionsGlobal int `json:"max_connections_global" yaml:"max_connections_global"`

	// QueueSize caps the per-room waiting queue
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// ConnectionTimeout is the queued-connection TTL
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`

	// HeartbeatInterval is the per-connection heartbeat cadence
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	// BatchSize flushes a batched event buffer at this length
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// BatchDelay flushes a batched event buffer after this delay
	BatchDelay time.Duration `json:"batch_delay" yaml:"batch_delay"`

	// IPLimitPerMinute caps new connections per IP per minute
	IPLimitPerMinute int `json:"ip_limit_per_minute" yaml:"ip_limit_per_minute"`

	// CompressionEnabled enables permessage-deflate on websockets
	CompressionEnabled bool `json:"compression_enabled" yaml:"compression_enabled"`

	// BatchingEnabled enables batched emit
	BatchingEnabled bool `json:"batching_enabled" yaml:"batching_enabled"`
}

// CleanupConfig holds background cleanup configuration
type CleanupConfig struct {
	// Interval is the regular cleanup cadence
	Interval time.Duration `json:"interval" yaml:"interval"`

	// AggressiveInterval is the aggressive pass cadence
	AggressiveInterval time.Duration `json:"aggressive_interval" yaml:"aggressive_interval"`

	// InactiveThreshold disposes namespaces idle past this
	InactiveThreshold time.Duration `json:"inactive_threshold" yaml:"inactive_threshold"`

	// EmptyThreshold disposes empty namespaces idle past this
	EmptyThreshold time.Duration `json:"empty_threshold" yaml:"empty_threshold"`

	// ApprovalMaxAge disposes approval namespaces older than this
	ApprovalMaxAge time.Duration `json:"approval_max_age" yaml:"approval_max_age"`

	// MemoryPressureThresholdMB triggers the memory-pressure rule
	MemoryPressureThresholdMB int `json:"memory_pressure_threshold_mb" yaml:"memory_pressure_threshold_mb"`

	// StaleSessionThreshold sweeps sessions idle past this
	StaleSessionThreshold time.Duration `json:"stale_session_threshold" yaml:"stale_session_threshold"`
}

// StorageConfig holds region-audio storage configuration
type StorageConfig struct {
	// Type is the storage backend type (local, s3)
	Type string `json:"type" yaml:"type"`

	// BasePath is the base path for local storage
	BasePath string `json:"base_path" yaml:"base_path"`

	// S3 configuration
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3-compatible storage configuration
type S3Config struct {
	// Endpoint is the S3 endpoint URL (empty = AWS)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// AccessKeyID is the S3 access key
	AccessKeyID string `json:"access_key_id" yaml:"access_key_id"`

	// SecretAccessKey is the S3 secret key
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
}

// CacheConfig holds repository cache configuration
type CacheConfig struct {
	// Type is the cache backend (memory, redis)
	Type string `json:"type" yaml:"type"`

	// Address is the Redis address (host:port)
	Address string `json:"address" yaml:"address"`

	// Password is the Redis password
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// TTL is the default cache entry lifetime
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// AuthConfig holds token signing configuration
type AuthConfig struct {
	// Secret signs room tokens. Empty means a random secret is generated at
	// startup, which invalidates tokens across restarts.
	Secret string `json:"secret" yaml:"secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Level is the minimum level (debug, http, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is the record format (json, text)
	Format string `json:"format" yaml:"format"`

	// Directory enables rotating file streams when set
	Directory string `json:"directory" yaml:"directory"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              7950,
			NodeEnv:           "development",
			HeartbeatInterval: 25 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		CORS: CORSConfig{
			Origin:      []string{"*"},
			Credentials: false,
			StrictMode:  false,
			DevelopmentOrigins: []string{
				"http://localhost:3000",
				"http://localhost:5173",
			},
		},
		RateLimit: RateLimitConfig{
			PlayNote:           2400,
			ChatMessage:        30,
			VoiceOffer:         60,
			VoiceAnswer:        60,
			VoiceIceCandidate:  200,
			UpdateSynthParams:  3600,
			UpdateEffectsChain: 1800,
			CreateRoom:         5,
			JoinRoom:           20,
			ChangeInstrument:   120,
		},
		Admission: AdmissionConfig{
			MaxConnectionsPerRoom: 50,
			MaxConnectionsGlobal:  1000,
			QueueSize:             100,
			ConnectionTimeout:     30 * time.Second,
			HeartbeatInterval:     25 * time.Second,
			BatchSize:             10,
			BatchDelay:            100 * time.Millisecond,
			IPLimitPerMinute:      10,
			CompressionEnabled:    true,
			BatchingEnabled:       true,
		},
		Cleanup: CleanupConfig{
			Interval:                  5 * time.Minute,
			AggressiveInterval:        30 * time.Minute,
			InactiveThreshold:         30 * time.Minute,
			EmptyThreshold:            5 * time.Minute,
			ApprovalMaxAge:            10 * time.Minute,
			MemoryPressureThresholdMB: 600,
			StaleSessionThreshold:     60 * time.Minute,
		},
		Storage: StorageConfig{
			Type:     "local",
			BasePath: "./storage",
		},
		Cache: CacheConfig{
			Type:    "memory",
			Address: "localhost:6379",
			TTL:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file over the defaults
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.loadFromEnv()

	return cfg, nil
}

// LoadOrDefault loads the file if it exists, otherwise returns defaults with
// environment overrides applied
func LoadOrDefault(filename string) (*Config, error) {
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			return Load(filename)
		}
	}
	cfg := DefaultConfig()
	cfg.loadFromEnv()
	return cfg, nil
}

// loadFromEnv overrides config from environment variables
func (c *Config) loadFromEnv() {
	if host := os.Getenv("JAMCORE_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("JAMCORE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if env := os.Getenv("NODE_ENV"); env != "" {
		c.Server.NodeEnv = env
	}
	if level := os.Getenv("JAMCORE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if redisAddr := os.Getenv("REDIS_URL"); redisAddr != "" {
		c.Cache.Type = "redis"
		c.Cache.Address = redisAddr
	}
	if redisPass := os.Getenv("REDIS_PASSWORD"); redisPass != "" {
		c.Cache.Password = redisPass
	}
	if bucket := os.Getenv("JAMCORE_S3_BUCKET"); bucket != "" {
		c.Storage.Type = "s3"
		c.Storage.S3.Bucket = bucket
	}
	if secret := os.Getenv("JAMCORE_AUTH_SECRET"); secret != "" {
		c.Auth.Secret = secret
	}
}

// Validate rejects configurations that cannot run
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Admission.MaxConnectionsPerRoom <= 0 {
		return fmt.Errorf("max_connections_per_room must be positive")
	}
	if c.Admission.MaxConnectionsGlobal < c.Admission.MaxConnectionsPerRoom {
		return fmt.Errorf("max_connections_global must be >= max_connections_per_room")
	}
	if c.Admission.QueueSize < 0 {
		return fmt.Errorf("queue_size must not be negative")
	}
	switch c.Storage.Type {
	case "local", "s3":
	default:
		return fmt.Errorf("unknown storage type: %s", c.Storage.Type)
	}
	return nil
}
