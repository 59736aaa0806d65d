package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SIMHUB_"

// Config represents the complete application configuration shared by the
// hub server, the terminal viewer and the reporter.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Hub      HubConfig      `json:"hub"`
	Presence PresenceConfig `json:"presence"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Reporter ReporterConfig `json:"reporter"`
	Viewer   ViewerConfig   `json:"viewer"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Port is the HTTP server port (default: 8080)
	Port string `json:"port"`

	// Host is the server bind address (default: "0.0.0.0")
	Host string `json:"host"`

	// ReadTimeoutSeconds bounds reading a request (default: 15)
	ReadTimeoutSeconds int `json:"read_timeout_seconds"`

	// WriteTimeoutSeconds bounds writing a plain response (default: 15).
	// Streaming endpoints manage their own deadlines.
	WriteTimeoutSeconds int `json:"write_timeout_seconds"`

	// IdleTimeoutSeconds is the keep-alive timeout (default: 60)
	IdleTimeoutSeconds int `json:"idle_timeout_seconds"`

	// AllowedOrigins for CORS (default: ["*"], any producer may push)
	AllowedOrigins []string `json:"allowed_origins"`
}

// HubConfig controls the registry and the broadcast loop.
type HubConfig struct {
	// TickIntervalMs is the broadcast period (default: 1000)
	TickIntervalMs int `json:"tick_interval_ms"`

	// TTLSeconds is how long an aircraft stays live after its last report
	// (default: 30)
	TTLSeconds int `json:"ttl_seconds"`

	// SendBuffer is the per-viewer queue length (default: 8)
	SendBuffer int `json:"send_buffer"`

	// WriteTimeoutMs bounds a single push to one viewer (default: 5000)
	WriteTimeoutMs int `json:"write_timeout_ms"`

	// IngestRatePerSecond limits reports per aircraft id. 0 disables the
	// limit (default).
	IngestRatePerSecond float64 `json:"ingest_rate_per_second"`

	// IngestBurst is the token bucket size when the limit is on (default: 5)
	IngestBurst int `json:"ingest_burst"`
}

// PresenceConfig controls the viewer presence tracker.
type PresenceConfig struct {
	// TTLSeconds is how long a viewer counts after a heartbeat (default: 30)
	TTLSeconds int `json:"ttl_seconds"`

	// SweepSchedule is the cron schedule for the background sweep
	// (default: "@every 30s")
	SweepSchedule string `json:"sweep_schedule"`
}

// DatabaseConfig contains the optional live-state mirror settings.
type DatabaseConfig struct {
	// Enabled turns on the PostgreSQL mirror (default: false)
	Enabled bool `json:"enabled"`

	// Host is the database server hostname
	Host string `json:"host"`

	// Port is the database server port
	Port int `json:"port"`

	// Database is the database name
	Database string `json:"database"`

	// Username for database authentication
	Username string `json:"username"`

	// Password for database authentication (should be loaded from environment)
	Password string `json:"password"`

	// SSLMode for PostgreSQL connections (disable, require, verify-ca, verify-full)
	SSLMode string `json:"ssl_mode"`

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int `json:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int `json:"max_idle_conns"`

	// CleanupSchedule is the cron schedule for deleting stale mirror rows
	// (default: "@every 1m")
	CleanupSchedule string `json:"cleanup_schedule"`
}

// LoggingConfig controls the structured log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: info)
	Level string `json:"level"`

	// Dir holds the rotating log files (default: "logs")
	Dir string `json:"dir"`

	// Console also writes to stderr (default: true)
	Console bool `json:"console"`
}

// RoutePoint is one leg end of the reporter's simulated flight.
type RoutePoint struct {
	Ident      string  `json:"ident"`
	Latitude   float64 `json:"lat"`
	Longitude  float64 `json:"lon"`
	AltitudeFt float64 `json:"alt"`
}

// ReporterConfig configures the producer-side reporter.
type ReporterConfig struct {
	// Enabled turns reporting on (default: true)
	Enabled bool `json:"enabled"`

	// ServerURL is the hub base URL (default: "http://localhost:8080")
	ServerURL string `json:"server_url"`

	// DirectChannel also pushes over the WebSocket ingest channel
	// (default: true)
	DirectChannel bool `json:"direct_channel"`

	// IntervalMs is the sampling period (default: 5000)
	IntervalMs int `json:"interval_ms"`

	// RequestTimeoutMs bounds each HTTP push (default: 4000)
	RequestTimeoutMs int `json:"request_timeout_ms"`

	// Callsign identifies the simulated aircraft
	Callsign string `json:"callsign"`

	// FlightNo, Departure, Arrival and Squawk are sent as flight metadata
	FlightNo  string `json:"flight_no"`
	Departure string `json:"departure"`
	Arrival   string `json:"arrival"`
	Squawk    string `json:"squawk"`

	// SpeedKnots is the simulated ground speed (default: 250)
	SpeedKnots float64 `json:"speed_knots"`

	// Route is the simulated flight plan, first point is the departure
	Route []RoutePoint `json:"route"`
}

// ViewerConfig configures the terminal viewer.
type ViewerConfig struct {
	// ServerURL is the hub base URL (default: "http://localhost:8080")
	ServerURL string `json:"server_url"`

	// Transport is "ws" or "sse" (default: "ws")
	Transport string `json:"transport"`

	// HeartbeatSeconds is the presence heartbeat period (default: 10)
	HeartbeatSeconds int `json:"heartbeat_seconds"`
}

// Load reads configuration from a JSON file. A missing file yields the
// defaults. A .env file in the working directory is loaded first so its
// values can feed the environment overrides.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvironmentOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Start from defaults so a partial file only overrides what it names.
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()

	return cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                "8080",
			Host:                "0.0.0.0",
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 15,
			IdleTimeoutSeconds:  60,
			AllowedOrigins:      []string{"*"},
		},
		Hub: HubConfig{
			TickIntervalMs: 1000,
			TTLSeconds:     30,
			SendBuffer:     8,
			WriteTimeoutMs: 5000,
			IngestBurst:    5,
		},
		Presence: PresenceConfig{
			TTLSeconds:    30,
			SweepSchedule: "@every 30s",
		},
		Database: DatabaseConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            5432,
			Database:        "simtraffic",
			Username:        "simtraffic",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			CleanupSchedule: "@every 1m",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Dir:     "logs",
			Console: true,
		},
		Reporter: ReporterConfig{
			Enabled:          true,
			ServerURL:        "http://localhost:8080",
			DirectChannel:    true,
			IntervalMs:       5000,
			RequestTimeoutMs: 4000,
			Callsign:         "SIM001",
			FlightNo:         "001",
			Departure:        "KSEA",
			Arrival:          "KPDX",
			Squawk:           "1200",
			SpeedKnots:       250,
			Route: []RoutePoint{
				{Ident: "KSEA", Latitude: 47.4502, Longitude: -122.3088, AltitudeFt: 433},
				{Ident: "OLM", Latitude: 46.9716, Longitude: -122.9023, AltitudeFt: 9000},
				{Ident: "BTG", Latitude: 45.7477, Longitude: -122.5919, AltitudeFt: 6000},
				{Ident: "KPDX", Latitude: 45.5887, Longitude: -122.5975, AltitudeFt: 31},
			},
		},
		Viewer: ViewerConfig{
			ServerURL:        "http://localhost:8080",
			Transport:        "ws",
			HeartbeatSeconds: 10,
		},
	}
}

// TickInterval returns the broadcast period as a duration.
func (h HubConfig) TickInterval() time.Duration {
	return time.Duration(h.TickIntervalMs) * time.Millisecond
}

// TTL returns the aircraft expiry window as a duration.
func (h HubConfig) TTL() time.Duration {
	return time.Duration(h.TTLSeconds) * time.Second
}

// WriteTimeout returns the per-push deadline as a duration.
func (h HubConfig) WriteTimeout() time.Duration {
	return time.Duration(h.WriteTimeoutMs) * time.Millisecond
}

// TTL returns the presence expiry window as a duration.
func (p PresenceConfig) TTL() time.Duration {
	return time.Duration(p.TTLSeconds) * time.Second
}

// Interval returns the sampling period as a duration.
func (r ReporterConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

// RequestTimeout returns the HTTP push timeout as a duration.
func (r ReporterConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutMs) * time.Millisecond
}

// Heartbeat returns the presence heartbeat period as a duration.
func (v ViewerConfig) Heartbeat() time.Duration {
	return time.Duration(v.HeartbeatSeconds) * time.Second
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	// godotenv.Load never overrides variables that are already set.
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
// This allows sensitive data like passwords to be kept out of config files.
func (c *Config) applyEnvironmentOverrides() {
	if port := os.Getenv(EnvPrefix + "PORT"); port != "" {
		c.Server.Port = port
	}
	if host := os.Getenv(EnvPrefix + "HOST"); host != "" {
		c.Server.Host = host
	}
	if v, ok := envBool(EnvPrefix + "DB_ENABLED"); ok {
		c.Database.Enabled = v
	}
	if dbHost := os.Getenv(EnvPrefix + "DB_HOST"); dbHost != "" {
		c.Database.Host = dbHost
	}
	if dbPassword := os.Getenv(EnvPrefix + "DB_PASSWORD"); dbPassword != "" {
		c.Database.Password = dbPassword
	}
	if level := os.Getenv(EnvPrefix + "LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v, ok := envFloat(EnvPrefix + "INGEST_RATE"); ok {
		c.Hub.IngestRatePerSecond = v
	}
	if url := os.Getenv(EnvPrefix + "SERVER_URL"); url != "" {
		c.Reporter.ServerURL = url
		c.Viewer.ServerURL = url
	}
	if callsign := os.Getenv(EnvPrefix + "CALLSIGN"); callsign != "" {
		c.Reporter.Callsign = callsign
	}
}

func envBool(key string) (bool, bool) {
	s := os.Getenv(key)
	if s == "" {
		return false, false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
