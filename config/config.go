// Package config loads fleet process configuration.
//
// Sources are applied in order, later ones winning:
//
//  1. built-in defaults
//  2. a TOML file
//  3. a .env file (never overrides variables already set)
//  4. FLEET_* environment variables
//
// Secrets missing from the result are filled from a credentials file (see
// package credentials).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/vinayprograms/fleetlink/bus"
	"github.com/vinayprograms/fleetlink/credentials"
	fleeterrors "github.com/vinayprograms/fleetlink/errors"
	"github.com/vinayprograms/fleetlink/logging"
	"github.com/vinayprograms/fleetlink/mirror"
	"github.com/vinayprograms/fleetlink/telemetry"
)

// Mirror backends.
const (
	MirrorNone  = ""
	MirrorNATS  = "nats"
	MirrorRedis = "redis"
)

// Duration is a time.Duration written as a string such as "500ms" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full process configuration.
type Config struct {
	Broker      BrokerConfig      `toml:"broker"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Node        NodeConfig        `toml:"node"`
	Mirror      MirrorConfig      `toml:"mirror"`
	Log         LogConfig         `toml:"log"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
}

// BrokerConfig is the MQTT broker connection.
type BrokerConfig struct {
	URL            string   `toml:"url"`
	ClientID       string   `toml:"client_id"`
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	KeepAlive      Duration `toml:"keep_alive"`
}

// CoordinatorConfig configures fleet-coordinator.
type CoordinatorConfig struct {
	AdminAddr             string `toml:"admin_addr"`
	PurgeRetainedOnForget bool   `toml:"purge_retained_on_forget"`
}

// NodeConfig configures fleet-node.
type NodeConfig struct {
	ID          string   `toml:"id"`
	DeviceType  string   `toml:"device_type"`
	GracePeriod Duration `toml:"grace_period"`
}

// MirrorConfig selects and configures the registry mirror.
type MirrorConfig struct {
	Backend       string `toml:"backend"`
	NATSURL       string `toml:"nats_url"`
	Bucket        string `toml:"bucket"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig configures OTLP tracing. Tracing is off without an
// endpoint.
type TelemetryConfig struct {
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"`
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	mqtt := bus.DefaultMQTTConfig()
	return &Config{
		Broker: BrokerConfig{
			URL:            mqtt.BrokerURL,
			ConnectTimeout: Duration{mqtt.ConnectTimeout},
			KeepAlive:      Duration{mqtt.KeepAlive},
		},
		Coordinator: CoordinatorConfig{
			AdminAddr: ":8080",
		},
		Node: NodeConfig{
			DeviceType:  "esp-32",
			GracePeriod: Duration{500 * time.Millisecond},
		},
		Mirror: MirrorConfig{
			NATSURL:   "nats://localhost:4222",
			Bucket:    mirror.DefaultNATSMirrorConfig().Bucket,
			RedisAddr: "localhost:6379",
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: telemetry.DefaultServiceName,
		},
	}
}

// Load builds a configuration from defaults, the TOML file at path (skipped
// when empty), the .env file at envFile (".env" is tried silently when
// empty) and the environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fleeterrors.InvalidInput("cannot read config file", fleeterrors.WithCause(err), fleeterrors.WithMetadata("path", path))
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fleeterrors.InvalidInput("unknown config keys: "+strings.Join(keys, ", "), fleeterrors.WithMetadata("path", path))
		}
	}

	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFile(envFile string) error {
	if envFile == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		return fleeterrors.InvalidInput("cannot read env file", fleeterrors.WithCause(err), fleeterrors.WithMetadata("path", envFile))
	}
	return nil
}

// ApplyEnv overrides fields from FLEET_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("FLEET_BROKER_URL", &c.Broker.URL)
	str("FLEET_BROKER_CLIENT_ID", &c.Broker.ClientID)
	str("FLEET_BROKER_USERNAME", &c.Broker.Username)
	str("FLEET_BROKER_PASSWORD", &c.Broker.Password)
	dur("FLEET_BROKER_CONNECT_TIMEOUT", &c.Broker.ConnectTimeout)
	dur("FLEET_BROKER_KEEP_ALIVE", &c.Broker.KeepAlive)

	str("FLEET_ADMIN_ADDR", &c.Coordinator.AdminAddr)
	boolean("FLEET_PURGE_RETAINED_ON_FORGET", &c.Coordinator.PurgeRetainedOnForget)

	str("FLEET_NODE_ID", &c.Node.ID)
	str("FLEET_DEVICE_TYPE", &c.Node.DeviceType)
	dur("FLEET_GRACE_PERIOD", &c.Node.GracePeriod)

	str("FLEET_MIRROR_BACKEND", &c.Mirror.Backend)
	str("FLEET_NATS_URL", &c.Mirror.NATSURL)
	str("FLEET_MIRROR_BUCKET", &c.Mirror.Bucket)
	str("FLEET_REDIS_ADDR", &c.Mirror.RedisAddr)
	str("FLEET_REDIS_PASSWORD", &c.Mirror.RedisPassword)
	integer("FLEET_REDIS_DB", &c.Mirror.RedisDB)

	str("FLEET_LOG_LEVEL", &c.Log.Level)

	str("FLEET_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	str("FLEET_OTEL_PROTOCOL", &c.Telemetry.Protocol)
	boolean("FLEET_OTEL_INSECURE", &c.Telemetry.Insecure)
	str("FLEET_SERVICE_NAME", &c.Telemetry.ServiceName)

	if len(errs) > 0 {
		return fleeterrors.InvalidInput("invalid environment override", fleeterrors.WithCause(errors.Join(errs...)))
	}
	return nil
}

// ApplyCredentials fills broker and Redis secrets that are still empty.
func (c *Config) ApplyCredentials(creds *credentials.Credentials) {
	broker := creds.Get(credentials.SectionBroker)
	if c.Broker.Username == "" {
		c.Broker.Username = broker.Username
	}
	if c.Broker.Password == "" {
		c.Broker.Password = broker.Password
	}
	if c.Mirror.RedisPassword == "" {
		c.Mirror.RedisPassword = creds.Get(credentials.SectionRedis).Password
	}
}

// Validate rejects configurations the binaries cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Broker.URL) == "" {
		problems = append(problems, "broker.url is required")
	}
	if c.Broker.ConnectTimeout.Duration <= 0 {
		problems = append(problems, "broker.connect_timeout must be positive")
	}
	if c.Broker.KeepAlive.Duration <= 0 {
		problems = append(problems, "broker.keep_alive must be positive")
	}
	if c.Node.GracePeriod.Duration <= 0 {
		problems = append(problems, "node.grace_period must be positive")
	}
	if strings.ContainsAny(c.Node.ID, "/+#") {
		problems = append(problems, "node.id must be a single topic level")
	}

	switch c.Mirror.Backend {
	case MirrorNone:
	case MirrorNATS:
		if c.Mirror.NATSURL == "" {
			problems = append(problems, "mirror.nats_url is required for the nats backend")
		}
	case MirrorRedis:
		if c.Mirror.RedisAddr == "" {
			problems = append(problems, "mirror.redis_addr is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("mirror.backend %q is not one of nats, redis", c.Mirror.Backend))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, "log.level: "+err.Error())
	}

	switch c.Telemetry.Protocol {
	case "grpc", "http":
	default:
		problems = append(problems, fmt.Sprintf("telemetry.protocol %q is not one of grpc, http", c.Telemetry.Protocol))
	}

	if len(problems) > 0 {
		return fleeterrors.InvalidInput("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// MQTT returns the broker link configuration for clientID. The caller
// attaches the will.
func (c *Config) MQTT(clientID string) bus.MQTTConfig {
	mqtt := bus.DefaultMQTTConfig()
	mqtt.BrokerURL = c.Broker.URL
	mqtt.ClientID = clientID
	mqtt.Username = c.Broker.Username
	mqtt.Password = c.Broker.Password
	mqtt.ConnectTimeout = c.Broker.ConnectTimeout.Duration
	mqtt.KeepAlive = c.Broker.KeepAlive.Duration
	return mqtt
}

// Provider returns the tracing provider configuration.
func (c *Config) Provider(version string) telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       c.Telemetry.Endpoint,
		Protocol:       c.Telemetry.Protocol,
		Insecure:       c.Telemetry.Insecure,
	}
}

// LogLevel returns the parsed log level. Validate guarantees it parses.
func (c *Config) LogLevel() logging.Level {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return logging.LevelInfo
	}
	return level
}
