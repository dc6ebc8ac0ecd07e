package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the signaling server.
// Precedence: CLI flags > env vars > config file > defaults.
type Config struct {
	ConfigFile  string
	DataDir     string
	HTTPPort    int
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	CORSOrigins string
	JWTSecret   string // hex-encoded 32-byte secret for extension token signing

	RingTimeout       time.Duration
	QueueOfferTimeout time.Duration
	AuthTimeout       time.Duration
	MessageRate       float64 // inbound frames per second per connection
	MessageBurst      int
	ValidateSDP       bool

	CallControlURL string // base URL of the external call-control subsystem
	CallControlKey string // shared key for call-control requests in both directions

	MQTTBroker      string // e.g. "tcp://localhost:1883"; empty disables publishing
	MQTTClientID    string
	MQTTTopicPrefix string

	PostgresDSN string // when set, call history goes to postgres instead of sqlite
}

// defaults
const (
	defaultDataDir           = "./data"
	defaultHTTPPort          = 8080
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultRingTimeout       = 30 * time.Second
	defaultQueueOfferTimeout = 30 * time.Second
	defaultAuthTimeout       = 10 * time.Second
	defaultMessageRate       = 50
	defaultMessageBurst      = 100
	defaultMQTTClientID      = "pbxsignal"
	defaultMQTTTopicPrefix   = "pbxsignal"
)

// envPrefix is the prefix for all environment variables.
const envPrefix = "PBXSIGNAL_"

// Load parses configuration from the process arguments, environment
// variables and the optional config file.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs is Load with explicit arguments.
func LoadArgs(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("pbxsignal", flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigFile, "config", "", "path to a yaml config file")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the sqlite database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP and websocket listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed origins (use * for all)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for extension tokens (auto-generated if empty)")
	fs.DurationVar(&cfg.RingTimeout, "ring-timeout", defaultRingTimeout, "how long a direct call may ring before it ends with timeout")
	fs.DurationVar(&cfg.QueueOfferTimeout, "queue-offer-timeout", defaultQueueOfferTimeout, "how long a queue offer waits for an agent")
	fs.DurationVar(&cfg.AuthTimeout, "auth-timeout", defaultAuthTimeout, "how long a websocket may wait before sending its auth frame")
	fs.Float64Var(&cfg.MessageRate, "message-rate", defaultMessageRate, "inbound frames per second allowed per connection (0 disables)")
	fs.IntVar(&cfg.MessageBurst, "message-burst", defaultMessageBurst, "inbound frame burst allowed per connection")
	fs.BoolVar(&cfg.ValidateSDP, "validate-sdp", false, "reject offers and answers that are not valid SDP with audio")
	fs.StringVar(&cfg.CallControlURL, "call-control-url", "", "base URL of the call-control subsystem")
	fs.StringVar(&cfg.CallControlKey, "call-control-key", "", "shared API key for call-control requests")
	fs.StringVar(&cfg.MQTTBroker, "mqtt-broker", "", "MQTT broker URL for lifecycle events (empty disables)")
	fs.StringVar(&cfg.MQTTClientID, "mqtt-client-id", defaultMQTTClientID, "MQTT client id")
	fs.StringVar(&cfg.MQTTTopicPrefix, "mqtt-topic-prefix", defaultMQTTTopicPrefix, "MQTT topic prefix")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "postgres connection string for call history")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	if !set["config"] {
		if v, ok := os.LookupEnv(envPrefix + "CONFIG"); ok && v != "" {
			cfg.ConfigFile = v
		}
	}
	if cfg.ConfigFile != "" {
		if err := applyFile(fs, set, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(fs, set); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envName maps a flag name to its environment variable, e.g. http-port to
// PBXSIGNAL_HTTP_PORT.
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]bool) error {
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil || set[f.Name] || f.Name == "config" {
			return
		}
		env := envName(f.Name)
		val, ok := os.LookupEnv(env)
		if !ok || val == "" {
			return
		}
		if serr := fs.Set(f.Name, val); serr != nil {
			err = fmt.Errorf("invalid %s: %w", env, serr)
		}
	})
	return err
}

// fileConfig is the yaml layout of the config file.
type fileConfig struct {
	DataDir     string `yaml:"data_dir"`
	HTTPPort    int    `yaml:"http_port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	CORSOrigins string `yaml:"cors_origins"`
	JWTSecret   string `yaml:"jwt_secret"`

	Signaling struct {
		RingTimeout       string   `yaml:"ring_timeout"`
		QueueOfferTimeout string   `yaml:"queue_offer_timeout"`
		AuthTimeout       string   `yaml:"auth_timeout"`
		MessageRate       *float64 `yaml:"message_rate"`
		MessageBurst      int      `yaml:"message_burst"`
		ValidateSDP       *bool    `yaml:"validate_sdp"`
	} `yaml:"signaling"`

	CallControl struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
	} `yaml:"call_control"`

	MQTT struct {
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
}

// values returns the file settings keyed by flag name. Empty settings are
// left out so they do not mask defaults.
func (f *fileConfig) values() map[string]string {
	v := map[string]string{
		"data-dir":            f.DataDir,
		"log-level":           f.LogLevel,
		"log-format":          f.LogFormat,
		"cors-origins":        f.CORSOrigins,
		"jwt-secret":          f.JWTSecret,
		"ring-timeout":        f.Signaling.RingTimeout,
		"queue-offer-timeout": f.Signaling.QueueOfferTimeout,
		"auth-timeout":        f.Signaling.AuthTimeout,
		"call-control-url":    f.CallControl.URL,
		"call-control-key":    f.CallControl.APIKey,
		"mqtt-broker":         f.MQTT.Broker,
		"mqtt-client-id":      f.MQTT.ClientID,
		"mqtt-topic-prefix":   f.MQTT.TopicPrefix,
		"postgres-dsn":        f.Postgres.DSN,
	}
	if f.HTTPPort != 0 {
		v["http-port"] = strconv.Itoa(f.HTTPPort)
	}
	if f.Signaling.MessageRate != nil {
		v["message-rate"] = strconv.FormatFloat(*f.Signaling.MessageRate, 'f', -1, 64)
	}
	if f.Signaling.MessageBurst != 0 {
		v["message-burst"] = strconv.Itoa(f.Signaling.MessageBurst)
	}
	if f.Signaling.ValidateSDP != nil {
		v["validate-sdp"] = strconv.FormatBool(*f.Signaling.ValidateSDP)
	}
	for k, s := range v {
		if s == "" {
			delete(v, k)
		}
	}
	return v
}

// applyFile loads path and applies every setting whose flag was not given on
// the command line. Env overrides run afterwards and win over the file.
func applyFile(fs *flag.FlagSet, set map[string]bool, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	for name, val := range fc.values() {
		if set[name] {
			continue
		}
		if err := fs.Set(name, val); err != nil {
			return fmt.Errorf("config file %s: invalid %s: %w", path, name, err)
		}
	}
	return nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	for name, d := range map[string]time.Duration{
		"ring-timeout":        c.RingTimeout,
		"queue-offer-timeout": c.QueueOfferTimeout,
		"auth-timeout":        c.AuthTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.MessageRate < 0 {
		return fmt.Errorf("message-rate must not be negative, got %v", c.MessageRate)
	}
	if c.MessageBurst < 0 {
		return fmt.Errorf("message-burst must not be negative, got %d", c.MessageBurst)
	}

	if c.CallControlURL != "" {
		u, err := url.Parse(c.CallControlURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("call-control-url must be an http or https URL, got %q", c.CallControlURL)
		}
	}

	if c.MQTTBroker != "" && c.MQTTTopicPrefix == "" {
		return fmt.Errorf("mqtt-topic-prefix is required when mqtt-broker is set")
	}

	return nil
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
