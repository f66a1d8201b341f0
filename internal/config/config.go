// Package config handles loading and validation of aiprompter configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with an
// AIPROMPTER_ prefix:
//
//	server.address → AIPROMPTER_SERVER_ADDRESS
//	rate_limit.daily_limit → AIPROMPTER_RATE_LIMIT_DAILY_LIMIT
//
// The unprefixed variables of a serverless deployment
// (OPENAI_API_KEY, UPSTASH_REDIS_REST_URL, UPSTASH_REDIS_REST_TOKEN,
// RATE_LIMIT_DAILY, RATE_LIMIT_SECRET) are honored as fallbacks when the
// prefixed value is empty.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via AIPROMPTER_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/aiprompter/config.yaml"

// DefaultDailyLimit is the number of enhancements a visitor may request per
// UTC day when rate_limit.daily_limit is not set.
const DefaultDailyLimit = 5

// Enum values are lowercase. Load normalizes before validating.

// oneOf reports whether v is one of allowed.
func oneOf[T ~string](v T, allowed ...T) bool {
	return slices.Contains(allowed, v)
}

// FailurePolicy controls what the enhancement gateway does when the counter
// store cannot be reached while enforcing the daily limit.
type FailurePolicy string

const (
	// FailurePolicyPassThrough admits the request without quota metadata.
	FailurePolicyPassThrough FailurePolicy = "passthrough"
	// FailurePolicyFailClosed rejects the request with 503.
	FailurePolicyFailClosed FailurePolicy = "failclosed"
	// FailurePolicyInMemoryFallback enforces the daily limit per instance.
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
)

func (fp FailurePolicy) Valid() bool {
	return oneOf(fp, FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemoryFallback)
}

// StoreBackend selects the transport used to reach the shared counter store.
type StoreBackend string

const (
	StoreBackendRedis StoreBackend = "redis"
	StoreBackendREST  StoreBackend = "rest"
	StoreBackendNone  StoreBackend = "none"
)

func (b StoreBackend) Valid() bool {
	return oneOf(b, StoreBackendRedis, StoreBackendREST, StoreBackendNone)
}

// RedisMode is the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	return oneOf(m, RedisModeSingle, RedisModeSentinel, RedisModeCluster)
}

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	return oneOf(l, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError)
}

type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool { return oneOf(f, LogFormatJSON, LogFormatText) }

// TLSVersion is the minimum TLS version of the API listener. Empty means 1.2.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool { return oneOf(v, TLSVersion12, TLSVersion13, "") }

// Config is the top-level aiprompter configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	CORS      CORSConfig      `yaml:"cors"       envPrefix:"CORS_"`
	Upstream  UpstreamConfig  `yaml:"upstream"   envPrefix:"UPSTREAM_"`
	Store     StoreConfig     `yaml:"store"      envPrefix:"STORE_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Analytics AnalyticsConfig `yaml:"analytics"  envPrefix:"ANALYTICS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the public API server settings.
type ServerConfig struct {
	Address        string          `yaml:"address"         env:"ADDRESS"`
	ReadTimeout    string          `yaml:"read_timeout"    env:"READ_TIMEOUT"`
	WriteTimeout   string          `yaml:"write_timeout"   env:"WRITE_TIMEOUT"`
	IdleTimeout    string          `yaml:"idle_timeout"    env:"IDLE_TIMEOUT"`
	DrainTimeout   string          `yaml:"drain_timeout"   env:"DRAIN_TIMEOUT"`
	RequestTimeout string          `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	MaxBodyBytes   int64           `yaml:"max_body_bytes"  env:"MAX_BODY_BYTES"` // 0 = default (64 KiB)
	TLS            ServerTLSConfig `yaml:"tls"             envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// UpstreamConfig configures the language-model completion API.
type UpstreamConfig struct {
	APIKey      RedactedString `yaml:"api_key"     env:"API_KEY"`
	BaseURL     string         `yaml:"base_url"    env:"BASE_URL"`
	Model       string         `yaml:"model"       env:"MODEL"`
	Temperature float64        `yaml:"temperature" env:"TEMPERATURE"`
	Timeout     string         `yaml:"timeout"     env:"TIMEOUT"`
}

// StoreConfig selects and configures the shared counter store.
type StoreConfig struct {
	Backend StoreBackend    `yaml:"backend" env:"BACKEND"`
	Timeout string          `yaml:"timeout" env:"TIMEOUT"`
	Redis   RedisConfig     `yaml:"redis"   envPrefix:"REDIS_"`
	REST    RESTStoreConfig `yaml:"rest"    envPrefix:"REST_"`
}

// RESTStoreConfig holds the endpoint/credential pair of a store reachable
// over the HTTP command protocol.
type RESTStoreConfig struct {
	URL   string         `yaml:"url"   env:"URL"`
	Token RedactedString `yaml:"token" env:"TOKEN"`
}

// Configured reports whether both the endpoint and the credential are set.
func (c RESTStoreConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// RateLimitConfig holds the daily quota settings.
type RateLimitConfig struct {
	DailyLimit    int64          `yaml:"daily_limit"    env:"DAILY_LIMIT"`
	Secret        RedactedString `yaml:"secret"         env:"SECRET"`
	KeyPrefix     string         `yaml:"key_prefix"     env:"KEY_PREFIX"`
	FailurePolicy FailurePolicy  `yaml:"failure_policy" env:"FAILURE_POLICY"`
}

// AnalyticsConfig holds the anonymous usage counter settings.
type AnalyticsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8080",
			ReadTimeout:    "30s",
			WriteTimeout:   "90s",
			IdleTimeout:    "120s",
			DrainTimeout:   "30s",
			RequestTimeout: "75s",
			MaxBodyBytes:   64 << 10,
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Upstream: UpstreamConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.2,
			Timeout:     "60s",
		},
		Store: StoreConfig{
			Backend: StoreBackendRedis,
			Timeout: "2s",
			Redis: RedisConfig{
				Endpoints:    []string{"localhost:6379"},
				Mode:         RedisModeSingle,
				PoolSize:     10,
				DialTimeout:  "5s",
				ReadTimeout:  "3s",
				WriteTimeout: "3s",
			},
		},
		RateLimit: RateLimitConfig{
			DailyLimit:    DefaultDailyLimit,
			KeyPrefix:     "rl:",
			FailurePolicy: FailurePolicyPassThrough,
		},
		Analytics: AnalyticsConfig{
			Enabled:       true,
			BufferSize:    4096,
			BatchSize:     64,
			FlushInterval: "2s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "aiprompter",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("AIPROMPTER_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// LoadEnvFiles loads .env.local and .env from the working directory when
// present. Variables already set in the process environment win.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/aiprompter/config.yaml and
// can be overridden via AIPROMPTER_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// A missing file is fine: defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "AIPROMPTER_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	if err := cfg.applyLegacyEnv(os.Getenv); err != nil {
		return nil, err
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyLegacyEnv fills empty fields from the unprefixed variable names of the
// serverless deployment. A REST store URL switches the backend to "rest"
// unless a backend was chosen explicitly through AIPROMPTER_STORE_BACKEND.
func (cfg *Config) applyLegacyEnv(getenv func(string) string) error {
	if cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKey = RedactedString(getenv("OPENAI_API_KEY"))
	}
	if cfg.RateLimit.Secret == "" {
		cfg.RateLimit.Secret = RedactedString(getenv("RATE_LIMIT_SECRET"))
	}
	if v := getenv("RATE_LIMIT_DAILY"); v != "" && getenv("AIPROMPTER_RATE_LIMIT_DAILY_LIMIT") == "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_DAILY %q: %w", v, err)
		}
		cfg.RateLimit.DailyLimit = n
	}
	if cfg.Store.REST.URL == "" {
		cfg.Store.REST.URL = getenv("UPSTASH_REDIS_REST_URL")
		if cfg.Store.REST.URL != "" && getenv("AIPROMPTER_STORE_BACKEND") == "" {
			cfg.Store.Backend = StoreBackendREST
		}
	}
	if cfg.Store.REST.Token == "" {
		cfg.Store.REST.Token = RedactedString(getenv("UPSTASH_REDIS_REST_TOKEN"))
	}
	return nil
}

// normalize lowercases all enum fields so that YAML values like "failClosed"
// or env values like "REDIS" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	cfg.Store.Backend = StoreBackend(strings.ToLower(string(cfg.Store.Backend)))
	cfg.Store.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Store.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateUpstream(cfg); err != nil {
		return err
	}
	if err := validateStore(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateAnalytics(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"server.request_timeout", cfg.Server.RequestTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"upstream.timeout", cfg.Upstream.Timeout},
		{"store.timeout", cfg.Store.Timeout},
		{"store.redis.dial_timeout", cfg.Store.Redis.DialTimeout},
		{"store.redis.read_timeout", cfg.Store.Redis.ReadTimeout},
		{"store.redis.write_timeout", cfg.Store.Redis.WriteTimeout},
		{"analytics.flush_interval", cfg.Analytics.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

// validateUpstream checks the shape of the upstream settings. A missing
// api_key is not a startup error: the gateway reports it per request.
func validateUpstream(cfg *Config) error {
	if err := validateURL("upstream.base_url", cfg.Upstream.BaseURL); err != nil {
		return err
	}
	if cfg.Upstream.Model == "" {
		return fmt.Errorf("upstream.model is required")
	}
	if t := cfg.Upstream.Temperature; t < 0 || t > 2 {
		return fmt.Errorf("invalid upstream.temperature %v: must be within [0, 2]", t)
	}
	return nil
}

// validateStore checks the counter store settings. A rest backend without
// url/token is accepted: the store then reports ErrNotConfigured on every
// call, which the limiter and gateway handle by policy.
func validateStore(cfg *Config) error {
	if !cfg.Store.Backend.Valid() {
		return fmt.Errorf("invalid store.backend %q: must be redis, rest, or none", cfg.Store.Backend)
	}
	switch cfg.Store.Backend {
	case StoreBackendRedis:
		return validateRedisConfig(cfg.Store.Redis, "store.redis")
	case StoreBackendREST:
		if cfg.Store.REST.URL != "" {
			return validateURL("store.rest.url", cfg.Store.REST.URL)
		}
	}
	return nil
}

func validateRedisConfig(rc RedisConfig, prefix string) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid %s.mode %q", prefix, rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("%s.endpoints: at least one endpoint is required", prefix)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("%s.endpoints: single mode requires exactly one endpoint, got %d", prefix, len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("%s.master_name is required for sentinel mode", prefix)
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if cfg.RateLimit.DailyLimit < 1 {
		return fmt.Errorf("rate_limit.daily_limit must be a positive integer, got %d", cfg.RateLimit.DailyLimit)
	}
	if fp := cfg.RateLimit.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough, failclosed, or inmemoryfallback", fp)
	}
	if strings.ContainsAny(cfg.RateLimit.KeyPrefix, " \t\r\n") {
		return fmt.Errorf("rate_limit.key_prefix must not contain whitespace")
	}
	return nil
}

func validateAnalytics(cfg *Config) error {
	if cfg.Analytics.BufferSize < 0 || cfg.Analytics.BatchSize < 0 {
		return fmt.Errorf("analytics.buffer_size and analytics.batch_size must be >= 0")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s %q: scheme and host are required", name, raw)
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart lists the settings that differ from old but are only read
// at startup. Everything else (daily limit, failure policy, secret, request
// timeout, body size) is applied by a hot reload.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	checks := []struct {
		field   string
		changed bool
	}{
		{"server.address", c.Server.Address != old.Server.Address},
		{"server.tls.enabled", c.Server.TLS.Enabled != old.Server.TLS.Enabled},
		{"server.tls.http3_enabled", c.Server.TLS.HTTP3Enabled != old.Server.TLS.HTTP3Enabled},
		{"admin.address", c.Admin.Address != old.Admin.Address},
		{"cors.allowed_origins", !slices.Equal(c.CORS.AllowedOrigins, old.CORS.AllowedOrigins)},
		{"upstream", c.Upstream != old.Upstream},
		{"store.backend", c.Store.Backend != old.Store.Backend},
		{"store.redis.endpoints", !slices.Equal(c.Store.Redis.Endpoints, old.Store.Redis.Endpoints)},
		{"store.rest", c.Store.REST != old.Store.REST},
		{"analytics", c.Analytics != old.Analytics},
		{"logging", c.Logging != old.Logging},
		{"tracing", c.Tracing != old.Tracing},
	}

	var fields []string
	for _, ch := range checks {
		if ch.changed {
			fields = append(fields, ch.field)
		}
	}
	return fields
}
