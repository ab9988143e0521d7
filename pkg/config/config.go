// Package config provides configuration file support for ctxcache.
// It handles loading, validation, and environment variable interpolation
// for ctxcache.yaml configuration files.
package config

import (
	"fmt"
	"math"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Siddhant-K-code/ctxcache/pkg/layer"
)

// EnvPrefix prefixes environment overrides, e.g. CTXCACHE_ROUTER_TIMEOUT.
const EnvPrefix = "CTXCACHE"

// Backend names accepted in layers.<name>.backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendQdrant   = "qdrant"
	BackendPinecone = "pinecone"
)

var validBackends = map[string]bool{
	BackendMemory: true, BackendRedis: true, BackendPostgres: true,
	BackendQdrant: true, BackendPinecone: true,
}

// Config represents the full ctxcache configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Router    RouterConfig    `mapstructure:"router" yaml:"router"`
	Expiry    ExpiryConfig    `mapstructure:"expiry" yaml:"expiry"`
	Layers    LayersConfig    `mapstructure:"layers" yaml:"layers"`
	Breaker   BreakerConfig   `mapstructure:"breaker" yaml:"breaker"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres" yaml:"postgres"`
	Qdrant    QdrantConfig    `mapstructure:"qdrant" yaml:"qdrant"`
	Pinecone  PineconeConfig  `mapstructure:"pinecone" yaml:"pinecone"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Import    ImportConfig    `mapstructure:"import" yaml:"import"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" yaml:"port"`
	Host            string        `mapstructure:"host" yaml:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// RouterConfig holds routing settings.
type RouterConfig struct {
	FallbackChain []string      `mapstructure:"fallback_chain" yaml:"fallback_chain"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ExpiryConfig holds background sweep settings.
type ExpiryConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LayerConfig holds one layer's settings.
type LayerConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Backend string `mapstructure:"backend" yaml:"backend"`

	// CacheTTLSeconds applies when a write omits its TTL. Zero means no expiry.
	CacheTTLSeconds int64 `mapstructure:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`

	// MaxCacheSize is the soft cap that triggers eviction. Zero disables it.
	MaxCacheSize int    `mapstructure:"max_cache_size" yaml:"max_cache_size"`
	Eviction     string `mapstructure:"eviction" yaml:"eviction"`

	SimilarityThreshold     float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	EmbeddingDimensionality int     `mapstructure:"embedding_dimensionality" yaml:"embedding_dimensionality"`

	// Vector only.
	MMRLambda float64 `mapstructure:"mmr_lambda" yaml:"mmr_lambda"`

	// Diary only.
	ImportanceHalfLife time.Duration `mapstructure:"importance_half_life" yaml:"importance_half_life"`
}

// TTL returns the default TTL as a duration.
func (l LayerConfig) TTL() time.Duration {
	return time.Duration(l.CacheTTLSeconds) * time.Second
}

// LayersConfig holds the five layers.
type LayersConfig struct {
	Predictive LayerConfig `mapstructure:"predictive" yaml:"predictive"`
	Semantic   LayerConfig `mapstructure:"semantic" yaml:"semantic"`
	Vector     LayerConfig `mapstructure:"vector" yaml:"vector"`
	Global     LayerConfig `mapstructure:"global" yaml:"global"`
	Diary      LayerConfig `mapstructure:"diary" yaml:"diary"`
}

// Get returns the settings of the named layer.
func (l *LayersConfig) Get(name string) (*LayerConfig, bool) {
	switch name {
	case layer.Predictive:
		return &l.Predictive, true
	case layer.Semantic:
		return &l.Semantic, true
	case layer.Vector:
		return &l.Vector, true
	case layer.Global:
		return &l.Global, true
	case layer.Diary:
		return &l.Diary, true
	}
	return nil, false
}

// Enabled returns the names of enabled layers in default order.
func (l *LayersConfig) Enabled() []string {
	var out []string
	for _, name := range layer.Names {
		if lc, _ := l.Get(name); lc.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// BreakerConfig holds circuit breaker settings for remote backends.
type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests" yaml:"max_requests"`
	Interval            time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	Password     string        `mapstructure:"password" yaml:"password"`
	KeyPrefix    string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL settings.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	TablePrefix  string `mapstructure:"table_prefix" yaml:"table_prefix"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// QdrantConfig holds Qdrant settings.
type QdrantConfig struct {
	Host       string `mapstructure:"host" yaml:"host"`
	GRPCPort   int    `mapstructure:"grpc_port" yaml:"grpc_port"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	UseTLS     bool   `mapstructure:"use_tls" yaml:"use_tls"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

// PineconeConfig holds Pinecone settings.
type PineconeConfig struct {
	APIKey          string `mapstructure:"api_key" yaml:"api_key"`
	Index           string `mapstructure:"index" yaml:"index"`
	NamespacePrefix string `mapstructure:"namespace_prefix" yaml:"namespace_prefix"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider is openai, hash, or empty for none.
	Provider   string        `mapstructure:"provider" yaml:"provider"`
	Model      string        `mapstructure:"model" yaml:"model"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Dimensions int           `mapstructure:"dimensions" yaml:"dimensions"`
	CacheSize  int           `mapstructure:"cache_size" yaml:"cache_size"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// ImportConfig holds bulk import settings.
type ImportConfig struct {
	Workers    int `mapstructure:"workers" yaml:"workers"`
	BatchSize  int `mapstructure:"batch_size" yaml:"batch_size"`
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys" yaml:"api_keys"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter   string  `mapstructure:"exporter" yaml:"exporter"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
}

func defaultLayer(name string, ttl time.Duration, maxSize int) LayerConfig {
	caps, _ := layer.CapabilitiesOf(name)
	return LayerConfig{
		Enabled:             true,
		Backend:             BackendMemory,
		CacheTTLSeconds:     int64(ttl / time.Second),
		MaxCacheSize:        maxSize,
		Eviction:            layer.EvictLRU,
		SimilarityThreshold: caps.DefaultThreshold,
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	vector := defaultLayer(layer.Vector, 7*24*time.Hour, 50000)
	vector.MMRLambda = layer.DefaultMMRLambda
	diary := defaultLayer(layer.Diary, 30*24*time.Hour, 10000)
	diary.ImportanceHalfLife = layer.DefaultHalfLife

	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Router: RouterConfig{
			FallbackChain: append([]string(nil), layer.Names...),
			Timeout:       5 * time.Second,
		},
		Expiry: ExpiryConfig{
			Enabled:  true,
			Interval: time.Hour,
			Timeout:  5 * time.Minute,
		},
		Layers: LayersConfig{
			Predictive: defaultLayer(layer.Predictive, time.Hour, 10000),
			Semantic:   defaultLayer(layer.Semantic, 24*time.Hour, 10000),
			Vector:     vector,
			Global:     defaultLayer(layer.Global, 0, 100000),
			Diary:      diary,
		},
		Breaker: BreakerConfig{
			MaxRequests:         3,
			Interval:            time.Minute,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
		},
		Redis: RedisConfig{
			URL:          "redis://localhost:6379/0",
			KeyPrefix:    "ctxcache:",
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Postgres: PostgresConfig{
			DSN:          "postgres://localhost:5432/ctxcache?sslmode=disable",
			TablePrefix:  "cache_",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
			AutoMigrate:  true,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			GRPCPort:   6334,
			Collection: "ctxcache",
		},
		Pinecone: PineconeConfig{
			NamespacePrefix: "ctxcache-",
		},
		Embedding: EmbeddingConfig{
			Provider:   "",
			Model:      "text-embedding-3-small",
			CacheSize:  10000,
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Import: ImportConfig{
			Workers:    4,
			BatchSize:  100,
			MaxRetries: 5,
		},
		Auth: AuthConfig{
			APIKeys: []string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "otlp",
				Endpoint:   "localhost:4317",
				SampleRate: 1.0,
				Insecure:   true,
			},
		},
	}
}

// NewViper returns a viper instance that reads CTXCACHE_* overrides for
// every configuration key.
func NewViper() *viper.Viper {
	v := viper.New()
	BindEnv(v)
	return v
}

// BindEnv registers an environment override for every key of Config, so
// keys absent from the file can still be set from the environment.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys(reflect.TypeOf(Config{}), "") {
		_ = v.BindEnv(key)
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

func keys(t reflect.Type, prefix string) []string {
	var out []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Tag.Get("mapstructure")
		if name == "" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct && f.Type != durationType {
			out = append(out, keys(f.Type, name)...)
			continue
		}
		out = append(out, name)
	}
	return out
}

// Load reads configuration from the given viper instance and returns
// a validated Config. Environment variables in string values are
// interpolated using ${VAR} syntax.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	interpolateConfig(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads a specific config file and returns a validated Config.
func LoadFromFile(path string) (*Config, error) {
	v := NewViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Load(v)
}

// Validate checks the configuration for errors and returns a descriptive
// error listing every invalid field.
func Validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		add("server.port: must be between 0 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout < 0 {
		add("server.read_timeout: must be non-negative")
	}
	if cfg.Server.WriteTimeout < 0 {
		add("server.write_timeout: must be non-negative")
	}

	// Router
	if cfg.Router.Timeout < 0 {
		add("router.timeout: must be non-negative")
	}
	seen := map[string]bool{}
	for _, name := range cfg.Router.FallbackChain {
		switch {
		case !layer.Valid(name):
			add("router.fallback_chain: unknown layer %q (supported: %s)", name, strings.Join(layer.Names, ", "))
		case seen[name]:
			add("router.fallback_chain: layer %q listed twice", name)
		}
		seen[name] = true
	}

	if cfg.Expiry.Interval < 0 {
		add("expiry.interval: must be non-negative")
	}
	if cfg.Expiry.Timeout < 0 {
		add("expiry.timeout: must be non-negative")
	}

	// Layers
	if len(cfg.Layers.Enabled()) == 0 {
		add("layers: at least one layer must be enabled")
	}
	for _, name := range layer.Names {
		lc, _ := cfg.Layers.Get(name)
		validateLayer(name, lc, add)
	}

	// Embedding
	validProviders := map[string]bool{"openai": true, "hash": true, "": true}
	if !validProviders[cfg.Embedding.Provider] {
		add("embedding.provider: unsupported provider %q (supported: openai, hash)", cfg.Embedding.Provider)
	}
	if cfg.Embedding.Dimensions < 0 {
		add("embedding.dimensions: must be non-negative")
	}
	if cfg.Embedding.Provider == "hash" && cfg.Embedding.Dimensions == 0 {
		add("embedding.dimensions: required by the hash provider")
	}
	if cfg.Embedding.CacheSize < 0 {
		add("embedding.cache_size: must be non-negative")
	}

	if cfg.Import.Workers < 0 {
		add("import.workers: must be non-negative")
	}
	if cfg.Import.BatchSize < 0 {
		add("import.batch_size: must be non-negative")
	}

	// Telemetry
	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true, "": true}
	if !validExporters[cfg.Telemetry.Tracing.Exporter] {
		add("telemetry.tracing.exporter: unsupported exporter %q (supported: otlp, stdout, none)", cfg.Telemetry.Tracing.Exporter)
	}
	if cfg.Telemetry.Tracing.SampleRate < 0 || cfg.Telemetry.Tracing.SampleRate > 1 {
		add("telemetry.tracing.sample_rate: must be between 0 and 1, got %f", cfg.Telemetry.Tracing.SampleRate)
	}

	validFormats := map[string]bool{"json": true, "console": true, "": true}
	if !validFormats[cfg.Logging.Format] {
		add("logging.format: unsupported format %q (supported: json, console)", cfg.Logging.Format)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		add("logging.level: unsupported level %q (supported: debug, info, warn, error)", cfg.Logging.Level)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateLayer(name string, lc *LayerConfig, add func(string, ...any)) {
	prefix := "layers." + name
	caps, _ := layer.CapabilitiesOf(name)

	if !validBackends[lc.Backend] {
		add("%s.backend: unsupported backend %q (supported: memory, redis, postgres, qdrant, pinecone)", prefix, lc.Backend)
	}
	if !caps.Embeddings && (lc.Backend == BackendQdrant || lc.Backend == BackendPinecone) {
		add("%s.backend: %s stores vectors and cannot hold a layer without embeddings", prefix, lc.Backend)
	}
	if lc.CacheTTLSeconds < 0 {
		add("%s.cache_ttl_seconds: must be non-negative", prefix)
	}
	if lc.MaxCacheSize < 0 {
		add("%s.max_cache_size: must be non-negative", prefix)
	}
	switch lc.Eviction {
	case "", layer.EvictLRU, layer.EvictLFU:
	case layer.EvictImportance:
		if !caps.Sessions {
			add("%s.eviction: importance eviction is only available on the diary layer", prefix)
		}
	default:
		add("%s.eviction: unsupported policy %q (supported: lru, lfu, importance)", prefix, lc.Eviction)
	}
	if math.IsNaN(lc.SimilarityThreshold) || lc.SimilarityThreshold < -1 || lc.SimilarityThreshold > 1 {
		add("%s.similarity_threshold: must be between -1 and 1, got %f", prefix, lc.SimilarityThreshold)
	}
	if lc.EmbeddingDimensionality < 0 {
		add("%s.embedding_dimensionality: must be non-negative", prefix)
	}
	if (lc.Backend == BackendQdrant || lc.Backend == BackendPinecone) && lc.EmbeddingDimensionality == 0 && lc.Enabled {
		add("%s.embedding_dimensionality: required by the %s backend", prefix, lc.Backend)
	}
	if lc.MMRLambda < 0 || lc.MMRLambda > 1 {
		add("%s.mmr_lambda: must be between 0 and 1, got %f", prefix, lc.MMRLambda)
	}
	if lc.ImportanceHalfLife < 0 {
		add("%s.importance_half_life: must be non-negative", prefix)
	}
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnv replaces ${VAR} and ${VAR:-default} patterns in a string
// with the corresponding environment variable values.
func InterpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		return match
	})
}

// interpolateConfig applies environment variable interpolation to the
// string fields that commonly carry secrets or hosts.
func interpolateConfig(cfg *Config) {
	cfg.Server.Host = InterpolateEnv(cfg.Server.Host)

	for _, name := range layer.Names {
		lc, _ := cfg.Layers.Get(name)
		lc.Backend = InterpolateEnv(lc.Backend)
	}

	cfg.Redis.URL = InterpolateEnv(cfg.Redis.URL)
	cfg.Redis.Password = InterpolateEnv(cfg.Redis.Password)
	cfg.Postgres.DSN = InterpolateEnv(cfg.Postgres.DSN)
	cfg.Qdrant.Host = InterpolateEnv(cfg.Qdrant.Host)
	cfg.Qdrant.APIKey = InterpolateEnv(cfg.Qdrant.APIKey)
	cfg.Pinecone.APIKey = InterpolateEnv(cfg.Pinecone.APIKey)
	cfg.Pinecone.Index = InterpolateEnv(cfg.Pinecone.Index)

	cfg.Embedding.Provider = InterpolateEnv(cfg.Embedding.Provider)
	cfg.Embedding.Model = InterpolateEnv(cfg.Embedding.Model)
	cfg.Embedding.APIKey = InterpolateEnv(cfg.Embedding.APIKey)
	cfg.Embedding.BaseURL = InterpolateEnv(cfg.Embedding.BaseURL)

	for i, key := range cfg.Auth.APIKeys {
		cfg.Auth.APIKeys[i] = InterpolateEnv(key)
	}

	cfg.Telemetry.Tracing.Exporter = InterpolateEnv(cfg.Telemetry.Tracing.Exporter)
	cfg.Telemetry.Tracing.Endpoint = InterpolateEnv(cfg.Telemetry.Tracing.Endpoint)
}

// GenerateTemplate returns a YAML template string with all available
// configuration options and their defaults, suitable for writing to
// a ctxcache.yaml file.
func GenerateTemplate() string {
	return `# ctxcache configuration
# Every key can be overridden with CTXCACHE_<SECTION>_<KEY>, e.g. CTXCACHE_ROUTER_TIMEOUT=2s.

server:
  port: 8080
  host: 0.0.0.0
  read_timeout: 30s
  write_timeout: 60s
  shutdown_timeout: 30s

router:
  fallback_chain: [predictive, semantic, vector, global, diary]
  timeout: 5s

expiry:
  enabled: true
  interval: 1h
  timeout: 5m

# backend: memory, redis, postgres, qdrant or pinecone
# eviction: lru, lfu, or importance (diary only)
layers:
  predictive:
    enabled: true
    backend: memory
    cache_ttl_seconds: 3600
    max_cache_size: 10000
    eviction: lru
  semantic:
    enabled: true
    backend: memory
    cache_ttl_seconds: 86400
    max_cache_size: 10000
    eviction: lru
    similarity_threshold: 0.85
    embedding_dimensionality: 0   # 0 accepts any size
  vector:
    enabled: true
    backend: memory
    cache_ttl_seconds: 604800
    max_cache_size: 50000
    eviction: lru
    similarity_threshold: 0.7
    embedding_dimensionality: 0
    mmr_lambda: 0.5
  global:
    enabled: true
    backend: memory
    cache_ttl_seconds: 0          # no expiry
    max_cache_size: 100000
    eviction: lru
    similarity_threshold: 0.75
    embedding_dimensionality: 0
  diary:
    enabled: true
    backend: memory
    cache_ttl_seconds: 2592000
    max_cache_size: 10000
    eviction: lru
    similarity_threshold: 0.7
    importance_half_life: 168h

breaker:
  max_requests: 3
  interval: 1m
  timeout: 30s
  consecutive_failures: 5

redis:
  url: ${REDIS_URL:-redis://localhost:6379/0}
  key_prefix: "ctxcache:"
  pool_size: 10

postgres:
  dsn: ${DATABASE_URL:-postgres://localhost:5432/ctxcache?sslmode=disable}
  table_prefix: cache_
  auto_migrate: true

qdrant:
  host: localhost
  grpc_port: 6334
  collection: ctxcache

pinecone:
  api_key: ${PINECONE_API_KEY}
  index: ""
  namespace_prefix: ctxcache-

embedding:
  provider: ""         # openai, hash, or empty to require caller embeddings
  model: text-embedding-3-small
  api_key: ${OPENAI_API_KEY}
  dimensions: 0
  cache_size: 10000

import:
  workers: 4
  batch_size: 100
  max_retries: 5

auth:
  api_keys:
    # - ${CTXCACHE_API_KEY}

logging:
  level: info
  format: json         # json or console

telemetry:
  tracing:
    enabled: false
    exporter: otlp       # otlp, stdout, or none
    endpoint: localhost:4317
    sample_rate: 1.0     # 0.0 to 1.0
    insecure: true
`
}
