package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the specification pipeline
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Submission SubmissionConfig `mapstructure:"submission"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Gatekeeper GatekeeperConfig `mapstructure:"gatekeeper"`
	Alignment  AlignmentConfig  `mapstructure:"alignment"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Events     EventsConfig     `mapstructure:"events"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
}

func (l LoggingConfig) Normalize() LoggingConfig {
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	if l.Level == "" {
		l.Level = "info"
	}
	l.Format = strings.ToLower(strings.TrimSpace(l.Format))
	if l.Format == "" {
		l.Format = "json"
	}
	return l
}

func (l LoggingConfig) Validate() error {
	switch l.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BodyLimit    string        `mapstructure:"body_limit"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// LLMConfig configures the generation backend and its retry policy.
type LLMConfig struct {
	Type              string        `mapstructure:"type"` // openai or any OpenAI-compatible endpoint
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Timeout           time.Duration `mapstructure:"timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

func (l LLMConfig) Normalize() LLMConfig {
	if strings.TrimSpace(l.Type) == "" {
		l.Type = "openai"
	}
	if l.MaxRetries < 0 {
		l.MaxRetries = 0
	}
	if l.Timeout <= 0 {
		l.Timeout = 5 * time.Minute
	}
	if l.BackoffBase <= 0 {
		l.BackoffBase = 500 * time.Millisecond
	}
	if l.BackoffMax <= 0 {
		l.BackoffMax = 30 * time.Second
	}
	if l.RequestsPerSecond <= 0 {
		l.RequestsPerSecond = 2
	}
	if l.Burst <= 0 {
		l.Burst = 1
	}
	return l
}

func (l LLMConfig) Validate() error {
	if l.Type != "openai" {
		return fmt.Errorf("llm.type %q not supported", l.Type)
	}
	if l.MaxRetries > 10 {
		return fmt.Errorf("llm.max_retries must be <= 10")
	}
	return nil
}

// EmbeddingConfig configures the embedding function used by retrieval and finalization.
type EmbeddingConfig struct {
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func (e EmbeddingConfig) Normalize() EmbeddingConfig {
	if strings.TrimSpace(e.Model) == "" {
		e.Model = "text-embedding-3-small"
	}
	if e.Dimensions <= 0 {
		e.Dimensions = 1536
	}
	if e.Timeout <= 0 {
		e.Timeout = 30 * time.Second
	}
	return e
}

// Dispatch modes.
const (
	DispatchLocal = "local"
	DispatchRedis = "redis"
)

// DispatchConfig selects how submitted jobs reach the worker body.
type DispatchConfig struct {
	Mode         string        `mapstructure:"mode"`
	PoolSize     int           `mapstructure:"pool_size"`
	Backlog      int           `mapstructure:"backlog"`
	Stream       string        `mapstructure:"stream"`
	Group        string        `mapstructure:"group"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
	ClaimIdle    time.Duration `mapstructure:"claim_idle"`
	MaxLen       int64         `mapstructure:"max_len"`
	// StaleAfter is how long a PENDING record may sit before the local-mode reaper fails it.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

func (d DispatchConfig) Normalize() DispatchConfig {
	d.Mode = strings.ToLower(strings.TrimSpace(d.Mode))
	if d.Mode == "" {
		d.Mode = DispatchLocal
	}
	if d.PoolSize <= 0 {
		d.PoolSize = 4
	}
	if d.Backlog <= 0 {
		d.Backlog = 64 * d.PoolSize
	}
	if strings.TrimSpace(d.Stream) == "" {
		d.Stream = "spec.jobs"
	}
	if strings.TrimSpace(d.Group) == "" {
		d.Group = "spec-workers"
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
	if d.BlockTimeout <= 0 {
		d.BlockTimeout = 5 * time.Second
	}
	if d.ClaimIdle <= 0 {
		d.ClaimIdle = 10 * time.Minute
	}
	if d.StaleAfter <= 0 {
		d.StaleAfter = time.Hour
	}
	return d
}

func (d DispatchConfig) Validate() error {
	switch d.Mode {
	case DispatchLocal, DispatchRedis:
	default:
		return fmt.Errorf("dispatch.mode must be %q or %q", DispatchLocal, DispatchRedis)
	}
	return nil
}

// SubmissionConfig bounds accepted input.
type SubmissionConfig struct {
	MaxInputChars int `mapstructure:"max_input_chars"`
}

// RetrievalConfig bounds the grounding context handed to generation.
type RetrievalConfig struct {
	Limit           int `mapstructure:"limit"`
	FragmentCharCap int `mapstructure:"fragment_char_cap"`
	ContextCharCap  int `mapstructure:"context_char_cap"`
}

func (r RetrievalConfig) Normalize() RetrievalConfig {
	if r.Limit <= 0 {
		r.Limit = 8
	}
	if r.FragmentCharCap <= 0 {
		r.FragmentCharCap = 1500
	}
	if r.ContextCharCap <= 0 {
		r.ContextCharCap = 8000
	}
	return r
}

func (r RetrievalConfig) Validate() error {
	if r.FragmentCharCap > r.ContextCharCap {
		return fmt.Errorf("retrieval.fragment_char_cap must not exceed retrieval.context_char_cap")
	}
	return nil
}

// ThresholdsConfig holds product-policy scores for fragment reuse.
type ThresholdsConfig struct {
	GoldStandard     float64 `mapstructure:"gold_standard"`
	ReuseVerbatim    float64 `mapstructure:"reuse_verbatim"`
	ReuseAdapt       float64 `mapstructure:"reuse_adapt"`
	ReuseReference   float64 `mapstructure:"reuse_reference"`
	ReuseInspiration float64 `mapstructure:"reuse_inspiration"`
}

// Default policy thresholds.
const (
	DefaultGoldStandard     = 0.85
	DefaultReuseVerbatim    = 0.90
	DefaultReuseAdapt       = 0.60
	DefaultReuseReference   = 0.30
	DefaultReuseInspiration = 0.15
)

func (t ThresholdsConfig) Normalize() ThresholdsConfig {
	if t.GoldStandard <= 0 {
		t.GoldStandard = DefaultGoldStandard
	}
	if t.ReuseVerbatim <= 0 {
		t.ReuseVerbatim = DefaultReuseVerbatim
	}
	if t.ReuseAdapt <= 0 {
		t.ReuseAdapt = DefaultReuseAdapt
	}
	if t.ReuseReference <= 0 {
		t.ReuseReference = DefaultReuseReference
	}
	if t.ReuseInspiration <= 0 {
		t.ReuseInspiration = DefaultReuseInspiration
	}
	return t
}

func (t ThresholdsConfig) Validate() error {
	if t.GoldStandard > 1 {
		return fmt.Errorf("thresholds.gold_standard must be <= 1")
	}
	if !(t.ReuseVerbatim > t.ReuseAdapt && t.ReuseAdapt > t.ReuseReference && t.ReuseReference > t.ReuseInspiration) {
		return fmt.Errorf("thresholds.reuse_* must be strictly decreasing")
	}
	return nil
}

// GatekeeperConfig toggles the backend judge.
type GatekeeperConfig struct {
	UseBackend bool `mapstructure:"use_backend"`
}

// AlignmentConfig toggles the post-generation drift check.
type AlignmentConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	UseBackend bool `mapstructure:"use_backend"`
}

// CacheConfig bounds the listing cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// MaxCacheTTL caps the listing cache TTL.
const MaxCacheTTL = 5 * time.Minute

func (c CacheConfig) Normalize() CacheConfig {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.TTL > MaxCacheTTL {
		c.TTL = MaxCacheTTL
	}
	return c
}

// EventsConfig configures lifecycle notifications over NATS. Empty URL disables them.
type EventsConfig struct {
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

func (e EventsConfig) Normalize() EventsConfig {
	if strings.TrimSpace(e.SubjectPrefix) == "" {
		e.SubjectPrefix = "specforge.jobs"
	}
	return e
}

// TelemetryConfig contains tracing and metrics settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Normalize applies every section default.
func (c *Config) Normalize() {
	c.Logging = c.Logging.Normalize()
	c.LLM = c.LLM.Normalize()
	c.Embedding = c.Embedding.Normalize()
	c.Dispatch = c.Dispatch.Normalize()
	c.Retrieval = c.Retrieval.Normalize()
	c.Thresholds = c.Thresholds.Normalize()
	c.Cache = c.Cache.Normalize()
	c.Events = c.Events.Normalize()
	if c.Submission.MaxInputChars <= 0 {
		c.Submission.MaxInputChars = 20000
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = "specforge"
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	checks := []func() error{
		c.Logging.Validate,
		c.Storage.Postgres.Validate,
		c.LLM.Validate,
		c.Dispatch.Validate,
		c.Retrieval.Validate,
		c.Thresholds.Validate,
	}
	if c.Dispatch.Mode == DispatchRedis || c.Cache.Enabled {
		checks = append(checks, c.Storage.Redis.Validate)
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads configuration from path (or the default search paths when empty) and the
// SPECFORGE_* environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.body_limit", "2M")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("dispatch.mode", DispatchLocal)
	v.SetDefault("alignment.enabled", true)
	v.SetDefault("cache.enabled", false)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("SPECFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads config from file and panics when it is unusable.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
