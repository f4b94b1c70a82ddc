package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SNACKLOADER_DATABASE_DSN.
const EnvPrefix = "SNACKLOADER"

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Auth       AuthConfig       `yaml:"auth"`
	Feeding    FeedingConfig    `yaml:"feeding"`
	Lock       LockConfig       `yaml:"lock"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port               int      `yaml:"port"`
	RequestIPHeader    string   `yaml:"request_ip_header"`
	RateLimitPerSec    float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
	CacheTTLSeconds    int      `yaml:"cache_ttl_seconds"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// CacheTTL returns the GET cache lifetime.
func (s ServerConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
}

// LogConfig selects the zerolog level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// AuthConfig configures ID-token verification for frontend routes.
type AuthConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ProjectID        string `yaml:"project_id"`
	CertsURL         string `yaml:"certs_url"`
	CertCacheMinutes int    `yaml:"cert_cache_minutes"`
	// HMACSecret switches to HS256 tokens, for local development and tests.
	HMACSecret string `yaml:"hmac_secret"`
}

// FeedingConfig holds the coordinator settings.
type FeedingConfig struct {
	DefaultDeviceID       string  `yaml:"default_device_id"`
	PollLimit             int     `yaml:"poll_limit"`
	FeedLogLimit          int     `yaml:"feed_log_limit"`
	CatDefaultAmount      float64 `yaml:"cat_default_amount"`
	DogDefaultAmount      float64 `yaml:"dog_default_amount"`
	ClearBothOnCompletion bool    `yaml:"clear_both_on_completion"`
	StaleAfterSeconds     int     `yaml:"stale_after_seconds"`
	OfflineAfterSeconds   int     `yaml:"offline_after_seconds"`
	SweepIntervalSeconds  int     `yaml:"sweep_interval_seconds"`
	RetryMaxAttempts      int     `yaml:"retry_max_attempts"`
	RetryBaseBackoffMS    int     `yaml:"retry_base_backoff_ms"`

	StaleAfter    time.Duration `yaml:"-"`
	OfflineAfter  time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	RetryBackoff  time.Duration `yaml:"-"`
}

// LockConfig selects how feed requests are serialised per device.
type LockConfig struct {
	Backend       string `yaml:"backend"` // local or redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTLSeconds    int    `yaml:"ttl_seconds"`
}

// MQTTConfig configures the broker used to nudge devices about new commands.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Load reads the configuration from the given path, then applies
// environment overrides (optionally from a .env file) and defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to read .env file")
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

// applyEnv overrides the settings most often injected by a deployment.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	overrideString(v, "database.driver", &cfg.Database.Driver)
	overrideString(v, "database.dsn", &cfg.Database.DSN)
	overrideInt(v, "server.port", &cfg.Server.Port)
	overrideString(v, "log.level", &cfg.Log.Level)
	overrideString(v, "log.format", &cfg.Log.Format)
	overrideString(v, "auth.project_id", &cfg.Auth.ProjectID)
	overrideString(v, "auth.hmac_secret", &cfg.Auth.HMACSecret)
	overrideString(v, "feeding.default_device_id", &cfg.Feeding.DefaultDeviceID)
	overrideString(v, "lock.backend", &cfg.Lock.Backend)
	overrideString(v, "lock.redis_addr", &cfg.Lock.RedisAddr)
	overrideString(v, "lock.redis_password", &cfg.Lock.RedisPassword)
	overrideString(v, "mqtt.broker", &cfg.MQTT.Broker)
	overrideString(v, "mqtt.password", &cfg.MQTT.Password)
	overrideString(v, "push.vapid_public_key", &cfg.Push.PublicKey)
	overrideString(v, "push.vapid_private_key", &cfg.Push.PrivateKey)
	if v.IsSet("auth.enabled") {
		cfg.Auth.Enabled = v.GetBool("auth.enabled")
	}
	if v.IsSet("mqtt.enabled") {
		cfg.MQTT.Enabled = v.GetBool("mqtt.enabled")
	}
}

func overrideString(v *viper.Viper, key string, dst *string) {
	if s := v.GetString(key); s != "" {
		*dst = s
	}
}

func overrideInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		if n := v.GetInt(key); n > 0 {
			*dst = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	// A negative TTL turns response caching off.
	if cfg.Server.CacheTTLSeconds == 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Auth.CertsURL == "" {
		cfg.Auth.CertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"
	}
	if cfg.Auth.CertCacheMinutes <= 0 {
		cfg.Auth.CertCacheMinutes = 60
	}

	fc := &cfg.Feeding
	if fc.DefaultDeviceID == "" {
		fc.DefaultDeviceID = "default"
	}
	if fc.PollLimit <= 0 {
		fc.PollLimit = 10
	}
	if fc.FeedLogLimit <= 0 {
		fc.FeedLogLimit = 200
	}
	if fc.CatDefaultAmount <= 0 {
		fc.CatDefaultAmount = 30
	}
	if fc.DogDefaultAmount <= 0 {
		fc.DogDefaultAmount = 50
	}
	if fc.OfflineAfterSeconds == 0 {
		fc.OfflineAfterSeconds = 120
	}
	if fc.SweepIntervalSeconds <= 0 {
		fc.SweepIntervalSeconds = 30
	}
	if fc.RetryMaxAttempts <= 0 {
		fc.RetryMaxAttempts = 3
	}
	if fc.RetryBaseBackoffMS <= 0 {
		fc.RetryBaseBackoffMS = 20
	}
	// Negative values disable the corresponding sweep.
	if fc.StaleAfterSeconds > 0 {
		fc.StaleAfter = time.Duration(fc.StaleAfterSeconds) * time.Second
	}
	if fc.OfflineAfterSeconds > 0 {
		fc.OfflineAfter = time.Duration(fc.OfflineAfterSeconds) * time.Second
	}
	fc.SweepInterval = time.Duration(fc.SweepIntervalSeconds) * time.Second
	fc.RetryBackoff = time.Duration(fc.RetryBaseBackoffMS) * time.Millisecond

	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "local"
	}
	if cfg.Lock.TTLSeconds <= 0 {
		cfg.Lock.TTLSeconds = 10
	}

	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "snackloader-backend"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "snackloader"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Info().Msg("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
}

// Default returns a configuration with every default applied, as if loaded
// from an empty file.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}
