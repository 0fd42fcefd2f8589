// Package config loads runtime configuration from defaults, an optional YAML
// file and XASE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment key: database.url is read from
// XASE_DATABASE_URL.
const EnvPrefix = "XASE"

type Config struct {
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Worker        WorkerConfig        `mapstructure:"worker" yaml:"worker"`
	KMS           KMSConfig           `mapstructure:"kms" yaml:"kms"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage"`
	Redis         RedisConfig         `mapstructure:"redis" yaml:"redis"`
	Signing       SigningConfig       `mapstructure:"signing" yaml:"signing"`
	Bundle        BundleConfig        `mapstructure:"bundle" yaml:"bundle"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpoint" yaml:"checkpoint"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // postgres | sqlite
	URL    string `mapstructure:"url" yaml:"url"`
}

type WorkerConfig struct {
	ID           string        `mapstructure:"id" yaml:"id"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	LeaseTimeout time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout"`
	ReapInterval time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

type KMSConfig struct {
	Type         string        `mapstructure:"type" yaml:"type"` // mock | local | aws
	KeyID        string        `mapstructure:"key_id" yaml:"key_id"`
	Region       string        `mapstructure:"region" yaml:"region"`
	KeystorePath string        `mapstructure:"keystore_path" yaml:"keystore_path"`
	Algorithm    string        `mapstructure:"algorithm" yaml:"algorithm"` // ecdsa | rsa
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type StorageConfig struct {
	Type       string        `mapstructure:"type" yaml:"type"` // none | fs | s3 | gcs
	Dir        string        `mapstructure:"dir" yaml:"dir"`
	Bucket     string        `mapstructure:"bucket" yaml:"bucket"`
	Region     string        `mapstructure:"region" yaml:"region"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	Prefix     string        `mapstructure:"prefix" yaml:"prefix"`
	PresignTTL time.Duration `mapstructure:"presign_ttl" yaml:"presign_ttl"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type SigningConfig struct {
	RatePerHour int `mapstructure:"rate_per_hour" yaml:"rate_per_hour"`
	Burst       int `mapstructure:"burst" yaml:"burst"`
}

type BundleConfig struct {
	IncludePayloads bool          `mapstructure:"include_payloads" yaml:"include_payloads"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
}

type CheckpointConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

type ObservabilityConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure    bool   `mapstructure:"insecure" yaml:"insecure"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text | json
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "postgres",
			URL:    "postgres://xase@localhost:5432/xase?sslmode=disable",
		},
		Worker: WorkerConfig{
			PollInterval: 2 * time.Second,
			LeaseTimeout: 15 * time.Minute,
			ReapInterval: time.Minute,
			MaxAttempts:  5,
		},
		KMS: KMSConfig{
			Type:      "mock",
			Algorithm: "ecdsa",
			Timeout:   10 * time.Second,
		},
		Storage: StorageConfig{
			Type:       "none",
			PresignTTL: time.Hour,
			Timeout:    60 * time.Second,
		},
		Signing: SigningConfig{
			RatePerHour: 1000,
			Burst:       100,
		},
		Bundle: BundleConfig{
			Retention: 90 * 24 * time.Hour,
		},
		Checkpoint: CheckpointConfig{
			Interval: time.Hour,
		},
		Observability: ObservabilityConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "xase-core",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configPath (optional, may be empty) and the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it on Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.url", d.Database.URL)

	v.SetDefault("worker.id", d.Worker.ID)
	v.SetDefault("worker.poll_interval", d.Worker.PollInterval)
	v.SetDefault("worker.lease_timeout", d.Worker.LeaseTimeout)
	v.SetDefault("worker.reap_interval", d.Worker.ReapInterval)
	v.SetDefault("worker.max_attempts", d.Worker.MaxAttempts)

	v.SetDefault("kms.type", d.KMS.Type)
	v.SetDefault("kms.key_id", d.KMS.KeyID)
	v.SetDefault("kms.region", d.KMS.Region)
	v.SetDefault("kms.keystore_path", d.KMS.KeystorePath)
	v.SetDefault("kms.algorithm", d.KMS.Algorithm)
	v.SetDefault("kms.timeout", d.KMS.Timeout)

	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.dir", d.Storage.Dir)
	v.SetDefault("storage.bucket", d.Storage.Bucket)
	v.SetDefault("storage.region", d.Storage.Region)
	v.SetDefault("storage.endpoint", d.Storage.Endpoint)
	v.SetDefault("storage.prefix", d.Storage.Prefix)
	v.SetDefault("storage.presign_ttl", d.Storage.PresignTTL)
	v.SetDefault("storage.timeout", d.Storage.Timeout)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)

	v.SetDefault("signing.rate_per_hour", d.Signing.RatePerHour)
	v.SetDefault("signing.burst", d.Signing.Burst)

	v.SetDefault("bundle.include_payloads", d.Bundle.IncludePayloads)
	v.SetDefault("bundle.retention", d.Bundle.Retention)

	v.SetDefault("checkpoint.interval", d.Checkpoint.Interval)

	v.SetDefault("observability.enabled", d.Observability.Enabled)
	v.SetDefault("observability.endpoint", d.Observability.Endpoint)
	v.SetDefault("observability.insecure", d.Observability.Insecure)
	v.SetDefault("observability.service_name", d.Observability.ServiceName)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Validate rejects unknown enum values and non-positive intervals.
func (c *Config) Validate() error {
	var errs []error
	oneOf := func(field, got string, allowed ...string) {
		for _, a := range allowed {
			if got == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: %q is not one of %s", field, got, strings.Join(allowed, "|")))
	}
	oneOf("database.driver", c.Database.Driver, "postgres", "sqlite")
	oneOf("kms.type", c.KMS.Type, "mock", "local", "aws")
	oneOf("kms.algorithm", c.KMS.Algorithm, "ecdsa", "rsa")
	oneOf("storage.type", c.Storage.Type, "none", "fs", "s3", "gcs")
	oneOf("log.format", c.Log.Format, "text", "json")

	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if c.Worker.MaxAttempts < 1 {
		errs = append(errs, errors.New("worker.max_attempts must be at least 1"))
	}
	if c.Signing.RatePerHour < 1 {
		errs = append(errs, errors.New("signing.rate_per_hour must be at least 1"))
	}
	if c.KMS.Type == "aws" && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("kms.key_id is required for kms.type=aws"))
	}
	if (c.Storage.Type == "s3" || c.Storage.Type == "gcs") && c.Storage.Bucket == "" {
		errs = append(errs, fmt.Errorf("storage.bucket is required for storage.type=%s", c.Storage.Type))
	}
	if c.Storage.Type == "fs" && c.Storage.Dir == "" {
		errs = append(errs, errors.New("storage.dir is required for storage.type=fs"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Redis.Password != "" {
		redacted.Redis.Password = "********"
	}
	redacted.Database.URL = redactURL(redacted.Database.URL)
	return &redacted
}

// YAML renders the effective configuration with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

// redactURL hides the password in user:password@host DSNs.
func redactURL(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return dsn
	}
	return dsn[:scheme+3] + userinfo[:colon] + ":********" + dsn[at:]
}
