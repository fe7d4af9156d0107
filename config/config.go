// Package config loads broker and agent settings from defaults, an optional
// YAML file and BUILDQ_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jupark12/build-broker/storage"
)

// EnvPrefix is prepended to every environment override, so server.port is
// read from BUILDQ_SERVER_PORT.
const EnvPrefix = "BUILDQ"

// Auth store backends.
const (
	AuthStoreFile     = "file"
	AuthStorePostgres = "postgres"
)

// Config is the full settings tree.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Storage   storage.Config  `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Agent     AgentConfig     `mapstructure:"agent"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DispatchConfig struct {
	// StrictCompletion rejects results for job ids the broker never issued.
	StrictCompletion bool `mapstructure:"strict_completion"`

	// LeaseTimeout fails active jobs claimed longer ago than this. Zero disables.
	LeaseTimeout       time.Duration `mapstructure:"lease_timeout"`
	LeaseCheckInterval time.Duration `mapstructure:"lease_check_interval"`

	// HistoryLimit caps retained finished jobs. Zero keeps everything.
	HistoryLimit int `mapstructure:"history_limit"`

	// MaxPending rejects uploads while this many jobs wait. Zero disables.
	MaxPending int `mapstructure:"max_pending"`

	// SubmitRate is uploads per second across all clients. Zero disables.
	SubmitRate  float64 `mapstructure:"submit_rate"`
	SubmitBurst int     `mapstructure:"submit_burst"`

	CallbackTimeout time.Duration `mapstructure:"callback_timeout"`
}

type BroadcastConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type AuthConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Store       string `mapstructure:"store"`
	UsersFile   string `mapstructure:"users_file"`
	DatabaseURL string `mapstructure:"database_url"`

	// JWTSecret signs tokens. When empty the server generates one per process.
	JWTSecret  string        `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`

	// RequireToken refuses uploads and history queries without a bearer token
	// instead of trusting the email field.
	RequireToken bool `mapstructure:"require_token"`
}

type AgentConfig struct {
	BrokerURL    string            `mapstructure:"broker_url"`
	WorkerID     string            `mapstructure:"worker_id"`
	Token        string            `mapstructure:"token"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	WorkDir      string            `mapstructure:"work_dir"`
	BuildTimeout time.Duration     `mapstructure:"build_timeout"`
	BuildModes   map[string]string `mapstructure:"build_modes"`
	KeepWorkDir  bool              `mapstructure:"keep_work_dir"`
}

// SetDefaults registers every key with its default value. Keys must be known
// to viper for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_upload_bytes", 100<<20)
	v.SetDefault("server.cors_origin", "*")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("dispatch.strict_completion", false)
	v.SetDefault("dispatch.lease_timeout", "0s")
	v.SetDefault("dispatch.lease_check_interval", "30s")
	v.SetDefault("dispatch.history_limit", 0)
	v.SetDefault("dispatch.max_pending", 0)
	v.SetDefault("dispatch.submit_rate", 0.0)
	v.SetDefault("dispatch.submit_burst", 10)
	v.SetDefault("dispatch.callback_timeout", "10s")

	v.SetDefault("broadcast.buffer", 64)

	v.SetDefault("storage.provider", storage.ProviderLocal)
	v.SetDefault("storage.local.dir", ".data/artifacts")
	v.SetDefault("storage.local.base_url", "http://localhost:3000/artifacts")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.profile", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.public_read", false)
	v.SetDefault("storage.s3.public_base_url", "")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.store", AuthStoreFile)
	v.SetDefault("auth.users_file", "users.json")
	v.SetDefault("auth.database_url", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "168h")
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("auth.require_token", false)

	v.SetDefault("agent.broker_url", "http://localhost:3000")
	v.SetDefault("agent.worker_id", "")
	v.SetDefault("agent.token", "")
	v.SetDefault("agent.poll_interval", "5s")
	v.SetDefault("agent.work_dir", ".data/agent")
	v.SetDefault("agent.build_timeout", "30m")
	v.SetDefault("agent.keep_work_dir", false)
	v.SetDefault("agent.build_modes", map[string]string{
		"simulator": `echo "simulating build of $BUILDQ_JOB_ID" && ls -la`,
	})
}

// Load reads configuration into a fresh Config. An empty path skips the file.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}

	if c.Dispatch.LeaseTimeout < 0 {
		errs = append(errs, errors.New("dispatch.lease_timeout must not be negative"))
	}
	if c.Dispatch.LeaseTimeout > 0 && c.Dispatch.LeaseCheckInterval <= 0 {
		errs = append(errs, errors.New("dispatch.lease_check_interval must be positive when leases are enabled"))
	}
	if c.Dispatch.HistoryLimit < 0 || c.Dispatch.MaxPending < 0 {
		errs = append(errs, errors.New("dispatch limits must not be negative"))
	}
	if c.Dispatch.SubmitRate < 0 {
		errs = append(errs, errors.New("dispatch.submit_rate must not be negative"))
	}
	if c.Dispatch.SubmitRate > 0 && c.Dispatch.SubmitBurst <= 0 {
		errs = append(errs, errors.New("dispatch.submit_burst must be positive when submit_rate is set"))
	}

	if c.Broadcast.Buffer <= 0 {
		errs = append(errs, errors.New("broadcast.buffer must be positive"))
	}

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.Auth.Enabled {
		switch c.Auth.Store {
		case AuthStoreFile:
			if c.Auth.UsersFile == "" {
				errs = append(errs, errors.New("auth.users_file is required for the file store"))
			}
		case AuthStorePostgres:
			if c.Auth.DatabaseURL == "" {
				errs = append(errs, errors.New("auth.database_url is required for the postgres store"))
			}
		default:
			errs = append(errs, fmt.Errorf("auth.store %q must be file or postgres", c.Auth.Store))
		}
	}
	if c.Auth.RequireToken && !c.Auth.Enabled {
		errs = append(errs, errors.New("auth.require_token needs auth.enabled"))
	}

	if c.Agent.PollInterval <= 0 {
		errs = append(errs, errors.New("agent.poll_interval must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
