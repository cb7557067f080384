// Package config loads the concent runtime configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/etsangsplk/concent/internal/domain"
)

// Protocol holds the timing constants of the arbitration protocol. It is
// built once at startup and passed by value; nothing reads these globally.
type Protocol struct {
	ConcentMessagingTime           time.Duration
	AdditionalVerificationCallTime time.Duration
	ForceAcceptanceTime            time.Duration
	SubtaskVerificationTime        time.Duration
	DownloadLeadinTime             time.Duration
	TokenExpirationTime            time.Duration
	// MessageClockDrift bounds how far a client message timestamp may be
	// from the arbiter's clock.
	MessageClockDrift time.Duration
	// MinimumUploadRate is expressed in KiB per second.
	MinimumUploadRate int64
}

// ProtocolConfig is the on-disk form of Protocol, in seconds.
type ProtocolConfig struct {
	ConcentMessagingTime           int   `mapstructure:"concent_messaging_time"`
	AdditionalVerificationCallTime int   `mapstructure:"additional_verification_call_time"`
	ForceAcceptanceTime            int   `mapstructure:"force_acceptance_time"`
	SubtaskVerificationTime        int   `mapstructure:"subtask_verification_time"`
	MinimumUploadRate              int64 `mapstructure:"minimum_upload_rate"`
	DownloadLeadinTime             int   `mapstructure:"download_leadin_time"`
	TokenExpirationTime            int   `mapstructure:"token_expiration_time"`
	MessageClockDrift              int   `mapstructure:"message_clock_drift"`
}

// RedisConfig points at the worker queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// RendererConfig defines how the verifier launches the rendering engine.
type RendererConfig struct {
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	Env        map[string]string `mapstructure:"env"`
	TimeoutSec int               `mapstructure:"timeout_sec"`
}

// Funds oracle kinds. The static oracle treats every deposit as sufficient
// and must be chosen explicitly.
const (
	FundsOracleEth    = "eth"
	FundsOracleStatic = "static"
)

// Config holds the service's runtime configuration.
type Config struct {
	DBPath                string         `mapstructure:"db_path"`
	ListenAddr            string         `mapstructure:"listen_addr"`
	AdminListenAddr       string         `mapstructure:"admin_listen_addr"`
	AdminToken            string         `mapstructure:"admin_token"`
	LogLevel              string         `mapstructure:"log_level"`
	LogFormat             string         `mapstructure:"log_format"`
	PrivateKey            string         `mapstructure:"private_key"`
	StorageClusterAddress string         `mapstructure:"storage_cluster_address"`
	StorageClusterCACert  string         `mapstructure:"storage_cluster_ca_cert"`
	VerifierStoragePath   string         `mapstructure:"verifier_storage_path"`
	EthRPCURL             string         `mapstructure:"eth_rpc_url"`
	FundsOracle           string         `mapstructure:"funds_oracle"`
	MockVerification      bool           `mapstructure:"mock_verification"`
	SoftShutdown          bool           `mapstructure:"soft_shutdown"`
	RateLimitPerMinute    int            `mapstructure:"rate_limit_per_minute"`
	SweepIntervalSec      int            `mapstructure:"sweep_interval_sec"`
	UploadPollIntervalSec int            `mapstructure:"upload_poll_interval_sec"`
	DispatchIntervalSec   int            `mapstructure:"dispatch_interval_sec"`
	Redis                 RedisConfig    `mapstructure:"redis"`
	Renderer              RendererConfig `mapstructure:"renderer"`
	Protocol              ProtocolConfig `mapstructure:"protocol"`
}

// Load reads a config file, overlays CONCENT_* environment variables,
// applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CONCENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("admin_listen_addr", "127.0.0.1:8001")
	v.SetDefault("funds_oracle", FundsOracleEth)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("rate_limit_per_minute", 120)
	v.SetDefault("sweep_interval_sec", 30)
	v.SetDefault("upload_poll_interval_sec", 60)
	v.SetDefault("dispatch_interval_sec", 5)
	v.SetDefault("redis.key", "concent")
	v.SetDefault("renderer.timeout_sec", 7*24*3600)

	v.SetDefault("protocol.concent_messaging_time", 2*3600)
	v.SetDefault("protocol.additional_verification_call_time", 4*3600)
	v.SetDefault("protocol.force_acceptance_time", 2*3600)
	v.SetDefault("protocol.subtask_verification_time", 4*3600)
	v.SetDefault("protocol.minimum_upload_rate", 384)
	v.SetDefault("protocol.download_leadin_time", 5*60)
	v.SetDefault("protocol.token_expiration_time", 3600)
	v.SetDefault("protocol.message_clock_drift", 300)
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.PrivateKey == "" {
		problems = append(problems, "private_key is required")
	}
	if c.StorageClusterAddress == "" {
		problems = append(problems, "storage_cluster_address is required")
	} else if !strings.HasSuffix(c.StorageClusterAddress, "/") {
		problems = append(problems, "storage_cluster_address must end with '/'")
	}
	if c.AdminListenAddr == "" {
		problems = append(problems, "admin_listen_addr is required")
	} else if c.AdminListenAddr == c.ListenAddr {
		problems = append(problems, "admin_listen_addr must differ from listen_addr")
	}
	switch c.FundsOracle {
	case FundsOracleEth:
		if c.EthRPCURL == "" {
			problems = append(problems, "eth_rpc_url is required unless funds_oracle is static")
		}
	case FundsOracleStatic:
	default:
		problems = append(problems, "funds_oracle must be eth or static")
	}
	if c.Protocol.MinimumUploadRate <= 0 {
		problems = append(problems, "protocol.minimum_upload_rate must be positive")
	}
	if c.Protocol.AdditionalVerificationCallTime <= 0 {
		problems = append(problems, "protocol.additional_verification_call_time must be positive")
	}
	if c.Protocol.MessageClockDrift <= 0 {
		problems = append(problems, "protocol.message_clock_drift must be positive")
	}
	if c.Protocol.TokenExpirationTime <= 0 {
		problems = append(problems, "protocol.token_expiration_time must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		problems = append(problems, "log_format must be text or json")
	}

	if len(problems) > 0 {
		return &domain.ConcentError{
			Code:    domain.CodeConfigInvalid,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// ProtocolTimes converts the configured timing block into a Protocol value.
func (c *Config) ProtocolTimes() Protocol {
	p := c.Protocol
	return Protocol{
		ConcentMessagingTime:           seconds(p.ConcentMessagingTime),
		AdditionalVerificationCallTime: seconds(p.AdditionalVerificationCallTime),
		ForceAcceptanceTime:            seconds(p.ForceAcceptanceTime),
		SubtaskVerificationTime:        seconds(p.SubtaskVerificationTime),
		DownloadLeadinTime:             seconds(p.DownloadLeadinTime),
		TokenExpirationTime:            seconds(p.TokenExpirationTime),
		MessageClockDrift:              seconds(p.MessageClockDrift),
		MinimumUploadRate:              p.MinimumUploadRate,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Interval helpers for the background loops.

func (c *Config) SweepInterval() time.Duration      { return seconds(c.SweepIntervalSec) }
func (c *Config) UploadPollInterval() time.Duration { return seconds(c.UploadPollIntervalSec) }
func (c *Config) DispatchInterval() time.Duration   { return seconds(c.DispatchIntervalSec) }
func (c *Config) RenderTimeout() time.Duration      { return seconds(c.Renderer.TimeoutSec) }
