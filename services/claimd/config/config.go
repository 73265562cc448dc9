package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for claimd.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	DatabasePath  string        `yaml:"database"`
	EventsPath    string        `yaml:"events_db"`
	PollInterval  Duration      `yaml:"poll_interval"`
	VoucherTTL    Duration      `yaml:"voucher_ttl"`
	StuckClaimAge Duration      `yaml:"stuck_claim_age"`
	Chain         ChainConfig   `yaml:"chain"`
	StatusService StatusConfig  `yaml:"status_service"`
	Signer        SignerConfig  `yaml:"signer"`
	Auth          AuthConfig    `yaml:"auth"`
	Rewards       RewardsConfig `yaml:"rewards"`
	RateLimit     RateConfig    `yaml:"rate_limit"`
}

// ChainConfig identifies the chain the claim contract lives on.
type ChainConfig struct {
	RPCURL        string `yaml:"rpc_url"`
	ChainID       int64  `yaml:"chain_id"`
	ClaimContract string `yaml:"claim_contract"`
}

// StatusConfig points at the transaction status service.
type StatusConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AppID     string `yaml:"app_id"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// SignerConfig names the environment variable holding the voucher key.
type SignerConfig struct {
	KeyEnv string `yaml:"key_env"`
}

// AuthConfig controls bearer token verification on the HTTP surface.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled"`
	SecretEnv string   `yaml:"secret_env"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	ClockSkew Duration `yaml:"clock_skew"`
}

// RewardsConfig tunes balance accrual. Amounts are in tokens.
type RewardsConfig struct {
	WatchCredit  float64  `yaml:"watch_credit"`
	Period       Duration `yaml:"period"`
	PeriodicRate float64  `yaml:"periodic_rate"`
	VerifyBonus  float64  `yaml:"verification_bonus"`
}

// RateConfig throttles claim mutations per user.
type RateConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7085"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/claimd.sqlite"
	}
	if cfg.EventsPath == "" {
		cfg.EventsPath = "/var/data/claimd-events.db"
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 5 * time.Second
	}
	if cfg.VoucherTTL.Duration == 0 {
		cfg.VoucherTTL.Duration = time.Hour
	}
	if cfg.StuckClaimAge.Duration == 0 {
		cfg.StuckClaimAge.Duration = 15 * time.Minute
	}
	if cfg.Signer.KeyEnv == "" {
		cfg.Signer.KeyEnv = "CLAIMD_SIGNER_KEY"
	}
	if cfg.StatusService.APIKeyEnv == "" {
		cfg.StatusService.APIKeyEnv = "CLAIMD_STATUS_API_KEY"
	}
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = "CLAIMD_AUTH_SECRET"
	}
	if cfg.Rewards.WatchCredit == 0 {
		cfg.Rewards.WatchCredit = 0.1
	}
	if cfg.Rewards.Period.Duration == 0 {
		cfg.Rewards.Period.Duration = time.Hour
	}
	if cfg.Rewards.PeriodicRate == 0 {
		cfg.Rewards.PeriodicRate = 0.05
	}
	if cfg.Rewards.VerifyBonus == 0 {
		cfg.Rewards.VerifyBonus = 2
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 30
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 5
	}
}

func validate(cfg Config) error {
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain id must be configured")
	}
	if cfg.Chain.ClaimContract == "" {
		return fmt.Errorf("claim contract address must be configured")
	}
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain rpc url must be configured")
	}
	if cfg.StatusService.Endpoint == "" {
		return fmt.Errorf("status service endpoint must be configured")
	}
	if cfg.Rewards.WatchCredit < 0 || cfg.Rewards.PeriodicRate < 0 || cfg.Rewards.VerifyBonus < 0 {
		return fmt.Errorf("reward amounts must not be negative")
	}
	return nil
}
