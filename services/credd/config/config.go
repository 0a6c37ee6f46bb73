package config

import (
	"fmt"
	"os"
	"strings"
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

// Config captures runtime configuration for credd.
type Config struct {
	ListenAddress string             `yaml:"listen"`
	DatabaseDSN   string             `yaml:"database"`
	Ledger        LedgerConfig       `yaml:"ledger"`
	Sync          SyncConfig         `yaml:"sync"`
	ContentStore  ContentStoreConfig `yaml:"content_store"`
	API           APIConfig          `yaml:"api"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// LedgerConfig binds the RPC endpoint and registry contract.
type LedgerConfig struct {
	RPCURL          string   `yaml:"rpc_url"`
	ContractAddress string   `yaml:"contract_address"`
	ChainID         int64    `yaml:"chain_id"`
	DeploymentBlock uint64   `yaml:"deployment_block"`
	GasLimit        uint64   `yaml:"gas_limit"`
	Retries         int      `yaml:"retries"`
	ConfirmWait     Duration `yaml:"confirm_wait"`
	PollInterval    Duration `yaml:"poll_interval"`
	// PrivateKey is hex-encoded; prefer the BLOCKCREDS_PRIVATE_KEY
	// environment variable over committing it to the file.
	PrivateKey string `yaml:"private_key"`
}

// SyncConfig tunes the event sync loop.
type SyncConfig struct {
	Interval Duration `yaml:"interval"`
}

// ContentStoreConfig binds the pinning endpoint.
type ContentStoreConfig struct {
	Endpoint string `yaml:"endpoint"`
	JWT      string `yaml:"jwt"`
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	// BearerToken guards the mutating routes.
	BearerToken string `yaml:"bearer_token"`
	// VerifyRatePerMinute throttles the public verify endpoint per client.
	VerifyRatePerMinute float64 `yaml:"verify_rate_per_minute"`
	VerifyBurst         int     `yaml:"verify_burst"`
	// VerifyURL is the public verification link prefix embedded in
	// notifications.
	VerifyURL string `yaml:"verify_url"`
}

// LoggingConfig enables optional log file rotation.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads configuration from the supplied path. Secrets may be supplied
// via BLOCKCREDS_PRIVATE_KEY, BLOCKCREDS_PINATA_JWT, and
// BLOCKCREDS_API_TOKEN, which take precedence over file values.
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
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("BLOCKCREDS_PRIVATE_KEY")); v != "" {
		cfg.Ledger.PrivateKey = v
	}
	if v := strings.TrimSpace(os.Getenv("BLOCKCREDS_PINATA_JWT")); v != "" {
		cfg.ContentStore.JWT = v
	}
	if v := strings.TrimSpace(os.Getenv("BLOCKCREDS_API_TOKEN")); v != "" {
		cfg.API.BearerToken = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = "/var/data/credd.sqlite"
	}
	if cfg.Ledger.GasLimit == 0 {
		cfg.Ledger.GasLimit = 3_000_000
	}
	if cfg.Ledger.Retries <= 0 {
		cfg.Ledger.Retries = 5
	}
	if cfg.Ledger.ConfirmWait.Duration == 0 {
		cfg.Ledger.ConfirmWait.Duration = 120 * time.Second
	}
	if cfg.Ledger.PollInterval.Duration == 0 {
		cfg.Ledger.PollInterval.Duration = 5 * time.Second
	}
	if cfg.Sync.Interval.Duration == 0 {
		cfg.Sync.Interval.Duration = 30 * time.Second
	}
	if cfg.API.VerifyRatePerMinute <= 0 {
		cfg.API.VerifyRatePerMinute = 120
	}
	if cfg.API.VerifyBurst <= 0 {
		cfg.API.VerifyBurst = 10
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Ledger.RPCURL) == "" {
		return fmt.Errorf("ledger rpc_url must be configured")
	}
	if strings.TrimSpace(cfg.Ledger.ContractAddress) == "" {
		return fmt.Errorf("ledger contract_address must be configured")
	}
	if cfg.Ledger.ChainID <= 0 {
		return fmt.Errorf("ledger chain_id must be configured")
	}
	if strings.TrimSpace(cfg.Ledger.PrivateKey) == "" {
		return fmt.Errorf("ledger private key must be configured")
	}
	if strings.TrimSpace(cfg.ContentStore.JWT) == "" {
		return fmt.Errorf("content store jwt must be configured")
	}
	if strings.TrimSpace(cfg.API.BearerToken) == "" {
		return fmt.Errorf("api bearer_token must be configured")
	}
	return nil
}
