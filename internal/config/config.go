// Package config loads the service's TOML configuration file: a single
// struct decoded with github.com/BurntSushi/toml, defaults filled in
// before parsing, and a Validate pass that rejects nonsensical values
// before the service starts rather than failing deep inside an operation.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the top-level service configuration.
type Config struct {
	Storage    StorageConfig    `toml:"storage"`
	HTTP       HTTPConfig       `toml:"http"`
	Logging    LoggingConfig    `toml:"logging"`
	Oracle     OracleConfig     `toml:"oracle"`
	Parameters ParametersConfig `toml:"parameters"`
}

// StorageConfig configures the Stable Store backend.
type StorageConfig struct {
	Path string `toml:"path"`
}

// HTTPConfig configures the chi-based RPC surface.
type HTTPConfig struct {
	ListenAddr         string `toml:"listen_addr"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
}

// LoggingConfig configures the slog + lumberjack sink.
type LoggingConfig struct {
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Level      string `toml:"level"`
}

// OracleConfig configures the commodity price oracle.
type OracleConfig struct {
	BaseURL        string `toml:"base_url"`
	MaxAgeHours    int    `toml:"max_age_hours"`
}

// ParametersConfig seeds the initial ProtocolParameters region. Once the
// service has booted once, governance operations (update_protocol_parameters)
// are authoritative, and this file only matters on first run.
type ParametersConfig struct {
	Admins                          []string `toml:"admins"`
	LoanManagerPrincipal            string   `toml:"loan_manager_principal"`
	MinCollateralValueIDR           uint64   `toml:"min_collateral_value_idr"`
	MaxCollateralValueIDR           uint64   `toml:"max_collateral_value_idr"`
	MaxNFTPerUser                   uint64   `toml:"max_nft_per_user"`
	LTVRatioBps                     uint64   `toml:"ltv_ratio_bps"`
	BaseAprBps                      uint64   `toml:"base_apr_bps"`
	MaxLoanDurationDays             uint64   `toml:"max_loan_duration_days"`
	GracePeriodDays                 uint64   `toml:"grace_period_days"`
	ProtocolFeeBps                  uint64   `toml:"protocol_fee_bps"`
	EmergencyReservePctBps          uint64   `toml:"emergency_reserve_pct_bps"`
	LiquidationThresholdHealthRatio uint64   `toml:"liquidation_threshold_health_ratio"`
	MinWithdrawalSatoshi            uint64   `toml:"min_withdrawal_satoshi"`
	ReferenceIDRPerBTC              uint64   `toml:"reference_idr_per_btc"`
	MaxLoanAmount                   uint64   `toml:"max_loan_amount"`
}

// Default returns a Config with conservative defaults, to be overridden by
// whatever the TOML file specifies. Environment variables are not read.
func Default() Config {
	return Config{
		Storage: StorageConfig{Path: "agrilend.db"},
		HTTP:    HTTPConfig{ListenAddr: ":8080", RateLimitPerMinute: 120},
		Logging: LoggingConfig{Path: "agrilend.log", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30, Level: "info"},
		Oracle:  OracleConfig{BaseURL: "https://api.example-commodity.com/v1/prices", MaxAgeHours: 24},
		Parameters: ParametersConfig{
			MaxNFTPerUser:                   10,
			LTVRatioBps:                     6000,
			BaseAprBps:                      1200,
			MaxLoanDurationDays:             365,
			GracePeriodDays:                 7,
			ProtocolFeeBps:                  1000,
			EmergencyReservePctBps:          1000,
			LiquidationThresholdHealthRatio: 10_000,
			MinWithdrawalSatoshi:            10_000,
		},
	}
}

// Load reads and parses the TOML file at path on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configuration combinations that would otherwise surface
// as confusing failures deep inside an engine.
func (c Config) Validate() error {
	if c.Parameters.LTVRatioBps == 0 || c.Parameters.LTVRatioBps > 10_000 {
		return fmt.Errorf("config: ltv_ratio_bps must be in (0, 10000], got %d", c.Parameters.LTVRatioBps)
	}
	if c.Parameters.ProtocolFeeBps > 10_000 {
		return fmt.Errorf("config: protocol_fee_bps must be <= 10000, got %d", c.Parameters.ProtocolFeeBps)
	}
	if c.Parameters.EmergencyReservePctBps > 10_000 {
		return fmt.Errorf("config: emergency_reserve_pct_bps must be <= 10000, got %d", c.Parameters.EmergencyReservePctBps)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required")
	}
	return nil
}
