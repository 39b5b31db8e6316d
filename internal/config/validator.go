package config

import (
	"errors"
	"fmt"
	"regexp"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Validator checks that a loaded configuration is consistent.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate performs a full validation of the provided Config struct.
func (v *Validator) Validate(cfg *Config) error {
	if err := v.validateLocations(&cfg.Locations); err != nil {
		return fmt.Errorf("locations config: %w", err)
	}
	if err := v.validateBlacklist(&cfg.Blacklist); err != nil {
		return fmt.Errorf("blacklist config: %w", err)
	}
	if err := v.validateWhitelist(&cfg.Whitelist); err != nil {
		return fmt.Errorf("whitelist config: %w", err)
	}
	if err := v.validateAddress(&cfg.Address); err != nil {
		return fmt.Errorf("address config: %w", err)
	}
	if err := v.validateNft(&cfg.Nft); err != nil {
		return fmt.Errorf("nft config: %w", err)
	}
	if err := v.validateWatch(&cfg.Watch); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	if err := v.validateLogging(cfg); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

func (v *Validator) validateLocations(cfg *LocationsConfig) error {
	if cfg.SysEtc == "" {
		return errors.New("sysetc is required")
	}
	if cfg.SysVar == "" {
		return errors.New("sysvar is required")
	}
	return nil
}

func (v *Validator) validateBlacklist(cfg *BlacklistConfig) error {
	values := map[string]int{
		"block_after":     cfg.BlockAfter,
		"block_all_after": cfg.BlockAllAfter,
		"clean_before":    cfg.CleanBefore,
		"sync_check":      cfg.SyncCheck,
		"clean_by_count":  cfg.CleanByCount,
		"incidents_le":    cfg.IncidentsLE,
		"matchct_le":      cfg.MatchCountLE,
	}
	for name, value := range values {
		if value < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if cfg.BlockAfter < 1 {
		return errors.New("block_after must be at least 1")
	}
	if cfg.BlockAllAfter < cfg.BlockAfter {
		return errors.New("block_all_after must not be less than block_after")
	}
	if cfg.ExpireAfter < 1 {
		return errors.New("expire_after must be at least 1")
	}
	return nil
}

func (v *Validator) validateWhitelist(cfg *WhitelistConfig) error {
	if cfg.Expiry < 1 {
		return errors.New("whitelist_expiry must be at least 1")
	}
	return nil
}

func (v *Validator) validateAddress(cfg *AddressConfig) error {
	if cfg.IPv6Mask < 1 || cfg.IPv6Mask > 128 {
		return fmt.Errorf("invalid ipv6_mask: %d", cfg.IPv6Mask)
	}
	return nil
}

func (v *Validator) validateNft(cfg *NftConfig) error {
	if cfg.Binary == "" {
		return errors.New("binary is required")
	}
	if !tableNameRe.MatchString(cfg.Table) {
		return fmt.Errorf("invalid table name: %q", cfg.Table)
	}
	return nil
}

func (v *Validator) validateWatch(cfg *WatchConfig) error {
	if cfg.BlacklistInterval < 0 || cfg.WhitelistInterval < 0 || cfg.TidyInterval < 0 {
		return errors.New("intervals must not be negative")
	}
	if cfg.EventsPerMinute < 1 {
		return errors.New("events_per_minute must be at least 1")
	}
	return nil
}

func (v *Validator) validateLogging(cfg *Config) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}
	if cfg.Logging.Encoding != "json" && cfg.Logging.Encoding != "console" {
		return fmt.Errorf("invalid encoding: %s", cfg.Logging.Encoding)
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
