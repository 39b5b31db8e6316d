package config

import (
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/shizukutanaka/nftfence/internal/errors"
	"github.com/shizukutanaka/nftfence/internal/logging"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "/etc/nftfence/config.yaml"

// Config is the complete runtime configuration.
type Config struct {
	Locations LocationsConfig   `yaml:"locations"`
	Blacklist BlacklistConfig   `yaml:"blacklist"`
	Whitelist WhitelistConfig   `yaml:"whitelist"`
	Address   AddressConfig     `yaml:"address"`
	Owner     OwnerConfig       `yaml:"owner"`
	Nft       NftConfig         `yaml:"nft"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Watch     WatchConfig       `yaml:"watch"`
	Logging   logging.LogConfig `yaml:"logging"`
}

// LocationsConfig holds the two roots everything else hangs from.
// Root, when set, is prefixed to both of them (useful for testing installs).
type LocationsConfig struct {
	Root   string `yaml:"root"`
	SysEtc string `yaml:"sysetc"`
	SysVar string `yaml:"sysvar"`
}

// BlacklistConfig holds the incident thresholds. All day values are days.
type BlacklistConfig struct {
	BlockAfter    int `yaml:"block_after"`
	BlockAllAfter int `yaml:"block_all_after"`
	ExpireAfter   int `yaml:"expire_after"`
	CleanBefore   int `yaml:"clean_before"`
	SyncCheck     int `yaml:"sync_check"`
	CleanByCount  int `yaml:"clean_by_count"`
	IncidentsLE   int `yaml:"incidents_le"`
	MatchCountLE  int `yaml:"matchct_le"`
}

type WhitelistConfig struct {
	WtmpFile string `yaml:"wtmp_file"`
	Expiry   int    `yaml:"whitelist_expiry"`
}

type AddressConfig struct {
	IPv6Mask   int  `yaml:"ipv6_mask"`
	AllowLocal bool `yaml:"allow_local"`
}

// OwnerConfig names the user and group that own created artifacts.
// Empty values leave ownership unchanged.
type OwnerConfig struct {
	Owner string `yaml:"owner"`
	Group string `yaml:"group"`
}

type NftConfig struct {
	Binary string `yaml:"binary"`
	Table  string `yaml:"table"`
	Backup string `yaml:"backup"`
}

type MetricsConfig struct {
	Textfile   string `yaml:"textfile"`
	ListenAddr string `yaml:"listen_addr"`
}

// WatchConfig drives the long-running trigger daemon.
type WatchConfig struct {
	BlacklistInterval time.Duration `yaml:"blacklist_interval"`
	WhitelistInterval time.Duration `yaml:"whitelist_interval"`
	TidyInterval      time.Duration `yaml:"tidy_interval"`
	Debounce          time.Duration `yaml:"debounce"`
	EventsPerMinute   int           `yaml:"events_per_minute"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	logCfg := logging.DefaultLogConfig()

	return &Config{
		Locations: LocationsConfig{
			SysEtc: "/etc/nftfence",
			SysVar: "/var/lib/nftfence",
		},
		Blacklist: BlacklistConfig{
			BlockAfter:    10,
			BlockAllAfter: 100,
			ExpireAfter:   10,
			CleanBefore:   90,
			SyncCheck:     20,
		},
		Whitelist: WhitelistConfig{
			WtmpFile: "wtmp",
			Expiry:   10,
		},
		Address: AddressConfig{
			IPv6Mask: 112,
		},
		Nft: NftConfig{
			Binary: "nft",
			Table:  "nftfence",
			Backup: "nftfence-backup.nft.zst",
		},
		Watch: WatchConfig{
			BlacklistInterval: time.Minute,
			WhitelistInterval: 5 * time.Minute,
			TidyInterval:      24 * time.Hour,
			Debounce:          2 * time.Second,
			EventsPerMinute:   30,
		},
		Logging: *logCfg,
	}
}

// EtcDir returns sysetc, prefixed with root.
func (c *Config) EtcDir() string {
	return filepath.Join(c.Locations.Root, c.Locations.SysEtc)
}

// VarDir returns sysvar, prefixed with root.
func (c *Config) VarDir() string {
	return filepath.Join(c.Locations.Root, c.Locations.SysVar)
}

// EtcPath returns the directory <sysetc>/<name>.d
func (c *Config) EtcPath(name string) string {
	return filepath.Join(c.EtcDir(), name+".d")
}

// VarPath returns a file inside sysvar.
func (c *Config) VarPath(name string) string {
	return filepath.Join(c.VarDir(), name)
}

func (c *Config) BlacklistDir() string { return c.EtcPath("blacklist") }
func (c *Config) WhitelistDir() string { return c.EtcPath("whitelist") }
func (c *Config) PatternsDir() string  { return c.EtcPath("patterns") }
func (c *Config) DatabasePath() string { return c.VarPath("nftfence.db") }

// BackupPath resolves the nft backup file, relative names live in sysvar.
func (c *Config) BackupPath() string {
	if filepath.IsAbs(c.Nft.Backup) {
		return filepath.Join(c.Locations.Root, c.Nft.Backup)
	}
	return c.VarPath(c.Nft.Backup)
}

// WtmpPath maps the wtmp/utmp shorthands to system paths.
func (c *Config) WtmpPath() string {
	switch c.Whitelist.WtmpFile {
	case "", "wtmp":
		return "/var/log/wtmp"
	case "utmp":
		return "/var/run/utmp"
	default:
		return c.Whitelist.WtmpFile
	}
}

// CheckLocations verifies every directory the engine relies on exists.
func (c *Config) CheckLocations() error {
	dirs := []string{
		c.EtcDir(),
		c.VarDir(),
		c.BlacklistDir(),
		c.WhitelistDir(),
		c.PatternsDir(),
	}
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil {
			return apperrors.ConfigurationError("missing directory "+dir, err)
		}
		if !info.IsDir() {
			return apperrors.ConfigurationError(dir+" is not a directory", nil)
		}
	}
	return nil
}
