package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/shizukutanaka/nftfence/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		env           map[string]string
		validate      func(t *testing.T, cfg *Config)
		wantErr       bool
	}{
		{
			name:          "defaults when empty",
			configContent: "",
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 10, cfg.Blacklist.BlockAfter)
				assert.Equal(t, 100, cfg.Blacklist.BlockAllAfter)
				assert.Equal(t, 10, cfg.Blacklist.ExpireAfter)
				assert.Equal(t, 90, cfg.Blacklist.CleanBefore)
				assert.Equal(t, 112, cfg.Address.IPv6Mask)
				assert.Equal(t, "/etc/nftfence", cfg.Locations.SysEtc)
			},
		},
		{
			name: "yaml values",
			configContent: `
locations:
  sysetc: /opt/fence/etc
blacklist:
  block_after: 3
  block_all_after: 20
  clean_by_count: 7
  incidents_le: 1
watch:
  blacklist_interval: 30s
logging:
  level: debug
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/opt/fence/etc", cfg.Locations.SysEtc)
				assert.Equal(t, 3, cfg.Blacklist.BlockAfter)
				assert.Equal(t, 20, cfg.Blacklist.BlockAllAfter)
				assert.Equal(t, 7, cfg.Blacklist.CleanByCount)
				assert.Equal(t, 1, cfg.Blacklist.IncidentsLE)
				assert.Equal(t, 30*time.Second, cfg.Watch.BlacklistInterval)
				assert.Equal(t, "debug", cfg.Logging.Level)
				// untouched sections keep defaults
				assert.Equal(t, "/var/lib/nftfence", cfg.Locations.SysVar)
			},
		},
		{
			name:          "env overrides yaml",
			configContent: "blacklist:\n  block_after: 3\n",
			env: map[string]string{
				"NFTFENCE_BLACKLIST_BLOCK_AFTER":           "5",
				"NFTFENCE_ADDRESS_ALLOW_LOCAL":             "true",
				"NFTFENCE_WATCH_TIDY_INTERVAL":             "1h",
				"NFTFENCE_LOGGING_MODULE_LEVELS_LOGSCAN":   "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5, cfg.Blacklist.BlockAfter)
				assert.True(t, cfg.Address.AllowLocal)
				assert.Equal(t, time.Hour, cfg.Watch.TidyInterval)
				assert.Equal(t, "debug", cfg.Logging.ModuleLevels["logscan"])
			},
		},
		{
			name:          "block_all_after below block_after",
			configContent: "blacklist:\n  block_after: 50\n  block_all_after: 10\n",
			wantErr:       true,
		},
		{
			name:          "negative threshold",
			configContent: "blacklist:\n  clean_before: -1\n",
			wantErr:       true,
		},
		{
			name:          "bad ipv6 mask",
			configContent: "address:\n  ipv6_mask: 200\n",
			wantErr:       true,
		},
		{
			name:          "bad table name",
			configContent: "nft:\n  table: \"drop table;\"\n",
			wantErr:       true,
		},
		{
			name:          "bad log level",
			configContent: "logging:\n  level: loud\n",
			wantErr:       true,
		},
		{
			name:          "malformed yaml",
			configContent: "blacklist: [",
			wantErr:       true,
		},
		{
			name:          "bad env integer",
			configContent: "",
			env:           map[string]string{"NFTFENCE_BLACKLIST_BLOCK_AFTER": "many"},
			wantErr:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, tt.configContent)

			m, err := NewManager(zaptest.NewLogger(t), path)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
				return
			}
			require.NoError(t, err)
			tt.validate(t, m.Get())
		})
	}
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	m, err := NewManager(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Blacklist, m.Get().Blacklist)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")
	m, err := NewManager(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, m.Save())

	again, err := NewManager(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	assert.Equal(t, m.Get().Blacklist, again.Get().Blacklist)
	assert.Equal(t, m.Get().Watch, again.Get().Watch)
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Locations.Root = "/tmp/root"

	assert.Equal(t, "/tmp/root/etc/nftfence/blacklist.d", cfg.BlacklistDir())
	assert.Equal(t, "/tmp/root/etc/nftfence/whitelist.d", cfg.WhitelistDir())
	assert.Equal(t, "/tmp/root/etc/nftfence/patterns.d", cfg.PatternsDir())
	assert.Equal(t, "/tmp/root/var/lib/nftfence/nftfence.db", cfg.DatabasePath())
	assert.Equal(t, "/tmp/root/var/lib/nftfence/nftfence-backup.nft.zst", cfg.BackupPath())
	assert.Equal(t, "/var/log/wtmp", cfg.WtmpPath())

	cfg.Whitelist.WtmpFile = "utmp"
	assert.Equal(t, "/var/run/utmp", cfg.WtmpPath())
}

func TestCheckLocations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Locations.Root = t.TempDir()

	err := cfg.CheckLocations()
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))

	for _, dir := range []string{cfg.BlacklistDir(), cfg.WhitelistDir(), cfg.PatternsDir(), cfg.VarDir()} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	assert.NoError(t, cfg.CheckLocations())
}
