// Package whitelist adds the addresses of recent interactive logins to the
// whitelist directory and expires automatic entries that are no longer
// refreshed.
package whitelist

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/shizukutanaka/nftfence/internal/address"
	"github.com/shizukutanaka/nftfence/internal/blockdir"
	"github.com/shizukutanaka/nftfence/internal/config"
	"github.com/shizukutanaka/nftfence/internal/monitoring"
	"github.com/shizukutanaka/nftfence/internal/portspec"
	"go.uber.org/zap"
)

// ipv6LoginMask is the network installed for an IPv6 login.
const ipv6LoginMask = 64

type Options struct {
	// WtmpPath is the login record file.
	WtmpPath string
	// StampPath records when the login file was last scanned.
	StampPath  string
	ExpiryDays int
	AllowLocal bool
}

// OptionsFromConfig builds Options from the runtime configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		WtmpPath:   cfg.WtmpPath(),
		StampPath:  cfg.VarPath("lastutmp"),
		ExpiryDays: cfg.Whitelist.Expiry,
		AllowLocal: cfg.Address.AllowLocal,
	}
}

// Maintainer keeps whitelist.d in step with logins.
type Maintainer struct {
	logger  *zap.Logger
	dir     *blockdir.Dir
	opts    Options
	metrics *monitoring.Metrics
	now     func() time.Time
}

// New creates a Maintainer for the whitelist directory.
func New(logger *zap.Logger, dir *blockdir.Dir, opts Options, metrics *monitoring.Metrics) *Maintainer {
	return &Maintainer{
		logger:  logger.Named("whitelist"),
		dir:     dir,
		opts:    opts,
		metrics: metrics,
		now:     time.Now,
	}
}

// Run scans new logins, installs their addresses and expires stale
// automatic entries. It returns the number of changes.
func (m *Maintainer) Run(ctx context.Context) (int, error) {
	if m.dir.Disabled() {
		m.logger.Info("Whitelist directory disabled, nothing done")
		return 0, nil
	}

	m.logger.Info("Whitelist scan starts")

	logins, err := m.scan()
	if err != nil {
		return 0, err
	}

	changes := 0
	for _, login := range logins {
		if err := ctx.Err(); err != nil {
			return changes, err
		}
		n, err := m.install(login)
		if err != nil {
			return changes, err
		}
		changes += n
	}

	n, err := m.expire()
	changes += n
	if err != nil {
		return changes, err
	}

	m.logger.Info("Whitelist scan ends", zap.Int("changes", changes))
	return changes, nil
}

func (m *Maintainer) scan() ([]Login, error) {
	var since int64
	if info, err := os.Stat(m.opts.StampPath); err == nil {
		since = info.ModTime().Unix()
	}

	f, err := os.Open(m.opts.WtmpPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.logger.Error("Login record file not found", zap.String("path", m.opts.WtmpPath))
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", m.opts.WtmpPath, err)
	}
	defer f.Close()

	logins, err := ReadLogins(f, since)
	if err != nil {
		return nil, err
	}

	if err := m.touchStamp(); err != nil {
		m.logger.Warn("Cannot update scan stamp", zap.String("path", m.opts.StampPath), zap.Error(err))
	}
	return logins, nil
}

func (m *Maintainer) touchStamp() error {
	now := m.now()
	if err := os.Chtimes(m.opts.StampPath, now, now); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.opts.StampPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(m.opts.StampPath, nil, 0644); err != nil {
		return err
	}
	return os.Chtimes(m.opts.StampPath, now, now)
}

// install creates or refreshes the auto entry for a login address.
func (m *Maintainer) install(login Login) (int, error) {
	addr := login.Address
	if !m.opts.AllowLocal && !address.FromAddr(addr).IsGlobal() {
		return 0, nil
	}

	name := addr.String()
	if addr.Is6() {
		name = netip.PrefixFrom(addr, ipv6LoginMask).Masked().String()
	}

	if m.dir.UserExists(name) {
		return 0, nil
	}

	if m.dir.AutoExists(name) {
		if err := m.dir.TouchAuto(name, m.now()); err != nil {
			return 0, err
		}
	} else if err := m.dir.WriteAuto(name, portspec.All); err != nil {
		return 0, err
	}

	m.metrics.Artifact("whitelisted")
	m.logger.Info("Whitelist entry installed", zap.String("address", name), zap.String("user", login.User))
	return 1, nil
}

func (m *Maintainer) expire() (int, error) {
	cutoff := m.now().Add(-time.Duration(m.opts.ExpiryDays) * 24 * time.Hour)
	removed, err := m.dir.ExpireAuto(cutoff)
	for _, addr := range removed {
		m.metrics.Artifact("unwhitelisted")
		m.logger.Info("Whitelist entry expired", zap.String("address", addr))
	}
	return len(removed), err
}
