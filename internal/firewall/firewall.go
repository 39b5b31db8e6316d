// Package firewall renders the block directories into an nftables table
// and installs, saves and restores rulesets through the nft command.
package firewall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/shizukutanaka/nftfence/internal/blockdir"
	"github.com/shizukutanaka/nftfence/internal/config"
	"go.uber.org/zap"
)

type Options struct {
	Table string
	// BackupPath is the zstd compressed ruleset written by Save.
	BackupPath string
	// StatePath keeps the last installed script so unchanged loads are
	// skipped.
	StatePath string
}

// OptionsFromConfig builds Options from the runtime configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Table:      cfg.Nft.Table,
		BackupPath: cfg.BackupPath(),
		StatePath:  cfg.VarPath("ruleset.nft"),
	}
}

// Firewall drives nft.
type Firewall struct {
	logger    *zap.Logger
	runner    Runner
	opts      Options
	blacklist *blockdir.Dir
	whitelist *blockdir.Dir
}

// New creates a Firewall.
func New(logger *zap.Logger, runner Runner, opts Options, blacklist, whitelist *blockdir.Dir) *Firewall {
	return &Firewall{
		logger:    logger.Named("firewall"),
		runner:    runner,
		opts:      opts,
		blacklist: blacklist,
		whitelist: whitelist,
	}
}

// Build reads both directories and returns the ruleset.
func (f *Firewall) Build() (*Ruleset, error) {
	white, err := f.whitelist.Entries()
	if err != nil {
		return nil, fmt.Errorf("failed to read whitelist: %w", err)
	}
	black, err := f.blacklist.Entries()
	if err != nil {
		return nil, fmt.Errorf("failed to read blacklist: %w", err)
	}
	return BuildRuleset(f.logger, f.opts.Table, white, black), nil
}

// Load builds the ruleset, checks it with nft and installs it. An
// unchanged ruleset is not reinstalled. It returns whether nft was asked
// to install anything.
func (f *Firewall) Load(ctx context.Context) (bool, error) {
	rs, err := f.Build()
	if err != nil {
		return false, err
	}
	script := rs.Script()

	if f.opts.StatePath != "" {
		if prev, err := os.ReadFile(f.opts.StatePath); err == nil && string(prev) == script {
			f.logger.Info("Ruleset unchanged", zap.Int("elements", rs.Elements()))
			return false, nil
		}
	}

	if _, err := f.runner.Run(ctx, strings.NewReader(script), "-c", "-f", "-"); err != nil {
		return false, fmt.Errorf("ruleset check failed: %w", err)
	}
	if _, err := f.runner.Run(ctx, strings.NewReader(script), "-f", "-"); err != nil {
		return false, fmt.Errorf("ruleset install failed: %w", err)
	}

	if f.opts.StatePath != "" {
		if err := writeFile(f.opts.StatePath, []byte(script)); err != nil {
			f.logger.Warn("Cannot record installed ruleset", zap.Error(err))
		}
	}

	f.logger.Info("Ruleset installed",
		zap.String("table", f.opts.Table),
		zap.Int("whitelist_sets", len(rs.Whitelist)),
		zap.Int("blacklist_sets", len(rs.Blacklist)),
		zap.Int("elements", rs.Elements()),
	)
	return true, nil
}

// Save writes the live ruleset to the backup file.
func (f *Firewall) Save(ctx context.Context) error {
	out, err := f.runner.Run(ctx, nil, "list", "ruleset")
	if err != nil {
		return fmt.Errorf("failed to list ruleset: %w", err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := enc.Write(out); err != nil {
		enc.Close()
		return fmt.Errorf("failed to compress ruleset: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to compress ruleset: %w", err)
	}

	if err := writeFile(f.opts.BackupPath, buf.Bytes()); err != nil {
		return err
	}
	f.logger.Info("Ruleset saved", zap.String("path", f.opts.BackupPath), zap.Int("bytes", len(out)))
	return nil
}

// Restore flushes the live ruleset and reinstalls the backup.
func (f *Firewall) Restore(ctx context.Context) error {
	file, err := os.Open(f.opts.BackupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer file.Close()

	dec, err := zstd.NewReader(file)
	if err != nil {
		return fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	saved, err := io.ReadAll(dec)
	if err != nil {
		return fmt.Errorf("failed to decompress backup: %w", err)
	}

	script := io.MultiReader(strings.NewReader("flush ruleset\n"), bytes.NewReader(saved))
	if _, err := f.runner.Run(ctx, script, "-f", "-"); err != nil {
		return fmt.Errorf("failed to restore ruleset: %w", err)
	}

	// force the next load to reinstall
	if f.opts.StatePath != "" {
		_ = os.Remove(f.opts.StatePath)
	}

	f.logger.Info("Ruleset restored", zap.String("path", f.opts.BackupPath))
	return nil
}

// Clean removes the backup file. It reports whether a file was removed.
func (f *Firewall) Clean() (bool, error) {
	err := os.Remove(f.opts.BackupPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove backup: %w", err)
	}
	f.logger.Info("Backup removed", zap.String("path", f.opts.BackupPath))
	return true, nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}
