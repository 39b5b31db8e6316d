// Package incident turns scan results into durable per-address incident
// records and block artifacts, and keeps both tidy over time.
package incident

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shizukutanaka/nftfence/internal/address"
	"github.com/shizukutanaka/nftfence/internal/blockdir"
	"github.com/shizukutanaka/nftfence/internal/config"
	"github.com/shizukutanaka/nftfence/internal/database"
	"github.com/shizukutanaka/nftfence/internal/logscan"
	"github.com/shizukutanaka/nftfence/internal/monitoring"
	"github.com/shizukutanaka/nftfence/internal/patterns"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

// Settings are the blacklist thresholds. Day counts of zero disable the
// step they control where noted in config.
type Settings struct {
	BlockAfter    int
	BlockAllAfter int
	ExpireAfter   int
	CleanBefore   int
	SyncCheck     int
	CleanByCount  int
	IncidentsLE   int
	MatchCountLE  int

	IPv6Mask   int
	AllowLocal bool
}

// SettingsFromConfig extracts engine settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	b := cfg.Blacklist
	return Settings{
		BlockAfter:    b.BlockAfter,
		BlockAllAfter: b.BlockAllAfter,
		ExpireAfter:   b.ExpireAfter,
		CleanBefore:   b.CleanBefore,
		SyncCheck:     b.SyncCheck,
		CleanByCount:  b.CleanByCount,
		IncidentsLE:   b.IncidentsLE,
		MatchCountLE:  b.MatchCountLE,
		IPv6Mask:      cfg.Address.IPv6Mask,
		AllowLocal:    cfg.Address.AllowLocal,
	}
}

// Engine runs the blacklist, scan-only, edit and tidy operations.
type Engine struct {
	logger      *zap.Logger
	settings    Settings
	db          *database.DB
	incidents   *database.IncidentRepository
	patterns    *patterns.Reader
	scanner     *logscan.Scanner
	blacklist   *blockdir.Dir
	whitelist   *blockdir.Dir
	counterPath string
	metrics     *monitoring.Metrics
	now         func() time.Time
}

// Deps are the collaborators an Engine needs.
type Deps struct {
	DB        *database.DB
	Patterns  *patterns.Reader
	Scanner   *logscan.Scanner
	Blacklist *blockdir.Dir
	Whitelist *blockdir.Dir
	// CounterPath is the reconciliation counter file.
	CounterPath string
	Metrics     *monitoring.Metrics
}

// New creates an Engine.
func New(logger *zap.Logger, settings Settings, deps Deps) *Engine {
	return &Engine{
		logger:      logger.Named("incident"),
		settings:    settings,
		db:          deps.DB,
		incidents:   database.NewIncidentRepository(deps.DB),
		patterns:    deps.Patterns,
		scanner:     deps.Scanner,
		blacklist:   deps.Blacklist,
		whitelist:   deps.Whitelist,
		counterPath: deps.CounterPath,
		metrics:     deps.Metrics,
		now:         time.Now,
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Blacklist scans the logs, merges matches into the store, installs
// artifacts, reconciles missing ones and expires stale ones. selected
// restricts the run to one pattern. File positions and the sync counter
// are stored only when every step succeeds, so a failed run is repeated
// in full. It returns the number of changed artifacts.
func (e *Engine) Blacklist(ctx context.Context, selected string) (int, error) {
	if e.blacklist.Disabled() {
		e.logger.Info("Blacklist directory disabled, nothing done")
		return 0, nil
	}

	e.logger.Info("Blacklist scan starts")

	catalog, err := e.patterns.Load(selected)
	if err != nil {
		return 0, err
	}

	scan, err := e.scanner.ScanCatalog(ctx, catalog, true)
	if err != nil {
		return 0, err
	}

	changes := 0
	if len(scan.Results) > 0 {
		installed, matched, err := e.InstallMatches(ctx, scan.Results, true)
		if err != nil {
			return changes, err
		}
		changes += installed
		e.logger.Info("Blacklist matches", zap.Int("addresses", matched))
	}

	counter := -1
	if e.settings.SyncCheck != 0 {
		n, next, err := e.reconcile(ctx)
		if err != nil {
			return changes, err
		}
		changes += n
		counter = next
	}

	n, err := e.Expire()
	if err != nil {
		return changes, err
	}
	changes += n

	if err := e.scanner.Commit(ctx, scan.Positions); err != nil {
		return changes, err
	}
	if counter >= 0 {
		e.commitCounter(counter)
	}

	e.logger.Info("Blacklist scan ends", zap.Int("changes", changes))
	return changes, nil
}

// ScanOnly scans without persisting anything and prints a table of the
// matches to w.
func (e *Engine) ScanOnly(ctx context.Context, w io.Writer, selected string) error {
	catalog, err := e.patterns.Load(selected)
	if err != nil {
		return err
	}

	scan, err := e.scanner.ScanCatalog(ctx, catalog, false)
	if err != nil {
		return err
	}
	results := scan.Results

	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No matches")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"IP", "Pattern", "Count", "Ports"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, addr := range sortedAddresses(results) {
		r := results[addr]
		table.Append([]string{addr, r.Pattern, strconv.Itoa(r.MatchCount), r.Ports.String()})
	}
	table.Render()
	return nil
}

// Expire removes auto artifacts untouched for expire_after days.
func (e *Engine) Expire() (int, error) {
	cutoff := e.now().Add(-time.Duration(e.settings.ExpireAfter) * day)
	removed, err := e.blacklist.ExpireAuto(cutoff)
	for range removed {
		e.metrics.Artifact("expired")
	}
	if err != nil {
		return len(removed), fmt.Errorf("failed to expire artifacts: %w", err)
	}
	return len(removed), nil
}

func (e *Engine) normalizer() *address.Normalizer {
	var names []string
	entries, err := e.whitelist.Entries()
	if err != nil {
		e.logger.Warn("Cannot read whitelist", zap.Error(err))
	}
	for _, entry := range entries {
		names = append(names, entry.Address)
	}
	wl := address.NewWhitelist(e.logger, names, e.settings.IPv6Mask)
	return address.NewNormalizer(e.logger, e.settings.IPv6Mask, e.settings.AllowLocal, wl)
}

func sortedAddresses(results logscan.Results) []string {
	addrs := make([]string, 0, len(results))
	for addr := range results {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}
