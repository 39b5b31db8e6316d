package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/shizukutanaka/nftfence/internal/blockdir"
	"github.com/shizukutanaka/nftfence/internal/config"
	"github.com/shizukutanaka/nftfence/internal/database"
	"github.com/shizukutanaka/nftfence/internal/firewall"
	"github.com/shizukutanaka/nftfence/internal/incident"
	"github.com/shizukutanaka/nftfence/internal/logscan"
	"github.com/shizukutanaka/nftfence/internal/monitoring"
	"github.com/shizukutanaka/nftfence/internal/patterns"
	"github.com/shizukutanaka/nftfence/internal/scheduler"
	"github.com/shizukutanaka/nftfence/internal/trigger"
	"github.com/shizukutanaka/nftfence/internal/whitelist"
	"go.uber.org/zap"
)

// CounterFile is the reconciliation counter kept in sysvar.
const CounterFile = "missingsync"

// BlacklistOptions narrow a single blacklist invocation.
type BlacklistOptions struct {
	// Pattern restricts the scan to one pattern file.
	Pattern string
	// ScanOnly prints matches to Out without changing anything.
	ScanOnly bool
	Out      io.Writer
}

func (o BlacklistOptions) foreground() bool {
	return o.ScanOnly || o.Pattern != ""
}

// Option customises an Application.
type Option func(*Application)

// WithRunner replaces the nft runner.
func WithRunner(runner firewall.Runner) Option {
	return func(a *Application) {
		a.runner = runner
	}
}

// WithClock replaces the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(a *Application) {
		a.now = now
	}
}

// Application wires the stores, the engine and the firewall behind the
// scheduler.
type Application struct {
	ctx     context.Context
	logger  *zap.Logger
	config  *config.Config
	runner  firewall.Runner
	now     func() time.Time
	metrics *monitoring.Metrics

	db         *database.DB
	incidents  *database.IncidentRepository
	engine     *incident.Engine
	maintainer *whitelist.Maintainer
	firewall   *firewall.Firewall
	scheduler  *scheduler.Scheduler

	// per-invocation arguments read by the blacklist and edit handlers
	blacklistOpts BlacklistOptions
	editRequest   incident.EditRequest
}

// New opens the database and builds every component from cfg.
func New(ctx context.Context, logger *zap.Logger, cfg *config.Config, opts ...Option) (*Application, error) {
	a := &Application{
		ctx:     ctx,
		logger:  logger,
		config:  cfg,
		runner:  firewall.ExecRunner{Binary: cfg.Nft.Binary},
		metrics: monitoring.NewMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := cfg.CheckLocations(); err != nil {
		return nil, err
	}

	db, err := openDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.incidents = database.NewIncidentRepository(db)

	var dirOpts []blockdir.Option
	if cfg.Owner.Owner != "" || cfg.Owner.Group != "" {
		dirOpts = append(dirOpts, blockdir.WithOwner(cfg.Owner.Owner, cfg.Owner.Group))
	}
	black, err := blockdir.New(logger, cfg.BlacklistDir(), dirOpts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	white, err := blockdir.New(logger, cfg.WhitelistDir(), dirOpts...)
	if err != nil {
		db.Close()
		return nil, err
	}

	reader, err := patterns.NewReader(logger, cfg.PatternsDir())
	if err != nil {
		db.Close()
		return nil, err
	}

	a.engine = incident.New(logger, incident.SettingsFromConfig(cfg), incident.Deps{
		DB:          db,
		Patterns:    reader,
		Scanner:     logscan.NewScanner(logger, database.NewPositionRepository(db), a.metrics),
		Blacklist:   black,
		Whitelist:   white,
		CounterPath: cfg.VarPath(CounterFile),
		Metrics:     a.metrics,
	})
	if a.now != nil {
		a.engine.SetClock(a.now)
	}

	a.maintainer = whitelist.New(logger, white, whitelist.OptionsFromConfig(cfg), a.metrics)
	a.firewall = firewall.New(logger, a.runner, firewall.OptionsFromConfig(cfg), black, white)
	a.scheduler = scheduler.New(logger, cfg.VarDir(), a.handlers(), a.metrics)

	return a, nil
}

func (a *Application) handlers() scheduler.Handlers {
	return scheduler.Handlers{
		scheduler.Load: func(ctx context.Context) (int, error) {
			return changed(a.firewall.Load(ctx))
		},
		scheduler.Whitelist: a.maintainer.Run,
		scheduler.Blacklist: func(ctx context.Context) (int, error) {
			opts := a.blacklistOpts
			if opts.ScanOnly {
				return 0, a.engine.ScanOnly(ctx, opts.Out, opts.Pattern)
			}
			return a.engine.Blacklist(ctx, opts.Pattern)
		},
		scheduler.Tidy: a.engine.Tidy,
		scheduler.Edit: func(ctx context.Context) (int, error) {
			return a.engine.Edit(ctx, a.editRequest)
		},
		scheduler.Save: func(ctx context.Context) (int, error) {
			return 0, a.firewall.Save(ctx)
		},
		scheduler.Restore: func(ctx context.Context) (int, error) {
			if err := a.firewall.Restore(ctx); err != nil {
				return 0, err
			}
			return 1, nil
		},
		scheduler.Clean: func(context.Context) (int, error) {
			return changed(a.firewall.Clean())
		},
	}
}

func changed(ok bool, err error) (int, error) {
	if err != nil || !ok {
		return 0, err
	}
	return 1, nil
}

// Run hands cmd to the scheduler.
func (a *Application) Run(cmd scheduler.Command) error {
	return a.scheduler.Run(a.ctx, cmd)
}

// Blacklist runs the blacklist command. Scan-only and single-pattern runs
// wait for the lock instead of queueing.
func (a *Application) Blacklist(opts BlacklistOptions) error {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	a.blacklistOpts = opts
	defer func() { a.blacklistOpts = BlacklistOptions{} }()

	if opts.foreground() {
		return a.scheduler.Run(a.ctx, scheduler.Blacklist, scheduler.WithForeground())
	}
	return a.scheduler.Run(a.ctx, scheduler.Blacklist)
}

// Edit applies a manual change under the lock. It reports whether a
// firewall load is left waiting in the queue.
func (a *Application) Edit(req incident.EditRequest) (bool, error) {
	a.editRequest = req
	defer func() { a.editRequest = incident.EditRequest{} }()
	if err := a.scheduler.Run(a.ctx, scheduler.Edit); err != nil {
		return false, err
	}
	return a.queued(scheduler.Load)
}

func (a *Application) queued(cmd scheduler.Command) (bool, error) {
	queue, err := a.scheduler.Queue()
	if err != nil {
		return false, err
	}
	for _, q := range queue {
		if q == cmd {
			return true, nil
		}
	}
	return false, nil
}

// Queue returns the commands waiting for the lock.
func (a *Application) Queue() ([]scheduler.Command, error) {
	return a.scheduler.Queue()
}

// List prints the incident store, most recent first.
func (a *Application) List(w io.Writer) error {
	records, err := a.incidents.All(a.ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No incidents")
		return err
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].LastSeen != records[j].LastSeen {
			return records[i].LastSeen > records[j].LastSeen
		}
		return records[i].Address < records[j].Address
	})

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"IP", "Patterns", "Incidents", "Matches", "Ports", "First", "Last"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, r := range records {
		ports := r.Ports.String()
		if r.UseAll {
			ports = "all"
		}
		table.Append([]string{
			r.Address,
			strings.Join(r.Patterns, ","),
			humanize.Comma(int64(r.Incidents)),
			humanize.Comma(int64(r.MatchCount)),
			ports,
			humanize.Time(time.Unix(r.FirstSeen, 0)),
			humanize.Time(time.Unix(r.LastSeen, 0)),
		})
	}
	table.Render()

	_, err = fmt.Fprintf(w, "%s records\n", humanize.Comma(int64(len(records))))
	return err
}

// Watch drives the scheduler from directory changes and timers until the
// context is cancelled, serving metrics when configured.
func (a *Application) Watch() error {
	w, err := trigger.New(a.logger, a.scheduler, trigger.ConfigFromConfig(a.config))
	if err != nil {
		return err
	}

	if addr := a.config.Metrics.ListenAddr; addr != "" {
		go func() {
			if err := a.metrics.Serve(a.ctx, a.logger, addr); err != nil {
				a.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	return w.Run(a.ctx)
}

// Metrics returns the application's metrics.
func (a *Application) Metrics() *monitoring.Metrics {
	return a.metrics
}

// Close writes the metrics textfile and closes the database.
func (a *Application) Close() error {
	if err := a.metrics.WriteTextfile(a.config.Metrics.Textfile); err != nil {
		a.logger.Warn("Failed to write metrics", zap.Error(err))
	}
	return a.db.Close()
}
