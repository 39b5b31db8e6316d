// Package trigger is the long-running source of scheduler invocations:
// directory changes and periodic timers are turned into background
// commands.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shizukutanaka/nftfence/internal/config"
	"github.com/shizukutanaka/nftfence/internal/scheduler"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Runner is the part of the scheduler the watcher drives.
type Runner interface {
	Run(ctx context.Context, cmd scheduler.Command, opts ...scheduler.Option) error
}

// Config maps watched directories and timers to commands.
type Config struct {
	// Dirs maps a directory to the command its changes trigger.
	Dirs map[string]scheduler.Command
	// Intervals maps commands to their periodic interval. Zero disables.
	Intervals map[scheduler.Command]time.Duration
	Debounce  time.Duration
	// EventsPerMinute caps how often triggered commands start.
	EventsPerMinute int
	// Initial commands run once at start.
	Initial []scheduler.Command
}

// ConfigFromConfig builds the watch setup from the runtime configuration.
func ConfigFromConfig(cfg *config.Config) Config {
	return Config{
		Dirs: map[string]scheduler.Command{
			cfg.BlacklistDir(): scheduler.Load,
			cfg.WhitelistDir(): scheduler.Load,
			cfg.PatternsDir():  scheduler.Blacklist,
		},
		Intervals: map[scheduler.Command]time.Duration{
			scheduler.Blacklist: cfg.Watch.BlacklistInterval,
			scheduler.Whitelist: cfg.Watch.WhitelistInterval,
			scheduler.Tidy:      cfg.Watch.TidyInterval,
		},
		Debounce:        cfg.Watch.Debounce,
		EventsPerMinute: cfg.Watch.EventsPerMinute,
		Initial:         []scheduler.Command{scheduler.Load},
	}
}

// Watcher turns filesystem events and timers into scheduler runs.
type Watcher struct {
	logger  *zap.Logger
	runner  Runner
	cfg     Config
	watcher *fsnotify.Watcher
	limiter *rate.Limiter

	mu      sync.Mutex
	timers  map[scheduler.Command]*time.Timer
	pending map[scheduler.Command]bool
	fire    chan scheduler.Command
}

// New creates a Watcher.
func New(logger *zap.Logger, runner Runner, cfg Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	perMinute := cfg.EventsPerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}

	return &Watcher{
		logger:  logger.Named("trigger"),
		runner:  runner,
		cfg:     cfg,
		watcher: fw,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		timers:  make(map[scheduler.Command]*time.Timer),
		pending: make(map[scheduler.Command]bool),
		fire:    make(chan scheduler.Command, len(scheduler.Commands)),
	}, nil
}

// Run watches until ctx is cancelled. Command failures are logged; the
// scheduler keeps the queue so the next trigger retries.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	for dir := range w.cfg.Dirs {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.logger.Info("Watching directory", zap.String("dir", dir))
	}

	var wg sync.WaitGroup
	for cmd, interval := range w.cfg.Intervals {
		if interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(cmd scheduler.Command, interval time.Duration) {
			defer wg.Done()
			w.tick(ctx, cmd, interval)
		}(cmd, interval)
	}
	defer wg.Wait()
	defer w.stopTimers()

	for _, cmd := range w.cfg.Initial {
		w.trigger(cmd)
	}

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case cmd := <-w.fire:
			w.dispatch(ctx, cmd)

		case <-ctx.Done():
			w.logger.Info("Watcher stopped")
			return nil
		}
	}
}

func (w *Watcher) tick(ctx context.Context, cmd scheduler.Command, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.trigger(cmd)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod || strings.HasSuffix(event.Name, ".tmp") {
		return
	}
	cmd, ok := w.cfg.Dirs[filepath.Dir(event.Name)]
	if !ok {
		return
	}
	w.logger.Debug("Directory changed",
		zap.String("path", event.Name),
		zap.String("op", event.Op.String()),
	)
	w.schedule(cmd)
}

// schedule fires cmd once the debounce period has passed. Further events
// inside the period are absorbed.
func (w *Watcher) schedule(cmd scheduler.Command) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.timers[cmd]; ok {
		return
	}
	w.timers[cmd] = time.AfterFunc(w.cfg.Debounce, func() {
		w.mu.Lock()
		delete(w.timers, cmd)
		w.mu.Unlock()
		w.trigger(cmd)
	})
}

// trigger hands cmd to the dispatch loop unless it is already waiting.
func (w *Watcher) trigger(cmd scheduler.Command) {
	w.mu.Lock()
	if w.pending[cmd] {
		w.mu.Unlock()
		return
	}
	w.pending[cmd] = true
	w.mu.Unlock()

	w.fire <- cmd
}

func (w *Watcher) dispatch(ctx context.Context, cmd scheduler.Command) {
	w.mu.Lock()
	delete(w.pending, cmd)
	w.mu.Unlock()

	if err := w.limiter.Wait(ctx); err != nil {
		return
	}

	if err := w.runner.Run(ctx, cmd); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.logger.Error("Triggered command failed", zap.String("command", cmd.String()), zap.Error(err))
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for cmd, t := range w.timers {
		t.Stop()
		delete(w.timers, cmd)
	}
}
