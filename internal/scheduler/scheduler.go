// Package scheduler serialises every action behind one advisory lock and
// coalesces requests that arrive while the lock is held into a
// de-duplicated FIFO queue that the lock holder drains.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shizukutanaka/nftfence/internal/locker"
	"github.com/shizukutanaka/nftfence/internal/logging"
	"github.com/shizukutanaka/nftfence/internal/monitoring"
	"go.uber.org/zap"
)

const (
	LockFile      = "sched.lock"
	QueueFile     = "sched.queue"
	QueueLockFile = "queue.lock"
)

// Handler runs one command and reports how many changes it made.
type Handler func(ctx context.Context) (int, error)

// Handlers maps commands to their handlers.
type Handlers map[Command]Handler

type runOptions struct {
	foreground bool
}

// Option modifies a single Run.
type Option func(*runOptions)

// WithForeground makes a background command wait for the lock and skip
// the queue, as scan-only and single-pattern runs need.
func WithForeground() Option {
	return func(o *runOptions) {
		o.foreground = true
	}
}

// Scheduler runs commands under the lock.
type Scheduler struct {
	logger        *zap.Logger
	lockPath      string
	queuePath     string
	queueLockPath string
	handlers      Handlers
	metrics       *monitoring.Metrics
}

// New creates a Scheduler keeping its lock and queue files in dir.
func New(logger *zap.Logger, dir string, handlers Handlers, metrics *monitoring.Metrics) *Scheduler {
	return &Scheduler{
		logger:        logger.Named("scheduler"),
		lockPath:      filepath.Join(dir, LockFile),
		queuePath:     filepath.Join(dir, QueueFile),
		queueLockPath: filepath.Join(dir, QueueLockFile),
		handlers:      handlers,
		metrics:       metrics,
	}
}

// Run executes cmd. Foreground commands wait for the lock and never drain
// the queue. Background commands either take the lock, run and drain the
// queue, or enqueue themselves and return nil when the lock is busy.
func (s *Scheduler) Run(ctx context.Context, cmd Command, opts ...Option) error {
	if _, ok := s.handlers[cmd]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	if cmd.Foreground() || o.foreground {
		return s.runForeground(ctx, cmd)
	}
	return s.runBackground(ctx, cmd)
}

func (s *Scheduler) runForeground(ctx context.Context, cmd Command) error {
	return locker.WithLock(s.lockPath, func() error {
		return s.execute(ctx, cmd)
	})
}

func (s *Scheduler) runBackground(ctx context.Context, cmd Command) error {
	lock := locker.New(s.lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Debug("Lock busy, queueing", zap.String("command", cmd.String()))
		return s.Enqueue(cmd)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.logger.Error("Failed to release lock", zap.Error(err))
		}
	}()

	if err := s.execute(ctx, cmd); err != nil {
		return err
	}
	return s.drain(ctx)
}

// drain pops and runs queued commands until the queue is empty. A failed
// command goes back on the queue.
func (s *Scheduler) drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cmd, ok, err := s.pop()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if err := s.execute(ctx, cmd); err != nil {
			if qerr := s.Enqueue(cmd); qerr != nil {
				s.logger.Error("Failed to requeue command", zap.String("command", cmd.String()), zap.Error(qerr))
			}
			return err
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, cmd Command) error {
	handler, ok := s.handlers[cmd]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	logger := logging.WithCommand(s.logger, cmd.String(), uuid.NewString())
	logger.Debug("Command starts")

	start := time.Now()
	changes, err := handler(ctx)
	duration := time.Since(start)
	s.metrics.CommandDone(cmd.String(), duration, err)

	if err != nil {
		logger.Error("Command failed", zap.Duration("duration", duration), zap.Error(err))
		return fmt.Errorf("%s: %w", cmd, err)
	}

	logger.Info("Command complete", zap.Int("changes", changes), zap.Duration("duration", duration))

	if changes > 0 && cmd.chainsLoad() {
		if err := s.Enqueue(Load); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue appends cmd to the queue unless it is already there.
func (s *Scheduler) Enqueue(cmd Command) error {
	return locker.WithLock(s.queueLockPath, func() error {
		queue, err := s.readQueue()
		if err != nil {
			return err
		}
		for _, q := range queue {
			if q == cmd {
				return nil
			}
		}
		queue = append(queue, cmd)
		s.metrics.Queued(cmd.String())
		s.logger.Info("Command queued", zap.String("command", cmd.String()))
		return s.writeQueue(queue)
	})
}

// Queue returns the pending commands in order.
func (s *Scheduler) Queue() ([]Command, error) {
	var queue []Command
	err := locker.WithLock(s.queueLockPath, func() error {
		var err error
		queue, err = s.readQueue()
		return err
	})
	return queue, err
}

func (s *Scheduler) pop() (Command, bool, error) {
	var (
		cmd Command
		ok  bool
	)
	err := locker.WithLock(s.queueLockPath, func() error {
		queue, err := s.readQueue()
		if err != nil || len(queue) == 0 {
			return err
		}
		cmd, ok = queue[0], true
		return s.writeQueue(queue[1:])
	})
	return cmd, ok, err
}

func (s *Scheduler) readQueue() ([]Command, error) {
	data, err := os.ReadFile(s.queuePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	var queue []Command
	for _, name := range strings.Split(strings.TrimSpace(string(data)), ",") {
		if name == "" {
			continue
		}
		cmd, err := ParseCommand(name)
		if err != nil {
			s.logger.Warn("Dropping unknown queued command", zap.String("command", name))
			continue
		}
		queue = append(queue, cmd)
	}
	return queue, nil
}

// writeQueue replaces the queue file; an empty queue removes it.
func (s *Scheduler) writeQueue(queue []Command) error {
	if len(queue) == 0 {
		if err := os.Remove(s.queuePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to clear queue: %w", err)
		}
		return nil
	}

	names := make([]string, len(queue))
	for i, c := range queue {
		names[i] = c.String()
	}

	tmp := s.queuePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(names, ",")), 0644); err != nil {
		return fmt.Errorf("failed to write queue: %w", err)
	}
	if err := os.Rename(tmp, s.queuePath); err != nil {
		return fmt.Errorf("failed to write queue: %w", err)
	}
	return nil
}
