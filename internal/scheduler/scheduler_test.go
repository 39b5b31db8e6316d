package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shizukutanaka/nftfence/internal/locker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	ran     []Command
	changes map[Command]int
	fail    map[Command]error
}

func newRecorder() *recorder {
	return &recorder{changes: map[Command]int{}, fail: map[Command]error{}}
}

func (r *recorder) handler(cmd Command) Handler {
	return func(context.Context) (int, error) {
		r.ran = append(r.ran, cmd)
		return r.changes[cmd], r.fail[cmd]
	}
}

func (r *recorder) handlers() Handlers {
	h := Handlers{}
	for _, c := range Commands {
		h[c] = r.handler(c)
	}
	return h
}

func newScheduler(t *testing.T, handlers Handlers) (*Scheduler, string) {
	t.Helper()
	dir := t.TempDir()
	return New(zaptest.NewLogger(t), dir, handlers, nil), dir
}

func holdLock(t *testing.T, dir string) *locker.Locker {
	t.Helper()
	l := locker.New(filepath.Join(dir, LockFile))
	require.NoError(t, l.Lock())
	return l
}

func TestParseCommand(t *testing.T) {
	for _, c := range Commands {
		got, err := ParseCommand(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}

	_, err := ParseCommand("flush")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	assert.True(t, Edit.Foreground())
	assert.True(t, Restore.Foreground())
	assert.False(t, Blacklist.Foreground())
	assert.False(t, Load.Foreground())
}

func TestMissingHandler(t *testing.T) {
	s, _ := newScheduler(t, Handlers{})
	err := s.Run(context.Background(), Load)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestCoalescing(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	rec.changes[Blacklist] = 2
	s, dir := newScheduler(t, rec.handlers())

	held := holdLock(t, dir)
	require.NoError(t, s.Run(ctx, Blacklist))
	require.NoError(t, s.Run(ctx, Blacklist))
	require.NoError(t, s.Run(ctx, Load))
	require.NoError(t, s.Run(ctx, Blacklist))
	assert.Empty(t, rec.ran)

	queue, err := s.Queue()
	require.NoError(t, err)
	assert.Equal(t, []Command{Blacklist, Load}, queue)

	data, err := os.ReadFile(filepath.Join(dir, QueueFile))
	require.NoError(t, err)
	assert.Equal(t, "blacklist,load", string(data))

	require.NoError(t, held.Unlock())

	require.NoError(t, s.Run(ctx, Tidy))
	// blacklist's changes ask for a load that is already queued
	assert.Equal(t, []Command{Tidy, Blacklist, Load}, rec.ran)

	queue, err = s.Queue()
	require.NoError(t, err)
	assert.Empty(t, queue)
	assert.NoFileExists(t, filepath.Join(dir, QueueFile))
}

func TestChainingLoad(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	s, _ := newScheduler(t, rec.handlers())

	require.NoError(t, s.Run(ctx, Whitelist))
	assert.Equal(t, []Command{Whitelist}, rec.ran)

	rec.changes[Whitelist] = 1
	require.NoError(t, s.Run(ctx, Whitelist))
	assert.Equal(t, []Command{Whitelist, Whitelist, Load}, rec.ran)

	t.Run("tidy never chains", func(t *testing.T) {
		rec.ran = nil
		rec.changes[Tidy] = 5
		require.NoError(t, s.Run(ctx, Tidy))
		assert.Equal(t, []Command{Tidy}, rec.ran)
	})
}

func TestForegroundDoesNotDrain(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	rec.changes[Edit] = 1
	s, _ := newScheduler(t, rec.handlers())

	require.NoError(t, s.Enqueue(Tidy))
	require.NoError(t, s.Run(ctx, Edit))
	assert.Equal(t, []Command{Edit}, rec.ran)

	queue, err := s.Queue()
	require.NoError(t, err)
	assert.Equal(t, []Command{Tidy, Load}, queue)

	t.Run("background option forced to foreground", func(t *testing.T) {
		rec.ran = nil
		require.NoError(t, s.Run(ctx, Blacklist, WithForeground()))
		assert.Equal(t, []Command{Blacklist}, rec.ran)

		queue, err := s.Queue()
		require.NoError(t, err)
		assert.Len(t, queue, 2)
	})
}

func TestPrimaryFailureLeavesQueue(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	rec.fail[Blacklist] = errors.New("database locked")
	s, dir := newScheduler(t, rec.handlers())

	require.NoError(t, s.Enqueue(Load))
	err := s.Run(ctx, Blacklist)
	require.Error(t, err)
	assert.Equal(t, []Command{Blacklist}, rec.ran)

	queue, err := s.Queue()
	require.NoError(t, err)
	assert.Equal(t, []Command{Load}, queue)

	// the lock was released
	l := locker.New(filepath.Join(dir, LockFile))
	ok, err := l.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Unlock())
}

func TestDrainedFailureIsRequeued(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	rec.fail[Whitelist] = errors.New("wtmp unreadable")
	s, _ := newScheduler(t, rec.handlers())

	require.NoError(t, s.Enqueue(Whitelist))
	require.NoError(t, s.Enqueue(Tidy))

	err := s.Run(ctx, Load)
	require.Error(t, err)
	assert.Equal(t, []Command{Load, Whitelist}, rec.ran)

	queue, err := s.Queue()
	require.NoError(t, err)
	assert.Equal(t, []Command{Tidy, Whitelist}, queue)

	delete(rec.fail, Whitelist)
	rec.ran = nil
	require.NoError(t, s.Run(ctx, Load))
	assert.Equal(t, []Command{Load, Tidy, Whitelist}, rec.ran)
}

func TestRequestDuringRunIsDrained(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	handlers := rec.handlers()

	var s *Scheduler
	handlers[Blacklist] = func(ctx context.Context) (int, error) {
		rec.ran = append(rec.ran, Blacklist)
		// a second invocation arriving while this one holds the lock
		return 0, s.Run(ctx, Whitelist)
	}
	s, _ = newScheduler(t, handlers)

	require.NoError(t, s.Run(ctx, Blacklist))
	assert.Equal(t, []Command{Blacklist, Whitelist}, rec.ran)
}

func TestUnknownQueuedNamesDropped(t *testing.T) {
	rec := newRecorder()
	s, dir := newScheduler(t, rec.handlers())
	require.NoError(t, os.WriteFile(filepath.Join(dir, QueueFile), []byte("flush,tidy,,load"), 0644))

	queue, err := s.Queue()
	require.NoError(t, err)
	assert.Equal(t, []Command{Tidy, Load}, queue)
}
