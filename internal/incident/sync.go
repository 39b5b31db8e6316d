package incident

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SyncMissing bumps the reconciliation counter and, when it is due,
// recreates auto artifacts for active records that have none. The counter
// is only stored once the pass succeeds. It returns the number of
// artifacts recreated.
func (e *Engine) SyncMissing(ctx context.Context) (int, error) {
	n, next, err := e.reconcile(ctx)
	if err != nil {
		return n, err
	}
	e.commitCounter(next)
	return n, nil
}

// reconcile does the work of SyncMissing and returns the counter value to
// store afterwards.
func (e *Engine) reconcile(ctx context.Context) (int, int, error) {
	count, due := e.readCounter()
	if !due {
		return 0, count + 1, nil
	}

	since := e.now().Add(-time.Duration(e.settings.ExpireAfter-1) * day).Unix()
	records, err := e.incidents.ListActive(ctx, since, e.settings.BlockAfter)
	if err != nil {
		return 0, 0, err
	}

	reconciled := 0
	for _, record := range records {
		if e.blacklist.Exists(record.Address) {
			continue
		}
		e.logger.Info("Recreating missing blacklist file", zap.String("address", record.Address))
		wrote, err := e.placeArtifact(ctx, record, true)
		if err != nil {
			return reconciled, 0, err
		}
		if !wrote {
			continue
		}
		e.metrics.Artifact("reconciled")
		reconciled++
	}

	if reconciled > 0 {
		e.logger.Info("Missing blacklist files recreated", zap.Int("count", reconciled))
	}
	return reconciled, 1, nil
}

func (e *Engine) commitCounter(n int) {
	if err := e.writeCounter(n); err != nil {
		e.logger.Warn("Cannot update sync counter", zap.String("path", e.counterPath), zap.Error(err))
	}
}

// readCounter returns the stored count and whether a pass is due.
func (e *Engine) readCounter() (int, bool) {
	data, err := os.ReadFile(e.counterPath)
	if err != nil {
		return 0, true
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0, true
	}
	return n, n > e.settings.SyncCheck
}

func (e *Engine) writeCounter(n int) error {
	if err := os.MkdirAll(filepath.Dir(e.counterPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(e.counterPath, []byte(fmt.Sprintf("%d\n", n)), 0644)
}
