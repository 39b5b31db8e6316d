package incident

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Tidy deletes stale incident records in two phases and compacts the
// store when anything went. Records with a live artifact are never
// deleted. It returns the number of records removed.
func (e *Engine) Tidy(ctx context.Context) (int, error) {
	s := e.settings
	now := e.now()
	deleted := 0

	if s.CleanByCount != 0 && s.IncidentsLE+s.MatchCountLE != 0 {
		before := now.Add(-time.Duration(s.CleanByCount) * day).Unix()
		n, err := e.clean(ctx, "count", before, s.IncidentsLE, s.MatchCountLE)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}

	if s.CleanBefore != 0 {
		before := now.Add(-time.Duration(s.CleanBefore) * day).Unix()
		n, err := e.clean(ctx, "age", before, 0, 0)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}

	if deleted > 0 {
		if err := e.db.Vacuum(ctx); err != nil {
			return deleted, err
		}
		e.metrics.RecordsDeleted(deleted)
	}

	e.logger.Info("Tidy complete", zap.Int("deleted", deleted))
	return deleted, nil
}

func (e *Engine) clean(ctx context.Context, phase string, before int64, incidentsLE, matchesLE int) (int, error) {
	candidates, err := e.incidents.ListDeletionCandidates(ctx, before, incidentsLE, matchesLE)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	live, err := e.blacklist.Live()
	if err != nil {
		return 0, err
	}

	doomed := candidates[:0]
	for _, addr := range candidates {
		if live[addr] {
			continue
		}
		doomed = append(doomed, addr)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	n, err := e.incidents.DeleteMany(ctx, doomed)
	if err != nil {
		return 0, err
	}
	e.logger.Info("Records removed", zap.String("phase", phase), zap.Int("count", n))
	return n, nil
}
