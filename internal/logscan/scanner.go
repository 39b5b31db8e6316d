// Package logscan tails log files incrementally and extracts offending
// addresses using pattern rules. Scan positions survive restarts and log
// rotation is detected by a digest of the first line.
package logscan

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shizukutanaka/nftfence/internal/database"
	apperrors "github.com/shizukutanaka/nftfence/internal/errors"
	"github.com/shizukutanaka/nftfence/internal/monitoring"
	"github.com/shizukutanaka/nftfence/internal/patterns"
	"github.com/shizukutanaka/nftfence/internal/portspec"
	"go.uber.org/zap"
)

// digestLimit caps how much of the first line is hashed.
const digestLimit = 2048

// PositionStore persists per-file scan positions.
type PositionStore interface {
	Get(ctx context.Context, file string) (*database.Position, error)
	Set(ctx context.Context, pos *database.Position) error
}

// MatchResult aggregates the matches for one address in one run.
type MatchResult struct {
	Ports      portspec.Spec
	Pattern    string
	MatchCount int
	Incidents  int
}

// Results maps raw matched address strings to their aggregate.
type Results map[string]*MatchResult

// Scan is the outcome of a catalog scan. Positions are the offsets the
// scan reached; they are not stored until the caller commits them.
type Scan struct {
	Results   Results
	Positions []*database.Position
}

// Options control a single file scan.
type Options struct {
	// UpdatePosition reports the end offset reached so it can be committed.
	UpdatePosition bool
	// Test always starts at offset zero and never stores a position.
	Test bool
}

// Scanner scans log files against pattern rules.
type Scanner struct {
	logger    *zap.Logger
	positions PositionStore
	metrics   *monitoring.Metrics
	now       func() time.Time
}

// NewScanner creates a Scanner. metrics may be nil.
func NewScanner(logger *zap.Logger, positions PositionStore, metrics *monitoring.Metrics) *Scanner {
	return &Scanner{
		logger:    logger.Named("logscan"),
		positions: positions,
		metrics:   metrics,
		now:       time.Now,
	}
}

// ScanCatalog scans every file in the catalog and merges the per-file
// results. Unreadable files are logged and skipped; position store
// failures abort the scan. Nothing is persisted.
func (s *Scanner) ScanCatalog(ctx context.Context, catalog *patterns.Catalog, updatePosition bool) (*Scan, error) {
	out := make(Results)
	scan := &Scan{Results: out}

	if catalog.Selected != "" && !catalog.SelectedFound {
		s.logger.Error("Requested pattern not found", zap.String("pattern", catalog.Selected))
		return scan, nil
	}

	opts := Options{UpdatePosition: updatePosition, Test: catalog.SelectedIsTest}

	for _, file := range catalog.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, pos, err := s.ScanFile(ctx, file, catalog.Rules[file], opts)
		if err != nil {
			if apperrors.IsType(err, apperrors.ErrorTypeScan) {
				s.metrics.ScanError()
				s.logger.Error("Log file skipped", zap.String("file", file), zap.Error(err))
				continue
			}
			return nil, err
		}
		if pos != nil {
			scan.Positions = append(scan.Positions, pos)
		}
		if res == nil && catalog.Selected != "" {
			s.logger.Error("Requested pattern has a missing or empty log file",
				zap.String("pattern", catalog.Selected), zap.String("file", file))
		}

		for addr, r := range res {
			existing, ok := out[addr]
			if !ok {
				r.Incidents = 1
				out[addr] = r
				continue
			}
			existing.Incidents++
			existing.MatchCount += r.MatchCount
			existing.Ports = existing.Ports.Merge(r.Ports)
		}
	}

	if catalog.SelectedIsTest && len(out) == 0 {
		s.logger.Error("No matches found for test pattern", zap.String("pattern", catalog.Selected))
	}

	return scan, nil
}

// Commit stores the positions reached by a scan.
func (s *Scanner) Commit(ctx context.Context, positions []*database.Position) error {
	for _, pos := range positions {
		if err := s.positions.Set(ctx, pos); err != nil {
			return err
		}
	}
	return nil
}

// ScanFile scans one file from its stored position. With UpdatePosition
// it also returns the position reached, for Commit. A missing or empty
// file yields nil results and no position.
func (s *Scanner) ScanFile(ctx context.Context, file string, rules []*patterns.Rule, opts Options) (Results, *database.Position, error) {
	info, err := os.Stat(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, apperrors.ScanError(file, err)
	}
	if info.Size() == 0 {
		return nil, nil, nil
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, nil, apperrors.ScanError(file, err)
	}
	defer f.Close()

	digest, err := firstLineDigest(f)
	if err != nil {
		return nil, nil, apperrors.ScanError(file, err)
	}

	start, err := s.startOffset(ctx, file, digest, info.Size(), opts.Test)
	if err != nil {
		return nil, nil, err
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, nil, apperrors.ScanError(file, err)
	}

	results, consumed, err := scan(bufio.NewReader(f), rules)
	if err != nil {
		return nil, nil, apperrors.ScanError(file, err)
	}
	s.metrics.FileScanned()

	var pos *database.Position
	if opts.UpdatePosition && !opts.Test {
		pos = &database.Position{
			File:      file,
			Offset:    start + consumed,
			Digest:    digest,
			Timestamp: s.now().Unix(),
		}
	}

	s.logger.Debug("Scanned",
		zap.String("file", file),
		zap.Int64("from", start),
		zap.Int64("bytes", consumed),
		zap.Int("addresses", len(results)),
	)

	return results, pos, nil
}

func (s *Scanner) startOffset(ctx context.Context, file, digest string, size int64, test bool) (int64, error) {
	if test {
		return 0, nil
	}
	stored, err := s.positions.Get(ctx, file)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if stored.Digest != digest {
		s.logger.Info("Log file rotated, scanning from start", zap.String("file", file))
		return 0, nil
	}
	if size < stored.Offset {
		return size, nil
	}
	return stored.Offset, nil
}

// firstLineDigest hashes the first line (newline included) read with a
// 2048 byte cap.
func firstLineDigest(r io.Reader) (string, error) {
	br := bufio.NewReaderSize(io.LimitReader(r, digestLimit), digestLimit)
	line, err := br.ReadSlice('\n')
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", fmt.Errorf("failed to read first line: %w", err)
	}
	sum := md5.Sum(line)
	return hex.EncodeToString(sum[:]), nil
}

// scan reads complete lines and reports how many bytes they covered. A
// trailing line without a newline is left for the next run.
func scan(r *bufio.Reader, rules []*patterns.Rule) (Results, int64, error) {
	results := make(Results)
	var consumed int64

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, err
		}
		consumed += int64(len(line))

		addr, rule := matchLine(rules, line)
		if rule == nil {
			continue
		}

		existing, ok := results[addr]
		if !ok {
			results[addr] = &MatchResult{
				Ports:      rule.Ports,
				Pattern:    rule.Name,
				MatchCount: 1,
			}
			continue
		}
		existing.MatchCount++
		existing.Ports = existing.Ports.Merge(rule.Ports)
	}

	return results, consumed, nil
}

// matchLine applies every regex of every rule in order; the first match wins.
func matchLine(rules []*patterns.Rule, line string) (string, *patterns.Rule) {
	for _, rule := range rules {
		for _, re := range rule.Regexps {
			if m := re.FindStringSubmatch(line); m != nil {
				return m[1], rule
			}
		}
	}
	return "", nil
}
