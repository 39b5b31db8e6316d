package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shizukutanaka/nftfence/internal/database"
	apperrors "github.com/shizukutanaka/nftfence/internal/errors"
	"github.com/shizukutanaka/nftfence/internal/logscan"
	"github.com/shizukutanaka/nftfence/internal/portspec"
	"go.uber.org/zap"
)

// MergePorts applies a new match's ports to the stored ports and reports
// whether the stored value changed. update never changes ports and a
// stored all is final.
func MergePorts(stored, incoming portspec.Spec) (portspec.Spec, bool) {
	if incoming.IsUpdate() || incoming.IsTest() || stored.IsAll() {
		return stored, false
	}
	if incoming.IsAll() {
		return portspec.All, true
	}
	merged := stored.Union(incoming)
	if merged.Equal(stored) {
		return stored, false
	}
	return merged, true
}

// InstallMatches normalises each matched address, merges it into the
// store and, when fileCreate is set, installs its artifact. It returns the
// number of artifacts written and the number of addresses accepted. A
// failed artifact skips that address; a storage failure ends the run.
func (e *Engine) InstallMatches(ctx context.Context, results logscan.Results, fileCreate bool) (int, int, error) {
	normalizer := e.normalizer()
	installed := 0
	matched := 0

	for _, raw := range sortedAddresses(results) {
		result := results[raw]

		addr, ok := normalizer.Normalize(raw)
		if !ok {
			continue
		}
		matched++
		e.metrics.Match(result.Pattern, result.MatchCount)

		logger := e.logger.With(zap.String("address", addr.String()))
		logger.Info("Match",
			zap.Int("count", result.MatchCount),
			zap.String("pattern", result.Pattern),
		)

		if result.Ports.IsTest() {
			continue
		}

		record, portsChanged, err := e.merge(ctx, addr.String(), result)
		if err != nil {
			return installed, matched, err
		}
		if record == nil {
			logger.Error("Update-only match for address not in database", zap.String("pattern", result.Pattern))
			continue
		}

		if !fileCreate {
			continue
		}
		wrote, err := e.placeArtifact(ctx, record, portsChanged)
		if err != nil {
			return installed, matched, err
		}
		if wrote {
			installed++
		}
	}

	return installed, matched, nil
}

// merge folds result into the record for address, creating it if needed.
// A nil record means an update-only match for an unknown address.
func (e *Engine) merge(ctx context.Context, address string, result *logscan.MatchResult) (*database.IncidentRecord, bool, error) {
	now := e.now().Unix()

	record, err := e.incidents.Get(ctx, address)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, false, err
	}

	if errors.Is(err, database.ErrNotFound) {
		if result.Ports.IsUpdate() {
			return nil, false, nil
		}
		incidents := result.Incidents
		if incidents < 1 {
			incidents = 1
		}
		record = &database.IncidentRecord{
			Address:    address,
			Incidents:  incidents,
			MatchCount: result.MatchCount,
			FirstSeen:  now,
			LastSeen:   now,
			Ports:      result.Ports,
		}
		record.AddPattern(result.Pattern)
		if err := e.incidents.Insert(ctx, record); err != nil {
			return nil, false, err
		}
		return record, false, nil
	}

	e.logFrequency(address, result.MatchCount, record.LastSeen, now)

	record.Incidents += result.Incidents
	record.MatchCount += result.MatchCount
	record.AddPattern(result.Pattern)

	var portsChanged bool
	record.Ports, portsChanged = MergePorts(record.Ports, result.Ports)

	if now > record.LastSeen {
		record.LastSeen = now
	}

	if err := e.incidents.Update(ctx, record); err != nil {
		return nil, false, err
	}
	return record, portsChanged, nil
}

// installArtifact materialises, rewrites or touches the auto artifact for
// record. It reports whether file content was written.
func (e *Engine) installArtifact(ctx context.Context, record *database.IncidentRecord, portsChanged bool) (bool, error) {
	if record.MatchCount < e.settings.BlockAfter {
		return false, nil
	}

	now := e.now()

	if record.MatchCount >= e.settings.BlockAllAfter && !record.UseAll {
		if now.Unix() > record.LastSeen {
			record.LastSeen = now.Unix()
		}
		if err := e.incidents.SetUseAll(ctx, record.Address, record.LastSeen); err != nil {
			return false, err
		}
		record.UseAll = true
		record.Ports = portspec.All
		portsChanged = true
	}

	if e.blacklist.UserExists(record.Address) {
		return false, nil
	}

	ports := record.Ports
	if record.BlocksAll() {
		ports = portspec.All
	}

	logger := e.logger.With(zap.String("address", record.Address))

	if !e.blacklist.AutoExists(record.Address) || portsChanged {
		if err := e.blacklist.WriteAuto(record.Address, ports); err != nil {
			return false, err
		}
		e.metrics.Artifact("written")
		logger.Info("Blacklist file created",
			zap.String("ports", ports.String()),
			zap.Strings("patterns", record.Patterns),
		)
		return true, nil
	}

	if err := e.blacklist.TouchAuto(record.Address, now); err != nil {
		return false, err
	}
	e.metrics.Artifact("touched")
	logger.Info("Blacklist file updated", zap.Strings("patterns", record.Patterns))
	return false, nil
}

// placeArtifact runs installArtifact and returns only storage failures.
// Anything else is logged and counted so the remaining addresses proceed.
func (e *Engine) placeArtifact(ctx context.Context, record *database.IncidentRecord, portsChanged bool) (bool, error) {
	wrote, err := e.installArtifact(ctx, record, portsChanged)
	if err == nil {
		return wrote, nil
	}
	if apperrors.IsType(err, apperrors.ErrorTypeStorage) {
		return false, err
	}
	e.metrics.Artifact("failed")
	e.logger.Error("Cannot install blacklist file", zap.String("address", record.Address), zap.Error(err))
	return false, nil
}

// logFrequency reports how often an address has been seen since its
// previous sighting.
func (e *Engine) logFrequency(address string, count int, previous, now int64) {
	if previous >= now {
		return
	}
	elapsed := time.Duration(now-previous) * time.Second
	if elapsed < time.Minute {
		return
	}

	fields := []zap.Field{
		zap.String("address", address),
		zap.String("count", humanize.Comma(int64(count))),
		zap.String("since", humanize.RelTime(time.Unix(previous, 0), time.Unix(now, 0), "ago", "")),
	}
	if rate := frequency(count, elapsed); rate != "" {
		fields = append(fields, zap.String("rate", rate))
	}
	e.logger.Info("Repeat offender", fields...)
}

func frequency(count int, elapsed time.Duration) string {
	switch {
	case elapsed >= day:
		days := int(elapsed / day)
		if perDay := count / days; perDay > 0 {
			return fmt.Sprintf("%d/day", perDay)
		}
	case elapsed >= time.Hour:
		hours := int(elapsed / time.Hour)
		if perHour := count / hours; perHour > 0 {
			return fmt.Sprintf("%d/hr", perHour)
		}
	}
	return ""
}
