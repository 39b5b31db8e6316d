package incident

import (
	"context"
	"errors"
	"fmt"

	"github.com/shizukutanaka/nftfence/internal/address"
	"github.com/shizukutanaka/nftfence/internal/database"
	apperrors "github.com/shizukutanaka/nftfence/internal/errors"
	"github.com/shizukutanaka/nftfence/internal/logscan"
	"github.com/shizukutanaka/nftfence/internal/portspec"
	"go.uber.org/zap"
)

// EditAction selects what Edit does.
type EditAction string

const (
	EditAdd       EditAction = "add"
	EditBlacklist EditAction = "blacklist"
	EditDelete    EditAction = "delete"
	EditRemove    EditAction = "remove"
)

// ParseEditAction validates an action name.
func ParseEditAction(s string) (EditAction, error) {
	switch a := EditAction(s); a {
	case EditAdd, EditBlacklist, EditDelete, EditRemove:
		return a, nil
	}
	return "", apperrors.ValidationError(fmt.Sprintf("unknown edit action %q", s))
}

// EditRequest is a manual change to the store and artifacts.
type EditRequest struct {
	Action    EditAction
	Addresses []string
	// Ports is a port list, "all" or "update"; empty means update for
	// existing records.
	Ports   string
	Pattern string
	Matches int
}

// Edit applies a manual change. All addresses are validated before
// anything is mutated. It returns the number of artifact files changed.
func (e *Engine) Edit(ctx context.Context, req EditRequest) (int, error) {
	if len(req.Addresses) == 0 {
		return 0, apperrors.ValidationError("no addresses given")
	}

	addrs := make([]address.Address, 0, len(req.Addresses))
	for _, s := range req.Addresses {
		addr, err := address.Parse(s, e.settings.IPv6Mask)
		if err != nil {
			return 0, apperrors.ValidationError(fmt.Sprintf("invalid address %q", s)).WithError(err)
		}
		if !e.settings.AllowLocal && !addr.IsGlobal() {
			return 0, apperrors.ValidationError(fmt.Sprintf("address %q is not global", s))
		}
		addrs = append(addrs, addr)
	}

	switch req.Action {
	case EditAdd:
		return 0, e.editStore(ctx, req, addrs)
	case EditBlacklist:
		if e.blacklist.Disabled() {
			e.logger.Info("Blacklist directory disabled, nothing done")
			return 0, nil
		}
		return e.editInstall(ctx, req, addrs)
	case EditDelete:
		return e.editDelete(ctx, addrs, true)
	case EditRemove:
		return e.editDelete(ctx, addrs, false)
	}
	return 0, apperrors.ValidationError(fmt.Sprintf("unknown edit action %q", req.Action))
}

// editResults builds match results for the request, checking that new
// addresses come with ports and a pattern.
func (e *Engine) editResults(ctx context.Context, req EditRequest, addrs []address.Address, blacklist bool) (logscan.Results, error) {
	var spec portspec.Spec
	if req.Ports != "" {
		var err error
		spec, err = portspec.Parse(req.Ports)
		if err != nil {
			return nil, apperrors.ValidationError(fmt.Sprintf("invalid ports %q", req.Ports)).WithError(err)
		}
		if spec.IsTest() {
			return nil, apperrors.ValidationError("test ports cannot be stored")
		}
	}

	matches := req.Matches
	if matches < 1 {
		matches = 1
	}

	results := make(logscan.Results, len(addrs))
	for _, addr := range addrs {
		key := addr.String()
		record, err := e.incidents.Get(ctx, key)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}

		result := &logscan.MatchResult{Ports: spec, Pattern: req.Pattern, MatchCount: matches, Incidents: 1}

		if record == nil {
			if req.Ports == "" || spec.IsUpdate() || req.Pattern == "" {
				return nil, apperrors.ValidationError(fmt.Sprintf("new address %s needs ports and a pattern", key))
			}
			if blacklist && result.MatchCount < e.settings.BlockAfter {
				result.MatchCount = e.settings.BlockAfter
			}
		} else {
			if req.Ports == "" {
				result.Ports = portspec.Update
			}
			if req.Pattern == "" && len(record.Patterns) > 0 {
				result.Pattern = record.Patterns[0]
			}
		}
		results[key] = result
	}
	return results, nil
}

func (e *Engine) editStore(ctx context.Context, req EditRequest, addrs []address.Address) error {
	results, err := e.editResults(ctx, req, addrs, false)
	if err != nil {
		return err
	}
	_, _, err = e.InstallMatches(ctx, results, false)
	return err
}

func (e *Engine) editInstall(ctx context.Context, req EditRequest, addrs []address.Address) (int, error) {
	results, err := e.editResults(ctx, req, addrs, true)
	if err != nil {
		return 0, err
	}
	installed, _, err := e.InstallMatches(ctx, results, true)
	return installed, err
}

func (e *Engine) editDelete(ctx context.Context, addrs []address.Address, dropRecord bool) (int, error) {
	changed := 0
	for _, addr := range addrs {
		key := addr.String()
		logger := e.logger.With(zap.String("address", key))

		if dropRecord {
			if err := e.incidents.Delete(ctx, key); err != nil {
				return changed, err
			}
			logger.Info("Database record deleted")
		}

		if e.blacklist.Disabled() {
			continue
		}
		removed, err := e.blacklist.RemoveAuto(key)
		if err != nil {
			return changed, err
		}
		if removed {
			e.metrics.Artifact("removed")
			logger.Info("Blacklist file removed")
			changed++
		}
	}
	return changed, nil
}
