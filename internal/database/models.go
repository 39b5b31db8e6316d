package database

import (
	"fmt"
	"strings"

	"github.com/shizukutanaka/nftfence/internal/portspec"
)

// IncidentRecord is the durable per-address incident state.
type IncidentRecord struct {
	Address    string
	Patterns   []string
	Incidents  int
	MatchCount int
	FirstSeen  int64
	LastSeen   int64
	Ports      portspec.Spec
	UseAll     bool
	Multiple   bool
	IsDNSBL    bool
}

// HasPattern reports whether name is already recorded.
func (r *IncidentRecord) HasPattern(name string) bool {
	for _, p := range r.Patterns {
		if p == name {
			return true
		}
	}
	return false
}

// AddPattern appends name unless present and reports whether it was added.
func (r *IncidentRecord) AddPattern(name string) bool {
	if name == "" || r.HasPattern(name) {
		return false
	}
	r.Patterns = append(r.Patterns, name)
	return true
}

// BlocksAll reports whether artifacts for this record block every port.
func (r *IncidentRecord) BlocksAll() bool {
	return r.UseAll || r.Ports.IsAll()
}

// Position is the saved scan position of one log file.
type Position struct {
	File      string
	Offset    int64
	Digest    string
	Timestamp int64
}

// incidentRow mirrors the blacklist table columns.
type incidentRow struct {
	ip         string
	pattern    string
	incidents  int
	matchcount int
	first      int64
	last       int64
	ports      string
	useall     int
	multiple   int
	isdnsbl    int
}

func (row incidentRow) toRecord() (*IncidentRecord, error) {
	ports, err := portspec.Parse(row.ports)
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", row.ip, err)
	}
	if ports.IsUpdate() || ports.IsTest() {
		return nil, fmt.Errorf("row %s: stored ports cannot be %s", row.ip, ports)
	}
	useall, err := intBool("useall", row.useall)
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", row.ip, err)
	}
	multiple, err := intBool("multiple", row.multiple)
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", row.ip, err)
	}
	isdnsbl, err := intBool("isdnsbl", row.isdnsbl)
	if err != nil {
		return nil, fmt.Errorf("row %s: %w", row.ip, err)
	}
	if row.first > row.last {
		return nil, fmt.Errorf("row %s: first seen after last seen", row.ip)
	}

	var patterns []string
	for _, p := range strings.Split(row.pattern, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}

	return &IncidentRecord{
		Address:    row.ip,
		Patterns:   patterns,
		Incidents:  row.incidents,
		MatchCount: row.matchcount,
		FirstSeen:  row.first,
		LastSeen:   row.last,
		Ports:      ports,
		UseAll:     useall,
		Multiple:   multiple,
		IsDNSBL:    isdnsbl,
	}, nil
}

func fromRecord(r *IncidentRecord) incidentRow {
	return incidentRow{
		ip:         r.Address,
		pattern:    strings.Join(r.Patterns, ","),
		incidents:  r.Incidents,
		matchcount: r.MatchCount,
		first:      r.FirstSeen,
		last:       r.LastSeen,
		ports:      r.Ports.String(),
		useall:     boolInt(r.UseAll),
		multiple:   boolInt(r.Multiple),
		isdnsbl:    boolInt(r.IsDNSBL),
	}
}

func intBool(column string, v int) (bool, error) {
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("invalid %s value %d", column, v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
