package address

import (
	"go.uber.org/zap"
)

// Whitelist holds the addresses found in whitelist.d.
type Whitelist struct {
	entries  map[Family][]Address
	havenets map[Family]bool
}

// NewWhitelist parses entries (address strings from whitelist file names).
// Unparseable entries are logged and skipped.
func NewWhitelist(logger *zap.Logger, entries []string, ipv6Mask int) *Whitelist {
	w := &Whitelist{
		entries:  make(map[Family][]Address),
		havenets: make(map[Family]bool),
	}
	seen := make(map[string]bool)
	for _, entry := range entries {
		addr, err := Parse(entry, ipv6Mask)
		if err != nil {
			logger.Error("Bad whitelist entry", zap.String("entry", entry), zap.Error(err))
			continue
		}
		if seen[addr.String()] {
			continue
		}
		seen[addr.String()] = true
		family := addr.Family()
		w.entries[family] = append(w.entries[family], addr)
		if addr.IsNetwork() {
			w.havenets[family] = true
		}
	}
	return w
}

// Len returns the number of distinct entries.
func (w *Whitelist) Len() int {
	return len(w.entries[IPv4]) + len(w.entries[IPv6])
}

// IsWhitelisted reports whether addr equals an entry or lies inside a
// whitelisted network.
func (w *Whitelist) IsWhitelisted(family Family, addr Address) bool {
	list := w.entries[family]
	for _, entry := range list {
		if entry == addr {
			return true
		}
	}
	if !w.havenets[family] {
		return false
	}
	for _, entry := range list {
		if entry.IsNetwork() && entry.Contains(addr) {
			return true
		}
	}
	return false
}
