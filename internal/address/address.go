// Package address normalises addresses extracted from logs and answers
// whitelist membership.
package address

import (
	"fmt"
	"net/netip"
	"strings"

	"go.uber.org/zap"
)

// Family is "ip" for IPv4 and "ip6" for IPv6, matching nftables names.
type Family string

const (
	IPv4 Family = "ip"
	IPv6 Family = "ip6"
)

// Address is a normalised address: a host or a network.
type Address struct {
	prefix netip.Prefix
	isNet  bool
}

// Family returns the protocol family.
func (a Address) Family() Family {
	if a.prefix.Addr().Is4() {
		return IPv4
	}
	return IPv6
}

// Prefix returns the address as a masked prefix (hosts are /32 or /128).
func (a Address) Prefix() netip.Prefix {
	return a.prefix
}

// IsNetwork reports whether the address was given or widened as a network.
func (a Address) IsNetwork() bool {
	return a.isNet
}

// String is the canonical form: a bare host, or network/bits.
func (a Address) String() string {
	if !a.isNet {
		return a.prefix.Addr().String()
	}
	return a.prefix.String()
}

// Contains reports whether other lies inside a (or equals it).
func (a Address) Contains(other Address) bool {
	if a.Family() != other.Family() {
		return false
	}
	if !a.isNet {
		return !other.isNet && a.prefix.Addr() == other.prefix.Addr()
	}
	return a.prefix.Bits() <= other.prefix.Bits() && a.prefix.Contains(other.prefix.Addr())
}

// Parse converts s into an Address. IPv6 hosts are widened to ipv6Mask
// bits; explicit prefixes are masked. IPv4-mapped IPv6 becomes IPv4.
func Parse(s string, ipv6Mask int) (Address, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Address{}, fmt.Errorf("invalid network %q: %w", s, err)
		}
		addr := p.Addr()
		bits := p.Bits()
		if addr.Is4In6() {
			if bits < 96 {
				return Address{}, fmt.Errorf("invalid mapped network %q", s)
			}
			addr = addr.Unmap()
			bits -= 96
		}
		return Address{prefix: netip.PrefixFrom(addr, bits).Masked(), isNet: true}, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if addr.Zone() != "" {
		return Address{}, fmt.Errorf("invalid address %q: zone not allowed", s)
	}
	addr = addr.Unmap()
	if addr.Is6() {
		p, err := addr.Prefix(ipv6Mask)
		if err != nil {
			return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
		}
		return Address{prefix: p, isNet: true}, nil
	}
	return Address{prefix: netip.PrefixFrom(addr, 32)}, nil
}

// FromAddr wraps a single host address.
func FromAddr(addr netip.Addr) Address {
	addr = addr.Unmap().WithZone("")
	return Address{prefix: netip.PrefixFrom(addr, addr.BitLen())}
}

var nonGlobal = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001::/23"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsGlobal reports whether every address in a is publicly routable.
func (a Address) IsGlobal() bool {
	addr := a.prefix.Addr()
	if !addr.IsGlobalUnicast() || addr.IsPrivate() {
		return false
	}
	for _, n := range nonGlobal {
		if n.Overlaps(a.prefix) {
			return false
		}
	}
	return true
}

// Checker answers whitelist membership.
type Checker interface {
	IsWhitelisted(family Family, addr Address) bool
}

// Normalizer turns raw scanned strings into canonical addresses,
// dropping invalid, local and whitelisted ones.
type Normalizer struct {
	logger     *zap.Logger
	ipv6Mask   int
	allowLocal bool
	whitelist  Checker
}

// NewNormalizer creates a Normalizer. whitelist may be nil.
func NewNormalizer(logger *zap.Logger, ipv6Mask int, allowLocal bool, whitelist Checker) *Normalizer {
	return &Normalizer{
		logger:     logger.Named("address"),
		ipv6Mask:   ipv6Mask,
		allowLocal: allowLocal,
		whitelist:  whitelist,
	}
}

// Parse parses s without the global and whitelist checks.
func (n *Normalizer) Parse(s string) (Address, error) {
	return Parse(s, n.ipv6Mask)
}

// Normalize returns the canonical address and true, or false when the
// address must be ignored.
func (n *Normalizer) Normalize(s string) (Address, bool) {
	addr, err := Parse(s, n.ipv6Mask)
	if err != nil {
		n.logger.Error("Problem converting address", zap.String("address", s), zap.Error(err))
		return Address{}, false
	}
	if !n.allowLocal && !addr.IsGlobal() {
		n.logger.Info("Local address ignored", zap.String("address", addr.String()))
		return Address{}, false
	}
	if n.whitelist != nil && n.whitelist.IsWhitelisted(addr.Family(), addr) {
		n.logger.Info("Whitelisted address ignored", zap.String("address", addr.String()))
		return Address{}, false
	}
	return addr, true
}
