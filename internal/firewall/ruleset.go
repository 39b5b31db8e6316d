package firewall

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shizukutanaka/nftfence/internal/address"
	"github.com/shizukutanaka/nftfence/internal/blockdir"
	"github.com/shizukutanaka/nftfence/internal/portspec"
	"go.uber.org/zap"
)

// Verdicts for each list.
const (
	acceptVerdict = "accept"
	dropVerdict   = "drop"
	rejectVerdict = "reject"
)

// Set is one nftables set: a family, a port group and its elements.
type Set struct {
	Name     string
	Family   address.Family
	Ports    portspec.Spec
	Elements []string
}

// Ruleset is the generated table.
type Ruleset struct {
	Table     string
	Whitelist []*Set
	Blacklist []*Set
}

// Elements returns the number of addresses across all sets.
func (r *Ruleset) Elements() int {
	n := 0
	for _, s := range r.Whitelist {
		n += len(s.Elements)
	}
	for _, s := range r.Blacklist {
		n += len(s.Elements)
	}
	return n
}

// BuildRuleset groups entries into sets by family and port list.
func BuildRuleset(logger *zap.Logger, table string, white, black []blockdir.Entry) *Ruleset {
	return &Ruleset{
		Table:     table,
		Whitelist: groupSets(logger, "white", white),
		Blacklist: groupSets(logger, "black", black),
	}
}

func groupSets(logger *zap.Logger, prefix string, entries []blockdir.Entry) []*Set {
	seen := make(map[string]bool, len(entries))
	sets := make(map[string]*Set)

	for _, e := range entries {
		if seen[e.Address] {
			continue
		}
		seen[e.Address] = true

		addr, err := address.Parse(e.Address, 128)
		if err != nil {
			logger.Warn("Entry ignored", zap.String("list", prefix), zap.String("address", e.Address), zap.Error(err))
			continue
		}

		ports := e.Ports
		if !ports.IsLiteral() {
			ports = portspec.All
		}
		name := setName(prefix, addr.Family(), ports)

		s, ok := sets[name]
		if !ok {
			s = &Set{Name: name, Family: addr.Family(), Ports: ports}
			sets[name] = s
		}
		s.Elements = append(s.Elements, addr.String())
	}

	out := make([]*Set, 0, len(sets))
	for _, s := range sets {
		sort.Strings(s.Elements)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func setName(prefix string, family address.Family, ports portspec.Spec) string {
	suffix := "all"
	if ports.IsLiteral() {
		parts := make([]string, 0, len(ports.Ports()))
		for _, p := range ports.Ports() {
			parts = append(parts, strconv.Itoa(p))
		}
		suffix = strings.Join(parts, "_")
	}
	return fmt.Sprintf("%s_%s_%s", prefix, family, suffix)
}

// Script renders the ruleset as an atomic nft -f script. The table is
// created, deleted and recreated so that reloading replaces it in one
// transaction.
func (r *Ruleset) Script() string {
	var b strings.Builder

	fmt.Fprintf(&b, "table inet %s\n", r.Table)
	fmt.Fprintf(&b, "delete table inet %s\n", r.Table)
	fmt.Fprintf(&b, "table inet %s {\n", r.Table)

	for _, s := range r.Whitelist {
		writeSet(&b, s)
	}
	for _, s := range r.Blacklist {
		writeSet(&b, s)
	}

	b.WriteString("\tchain input {\n")
	b.WriteString("\t\ttype filter hook input priority filter - 5; policy accept;\n")
	b.WriteString("\t\tct state established,related accept\n")
	for _, s := range r.Whitelist {
		writeRule(&b, s, acceptVerdict)
	}
	for _, s := range r.Blacklist {
		verdict := rejectVerdict
		if !s.Ports.IsLiteral() {
			verdict = dropVerdict
		}
		writeRule(&b, s, verdict)
	}
	b.WriteString("\t}\n")
	b.WriteString("}\n")

	return b.String()
}

func writeSet(b *strings.Builder, s *Set) {
	typ := "ipv4_addr"
	if s.Family == address.IPv6 {
		typ = "ipv6_addr"
	}
	fmt.Fprintf(b, "\tset %s {\n", s.Name)
	fmt.Fprintf(b, "\t\ttype %s\n", typ)
	b.WriteString("\t\tflags interval\n")
	b.WriteString("\t\tauto-merge\n")
	fmt.Fprintf(b, "\t\telements = { %s }\n", strings.Join(s.Elements, ", "))
	b.WriteString("\t}\n")
}

func writeRule(b *strings.Builder, s *Set, verdict string) {
	if !s.Ports.IsLiteral() {
		fmt.Fprintf(b, "\t\t%s saddr @%s %s\n", s.Family, s.Name, verdict)
		return
	}
	ports := make([]string, 0, len(s.Ports.Ports()))
	for _, p := range s.Ports.Ports() {
		ports = append(ports, strconv.Itoa(p))
	}
	fmt.Fprintf(b, "\t\t%s saddr @%s meta l4proto { tcp, udp } th dport { %s } %s\n",
		s.Family, s.Name, strings.Join(ports, ", "), verdict)
}
