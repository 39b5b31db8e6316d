// Package portspec models the ports attached to a pattern match or an
// incident record: a sorted list of port numbers, or one of the literals
// all, update and test.
package portspec

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Kind distinguishes numeric lists from the literal specs.
type Kind int

const (
	KindList Kind = iota
	KindAll
	KindUpdate
	KindTest
)

var validRe = regexp.MustCompile(`^(all|update|test|\d+(\s*,\s*\d+)*)$`)

// Spec is an immutable port specification. The zero value is an empty list.
type Spec struct {
	kind  Kind
	ports []int
}

var (
	All    = Spec{kind: KindAll}
	Update = Spec{kind: KindUpdate}
	Test   = Spec{kind: KindTest}
)

// Parse reads a spec from its textual form. An empty string means all.
func Parse(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return All, nil
	}
	if !validRe.MatchString(s) {
		return Spec{}, fmt.Errorf("invalid port specification %q", s)
	}
	switch s {
	case "all":
		return All, nil
	case "update":
		return Update, nil
	case "test":
		return Test, nil
	}
	parts := strings.Split(s, ",")
	ports := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 1 || n > 65535 {
			return Spec{}, fmt.Errorf("invalid port %q", strings.TrimSpace(p))
		}
		ports = append(ports, n)
	}
	return FromPorts(ports), nil
}

// MustParse is Parse for constant inputs.
func MustParse(s string) Spec {
	spec, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return spec
}

// FromPorts builds a list spec, sorting and removing duplicates.
func FromPorts(ports []int) Spec {
	seen := make(map[int]struct{}, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Ints(out)
	return Spec{kind: KindList, ports: out}
}

func (s Spec) Kind() Kind { return s.kind }

func (s Spec) IsAll() bool    { return s.kind == KindAll }
func (s Spec) IsUpdate() bool { return s.kind == KindUpdate }
func (s Spec) IsTest() bool   { return s.kind == KindTest }

// IsLiteral reports whether s is all, update or test.
func (s Spec) IsLiteral() bool {
	return s.kind != KindList
}

// Ports returns a copy of the numeric ports (nil for literals).
func (s Spec) Ports() []int {
	if s.kind != KindList {
		return nil
	}
	out := make([]int, len(s.ports))
	copy(out, s.ports)
	return out
}

// String renders the stored form: a literal or comma-joined ports.
func (s Spec) String() string {
	switch s.kind {
	case KindAll:
		return "all"
	case KindUpdate:
		return "update"
	case KindTest:
		return "test"
	}
	parts := make([]string, len(s.ports))
	for i, p := range s.ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// Lines renders artifact file content: one port per line, or "all".
func (s Spec) Lines() []string {
	if s.kind != KindList || len(s.ports) == 0 {
		return []string{"all"}
	}
	lines := make([]string, len(s.ports))
	for i, p := range s.ports {
		lines[i] = strconv.Itoa(p)
	}
	return lines
}

// Equal compares kind and ports.
func (s Spec) Equal(o Spec) bool {
	if s.kind != o.kind || len(s.ports) != len(o.ports) {
		return false
	}
	for i := range s.ports {
		if s.ports[i] != o.ports[i] {
			return false
		}
	}
	return true
}

// Merge combines two specs seen for the same address within a scan.
// A literal is sticky: once either side is a literal the first literal is
// kept, otherwise the numeric sets are unioned.
func (s Spec) Merge(o Spec) Spec {
	if s.IsLiteral() {
		return s
	}
	if o.IsLiteral() {
		return o
	}
	return s.Union(o)
}

// Union returns the sorted union of two numeric lists.
func (s Spec) Union(o Spec) Spec {
	ports := make([]int, 0, len(s.ports)+len(o.ports))
	ports = append(ports, s.ports...)
	ports = append(ports, o.ports...)
	return FromPorts(ports)
}
