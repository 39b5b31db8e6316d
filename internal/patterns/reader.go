// Package patterns reads *.patterns files into a catalog of log files and
// the ordered rules to apply to each of them.
package patterns

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shizukutanaka/nftfence/internal/portspec"
	"go.uber.org/zap"
)

// Placeholder is replaced in every pattern line by AddressExpr.
const Placeholder = "__IP__"

// AddressExpr captures an IPv4 or IPv6 address with an optional prefix
// length, skipping any IPv4-mapped IPv6 prefix.
const AddressExpr = `(?:::ffff:)?([0-9a-fA-F:\.]+(?:/[0-9]+)?)`

const defaultCacheSize = 256

var commandRe = regexp.MustCompile(`^([a-z]*)\s*=\s*([^#]*)`)

// Rule is one parsed pattern file.
type Rule struct {
	Name    string
	Ports   portspec.Spec
	File    string
	Regexps []*regexp.Regexp
}

// Catalog maps each existing log file to the rules that apply to it.
type Catalog struct {
	Files []string
	Rules map[string][]*Rule

	// Selected is the single pattern requested, if any.
	Selected string
	// SelectedFound is set when Selected names a readable pattern file.
	SelectedFound bool
	// SelectedIsTest is set when the selected pattern has ports = test.
	SelectedIsTest bool
}

// Empty reports whether there is nothing to scan.
func (c *Catalog) Empty() bool {
	return len(c.Files) == 0
}

type cachedRule struct {
	modTime time.Time
	size    int64
	rule    *Rule
}

// Reader loads pattern files from a directory. Parsed files are cached
// and reused while their mtime and size are unchanged.
type Reader struct {
	logger *zap.Logger
	dir    string
	cache  *lru.Cache[string, cachedRule]
}

// NewReader creates a Reader for dir.
func NewReader(logger *zap.Logger, dir string) (*Reader, error) {
	cache, err := lru.New[string, cachedRule](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create pattern cache: %w", err)
	}
	return &Reader{
		logger: logger.Named("patterns"),
		dir:    dir,
		cache:  cache,
	}, nil
}

// Load builds the catalog. With selected empty every non-test pattern is
// used; otherwise only the pattern of that name is used.
func (r *Reader) Load(selected string) (*Catalog, error) {
	paths, err := filepath.Glob(filepath.Join(r.dir, "*.patterns"))
	if err != nil {
		return nil, fmt.Errorf("failed to list pattern files: %w", err)
	}
	sort.Strings(paths)

	catalog := &Catalog{
		Rules:    make(map[string][]*Rule),
		Selected: selected,
	}

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".patterns")
		if selected != "" && name != selected {
			continue
		}

		rule, err := r.readRule(path, name)
		if err != nil {
			r.logger.Error("Pattern file ignored", zap.String("pattern", name), zap.Error(err))
			continue
		}
		if rule == nil {
			continue
		}

		if selected != "" {
			catalog.SelectedFound = true
			catalog.SelectedIsTest = rule.Ports.IsTest()
		} else if rule.Ports.IsTest() {
			continue
		}

		for _, file := range r.expandFiles(rule.File) {
			if _, ok := catalog.Rules[file]; !ok {
				catalog.Files = append(catalog.Files, file)
			}
			catalog.Rules[file] = append(catalog.Rules[file], rule)
		}
	}

	sort.Strings(catalog.Files)
	return catalog, nil
}

func (r *Reader) readRule(path, name string) (*Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil
	}

	if cached, ok := r.cache.Get(path); ok &&
		cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.rule, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	rule, err := Parse(r.logger, name, string(data))
	if err != nil {
		return nil, err
	}

	r.cache.Add(path, cachedRule{modTime: info.ModTime(), size: info.Size(), rule: rule})
	return rule, nil
}

// Parse reads the contents of one pattern file. Bad regex lines are logged
// and skipped; a file without a usable file statement, valid ports or any
// regex is an error.
func Parse(logger *zap.Logger, name, contents string) (*Rule, error) {
	var (
		file     string
		ports    string
		hasPorts bool
		regexps  []*regexp.Regexp
	)

	scanner := bufio.NewScanner(strings.NewReader(contents))
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		if m := commandRe.FindStringSubmatch(line); m != nil {
			value := strings.TrimSpace(m[2])
			switch m[1] {
			case "file":
				if file == "" {
					file = value
				} else {
					logger.Info("Repeated file statement", zap.String("pattern", name), zap.Int("line", lineno))
				}
			case "ports":
				if !hasPorts {
					ports, hasPorts = value, true
				} else {
					logger.Info("Repeated ports statement", zap.String("pattern", name), zap.Int("line", lineno))
				}
			default:
				logger.Error("Unknown command in pattern", zap.String("pattern", name), zap.Int("line", lineno))
			}
			continue
		}

		if !strings.Contains(line, Placeholder) {
			logger.Error("Pattern line has no "+Placeholder+", ignored",
				zap.String("pattern", name), zap.Int("line", lineno))
			continue
		}

		re, err := regexp.Compile("(?i)" + strings.Replace(line, Placeholder, AddressExpr, 1))
		if err != nil {
			logger.Error("Invalid regex in pattern, ignored",
				zap.String("pattern", name), zap.Int("line", lineno), zap.Error(err))
			continue
		}
		if re.NumSubexp() != 1 {
			logger.Error("Extra capture groups in pattern, ignored; escape ( and )",
				zap.String("pattern", name), zap.Int("line", lineno))
			continue
		}
		regexps = append(regexps, re)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pattern %s: %w", name, err)
	}

	if file == "" {
		return nil, fmt.Errorf("pattern %s: missing file = statement", name)
	}
	if !filepath.IsAbs(file) {
		return nil, fmt.Errorf("pattern %s: file = must be a full path", name)
	}

	spec := portspec.All
	if hasPorts {
		var err error
		if spec, err = portspec.Parse(ports); err != nil || ports == "" {
			return nil, fmt.Errorf("pattern %s: ports must be all, test, update or a comma separated list", name)
		}
	}

	if len(regexps) == 0 {
		return nil, fmt.Errorf("pattern %s: no usable expressions", name)
	}

	return &Rule{
		Name:    name,
		Ports:   spec,
		File:    file,
		Regexps: regexps,
	}, nil
}

// expandFiles resolves globs and symlinks, keeping non-empty regular files.
func (r *Reader) expandFiles(pattern string) []string {
	candidates := []string{pattern}
	if strings.ContainsAny(pattern, "*?[") {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			r.logger.Error("Bad file glob", zap.String("glob", pattern), zap.Error(err))
			return nil
		}
		candidates = matches
	}

	seen := make(map[string]bool)
	var files []string
	for _, candidate := range candidates {
		real, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			continue
		}
		if seen[real] {
			continue
		}
		info, err := os.Stat(real)
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			continue
		}
		seen[real] = true
		files = append(files, real)
	}
	return files
}
