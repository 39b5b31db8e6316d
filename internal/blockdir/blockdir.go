// Package blockdir manages the blacklist.d and whitelist.d directories.
//
// Each file is named after an address with "/" written as "|". Files
// with a ".auto" suffix are owned by the engine; files without it belong
// to the administrator and are never created, touched or removed here.
// Content is one port per line, or "all".
package blockdir

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shizukutanaka/nftfence/internal/portspec"
	"go.uber.org/zap"
)

// AutoSuffix marks engine-managed files.
const AutoSuffix = ".auto"

// DisabledFile, when present, stops the engine writing to the directory.
const DisabledFile = "disabled"

var nameRe = regexp.MustCompile(`(?i)^([0-9a-f.:]*?)(\|[0-9]{1,3})?(?:\.auto)?$`)

// Entry is one file in the directory.
type Entry struct {
	Address string
	Auto    bool
	Ports   portspec.Spec
	ModTime time.Time
}

// Dir is a block directory.
type Dir struct {
	logger *zap.Logger
	path   string
	uid    int
	gid    int
}

// Option configures a Dir.
type Option func(*Dir) error

// WithOwner chowns created files to the named user and group.
func WithOwner(owner, group string) Option {
	return func(d *Dir) error {
		if owner != "" {
			u, err := user.Lookup(owner)
			if err != nil {
				return fmt.Errorf("unknown owner %s: %w", owner, err)
			}
			d.uid, _ = strconv.Atoi(u.Uid)
		}
		if group != "" {
			g, err := user.LookupGroup(group)
			if err != nil {
				return fmt.Errorf("unknown group %s: %w", group, err)
			}
			d.gid, _ = strconv.Atoi(g.Gid)
		}
		return nil
	}
}

// New returns a Dir rooted at path.
func New(logger *zap.Logger, path string, opts ...Option) (*Dir, error) {
	d := &Dir{
		logger: logger.Named("blockdir").With(zap.String("dir", filepath.Base(path))),
		path:   path,
		uid:    -1,
		gid:    -1,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

// FileName converts an address to its base file name.
func FileName(address string) string {
	return strings.ReplaceAll(address, "/", "|")
}

// AddrFromName converts a file name back to an address and reports
// whether it is an auto file. ok is false for names that are not
// addresses.
func AddrFromName(name string) (address string, auto bool, ok bool) {
	m := nameRe.FindStringSubmatch(name)
	if m == nil || m[1] == "" {
		return "", false, false
	}
	address = m[1]
	if m[2] != "" {
		address += "/" + m[2][1:]
	}
	return address, strings.HasSuffix(name, AutoSuffix), true
}

func (d *Dir) userPath(address string) string {
	return filepath.Join(d.path, FileName(address))
}

func (d *Dir) autoPath(address string) string {
	return filepath.Join(d.path, FileName(address)+AutoSuffix)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Disabled reports whether the disabled marker exists.
func (d *Dir) Disabled() bool {
	return exists(filepath.Join(d.path, DisabledFile))
}

// UserExists reports whether an administrator file exists for address.
func (d *Dir) UserExists(address string) bool {
	return exists(d.userPath(address))
}

// AutoExists reports whether an engine file exists for address.
func (d *Dir) AutoExists(address string) bool {
	return exists(d.autoPath(address))
}

// Exists reports whether any file exists for address.
func (d *Dir) Exists(address string) bool {
	return d.UserExists(address) || d.AutoExists(address)
}

// WriteAuto writes the auto file for address with the given ports.
func (d *Dir) WriteAuto(address string, ports portspec.Spec) error {
	path := d.autoPath(address)
	content := strings.Join(ports.Lines(), "\n") + "\n"

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	d.chown(path)

	d.logger.Debug("Auto file written", zap.String("address", address), zap.String("ports", ports.String()))
	return nil
}

// TouchAuto updates the mtime of an existing auto file.
func (d *Dir) TouchAuto(address string, at time.Time) error {
	if err := os.Chtimes(d.autoPath(address), at, at); err != nil {
		return fmt.Errorf("failed to touch auto file for %s: %w", address, err)
	}
	return nil
}

// RemoveAuto deletes the auto file. It reports whether a file was removed.
func (d *Dir) RemoveAuto(address string) (bool, error) {
	err := os.Remove(d.autoPath(address))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to remove auto file for %s: %w", address, err)
}

func (d *Dir) chown(path string) {
	if d.uid < 0 && d.gid < 0 {
		return
	}
	if err := os.Chown(path, d.uid, d.gid); err != nil {
		d.logger.Warn("Failed to set owner", zap.String("path", path), zap.Error(err))
	}
}

// scan lists every address file regardless of the disabled marker.
func (d *Dir) scan() ([]Entry, error) {
	des, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d.path, err)
	}

	var entries []Entry
	for _, de := range des {
		if !de.Type().IsRegular() {
			continue
		}
		address, auto, ok := AddrFromName(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Address: address,
			Auto:    auto,
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Address != entries[j].Address {
			return entries[i].Address < entries[j].Address
		}
		return !entries[i].Auto && entries[j].Auto
	})
	return entries, nil
}

// Entries reads every file with its ports. A disabled directory is empty.
func (d *Dir) Entries() ([]Entry, error) {
	if d.Disabled() {
		return nil, nil
	}
	entries, err := d.scan()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		name := FileName(entries[i].Address)
		if entries[i].Auto {
			name += AutoSuffix
		}
		data, err := os.ReadFile(filepath.Join(d.path, name))
		if err != nil {
			d.logger.Warn("Unreadable entry", zap.String("file", name), zap.Error(err))
			data = nil
		}
		entries[i].Ports = ParseContent(string(data))
	}
	return entries, nil
}

// Live returns the set of addresses with a user or auto file. It ignores
// the disabled marker so that cleanup never removes records for files
// that still exist.
func (d *Dir) Live() (map[string]bool, error) {
	entries, err := d.scan()
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(entries))
	for _, e := range entries {
		live[e.Address] = true
	}
	return live, nil
}

// ExpireAuto removes auto files last modified before the cutoff and
// returns the removed addresses.
func (d *Dir) ExpireAuto(before time.Time) ([]string, error) {
	entries, err := d.scan()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if !e.Auto || !e.ModTime.Before(before) {
			continue
		}
		ok, err := d.RemoveAuto(e.Address)
		if err != nil {
			return removed, err
		}
		if ok {
			d.logger.Info("Expired", zap.String("address", e.Address))
			removed = append(removed, e.Address)
		}
	}
	return removed, nil
}

// ParseContent reads a port list file body. Anything mentioning "all",
// or containing no numeric lines, means all ports.
func ParseContent(content string) portspec.Spec {
	if strings.Contains(strings.ToLower(content), "all") {
		return portspec.All
	}
	var ports []int
	for _, field := range strings.FieldsFunc(content, func(r rune) bool {
		return r == '\n' || r == ','
	}) {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || n < 1 || n > 65535 {
			continue
		}
		ports = append(ports, n)
	}
	if len(ports) == 0 {
		return portspec.All
	}
	return portspec.FromPorts(ports)
}
