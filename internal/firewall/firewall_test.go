package firewall

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shizukutanaka/nftfence/internal/blockdir"
	"github.com/shizukutanaka/nftfence/internal/portspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type call struct {
	args  []string
	stdin string
}

type fakeRunner struct {
	calls  []call
	output []byte
	fail   map[string]error
}

func (r *fakeRunner) Run(_ context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	c := call{args: args}
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		c.stdin = string(data)
	}
	r.calls = append(r.calls, c)
	if err := r.fail[strings.Join(args, " ")]; err != nil {
		return nil, err
	}
	return r.output, nil
}

type fixture struct {
	root   string
	black  string
	white  string
	runner *fakeRunner
	fw     *Firewall
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	root := t.TempDir()
	black := filepath.Join(root, "blacklist.d")
	white := filepath.Join(root, "whitelist.d")
	require.NoError(t, os.Mkdir(black, 0755))
	require.NoError(t, os.Mkdir(white, 0755))

	bd, err := blockdir.New(logger, black)
	require.NoError(t, err)
	wd, err := blockdir.New(logger, white)
	require.NoError(t, err)

	runner := &fakeRunner{fail: map[string]error{}}
	return &fixture{
		root:   root,
		black:  black,
		white:  white,
		runner: runner,
		fw: New(logger, runner, Options{
			Table:      "nftfence",
			BackupPath: filepath.Join(root, "var", "backup.nft.zst"),
			StatePath:  filepath.Join(root, "var", "ruleset.nft"),
		}, bd, wd),
	}
}

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestBuildRulesetGroupsByPorts(t *testing.T) {
	entries := []blockdir.Entry{
		{Address: "198.51.100.7", Ports: portspec.MustParse("22")},
		{Address: "198.51.100.8", Ports: portspec.MustParse("22")},
		{Address: "198.51.100.9", Ports: portspec.MustParse("25,465")},
		{Address: "203.0.113.0/24", Ports: portspec.All},
		{Address: "2001:db8::/112", Ports: portspec.MustParse("22")},
		{Address: "198.51.100.7", Auto: true, Ports: portspec.All},
		{Address: "bogus", Ports: portspec.All},
	}

	rs := BuildRuleset(zaptest.NewLogger(t), "nftfence", nil, entries)
	require.Len(t, rs.Blacklist, 4)
	assert.Equal(t, 5, rs.Elements())

	names := make([]string, len(rs.Blacklist))
	for i, s := range rs.Blacklist {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"black_ip6_22", "black_ip_22", "black_ip_25_465", "black_ip_all"}, names)
	assert.Equal(t, []string{"198.51.100.7", "198.51.100.8"}, rs.Blacklist[1].Elements)

	script := rs.Script()
	assert.True(t, strings.HasPrefix(script, "table inet nftfence\ndelete table inet nftfence\n"))
	assert.Contains(t, script, "ip saddr @black_ip_22 meta l4proto { tcp, udp } th dport { 22 } reject")
	assert.Contains(t, script, "ip saddr @black_ip_all drop")
	assert.Contains(t, script, "type ipv6_addr")
	assert.Contains(t, script, "elements = { 198.51.100.9 }")
}

func TestWhitelistRulesComeFirst(t *testing.T) {
	rs := BuildRuleset(zaptest.NewLogger(t), "t",
		[]blockdir.Entry{{Address: "192.0.2.1", Ports: portspec.All}},
		[]blockdir.Entry{{Address: "192.0.2.0/24", Ports: portspec.All}},
	)
	script := rs.Script()
	accept := strings.Index(script, "@white_ip_all accept")
	drop := strings.Index(script, "@black_ip_all drop")
	require.True(t, accept > 0 && drop > 0)
	assert.Less(t, accept, drop)
}

func TestLoad(t *testing.T) {
	f := newFixture(t)
	write(t, f.black, "198.51.100.7.auto", "22\n")
	write(t, f.black, "203.0.113.0|24", "")
	write(t, f.white, "192.0.2.1", "")

	installed, err := f.fw.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, installed)

	require.Len(t, f.runner.calls, 2)
	assert.Equal(t, []string{"-c", "-f", "-"}, f.runner.calls[0].args)
	assert.Equal(t, []string{"-f", "-"}, f.runner.calls[1].args)
	assert.Contains(t, f.runner.calls[1].stdin, "198.51.100.7")
	assert.Contains(t, f.runner.calls[1].stdin, "203.0.113.0/24")
	assert.Contains(t, f.runner.calls[1].stdin, "@white_ip_all accept")

	t.Run("unchanged ruleset is skipped", func(t *testing.T) {
		installed, err := f.fw.Load(context.Background())
		require.NoError(t, err)
		assert.False(t, installed)
		assert.Len(t, f.runner.calls, 2)
	})

	t.Run("check failure installs nothing", func(t *testing.T) {
		write(t, f.black, "198.51.100.8.auto", "all\n")
		f.runner.fail["-c -f -"] = errors.New("syntax error")

		_, err := f.fw.Load(context.Background())
		require.Error(t, err)
		assert.Len(t, f.runner.calls, 3)
	})
}

func TestDisabledBlacklistLoadsEmpty(t *testing.T) {
	f := newFixture(t)
	write(t, f.black, "198.51.100.7.auto", "22\n")
	write(t, f.black, blockdir.DisabledFile, "")

	rs, err := f.fw.Build()
	require.NoError(t, err)
	assert.Empty(t, rs.Blacklist)
}

func TestSaveRestoreClean(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ruleset := "table inet filter {\n\tchain input {\n\t}\n}\n"
	f.runner.output = []byte(ruleset)

	require.NoError(t, f.fw.Save(ctx))
	assert.Equal(t, []string{"list", "ruleset"}, f.runner.calls[0].args)
	assert.FileExists(t, f.fw.opts.BackupPath)

	raw, err := os.ReadFile(f.fw.opts.BackupPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "chain input")

	require.NoError(t, f.fw.Restore(ctx))
	last := f.runner.calls[len(f.runner.calls)-1]
	assert.Equal(t, []string{"-f", "-"}, last.args)
	assert.Equal(t, "flush ruleset\n"+ruleset, last.stdin)

	removed, err := f.fw.Clean()
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoFileExists(t, f.fw.opts.BackupPath)

	removed, err = f.fw.Clean()
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Error(t, f.fw.Restore(ctx))
}

func TestSaveListFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.fail["list ruleset"] = errors.New("permission denied")

	require.Error(t, f.fw.Save(context.Background()))
	assert.NoFileExists(t, f.fw.opts.BackupPath)
}
