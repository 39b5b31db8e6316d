package logscan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shizukutanaka/nftfence/internal/database"
	apperrors "github.com/shizukutanaka/nftfence/internal/errors"
	"github.com/shizukutanaka/nftfence/internal/patterns"
	"github.com/shizukutanaka/nftfence/internal/portspec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memPositions struct {
	data   map[string]database.Position
	getErr error
	setErr error
}

func newMemPositions() *memPositions {
	return &memPositions{data: make(map[string]database.Position)}
}

func (m *memPositions) Get(_ context.Context, file string) (*database.Position, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	pos, ok := m.data[file]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &pos, nil
}

func (m *memPositions) Set(_ context.Context, pos *database.Position) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.data[pos.File] = *pos
	return nil
}

func rule(t *testing.T, name, ports string, lines ...string) *patterns.Rule {
	t.Helper()
	content := "file = /var/log/test.log\nports = " + ports + "\n"
	for _, l := range lines {
		content += l + "\n"
	}
	r, err := patterns.Parse(zaptest.NewLogger(t), name, content)
	require.NoError(t, err)
	return r
}

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// scanCommit scans path and stores the position reached.
func scanCommit(ctx context.Context, s *Scanner, path string, rules []*patterns.Rule) (Results, error) {
	res, pos, err := s.ScanFile(ctx, path, rules, Options{UpdatePosition: true})
	if err != nil {
		return nil, err
	}
	if pos != nil {
		if err := s.Commit(ctx, []*database.Position{pos}); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func TestScanFileResume(t *testing.T) {
	ctx := context.Background()
	positions := newMemPositions()
	scanner := NewScanner(zaptest.NewLogger(t), positions, nil)
	rules := []*patterns.Rule{rule(t, "sshd", "22", "Failed password from __IP__ port")}
	path := filepath.Join(t.TempDir(), "auth.log")

	writeLog(t, path, "boot\nFailed password from 198.51.100.7 port 1\nFailed password from 198.51.100.7 port 2\n")

	res, err := scanCommit(ctx, scanner, path, rules)
	require.NoError(t, err)
	require.Contains(t, res, "198.51.100.7")
	assert.Equal(t, 2, res["198.51.100.7"].MatchCount)
	assert.Equal(t, "sshd", res["198.51.100.7"].Pattern)
	assert.Equal(t, "22", res["198.51.100.7"].Ports.String())

	info, _ := os.Stat(path)
	assert.Equal(t, info.Size(), positions.data[path].Offset)

	t.Run("unchanged file yields nothing", func(t *testing.T) {
		res, err := scanCommit(ctx, scanner, path, rules)
		require.NoError(t, err)
		assert.Empty(t, res)
	})

	t.Run("appended lines only", func(t *testing.T) {
		appendLog(t, path, "Failed password from 203.0.113.9 port 3\n")
		res, err := scanCommit(ctx, scanner, path, rules)
		require.NoError(t, err)
		assert.Len(t, res, 1)
		assert.Equal(t, 1, res["203.0.113.9"].MatchCount)
	})

	t.Run("partial trailing line deferred", func(t *testing.T) {
		appendLog(t, path, "Failed password from 192.0.2.44 port")
		res, err := scanCommit(ctx, scanner, path, rules)
		require.NoError(t, err)
		assert.Empty(t, res)

		appendLog(t, path, " 4\n")
		res, err = scanCommit(ctx, scanner, path, rules)
		require.NoError(t, err)
		require.Contains(t, res, "192.0.2.44")
		assert.Equal(t, 1, res["192.0.2.44"].MatchCount)
	})

	t.Run("rotation restarts from zero", func(t *testing.T) {
		writeLog(t, path, "new boot\nFailed password from 198.51.100.7 port 9\n")
		res, err := scanCommit(ctx, scanner, path, rules)
		require.NoError(t, err)
		assert.Equal(t, 1, res["198.51.100.7"].MatchCount)
	})
}

func TestScanFileTruncatedSameFirstLine(t *testing.T) {
	ctx := context.Background()
	positions := newMemPositions()
	scanner := NewScanner(zaptest.NewLogger(t), positions, nil)
	rules := []*patterns.Rule{rule(t, "sshd", "22", "from __IP__")}
	path := filepath.Join(t.TempDir(), "auth.log")

	writeLog(t, path, "header\nfrom 198.51.100.1\nfrom 198.51.100.2\n")
	_, err := scanCommit(ctx, scanner, path, rules)
	require.NoError(t, err)

	// same first line, shorter file: offset is clamped to the new size
	writeLog(t, path, "header\n")
	res, err := scanCommit(ctx, scanner, path, rules)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, int64(len("header\n")), positions.data[path].Offset)

	appendLog(t, path, "from 198.51.100.3\n")
	res, err = scanCommit(ctx, scanner, path, rules)
	require.NoError(t, err)
	assert.Contains(t, res, "198.51.100.3")
}

func TestFirstRuleWins(t *testing.T) {
	scanner := NewScanner(zaptest.NewLogger(t), newMemPositions(), nil)
	rules := []*patterns.Rule{
		rule(t, "specific", "25", "postfix reject from __IP__"),
		rule(t, "generic", "all", "from __IP__"),
	}
	path := filepath.Join(t.TempDir(), "mail.log")
	writeLog(t, path, "postfix reject from 198.51.100.5\nother from 198.51.100.6\npostfix reject from 198.51.100.6\n")

	res, _, err := scanner.ScanFile(context.Background(), path, rules, Options{})
	require.NoError(t, err)

	assert.Equal(t, "specific", res["198.51.100.5"].Pattern)
	assert.Equal(t, "25", res["198.51.100.5"].Ports.String())

	// first matching rule name kept; literal all is sticky
	assert.Equal(t, "generic", res["198.51.100.6"].Pattern)
	assert.Equal(t, 2, res["198.51.100.6"].MatchCount)
	assert.True(t, res["198.51.100.6"].Ports.IsAll())
}

func TestPortsUnionWithinFile(t *testing.T) {
	scanner := NewScanner(zaptest.NewLogger(t), newMemPositions(), nil)
	rules := []*patterns.Rule{
		rule(t, "smtp", "25", "smtp from __IP__"),
		rule(t, "imap", "143,993", "imap from __IP__"),
	}
	path := filepath.Join(t.TempDir(), "mail.log")
	writeLog(t, path, "smtp from 198.51.100.5\nimap from 198.51.100.5\n")

	res, _, err := scanner.ScanFile(context.Background(), path, rules, Options{})
	require.NoError(t, err)
	assert.Equal(t, "25,143,993", res["198.51.100.5"].Ports.String())
}

func TestMissingAndEmptyFiles(t *testing.T) {
	positions := newMemPositions()
	scanner := NewScanner(zaptest.NewLogger(t), positions, nil)
	rules := []*patterns.Rule{rule(t, "sshd", "22", "from __IP__")}
	dir := t.TempDir()

	res, pos, err := scanner.ScanFile(context.Background(), filepath.Join(dir, "absent.log"), rules, Options{UpdatePosition: true})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Nil(t, pos)

	empty := filepath.Join(dir, "empty.log")
	writeLog(t, empty, "")
	res, pos, err = scanner.ScanFile(context.Background(), empty, rules, Options{UpdatePosition: true})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Nil(t, pos)
	assert.Empty(t, positions.data)
}

func TestNoPositionUpdate(t *testing.T) {
	positions := newMemPositions()
	scanner := NewScanner(zaptest.NewLogger(t), positions, nil)
	rules := []*patterns.Rule{rule(t, "sshd", "22", "from __IP__")}
	path := filepath.Join(t.TempDir(), "auth.log")
	writeLog(t, path, "from 198.51.100.1\n")

	for _, opts := range []Options{{UpdatePosition: false}, {UpdatePosition: true, Test: true}} {
		res, pos, err := scanner.ScanFile(context.Background(), path, rules, opts)
		require.NoError(t, err)
		assert.Len(t, res, 1)
		assert.Nil(t, pos)
	}
	assert.Empty(t, positions.data)
}

func TestPositionHeldUntilCommit(t *testing.T) {
	ctx := context.Background()
	positions := newMemPositions()
	scanner := NewScanner(zaptest.NewLogger(t), positions, nil)
	rules := []*patterns.Rule{rule(t, "sshd", "22", "from __IP__")}
	path := filepath.Join(t.TempDir(), "auth.log")
	writeLog(t, path, "from 198.51.100.1\nfrom 198.51.100.1\n")

	res, pos, err := scanner.ScanFile(ctx, path, rules, Options{UpdatePosition: true})
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 2, res["198.51.100.1"].MatchCount)
	assert.Empty(t, positions.data)

	// not committed: the same lines are read again
	res, pos, err = scanner.ScanFile(ctx, path, rules, Options{UpdatePosition: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res["198.51.100.1"].MatchCount)

	require.NoError(t, scanner.Commit(ctx, []*database.Position{pos}))
	info, _ := os.Stat(path)
	assert.Equal(t, info.Size(), positions.data[path].Offset)

	res, _, err = scanner.ScanFile(ctx, path, rules, Options{UpdatePosition: true})
	require.NoError(t, err)
	assert.Empty(t, res)

	t.Run("store failure", func(t *testing.T) {
		positions.setErr = apperrors.StorageError("db gone", errors.New("x"))
		defer func() { positions.setErr = nil }()
		err := scanner.Commit(ctx, []*database.Position{pos})
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeStorage))
	})
}

func TestScanCatalog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	auth := filepath.Join(dir, "auth.log")
	mail := filepath.Join(dir, "mail.log")
	broken := filepath.Join(dir, "broken.log")
	writeLog(t, auth, "from 198.51.100.1\nfrom 198.51.100.1\nfrom 198.51.100.2\n")
	writeLog(t, mail, "reject 198.51.100.1\n")
	require.NoError(t, os.Mkdir(broken, 0755))

	sshd := rule(t, "sshd", "22", "from __IP__")
	smtp := rule(t, "smtp", "25", "reject __IP__")

	catalog := &patterns.Catalog{
		Files: []string{auth, broken, mail},
		Rules: map[string][]*patterns.Rule{
			auth:   {sshd},
			broken: {sshd},
			mail:   {smtp},
		},
	}

	positions := newMemPositions()
	scanner := NewScanner(zaptest.NewLogger(t), positions, nil)

	scan, err := scanner.ScanCatalog(ctx, catalog, true)
	require.NoError(t, err)
	res := scan.Results

	require.Contains(t, res, "198.51.100.1")
	assert.Equal(t, 2, res["198.51.100.1"].Incidents)
	assert.Equal(t, 3, res["198.51.100.1"].MatchCount)
	assert.Equal(t, "22,25", res["198.51.100.1"].Ports.String())
	assert.Equal(t, "sshd", res["198.51.100.1"].Pattern)

	assert.Equal(t, 1, res["198.51.100.2"].Incidents)
	assert.Len(t, scan.Positions, 2)
	assert.Empty(t, positions.data)
	require.NoError(t, scanner.Commit(ctx, scan.Positions))
	assert.Len(t, positions.data, 2)

	t.Run("position store failure aborts", func(t *testing.T) {
		failing := newMemPositions()
		failing.getErr = apperrors.StorageError("db gone", errors.New("x"))
		scan, err := NewScanner(zaptest.NewLogger(t), failing, nil).ScanCatalog(ctx, catalog, true)
		require.Error(t, err)
		assert.Nil(t, scan)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeStorage))
	})

	t.Run("selected pattern missing", func(t *testing.T) {
		scan, err := scanner.ScanCatalog(ctx, &patterns.Catalog{Selected: "nope"}, true)
		require.NoError(t, err)
		assert.Empty(t, scan.Results)
		assert.Empty(t, scan.Positions)
	})
}

func TestScanWithDatabasePositions(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(zaptest.NewLogger(t), database.Config{Path: filepath.Join(t.TempDir(), "nftfence.db")})
	require.NoError(t, err)
	defer db.Close()

	scanner := NewScanner(zaptest.NewLogger(t), database.NewPositionRepository(db), nil)
	rules := []*patterns.Rule{rule(t, "sshd", "update", "from __IP__")}
	path := filepath.Join(t.TempDir(), "auth.log")
	writeLog(t, path, "from 198.51.100.1\n")

	res, err := scanCommit(ctx, scanner, path, rules)
	require.NoError(t, err)
	assert.True(t, res["198.51.100.1"].Ports.Equal(portspec.Update))

	res, err = scanCommit(ctx, scanner, path, rules)
	require.NoError(t, err)
	assert.Empty(t, res)
}
