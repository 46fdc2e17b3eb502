package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBackend struct {
	stored []Snapshot
	err    error
	closed bool
}

func (r *recordingBackend) Store(s Snapshot) error {
	r.stored = append(r.stored, s)
	return r.err
}

func (r *recordingBackend) Close() error {
	r.closed = true
	return nil
}

func testSnapshot() Snapshot {
	return Snapshot{
		DeviceID:  "0d4c1f9e-0000-4000-8000-000000000001",
		Source:    "root",
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(),
		Values:    map[string]interface{}{"uptime": 12, "cpu_load": 3.5},
	}
}

func TestManager_FanOutContinuesOnError(t *testing.T) {
	failing := &recordingBackend{err: errors.New("disk full")}
	ok := &recordingBackend{}
	m := NewManager([]StorageBackend{failing})
	m.AddBackend(ok)

	assert.NoError(t, m.Store(testSnapshot()))
	assert.Len(t, failing.stored, 1)
	assert.Len(t, ok.stored, 1)
	assert.Equal(t, 2, m.Len())

	m.Close()
	assert.True(t, failing.closed)
	assert.True(t, ok.closed)
}

func TestSnapshot_SortedKeys(t *testing.T) {
	assert.Equal(t, []string{"cpu_load", "uptime"}, testSnapshot().SortedKeys())
}

func TestFileStorage_Store(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	require.NoError(t, err)

	require.NoError(t, fs.Store(testSnapshot()))

	files, err := filepath.Glob(filepath.Join(dir, "root", "*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	var got Snapshot
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "root", got.Source)
	assert.EqualValues(t, 12, got.Values["uptime"])
}

func TestSQLiteStorage_Store(t *testing.T) {
	ss, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	defer ss.Close()

	require.NoError(t, ss.Store(testSnapshot()))
	sub := testSnapshot()
	sub.Source = "s1"
	require.NoError(t, ss.Store(sub))
	require.NoError(t, ss.Store(sub))

	n, err := ss.Count("root")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = ss.Count("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewDatabaseStorage_Unsupported(t *testing.T) {
	_, err := NewDatabaseStorage("oracle", "dsn")
	assert.Error(t, err)
}

func TestParseMySQLDSN(t *testing.T) {
	db, server, err := parseMySQLDSN("user:pw@tcp(localhost:3306)/agent?parseTime=true")
	require.NoError(t, err)
	assert.Equal(t, "agent", db)
	assert.Equal(t, "user:pw@tcp(localhost:3306)/?parseTime=true", server)

	_, _, err = parseMySQLDSN("nodatabase")
	assert.Error(t, err)
}

func TestParsePostgreSQLDSN(t *testing.T) {
	db, server, err := parsePostgreSQLDSN("postgres://u:p@localhost:5432/agent?sslmode=disable")
	require.NoError(t, err)
	assert.Equal(t, "agent", db)
	assert.Equal(t, "postgres://u:p@localhost:5432/postgres?sslmode=disable", server)

	db, server, err = parsePostgreSQLDSN("host=localhost user=u dbname=agent")
	require.NoError(t, err)
	assert.Equal(t, "agent", db)
	assert.Equal(t, "host=localhost user=u dbname=postgres", server)

	_, _, err = parsePostgreSQLDSN("host=localhost user=u")
	assert.Error(t, err)
}

func TestSnapshotPoint(t *testing.T) {
	p := snapshotPoint(testSnapshot())
	assert.Equal(t, influxMeasurement, p.Name())
	assert.Len(t, p.FieldList(), 2)
	assert.Len(t, p.TagList(), 2)
}
