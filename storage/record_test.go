package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestFileRecordStore_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "records")
	s, err := NewFileRecordStore(dir)
	require.NoError(t, err)

	var got record
	assert.ErrorIs(t, s.Load("device", &got), ErrRecordNotFound)

	require.NoError(t, s.Save("device", record{Name: "hub", Count: 2}))
	require.NoError(t, s.Load("device", &got))
	assert.Equal(t, record{Name: "hub", Count: 2}, got)

	require.NoError(t, s.Save("device", record{Name: "hub", Count: 3}))
	require.NoError(t, s.Load("device", &got))
	assert.Equal(t, 3, got.Count)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileRecordStore_InvalidKey(t *testing.T) {
	s, err := NewFileRecordStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, s.Save("../escape", record{}))
	assert.Error(t, s.Load("a/b", &record{}))
}

func TestFileRecordStore_Corrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileRecordStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "device.json"), []byte("{not json"), 0644))
	err = s.Load("device", &record{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRecordNotFound)
}

func TestMemoryRecordStore(t *testing.T) {
	m := NewMemoryRecordStore()

	var got record
	assert.ErrorIs(t, m.Load("k", &got), ErrRecordNotFound)

	require.NoError(t, m.Save("k", record{Name: "x"}))
	require.NoError(t, m.Load("k", &got))
	assert.Equal(t, "x", got.Name)
	assert.Equal(t, 1, m.Saves)

	m.Raw("raw", []byte(`{"name":"y"}`))
	require.NoError(t, m.Load("raw", &got))
	assert.Equal(t, "y", got.Name)
}
