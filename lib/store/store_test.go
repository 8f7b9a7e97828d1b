package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "sessions.json"), nil)
	require.Empty(t, s.Load())
}

func TestLoadCorruptFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := New(path, nil)
	require.Empty(t, s.Load())
}

func TestSaveCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "sessions.json")
	s := New(path, nil)

	require.NoError(t, s.Save([]Record{{ID: "a", Name: "kind-A-1", Kind: "kind-A", WorkingDir: "/tmp"}}))
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestLoadDeduplicatesLatestWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s := New(path, nil)

	require.NoError(t, s.Save([]Record{
		{ID: "a", Name: "first", Kind: "kind-A", WorkingDir: "/tmp/a"},
		{ID: "a", Name: "second", Kind: "kind-A", WorkingDir: "/tmp/a"},
		{ID: "b", Name: "only", Kind: "kind-B", WorkingDir: "/tmp/b"},
	}))

	records := s.Load()
	require.Len(t, records, 2)
	byID := map[string]Record{}
	for _, r := range records {
		byID[r.ID] = r
	}
	require.Equal(t, "second", byID["a"].Name)
}

func TestAddOrReplaceAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s := New(path, nil)

	require.NoError(t, s.AddOrReplace(Record{ID: "a", Name: "one", Kind: "kind-A", WorkingDir: "/tmp"}))
	require.NoError(t, s.AddOrReplace(Record{ID: "a", Name: "renamed", Kind: "kind-A", WorkingDir: "/tmp"}))
	require.Len(t, s.Load(), 1)
	require.Equal(t, "renamed", s.Load()[0].Name)

	require.NoError(t, s.Remove("a"))
	require.Empty(t, s.Load())
}

func TestUpdateNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s := New(path, nil)

	name := "new-name"
	err := s.Update("missing", Patch{Name: &name})
	require.Error(t, err)
}

func TestSaveLoadRoundTripIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s := New(path, nil)

	records := []Record{{ID: "a", Name: "one", Kind: "kind-A", WorkingDir: "/tmp"}}
	require.NoError(t, s.Save(records))

	first := s.Load()
	second := s.Load()
	require.Equal(t, first, second)
}
